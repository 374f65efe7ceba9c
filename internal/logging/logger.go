// Package logging provides categorized file-based logging for TongueKeeper.
// Logs are written to .tonguekeeper/logs/ with one file per category.
// Logging is controlled by the logging section of the service config;
// when debug mode is off, every call is a no-op.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryPipeline  Category = "pipeline"  // Run orchestration
	CategoryDiscovery Category = "discovery" // Source discovery
	CategoryCrawler   Category = "crawler"   // Crawling and extraction
	CategoryCrossRef  Category = "crossref"  // Cross-reference merging
	CategoryEnrich    Category = "enrich"    // Cultural enrichment, scoring
	CategoryAudio     Category = "audio"     // Pronunciation generation
	CategoryEvents    Category = "events"    // Event bus
	CategoryStore     Category = "store"     // Record store operations
	CategoryServer    Category = "server"    // HTTP/WS transport
	CategoryReasoning Category = "reasoning" // LLM API calls
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Settings controls the logging subsystem. It mirrors config.LoggingConfig
// to avoid a circular import.
type Settings struct {
	DebugMode  bool
	Level      string
	Categories map[string]bool
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	setMu     sync.RWMutex
	logLevel  = LevelInfo
)

// Logger writes to a single category's log file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Initialize sets up the logging directory. Should be called once at
// startup with the service home directory.
func Initialize(home string, s Settings) error {
	if home == "" {
		return fmt.Errorf("home path required")
	}

	setMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	setMu.Unlock()

	if !s.DebugMode {
		return nil // Silent no-op in production mode
	}

	logsDir = filepath.Join(home, ".tonguekeeper", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== TongueKeeper logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

// IsCategoryEnabled returns whether a category is enabled.
func IsCategoryEnabled(category Category) bool {
	setMu.RLock()
	defer setMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger when the category or debug mode is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// Convenience helpers for the hot categories.

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func Crawler(format string, args ...interface{})       { Get(CategoryCrawler).Info(format, args...) }
func CrawlerDebug(format string, args ...interface{})  { Get(CategoryCrawler).Debug(format, args...) }
func CrossRef(format string, args ...interface{})      { Get(CategoryCrossRef).Info(format, args...) }
func CrossRefDebug(format string, args ...interface{}) { Get(CategoryCrossRef).Debug(format, args...) }
func Enrich(format string, args ...interface{})        { Get(CategoryEnrich).Info(format, args...) }
func Store(format string, args ...interface{})         { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})    { Get(CategoryStore).Debug(format, args...) }
func Server(format string, args ...interface{})        { Get(CategoryServer).Info(format, args...) }
func Events(format string, args ...interface{})        { Get(CategoryEvents).Debug(format, args...) }

// Close closes all open log files. Call on shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}
