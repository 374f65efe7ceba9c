package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tonguekeeper/internal/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SeedSource is one curated archive in the seed catalog. Seeds are the
// highest-priority discovery method: they are tried before model and
// search suggestions.
type SeedSource struct {
	URL       string   `yaml:"url"`
	Title     string   `yaml:"title"`
	Type      string   `yaml:"type"`
	Languages []string `yaml:"languages,omitempty"` // empty means all languages
}

type seedCatalog struct {
	Seeds []SeedSource `yaml:"seeds"`
}

// SeedCatalog holds the curated seed sources and hot-reloads them when the
// catalog file changes on disk.
type SeedCatalog struct {
	mu       sync.RWMutex
	path     string
	seeds    []SeedSource
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	lastLoad time.Time
}

// NewSeedCatalog loads the catalog at path. A missing file yields an empty
// catalog, not an error; discovery then relies on model and search
// suggestions alone.
func NewSeedCatalog(path string) (*SeedCatalog, error) {
	c := &SeedCatalog{path: path, stopCh: make(chan struct{})}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// SeedsFor returns the seeds applicable to a language code.
func (c *SeedCatalog) SeedsFor(code string) []SeedSource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]SeedSource, 0, len(c.seeds))
	for _, s := range c.seeds {
		if len(s.Languages) == 0 {
			out = append(out, s)
			continue
		}
		for _, l := range s.Languages {
			if l == code {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (c *SeedCatalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.seeds = nil
			c.lastLoad = time.Now()
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read seed catalog: %w", err)
	}

	var cat seedCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("failed to parse seed catalog: %w", err)
	}

	c.mu.Lock()
	c.seeds = cat.Seeds
	c.lastLoad = time.Now()
	c.mu.Unlock()

	logging.Get(logging.CategoryDiscovery).Info("Seed catalog loaded: %d seeds from %s", len(cat.Seeds), c.path)
	return nil
}

// Watch starts watching the catalog file and reloads it on change.
// Non-blocking; Stop tears the watcher down.
func (c *SeedCatalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create seed catalog dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	c.watcher = watcher

	go func() {
		log := logging.Get(logging.CategoryDiscovery)
		var lastEvent time.Time
		for {
			select {
			case <-c.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Debounce rapid saves.
				if time.Since(lastEvent) < 500*time.Millisecond {
					continue
				}
				lastEvent = time.Now()
				if err := c.reload(); err != nil {
					log.Warn("Seed catalog reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Seed catalog watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Stop shuts the watcher down. Safe to call when Watch was never started.
func (c *SeedCatalog) Stop() {
	close(c.stopCh)
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}
