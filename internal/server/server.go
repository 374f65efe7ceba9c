// Package server exposes the HTTP and WebSocket transport: run control,
// source injection, event ingestion and replay, run artifact lookup, and
// the live event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"tonguekeeper/internal/config"
	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"

	"golang.org/x/time/rate"
)

const maxRequestBody = 1 << 20

// Runner is the pipeline control surface the server exposes.
type Runner interface {
	Start(req types.PreserveRequest) (string, error)
	InjectSource(url, title, sourceType string) error
	Cancel()
	Active() bool
}

// ValidationError reports every violated field of a rejected request at
// once, so clients can fix a payload in one round trip.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return fmt.Sprintf("invalid request: %s", strings.Join(names, ", "))
}

// Server is the TongueKeeper HTTP transport.
type Server struct {
	service string
	cfg     config.ServerConfig
	runner  Runner
	store   types.RecordStore
	bus     *events.Bus

	preserveLimit *rate.Limiter
	ingestLimit   *rate.Limiter
	pollLimit     *rate.Limiter

	httpServer *http.Server
}

// New creates a server. Rate limits are requests per minute per route
// group with a burst of the same size.
func New(service string, cfg config.ServerConfig, runner Runner, store types.RecordStore, bus *events.Bus) *Server {
	s := &Server{
		service:       service,
		cfg:           cfg,
		runner:        runner,
		store:         store,
		bus:           bus,
		preserveLimit: newLimiter(cfg.PreserveRPM, 3),
		ingestLimit:   newLimiter(cfg.IngestRPM, 120),
		pollLimit:     newLimiter(cfg.PollRPM, 60),
	}
	return s
}

func newLimiter(rpm, fallback int) *rate.Limiter {
	if rpm <= 0 {
		rpm = fallback
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /preserve", s.limited(s.preserveLimit, s.handlePreserve))
	mux.HandleFunc("POST /sources", s.limited(s.ingestLimit, s.handleInjectSource))
	mux.HandleFunc("POST /cancel", s.limited(s.ingestLimit, s.handleCancel))
	mux.HandleFunc("POST /events", s.limited(s.ingestLimit, s.handleIngestEvent))
	mux.HandleFunc("GET /events", s.limited(s.pollLimit, s.handleListEvents))
	mux.HandleFunc("GET /health", s.limited(s.pollLimit, s.handleHealth))
	mux.HandleFunc("GET /runs/{language_code}/{run_id}", s.limited(s.pollLimit, s.handleGetRun))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return withCORS(mux)
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Server("listening on %s", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) limited(l *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePreserve(w http.ResponseWriter, r *http.Request) {
	var req types.PreserveRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if verr := validatePreserve(req); verr != nil {
		writeValidationError(w, verr)
		return
	}

	runID, err := s.runner.Start(req)
	if errors.Is(err, types.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	logging.Server("preserve accepted: %s (%s) run=%s", req.Name(), req.LanguageCode, runID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"run_id":        runID,
		"language_code": req.LanguageCode,
	})
}

func validatePreserve(req types.PreserveRequest) *ValidationError {
	fields := map[string]string{}
	if strings.TrimSpace(req.LanguageCode) == "" {
		fields["language_code"] = "required"
	}
	if strings.TrimSpace(req.Name()) == "" {
		fields["language_name"] = "required (or the legacy alias \"language\")"
	}
	if req.MaxSources < 0 {
		fields["max_sources"] = "must not be negative"
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

type injectSourceRequest struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

func (s *Server) handleInjectSource(w http.ResponseWriter, r *http.Request) {
	var req injectSourceRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	fields := map[string]string{}
	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if req.URL == "" {
		fields["url"] = "required"
	} else if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		fields["url"] = "must be an absolute http(s) URL"
	}
	if len(fields) > 0 {
		writeValidationError(w, &ValidationError{Fields: fields})
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = parsed.Hostname()
	}

	if err := s.runner.InjectSource(req.URL, title, req.Type); err != nil {
		if errors.Is(err, types.ErrNoActiveRun) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "url": req.URL})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runner.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

type ingestEventRequest struct {
	Agent  string          `json:"agent"`
	Action string          `json:"action"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Agent) == "" {
		fields["agent"] = "required"
	}
	if strings.TrimSpace(req.Action) == "" {
		fields["action"] = "required"
	}
	status := events.Status(req.Status)
	if req.Status == "" {
		status = events.StatusComplete
	} else if status != events.StatusRunning && status != events.StatusComplete && status != events.StatusError {
		fields["status"] = "must be running, complete, or error"
	}
	if len(fields) > 0 {
		writeValidationError(w, &ValidationError{Fields: fields})
		return
	}

	var data any
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			writeValidationError(w, &ValidationError{Fields: map[string]string{"data": "must be valid JSON"}})
			return
		}
	}

	ev := s.bus.Emit(req.Agent, req.Action, status, data)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": ev.ID})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.bus.History()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":      s.service,
		"status":       "ok",
		"run_active":   s.runner.Active(),
		"history_size": s.bus.Len(),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("language_code")
	runID := r.PathValue("run_id")

	run, err := s.store.GetRun(r.Context(), code, runID)
	if errors.Is(err, types.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		logging.Server("run lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeValidationError(w http.ResponseWriter, verr *ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  verr.Error(),
		"fields": verr.Fields,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Server("failed to write response: %v", err)
	}
}
