// Package ingestion accepts security events over the Splunk HTTP Event
// Collector protocol so existing forwarders can feed the monitor.
package ingestion

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/environment"
	"github.com/lvonguyen/secmon/internal/monitor"
	"github.com/lvonguyen/secmon/internal/security"
)

// HEC status codes returned in response bodies.
const (
	codeSuccess      = 0
	codeInvalidToken = 4
	codeNoData       = 5
	codeInvalidData  = 6
	codeHealthy      = 17
)

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	TokenEnv     string
	MaxBatchSize int
	MaxEventSize int
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		TokenEnv:     "SECMON_HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
	}
}

// ReceiverStats tracks receiver counters.
type ReceiverStats struct {
	EventsReceived int64
	EventsRejected int64
	BytesReceived  int64
	LastEventAt    time.Time
}

// Logger is the monitor's ingestion entry point.
type Logger interface {
	LogSecurityEvent(ctx context.Context, t security.EventType, d security.Details, opts ...monitor.LogOption)
}

// HECEvent is one event in the HEC envelope.
type HECEvent struct {
	Time       float64         `json:"time,omitempty"`
	Host       string          `json:"host,omitempty"`
	Source     string          `json:"source,omitempty"`
	SourceType string          `json:"sourcetype,omitempty"`
	Index      string          `json:"index,omitempty"`
	Event      json.RawMessage `json:"event"`
	Fields     map[string]any  `json:"fields,omitempty"`
}

// SecurityPayload is the expected shape of HECEvent.Event.
type SecurityPayload struct {
	Type         security.EventType `json:"type"`
	ActorID      string             `json:"actor_id,omitempty"`
	SeverityHint security.Severity  `json:"severity_hint,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	UserAgent    string             `json:"user_agent,omitempty"`
	Location     string             `json:"location,omitempty"`
	Details      security.Details   `json:"details,omitempty"`
}

// HECReceiver serves the HEC event and health endpoints.
type HECReceiver struct {
	config ReceiverConfig
	log    Logger
	logger *zap.Logger
	mu     sync.RWMutex
	stats  ReceiverStats
}

// NewHECReceiver creates a receiver that forwards events to log.
func NewHECReceiver(config ReceiverConfig, log Logger, logger *zap.Logger) *HECReceiver {
	def := DefaultReceiverConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = def.MaxBatchSize
	}
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = def.MaxEventSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HECReceiver{config: config, log: log, logger: logger}
}

// Routes returns a router to mount at /services/collector.
func (r *HECReceiver) Routes() chi.Router {
	mux := chi.NewRouter()
	mux.Post("/event", r.handleEvent)
	mux.Post("/event/1.0", r.handleEvent)
	mux.Get("/health", r.handleHealth)
	mux.Get("/health/1.0", r.handleHealth)
	return mux
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func reply(w http.ResponseWriter, status, code int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}

func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		reply(w, http.StatusForbidden, codeInvalidToken, "Invalid token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)+1))
	if err != nil {
		reply(w, http.StatusBadRequest, codeInvalidData, "Error reading body")
		return
	}
	if len(body) > r.config.MaxEventSize {
		reply(w, http.StatusRequestEntityTooLarge, codeInvalidData, "Request too large")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		reply(w, http.StatusBadRequest, codeNoData, "No data")
		return
	}

	events, err := parseEvents(body, r.config.MaxBatchSize)
	if err != nil {
		reply(w, http.StatusBadRequest, codeInvalidData, err.Error())
		return
	}

	payloads := make([]SecurityPayload, len(events))
	for i, ev := range events {
		p, err := decodePayload(ev)
		if err != nil {
			r.reject(len(events))
			reply(w, http.StatusBadRequest, codeInvalidData, fmt.Sprintf("event %d: %v", i, err))
			return
		}
		payloads[i] = p
	}

	// Events are only accepted once the whole batch has been validated.
	for i, p := range payloads {
		r.forward(req, events[i], p)
	}

	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(len(body))
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	reply(w, http.StatusOK, codeSuccess, "Success")
}

func (r *HECReceiver) reject(n int) {
	r.mu.Lock()
	r.stats.EventsRejected += int64(n)
	r.mu.Unlock()
}

// forward hands one event to the monitor with the HEC envelope as its context.
func (r *HECReceiver) forward(req *http.Request, ev HECEvent, p SecurityPayload) {
	env := environment.Static{
		Session: p.SessionID,
		Host:    ev.Host,
		Agent:   p.UserAgent,
		Place:   p.Location,
	}
	if env.Host == "" {
		env.Host = environment.ClientIP(req)
	}
	if env.Agent == "" {
		env.Agent = ev.SourceType
	}

	details := p.Details.Clone()
	if ev.Source != "" {
		details["hecSource"] = ev.Source
	}

	opts := []monitor.LogOption{monitor.WithActor(p.ActorID)}
	if p.SeverityHint != "" {
		opts = append(opts, monitor.WithSeverityHint(p.SeverityHint))
	}
	r.log.LogSecurityEvent(environment.WithContext(req.Context(), env), p.Type, details, opts...)
}

func (r *HECReceiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	reply(w, http.StatusOK, codeHealthy, "HEC is healthy")
}

// validateToken checks the Authorization header. It fails closed when no
// token is configured and never reads tokens from the query string.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Splunk ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// parseEvents decodes one or more concatenated HEC envelopes.
func parseEvents(body []byte, maxBatch int) ([]HECEvent, error) {
	var events []HECEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	for dec.More() {
		var ev HECEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, ev)
		if len(events) > maxBatch {
			return nil, fmt.Errorf("batch exceeds %d events", maxBatch)
		}
	}
	if len(events) == 0 {
		return nil, errors.New("no valid events found")
	}
	return events, nil
}

func decodePayload(ev HECEvent) (SecurityPayload, error) {
	var p SecurityPayload
	if len(ev.Event) == 0 {
		return p, errors.New("event field is required")
	}
	if err := json.Unmarshal(ev.Event, &p); err != nil {
		return p, fmt.Errorf("event is not a security payload: %w", err)
	}
	if p.Type == "" {
		return p, errors.New("event.type is required")
	}
	return p, nil
}
