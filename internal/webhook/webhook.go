// Package webhook is the HTTP boundary for externally delivered events:
// inbound text messages and form intake submissions.
//
// Routes:
//
//	POST /webhooks/inbound
//	POST /webhooks/intake
//	GET  /healthz
//	GET  /metrics
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/relay/pkg/api"
	"github.com/petrijr/relay/pkg/metrics"
)

// maxBodySize caps webhook request bodies.
const maxBodySize = 1 << 20

// APIKeyHeader carries the intake API key.
const APIKeyHeader = "X-API-Key"

// Config wires a Handler.
type Config struct {
	Engine api.Engine

	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

type server struct {
	engine api.Engine
	logger *slog.Logger
}

// New returns the webhook handler.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{engine: cfg.Engine, logger: logger.With("component", "webhook")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/inbound", s.handleInbound)
	mux.HandleFunc("POST /webhooks/intake", s.handleIntake)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	}
	return s.recoverer(mux)
}

type inboundResponse struct {
	Duplicate       bool     `json:"duplicate"`
	MatchedIDs      []string `json:"matched_ids"`
	AutomationFired bool     `json:"automation_fired"`
}

func (s *server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var msg api.InboundMessage
	if err := decodeBody(w, r, &msg); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.engine.Route(r.Context(), msg)
	if err != nil {
		s.logger.Error("inbound_failed", "message_id", msg.ExternalID, "error", err)
		writeError(w, err)
		return
	}

	matched := res.MatchedIDs
	if matched == nil {
		matched = []string{}
	}
	writeJSON(w, http.StatusOK, inboundResponse{
		Duplicate:       res.Duplicate,
		MatchedIDs:      matched,
		AutomationFired: res.AutomationFired,
	})
}

type intakeResponse struct {
	SubjectID string `json:"subject_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

func (s *server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	res := s.engine.Ingest(r.Context(), payload, apiKeyOf(r, payload))

	body := intakeResponse{SubjectID: res.SubjectID, Duplicate: res.Duplicate}
	if res.Err != nil {
		body.Error = res.Err.Error()
		if res.Status >= http.StatusInternalServerError {
			s.logger.Error("intake_failed", "error", res.Err)
		}
	}
	writeJSON(w, res.Status, body)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recoverer turns a panic in a handler into a JSON 500.
func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler_panic", "path", r.URL.Path, "panic", rec)
				writeError(w, api.NewError(api.CodeInternal, "webhook", "internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// apiKeyOf reads the key from the header, then the query string, then the
// payload itself.
func apiKeyOf(r *http.Request, payload map[string]any) string {
	if k := strings.TrimSpace(r.Header.Get(APIKeyHeader)); k != "" {
		return k
	}
	if k := strings.TrimSpace(r.URL.Query().Get("api_key")); k != "" {
		return k
	}
	for _, name := range []string{"api_key", "apikey"} {
		if k, ok := payload[name].(string); ok && strings.TrimSpace(k) != "" {
			return strings.TrimSpace(k)
		}
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	const op = "webhook.decode"
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return api.NewError(api.CodeValidation, op, "empty body", nil)
		}
		return api.NewError(api.CodeValidation, op, "malformed JSON", err)
	}
	return nil
}

type errorResponse struct {
	Code  api.ErrorCode `json:"code"`
	Error string        `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, api.HTTPStatus(err), errorResponse{Code: api.CodeOf(err), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
