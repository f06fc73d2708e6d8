// Package httpapi exposes an executor over HTTP.
//
//	GET  /run?source=<source or key>&args=<JSON array>
//	POST /run?source=<source or key>   {"args": [...]}
//	GET  /health
//
// Successful runs answer 200 with the JSON result. Failures answer
// {"error": ..., "type": ...} with the status given by StatusCode.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/caffeineduck/gorun/executor"
	"github.com/caffeineduck/gorun/pool"
	"github.com/caffeineduck/gorun/protocol"
)

// DefaultMaxBodySize bounds POST bodies.
const DefaultMaxBodySize = 1 << 20 // 1MB

// Runner is the part of *executor.Executor the handler needs.
type Runner interface {
	Run(ctx context.Context, source string, args []any, opts ...executor.RunOption) (any, error)
}

// Stater is implemented by runners that can report pool membership.
type Stater interface {
	Stats() pool.Stats
}

type Option func(*Handler)

// WithLogger logs failed runs.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// WithMaxBodySize bounds POST bodies.
func WithMaxBodySize(n int64) Option {
	return func(h *Handler) {
		h.maxBody = n
	}
}

// Handler serves /run and /health.
type Handler struct {
	runner  Runner
	log     *slog.Logger
	maxBody int64
	mux     *http.ServeMux
}

func NewHandler(r Runner, opts ...Option) *Handler {
	h := &Handler{
		runner:  r,
		log:     slog.New(slog.DiscardHandler),
		maxBody: DefaultMaxBodySize,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("GET /run", h.handleGet)
	h.mux.HandleFunc("POST /run", h.handlePost)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// StatusCode maps a Run error to an HTTP status.
func StatusCode(err error) int {
	typ, ok := executor.TypeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch typ {
	case protocol.ErrorEval:
		return http.StatusBadRequest
	case protocol.ErrorTimeout:
		return http.StatusRequestTimeout
	case protocol.ErrorExit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type runRequest struct {
	Source string          `json:"source,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type errorResponse struct {
	Error string             `json:"error"`
	Type  protocol.ErrorType `json:"type,omitempty"`
}

var errBadArgs = errors.New("args must be a JSON array")

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var raw json.RawMessage
	if s := q.Get("args"); s != "" {
		raw = json.RawMessage(s)
	}
	args, err := decodeArgs(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}
	h.run(w, r, q.Get("source"), args)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err), "")
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = req.Source
	}
	args, err := decodeArgs(req.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}
	h.run(w, r, source, args)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s, ok := h.runner.(Stater); ok {
		status["pool"] = s.Stats()
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, source string, args []any) {
	if source == "" {
		writeError(w, http.StatusBadRequest, errors.New("source required"), "")
		return
	}

	result, err := h.runner.Run(r.Context(), source, args)
	if err != nil {
		typ, _ := executor.TypeOf(err)
		status := StatusCode(err)
		h.log.Info("run failed", "status", status, "type", typ, "error", err)
		writeError(w, status, err, typ)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decodeArgs accepts a JSON array, or a JSON string holding one.
func decodeArgs(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}

	var args []any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errBadArgs
	}
	return args, nil
}

func writeError(w http.ResponseWriter, status int, err error, typ protocol.ErrorType) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Type: typ})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
