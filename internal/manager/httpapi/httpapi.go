// Package httpapi exposes a manager.Manager over plain JSON-over-HTTP,
// matching the wire format required at the Manager/Controller/Client
// boundary (camelCase field names, application/problem+json error bodies)
// rather than the teacher's ConnectRPC/protobuf transport. Routing uses
// github.com/gorilla/mux, following the same pack-wide pattern the other
// example repos reach for when a service needs plain HTTP routing instead
// of a generated RPC handler.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/manager"
)

// requestIDKey is the context key requestIDMiddleware stores the
// per-request id under.
type requestIDKey struct{}

// ErrPanicRecovered indicates a handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in http handler")

// RequestObserver receives per-request latency observations. Defined here
// rather than imported from a metrics package so this package stays
// decoupled from any one metrics backend; telemetry.Collector satisfies it.
type RequestObserver interface {
	ObserveRequestDuration(endpoint, method, status string, seconds float64)
}

// Server adapts a manager.Manager to net/http, one handler per spec.md
// Section 6 endpoint.
type Server struct {
	mgr      *manager.Manager
	logger   *slog.Logger
	observer RequestObserver
}

// ServerOption configures optional Server parameters.
type ServerOption func(*Server)

// WithRequestObserver sets the RequestObserver used to record per-request
// latency. If observer is nil, observations are skipped.
func WithRequestObserver(observer RequestObserver) ServerOption {
	return func(s *Server) {
		s.observer = observer
	}
}

// New constructs a Server. logger defaults to slog.Default() if nil.
func New(mgr *manager.Manager, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{mgr: mgr, logger: logger.With(slog.String("component", "httpapi"))}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the complete routed, middleware-wrapped http.Handler for
// the Manager's session API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/create_session", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/end_session", s.handleEndSession).Methods(http.MethodPost)
	r.HandleFunc("/start_round", s.handleStartRound).Methods(http.MethodPost)
	r.HandleFunc("/abort_round", s.handleAbortRound).Methods(http.MethodPost)
	r.HandleFunc("/get_vdaf_parameter", s.handleGetVdafParameter).Methods(http.MethodPost)
	r.HandleFunc("/get_hpke_config", s.handleGetHpkeConfig).Methods(http.MethodPost)
	r.HandleFunc("/get_main_locations", s.handleGetMainLocations).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return requestIDMiddleware(recoveryMiddleware(s.logger, loggingMiddleware(s.logger, s.metricsMiddleware(corsMiddleware(r)))))
}

// metricsMiddleware observes request latency via s.observer, keyed by
// path, method, and status. The route set has a handful of fixed paths
// (spec.md Section 6), so the raw path carries no unbounded cardinality
// risk here. A no-op if no observer was configured.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.observer.ObserveRequestDuration(r.URL.Path, r.Method, strconv.Itoa(sw.status), time.Since(start).Seconds())
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req dap.CreateTrainingSessionRequest
	if !decodeJSON(w, r, &req, s.logger) {
		return
	}

	id, err := s.mgr.CreateSession(r.Context(), req)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dap.CreateTrainingSessionResponse{TrainingSessionId: id})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req dap.EndSessionRequest
	if !decodeJSON(w, r, &req, s.logger) {
		return
	}
	if err := s.mgr.EndSession(r.Context(), req.TrainingSessionId); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dap.EndSessionResponse{})
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	var req dap.StartRoundRequest
	if !decodeJSON(w, r, &req, s.logger) {
		return
	}
	if err := s.mgr.StartRound(r.Context(), req.TrainingSessionId, req.TaskIdEncoded); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dap.StartRoundResponse{})
}

func (s *Server) handleAbortRound(w http.ResponseWriter, r *http.Request) {
	var req dap.AbortRoundRequest
	if !decodeJSON(w, r, &req, s.logger) {
		return
	}
	if err := s.mgr.AbortRound(r.Context(), req.TrainingSessionId, req.TaskIdEncoded); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dap.AbortRoundResponse{})
}

func (s *Server) handleGetVdafParameter(w http.ResponseWriter, r *http.Request) {
	var req dap.GetVdafParameterRequest
	if !decodeJSON(w, r, &req, s.logger) {
		return
	}
	param, err := s.mgr.GetVdafParameter(r.Context(), req.TaskIdEncoded)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dap.GetVdafParameterResponse{VdafParameter: param})
}

func (s *Server) handleGetHpkeConfig(w http.ResponseWriter, r *http.Request) {
	var req dap.GetHpkeConfigRequest
	if !decodeJSON(w, r, &req, s.logger) {
		return
	}
	cfg, err := s.mgr.GetHpkeConfig(r.Context(), req.TaskIdEncoded)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dap.GetHpkeConfigResponse{HpkeConfig: cfg})
}

func (s *Server) handleGetMainLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.GetMainLocations())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// decodeJSON decodes the request body into dst, writing a problem+json 400
// response and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.WarnContext(r.Context(), "malformed request body", "error", err)
		writeProblemDetail(w, r, http.StatusBadRequest, fmt.Sprintf("malformed request body: %s", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeProblem maps a Manager error to an HTTP status and problem+json
// body (spec.md Section 6/7), following the teacher's mapManagerError
// pattern of translating domain sentinel errors to transport-level codes.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrSessionIdInUse),
		errors.Is(err, manager.ErrTaskParameterMismatch):
		status = http.StatusConflict
	case errors.Is(err, manager.ErrSessionNotFound),
		errors.Is(err, manager.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrTaskAmbiguous),
		errors.Is(err, manager.ErrSessionIdExhausted):
		status = http.StatusInternalServerError
	case errors.Is(err, dap.ErrInvalidVdafParameter),
		errors.Is(err, dap.ErrZeroDenominator),
		errors.Is(err, dap.ErrInvalidRole):
		status = http.StatusBadRequest
	}
	writeProblemDetail(w, r, status, err.Error())
}

func writeProblemDetail(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-Id", requestIDFromContext(r.Context()))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dap.ProblemDocument{
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// requestIDMiddleware assigns every request a fresh request id, used to
// correlate a client-visible X-Request-Id header with the corresponding
// log lines and problem+json bodies.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// loggingMiddleware logs every request with method, path, duration, and
// status, mirroring the teacher's LoggingInterceptor.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", duration),
			slog.String("request_id", requestIDFromContext(r.Context())),
		}
		level := slog.LevelInfo
		if sw.status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		logger.LogAttrs(r.Context(), level, "http request completed", attrs...)
	})
}

// recoveryMiddleware recovers from panics in downstream handlers, logging
// the panic and stack trace and returning a 500 problem+json response,
// mirroring the teacher's RecoveryInterceptor.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.ErrorContext(r.Context(), "panic recovered in http handler",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(buf[:n])),
					slog.String("request_id", requestIDFromContext(r.Context())),
				)
				writeProblemDetail(w, r, http.StatusInternalServerError, ErrPanicRecovered.Error())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows cross-origin requests from any origin, since
// Controller/Client callers may run in arbitrary environments (spec.md
// places no restriction on caller origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			if method := r.Header.Get("Access-Control-Request-Method"); method != "" {
				w.Header().Set("Access-Control-Allow-Methods", method)
			} else {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			}
			if headers := r.Header.Get("Access-Control-Request-Headers"); headers != "" {
				w.Header().Set("Access-Control-Allow-Headers", headers)
			} else {
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code written to an http.ResponseWriter
// for logging purposes.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
