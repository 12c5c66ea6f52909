package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

const requestIDHeader = "X-Request-Id"

// MonitorService is the application surface served over HTTP.
type MonitorService interface {
	GetStatistics(ctx context.Context, req models.StatisticsRequest) (models.Statistics, error)
	GetStatus(ctx context.Context, id int64) (models.LiveStatus, error)
	ReadySet(ctx context.Context, offset, limit int) (models.ReadyPage, error)
	Register(ctx context.Context, req models.RegisterRequest) (models.ProbeFact, error)
	SetProbing(ctx context.Context, id int64, enabled bool) error
	SetState(ctx context.Context, id int64, state string) error
	SetFrequency(ctx context.Context, id int64, frequency int, start, end string) error
	Deregister(ctx context.Context, id int64) error
}

// HTTPConfig configures HTTPServer.
type HTTPConfig struct {
	Address        string
	RequestTimeout time.Duration
	MaxBody        int64
	// Ready is consulted by /healthz; nil means always healthy.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// HTTPServer serves the reporting, admission and admin routes.
type HTTPServer struct {
	service MonitorService
	cfg     HTTPConfig
	logger  *slog.Logger
	server  *http.Server
}

// NewHTTPServer builds the server; call Start to begin serving.
func NewHTTPServer(service MonitorService, cfg HTTPConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	s := &HTTPServer{service: service, cfg: cfg, logger: logger}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.timeoutMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.requestLogMiddleware(handler)
	return handler
}

// RegisterRoutes mounts every route onto mux.
func (s *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReadySet)
	mux.HandleFunc("GET /{id}/statistics", s.handleStatistics)
	mux.HandleFunc("GET /{id}/status", s.handleStatus)

	mux.HandleFunc("POST /eservices", s.handleRegister)
	mux.HandleFunc("PUT /{id}/probing", s.handleSetProbing)
	mux.HandleFunc("PUT /{id}/state", s.handleSetState)
	mux.HandleFunc("PUT /{id}/frequency", s.handleSetFrequency)
	mux.HandleFunc("DELETE /{id}", s.handleDeregister)
}

// Start listens and serves until Shutdown. It returns nil after a clean shutdown.
func (s *HTTPServer) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	s.logger.Info("http api listening", slog.String("address", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *HTTPServer) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) timeoutMiddleware(next http.Handler) http.Handler {
	if s.cfg.RequestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{Error: apiErrorBody{Code: code, Message: message}}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeAppError maps an error kind onto status and code.
func (s *HTTPServer) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := utils.KindOf(err)
	switch kind {
	case utils.KindValidation:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", utils.Message(err))
	case utils.KindNotFound:
		writeError(w, http.StatusNotFound, "NOT_FOUND", utils.Message(err))
	case utils.KindUpstream:
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", utils.Message(err))
	case utils.KindDataIntegrity:
		s.logger.Error("data integrity violation", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "DATA_INTEGRITY", "stored data is inconsistent")
	default:
		s.logger.Error("unhandled error", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
