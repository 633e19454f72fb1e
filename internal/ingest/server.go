package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tt2tg/internal/item"
	logx "tt2tg/pkg/logx"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr            string
	MaxBodyBytes    int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Metrics         bool
}

// Server is the local HTTP endpoint the extension posts to.
type Server struct {
	cfg     Config
	svc     *Service
	log     logx.Logger
	handler http.Handler
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Pending *int   `json:"pending,omitempty"`
}

func NewServer(cfg Config, svc *Service, log logx.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{cfg: cfg, svc: svc, log: log}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverJSON)
	r.Use(s.requestLog)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/send_url", s.handleSubmit)
	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Message: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Message: "method not allowed"})
	})
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: "error", Message: fmt.Sprintf("body exceeds %d bytes", tooBig.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "read body: " + err.Error()})
		return
	}

	out, err := s.svc.Submit(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, response{Status: "success", Message: out.Message()})
	case item.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: err.Error()})
	default:
		loggerFrom(r.Context(), s.log).Error("ingest failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: err.Error()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Pending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "degraded", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok", Pending: &n})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingest listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ingest endpoint listening", logx.String("addr", ln.Addr().String()))
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("ingest shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("ingest endpoint stopped")
	return nil
}

type ctxKey struct{}

func loggerFrom(ctx context.Context, def logx.Logger) logx.Logger {
	if l, ok := ctx.Value(ctxKey{}).(logx.Logger); ok {
		return l
	}
	return def
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		log := s.log.With(logx.String("request_id", rid))
		sw := newStatusWriter(w)

		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), ctxKey{}, log)))

		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("dur", time.Since(start)),
			logx.Int64("bytes", sw.written),
			logx.String("remote", r.RemoteAddr),
		}
		switch {
		case sw.status >= 500:
			log.Error("http request", fields...)
		case sw.status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	})
}

// recoverJSON turns a handler panic into a 500 with a diagnostic message.
func (s *Server) recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil || rec == http.ErrAbortHandler {
				if rec != nil {
					panic(rec)
				}
				return
			}
			s.log.Error("panic recovered",
				logx.Any("panic", rec),
				logx.String("path", r.URL.Path),
				logx.String("stack", string(debug.Stack())),
			)
			writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: fmt.Sprintf("internal error: %v", rec)})
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
