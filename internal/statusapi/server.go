// Package statusapi serves the kernel's operator surface over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

const shutdownTimeout = 5 * time.Second

// ErrUnknownComponent is returned by Provider.RestartComponent for names it
// does not supervise.
var ErrUnknownComponent = errors.New("unknown component")

// Provider is the kernel view the server needs.
type Provider interface {
	// Status returns a JSON-serializable snapshot. It must not fail.
	Status() any
	// Healthy reports whether the kernel is running outside safe mode.
	Healthy() bool
	RestartComponent(ctx context.Context, name string) error
	VersionInfo(module string) domain.VersionInfo
	MetricsHandler() http.Handler
}

// Server is the status HTTP server.
type Server struct {
	addr     string
	provider Provider
	logger   *zap.Logger
	handler  http.Handler
}

// New creates a server bound to addr once Run is called.
func New(addr string, provider Provider, logger *zap.Logger) *Server {
	s := &Server{addr: addr, provider: provider, logger: logger}
	s.handler = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", s.provider.MetricsHandler())
	r.Post("/components/{name}/restart", s.restartComponent)
	r.Get("/versions/{module}", s.versions)
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status server shutdown", zap.Error(err))
	}
	<-errCh
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if !s.provider.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status())
}

func (s *Server) restartComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.provider.RestartComponent(r.Context(), name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownComponent) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]string{"component": name, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"component": name, "status": "restarted"})
}

func (s *Server) versions(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	writeJSON(w, http.StatusOK, s.provider.VersionInfo(module))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("status request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
