package web

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"background-tasks/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const pingTimeout = 2 * time.Second

// Backend is the part of the task store the server reports on.
type Backend interface {
	Ping(ctx context.Context) error
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

type Options struct {
	Addr       string
	Token      string
	AuthLimit  int
	AuthWindow time.Duration
	Allowlist  *CIDRAllowlist
	TLS        *tls.Config
}

type Server struct {
	backend Backend
	addr    string
	token   string
	limiter *authLimiter
	allow   *CIDRAllowlist
	tls     *tls.Config
	logger  *slog.Logger
}

func NewServer(backend Backend, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		addr:    opts.Addr,
		token:   opts.Token,
		limiter: newAuthLimiter(opts.AuthLimit, opts.AuthWindow, DefaultAuthMaxEntries),
		allow:   opts.Allowlist,
		tls:     opts.TLS,
		logger:  logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.guard(s.handleHealth))
	mux.HandleFunc("/stats", s.guard(s.handleStats))
	metrics := promhttp.Handler()
	mux.HandleFunc("/metrics", s.guard(metrics.ServeHTTP))
	return mux
}

// Start serves until ctx is cancelled. A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		TLSConfig:         s.tls,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Metrics server shutdown error", "error", err)
		}
	}()

	s.logger.Info("Metrics server listening", "addr", s.addr, "tls", s.tls != nil)
	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.authorize(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.backend.CountByStatus(r.Context())
	if err != nil {
		s.logger.Warn("Stats query failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	out := make(map[string]int64, len(counts))
	for _, status := range []models.Status{models.StatusQueued, models.StatusRunning, models.StatusSucceeded, models.StatusFailed} {
		out[status.String()] = counts[status]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		limited := !s.limiter.allow(host)
		s.logger.Warn(
			"Denied request",
			"path", r.URL.Path,
			"method", r.Method,
			"remote_host", host,
			"reason", "allowlist",
			"rate_limited", limited,
		)
		if limited {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limited"))
		} else {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("forbidden"))
		}
		return false
	}
	if s.token == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1 {
			return true
		}
	}
	limited := !s.limiter.allow(host)
	s.logger.Warn(
		"Unauthorized request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_host", host,
		"rate_limited", limited,
	)
	if limited {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	} else {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized"))
	}
	return false
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
