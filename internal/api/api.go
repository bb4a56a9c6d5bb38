// Package api provides the HTTP surface of PacePipe: a health endpoint for probes and
// the mount point for transport webhooks.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultAddr is used when no listen address is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// TwilioWebhookPath is where Twilio posts inbound messages.
	TwilioWebhookPath = "/twilio/webhook"
)

// StatusSource reports live pipeline numbers for /health.
type StatusSource interface {
	Active() int
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	Status   StatusSource
	Webhooks map[string]http.HandlerFunc
	Version  string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStatusSource adds pipeline numbers to /health.
func WithStatusSource(s StatusSource) Option {
	return func(o *Opts) { o.Status = s }
}

// WithWebhook mounts a handler at path.
func WithWebhook(path string, h http.HandlerFunc) Option {
	return func(o *Opts) {
		if o.Webhooks == nil {
			o.Webhooks = make(map[string]http.HandlerFunc)
		}
		o.Webhooks[path] = h
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *Opts) { o.Version = v }
}

// Server serves the health endpoint and any mounted webhooks.
type Server struct {
	opts    Opts
	mux     *http.ServeMux
	started time.Time
}

// NewServer builds a Server from options.
func NewServer(opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{opts: o, mux: http.NewServeMux(), started: time.Now()}
	s.mux.HandleFunc("/health", s.healthHandler)
	for path, h := range o.Webhooks {
		s.mux.HandleFunc(path, h)
		slog.Debug("Server webhook mounted", "path", path)
	}
	return s
}

// Handler exposes the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

type healthStatus struct {
	Uptime        string `json:"uptime"`
	Version       string `json:"version,omitempty"`
	ActiveConversations *int   `json:"active_conversations,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h := healthStatus{
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Version: s.opts.Version,
	}
	if s.opts.Status != nil {
		n := s.opts.Status.Active()
		h.ActiveConversations = &n
	}
	writeJSONResponse(w, http.StatusOK, Success(h))
}
