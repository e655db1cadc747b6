// Package api provides the HTTP surface of FlowPipe.
//
// It serves the channel webhooks that feed inbound messages to the
// dispatcher, admin endpoints for graphs, campaigns and user sessions, a
// drain trigger for external schedulers, and health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/nudge"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// maxBodyBytes caps request bodies read by the handlers.
const maxBodyBytes = 4 << 20

// Users is the slice of the flow engine the admin user endpoints need.
type Users interface {
	Session(ctx context.Context, key string) (*models.Session, error)
	EraseUser(ctx context.Context, key string) error
	ResetUser(ctx context.Context, key string) (*models.Session, error)
}

// Dispatcher accepts inbound events and serializes per-user work.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, ev models.InboundEvent)
	Locked(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Drainer runs one budgeted nudge drain.
type Drainer interface {
	Run(ctx context.Context) (nudge.Result, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store       store.Store
	users       Users
	dispatcher  Dispatcher
	drainer     Drainer
	metrics     *metrics.Metrics
	verifyToken string
	twilio      bool
	addr        string

	twilioValidator *twilioclient.RequestValidator
	twilioURL       string
}

// Option configures a Server.
type Option func(*Server)

// WithVerifyToken sets the token Cloud API webhook verification must echo.
// Without one, verification requests are rejected.
func WithVerifyToken(token string) Option {
	return func(s *Server) { s.verifyToken = token }
}

// WithTwilioWebhook mounts POST /twilio/webhook.
func WithTwilioWebhook() Option {
	return func(s *Server) { s.twilio = true }
}

// WithDrainer enables POST /nudges/drain.
func WithDrainer(d Drainer) Option {
	return func(s *Server) { s.drainer = d }
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// NewServer creates a Server. st backs the graph and campaign endpoints,
// users the session endpoints and d the webhooks.
func NewServer(st store.Store, users Users, d Dispatcher, opts ...Option) *Server {
	s := &Server{
		store:      st,
		users:      users,
		dispatcher: d,
		addr:       DefaultAddr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router for all endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, recoverer)

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/webhook", s.verifyWebhookHandler)
	r.Post("/webhook", s.cloudWebhookHandler)
	if s.twilio {
		r.Post("/twilio/webhook", s.twilioWebhookHandler)
	}

	r.Route("/flows", func(r chi.Router) {
		r.Post("/", s.putFlowHandler)
		r.Get("/", s.listFlowsHandler)
		r.Get("/{id}", s.getFlowHandler)
	})
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.createCampaignHandler)
		r.Get("/", s.listCampaignsHandler)
		r.Get("/{id}", s.getCampaignHandler)
		r.Patch("/{id}", s.updateCampaignHandler)
		r.Delete("/{id}", s.deleteCampaignHandler)
	})
	r.Route("/users/{key}", func(r chi.Router) {
		r.Get("/", s.getUserHandler)
		r.Delete("/", s.deleteUserHandler)
		r.Post("/reset", s.resetUserHandler)
	})
	r.Post("/nudges/drain", s.drainHandler)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// requestID tags every request with an X-Request-ID, keeping a well-formed
// one supplied by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := util.RequestID(r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		slog.Debug("Server.requestID: request", "id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// recoverer turns handler panics into 500 responses.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("Server.recoverer: handler panicked", "path", r.URL.Path, "panic", rec)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
