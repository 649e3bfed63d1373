// Package server exposes rabbitscope over HTTP: the WebSocket streaming
// endpoint, one-shot consume/browse/publish calls, connection profile CRUD and
// management API discovery.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/management"
	"github.com/drblury/rabbitscope/internal/oneshot"
	"github.com/drblury/rabbitscope/internal/profiles"
	"github.com/drblury/rabbitscope/internal/runtime/config"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/stream"
)

// Name is reported by the root endpoint.
const Name = "RabbitMQ Web UI API"

const readHeaderTimeout = 10 * time.Second

// ProfileStore is the connection profile persistence the API needs.
type ProfileStore interface {
	Create(ctx context.Context, req profiles.CreateRequest) (profiles.Profile, error)
	List(ctx context.Context) ([]profiles.Profile, error)
	Get(ctx context.Context, id int64) (profiles.Profile, error)
	Update(ctx context.Context, id int64, req profiles.UpdateRequest) (profiles.Profile, error)
	Delete(ctx context.Context, id int64) error
	Resolve(ctx context.Context, id string) (broker.Params, error)
}

// ManagementFactory builds a management API client for resolved parameters.
type ManagementFactory func(params broker.Params) *management.Client

// Dependencies are the collaborators a Server routes requests to.
type Dependencies struct {
	Profiles ProfileStore
	Sessions *stream.Manager
	OneShot  *oneshot.Client
	// Management defaults to management.New with the configured timeout.
	Management ManagementFactory
	// Gatherer backs /metrics on the metrics port. Nil selects the default
	// Prometheus gatherer.
	Gatherer prometheus.Gatherer
}

// Server serves the rabbitscope API.
type Server struct {
	cfg     config.Config
	version string
	logger  logging.ServiceLogger

	profiles   ProfileStore
	sessions   *stream.Manager
	oneshot    *oneshot.Client
	management ManagementFactory
	gatherer   prometheus.Gatherer

	// streams bounds every WebSocket stream; Run cancels it on shutdown.
	// Plain requests are not tied to it and drain through Shutdown.
	streams      context.Context
	closeStreams context.CancelFunc
}

// New validates deps and builds a Server.
func New(cfg config.Config, version string, deps Dependencies, logger logging.ServiceLogger) (*Server, error) {
	if logger == nil {
		return nil, rserrors.ErrLoggerRequired
	}
	var errs []error
	if deps.Profiles == nil {
		errs = append(errs, errors.New("profile store is required"))
	}
	if deps.Sessions == nil {
		errs = append(errs, errors.New("session manager is required"))
	}
	if deps.OneShot == nil {
		errs = append(errs, errors.New("one-shot client is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("rabbitscope: server: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		version:    version,
		logger:     logger,
		profiles:   deps.Profiles,
		sessions:   deps.Sessions,
		oneshot:    deps.OneShot,
		management: deps.Management,
		gatherer:   deps.Gatherer,
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())
	if s.management == nil {
		timeout := cfg.ManagementTimeout
		s.management = func(p broker.Params) *management.Client {
			return management.New(p, management.WithTimeout(timeout))
		}
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)
	r.Use(traced(Name))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/api/connections", func(r chi.Router) {
		r.Post("/", s.handleCreateConnection)
		r.Get("/", s.handleListConnections)
		r.Get("/{id}", s.handleGetConnection)
		r.Put("/{id}", s.handleUpdateConnection)
		r.Delete("/{id}", s.handleDeleteConnection)
		r.Post("/{id}/test", s.handleTestConnection)
	})

	r.Route("/api/discovery/{connectionID}", func(r chi.Router) {
		r.Get("/cluster", s.handleDiscoverCluster)
		r.Get("/queues", s.handleDiscoverQueues)
		r.Get("/exchanges", s.handleDiscoverExchanges)
		r.Get("/vhosts", s.handleDiscoverVHosts)
		r.Get("/users", s.handleDiscoverUsers)
	})

	r.Route("/api/consumer", func(r chi.Router) {
		r.Get("/consume/{connectionID}", s.handleStream)
		r.Get("/active", s.handleActiveSessions)
		r.Post("/stop/{sessionID}", s.handleStopSession)
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit())
			r.Post("/consume-messages", s.handleConsumeMessages)
			r.Post("/browse", s.handleBrowse)
		})
	})

	r.Route("/api/publisher", func(r chi.Router) {
		r.Use(s.rateLimit())
		r.Post("/publish", s.handlePublish)
		r.Post("/validate", s.handleValidate)
	})

	return r
}

// MetricsHandler serves the Prometheus exposition format.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// Run serves the API, and metrics when enabled, until ctx is cancelled. It
// then closes every stream and streaming session, stops accepting requests and
// lets in-flight requests finish within the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:              s.cfg.HTTPAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}}
	if s.cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.MetricsHandler())
		servers = append(servers, &http.Server{
			Addr:              ":" + strconv.Itoa(s.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace())
		defer cancel()

		s.closeStreams()
		if err := s.sessions.Close(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop streaming sessions", err, nil)
		}
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("Failed to shut down HTTP server", err, logging.LogFields{"address": srv.Addr})
			}
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) shutdownGrace() time.Duration {
	if s.cfg.ShutdownGrace > 0 {
		return 2 * s.cfg.ShutdownGrace
	}
	return 2 * stream.DefaultShutdownGrace
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": Name, "version": s.version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
