// Package server provides the HTTP server that wires all services together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/bus"
	"github.com/terrapredict/terrapredict/internal/classes"
	"github.com/terrapredict/terrapredict/internal/config"
	"github.com/terrapredict/terrapredict/internal/evaluation"
	"github.com/terrapredict/terrapredict/internal/jobs"
	"github.com/terrapredict/terrapredict/internal/metrics"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
	"github.com/terrapredict/terrapredict/internal/pkg/middleware"
	"github.com/terrapredict/terrapredict/internal/predict"
)

// Server is the main HTTP server that wires all services together.
type Server struct {
	cfg        Config
	appCfg     *config.Config
	log        *logger.Logger
	httpServer *http.Server
	handler    http.Handler

	// Services
	bus     bus.Bus
	jobs    jobs.Store
	opener  *blob.Opener
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics

	// Handlers
	predictHandler *predict.Handler
	evalHandler    *evaluation.Handler

	mu      sync.RWMutex
	started bool
}

// Config configures the server.
type Config struct {
	// Version is the application version.
	Version string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout. Predictions answer only once
	// the command exits, so the default is none.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration

	// Runner overrides the prediction command runner.
	Runner predict.Runner
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Version:         "dev",
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// New creates a new server with all dependencies.
func New(cfg Config, appCfg *config.Config, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		appCfg: appCfg,
		log:    log,
		opener: blob.NewOpener(appCfg.Storage.EnableGCS),
	}

	b, err := bus.NewBus(appCfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	s.bus = b

	store, err := jobs.NewStore(appCfg.Jobs)
	if err != nil {
		s.bus.Close()
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}
	s.jobs = store

	s.metrics = metrics.New()
	if err := metrics.NewEventSubscriber(s.metrics, s.bus).SubscribeToEvents(context.Background()); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to subscribe metrics to events: %w", err)
	}

	var defaultClasses *classes.Config
	if appCfg.Eval.ClassConfig != "" {
		defaultClasses, err = classes.Load(appCfg.Eval.ClassConfig)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to load class config: %w", err)
		}
	}

	runner := cfg.Runner
	if runner == nil {
		runner = &predict.CommandRunner{
			Command:     appCfg.Predict.Command,
			Args:        appCfg.Predict.Args,
			StderrLimit: appCfg.Predict.StderrLimit,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
		}
	}

	predictSvc := predict.NewService(appCfg.Predict, runner, s.jobs, s.bus, log)
	health := predict.NewHealthChecker(appCfg.Predict.StorageRoot, s.jobs, cfg.Version)
	s.predictHandler = predict.NewHandler(predictSvc, health, appCfg.LivenessDelay, log)

	evaluator := evaluation.NewEvaluator(s.opener, s.bus, evaluation.OptionsFromConfig(appCfg.Eval), log)
	s.evalHandler = evaluation.NewHandler(evaluator, s.opener, defaultClasses, log)

	if appCfg.Security.RateLimit > 0 {
		rlCfg := middleware.DefaultRateLimiterConfig()
		rlCfg.RequestsPerSecond = float64(appCfg.Security.RateLimit)
		rlCfg.Burst = appCfg.Security.RateLimit * 2
		s.limiter = middleware.NewRateLimiter(rlCfg)
	}

	s.handler = s.setupRoutes()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.appCfg.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.appCfg.Address(), err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Starting HTTP server", "addr", ln.Addr().String(), "version", s.cfg.Version)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and releases services.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("Shutting down server...")

	if s.started {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
		}
		s.started = false
	}

	s.close()
	s.log.Info("Server stopped")
	return nil
}

func (s *Server) close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.jobs != nil {
		if err := s.jobs.Close(); err != nil {
			s.log.Warn("Job store close error", "error", err.Error())
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Warn("Bus close error", "error", err.Error())
		}
	}
	if err := s.opener.Close(); err != nil {
		s.log.Warn("Storage client close error", "error", err.Error())
	}
}

// setupRoutes configures all HTTP routes and middleware.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	s.predictHandler.RegisterRoutes(mux)
	s.evalHandler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", s.metrics.Handler())

	var handler http.Handler = s.metrics.HTTPMiddleware(mux)
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	handler = middleware.CORS(s.appCfg.Security.CORSOrigins)(handler)
	return middleware.RequestLogger(s.log)(handler)
}

// Health returns whether the server is serving.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
