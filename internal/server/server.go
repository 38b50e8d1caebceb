// ABOUTME: Server orchestrator that wires the store, gateway, services and listeners
// ABOUTME: Owns the HTTP API, the optional gRPC health server and the optional tailnet node

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	"github.com/2389/coven-desk/internal/agent"
	"github.com/2389/coven-desk/internal/api"
	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/messenger"
	"github.com/2389/coven-desk/internal/notify"
	"github.com/2389/coven-desk/internal/relay"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/session"
	"github.com/2389/coven-desk/internal/store"
	"github.com/2389/coven-desk/internal/sweeper"
)

// inboundBuffer bounds agent messages waiting for the dispatcher.
const inboundBuffer = 256

// Server orchestrates the coven-desk components.
type Server struct {
	config *config.Config
	logger *slog.Logger

	store     store.Store
	registry  *agent.Registry
	gateway   *messenger.Handle
	lifecycle *session.Lifecycle
	routing   *routing.Service
	relay     *relay.Service
	sweeper   *sweeper.Sweeper
	streams   *notify.Broadcaster
	api       *api.API

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *healthReporter
	tsnetServer *tsnet.Server

	// reloadMu serializes Reload; configIdle is the idle timeout the config file last set.
	reloadMu   sync.Mutex
	configIdle time.Duration
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	factory messenger.Factory
	store   store.Store
}

// WithMessengerFactory replaces the adapter factory, letting tests inject a loopback adapter.
func WithMessengerFactory(f messenger.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// initStore opens the store selected by database.driver.
// COVEN_DESK_DB_PATH overrides the sqlite path.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return store.NewMockStore(), nil
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("COVEN_DESK_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// agentProfiles converts the configured roster.
func agentProfiles(cfg *config.Config) []agent.Profile {
	profiles := make([]agent.Profile, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		profiles = append(profiles, agent.Profile{
			Handle:      a.Handle,
			DisplayName: a.Name,
			Username:    a.Username,
			Available:   true,
		})
	}
	return profiles
}

// New creates a Server from configuration. The messaging gateway is started by Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{factory: messenger.DefaultFactory}
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		s, err = initStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	registry := agent.NewRegistry(s, logger)
	if err := registry.Seed(context.Background(), agentProfiles(cfg)); err != nil {
		_ = s.Close()
		return nil, err
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("auth disabled - no jwt_secret configured, trusting X-User-* headers")
	}

	gw := messenger.NewHandle(o.factory, inboundBuffer, logger)
	lifecycle := session.NewLifecycle(s, gw, logger)
	sw := sweeper.New(s, lifecycle, cfg.Sweeper.Interval, cfg.Sweeper.IdleTimeout, logger)
	streams := notify.NewBroadcaster(logger)
	prefix := cfg.Gateway.CommandPrefix

	srv := &Server{
		config:    cfg,
		logger:    logger.With("component", "server"),
		store:     s,
		registry:  registry,
		gateway:   gw,
		lifecycle: lifecycle,
		routing:   routing.New(registry, s, gw, prefix, logger),
		relay:     relay.New(s, registry, lifecycle, gw, prefix, logger),
		sweeper:   sw,
		streams:   streams,

		configIdle: cfg.Sweeper.IdleTimeout,
	}

	srv.api = api.New(api.Options{
		Routing:     srv.routing,
		Relay:       srv.relay,
		Registry:    registry,
		Gateway:     gw,
		Sweeper:     sw,
		Notifier:    notify.Fanout{notify.NewLogDispatcher(logger), streams},
		Streams:     streams,
		Verifier:    verifier,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		srv.grpcServer, srv.health = newHealthServer(gw, srv.logger)
	}

	return srv, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Gateway returns the messaging gateway handle.
func (s *Server) Gateway() *messenger.Handle {
	return s.gateway
}

// startGateway builds and starts the configured adapter. A failure is logged,
// not returned: the API stays up and reports the gateway as unavailable.
func (s *Server) startGateway(ctx context.Context) {
	cfg := s.config.Gateway.Messenger()
	if _, err := s.gateway.Reconfigure(ctx, cfg); err != nil {
		s.logger.Error("messaging gateway failed to start", "provider", cfg.Provider, "error", err)
		return
	}
	s.logger.Info("messaging gateway started", "provider", cfg.Provider)
}

// Reload applies a re-read configuration: the gateway adapter is rebuilt and
// the agent roster re-seeded. The idle threshold follows the file only when the
// file's value changed, so an override set through the admin API survives.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.logger.Info("reloading configuration")

	var errs []error
	if _, err := s.gateway.Reconfigure(ctx, cfg.Gateway.Messenger()); err != nil {
		errs = append(errs, fmt.Errorf("reconfiguring gateway: %w", err))
	}
	if cfg.Sweeper.IdleTimeout != s.configIdle {
		s.sweeper.SetIdleTimeout(cfg.Sweeper.IdleTimeout)
		s.configIdle = cfg.Sweeper.IdleTimeout
	} else if current := s.sweeper.IdleTimeout(); current != cfg.Sweeper.IdleTimeout {
		s.logger.Info("keeping idle timeout set at runtime", "idle_timeout", current, "configured", cfg.Sweeper.IdleTimeout)
	}
	if err := s.registry.Seed(ctx, agentProfiles(cfg)); err != nil {
		errs = append(errs, err)
	}
	if s.health != nil {
		s.health.update()
	}
	return errors.Join(errs...)
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC is disabled.
func (s *Server) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	s.logger.Info("starting server",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts the listeners' servers in goroutines, returning the error channel.
func (s *Server) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway, background workers and listeners, and blocks until
// ctx is canceled or a server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	s.startGateway(workCtx)
	go s.sweeper.Start(workCtx)
	go s.relay.Run(workCtx, s.gateway.Inbound())
	if s.health != nil {
		go s.health.watch(workCtx)
	}

	errCh := s.startServers(httpLn, grpcLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	stopWork()
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.shutdownGRPCServer(ctx)

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "gateway close", s.gateway.Close())
	s.streams.Close()
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
