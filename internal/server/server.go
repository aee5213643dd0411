// ABOUTME: Server orchestrator that wires iris components and runs the admin servers
// ABOUTME: Manages store, pipeline, Matrix bot, HTTP and gRPC lifecycles

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
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"tailscale.com/tsnet"

	"github.com/2389/iris/internal/auth"
	"github.com/2389/iris/internal/catalog"
	"github.com/2389/iris/internal/config"
	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/llm"
	"github.com/2389/iris/internal/llm/einoclient"
	"github.com/2389/iris/internal/llm/openrouter"
	"github.com/2389/iris/internal/matrix"
	"github.com/2389/iris/internal/pipeline"
	"github.com/2389/iris/internal/prompt"
	"github.com/2389/iris/internal/store"
)

const (
	// sweepInterval is how often idle conversations are swept.
	sweepInterval = time.Minute

	// shutdownTimeout bounds graceful shutdown once the context is cancelled.
	shutdownTimeout = 5 * time.Second
)

// Server owns every iris component and the admin listeners.
type Server struct {
	config        *config.Config
	store         *store.SQLiteStore
	catalog       *catalog.Cache
	conversations *conversation.Store
	pipeline      *pipeline.Pipeline
	bot           *matrix.Bot
	grpcServer    *grpc.Server
	health        *health.Server
	httpServer    *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger
}

// initStore opens the usage store. IRIS_DB_PATH overrides database.path.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("IRIS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newLLMClients returns the completer for turns and capability checks, and the model
// lister for the catalog. The catalog always comes from the OpenRouter
// models endpoint; completions go through eino when that backend is chosen.
func newLLMClients(cfg *config.Config, logger *slog.Logger) (llm.Completer, llm.ModelLister, error) {
	router := openrouter.New(openrouter.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		SiteURL: cfg.Provider.SiteURL,
		AppName: cfg.Provider.AppName,
		Timeout: cfg.Provider.Timeout,
	}, logger)

	switch cfg.Provider.Backend {
	case config.BackendEino:
		// NewChatModel only validates config; it does not dial.
		client, err := einoclient.New(context.Background(), einoclient.Config{
			BaseURL:      cfg.Provider.BaseURL,
			APIKey:       cfg.Provider.APIKey,
			DefaultModel: cfg.Bot.DefaultModel,
			Timeout:      cfg.Provider.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, router, nil
	default:
		return router, router, nil
	}
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer(healthSrv *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthSrv)
	reflection.Register(server)
	return server
}

// newVerifier returns the admin API token verifier, or nil when auth is disabled.
func newVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("HTTP auth middleware enabled")
	return verifier, nil
}

// New creates a Server with every component wired from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	completer, lister, err := newLLMClients(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	cat := catalog.New(lister, completer, catalog.Options{
		TTL:           cfg.Cache.CatalogTTL,
		CapabilityTTL: cfg.Cache.CapabilityTTL,
		Logger:        logger,
	})

	conversations := conversation.NewStore(conversation.Options{
		Window:           cfg.Bot.HistoryWindow,
		MaxConversations: cfg.Cache.MaxConversations,
		IdleTTL:          cfg.Cache.ConversationIdleTTL,
		Defaults:         cfg.RoomSettings,
		Logger:           logger,
	})

	// The bot is built after the pipeline but receives its state changes.
	var bot *matrix.Bot
	pipe := pipeline.New(conversations, prompt.New(cat, cfg.Bot.Name, logger), completer, st, pipeline.Options{
		DefaultModel:       cfg.Bot.DefaultModel,
		MaxOutputTokens:    cfg.Bot.MaxOutputTokens,
		SegmentLimit:       cfg.Bot.SegmentLimit,
		MaxAttachmentBytes: cfg.Bot.MaxAttachmentBytes,
		HideUsage:          cfg.Bot.HideUsage,
		OnState: func(conversationID string, state pipeline.State) {
			if bot != nil {
				bot.OnState(conversationID, state)
			}
		},
		Logger: logger,
	})

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	s := &Server{
		config:        cfg,
		store:         st,
		catalog:       cat,
		conversations: conversations,
		pipeline:      pipe,
		health:        healthSrv,
		grpcServer:    createGRPCServer(healthSrv),
		logger:        logger.With("component", "server"),
	}

	if cfg.Matrix.Enabled {
		bot, err = matrix.New(matrix.Options{
			Config:        cfg,
			Conversations: conversations,
			Pipeline:      pipe,
			Catalog:       cat,
			Usage:         st,
			Audit:         st,
			OnSyncing:     s.markServing,
			Logger:        logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("creating matrix bot: %w", err)
		}
		s.bot = bot
	} else {
		logger.Warn("matrix frontend disabled - only the admin API will accept turns")
		s.markServing()
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	s.registerAPIRoutes(mux, auth.Middleware(verifier, logger))

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) markServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// setupTCPListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting server",
		"grpc_addr", s.config.Server.GRPCAddr,
		"http_addr", s.config.Server.HTTPAddr,
	)

	if s.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		s.warnIgnoredAddresses()
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts the listeners in goroutines, returning the error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground runs the store cleanup, conversation sweeper and Matrix
// bot. Bot failures are reported on errCh.
func (s *Server) startBackground(ctx context.Context, errCh chan error) *sync.WaitGroup {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.store.RunCleanup(ctx, store.DefaultCleanupInterval, store.UsageWindow)
	}()
	go func() {
		defer wg.Done()
		s.conversations.Contexts().RunSweeper(ctx, sweepInterval)
	}()

	if s.bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.bot.Run(ctx); err != nil {
				select {
				case errCh <- err:
				default:
					s.logger.Error("matrix bot stopped", "error", err)
				}
			}
		}()
	}
	return &wg
}

// waitForShutdownSignal waits for context cancellation or a component error.
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

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := s.startServers(grpcLn, httpLn)
	background := s.startBackground(runCtx, errCh)
	serverErr := s.waitForShutdownSignal(runCtx, errCh)

	cancel()
	background.Wait()
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	s.health.Shutdown()

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

// waitForTurns waits for queued pipeline turns or ctx, whichever is first.
func (s *Server) waitForTurns(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.pipeline.Queue().Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out with turns in flight", "busy", s.pipeline.Queue().Busy())
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the listeners, lets in-flight turns finish, and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.shutdownGRPCServer(ctx)
	s.waitForTurns(ctx)

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers and the frontend is syncing.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("frontend not syncing"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations)", s.conversations.Len())
}
