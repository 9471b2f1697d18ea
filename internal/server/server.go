// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/receiptescrow/internal/accounts"
	"github.com/mbd888/receiptescrow/internal/chain"
	"github.com/mbd888/receiptescrow/internal/config"
	"github.com/mbd888/receiptescrow/internal/escrow"
	"github.com/mbd888/receiptescrow/internal/health"
	"github.com/mbd888/receiptescrow/internal/logging"
	"github.com/mbd888/receiptescrow/internal/metrics"
	"github.com/mbd888/receiptescrow/internal/ratelimit"
	"github.com/mbd888/receiptescrow/internal/realtime"
	"github.com/mbd888/receiptescrow/internal/receipts"
	"github.com/mbd888/receiptescrow/internal/reconciliation"
	"github.com/mbd888/receiptescrow/internal/sellers"
	"github.com/mbd888/receiptescrow/internal/traces"
	"github.com/mbd888/receiptescrow/migrations"
)

// DefaultVersion is reported by /health unless WithVersion overrides it.
const DefaultVersion = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	backend         chain.Backend
	contract        *chain.Contract
	gateway         *chain.Gateway
	stores          escrow.Stores
	directory       *sellers.Directory
	escrowService   *escrow.Service
	reconciler      *reconciliation.Runner
	reconcileTimer  *reconciliation.Timer
	realtimeHub     *realtime.Hub
	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	version         string
	addr            atomic.Value // string, set by Run

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithChain uses backend and contract instead of dialing RPC_URL and
// loading CONTRACT_ARTIFACT (for testing).
func WithChain(backend chain.Backend, contract *chain.Contract) Option {
	return func(s *Server) {
		s.backend = backend
		s.contract = contract
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		version: DefaultVersion,
	}

	// Apply options first (may set chain/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: s.version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.initChain(ctx); err != nil {
		return nil, err
	}
	if err := s.initStorage(ctx); err != nil {
		s.backend.Close()
		return nil, err
	}

	// Seller cache in front of the sellers store
	s.directory = sellers.NewDirectory(s.stores.Sellers, cfg.SellerCacheTTL)
	if n, err := s.directory.Warm(ctx, cfg.ScanPageSize); err != nil {
		s.logger.Warn("failed to warm seller cache", "error", err)
	} else {
		s.logger.Info("seller cache warmed", "sellers", n)
	}

	// Lifecycle event stream
	s.realtimeHub = realtime.NewHub(realtime.Config{AllowedOrigins: cfg.AllowedOrigins}, s.logger)

	s.escrowService = escrow.NewService(s.gateway, s.stores, s.directory, escrow.Config{
		PageSize:                cfg.ScanPageSize,
		MaxPages:                cfg.ScanMaxPages,
		AccountPoolSize:         cfg.AccountPoolSize,
		DefaultReturnWindowDays: cfg.DefaultReturnWindowDays,
	}, s.logger).WithPublisher(s.realtimeHub)

	// Drift audit between the ledger and the contracts
	s.reconciler = reconciliation.NewRunner(s.stores.Receipts, s.gateway, cfg.ScanPageSize, 0, s.logger).
		WithSellers(s.stores.Sellers)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.logger.Info("reconciliation timer enabled", "interval", cfg.ReconcileInterval)
	}

	s.health = health.NewRegistry()
	s.health.Register("chain", health.Chain("chain", s.gateway))
	if s.db != nil {
		s.health.Register("database", health.Database("database", s.db))
	} else {
		s.health.Register("database", health.Static("database", "in-memory"))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) initChain(ctx context.Context) error {
	if s.backend == nil {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		backend, err := chain.Dial(dialCtx, s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to chain node: %w", err)
		}
		s.backend = backend
	}
	if s.contract == nil {
		contract, err := chain.LoadArtifact(s.cfg.ContractArtifact)
		if err != nil {
			s.backend.Close()
			return fmt.Errorf("failed to load contract artifact: %w", err)
		}
		s.contract = contract
	}

	s.gateway = chain.NewGateway(s.backend, s.contract, chain.Config{
		TxTimeout:    s.cfg.TxTimeout,
		PollInterval: s.cfg.TxPollInterval,
	}, s.logger)
	s.logger.Info("chain gateway ready", "rpc", s.cfg.RPCURL, "tx_timeout", s.cfg.TxTimeout)
	return nil
}

// initStorage selects Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.stores = escrow.Stores{
			Sellers:  sellers.NewMemoryStore(),
			Receipts: receipts.NewMemoryStore(),
			Accounts: accounts.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.db = db
	s.stores = escrow.Stores{
		Sellers:  sellers.NewPostgresStore(db),
		Receipts: receipts.NewPostgresStore(db),
		Accounts: accounts.NewPostgresStore(db),
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and the background workers until ctx ends, then shuts
// down gracefully. The server reports ready once its port is bound.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}
	s.addr.Store(ln.Addr().String())

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.TxTimeout + 30*time.Second, // writes wait for mining
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	go s.realtimeHub.Run(runCtx)
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("failed to export connection pool metrics", "error", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpSrv.Serve(ln) }()

	s.ready.Store(true)
	s.logger.Info("server ready", "addr", ln.Addr().String(), "env", s.cfg.Env)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = s.Shutdown()
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

// Addr is the bound listen address, empty before Run.
func (s *Server) Addr() string {
	v, _ := s.addr.Load().(string)
	return v
}

// Shutdown drains in-flight requests, stops the workers and releases the
// chain connection, database and tracer in that order.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.backend.Close()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Warn("tracing shutdown error", "error", err)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Router exposes the engine to tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
