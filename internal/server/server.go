// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/flotilla-net/flotilla/internal/arbitration"
	"github.com/flotilla-net/flotilla/internal/bonds"
	"github.com/flotilla-net/flotilla/internal/circuitbreaker"
	"github.com/flotilla-net/flotilla/internal/config"
	"github.com/flotilla-net/flotilla/internal/health"
	"github.com/flotilla-net/flotilla/internal/ledger"
	"github.com/flotilla-net/flotilla/internal/logging"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/mint"
	"github.com/flotilla-net/flotilla/internal/netting"
	"github.com/flotilla-net/flotilla/internal/ratelimit"
	"github.com/flotilla-net/flotilla/internal/realtime"
	"github.com/flotilla-net/flotilla/internal/reputation"
	"github.com/flotilla-net/flotilla/internal/secrets"
	"github.com/flotilla-net/flotilla/internal/security"
	"github.com/flotilla-net/flotilla/internal/settlement"
	"github.com/flotilla-net/flotilla/internal/tickets"
	"github.com/flotilla-net/flotilla/internal/traces"
	"github.com/flotilla-net/flotilla/internal/validation"
	"github.com/flotilla-net/flotilla/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	gateway        *mint.Gateway
	ledger         *ledger.Ledger
	ticketsSvc     *tickets.Service
	ticketTimer    *tickets.Timer
	secretsSvc     *secrets.Service
	secretTimer    *secrets.Timer
	settlementSvc  *settlement.Service
	nettingEngine  *netting.Engine
	nettingTimer   *netting.Timer
	reconcileTimer *ledger.Timer
	bondsSvc       *bonds.Service
	coordinator    *arbitration.Coordinator
	reputation     *reputation.Provider
	webhooks       *webhooks.Dispatcher
	emitter        *webhooks.Emitter
	webhookStore   webhooks.Store
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	traceShutdown  func(context.Context) error

	injectedBackend mint.Backend // set by WithBackend for tests

	// Health state
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

// WithBackend injects a mint backend (for testing)
func WithBackend(b mint.Backend) Option {
	return func(s *Server) {
		s.injectedBackend = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set backend/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		ticketStore     tickets.Store
		secretStore     secrets.Store
		obligationStore settlement.Store
		proposalStore   netting.Store
		bondStore       bonds.Store
		disputeStore    arbitration.Store
		ledgerStore     ledger.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		metrics.RegisterDBStats(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ticketStore = tickets.NewPostgresStore(db)
		secretStore = secrets.NewPostgresStore(db)
		obligationStore = settlement.NewPostgresStore(db)
		proposalStore = netting.NewPostgresStore(db)
		bondStore = bonds.NewPostgresStore(db)
		disputeStore = arbitration.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)

		webhookStore := webhooks.NewPostgresStore(db)
		if err := webhookStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.webhookStore = webhookStore
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ticketStore = tickets.NewMemoryStore()
		secretStore = secrets.NewMemoryStore()
		obligationStore = settlement.NewMemoryStore()
		proposalStore = netting.NewMemoryStore()
		bondStore = bonds.NewMemoryStore()
		disputeStore = arbitration.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
	}

	// Mint backend: external escrow chain when configured, simulated otherwise
	backend := s.injectedBackend
	if backend == nil {
		if cfg.MintRPCURL != "" {
			eb, err := mint.NewEthBackend(mint.EthConfig{
				RPCURL:         cfg.MintRPCURL,
				PrivateKey:     cfg.NodePrivateKey,
				ChainID:        cfg.MintChainID,
				EscrowContract: cfg.MintContract,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create mint backend: %w", err)
			}
			backend = eb
			s.logger.Info("external mint backend enabled", "chain_id", cfg.MintChainID)
		} else {
			backend = mint.NewSimBackend()
			s.logger.Info("simulated mint backend enabled (no real value moves)")
		}
	}
	s.gateway = mint.NewGateway(backend, mint.Config{
		CallTimeout:     cfg.MintTimeout,
		Retries:         cfg.MintRetries,
		BreakerFailures: cfg.BreakerFailures,
		BreakerProbes:   cfg.BreakerProbes,
		BreakerCooldown: cfg.BreakerCooldown,
	}, s.logger)

	// Balance ledger
	s.ledger = ledger.New(ledgerStore)
	s.reconcileTimer = ledger.NewTimer(s.ledger, s.gateway, 0, s.logger)

	// Webhooks and realtime feed
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	s.emitter = webhooks.NewEmitter(s.webhooks, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	notifier := &fleetNotifier{emitter: s.emitter, hub: s.realtimeHub, logger: s.logger}

	// Tickets
	receiptSecret := cfg.ReceiptSecret
	if receiptSecret == "" {
		receiptSecret = randomKey()
		s.logger.Warn("RECEIPT_SECRET not set, receipts will not verify across restarts")
	}
	s.ticketsSvc = tickets.NewService(ticketStore, s.ledger, s.gateway, tickets.NewReceiptSigner(receiptSecret), s.logger).
		WithNotifier(notifier)
	s.ticketTimer = tickets.NewTimer(s.ticketsSvc, cfg.TicketSweepEvery, s.logger)

	// Hash-lock secrets
	secretsKey := cfg.SecretsKey
	if secretsKey == "" {
		secretsKey = randomKey()
		s.logger.Warn("SECRETS_KEY not set, stored preimages will not survive restarts")
	}
	secretsSvc, err := secrets.NewService(secretStore, secretsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets service: %w", err)
	}
	s.secretsSvc = secretsSvc
	s.secretTimer = secrets.NewTimer(secretsSvc, cfg.SecretRetention, s.logger)

	// Reputation tiers feed settlement routing and netting reliability
	s.reputation = reputation.NewProvider(s.logger)

	// Bonds hold arbitration collateral in ledger escrow
	s.bondsSvc = bonds.NewService(bondStore, s.ledger, s.logger).
		WithCooldown(cfg.BondCooldown)

	// Settlement type registry and obligation service
	registry := settlement.NewRegistry(s.reputation, s.bondsSvc)
	s.settlementSvc = settlement.NewService(obligationStore, registry).
		WithNotifier(notifier).
		WithIssuer(s.ticketsSvc)

	// Netting engine over pending obligations
	s.nettingEngine = netting.NewEngine(proposalStore, s.settlementSvc, s.ticketsSvc, s.logger).
		WithAckWindow(cfg.NettingAckWindow).
		WithReliabilitySink(s.reputation).
		WithNotifier(notifier)
	s.nettingTimer = netting.NewTimer(s.nettingEngine, time.Minute, s.logger)

	// Redeemed tickets close the loop: the obligations they carry
	// settle, and net tickets retire from their proposals.
	notifier.obligations = s.settlementSvc
	notifier.rounds = s.nettingEngine

	// Dispute coordinator; bonds gate refunds on open disputes
	s.coordinator = arbitration.NewCoordinator(
		disputeStore,
		&obligationControlAdapter{s.settlementSvc},
		&bondSlasherAdapter{svc: s.bondsSvc, emitter: s.emitter, hub: s.realtimeHub},
		s.logger,
	).WithNotifier(notifier)
	s.bondsSvc.WithDisputeChecker(s.coordinator)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("mint", func(ctx context.Context) health.Status {
		if s.gateway.BreakerState("transfer") == circuitbreaker.StateOpen {
			return health.Status{Name: "mint", Healthy: false, Detail: "breaker open"}
		}
		return health.Status{Name: "mint", Healthy: true}
	})

	// Tracing
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.traceShutdown = shutdown
		}
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

func randomKey() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (operator consoles live on other origins)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Node info
	s.router.GET("/node", s.nodeInfoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	tickets.NewHandler(s.ticketsSvc, s.logger).RegisterRoutes(v1)
	secrets.NewHandler(s.secretsSvc, s.logger).RegisterRoutes(v1)
	settlement.NewHandler(s.settlementSvc, s.logger).RegisterRoutes(v1)
	netting.NewHandler(s.nettingEngine, s.logger).RegisterRoutes(v1)
	bonds.NewHandler(s.bondsSvc, s.logger).RegisterRoutes(v1)
	arbitration.NewHandler(s.coordinator, &candidatePoolAdapter{s.bondsSvc}, s.logger).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger, s.gateway, s.logger).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookStore, s.webhooks).RegisterRoutes(v1)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	s.healthReg.Handler()(c)
}

func (s *Server) nodeInfoHandler(c *gin.Context) {
	backend := "simulated"
	if s.cfg.MintRPCURL != "" {
		backend = "external"
	}
	c.JSON(http.StatusOK, gin.H{
		"node":    s.cfg.NodeAddr,
		"env":     s.cfg.Env,
		"backend": backend,
		"realtime": gin.H{
			"endpoint": "/ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"node", s.cfg.NodeAddr,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start expired-ticket sweep
	go s.ticketTimer.Start(runCtx)

	// Start revealed-secret prune
	go s.secretTimer.Start(runCtx)

	// Start netting deadline sweep
	go s.nettingTimer.Start(runCtx)

	// Start periodic balance reconcile against the backend
	go s.reconcileTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.ticketTimer.Stop()
	s.secretTimer.Stop()
	s.nettingTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("sweep timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
