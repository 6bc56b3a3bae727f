// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/taskpay/internal/agent"
	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/health"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/matching"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/order"
	"github.com/mbd888/taskpay/internal/payment"
	"github.com/mbd888/taskpay/internal/ratelimit"
	"github.com/mbd888/taskpay/internal/realtime"
	"github.com/mbd888/taskpay/internal/security"
	"github.com/mbd888/taskpay/internal/settlement"
	"github.com/mbd888/taskpay/internal/traces"
	"github.com/mbd888/taskpay/internal/validation"
	"github.com/mbd888/taskpay/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	orders     *order.Service
	agents     agent.Store
	engine     *matching.Engine
	matchTimer *matching.Timer
	settlement *settlement.Service
	verifier   *payment.Verifier
	funding    *payment.FundingService
	watcher    *payment.Watcher

	realtimeHub  *realtime.Hub
	webhookStore webhooks.Store
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

	// Injected for tests
	contractClient settlement.ContractClient
	receiptClient  payment.ReceiptClient

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

// WithContractClient sets a custom escrow contract client (for testing)
func WithContractClient(c settlement.ContractClient) Option {
	return func(s *Server) {
		s.contractClient = c
	}
}

// WithReceiptClient sets a custom receipt client for payment verification (for testing)
func WithReceiptClient(c payment.ReceiptClient) Option {
	return func(s *Server) {
		s.receiptClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize tracing (no-op when OTLP_ENDPOINT unset)
	tracesShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesShutdown = tracesShutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore order.Store
		queueStore matching.QueueStore
	)
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
		orderStore = order.NewPostgresStore(db)
		s.agents = agent.NewPostgresStore(db)
		queueStore = matching.NewPostgresQueueStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderStore = order.NewMemoryStore()
		s.agents = agent.NewMemoryStore()
		queueStore = matching.NewMemoryQueueStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Escrow contract client (settles payouts and refunds on-chain)
	if s.contractClient == nil {
		contract, err := settlement.NewContract(settlement.Config{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			EscrowContract: cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create escrow contract client: %w", err)
		}
		s.contractClient = contract
	}
	s.settlement = settlement.NewService(s.contractClient, cfg.FeeRate, s.logger,
		settlement.WithMinConfirmations(cfg.MinConfirmations),
		settlement.WithRetry(cfg.SettleMaxRetries, time.Second),
	)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Webhook subscriptions and delivery
	if s.db != nil {
		s.webhookStore = webhooks.NewPostgresStore(s.db)
	} else {
		s.webhookStore = webhooks.NewMemoryStore()
	}
	webhookEmitter := webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookStore), s.logger)

	// Order lifecycle service; events fan out to WebSocket clients and webhooks
	s.orders = order.NewService(orderStore, &settlerAdapter{s.settlement}).
		WithEvents(eventFanout{s.realtimeHub, webhookEmitter})

	// Matching engine with pairing TTL timer
	s.engine = matching.NewEngine(s.orders, s.agents, queueStore, s.logger,
		matching.WithPairingTTL(time.Duration(cfg.PairingTTLHours)*time.Hour),
	)
	s.matchTimer = matching.NewTimer(s.engine, orderStore, s.logger,
		matching.WithScanInterval(time.Duration(cfg.ScanIntervalMinutes)*time.Minute),
	)

	// Payment verification and funding
	if s.receiptClient != nil {
		s.verifier, err = payment.NewVerifier(cfg.RPCURL, cfg.TokenContract, cfg.MinConfirmations,
			payment.WithReceiptClient(s.receiptClient))
	} else {
		s.verifier, err = payment.NewVerifier(cfg.RPCURL, cfg.TokenContract, cfg.MinConfirmations)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create payment verifier: %w", err)
	}
	s.funding = payment.NewFundingService(s.verifier, s.settlement, s.orders, cfg.EscrowAddress, s.logger)

	// Deposit watcher (funds matching standby orders and broadcasts deposits)
	if cfg.EscrowAddress != "" && s.receiptClient == nil {
		watcherCfg := payment.DefaultWatcherConfig()
		watcherCfg.RPCURL = cfg.RPCURL
		watcherCfg.TokenContract = common.HexToAddress(cfg.TokenContract)
		watcherCfg.EscrowAddress = common.HexToAddress(cfg.EscrowAddress)

		w, err := payment.NewWatcher(watcherCfg, &depositPipeline{s.funding, s.realtimeHub, s.logger}, s.logger)
		if err != nil {
			s.logger.Warn("failed to create deposit watcher", "error", err)
		} else {
			s.watcher = w
			s.logger.Info("deposit watcher configured",
				"escrow", watcherCfg.EscrowAddress.Hex(),
				"token", watcherCfg.TokenContract.Hex(),
			)
		}
	}

	// Health checks
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := s.verifier.ChainHead(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

// adminAuthMiddleware guards admin routes with the configured shared secret.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.AdminSecret
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time order lifecycle streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/platform", s.platformHandler)

	orderHandler := order.NewHandler(s.orders)
	orderHandler.RegisterRoutes(v1)

	agentHandler := agent.NewHandler(s.agents, s.cfg.QueueMaxN)
	agentHandler.RegisterRoutes(v1)

	matchHandler := matching.NewHandler(s.engine)
	matchHandler.RegisterRoutes(v1)

	paymentHandler := payment.NewHandler(s.verifier, s.funding)
	paymentHandler.RegisterRoutes(v1)

	webhookHandler := webhooks.NewHandler(s.webhookStore)
	webhookHandler.RegisterRoutes(v1)

	// Admin routes (arbitration) behind the shared secret
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	orderHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "TaskPay",
		"description": "Order lifecycle engine for escrow-based task payments",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"currency":    "USDC",
	})
}

// platformHandler returns platform info including the escrow deposit address
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "TaskPay",
			"version":        "0.1.0",
			"chainId":        s.cfg.ChainID,
			"escrowContract": s.cfg.EscrowContract,
			"escrowAddress":  s.cfg.EscrowAddress,
			"tokenContract":  s.cfg.TokenContract,
			"feeRate":        s.cfg.FeeRate,
		},
		"instructions": gin.H{
			"create": "POST /v1/orders with taskId, creatorId and grossAmount",
			"fund":   "Send USDC to escrowAddress, then POST /v1/orders/{id}/fund with the txHash",
			"match":  "POST /v1/orders/{id}/match to assign an available agent",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start deposit watcher
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
			s.watcher = nil
		}
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start pairing TTL rollback timer
	go s.matchTimer.Start(runCtx)

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, timer, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop pairing timer
	if s.matchTimer != nil {
		s.matchTimer.Stop()
		s.logger.Info("pairing timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop deposit watcher
	if s.watcher != nil {
		s.watcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	// Flush pending trace spans
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// settlerAdapter adapts settlement.Service to order.Settler. A reconciled
// result (settled by an earlier attempt) maps to order.ErrAlreadySettled so
// the order record advances without fabricating transaction data. The same
// mapping applies when the chain guard reports the order already settled
// with the outcome this call wanted, which happens when a crashed earlier
// run landed the transaction but never advanced the order record.
type settlerAdapter struct {
	s *settlement.Service
}

func (a *settlerAdapter) Payout(ctx context.Context, orderID, creatorAddr, providerAddr, grossAmount string) (string, string, string, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.payout",
		traces.OrderID(orderID), traces.Amount(grossAmount))
	defer span.End()

	result, err := a.s.ExecutePayout(ctx, orderID, creatorAddr, providerAddr, grossAmount)
	if err != nil {
		if settledAs(err, settlement.ChainPaid) {
			return "", "", "", order.ErrAlreadySettled
		}
		return "", "", "", err
	}
	if result.Reconciled {
		return "", "", "", order.ErrAlreadySettled
	}
	return result.TxHash, result.NetAmount, result.FeeAmount, nil
}

func (a *settlerAdapter) Refund(ctx context.Context, orderID, creatorAddr, amount string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.refund",
		traces.OrderID(orderID), traces.Amount(amount))
	defer span.End()

	result, err := a.s.ExecuteRefund(ctx, orderID, creatorAddr, amount)
	if err != nil {
		if settledAs(err, settlement.ChainRefunded) {
			return "", order.ErrAlreadySettled
		}
		return "", err
	}
	if result.Reconciled {
		return "", order.ErrAlreadySettled
	}
	return result.TxHash, nil
}

// settledAs reports whether err is an idempotency violation whose recorded
// chain status matches the settlement outcome the caller wanted.
func settledAs(err error, want settlement.ChainStatus) bool {
	var violation *settlement.IdempotencyViolationError
	return errors.As(err, &violation) && violation.Status == want
}

// eventFanout forwards each order lifecycle event to every emitter.
type eventFanout []order.EventEmitter

func (f eventFanout) EmitOrderEvent(event string, o *order.Order) {
	for _, e := range f {
		e.EmitOrderEvent(event, o)
	}
}

// depositPipeline handles observed escrow deposits: each deposit is
// broadcast to realtime subscribers and matched against pending standby
// orders, which the funding service verifies and marks funded.
type depositPipeline struct {
	funding *payment.FundingService
	hub     *realtime.Hub
	logger  *slog.Logger
}

func (d *depositPipeline) HandleDeposit(ctx context.Context, from, amount, txHash string) error {
	d.logger.Info("escrow deposit observed", "from", from, "amount", amount, "tx", txHash)
	d.hub.BroadcastSettlement("deposit", map[string]interface{}{
		"from":   from,
		"amount": amount,
		"txHash": txHash,
	})
	return d.funding.HandleDeposit(ctx, from, amount, txHash)
}
