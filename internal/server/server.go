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

	"github.com/gigvault/gigvault/internal/auth"
	"github.com/gigvault/gigvault/internal/config"
	"github.com/gigvault/gigvault/internal/contracts"
	"github.com/gigvault/gigvault/internal/health"
	"github.com/gigvault/gigvault/internal/idgen"
	"github.com/gigvault/gigvault/internal/ledger"
	"github.com/gigvault/gigvault/internal/logging"
	"github.com/gigvault/gigvault/internal/metrics"
	"github.com/gigvault/gigvault/internal/notify"
	"github.com/gigvault/gigvault/internal/payments"
	"github.com/gigvault/gigvault/internal/ratelimit"
	"github.com/gigvault/gigvault/internal/realtime"
	"github.com/gigvault/gigvault/internal/reconcile"
	"github.com/gigvault/gigvault/internal/security"
	"github.com/gigvault/gigvault/internal/traces"
	"github.com/gigvault/gigvault/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg              *config.Config
	authMgr          *auth.Manager
	contractService  *contracts.Service
	ledgerService    *ledger.Service
	paymentService   *payments.Service
	reconcileService *reconcile.Service
	auditor          *reconcile.Auditor
	dispatcher       *notify.Dispatcher
	notifyStore      notify.Store
	emitter          *notify.Emitter
	realtimeHub      *realtime.Hub
	orderTimer       *payments.Timer
	auditTimer       *reconcile.Timer
	rateLimiter      *ratelimit.Limiter
	checks           *health.Registry
	db               *sql.DB // nil if using in-memory
	router           *gin.Engine
	httpSrv          *http.Server
	logger           *slog.Logger
	tracesShutdown   func(context.Context) error
	cancelRunCtx     context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	s.checks = health.NewRegistry()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		contractStore contracts.Store
		ledgerStore   ledger.Store
		paymentStore  payments.Store
		notifyStore   notify.Store
		authStore     auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		contractStore = contracts.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		contractStore = contracts.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data will not persist")
	}

	s.authMgr = auth.NewManager(authStore)

	// Notifications: webhook dispatch plus realtime broadcast.
	s.notifyStore = notifyStore
	s.dispatcher = notify.NewDispatcher(notifyStore)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.emitter = notify.NewEmitter(s.dispatcher, s.logger).WithBroadcaster(s.realtimeHub)

	// Contracts and the ledger reference each other (settlement writes
	// ledger entries; fund entries activate contracts), so both sides go
	// through late-bound adapters.
	ledgerBridge := &settlementLedger{}
	activatorBridge := &fundingActivator{}
	s.contractService = contracts.NewService(contractStore, ledgerBridge).WithNotifier(s.emitter)
	s.ledgerService = ledger.NewService(ledgerStore, activatorBridge).WithNotifier(s.emitter)
	ledgerBridge.ledger = s.ledgerService
	activatorBridge.contracts = s.contractService

	gateway := payments.NewGateway(payments.GatewayConfig{
		BaseURL:       cfg.GatewayBaseURL,
		KeyID:         cfg.GatewayKeyID,
		KeySecret:     cfg.GatewayKeySecret,
		WebhookSecret: cfg.GatewayWebhookSecret,
	})
	s.paymentService = payments.NewService(paymentStore, gateway,
		&contractPaymentSource{contracts: s.contractService}, cfg.Currency)

	s.reconcileService = reconcile.NewService(gateway, s.paymentService,
		&ledgerFunder{ledger: s.ledgerService}, s.logger)
	s.auditor = reconcile.NewAuditor(contractStore,
		&ledgerStateReader{ledger: s.ledgerService}, s.logger)

	s.orderTimer = payments.NewTimer(s.paymentService, cfg.OrderExpiry, s.logger)
	s.auditTimer = reconcile.NewTimer(s.auditor, s.logger)

	// Router
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides credentials in a database URL for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<invalid-dsn>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time contract activity. Browsers can't set
	// auth headers on the handshake, so the stream is public; it only
	// carries events clients are told to refetch on anyway.
	s.router.GET("/v1/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Public v1 endpoints: gateway webhooks are authenticated by their
	// HMAC signature rather than an API key, and registration has to
	// work before the caller has a key.
	public := s.router.Group("/v1")
	{
		reconcileHandler := reconcile.NewHandler(s.reconcileService, s.auditor)
		reconcileHandler.RegisterWebhookRoutes(public)

		public.POST("/users/register", s.registerUserWithAPIKey)
		public.GET("/auth/info", auth.NewHandler(s.authMgr).Info)
	}

	// Protected v1 API
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(auth.RequireAuth(s.authMgr))
	{
		contracts.NewHandler(s.contractService).RegisterRoutes(v1)
		payments.NewHandler(s.paymentService).RegisterRoutes(v1)
		reconcile.NewHandler(s.reconcileService, s.auditor).RegisterRoutes(v1)
		ledger.NewHandler(s.ledgerService, s.contractService).RegisterRoutes(v1)
		notify.NewHandler(s.notifyStore).RegisterRoutes(v1)
		auth.NewHandler(s.authMgr).RegisterRoutes(v1)

		// Admin-only operational endpoints
		admin := v1.Group("/admin")
		admin.Use(auth.RequireAdmin())
		{
			reconcile.NewHandler(s.reconcileService, s.auditor).RegisterAdminRoutes(admin)
			ledger.NewHandler(s.ledgerService, s.contractService).RegisterAdminRoutes(admin)
			admin.GET("/realtime/stats", func(c *gin.Context) {
				c.JSON(http.StatusOK, s.realtimeHub.Stats())
			})
		}
	}
}

// registerUserWithAPIKey handles POST /v1/users/register. It issues the
// caller's first API key; additional keys are managed under /v1/auth.
func (s *Server) registerUserWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Name = validation.SanitizeString(req.Name, 200)

	userID := idgen.WithPrefix("usr_")
	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, userID, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register user",
		})
		return
	}

	s.logger.Info("user registered with API key",
		"userId", userID,
		"name", req.Name,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"userId":  userID,
		"name":    req.Name,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

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
		"name":        "GigVault",
		"description": "Contract lifecycle and escrow settlement for freelance work",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
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

	// Tracing (no-op when no endpoint is configured)
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Error("failed to initialize tracing", "error", err)
		} else {
			s.tracesShutdown = shutdown
		}
	}

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

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start stale-order sweep timer
	go s.orderTimer.Start(runCtx)

	// Start periodic ledger audit timer
	go s.auditTimer.Start(runCtx)

	// Sample DB pool stats into Prometheus
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

	// Cancel the context for all background goroutines (hub, timers)
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

	// Stop stale-order timer
	if s.orderTimer != nil {
		s.orderTimer.Stop()
		s.logger.Info("order timer stopped")
	}

	// Stop audit timer
	if s.auditTimer != nil {
		s.auditTimer.Stop()
		s.logger.Info("audit timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
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
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// settlementLedger adapts ledger.Service to contracts.LedgerService.
// Late-bound: the ledger service is constructed after the contract
// service that holds this adapter.
type settlementLedger struct {
	ledger *ledger.Service
}

func (a *settlementLedger) RecordRelease(ctx context.Context, contractID string) error {
	_, err := a.ledger.RecordRelease(ctx, contractID)
	return err
}

func (a *settlementLedger) RecordRefund(ctx context.Context, contractID string) error {
	_, err := a.ledger.RecordRefund(ctx, contractID)
	return err
}

// fundingActivator adapts contracts.Service to ledger.Activator. A
// contract resolved before its capture arrived is reported as not
// fundable so the ledger refunds the payment instead of erroring.
type fundingActivator struct {
	contracts *contracts.Service
}

func (a *fundingActivator) ActivateOnFunding(ctx context.Context, contractID, fundEntryID string) error {
	err := a.contracts.ActivateOnFunding(ctx, contractID, fundEntryID)
	if errors.Is(err, contracts.ErrAlreadyResolved) {
		return fmt.Errorf("%w: %v", ledger.ErrContractNotFundable, err)
	}
	return err
}

// contractPaymentSource adapts contracts.Service to payments.ContractSource,
// translating contract-domain errors into the payments sentinels its
// handlers map to HTTP statuses.
type contractPaymentSource struct {
	contracts *contracts.Service
}

func (a *contractPaymentSource) IsParty(ctx context.Context, contractID, userID string) (bool, error) {
	contract, err := a.contracts.Get(ctx, contractID)
	if errors.Is(err, contracts.ErrContractNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return contract.PartyOf(userID), nil
}

func (a *contractPaymentSource) PaymentDue(ctx context.Context, contractID string) (int64, string, string, error) {
	due, clientID, err := a.contracts.PaymentDue(ctx, contractID)
	if err != nil {
		switch {
		case errors.Is(err, contracts.ErrContractNotFound):
			return 0, "", "", payments.ErrContractUnknown
		case errors.Is(err, contracts.ErrInvalidStatus):
			return 0, "", "", payments.ErrNotPayable
		default:
			return 0, "", "", err
		}
	}
	return due.Amount, due.ProjectID, clientID, nil
}

// ledgerFunder adapts ledger.Service to reconcile.Funder.
type ledgerFunder struct {
	ledger *ledger.Service
}

func (a *ledgerFunder) RecordFunding(ctx context.Context, contractID, gatewayPaymentID string, amount int64) (string, bool, error) {
	entry, duplicate, err := a.ledger.RecordFunding(ctx, contractID, gatewayPaymentID, amount)
	if err != nil {
		return "", duplicate, err
	}
	state := "funded"
	if entry.Type == ledger.EntryRefund {
		state = "refunded"
	}
	return state, duplicate, err
}

// ledgerStateReader adapts ledger.Service to reconcile.LedgerStates.
type ledgerStateReader struct {
	ledger *ledger.Service
}

func (a *ledgerStateReader) DerivedState(ctx context.Context, contractID string) (string, error) {
	state, _, err := a.ledger.DeriveState(ctx, contractID)
	if err != nil {
		return "", err
	}
	return string(state), nil
}
