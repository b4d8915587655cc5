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

	"github.com/vidgrow/vidgrow/internal/audit"
	"github.com/vidgrow/vidgrow/internal/auth"
	"github.com/vidgrow/vidgrow/internal/balance"
	"github.com/vidgrow/vidgrow/internal/config"
	"github.com/vidgrow/vidgrow/internal/health"
	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/logging"
	"github.com/vidgrow/vidgrow/internal/metrics"
	"github.com/vidgrow/vidgrow/internal/orderstate"
	"github.com/vidgrow/vidgrow/internal/ratelimit"
	"github.com/vidgrow/vidgrow/internal/recovery"
	"github.com/vidgrow/vidgrow/internal/retry"
	"github.com/vidgrow/vidgrow/internal/security"
	"github.com/vidgrow/vidgrow/internal/traces"
	"github.com/vidgrow/vidgrow/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         ledger.Store
	authMgr       *auth.Manager
	auditSvc      *audit.Service
	balanceSvc    *balance.Service
	orderSvc      *orderstate.Service
	recoverySvc   *recovery.Service
	auditTimer    *audit.Timer
	orderTimer    *orderstate.Timer
	recoveryTimer *recovery.Timer
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc         // cancels background goroutines started in Run
	stopTraces    func(context.Context) error

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

// WithStore sets a custom ledger store (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			// Test connection
			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.store = ledger.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

			s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		} else {
			s.store = ledger.NewMemoryStore()
			s.authMgr = auth.NewManager(auth.NewMemoryStore())
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}
	if s.authMgr == nil {
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
	}

	// Audit trail (hash-chained ledger entries, reconciliation, reports)
	s.auditSvc = audit.NewService(s.store, cfg.SourceSystem, logging.WithComponent(s.logger, "audit"))
	s.auditTimer = audit.NewTimer(s.auditSvc, cfg.DailyVerificationHour, s.logger)

	// Balance mutation with optimistic-concurrency retry
	s.balanceSvc = balance.NewService(s.store, s.auditSvc, balance.Options{
		Policy: retry.Policy{
			MaxAttempts:  cfg.BalanceMaxAttempts,
			InitialDelay: cfg.BalanceInitialDelay,
			MaxDelay:     cfg.BalanceMaxDelay,
			Multiplier:   cfg.BalanceMultiplier,
		},
		AdjustmentsAffectTotalSpent: cfg.AdjustmentsAffectTotalSpent,
	}, logging.WithComponent(s.logger, "balance"))

	// Order lifecycle state machine with stale-state sweeping
	s.orderSvc = orderstate.NewService(s.store, logging.WithComponent(s.logger, "orderstate"))
	s.orderTimer = orderstate.NewTimer(s.orderSvc, 10*time.Minute, 30*time.Minute, s.logger)

	// Error recovery (scheduled retries, dead-letter queue)
	s.recoverySvc = recovery.NewService(s.store, s.orderSvc, recovery.Options{
		Schedule: retry.Policy{
			InitialDelay: cfg.RecoveryInitialDelay,
			MaxDelay:     cfg.RecoveryMaxDelay,
			Multiplier:   cfg.RecoveryMultiplier,
		},
		DefaultMaxRetries: int64(cfg.RecoveryMaxRetries),
		BatchSize:         cfg.RecoveryBatchSize,
	}, logging.WithComponent(s.logger, "recovery"))
	if cfg.RecoveryInterval > 0 {
		s.recoveryTimer = recovery.NewTimer(s.recoverySvc, cfg.RecoveryInterval, s.logger)
	}

	s.setupHealthChecks()

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

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry(2 * time.Second)

	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) error {
			return db.PingContext(ctx)
		})
	}

	s.checks.Register("retry_sweep", func(ctx context.Context) error {
		if s.recoveryTimer == nil {
			return nil // sweep disabled by config
		}
		if !s.recoveryTimer.Running() && s.ready.Load() {
			return errors.New("retry sweep timer not running")
		}
		return nil
	})
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

	// CORS (allow all origins for demo - restrict in production)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// REGISTRATION (public but returns API key)
	v1.POST("/users", s.registerUserWithAPIKey)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// Order placement and lookup (ownership checked against the order row)
		protected.POST("/orders", s.placeOrder)
		protected.GET("/orders/:orderId", s.getOrder)

		// Transfers (handler checks sender against authenticated user)
		balanceHandler := balance.NewHandler(s.balanceSvc, s.logger)
		balanceHandler.RegisterTransferRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.CurrentUser)
	}

	// OWNER-SCOPED ROUTES (must match the :userId in the URL)
	owned := v1.Group("")
	owned.Use(auth.Middleware(s.authMgr), auth.RequireOwnership(s.authMgr, "userId"))
	balance.NewHandler(s.balanceSvc, s.logger).RegisterRoutes(owned)

	// ADMIN ROUTES (operator only; X-Admin-Secret header)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin(s.cfg.AdminSecret))
	{
		// Balance adjustments and bonuses
		balance.NewHandler(s.balanceSvc, s.logger).RegisterAdminRoutes(admin)

		// Audit trail operations (reconcile, verify, reports)
		s.auditSvc.RegisterAdminRoutes(admin)

		// Order processing pipeline (claim, activate, hold, progress)
		orderHandler := orderstate.NewHandler(s.orderSvc, s.logger)
		orderHandler.RegisterRoutes(admin)

		// Error recovery (error reporting, manual retry, dead-letter queue)
		recoveryHandler := recovery.NewHandler(s.recoverySvc, s.logger)
		recoveryHandler.RegisterRoutes(admin)
		recoveryHandler.RegisterAdminRoutes(admin)

		// Key issuance for existing users
		admin.POST("/users/:userId/keys", authHandler.IssueKey)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !rep.Healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    rep.Checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "vidgrow",
		"description": "Transactional core for video promotion orders",
		"version":     "0.1.0",
	})
}

// registerUserWithAPIKey handles POST /v1/users
// This wraps account creation to also generate and return an API key
func (s *Server) registerUserWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Username = validation.SanitizeString(req.Username, 200)
	if req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_username",
			"message": "username must not be empty",
		})
		return
	}

	user := &ledger.User{Username: req.Username}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ledger.ErrDuplicateUser) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "username_taken",
				"message": "A user with this username already exists",
			})
			return
		}
		s.logger.Error("failed to create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create user",
		})
		return
	}

	// Generate API key for the new user
	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, user.ID, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		// User was created but key generation failed
		c.JSON(http.StatusCreated, gin.H{
			"user":    user,
			"warning": "User created but API key generation failed. Contact support.",
		})
		return
	}

	s.logger.Info("user registered with API key",
		"user_id", user.ID,
		"username", user.Username,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"user":    user,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
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

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start daily balance verification timer
	go s.auditTimer.Start(runCtx)

	// Start stale processing-state sweep timer
	go s.orderTimer.Start(runCtx)

	// Start scheduled retry sweep timer
	if s.recoveryTimer != nil {
		go s.recoveryTimer.Start(runCtx)
	}

	// Start periodic full reconciliation
	if s.cfg.ReconciliationInterval > 0 {
		go s.reconciliationLoop(runCtx)
	}

	// Export DB pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// reconciliationLoop reconciles every user's balance against their
// transaction history on a fixed interval.
func (s *Server) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconciliationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			userIDs, err := s.store.UserIDs(ctx)
			if err != nil {
				s.logger.Warn("reconciliation sweep failed to list users", "error", err)
				continue
			}
			for _, userID := range userIDs {
				r, err := s.auditSvc.ReconcileUserBalance(ctx, userID)
				if err != nil {
					s.logger.Warn("reconciliation failed", "user_id", userID, "error", err)
					continue
				}
				if !r.Reconciled {
					s.logger.Error("balance discrepancy detected",
						"user_id", userID,
						"actual", r.ActualBalance.String(),
						"computed", r.ComputedBalance.String(),
					)
				}
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers, sweeps)
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

	// Stop timers
	s.auditTimer.Stop()
	s.orderTimer.Stop()
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
	}
	s.logger.Info("timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
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
