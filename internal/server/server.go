// Package server wires the marketplace together: stores, the payment
// bridge, background jobs, and the HTTP surface.
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

	"github.com/mbd888/amana/internal/auth"
	"github.com/mbd888/amana/internal/circuitbreaker"
	"github.com/mbd888/amana/internal/config"
	"github.com/mbd888/amana/internal/escrow"
	"github.com/mbd888/amana/internal/fraud"
	"github.com/mbd888/amana/internal/health"
	"github.com/mbd888/amana/internal/logging"
	"github.com/mbd888/amana/internal/metrics"
	"github.com/mbd888/amana/internal/money"
	"github.com/mbd888/amana/internal/mpesa"
	"github.com/mbd888/amana/internal/notify"
	"github.com/mbd888/amana/internal/ratelimit"
	"github.com/mbd888/amana/internal/realtime"
	"github.com/mbd888/amana/internal/scheduler"
	"github.com/mbd888/amana/internal/security"
	"github.com/mbd888/amana/internal/seller"
	"github.com/mbd888/amana/internal/traces"
	"github.com/mbd888/amana/internal/validation"
)

const version = "0.1.0"

// Store is the storage surface the server composes over: escrow rows
// plus the activity queries fraud scans and the lookups notifications
// resolve against.
type Store interface {
	escrow.Store
	escrow.ReportQuerier
	fraud.ActivitySource
}

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	authMgr     *auth.Manager
	escrowSvc   *escrow.Service
	reports     *escrow.ReportService
	sellerSvc   *seller.Service
	fraudEngine *fraud.Engine
	dispatcher  *notify.Dispatcher
	hub         *realtime.Hub
	sched       *scheduler.Scheduler
	limiter     *ratelimit.Limiter
	checks      *health.Registry

	bridge  escrow.Bridge
	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx   context.CancelFunc         // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithBridge sets a custom payment bridge (for testing)
func WithBridge(b escrow.Bridge) Option {
	return func(s *Server) {
		s.bridge = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set bridge/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		store       Store
		sellerStore seller.Store
		notifyStore notify.Store
		fraudStore  fraud.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		// Sellers migrate before escrow: escrow_txns references sellers.
		sellerPG := seller.NewPostgresStore(db)
		if err := sellerPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate seller store", "error", err)
		}
		sellerStore = sellerPG

		escrowStore := escrow.NewPostgresStore(db)
		if err := escrowStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		store = escrowStore

		fraudPG := fraud.NewPostgresStore(db)
		if err := fraudPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate fraud store", "error", err)
		}
		fraudStore = fraudPG

		notifyPG := notify.NewPostgresStore(db)
		if err := notifyPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate notification store", "error", err)
		}
		notifyStore = notifyPG
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		store = escrow.NewMemoryStore()
		sellerStore = seller.NewMemoryStore()
		fraudStore = fraud.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
	}

	// Seed the bootstrap admin key so a fresh deployment is operable
	if cfg.AdminBootstrapKey != "" && len(cfg.AdminIDs) > 0 {
		if err := s.authMgr.Bootstrap(ctx, cfg.AdminBootstrapKey, cfg.AdminIDs[0], auth.RoleAdmin); err != nil {
			s.logger.Warn("failed to seed bootstrap admin key", "error", err)
		}
	}

	// Payment bridge: real rail client unless a test bridge was injected
	if s.bridge == nil {
		client := mpesa.New(mpesa.Config{
			BaseURL:            cfg.MpesaBaseURL,
			ConsumerKey:        cfg.MpesaConsumerKey,
			ConsumerSecret:     cfg.MpesaConsumerSecret,
			ShortCode:          cfg.MpesaShortCode,
			Passkey:            cfg.MpesaPasskey,
			InitiatorName:      cfg.MpesaInitiatorName,
			SecurityCredential: cfg.MpesaSecurityCredential,
			CallbackBaseURL:    cfg.CallbackBaseURL,
		}).
			WithLogger(s.logger).
			WithBreaker(circuitbreaker.New(5, 30*time.Second))
		s.bridge = client
	}

	// Sellers
	s.sellerSvc = seller.NewService(sellerStore).WithLogger(s.logger)
	directory := seller.NewDirectory(s.sellerSvc)

	// Fraud engine
	s.fraudEngine = fraud.NewEngine(fraudStore, store).
		WithThresholds(fraud.Thresholds{
			BuyerDisputeLimit:  cfg.BuyerDisputeLimit,
			BuyerDisputeWindow: cfg.BuyerDisputeWindow,
			SellerMinTxns:      cfg.SellerMinTxns,
			SellerDisputeRate:  cfg.SellerDisputeRate,
			SellerWindow:       cfg.SellerWindow,
			BuyerRefundLimit:   cfg.BuyerRefundLimit,
			BuyerRefundWindow:  cfg.BuyerRefundWindow,
		}).
		WithLogger(s.logger)

	// Notifications: signed gateway delivery when configured, log-only otherwise
	var sender notify.Sender
	if cfg.NotifyGatewayURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyGatewayURL); err != nil {
			return nil, fmt.Errorf("invalid notify gateway url: %w", err)
		}
		sender = notify.NewGatewaySender(cfg.NotifyGatewayURL, cfg.NotifySigningSecret)
		s.logger.Info("notification gateway enabled", "url", cfg.NotifyGatewayURL)
	} else {
		sender = notify.NewLogSender(s.logger)
		s.logger.Info("notification gateway not configured, logging notifications")
	}
	s.dispatcher = notify.NewDispatcher(notifyStore, sender, store).WithLogger(s.logger)

	// Realtime ops feed
	s.hub = realtime.NewHub(s.logger)

	// Escrow core
	maxAmount, ok := money.Parse(cfg.MaxTxnAmount)
	if !ok {
		return nil, fmt.Errorf("invalid ESCROW_MAX_AMOUNT %q", cfg.MaxTxnAmount)
	}
	s.escrowSvc = escrow.NewService(store, s.bridge).
		WithPolicy(escrow.Policy{
			AutoReleaseWindow: cfg.AutoReleaseWindow,
			AutoRefundWindow:  cfg.AutoRefundWindow,
			PendingExpiry:     cfg.PendingExpiry,
			MaxAmount:         maxAmount,
			MinSellerRating:   cfg.MinSellerRating,
			FeeBps:            cfg.PlatformFeeBps,
		}).
		WithSellerDirectory(directory).
		WithFlagger(s.fraudEngine).
		WithEvents(fanout{s.dispatcher, s.hub}).
		WithLogger(s.logger)
	s.reports = escrow.NewReportService(store)

	// Background jobs
	s.sched = scheduler.Build(scheduler.Deps{
		Escrow:  s.escrowSvc,
		Reports: s.reports,
		Sellers: s.sellerSvc,
		Fraud:   s.fraudEngine,
		Notify:  s.dispatcher,
		Logger:  s.logger,
	}, scheduler.Intervals{
		AutoRelease: cfg.AutoReleaseInterval,
		AutoRefund:  cfg.AutoRefundInterval,
		Expire:      cfg.ExpireInterval,
		Reminder:    cfg.ReminderInterval,
		Rating:      cfg.RatingInterval,
		FraudScan:   cfg.FraudScanInterval,
		PayoutRetry: cfg.PayoutRetryInterval,
		Redeliver:   cfg.PayoutRetryInterval,
		Cleanup:     cfg.CleanupInterval,
	}, scheduler.Retention{
		Transactions:  cfg.CleanupRetention,
		ReviewedFlags: cfg.FlagReviewRetention,
	})

	// Command throttling
	rules := ratelimit.DefaultRules()
	rules["create"] = ratelimit.Rule{Limit: cfg.RateLimitCreatePerMin, Window: time.Minute}
	rules["dispute"] = ratelimit.Rule{Limit: cfg.RateLimitDisputePerHr, Window: time.Hour}
	s.limiter = ratelimit.New(rules)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	s.checks.Register("payouts", health.Payouts(s.escrowSvc, cfg.PayoutStuckAfter))

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

// fanout forwards timeline events to every attached sink.
type fanout []escrow.EventSink

func (f fanout) Emit(evt escrow.Event) {
	for _, sink := range f {
		sink.Emit(evt)
	}
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
	// Operational endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/version", s.versionHandler)

	// Rail callbacks: signature-less by rail design, always-ACK envelope.
	// The handler correlates by checkout/payout reference, so a forged
	// callback for an unknown reference is a no-op.
	callbacks := escrow.NewCallbackHandler(s.escrowSvc, s.logger)
	callbacks.RegisterRoutes(s.router.Group(""))

	// Ops websocket, admin only
	s.router.GET("/ws/ops",
		auth.Middleware(s.authMgr), auth.RequireAdmin(),
		func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request)
		})

	escrowHandler := escrow.NewHandler(s.escrowSvc, s.reports)
	sellerHandler := seller.NewHandler(s.sellerSvc)
	fraudHandler := fraud.NewHandler(s.fraudEngine)
	authHandler := auth.NewHandler(s.authMgr)

	// Authenticated API surface
	api := s.router.Group("/api/v1")
	api.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	api.Use(validation.TxnIDParamMiddleware())

	// Escrow commands, registered individually so throttled commands get
	// their budget middleware
	api.POST("/escrows", s.limiter.Command("create"), escrowHandler.CreateEscrow)
	api.GET("/escrows", escrowHandler.ListMine)
	api.GET("/escrows/:id", escrowHandler.GetEscrow)
	api.GET("/escrows/:id/timeline", escrowHandler.GetTimeline)
	api.GET("/escrows/:id/payout", escrowHandler.GetPayout)
	api.POST("/escrows/:id/ship", escrowHandler.MarkShipped)
	api.POST("/escrows/:id/confirm", escrowHandler.ConfirmDelivery)
	api.POST("/escrows/:id/cancel", escrowHandler.CancelEscrow)
	api.POST("/escrows/:id/dispute", s.limiter.Command("dispute"), escrowHandler.OpenDispute)
	api.POST("/escrows/:id/rate", s.limiter.Command("rate"), escrowHandler.RateSeller)

	sellerHandler.RegisterRoutes(api)

	// API key management
	api.GET("/auth/keys", authHandler.ListKeys)
	api.POST("/auth/keys", authHandler.CreateKey)
	api.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
	api.GET("/auth/me", authHandler.WhoAmI)

	// Admin surface
	admin := api.Group("/admin")
	admin.Use(auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(admin)
	sellerHandler.RegisterAdminRoutes(admin)
	fraudHandler.RegisterAdminRoutes(admin)
	admin.GET("/ws/stats", s.wsStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   version,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "amana",
		"description": "Marketplace escrow over mobile money",
		"version":     version,
		"environment": s.cfg.Env,
	})
}

func (s *Server) wsStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.shutdownTraces = shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start ops websocket hub
	go s.hub.Run(runCtx)

	// Start background jobs
	s.sched.Start(runCtx)

	// Sample DB pool stats into gauges
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

	// Stop taking new job runs, wait for in-flight ones
	s.sched.Stop()
	s.logger.Info("scheduler stopped")

	// Cancel the context for background goroutines (hub, stats collector)
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

	// Stop rate limiter cleanup goroutine
	if s.limiter != nil {
		s.limiter.Stop()
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
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
