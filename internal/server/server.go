// Package server wires the custody engine, governance ledger and relay into
// an HTTP server.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/compliance"
	"github.com/mbd888/tradevault/internal/config"
	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/escrow"
	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/fees"
	"github.com/mbd888/tradevault/internal/governance"
	"github.com/mbd888/tradevault/internal/health"
	"github.com/mbd888/tradevault/internal/logging"
	"github.com/mbd888/tradevault/internal/metatx"
	"github.com/mbd888/tradevault/internal/metrics"
	"github.com/mbd888/tradevault/internal/ratelimit"
	"github.com/mbd888/tradevault/internal/realtime"
	"github.com/mbd888/tradevault/internal/reconciliation"
	"github.com/mbd888/tradevault/internal/security"
	"github.com/mbd888/tradevault/internal/validation"
	"github.com/mbd888/tradevault/internal/webhooks"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// eventLog is an event store that can also sit on the bus.
type eventLog interface {
	events.Store
	events.Sink
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	vault        *custody.MemoryVault
	gate         compliance.Gate
	registry     *arbitration.Registry
	engine       *escrow.Engine
	ledger       *governance.Ledger
	relay        *metatx.Relay
	eventLog     eventLog
	bus          *events.Bus
	webhooks     *webhooks.Dispatcher // nil when WEBHOOK_URLS is empty
	realtimeHub  *realtime.Hub
	escrowTimer  *escrow.Timer
	reconciler   *reconciliation.Service
	reconTimer   *reconciliation.Timer // nil when RECONCILE_INTERVAL is zero
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	relayLimiter *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithVault sets the custody vault (for testing and local tooling).
func WithVault(v *custody.MemoryVault) Option {
	return func(s *Server) {
		s.vault = v
	}
}

// WithGate overrides the compliance gate derived from config.
func WithGate(g compliance.Gate) Option {
	return func(s *Server) {
		s.gate = g
	}
}

// stores groups the persistence backends chosen at startup.
type stores struct {
	escrows   escrow.Store
	proposals governance.Store
	nonces    metatx.NonceStore
	events    eventLog
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set vault/gate/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if s.vault == nil {
		s.vault = custody.NewMemoryVault()
	}
	if s.gate == nil {
		s.gate = s.newGate()
	}

	registry, err := arbitration.NewRegistry(cfg.Arbitrators)
	if err != nil {
		return nil, fmt.Errorf("arbitrator registry: %w", err)
	}
	s.registry = registry

	schedule, err := fees.NewSchedule(cfg.FeeBasisPoints)
	if err != nil {
		return nil, fmt.Errorf("fee schedule: %w", err)
	}

	s.engine, err = escrow.NewEngine(escrow.Deps{
		Store:    st.escrows,
		Vault:    s.vault,
		Gate:     s.gate,
		Registry: registry,
		Fees:     schedule,
	}, cfg.Treasury, cfg.Admins)
	if err != nil {
		return nil, fmt.Errorf("escrow engine: %w", err)
	}

	s.ledger, err = governance.NewLedger(st.proposals, registry, cfg.Managers, cfg.GovernanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("governance ledger: %w", err)
	}
	// Executed proposals are replayed over the configured genesis set.
	if err := s.ledger.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore arbitrator registry: %w", err)
	}
	s.logger.Info("arbitrator registry ready",
		"arbitrators", registry.Count(),
		"managers", len(cfg.Managers),
		"threshold", cfg.GovernanceThreshold,
	)

	// Event fan-out: durable log first, then live subscribers.
	s.eventLog = st.events
	s.realtimeHub = realtime.NewHub(s.logger)
	s.bus = events.NewBus(s.logger, st.events, s.realtimeHub, events.LogSink{Logger: s.logger})
	if len(cfg.WebhookURLs) > 0 {
		s.webhooks = webhooks.NewDispatcher(webhookEndpoints(cfg), s.logger)
		s.bus.Add(s.webhooks)
		s.logger.Info("webhook delivery enabled", "endpoints", len(cfg.WebhookURLs))
	}
	s.engine.SetEmitter(s.bus)
	s.ledger.SetEmitter(s.bus)

	domain := metatx.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: cfg.EngineAddress,
	}
	s.relay, err = metatx.NewRelay(domain, st.nonces, metatx.NewDispatcher(s.engine, s.ledger))
	if err != nil {
		return nil, fmt.Errorf("meta-transaction relay: %w", err)
	}
	s.relay.SetEmitter(s.bus)
	s.logger.Info("meta-transaction relay enabled",
		"domain", cfg.DomainName,
		"chainId", cfg.ChainID,
		"verifyingContract", cfg.EngineAddress.Hex(),
	)

	s.escrowTimer = escrow.NewTimer(s.engine, st.escrows, s.logger).WithInterval(cfg.ExpirySweepInterval)
	s.reconciler = reconciliation.NewService(s.engine, s.vault)
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}
	// Persisted escrows outlive the in-process vault. Refuse to serve
	// funded escrows whose custody was lost with the previous process.
	if s.db != nil {
		if err := requireDurableCustody(ctx, s.reconciler); err != nil {
			_ = s.db.Close()
			return nil, err
		}
	}

	s.registerHealthChecks()

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

// requireDurableCustody runs one reconciliation and fails if any open escrow
// disagrees with what the vault holds for it.
func requireDurableCustody(ctx context.Context, r *reconciliation.Service) error {
	res, err := r.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if !res.Clean() {
		m := res.Mismatches[0]
		return fmt.Errorf("custody does not match %d persisted escrow(s): %s %s expected %s, held %s",
			len(res.Mismatches), m.InvoiceID.Hex(), m.Kind, m.Expected, m.Held)
	}
	return nil
}

// openStores selects Postgres when DATABASE_URL is set, otherwise in-memory
// stores.
func (s *Server) openStores(ctx context.Context) (stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return stores{
			escrows:   escrow.NewMemoryStore(),
			proposals: governance.NewMemoryStore(),
			nonces:    metatx.NewMemoryNonceStore(),
			events:    events.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return stores{}, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return stores{
		escrows:   escrow.NewPostgresStore(db),
		proposals: governance.NewPostgresStore(db),
		nonces:    metatx.NewPostgresNonceStore(db),
		events:    events.NewPostgresStore(db),
	}, nil
}

// newGate picks the compliance registry: the remote service when configured,
// otherwise the static lists. Development with no allowlist admits everyone.
func (s *Server) newGate() compliance.Gate {
	if s.cfg.ComplianceURL != "" {
		gate := compliance.NewHTTPGate(s.cfg.ComplianceURL, 5*time.Second)
		s.health.RegisterAdvisory("compliance", health.Breaker("compliance", gate.BreakerState))
		s.logger.Info("compliance registry enabled", "url", s.cfg.ComplianceURL)
		return gate
	}

	if len(s.cfg.ComplianceAllowlist) == 0 && s.cfg.IsDevelopment() {
		s.logger.Warn("no compliance allowlist configured, admitting every principal")
		return compliance.AllowAll{}
	}

	gate := compliance.NewStaticGate(s.cfg.ComplianceAllowlist...)
	for _, p := range s.cfg.ComplianceFrozen {
		gate.Freeze(p)
	}
	s.logger.Info("static compliance lists enabled",
		"allowed", len(s.cfg.ComplianceAllowlist),
		"frozen", len(s.cfg.ComplianceFrozen),
	)
	return gate
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("arbitrators", health.Arbitrators(s.registry.Count))
	s.health.Register("expiry_sweeper", health.Sweeper(s.escrowTimer.Running))
	s.health.RegisterAdvisory("custody_reconciliation", func(context.Context) health.Status {
		last := s.reconciler.Last()
		switch {
		case last == nil:
			return health.Status{Healthy: true, Detail: "no run yet"}
		case !last.Clean():
			return health.Status{Healthy: false, Detail: fmt.Sprintf("%d mismatches", len(last.Mismatches))}
		}
		return health.Status{Healthy: true, Detail: fmt.Sprintf("%d open escrows checked", last.Checked)}
	})
}

func webhookEndpoints(cfg *config.Config) []webhooks.Endpoint {
	types := make([]events.Type, 0, len(cfg.WebhookEvents))
	for _, t := range cfg.WebhookEvents {
		types = append(types, events.Type(t))
	}
	out := make([]webhooks.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		out = append(out, webhooks.Endpoint{URL: u, Secret: cfg.WebhookSecret, Types: types})
	}
	return out
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

	// Writes are signature-authorized, so any origin may read and submit.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limits := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limits.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limits)
	s.relayLimiter = ratelimit.New(ratelimit.RelayConfig(limits))
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
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

	// Realtime event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/reconciliation", s.reconciliationHandler)

	escrow.NewHandler(s.engine).RegisterRoutes(v1)
	governance.NewHandler(s.ledger).RegisterRoutes(v1)
	events.NewHandler(s.eventLog).RegisterRoutes(v1)

	relay := metatx.NewHandler(s.relay)
	relay.RegisterRoutes(v1)
	relay.RegisterSubmitRoutes(v1.Group("", s.relayLimiter.Middleware()))

	if s.cfg.IsDevelopment() {
		newFaucet(s.vault).RegisterRoutes(v1.Group("/dev"))
		s.logger.Warn("development faucet enabled at /v1/dev/faucet")
	}
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := s.health.Check(ctx)

	httpStatus := http.StatusOK
	if !report.Healthy() {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    string(report.Level),
		Version:   Version,
		Checks:    report.Checks,
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

// reconciliationHandler reports the latest custody check. ?run=true runs one
// now, which is only allowed outside production.
func (s *Server) reconciliationHandler(c *gin.Context) {
	if c.Query("run") == "true" && !s.cfg.IsProduction() {
		if _, err := s.reconciler.Run(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": s.reconTimer != nil,
		"last":    s.reconciler.Last(),
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	domain := s.relay.Domain()
	c.JSON(http.StatusOK, gin.H{
		"name":              "tradevault",
		"version":           Version,
		"env":               s.cfg.Env,
		"chainId":           domain.ChainID.String(),
		"verifyingContract": domain.VerifyingContract.Hex(),
		"arbitrators":       s.registry.Count(),
		"governance": gin.H{
			"managers":  len(s.ledger.Managers()),
			"threshold": s.ledger.Threshold(),
		},
		"realtime": s.realtimeHub.Stats(),
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"treasury", s.cfg.Treasury.Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}
	if s.webhooks != nil {
		go s.webhooks.Run(runCtx)
	}

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
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.logger.Info("expiry sweeper stopped")
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}

	s.rateLimiter.Stop()
	s.relayLimiter.Stop()

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
