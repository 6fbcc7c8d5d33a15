// Package gateway exposes the metering engine over HTTP.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metering charges, refunds and reports metered units.
type Metering interface {
	Charge(ctx context.Context, accountID uuid.UUID) (*metering.Decision, error)
	Refund(ctx context.Context, accountID, subscriptionID uuid.UUID) error
	Usage(ctx context.Context, accountID uuid.UUID) (*metering.Usage, error)
}

// Subscriptions is the subscription lifecycle surface used by the handlers.
type Subscriptions interface {
	Provision(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error)
	Transition(ctx context.Context, subscriptionID uuid.UUID, to models.Status) (*models.Subscription, error)
	ChangeTier(ctx context.Context, subscriptionID uuid.UUID, tier models.Tier) (*models.Subscription, error)
	GrantTopUp(ctx context.Context, subscriptionID uuid.UUID, amount int) (*models.TopUpCredit, error)
	CanAddProfile(ctx context.Context, subscriptionID uuid.UUID) (bool, error)
}

// Sweeper runs the billing-cycle job on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (int, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options wires the gateway's collaborators. Webhooks, Sweeper and Runner may
// be nil; Accounts defaults to HeaderAccountResolver.
type Options struct {
	Metering       Metering
	Subscriptions  Subscriptions
	Webhooks       http.Handler
	Sweeper        Sweeper
	Runner         ExchangeRunner
	Accounts       AccountResolver
	Dependencies   map[string]HealthChecker
	AdminToken     string
	AllowedOrigins []string
	MetricsPath    string
	RequestTimeout time.Duration
}

// Gateway handles API requests
type Gateway struct {
	metering      Metering
	subscriptions Subscriptions
	webhooks      http.Handler
	sweeper       Sweeper
	runner        ExchangeRunner
	accounts      AccountResolver
	dependencies  map[string]HealthChecker
	adminToken    string
	logger        *zap.Logger
	router        *chi.Mux
}

// NewGateway creates a new API gateway
func NewGateway(opts Options, logger *zap.Logger) *Gateway {
	g := &Gateway{
		metering:      opts.Metering,
		subscriptions: opts.Subscriptions,
		webhooks:      opts.Webhooks,
		sweeper:       opts.Sweeper,
		runner:        opts.Runner,
		accounts:      opts.Accounts,
		dependencies:  opts.Dependencies,
		adminToken:    opts.AdminToken,
		logger:        logger,
		router:        chi.NewRouter(),
	}
	if g.runner == nil {
		g.runner = AcknowledgeRunner{}
	}
	if g.accounts == nil {
		g.accounts = HeaderAccountResolver{}
	}

	g.setupRoutes(opts)
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes(opts Options) {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(timeout))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", AccountHeader, "X-Admin-Token"},
		ExposedHeaders:   []string{HeaderQuotaRemaining, HeaderQuotaWarning},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	g.registerMetrics(metricsPath)

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Signature verified by the handler.
	if g.webhooks != nil {
		g.router.Post("/api/webhooks/stripe", g.webhooks.ServeHTTP)
	}

	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)

		r.Post("/v1/exchanges", g.handleExchange)
		r.Get("/v1/usage", g.handleUsage)
		r.Get("/v1/profiles/capacity", g.handleProfileCapacity)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/subscriptions/{subscription_id}/status", g.handleSetStatus)
		r.Post("/admin/subscriptions/{subscription_id}/tier", g.handleSetTier)
		r.Post("/admin/subscriptions/{subscription_id}/credits", g.handleGrantCredits)
		r.Post("/admin/jobs/cycle-reset", g.handleCycleReset)
	})
}

// StartHealthMetrics periodically publishes dependency health as gauges.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for name, dep := range g.dependencies {
		status := 0.0
		if err := dep.Health(ctx); err == nil {
			status = 1.0
		}
		dependencyUp.WithLabelValues(name).Set(status)
	}
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := g.accounts.ResolveAccount(r)
		if err != nil {
			g.logger.Warn("authentication failed", zap.Error(err))
			g.writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid account")
			return
		}

		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), accountID)))
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" || g.adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "unauthenticated", "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for name, dep := range g.dependencies {
		if err := dep.Health(ctx); err != nil {
			g.logger.Warn("dependency not ready", zap.String("dependency", name), zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, "not_ready", name+" not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
