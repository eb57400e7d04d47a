package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/govplane/govplane/config"
	"github.com/govplane/govplane/handlers"
	"github.com/govplane/govplane/internal/observability"
	"github.com/govplane/govplane/middleware"
	"github.com/govplane/govplane/repositories"
	"github.com/govplane/govplane/repositories/postgres"
	"github.com/govplane/govplane/services/auditchain"
	"github.com/govplane/govplane/services/breaker"
	"github.com/govplane/govplane/services/ledger"
	"github.com/govplane/govplane/services/pipeline"
	"github.com/govplane/govplane/services/policyengine"
	"github.com/govplane/govplane/services/providers"
	"github.com/govplane/govplane/services/providers/anthropic"
	"github.com/govplane/govplane/services/providers/openai"
	"github.com/govplane/govplane/services/ratelimit"
	"github.com/govplane/govplane/services/webhook"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Repositories
	Policies repositories.PolicyRepository
	Budgets  repositories.LedgerRepository
	Audit    repositories.AuditRepository

	// Governance services
	Ledger     *ledger.Ledger
	Engine     *policyengine.Engine
	Tracker    *ratelimit.Tracker
	Breakers   *breaker.Registry
	Providers  *providers.Registry
	Chain      *auditchain.Chain
	Dispatcher *webhook.Dispatcher
	Pipeline   *pipeline.Pipeline

	// Observability
	Metrics         *observability.Metrics
	MetricsRegistry *prometheus.Registry

	// HTTP surface
	IdentityMiddleware *middleware.IdentityMiddleware
	ChatHandler        *handlers.ChatHandler
	BudgetHandler      *handlers.BudgetHandler
	AuditHandler       *handlers.AuditHandler
	HealthHandler      *handlers.HealthHandler

	trackerStop chan struct{}
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initRepositories()

	if err := deps.initServices(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initObservability()
	deps.initPipeline(cfg)
	deps.initHandlers()
	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized")
	return deps, nil
}

func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	db, err := postgres.NewDB(cfg.Database, d.Logger)
	if err != nil {
		return err
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	d.DB = db
	return nil
}

func (d *Dependencies) initRepositories() {
	d.Policies = postgres.NewPolicyRepository(d.DB, d.Logger)
	d.Budgets = postgres.NewLedgerRepository(d.DB, d.Logger)
	d.Audit = postgres.NewAuditRepository(d.DB, d.Logger)
	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initServices(cfg *config.Config) error {
	rates := ledger.DefaultRateTable()
	if cfg.Ledger.PricingPath != "" {
		loaded, err := ledger.LoadRateTable(cfg.Ledger.PricingPath)
		if err != nil {
			return fmt.Errorf("failed to load pricing table: %w", err)
		}
		rates = loaded
	}

	d.Ledger = ledger.NewLedger(d.Budgets, rates, d.Logger)
	d.Tracker = ratelimit.NewTracker(cfg.RateLimit.Retention, d.Logger)
	d.Engine = policyengine.NewEngine(d.Ledger, d.Tracker, d.Logger)
	d.Chain = auditchain.NewChain(d.Audit, d.Logger)

	d.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		Window:           cfg.Breaker.Window,
	}, d.Logger)

	if err := d.initProviders(cfg); err != nil {
		return err
	}

	subscribers, err := webhook.LoadSubscribers(cfg.Webhook.SubscribersPath)
	if err != nil {
		return fmt.Errorf("failed to load webhook subscribers: %w", err)
	}
	d.Dispatcher = webhook.NewDispatcher(subscribers, d.Logger)
	if len(subscribers) > 0 {
		d.Logger.Info("webhook subscribers loaded", zap.Int("count", len(subscribers)))
	}

	return nil
}

func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()

	if cfg.Providers.OpenAI.APIKey != "" {
		adapter := openai.New(providers.Config{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Timeout: cfg.Providers.OpenAI.Timeout,
		})
		if err := registry.Register(adapter); err != nil {
			return err
		}
		d.Logger.Info("registered openai provider")
	}

	if cfg.Providers.Anthropic.APIKey != "" {
		adapter := anthropic.New(providers.Config{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
			Timeout: cfg.Providers.Anthropic.Timeout,
		})
		if err := registry.Register(adapter); err != nil {
			return err
		}
		d.Logger.Info("registered anthropic provider")
	}

	if len(registry.Names()) == 0 {
		d.Logger.Warn("no providers configured")
	}

	d.Providers = registry
	return nil
}

func (d *Dependencies) initObservability() {
	d.MetricsRegistry = prometheus.NewRegistry()
	d.Metrics = observability.NewMetrics(d.MetricsRegistry)
}

func (d *Dependencies) initPipeline(cfg *config.Config) {
	d.Pipeline = pipeline.New(pipeline.Options{
		Policies:    d.Policies,
		Engine:      d.Engine,
		Ledger:      d.Ledger,
		Breakers:    d.Breakers,
		Providers:   d.Providers,
		Audit:       d.Chain,
		Webhooks:    d.Dispatcher,
		Tracker:     d.Tracker,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
		CallTimeout: cfg.Pipeline.ProviderCallTimeout,
	})
}

func (d *Dependencies) initHandlers() {
	d.IdentityMiddleware = middleware.NewIdentityMiddleware(d.Logger)
	d.ChatHandler = handlers.NewChatHandler(d.Pipeline, d.Logger)
	d.BudgetHandler = handlers.NewBudgetHandler(d.Ledger, d.Config.Ledger.ForecastDays, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Chain, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(d.DB, d.Breakers, d.Logger)
}

func (d *Dependencies) startWorkers(cfg *config.Config) {
	d.trackerStop = make(chan struct{})
	d.Tracker.StartCleanupWorker(cfg.RateLimit.CleanupInterval, d.trackerStop)
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.trackerStop != nil {
		close(d.trackerStop)
	}

	// Abandon pending webhook retries and wait for delivery goroutines
	if d.Dispatcher != nil {
		d.Dispatcher.Close()
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
