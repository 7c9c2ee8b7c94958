package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/cache"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/costs"
	"github.com/jkaninda/toolgate/internal/fallback"
	"github.com/jkaninda/toolgate/internal/llm"
	"github.com/jkaninda/toolgate/internal/llm/anthropic"
	"github.com/jkaninda/toolgate/internal/llm/openai"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/policy"
	"github.com/jkaninda/toolgate/internal/ratelimit"
	"github.com/jkaninda/toolgate/internal/registry"
	"github.com/jkaninda/toolgate/internal/router"
	"github.com/jkaninda/toolgate/internal/storage"
	pgstore "github.com/jkaninda/toolgate/internal/storage/postgres"
	"github.com/jkaninda/toolgate/internal/storage/redisstore"
	sqlitestore "github.com/jkaninda/toolgate/internal/storage/sqlite"
	"github.com/jkaninda/toolgate/internal/tools"
	mcptools "github.com/jkaninda/toolgate/internal/tools/mcp"
)

const memoryCacheEntries = 10000

// SharedComponents holds the subsystems every serving mode needs. Built
// once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store
	Redis  redis.UniversalClient // nil without a redis section.

	Obs      *observability.Observability
	Audit    audit.Store // Publishing to Hub.
	Hub      *audit.Hub
	Reviews  approval.ApprovalManager
	Window   *ratelimit.Window // nil when Redis counts policy rate limits.
	Policy   *policy.Engine
	Budget   *budget.Policy
	Cache    cache.Store
	Costs    *costs.Monitor
	Router   *router.Router
	Registry *registry.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist. TOOLGATE_CONFIG overrides --config.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("TOOLGATE_CONFIG", configPath))
}

// initShared builds the full invocation pipeline. Callers must call
// sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	metrics := obs.MetricsOrNil()

	// Storage.
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	obs.Health.AddCheck("storage", store.Ping)

	// Redis (optional).
	if cfg.Redis != nil {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		sc.Redis = client
		sc.addCleanup(func() { _ = client.Close() })
		obs.Health.AddCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.Debug("redis client initialized", slog.String("addr", opts.Addr))
	}

	// Audit.
	base, err := newAuditStore(cfg, store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	if c, ok := base.(interface{ Close() error }); ok {
		sc.addCleanup(func() { _ = c.Close() })
	}
	sc.Hub = audit.NewHub()
	sc.Audit = audit.Publishing(base, sc.Hub)

	// Human reviews.
	auto := approval.NewAutoApprover(cfg.Policy.AutoApproval, logger)
	sc.Reviews = approval.NewDBManager(store.Reviews(), cfg.Policy.ReviewTTL(), logger).WithAutoApprover(auto)

	// Policy engine.
	var counter ratelimit.Counter
	if sc.Redis != nil {
		counter = ratelimit.NewRedis(sc.Redis, cfg.Redis.KeyPrefix(), logger)
	} else {
		sc.Window = ratelimit.NewWindow()
		counter = sc.Window
	}
	sc.Policy = policy.NewEngine(logger,
		policy.WithTenantIsolation(cfg.Policy.TenantIsolation),
		policy.WithRules(policy.RulesFromConfig(cfg.Policy.ABACRules)...),
		policy.WithCounter(counter),
		policy.WithReviews(sc.Reviews),
		policy.WithAutoApprover(auto),
		policy.WithMetrics(metrics),
	)

	// Model routing.
	provider := newLLMProvider(cfg, logger)
	if metrics != nil {
		provider = observability.NewInstrumentedProvider(provider, metrics, obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	sc.Budget = budget.NewPolicy(store.Budgets(), cfg.Budget, metrics, logger)
	sc.Cache = newCacheStore(cfg, sc)
	sc.Costs = costs.NewMonitor(store.Costs(), logger)
	sc.Router = router.New(provider, sc.Budget, fallback.New(cfg.Fallback, metrics), logger,
		router.WithCache(sc.Cache, 0),
		router.WithCosts(sc.Costs),
		router.WithMetrics(metrics),
		router.WithAnomalyDetector(obs.AnomalyOrNil()),
		router.WithConfig(cfg.Router),
	)
	logger.Debug("router initialized",
		slog.String("provider", provider.Name()),
		slog.Bool("budget", sc.Budget.Enabled()),
		slog.String("cache", cacheBackend(cfg)),
	)

	// Tool registry.
	sc.Registry = registry.New(sc.Policy, sc.Audit, logger,
		registry.WithTracer(obs.TracerOrNil()),
		registry.WithMetrics(metrics),
		registry.WithAnomalyDetector(obs.AnomalyOrNil()),
	)
	for _, c := range tools.Builtins(sc.Router, sc.Costs) {
		if err := sc.Registry.Register(c); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("registering %s: %w", c.ID, err)
		}
	}

	// MCP tool servers.
	if len(cfg.MCPServers) > 0 {
		bridge := mcptools.NewBridge(version, logger)
		sc.addCleanup(bridge.Close)
		mcpCtx, mcpCancel := context.WithTimeout(ctx, 30*time.Second)
		for _, srv := range cfg.MCPServers {
			contracts, err := bridge.Connect(mcpCtx, srv)
			if err != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", srv.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			for _, c := range contracts {
				if err := sc.Registry.Register(c); err != nil {
					logger.Warn("skipping MCP tool",
						slog.String("tool_id", c.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
		mcpCancel()
	}
	logger.Info("tool registry ready", slog.Int("tools", sc.Registry.Len()))

	return sc, nil
}

// openStore opens the configured storage backend (SQLite by default).
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pc := cfg.Storage.Postgres
		db, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             pc.DSN,
			MaxOpenConns:    pc.MaxOpenConns,
			MaxIdleConns:    pc.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return pgstore.NewStore(db), nil

	default:
		sc := sqlitestore.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sc, logger)
	}
}

func newAuditStore(cfg *config.Config, store storage.Store, logger *slog.Logger) (audit.Store, error) {
	switch cfg.Audit.Driver {
	case "file":
		return audit.NewFileLogger(cfg.AuditLogPath(), logger)
	case "memory":
		return audit.NewMemoryStore(), nil
	default:
		return store.Audit(), nil
	}
}

func cacheBackend(cfg *config.Config) string {
	if cfg.Router.CacheBackend == "" {
		return "memory"
	}
	return cfg.Router.CacheBackend
}

func newCacheStore(cfg *config.Config, sc *SharedComponents) cache.Store {
	switch cacheBackend(cfg) {
	case "db":
		return sc.Store.Cache()
	case "redis":
		return redisstore.NewCache(sc.Redis, cfg.Redis.KeyPrefix())
	default:
		return cache.NewMemory(memoryCacheEntries)
	}
}

// newLLMProvider builds the model client. Models are dispatched to the
// provider that serves them by name prefix; everything else goes to the
// default provider, which falls back through providers.fallback in order.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) llm.Provider {
	pc := cfg.Providers
	byName := map[string]llm.Provider{}

	var openaiOpts []openai.Option
	if pc.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(pc.OpenAI.BaseURL))
	}
	byName["openai"] = openai.NewClient(pc.OpenAI.APIKey, "", logger, openaiOpts...)

	if pc.Anthropic.APIKey != "" {
		var anthropicOpts []anthropic.Option
		if pc.Anthropic.BaseURL != "" {
			anthropicOpts = append(anthropicOpts, anthropic.WithBaseURL(pc.Anthropic.BaseURL))
		}
		byName["anthropic"] = anthropic.NewClient(pc.Anthropic.APIKey, "", logger, anthropicOpts...)
	}

	def, ok := byName[pc.Default]
	if !ok {
		logger.Warn("default provider not configured, using openai", slog.String("provider", pc.Default))
		def = byName["openai"]
	}
	if pc.OpenAI.APIKey == "" && pc.Default != "anthropic" {
		logger.Warn("no OpenAI API key configured; model calls will be served by fallbacks")
	}

	chain := []llm.Provider{def}
	for _, name := range pc.Fallback {
		if p, ok := byName[name]; ok && p != def {
			chain = append(chain, p)
		}
	}
	var primary llm.Provider = def
	if len(chain) > 1 {
		primary = llm.NewFallbackProvider(chain, logger)
	}

	mux := llm.NewMux(primary)
	if p, ok := byName["anthropic"]; ok {
		mux.Handle("claude-", p)
	}
	if def != byName["openai"] {
		mux.Handle("gpt-", byName["openai"])
	}
	return mux
}
