package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	agentctx "github.com/BaSui01/roundtable/agent/context"
	"github.com/BaSui01/roundtable/agent/conversation"
	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/agent/turn"
	"github.com/BaSui01/roundtable/config"
	"github.com/BaSui01/roundtable/internal/cache"
	"github.com/BaSui01/roundtable/internal/database"
	"github.com/BaSui01/roundtable/internal/metrics"
	"github.com/BaSui01/roundtable/internal/server"
	"github.com/BaSui01/roundtable/internal/telemetry"
	"github.com/BaSui01/roundtable/llm/tokenizer"
)

// app 持有一次命令执行所需的全部依赖
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *database.PoolManager
	store     persistence.Store
	cacheMgr  *cache.Manager
	queue     cache.QueueStates
	collector *metrics.Collector
	otel      *telemetry.Providers
	bus       *conversation.EventBus
	manager   *conversation.Manager
	ops       *server.Manager
}

// openStore 只打开存储，供 migrate/health 使用
func openStore(cfg *config.Config, logger *zap.Logger) (*database.PoolManager, persistence.Store, error) {
	var pool *database.PoolManager
	if persistence.StoreType(cfg.Store.Type) == persistence.StoreTypeDatabase {
		var err error
		pool, err = database.Open(cfg.Database.Driver, cfg.Database.DSN(), poolConfig(cfg.Database), logger)
		if err != nil {
			return nil, nil, err
		}
	}
	store, err := persistence.NewStore(storeConfig(cfg), pool, logger)
	if err != nil {
		if pool != nil {
			_ = pool.Close()
		}
		return nil, nil, err
	}
	return pool, store, nil
}

// newApp 按配置组装存储、缓存、指标、追踪与编排器
func newApp(cfg *config.Config, logger *zap.Logger, dispatcher conversation.Dispatcher) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	a.otel = providers

	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	a.pool, a.store, err = openStore(cfg, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.pool != nil {
		if err := persistence.Migrate(context.Background(), a.pool); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.watchPool()
	}

	a.queue = cache.NewMemoryQueueStates(a.collector)
	if persistence.StoreType(cfg.Store.Type) == persistence.StoreTypeRedis {
		a.cacheMgr, err = cache.NewManager(cacheConfig(cfg), logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open queue cache: %w", err)
		}
		a.queue = cache.NewRedisQueueStates(a.cacheMgr, cfg.Orchestrator.QueueStateTTL, a.collector)
	}

	a.bus = conversation.NewEventBus(256, logger)
	a.bus.Subscribe(conversation.EventAll, eventLogger(logger))

	if strings.HasPrefix(cfg.Orchestrator.TokenizerModel, "gpt-") {
		tokenizer.RegisterOpenAITokenizers()
	}
	tok := tokenizer.ForModel(cfg.Orchestrator.TokenizerModel)

	retrier := persistence.NewRetrier(retryConfig(cfg.Store), logger).OnRetry(func(op string, _ int, _ error) {
		a.collector.RecordStoreRetry(op)
	})

	var policy *turn.Policy
	if cfg.Orchestrator.RandomSeed != 0 {
		policy = turn.NewPolicy(turn.NewSeededSource(cfg.Orchestrator.RandomSeed))
	} else {
		policy = turn.NewPolicy(turn.NewRandomSource())
	}

	if cfg.Orchestrator.DispatchRPS > 0 {
		dispatcher = conversation.NewRateLimitedDispatcher(dispatcher, cfg.Orchestrator.DispatchRPS, cfg.Orchestrator.DispatchBurst, logger)
	}

	orch := conversation.NewOrchestrator(a.store, dispatcher, orchestratorConfig(cfg.Orchestrator),
		conversation.WithLogger(logger),
		conversation.WithEventSink(a.bus),
		conversation.WithMetrics(a.collector),
		conversation.WithTracer(providers.Tracer()),
		conversation.WithQueueStates(a.queue),
		conversation.WithRetrier(retrier),
		conversation.WithPolicy(policy),
		conversation.WithBudgeter(agentctx.NewBudgeter(a.store, tok, nil,
			agentctx.Config{SafetyMargin: cfg.Orchestrator.SafetyMargin}, logger)),
	)
	a.manager = conversation.NewManager(orch, logger)
	return a, nil
}

// serveOps 启动 /metrics 与探针端点
func (a *app) serveOps() error {
	routes := server.Routes{
		Ready:   a.store.Ping,
		Queue:   a.manager.QueueState,
		Version: Version,
	}
	if a.collector != nil {
		routes.Gatherer = prometheus.DefaultGatherer
	}
	cfg := server.DefaultConfig()
	if a.cfg.Metrics.Addr != "" {
		cfg.Addr = a.cfg.Metrics.Addr
	}
	a.ops = server.NewManager(server.NewHandler(routes, a.logger), cfg, a.logger)
	return a.ops.Start()
}

// watchPool 把健康检查时的连接池统计写入指标
func (a *app) watchPool() {
	driver := a.cfg.Database.Driver
	a.pool.OnHealthCheck(func(stats sql.DBStats) {
		a.collector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
	})
	stats := a.pool.Stats()
	a.collector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.manager != nil {
		a.manager.Close()
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	if a.ops != nil {
		errs = append(errs, a.ops.Shutdown(ctx))
	}
	if a.cacheMgr != nil {
		errs = append(errs, a.cacheMgr.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	errs = append(errs, a.otel.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	}
}

// =============================================================================
// 🔧 配置映射
// =============================================================================

func storeConfig(cfg *config.Config) persistence.StoreConfig {
	return persistence.StoreConfig{
		Type: persistence.StoreType(cfg.Store.Type),
		Redis: persistence.RedisStoreConfig{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Store.KeyPrefix,
		},
		Retry: retryConfig(cfg.Store),
	}
}

func retryConfig(cfg config.StoreConfig) persistence.RetryConfig {
	return persistence.RetryConfig{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

func poolConfig(cfg config.DatabaseConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	pc.HealthCheckInterval = 15 * time.Second
	return pc
}

func cacheConfig(cfg *config.Config) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = cfg.Redis.Addr()
	cc.Password = cfg.Redis.Password
	cc.DB = cfg.Redis.DB
	cc.KeyPrefix = cfg.Store.KeyPrefix + "cache:"
	if cfg.Redis.PoolSize > 0 {
		cc.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Orchestrator.QueueStateTTL > 0 {
		cc.DefaultTTL = cfg.Orchestrator.QueueStateTTL
	}
	return cc
}

func orchestratorConfig(cfg config.OrchestratorConfig) conversation.Config {
	oc := conversation.DefaultConfig()
	if cfg.TurnTimeout > 0 {
		oc.TurnTimeout = cfg.TurnTimeout
	}
	if cfg.MaxConsecutiveFailures > 0 {
		oc.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	}
	oc.StopOnEmptyRoster = cfg.StopOnEmptyRoster
	return oc
}
