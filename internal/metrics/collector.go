// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// 所有 Record 方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Collector struct {
	// 回合指标
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	turnTransitions  *prometheus.CounterVec
	extendedDecision *prometheus.CounterVec

	// 会话指标
	roundsCompleted     *prometheus.CounterVec
	statusChanges       *prometheus.CounterVec
	schedulerOverrides  *prometheus.CounterVec
	agentExclusions     prometheus.Counter
	interjectionsMerged prometheus.Counter

	// 上下文指标
	distillations   prometheus.Counter
	degradations    *prometheus.CounterVec
	assembledTokens prometheus.Histogram

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 存储指标
	storeRetries      *prometheus.CounterVec
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 创建指标收集器并注册到指定 Registry
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 回合指标
	c.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of turns that reached a terminal state",
		},
		[]string{"mode", "state"},
	)

	c.turnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn duration from running to terminal state in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode", "state"},
	)

	c.turnTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_state_transitions_total",
			Help:      "Total number of turn state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.extendedDecision = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "word_limit_decisions_total",
			Help:      "Total number of word limit decisions",
		},
		[]string{"extended"},
	)

	// 会话指标
	c.roundsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Total number of completed rounds",
		},
		[]string{"mode"},
	)

	c.statusChanges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_status_changes_total",
			Help:      "Total number of conversation status changes",
		},
		[]string{"status"},
	)

	c.schedulerOverrides = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_overrides_total",
			Help:      "Total number of rejected speaker proposals",
		},
		[]string{"mode", "reason"},
	)

	c.agentExclusions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_exclusions_total",
		Help:      "Total number of agents excluded after consecutive failures",
	})

	c.interjectionsMerged = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interjections_merged_total",
		Help:      "Total number of user interjections merged into the turn stream",
	})

	// 上下文指标
	c.distillations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "context_distillations_total",
		Help:      "Total number of context distillations",
	})

	c.degradations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_degradations_total",
			Help:      "Total number of degraded contexts",
		},
		[]string{"reason"},
	)

	c.assembledTokens = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "context_tokens",
		Help:      "Estimated tokens of assembled turn contexts",
		Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
	})

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 存储指标
	c.storeRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Total number of retried store operations",
		},
		[]string{"operation"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎭 回合指标记录
// =============================================================================

// RecordTurn 记录到达终态的回合
func (c *Collector) RecordTurn(mode, state string, duration time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(mode, state).Inc()
	c.turnDuration.WithLabelValues(mode, state).Observe(duration.Seconds())
}

// RecordTurnTransition 记录回合状态转换
func (c *Collector) RecordTurnTransition(fromState, toState string) {
	if c == nil {
		return
	}
	c.turnTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordWordLimitDecision 记录字数限制抽签结果
func (c *Collector) RecordWordLimitDecision(extended bool) {
	if c == nil {
		return
	}
	label := "false"
	if extended {
		label = "true"
	}
	c.extendedDecision.WithLabelValues(label).Inc()
}

// =============================================================================
// 🗣️ 会话指标记录
// =============================================================================

// RecordRoundCompleted 记录完成的轮次
func (c *Collector) RecordRoundCompleted(mode string) {
	if c == nil {
		return
	}
	c.roundsCompleted.WithLabelValues(mode).Inc()
}

// RecordStatusChange 记录会话状态变化
func (c *Collector) RecordStatusChange(status string) {
	if c == nil {
		return
	}
	c.statusChanges.WithLabelValues(status).Inc()
}

// RecordSchedulerOverride 记录被拒绝的发言人提议
func (c *Collector) RecordSchedulerOverride(mode, reason string) {
	if c == nil {
		return
	}
	c.schedulerOverrides.WithLabelValues(mode, reason).Inc()
}

// RecordAgentExcluded 记录被排除的智能体
func (c *Collector) RecordAgentExcluded() {
	if c == nil {
		return
	}
	c.agentExclusions.Inc()
}

// RecordInterjectionsMerged 记录合并的插话数
func (c *Collector) RecordInterjectionsMerged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.interjectionsMerged.Add(float64(n))
}

// =============================================================================
// 🧠 上下文指标记录
// =============================================================================

// RecordContext 记录一次上下文组装
func (c *Collector) RecordContext(tokens int, distilled bool, degradeReason string) {
	if c == nil {
		return
	}
	c.assembledTokens.Observe(float64(tokens))
	if distilled {
		c.distillations.Inc()
	}
	if degradeReason != "" {
		c.degradations.WithLabelValues(degradeReason).Inc()
	}
}

// RecordDistillation 记录轮次结束后的蒸馏
func (c *Collector) RecordDistillation() {
	if c == nil {
		return
	}
	c.distillations.Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 存储指标记录
// =============================================================================

// RecordStoreRetry 记录存储操作重试
func (c *Collector) RecordStoreRetry(operation string) {
	if c == nil {
		return
	}
	c.storeRetries.WithLabelValues(operation).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
