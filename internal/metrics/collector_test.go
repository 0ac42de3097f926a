package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.turnsTotal)
	assert.NotNil(t, collector.roundsCompleted)
	assert.NotNil(t, collector.schedulerOverrides)
	assert.NotNil(t, collector.storeRetries)
}

func TestCollector_RecordTurn(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), nil)

	collector.RecordTurn("round_robin", "completed", 2*time.Second)
	collector.RecordTurn("round_robin", "completed", time.Second)
	collector.RecordTurn("round_robin", "failed", time.Second)
	collector.RecordTurnTransition("planned", "running")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.turnsTotal.WithLabelValues("round_robin", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.turnsTotal.WithLabelValues("round_robin", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.turnTransitions.WithLabelValues("planned", "running")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.turnDuration))
}

func TestCollector_RecordConversationEvents(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), nil)

	collector.RecordRoundCompleted("moderator")
	collector.RecordStatusChange("paused")
	collector.RecordSchedulerOverride("moderator", "unknown_agent")
	collector.RecordSchedulerOverride("moderator", "unknown_agent")
	collector.RecordAgentExcluded()
	collector.RecordInterjectionsMerged(3)
	collector.RecordInterjectionsMerged(0)
	collector.RecordWordLimitDecision(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.roundsCompleted.WithLabelValues("moderator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.statusChanges.WithLabelValues("paused")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.schedulerOverrides.WithLabelValues("moderator", "unknown_agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.agentExclusions))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.interjectionsMerged))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.extendedDecision.WithLabelValues("true")))
}

func TestCollector_RecordContext(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), nil)

	collector.RecordContext(1200, true, "")
	collector.RecordContext(900, false, "summary_only")
	collector.RecordDistillation()

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.distillations))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.degradations.WithLabelValues("summary_only")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.assembledTokens))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), nil)

	collector.RecordCacheHit("queue_state")
	collector.RecordCacheMiss("queue_state")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("queue_state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("queue_state")))
}

func TestCollector_StoreMetrics(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), nil)

	collector.RecordStoreRetry("put turn")
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.storeRetries.WithLabelValues("put turn")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordTurn("round_robin", "completed", time.Second)
		collector.RecordTurnTransition("planned", "running")
		collector.RecordRoundCompleted("round_robin")
		collector.RecordSchedulerOverride("dynamic", "no_proposal")
		collector.RecordContext(10, true, "summary_only")
		collector.RecordStoreRetry("get conversation")
		collector.RecordCacheHit("queue_state")
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordTurn("dynamic", "completed", 100*time.Millisecond)
			collector.RecordCacheHit("queue_state")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.turnsTotal.WithLabelValues("dynamic", "completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("queue_state")))
}

func TestCollector_DefaultRegistry(t *testing.T) {
	ns := nextTestNamespace()
	collector := NewCollector(ns, zap.NewNop())
	collector.RecordRoundCompleted("round_robin")

	families, err := prometheus.DefaultGatherer.Gather()
	assert.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == ns+"_rounds_completed_total" {
			found = true
		}
	}
	assert.True(t, found)
}
