package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/roundtable/types"
)

const queueStateCacheType = "queue_state"

// Recorder receives hit/miss counts. *metrics.Collector satisfies it.
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// QueueStates keeps the latest TurnQueueState per conversation.
// Snapshots may arrive late or twice; an older one never replaces a newer one.
type QueueStates interface {
	Put(ctx context.Context, q types.TurnQueueState) error
	Get(ctx context.Context, conversationID string) (types.TurnQueueState, error)
	Delete(ctx context.Context, conversationID string) error
}

// newer reports whether a should replace b.
func newer(a, b types.TurnQueueState) bool {
	if a.Round != b.Round {
		return a.Round > b.Round
	}
	return !a.At.Before(b.At)
}

// RedisQueueStates stores queue snapshots through a Manager.
type RedisQueueStates struct {
	manager  *Manager
	ttl      time.Duration
	recorder Recorder
}

// NewRedisQueueStates creates a Redis-backed queue state cache. ttl 0 uses
// the manager default.
func NewRedisQueueStates(manager *Manager, ttl time.Duration, recorder Recorder) *RedisQueueStates {
	return &RedisQueueStates{manager: manager, ttl: ttl, recorder: recorder}
}

func queueKey(conversationID string) string {
	return "queue:" + conversationID
}

// Put implements QueueStates.
func (c *RedisQueueStates) Put(ctx context.Context, q types.TurnQueueState) error {
	return c.manager.CompareAndSetJSON(ctx, queueKey(q.ConversationID), q, c.ttl, func(current string) bool {
		var cur types.TurnQueueState
		if err := json.Unmarshal([]byte(current), &cur); err != nil {
			return false
		}
		return !newer(q, cur)
	})
}

// Get implements QueueStates.
func (c *RedisQueueStates) Get(ctx context.Context, conversationID string) (types.TurnQueueState, error) {
	var q types.TurnQueueState
	err := c.manager.GetJSON(ctx, queueKey(conversationID), &q)
	record(c.recorder, err)
	return q, err
}

// Delete implements QueueStates.
func (c *RedisQueueStates) Delete(ctx context.Context, conversationID string) error {
	return c.manager.Delete(ctx, queueKey(conversationID))
}

// MemoryQueueStates is the in-process QueueStates used without Redis.
type MemoryQueueStates struct {
	mu       sync.RWMutex
	states   map[string]types.TurnQueueState
	recorder Recorder
}

// NewMemoryQueueStates creates an in-process queue state cache.
func NewMemoryQueueStates(recorder Recorder) *MemoryQueueStates {
	return &MemoryQueueStates{states: make(map[string]types.TurnQueueState), recorder: recorder}
}

// Put implements QueueStates.
func (c *MemoryQueueStates) Put(_ context.Context, q types.TurnQueueState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.states[q.ConversationID]; ok && !newer(q, cur) {
		return nil
	}
	q.Queue = append([]types.QueueEntry(nil), q.Queue...)
	c.states[q.ConversationID] = q
	return nil
}

// Get implements QueueStates.
func (c *MemoryQueueStates) Get(_ context.Context, conversationID string) (types.TurnQueueState, error) {
	c.mu.RLock()
	q, ok := c.states[conversationID]
	c.mu.RUnlock()
	if !ok {
		record(c.recorder, ErrCacheMiss)
		return types.TurnQueueState{}, ErrCacheMiss
	}
	record(c.recorder, nil)
	q.Queue = append([]types.QueueEntry(nil), q.Queue...)
	return q, nil
}

// Delete implements QueueStates.
func (c *MemoryQueueStates) Delete(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, conversationID)
	return nil
}

func record(r Recorder, err error) {
	if r == nil {
		return
	}
	switch {
	case err == nil:
		r.RecordCacheHit(queueStateCacheType)
	case IsCacheMiss(err):
		r.RecordCacheMiss(queueStateCacheType)
	}
}
