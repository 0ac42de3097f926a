package conversation

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// Event names published by the orchestrator.
const (
	EventTurnState          = "turn.state"
	EventQueueUpdated       = "queue.updated"
	EventStatus             = "conversation.status"
	EventWarning            = "conversation.warning"
	EventInterjectionMerged = "interjection.merged"
	EventContextDistilled   = "context.distilled"
	EventContextDegraded    = "context.degraded"
	EventRoundCompleted     = "round.completed"
)

// EventAll subscribes to every event name.
const EventAll = "*"

// EventSink receives lifecycle notifications. Publish must not block.
type EventSink interface {
	Publish(name string, payload any)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(name string, payload any)

// Publish calls f.
func (f EventSinkFunc) Publish(name string, payload any) { f(name, payload) }

type nopSink struct{}

func (nopSink) Publish(string, any) {}

// TurnStateEvent 回合状态变更
type TurnStateEvent struct {
	Turn types.Turn      `json:"turn"`
	From types.TurnState `json:"from"`
}

// StatusEvent 会话状态变更
type StatusEvent struct {
	ConversationID string                   `json:"conversation_id"`
	From           types.ConversationStatus `json:"from"`
	To             types.ConversationStatus `json:"to"`
	Reason         string                   `json:"reason,omitempty"`
}

// Warning codes carried by WarningEvent.
const (
	WarningAgentExcluded = "agent_excluded"
	WarningEmptyRoster   = "empty_roster"
	WarningStoreFailure  = "store_failure"
)

// WarningEvent 会话级告警（不会中止会话）
type WarningEvent struct {
	ConversationID string `json:"conversation_id"`
	Code           string `json:"code"`
	AgentID        string `json:"agent_id,omitempty"`
	Message        string `json:"message"`
}

// InterjectionMergedEvent 插话已合并
type InterjectionMergedEvent struct {
	ConversationID string   `json:"conversation_id"`
	Round          int      `json:"round"`
	MessageIDs     []string `json:"message_ids"`
}

// ContextEvent 上下文蒸馏或降级
type ContextEvent struct {
	ConversationID     string        `json:"conversation_id"`
	TurnKey            types.TurnKey `json:"turn_key"`
	EstimatedTokens    int           `json:"estimated_tokens"`
	LastDistilledRound int           `json:"last_distilled_round"`
	Reason             string        `json:"reason,omitempty"`
}

// RoundCompletedEvent 一轮结束
type RoundCompletedEvent struct {
	ConversationID string `json:"conversation_id"`
	Round          int    `json:"round"`
	Completed      int    `json:"completed"`
	Failed         int    `json:"failed"`
}

// EventHandler 事件处理器
type EventHandler func(name string, payload any)

type queuedEvent struct {
	name    string
	payload any
}

var subscriptionCounter int64

// EventBus is an in-process EventSink with per-name subscriptions.
// Events are delivered in publish order on one goroutine; when the buffer
// is full new events are dropped and counted.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]EventHandler
	events   chan queuedEvent
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
	logger   *zap.Logger
}

// NewEventBus 创建事件总线
func NewEventBus(buffer int, logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	b := &EventBus{
		handlers: make(map[string]map[string]EventHandler),
		events:   make(chan queuedEvent, buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
	go b.process()
	return b
}

// Publish 发布事件（不阻塞）
func (b *EventBus) Publish(name string, payload any) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.events <- queuedEvent{name: name, payload: payload}:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe 订阅事件，name 为 EventAll 时接收所有事件
func (b *EventBus) Subscribe(name string, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[name] == nil {
		b.handlers[name] = make(map[string]EventHandler)
	}
	id := fmt.Sprintf("%s-%d", name, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[name][id] = handler
	return id
}

// Unsubscribe 取消订阅
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, name)
			}
			return
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Stop delivers the events already queued, then stops the bus.
func (b *EventBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	<-b.stopped
}

func (b *EventBus) process() {
	defer close(b.stopped)
	for {
		select {
		case ev := <-b.events:
			b.deliver(ev)
		case <-b.done:
			for {
				select {
				case ev := <-b.events:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(ev queuedEvent) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[ev.name])+len(b.handlers[EventAll]))
	for _, h := range b.handlers[ev.name] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[EventAll] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("event", ev.name),
						zap.Any("recover", r),
					)
				}
			}()
			h(ev.name, ev.payload)
		}()
	}
}

// Fanout publishes every event to each non-nil sink in order.
func Fanout(sinks ...EventSink) EventSink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type fanout []EventSink

func (f fanout) Publish(name string, payload any) {
	for _, s := range f {
		s.Publish(name, payload)
	}
}
