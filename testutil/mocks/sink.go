package mocks

import (
	"sync"
)

// RecordedEvent 一条被记录的事件
type RecordedEvent struct {
	Name    string
	Payload any
}

// RecordingSink 记录所有发布的事件，满足 conversation.EventSink
type RecordingSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// NewRecordingSink 创建事件记录器
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Publish 记录事件
func (s *RecordingSink) Publish(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, RecordedEvent{Name: name, Payload: payload})
}

// Events 返回指定名称的事件；name 为空时返回全部
func (s *RecordingSink) Events(name string) []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedEvent, 0, len(s.events))
	for _, e := range s.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count 返回指定名称的事件数
func (s *RecordingSink) Count(name string) int {
	return len(s.Events(name))
}

// FixedSource 按顺序返回预置的随机数，用尽后重复最后一个
type FixedSource struct {
	mu     sync.Mutex
	values []float64
	next   int
}

// NewFixedSource 创建固定随机源
func NewFixedSource(values ...float64) *FixedSource {
	if len(values) == 0 {
		values = []float64{0.5}
	}
	return &FixedSource{values: values}
}

// Float64 实现 turn.RandomSource
func (s *FixedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[s.next]
	if s.next < len(s.values)-1 {
		s.next++
	}
	return v
}
