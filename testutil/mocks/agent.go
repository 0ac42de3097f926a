// MockAgent 圆桌发言的测试模拟实现。
//
// 支持固定响应、错误注入、延迟与阻塞场景。
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// ErrMockFailure 默认注入的错误
var ErrMockFailure = errors.New("mock agent failure")

// MockAgentCall 记录单次调用
type MockAgentCall struct {
	AgentID string
	Key     types.TurnKey
	Content string
	Err     error
}

// MockAgent 按 agent ID 脚本化发言
type MockAgent struct {
	mu sync.Mutex

	responses map[string]string
	errs      map[string]error
	failures  map[string]int // 前 N 次调用失败
	blocking  map[string]bool
	delay     time.Duration
	onCall    func(agentID string, key types.TurnKey)

	calls []MockAgentCall
}

// NewMockAgent 创建新的 MockAgent
func NewMockAgent() *MockAgent {
	return &MockAgent{
		responses: make(map[string]string),
		errs:      make(map[string]error),
		failures:  make(map[string]int),
		blocking:  make(map[string]bool),
	}
}

// WithResponse 设置某个 agent 的固定回复
func (m *MockAgent) WithResponse(agentID, content string) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[agentID] = content
	return m
}

// WithError 让某个 agent 每次都失败
func (m *MockAgent) WithError(agentID string, err error) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrMockFailure
	}
	m.errs[agentID] = err
	return m
}

// WithFailures 让某个 agent 的前 n 次调用失败
func (m *MockAgent) WithFailures(agentID string, n int) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[agentID] = n
	return m
}

// WithBlock 让某个 agent 阻塞直到 ctx 结束
func (m *MockAgent) WithBlock(agentID string) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocking[agentID] = true
	return m
}

// WithDelay 每次调用前等待 d
func (m *MockAgent) WithDelay(d time.Duration) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// OnCall 注册调用入口回调，在延迟与阻塞之前触发
func (m *MockAgent) OnCall(fn func(agentID string, key types.TurnKey)) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCall = fn
	return m
}

// Reply 生成 agent 在 key 对应回合的发言
func (m *MockAgent) Reply(ctx context.Context, agentID string, key types.TurnKey) (string, error) {
	m.mu.Lock()
	hook := m.onCall
	delay := m.delay
	block := m.blocking[agentID]
	m.mu.Unlock()

	if hook != nil {
		hook(agentID, key)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return m.record(agentID, key, "", ctx.Err())
		}
	}
	if block {
		<-ctx.Done()
		return m.record(agentID, key, "", ctx.Err())
	}

	m.mu.Lock()
	err := m.errs[agentID]
	if err == nil && m.failures[agentID] > 0 {
		m.failures[agentID]--
		err = ErrMockFailure
	}
	content, ok := m.responses[agentID]
	m.mu.Unlock()

	if err != nil {
		return m.record(agentID, key, "", err)
	}
	if !ok {
		content = fmt.Sprintf("%s speaks in round %d", agentID, key.Round)
	}
	return m.record(agentID, key, content, nil)
}

func (m *MockAgent) record(agentID string, key types.TurnKey, content string, err error) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockAgentCall{AgentID: agentID, Key: key, Content: content, Err: err})
	return content, err
}

// Calls 返回所有调用记录
func (m *MockAgent) Calls() []MockAgentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAgentCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockAgent) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset 清空调用记录
func (m *MockAgent) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
