package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

// ErrInjected 注入的存储故障
var ErrInjected = errors.New("injected store failure")

// Store operation names accepted by FlakyStore.Fail.
const (
	OpPutConversation = "PutConversation"
	OpGetConversation = "GetConversation"
	// OpUpdateConversation 的故障与暂停发生在委托给内部 Store 之前
	OpUpdateConversation = "UpdateConversation"
	OpListAgents         = "ListAgents"
	OpPutTurn            = "PutTurn"
	OpPutMessage         = "PutMessage"
	OpListMessages       = "ListMessages"
	OpPutSnapshot        = "PutSnapshot"
)

// FlakyStore 包装真实 Store，按操作注入故障
type FlakyStore struct {
	persistence.Store

	mu    sync.Mutex
	fails map[string]int // <0 表示一直失败
	hits  map[string]int
	holds map[string]*hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// NewFlakyStore 包装 inner
func NewFlakyStore(inner persistence.Store) *FlakyStore {
	return &FlakyStore{
		Store: inner,
		fails: make(map[string]int),
		hits:  make(map[string]int),
		holds: make(map[string]*hold),
	}
}

// Hold 让 op 的下一次调用在进入内部 Store 之前暂停。
// entered 在调用到达时关闭；调用 release 后继续执行。
func (s *FlakyStore) Hold(op string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[op] = h
	s.mu.Unlock()
	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

func (s *FlakyStore) wait(op string) {
	s.mu.Lock()
	h := s.holds[op]
	delete(s.holds, op)
	s.mu.Unlock()
	if h != nil {
		close(h.entered)
		<-h.release
	}
}

// Fail 让 op 接下来 n 次失败；n < 0 表示一直失败
func (s *FlakyStore) Fail(op string, n int) *FlakyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[op] = n
	return s
}

// Heal 清除所有注入的故障
func (s *FlakyStore) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = make(map[string]int)
}

// Injected 返回 op 已注入失败的次数
func (s *FlakyStore) Injected(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[op]
}

func (s *FlakyStore) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.fails[op]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		s.fails[op] = n - 1
	}
	s.hits[op]++
	return ErrInjected
}

func (s *FlakyStore) PutConversation(ctx context.Context, conv *types.Conversation) error {
	if err := s.check(OpPutConversation); err != nil {
		return err
	}
	return s.Store.PutConversation(ctx, conv)
}

func (s *FlakyStore) UpdateConversation(ctx context.Context, id string, mutate persistence.ConversationMutator) (*types.Conversation, error) {
	s.wait(OpUpdateConversation)
	if err := s.check(OpUpdateConversation); err != nil {
		return nil, err
	}
	return s.Store.UpdateConversation(ctx, id, mutate)
}

func (s *FlakyStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	if err := s.check(OpGetConversation); err != nil {
		return nil, err
	}
	return s.Store.GetConversation(ctx, id)
}

func (s *FlakyStore) ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error) {
	if err := s.check(OpListAgents); err != nil {
		return nil, err
	}
	return s.Store.ListAgents(ctx, conversationID)
}

func (s *FlakyStore) PutTurn(ctx context.Context, turn *types.Turn) error {
	if err := s.check(OpPutTurn); err != nil {
		return err
	}
	return s.Store.PutTurn(ctx, turn)
}

func (s *FlakyStore) PutMessage(ctx context.Context, msg *types.Message) error {
	if err := s.check(OpPutMessage); err != nil {
		return err
	}
	return s.Store.PutMessage(ctx, msg)
}

func (s *FlakyStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	if err := s.check(OpListMessages); err != nil {
		return nil, err
	}
	return s.Store.ListMessages(ctx, conversationID)
}

func (s *FlakyStore) PutSnapshot(ctx context.Context, snap *types.ContextSnapshot) error {
	if err := s.check(OpPutSnapshot); err != nil {
		return err
	}
	return s.Store.PutSnapshot(ctx, snap)
}
