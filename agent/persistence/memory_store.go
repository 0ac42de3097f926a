package persistence

import (
	"context"
	"sync"

	"github.com/BaSui01/roundtable/types"
)

type memoryConversation struct {
	conv          *types.Conversation
	agents        map[string]*types.Agent
	turns         map[types.TurnKey]*types.Turn
	messages      map[string]*types.Message
	interjections map[string]*types.UserInterjection
	memory        *types.DistilledMemory
	snapshots     map[types.TurnKey]*types.ContextSnapshot
}

func newMemoryConversation() *memoryConversation {
	return &memoryConversation{
		agents:        make(map[string]*types.Agent),
		turns:         make(map[types.TurnKey]*types.Turn),
		messages:      make(map[string]*types.Message),
		interjections: make(map[string]*types.UserInterjection),
		snapshots:     make(map[types.TurnKey]*types.ContextSnapshot),
	}
}

// MemoryStore 是 Store 的内存实现.
// 适合开发和测试。数据在重新启动时丢失。
// 所有读写都返回副本，调用方不能修改内部状态。
type MemoryStore struct {
	data   map[string]*memoryConversation
	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*memoryConversation)}
}

// Close 关闭存储
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping 检查存储是否健康
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// write returns the bucket for id, creating it. Callers hold the write lock.
func (s *MemoryStore) write(id string) (*memoryConversation, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	c, ok := s.data[id]
	if !ok {
		c = newMemoryConversation()
		s.data[id] = c
	}
	return c, nil
}

// read returns the bucket for id or nil. Callers hold the read lock.
func (s *MemoryStore) read(id string) (*memoryConversation, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.data[id], nil
}

// PutConversation 保存会话
func (s *MemoryStore) PutConversation(ctx context.Context, conv *types.Conversation) error {
	if conv == nil || conv.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(conv.ID)
	if err != nil {
		return err
	}
	c.conv = conv.Clone()
	return nil
}

// GetConversation 获取会话
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.conv == nil {
		return nil, ErrNotFound
	}
	return c.conv.Clone(), nil
}

// UpdateConversation 在写锁内读取、修改并保存会话
func (s *MemoryStore) UpdateConversation(ctx context.Context, id string, mutate ConversationMutator) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	c, ok := s.data[id]
	if !ok || c.conv == nil {
		return nil, ErrNotFound
	}
	conv := c.conv.Clone()
	if err := mutate(conv); err != nil {
		return nil, err
	}
	conv.ID = id
	c.conv = conv.Clone()
	return conv, nil
}

// ListConversations 列出全部会话
func (s *MemoryStore) ListConversations(ctx context.Context) ([]*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*types.Conversation, 0, len(s.data))
	for _, c := range s.data {
		if c.conv != nil {
			out = append(out, c.conv.Clone())
		}
	}
	sortConversations(out)
	return out, nil
}

// DeleteConversation 删除会话及其全部从属数据
func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	c, ok := s.data[id]
	if !ok || c.conv == nil {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

// PutAgent 保存智能体
func (s *MemoryStore) PutAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil || agent.ID == "" || agent.ConversationID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(agent.ConversationID)
	if err != nil {
		return err
	}
	c.agents[agent.ID] = agent.Clone()
	return nil
}

// GetAgent 获取智能体
func (s *MemoryStore) GetAgent(ctx context.Context, conversationID, agentID string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	a, ok := c.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// ListAgents 按顺序列出智能体
func (s *MemoryStore) ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil || c == nil {
		return nil, err
	}
	out := make([]*types.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.Clone())
	}
	sortAgents(out)
	return out, nil
}

// ReplaceAgents 原子替换整个名单
func (s *MemoryStore) ReplaceAgents(ctx context.Context, conversationID string, agents []*types.Agent) error {
	for _, a := range agents {
		if a == nil || a.ID == "" || a.ConversationID != conversationID {
			return ErrInvalidInput
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(conversationID)
	if err != nil {
		return err
	}
	next := make(map[string]*types.Agent, len(agents))
	for _, a := range agents {
		next[a.ID] = a.Clone()
	}
	c.agents = next
	return nil
}

// DeleteAgent 删除智能体
func (s *MemoryStore) DeleteAgent(ctx context.Context, conversationID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.read(conversationID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	if _, ok := c.agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(c.agents, agentID)
	return nil
}

// PutTurn 按复合键写入回合
func (s *MemoryStore) PutTurn(ctx context.Context, turn *types.Turn) error {
	if turn == nil || !validKey(turn.Key) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(turn.Key.ConversationID)
	if err != nil {
		return err
	}
	c.turns[turn.Key] = turn.Clone()
	return nil
}

// GetTurn 获取回合
func (s *MemoryStore) GetTurn(ctx context.Context, key types.TurnKey) (*types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(key.ConversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	t, ok := c.turns[key]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListTurns 列出会话全部回合
func (s *MemoryStore) ListTurns(ctx context.Context, conversationID string) ([]*types.Turn, error) {
	return s.listTurns(conversationID, func(*types.Turn) bool { return true })
}

// ListTurnsByRound 列出某一轮的回合
func (s *MemoryStore) ListTurnsByRound(ctx context.Context, conversationID string, round int) ([]*types.Turn, error) {
	return s.listTurns(conversationID, func(t *types.Turn) bool { return t.Key.Round == round })
}

func (s *MemoryStore) listTurns(conversationID string, keep func(*types.Turn) bool) ([]*types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil || c == nil {
		return nil, err
	}
	out := make([]*types.Turn, 0, len(c.turns))
	for _, t := range c.turns {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sortTurns(out)
	return out, nil
}

// PutMessage 保存消息
func (s *MemoryStore) PutMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(msg.ConversationID)
	if err != nil {
		return err
	}
	c.messages[msg.ID] = msg.Clone()
	return nil
}

// GetMessage 获取消息
func (s *MemoryStore) GetMessage(ctx context.Context, conversationID, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	m, ok := c.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// ListMessages 按 Seq 列出消息
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	return s.listMessages(conversationID, func(*types.Message) bool { return true })
}

// ListMessagesByRound 列出某一轮的消息
func (s *MemoryStore) ListMessagesByRound(ctx context.Context, conversationID string, round int) ([]*types.Message, error) {
	return s.listMessages(conversationID, func(m *types.Message) bool { return m.Round == round })
}

func (s *MemoryStore) listMessages(conversationID string, keep func(*types.Message) bool) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil || c == nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	types.SortMessages(out)
	return out, nil
}

// AdjustMessageWeight 应用反应增量
func (s *MemoryStore) AdjustMessageWeight(ctx context.Context, conversationID, id string, delta int) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.read(conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	m, ok := c.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Weight += delta
	return m.Clone(), nil
}

// PutInterjection 保存用户插话
func (s *MemoryStore) PutInterjection(ctx context.Context, ij *types.UserInterjection) error {
	if ij == nil || ij.ID == "" || ij.ConversationID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(ij.ConversationID)
	if err != nil {
		return err
	}
	c.interjections[ij.ID] = ij.Clone()
	return nil
}

// ListInterjections 按创建顺序列出插话
func (s *MemoryStore) ListInterjections(ctx context.Context, conversationID string) ([]*types.UserInterjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil || c == nil {
		return nil, err
	}
	out := make([]*types.UserInterjection, 0, len(c.interjections))
	for _, ij := range c.interjections {
		out = append(out, ij.Clone())
	}
	sortInterjections(out)
	return out, nil
}

// GetDistilledMemory 获取蒸馏记忆
func (s *MemoryStore) GetDistilledMemory(ctx context.Context, conversationID string) (*types.DistilledMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil || c.memory == nil {
		return nil, ErrNotFound
	}
	cp := *c.memory
	return &cp, nil
}

// PutDistilledMemory 保存蒸馏记忆
func (s *MemoryStore) PutDistilledMemory(ctx context.Context, mem *types.DistilledMemory) error {
	if mem == nil || mem.ConversationID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(mem.ConversationID)
	if err != nil {
		return err
	}
	cp := *mem
	c.memory = &cp
	return nil
}

// PutSnapshot 写入上下文快照（只写一次）
func (s *MemoryStore) PutSnapshot(ctx context.Context, snap *types.ContextSnapshot) error {
	if snap == nil || !validKey(snap.TurnKey) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.write(snap.TurnKey.ConversationID)
	if err != nil {
		return err
	}
	if _, ok := c.snapshots[snap.TurnKey]; ok {
		return ErrAlreadyExists
	}
	c.snapshots[snap.TurnKey] = cloneSnapshot(snap)
	return nil
}

// GetSnapshot 获取上下文快照
func (s *MemoryStore) GetSnapshot(ctx context.Context, key types.TurnKey) (*types.ContextSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(key.ConversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	snap, ok := c.snapshots[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

// ListSnapshots 列出会话全部快照
func (s *MemoryStore) ListSnapshots(ctx context.Context, conversationID string) ([]*types.ContextSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.read(conversationID)
	if err != nil || c == nil {
		return nil, err
	}
	out := make([]*types.ContextSnapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, cloneSnapshot(snap))
	}
	sortSnapshots(out)
	return out, nil
}
