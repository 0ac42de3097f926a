package interjection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// Store 插话合并所需的存储接口
type Store interface {
	PutInterjection(ctx context.Context, ij *types.UserInterjection) error
	ListInterjections(ctx context.Context, conversationID string) ([]*types.UserInterjection, error)
	PutMessage(ctx context.Context, msg *types.Message) error
}

// Merger 插话合并器
// 每个会话维护一个按创建顺序排列的待处理队列，首次使用时从存储加载。
type Merger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	pending map[string][]*types.UserInterjection
}

// NewMerger 创建插话合并器
func NewMerger(store Store, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		store:   store,
		logger:  logger.With(zap.String("component", "interjection_merger")),
		now:     time.Now,
		newID:   uuid.NewString,
		pending: make(map[string][]*types.UserInterjection),
	}
}

// MessageID returns the message ID a merged interjection is stored under.
func MessageID(interjectionID string) string {
	return "ij-" + interjectionID
}

// Submit 保存一条未处理的插话并加入队列
func (m *Merger) Submit(ctx context.Context, conversationID, content string, afterRound int) (*types.UserInterjection, error) {
	content = strings.TrimSpace(content)
	switch {
	case conversationID == "":
		return nil, types.NewInvalidInputError("conversation id is required")
	case content == "":
		return nil, types.NewInvalidInputError("interjection content is empty")
	case afterRound < 0:
		return nil, types.NewInvalidInputError("after round must not be negative, got %d", afterRound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hydrate(ctx, conversationID); err != nil {
		return nil, err
	}

	ij := &types.UserInterjection{
		ID:             m.newID(),
		ConversationID: conversationID,
		Content:        content,
		AfterRound:     afterRound,
		CreatedAt:      m.now(),
	}
	if err := m.store.PutInterjection(ctx, ij); err != nil {
		return nil, fmt.Errorf("failed to save interjection: %w", err)
	}
	m.pending[conversationID] = append(m.pending[conversationID], ij)

	m.logger.Info("interjection submitted",
		zap.String("conversation_id", conversationID),
		zap.String("interjection_id", ij.ID),
		zap.Int("after_round", afterRound),
	)
	return ij.Clone(), nil
}

// Pending 返回待处理插话的副本（按创建顺序）
func (m *Merger) Pending(ctx context.Context, conversationID string) ([]*types.UserInterjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hydrate(ctx, conversationID); err != nil {
		return nil, err
	}
	queue := m.pending[conversationID]
	out := make([]*types.UserInterjection, len(queue))
	for i, ij := range queue {
		out[i] = ij.Clone()
	}
	return out, nil
}

// Merge turns every pending interjection with AfterRound < round into an
// interjection message, in creation order, and marks it processed. Messages
// take sequence numbers from nextSeq on. A failed merge leaves the rest of the
// queue pending; retrying rewrites the same message IDs.
func (m *Merger) Merge(ctx context.Context, conversationID string, round int, nextSeq int64) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hydrate(ctx, conversationID); err != nil {
		return nil, err
	}

	queue := m.pending[conversationID]
	var (
		merged []*types.Message
		kept   = queue[:0:0]
	)
	for i, ij := range queue {
		if ij.AfterRound >= round {
			kept = append(kept, ij)
			continue
		}

		now := m.now()
		msg := &types.Message{
			ID:             MessageID(ij.ID),
			ConversationID: conversationID,
			Round:          round,
			Seq:            nextSeq,
			Type:           types.MessageInterjection,
			Content:        ij.Content,
			CreatedAt:      now,
		}
		if err := m.store.PutMessage(ctx, msg); err != nil {
			m.pending[conversationID] = append(kept, queue[i:]...)
			return merged, fmt.Errorf("failed to save interjection message: %w", err)
		}

		done := ij.Clone()
		done.Processed = true
		done.ProcessedAt = &now
		done.MessageID = msg.ID
		if err := m.store.PutInterjection(ctx, done); err != nil {
			m.pending[conversationID] = append(kept, queue[i:]...)
			return merged, fmt.Errorf("failed to mark interjection processed: %w", err)
		}

		nextSeq++
		merged = append(merged, msg)
		m.logger.Debug("interjection merged",
			zap.String("conversation_id", conversationID),
			zap.String("interjection_id", ij.ID),
			zap.Int("after_round", ij.AfterRound),
			zap.Int("round", round),
		)
	}
	m.pending[conversationID] = kept
	return merged, nil
}

// Forget 丢弃会话的内存队列（会话删除后调用）
func (m *Merger) Forget(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, conversationID)
}

// hydrate loads unprocessed interjections once per conversation. Callers hold mu.
func (m *Merger) hydrate(ctx context.Context, conversationID string) error {
	if _, ok := m.pending[conversationID]; ok {
		return nil
	}
	all, err := m.store.ListInterjections(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load interjections: %w", err)
	}
	queue := make([]*types.UserInterjection, 0, len(all))
	for _, ij := range all {
		if !ij.Processed {
			queue = append(queue, ij)
		}
	}
	m.pending[conversationID] = queue
	return nil
}
