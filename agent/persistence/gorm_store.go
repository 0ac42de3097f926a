package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/roundtable/internal/database"
	"github.com/BaSui01/roundtable/types"
)

// GormStore is a SQL implementation of Store on top of GORM.
// Works with the postgres, mysql and sqlite dialects.
type GormStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormStore creates a SQL-backed store. Call Migrate first on a fresh schema.
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "gorm_store")),
	}
}

// Migrate creates or updates the store tables.
func Migrate(ctx context.Context, pool *database.PoolManager) error {
	return pool.AutoMigrate(ctx, Models()...)
}

// Close closes the underlying pool
func (s *GormStore) Close() error {
	return s.pool.Close()
}

// Ping checks if the store is healthy
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func mapGormError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func upsert(db *gorm.DB, value any) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// PutConversation upserts a conversation
func (s *GormStore) PutConversation(ctx context.Context, conv *types.Conversation) error {
	if conv == nil || conv.ID == "" {
		return ErrInvalidInput
	}
	return upsert(s.db(ctx), newConversationRecord(conv))
}

// GetConversation retrieves a conversation
func (s *GormStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var rec conversationRecord
	if err := s.db(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, mapGormError(err)
	}
	return rec.toType(), nil
}

// UpdateConversation locks the row, applies mutate and saves it in one
// transaction. SQLite serializes writers itself and has no row locks.
func (s *GormStore) UpdateConversation(ctx context.Context, id string, mutate ConversationMutator) (*types.Conversation, error) {
	var out *types.Conversation
	err := s.pool.WithTransactionRetry(ctx, func(tx *gorm.DB) error {
		q := tx
		if s.pool.Dialect() != database.DriverSQLite {
			q = q.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
		}
		var rec conversationRecord
		if err := q.Where("id = ?", id).First(&rec).Error; err != nil {
			return mapGormError(err)
		}
		conv := rec.toType()
		if err := mutate(conv); err != nil {
			return err
		}
		conv.ID = id
		if err := tx.Save(newConversationRecord(conv)).Error; err != nil {
			return err
		}
		out = conv
		return nil
	})
	return out, err
}

// ListConversations lists every conversation
func (s *GormStore) ListConversations(ctx context.Context) ([]*types.Conversation, error) {
	var recs []conversationRecord
	if err := s.db(ctx).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Conversation, len(recs))
	for i := range recs {
		out[i] = recs[i].toType()
	}
	return out, nil
}

// DeleteConversation removes the conversation and all owned rows in one transaction
func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return s.pool.WithTransactionRetry(ctx, func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&conversationRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		owned := []any{
			&agentRecord{}, &turnRecord{}, &messageRecord{},
			&interjectionRecord{}, &memoryRecord{}, &snapshotRecord{},
		}
		for _, model := range owned {
			if err := tx.Where("conversation_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("cascade delete %T: %w", model, err)
			}
		}
		s.logger.Debug("conversation deleted", zap.String("conversation_id", id))
		return nil
	})
}

// PutAgent upserts an agent
func (s *GormStore) PutAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil || agent.ID == "" || agent.ConversationID == "" {
		return ErrInvalidInput
	}
	return upsert(s.db(ctx), newAgentRecord(agent))
}

// GetAgent retrieves an agent
func (s *GormStore) GetAgent(ctx context.Context, conversationID, agentID string) (*types.Agent, error) {
	var rec agentRecord
	err := s.db(ctx).Where("conversation_id = ? AND id = ?", conversationID, agentID).First(&rec).Error
	if err != nil {
		return nil, mapGormError(err)
	}
	return rec.toType(), nil
}

// ListAgents lists agents ordered by Order
func (s *GormStore) ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error) {
	var recs []agentRecord
	err := s.db(ctx).Where("conversation_id = ?", conversationID).
		Order("sort_order ASC, id ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Agent, len(recs))
	for i := range recs {
		out[i] = recs[i].toType()
	}
	return out, nil
}

// ReplaceAgents swaps the roster in one transaction
func (s *GormStore) ReplaceAgents(ctx context.Context, conversationID string, agents []*types.Agent) error {
	recs := make([]*agentRecord, 0, len(agents))
	for _, a := range agents {
		if a == nil || a.ID == "" || a.ConversationID != conversationID {
			return ErrInvalidInput
		}
		recs = append(recs, newAgentRecord(a))
	}
	return s.pool.WithTransactionRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&agentRecord{}).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		return tx.Create(&recs).Error
	})
}

// DeleteAgent removes an agent
func (s *GormStore) DeleteAgent(ctx context.Context, conversationID, agentID string) error {
	res := s.db(ctx).Where("conversation_id = ? AND id = ?", conversationID, agentID).Delete(&agentRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PutTurn upserts a turn on its composite key
func (s *GormStore) PutTurn(ctx context.Context, turn *types.Turn) error {
	if turn == nil || !validKey(turn.Key) {
		return ErrInvalidInput
	}
	return upsert(s.db(ctx), newTurnRecord(turn))
}

// GetTurn retrieves a turn
func (s *GormStore) GetTurn(ctx context.Context, key types.TurnKey) (*types.Turn, error) {
	var rec turnRecord
	err := s.db(ctx).
		Where("conversation_id = ? AND round = ? AND sequence = ?", key.ConversationID, key.Round, key.Sequence).
		First(&rec).Error
	if err != nil {
		return nil, mapGormError(err)
	}
	return rec.toType(), nil
}

// ListTurns lists turns ordered by round and sequence
func (s *GormStore) ListTurns(ctx context.Context, conversationID string) ([]*types.Turn, error) {
	return s.listTurns(s.db(ctx).Where("conversation_id = ?", conversationID))
}

// ListTurnsByRound lists the turns of one round
func (s *GormStore) ListTurnsByRound(ctx context.Context, conversationID string, round int) ([]*types.Turn, error) {
	return s.listTurns(s.db(ctx).Where("conversation_id = ? AND round = ?", conversationID, round))
}

func (s *GormStore) listTurns(q *gorm.DB) ([]*types.Turn, error) {
	var recs []turnRecord
	if err := q.Order("round ASC, sequence ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Turn, len(recs))
	for i := range recs {
		out[i] = recs[i].toType()
	}
	return out, nil
}

// PutMessage upserts a message
func (s *GormStore) PutMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return ErrInvalidInput
	}
	return upsert(s.db(ctx), newMessageRecord(msg))
}

// GetMessage retrieves a message
func (s *GormStore) GetMessage(ctx context.Context, conversationID, id string) (*types.Message, error) {
	var rec messageRecord
	err := s.db(ctx).Where("conversation_id = ? AND id = ?", conversationID, id).First(&rec).Error
	if err != nil {
		return nil, mapGormError(err)
	}
	return rec.toType(), nil
}

// ListMessages lists messages ordered by Seq
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	return s.listMessages(s.db(ctx).Where("conversation_id = ?", conversationID))
}

// ListMessagesByRound lists the messages of one round
func (s *GormStore) ListMessagesByRound(ctx context.Context, conversationID string, round int) ([]*types.Message, error) {
	return s.listMessages(s.db(ctx).Where("conversation_id = ? AND round = ?", conversationID, round))
}

func (s *GormStore) listMessages(q *gorm.DB) ([]*types.Message, error) {
	var recs []messageRecord
	if err := q.Order("seq ASC, created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Message, len(recs))
	for i := range recs {
		out[i] = recs[i].toType()
	}
	return out, nil
}

// AdjustMessageWeight applies a reaction delta in one statement
func (s *GormStore) AdjustMessageWeight(ctx context.Context, conversationID, id string, delta int) (*types.Message, error) {
	var out *types.Message
	err := s.pool.WithTransactionRetry(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&messageRecord{}).
			Where("conversation_id = ? AND id = ?", conversationID, id).
			UpdateColumn("weight", gorm.Expr("weight + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var rec messageRecord
		if err := tx.Where("conversation_id = ? AND id = ?", conversationID, id).First(&rec).Error; err != nil {
			return mapGormError(err)
		}
		out = rec.toType()
		return nil
	})
	return out, err
}

// PutInterjection upserts an interjection
func (s *GormStore) PutInterjection(ctx context.Context, ij *types.UserInterjection) error {
	if ij == nil || ij.ID == "" || ij.ConversationID == "" {
		return ErrInvalidInput
	}
	return upsert(s.db(ctx), newInterjectionRecord(ij))
}

// ListInterjections lists interjections in creation order
func (s *GormStore) ListInterjections(ctx context.Context, conversationID string) ([]*types.UserInterjection, error) {
	var recs []interjectionRecord
	err := s.db(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.UserInterjection, len(recs))
	for i := range recs {
		out[i] = recs[i].toType()
	}
	return out, nil
}

// GetDistilledMemory retrieves the distilled memory
func (s *GormStore) GetDistilledMemory(ctx context.Context, conversationID string) (*types.DistilledMemory, error) {
	var rec memoryRecord
	if err := s.db(ctx).Where("conversation_id = ?", conversationID).First(&rec).Error; err != nil {
		return nil, mapGormError(err)
	}
	return &types.DistilledMemory{
		ConversationID:     rec.ConversationID,
		LastDistilledRound: rec.LastDistilledRound,
		Summary:            rec.Summary,
		UpdatedAt:          rec.UpdatedAt,
	}, nil
}

// PutDistilledMemory upserts the distilled memory
func (s *GormStore) PutDistilledMemory(ctx context.Context, mem *types.DistilledMemory) error {
	if mem == nil || mem.ConversationID == "" {
		return ErrInvalidInput
	}
	return upsert(s.db(ctx), &memoryRecord{
		ConversationID:     mem.ConversationID,
		LastDistilledRound: mem.LastDistilledRound,
		Summary:            mem.Summary,
		UpdatedAt:          mem.UpdatedAt,
	})
}

// PutSnapshot inserts a snapshot; an existing key is left untouched
func (s *GormStore) PutSnapshot(ctx context.Context, snap *types.ContextSnapshot) error {
	if snap == nil || !validKey(snap.TurnKey) {
		return ErrInvalidInput
	}
	rec, err := newSnapshotRecord(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot message ids: %w", err)
	}
	res := s.db(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetSnapshot retrieves a snapshot
func (s *GormStore) GetSnapshot(ctx context.Context, key types.TurnKey) (*types.ContextSnapshot, error) {
	var rec snapshotRecord
	err := s.db(ctx).
		Where("conversation_id = ? AND round = ? AND sequence = ?", key.ConversationID, key.Round, key.Sequence).
		First(&rec).Error
	if err != nil {
		return nil, mapGormError(err)
	}
	return rec.toType()
}

// ListSnapshots lists snapshots ordered by turn key
func (s *GormStore) ListSnapshots(ctx context.Context, conversationID string) ([]*types.ContextSnapshot, error) {
	var recs []snapshotRecord
	err := s.db(ctx).Where("conversation_id = ?", conversationID).
		Order("round ASC, sequence ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.ContextSnapshot, 0, len(recs))
	for i := range recs {
		snap, err := recs[i].toType()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
