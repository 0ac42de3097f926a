package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/roundtable/types"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments.
//
// Every entity is a JSON blob. Per-conversation hashes hold agents, turns
// (field "round:seq"), messages, interjections and snapshots; sorted sets
// index messages by Seq and interjections by creation time.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-based store
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, config.Redis.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "roundtable:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) conversationsKey() string         { return s.keyPrefix + "conversations" }
func (s *RedisStore) conversationKey(id string) string { return s.keyPrefix + "conv:" + id }
func (s *RedisStore) agentsKey(id string) string       { return s.keyPrefix + "agents:" + id }
func (s *RedisStore) turnsKey(id string) string        { return s.keyPrefix + "turns:" + id }
func (s *RedisStore) messagesKey(id string) string     { return s.keyPrefix + "msgs:" + id }
func (s *RedisStore) messageIndexKey(id string) string { return s.keyPrefix + "msgidx:" + id }
func (s *RedisStore) interjectionsKey(id string) string {
	return s.keyPrefix + "ij:" + id
}
func (s *RedisStore) interjectionIndexKey(id string) string {
	return s.keyPrefix + "ijidx:" + id
}
func (s *RedisStore) memoryKey(id string) string    { return s.keyPrefix + "mem:" + id }
func (s *RedisStore) snapshotsKey(id string) string { return s.keyPrefix + "snaps:" + id }

func (s *RedisStore) ownedKeys(id string) []string {
	return []string{
		s.conversationKey(id),
		s.agentsKey(id),
		s.turnsKey(id),
		s.messagesKey(id),
		s.messageIndexKey(id),
		s.interjectionsKey(id),
		s.interjectionIndexKey(id),
		s.memoryKey(id),
		s.snapshotsKey(id),
	}
}

func turnField(k types.TurnKey) string {
	return strconv.Itoa(k.Round) + ":" + strconv.Itoa(k.Sequence)
}

func turnFieldRound(field string) (int, bool) {
	r, _, ok := strings.Cut(field, ":")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(r)
	return n, err == nil
}

func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

// PutConversation stores a conversation
func (s *RedisStore) PutConversation(ctx context.Context, conv *types.Conversation) error {
	if conv == nil || conv.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.conversationKey(conv.ID), data, 0)
	pipe.SAdd(ctx, s.conversationsKey(), conv.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetConversation retrieves a conversation
func (s *RedisStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	data, err := s.client.Get(ctx, s.conversationKey(id)).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	var conv types.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// UpdateConversation applies mutate under WATCH on the conversation key
func (s *RedisStore) UpdateConversation(ctx context.Context, id string, mutate ConversationMutator) (*types.Conversation, error) {
	key := s.conversationKey(id)
	var conv *types.Conversation

	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return notFound(err)
		}
		conv = &types.Conversation{}
		if err := json.Unmarshal(data, conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		if err := mutate(conv); err != nil {
			return err
		}
		conv.ID = id
		out, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations lists every conversation
func (s *RedisStore) ListConversations(ctx context.Context) ([]*types.Conversation, error) {
	ids, err := s.client.SMembers(ctx, s.conversationsKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.conversationKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*types.Conversation, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var conv types.Conversation
		if err := json.Unmarshal([]byte(str), &conv); err != nil {
			continue
		}
		out = append(out, &conv)
	}
	sortConversations(out)
	return out, nil
}

// DeleteConversation removes the conversation and all owned keys in one MULTI
func (s *RedisStore) DeleteConversation(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.conversationKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.ownedKeys(id)...)
		pipe.SRem(ctx, s.conversationsKey(), id)
		return nil
	})
	return err
}

// PutAgent stores an agent
func (s *RedisStore) PutAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil || agent.ID == "" || agent.ConversationID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	return s.client.HSet(ctx, s.agentsKey(agent.ConversationID), agent.ID, data).Err()
}

// GetAgent retrieves an agent
func (s *RedisStore) GetAgent(ctx context.Context, conversationID, agentID string) (*types.Agent, error) {
	data, err := s.client.HGet(ctx, s.agentsKey(conversationID), agentID).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	var a types.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &a, nil
}

// ListAgents lists agents ordered by Order
func (s *RedisStore) ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error) {
	out, err := hashValues[types.Agent](ctx, s.client, s.agentsKey(conversationID), nil)
	if err != nil {
		return nil, err
	}
	sortAgents(out)
	return out, nil
}

// ReplaceAgents swaps the roster in one MULTI
func (s *RedisStore) ReplaceAgents(ctx context.Context, conversationID string, agents []*types.Agent) error {
	values := make([]any, 0, len(agents)*2)
	for _, a := range agents {
		if a == nil || a.ID == "" || a.ConversationID != conversationID {
			return ErrInvalidInput
		}
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal agent: %w", err)
		}
		values = append(values, a.ID, data)
	}

	key := s.agentsKey(conversationID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		return nil
	})
	return err
}

// DeleteAgent removes an agent
func (s *RedisStore) DeleteAgent(ctx context.Context, conversationID, agentID string) error {
	n, err := s.client.HDel(ctx, s.agentsKey(conversationID), agentID).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutTurn upserts a turn under its composite key
func (s *RedisStore) PutTurn(ctx context.Context, turn *types.Turn) error {
	if turn == nil || !validKey(turn.Key) {
		return ErrInvalidInput
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	return s.client.HSet(ctx, s.turnsKey(turn.Key.ConversationID), turnField(turn.Key), data).Err()
}

// GetTurn retrieves a turn
func (s *RedisStore) GetTurn(ctx context.Context, key types.TurnKey) (*types.Turn, error) {
	data, err := s.client.HGet(ctx, s.turnsKey(key.ConversationID), turnField(key)).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	var t types.Turn
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
	}
	return &t, nil
}

// ListTurns lists turns ordered by round and sequence
func (s *RedisStore) ListTurns(ctx context.Context, conversationID string) ([]*types.Turn, error) {
	out, err := hashValues[types.Turn](ctx, s.client, s.turnsKey(conversationID), nil)
	if err != nil {
		return nil, err
	}
	sortTurns(out)
	return out, nil
}

// ListTurnsByRound lists the turns of one round
func (s *RedisStore) ListTurnsByRound(ctx context.Context, conversationID string, round int) ([]*types.Turn, error) {
	out, err := hashValues[types.Turn](ctx, s.client, s.turnsKey(conversationID), func(field string) bool {
		r, ok := turnFieldRound(field)
		return ok && r == round
	})
	if err != nil {
		return nil, err
	}
	sortTurns(out)
	return out, nil
}

// PutMessage stores a message and indexes it by Seq
func (s *RedisStore) PutMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.messagesKey(msg.ConversationID), msg.ID, data)
	pipe.ZAdd(ctx, s.messageIndexKey(msg.ConversationID), redis.Z{
		Score:  float64(msg.Seq),
		Member: msg.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// GetMessage retrieves a message
func (s *RedisStore) GetMessage(ctx context.Context, conversationID, id string) (*types.Message, error) {
	data, err := s.client.HGet(ctx, s.messagesKey(conversationID), id).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	var m types.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

// ListMessages lists messages ordered by Seq
func (s *RedisStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	return s.listMessages(ctx, conversationID, func(*types.Message) bool { return true })
}

// ListMessagesByRound lists the messages of one round
func (s *RedisStore) ListMessagesByRound(ctx context.Context, conversationID string, round int) ([]*types.Message, error) {
	return s.listMessages(ctx, conversationID, func(m *types.Message) bool { return m.Round == round })
}

func (s *RedisStore) listMessages(ctx context.Context, conversationID string, keep func(*types.Message) bool) ([]*types.Message, error) {
	ids, err := s.client.ZRange(ctx, s.messageIndexKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, s.messagesKey(conversationID), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*types.Message, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m types.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			continue
		}
		if keep(&m) {
			out = append(out, &m)
		}
	}
	types.SortMessages(out)
	return out, nil
}

// AdjustMessageWeight applies a reaction delta under WATCH
func (s *RedisStore) AdjustMessageWeight(ctx context.Context, conversationID, id string, delta int) (*types.Message, error) {
	key := s.messagesKey(conversationID)
	var updated types.Message

	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, id).Bytes()
		if err != nil {
			return notFound(err)
		}
		updated = types.Message{}
		if err := json.Unmarshal(data, &updated); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		updated.Weight += delta
		out, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, out)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// watchAttempts bounds optimistic retries when a watched key changes.
const watchAttempts = 10

// watch runs fn under WATCH and reruns it while another client wins the race.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < watchAttempts; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// PutInterjection stores an interjection and indexes it by creation time
func (s *RedisStore) PutInterjection(ctx context.Context, ij *types.UserInterjection) error {
	if ij == nil || ij.ID == "" || ij.ConversationID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(ij)
	if err != nil {
		return fmt.Errorf("failed to marshal interjection: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.interjectionsKey(ij.ConversationID), ij.ID, data)
	// 微秒在 float64 中无精度损失；同分按成员（ID）字典序
	pipe.ZAdd(ctx, s.interjectionIndexKey(ij.ConversationID), redis.Z{
		Score:  float64(ij.CreatedAt.UnixMicro()),
		Member: ij.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// ListInterjections lists interjections in index order: creation time,
// then ID.
func (s *RedisStore) ListInterjections(ctx context.Context, conversationID string) ([]*types.UserInterjection, error) {
	ids, err := s.client.ZRange(ctx, s.interjectionIndexKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, s.interjectionsKey(conversationID), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*types.UserInterjection, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("interjection %s indexed but missing", ids[i])
		}
		var ij types.UserInterjection
		if err := json.Unmarshal([]byte(str), &ij); err != nil {
			return nil, fmt.Errorf("failed to unmarshal interjection: %w", err)
		}
		out = append(out, &ij)
	}
	return out, nil
}

// GetDistilledMemory retrieves the distilled memory
func (s *RedisStore) GetDistilledMemory(ctx context.Context, conversationID string) (*types.DistilledMemory, error) {
	data, err := s.client.Get(ctx, s.memoryKey(conversationID)).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	var mem types.DistilledMemory
	if err := json.Unmarshal(data, &mem); err != nil {
		return nil, fmt.Errorf("failed to unmarshal distilled memory: %w", err)
	}
	return &mem, nil
}

// PutDistilledMemory stores the distilled memory
func (s *RedisStore) PutDistilledMemory(ctx context.Context, mem *types.DistilledMemory) error {
	if mem == nil || mem.ConversationID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("failed to marshal distilled memory: %w", err)
	}
	return s.client.Set(ctx, s.memoryKey(mem.ConversationID), data, 0).Err()
}

// PutSnapshot writes a snapshot once via HSETNX
func (s *RedisStore) PutSnapshot(ctx context.Context, snap *types.ContextSnapshot) error {
	if snap == nil || !validKey(snap.TurnKey) {
		return ErrInvalidInput
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.snapshotsKey(snap.TurnKey.ConversationID), turnField(snap.TurnKey), data).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// GetSnapshot retrieves a snapshot
func (s *RedisStore) GetSnapshot(ctx context.Context, key types.TurnKey) (*types.ContextSnapshot, error) {
	data, err := s.client.HGet(ctx, s.snapshotsKey(key.ConversationID), turnField(key)).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	var snap types.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots lists snapshots ordered by turn key
func (s *RedisStore) ListSnapshots(ctx context.Context, conversationID string) ([]*types.ContextSnapshot, error) {
	out, err := hashValues[types.ContextSnapshot](ctx, s.client, s.snapshotsKey(conversationID), nil)
	if err != nil {
		return nil, err
	}
	sortSnapshots(out)
	return out, nil
}

// hashValues decodes every field of a hash, optionally filtered by field name.
func hashValues[T any](ctx context.Context, client *redis.Client, key string, keep func(field string) bool) ([]*T, error) {
	fields, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(fields))
	for field, raw := range fields {
		if keep != nil && !keep(field) {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s field %s: %w", key, field, err)
		}
		out = append(out, &v)
	}
	return out, nil
}
