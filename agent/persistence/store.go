package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
)

// RetryConfig defines retry behavior for scheduling-state reads and writes
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (default: 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the initial backoff duration (default: 100ms)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 2s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration: 100ms/200ms/400ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	// Retry configuration
	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "roundtable:",
		},
		Retry: DefaultRetryConfig(),
	}
}

// ConversationStore persists conversations. DeleteConversation cascades
// to every entity owned by the conversation.
type ConversationStore interface {
	PutConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	ListConversations(ctx context.Context) ([]*types.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	// UpdateConversation re-reads the row, applies mutate and writes it back
	// atomically. Writers that own different fields must not overwrite each
	// other. An error from mutate aborts the write and is returned as is.
	UpdateConversation(ctx context.Context, id string, mutate ConversationMutator) (*types.Conversation, error)
}

// ConversationMutator changes the fields of a freshly read conversation.
type ConversationMutator func(conv *types.Conversation) error

// AgentStore persists agents. Lists are ordered by Order, then ID.
type AgentStore interface {
	PutAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, conversationID, agentID string) (*types.Agent, error)
	ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error)
	// ReplaceAgents atomically swaps the full roster of a conversation.
	ReplaceAgents(ctx context.Context, conversationID string, agents []*types.Agent) error
	DeleteAgent(ctx context.Context, conversationID, agentID string) error
}

// TurnStore persists turns under their composite key. PutTurn is an upsert.
type TurnStore interface {
	PutTurn(ctx context.Context, turn *types.Turn) error
	GetTurn(ctx context.Context, key types.TurnKey) (*types.Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]*types.Turn, error)
	ListTurnsByRound(ctx context.Context, conversationID string, round int) ([]*types.Turn, error)
}

// MessageStore persists messages. Lists are ordered by Seq.
type MessageStore interface {
	PutMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, conversationID, id string) (*types.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error)
	ListMessagesByRound(ctx context.Context, conversationID string, round int) ([]*types.Message, error)
	// AdjustMessageWeight applies a reaction delta and returns the updated message.
	AdjustMessageWeight(ctx context.Context, conversationID, id string, delta int) (*types.Message, error)
}

// InterjectionStore persists user interjections in creation order.
type InterjectionStore interface {
	PutInterjection(ctx context.Context, ij *types.UserInterjection) error
	ListInterjections(ctx context.Context, conversationID string) ([]*types.UserInterjection, error)
}

// DistilledMemoryStore persists the distilled memory of a conversation.
type DistilledMemoryStore interface {
	GetDistilledMemory(ctx context.Context, conversationID string) (*types.DistilledMemory, error)
	PutDistilledMemory(ctx context.Context, mem *types.DistilledMemory) error
}

// SnapshotStore persists write-once context snapshots.
// PutSnapshot returns ErrAlreadyExists for a key that was already written.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snap *types.ContextSnapshot) error
	GetSnapshot(ctx context.Context, key types.TurnKey) (*types.ContextSnapshot, error)
	ListSnapshots(ctx context.Context, conversationID string) ([]*types.ContextSnapshot, error)
}

// Store is the durable store used by the orchestrator.
type Store interface {
	ConversationStore
	AgentStore
	TurnStore
	MessageStore
	InterjectionStore
	DistilledMemoryStore
	SnapshotStore

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

func sortAgents(agents []*types.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].Order != agents[j].Order {
			return agents[i].Order < agents[j].Order
		}
		return agents[i].ID < agents[j].ID
	})
}

func sortTurns(turns []*types.Turn) {
	sort.Slice(turns, func(i, j int) bool {
		if turns[i].Key.Round != turns[j].Key.Round {
			return turns[i].Key.Round < turns[j].Key.Round
		}
		return turns[i].Key.Sequence < turns[j].Key.Sequence
	})
}

func sortInterjections(ijs []*types.UserInterjection) {
	sort.SliceStable(ijs, func(i, j int) bool {
		if !ijs[i].CreatedAt.Equal(ijs[j].CreatedAt) {
			return ijs[i].CreatedAt.Before(ijs[j].CreatedAt)
		}
		return ijs[i].ID < ijs[j].ID
	})
}

func sortSnapshots(snaps []*types.ContextSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].TurnKey.Round != snaps[j].TurnKey.Round {
			return snaps[i].TurnKey.Round < snaps[j].TurnKey.Round
		}
		return snaps[i].TurnKey.Sequence < snaps[j].TurnKey.Sequence
	})
}

func validKey(k types.TurnKey) bool {
	return k.ConversationID != "" && k.Round >= 0 && k.Sequence >= 0
}

func cloneSnapshot(s *types.ContextSnapshot) *types.ContextSnapshot {
	cp := *s
	cp.MessageIDs = append([]string(nil), s.MessageIDs...)
	return &cp
}

func sortConversations(convs []*types.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.Before(convs[j].CreatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}
