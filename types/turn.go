package types

import (
	"fmt"
	"time"
)

// TurnState is the lifecycle state of a single turn.
type TurnState string

const (
	TurnPlanned   TurnState = "planned"
	TurnRunning   TurnState = "running"
	TurnCompleted TurnState = "completed"
	TurnFailed    TurnState = "failed"
	TurnCancelled TurnState = "cancelled"
)

// TurnKey is the natural key of a turn. Exactly one turn exists per key,
// so deriving it twice for the same slot yields the same row.
type TurnKey struct {
	ConversationID string `json:"conversation_id"`
	Round          int    `json:"round"`
	Sequence       int    `json:"sequence"`
}

// String is for logs only; stores keep the three fields separate.
func (k TurnKey) String() string {
	return fmt.Sprintf("%s#r%d.s%d", k.ConversationID, k.Round, k.Sequence)
}

// IsZero reports whether the key is unset.
func (k TurnKey) IsZero() bool {
	return k.ConversationID == ""
}

// Turn is one agent's contribution within a round.
type Turn struct {
	Key       TurnKey    `json:"key"`
	AgentID   string     `json:"agent_id"`
	State     TurnState  `json:"state"`
	WordLimit int        `json:"word_limit"`
	Extended  bool       `json:"extended"`
	Draw      float64    `json:"draw"`
	MessageID string     `json:"message_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewTurn derives a planned turn for the slot.
func NewTurn(key TurnKey, agentID string, now time.Time) *Turn {
	return &Turn{
		Key:       key,
		AgentID:   agentID,
		State:     TurnPlanned,
		CreatedAt: now,
	}
}

// Clone returns a deep copy of the turn.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		cp.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		cp.EndedAt = &e
	}
	return &cp
}
