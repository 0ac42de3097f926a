package types

import (
	"sort"
	"time"
)

// MessageType classifies messages in the turn stream.
type MessageType string

const (
	MessageAgent        MessageType = "agent"
	MessageInterjection MessageType = "interjection"
	MessageSystem       MessageType = "system"
)

// Message is produced by a completed turn or a merged interjection.
// Only Weight changes after creation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	TurnKey        *TurnKey    `json:"turn_key,omitempty"`
	AgentID        string      `json:"agent_id,omitempty"`
	Round          int         `json:"round"`
	Seq            int64       `json:"seq"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Weight         int         `json:"weight"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.TurnKey != nil {
		k := *m.TurnKey
		cp.TurnKey = &k
	}
	return &cp
}

// SortMessages orders messages by Seq, then creation time.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Seq != msgs[j].Seq {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// UserInterjection is user content queued for a round boundary.
// Interjections are marked processed, never deleted.
type UserInterjection struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Content        string     `json:"content"`
	AfterRound     int        `json:"after_round"`
	Processed      bool       `json:"processed"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Clone returns a deep copy of the interjection.
func (u *UserInterjection) Clone() *UserInterjection {
	if u == nil {
		return nil
	}
	cp := *u
	if u.ProcessedAt != nil {
		p := *u.ProcessedAt
		cp.ProcessedAt = &p
	}
	return &cp
}

// NoDistillation is the watermark of a conversation that was never distilled.
const NoDistillation = -1

// DistilledMemory is the running summary of distilled rounds.
type DistilledMemory struct {
	ConversationID     string    `json:"conversation_id"`
	LastDistilledRound int       `json:"last_distilled_round"`
	Summary            string    `json:"summary"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// EmptyMemory returns the memory of a conversation with no distillation yet.
func EmptyMemory(conversationID string) *DistilledMemory {
	return &DistilledMemory{ConversationID: conversationID, LastDistilledRound: NoDistillation}
}

// ContextSnapshot records what an agent saw for one turn. Write-once.
type ContextSnapshot struct {
	TurnKey            TurnKey   `json:"turn_key"`
	Summary            string    `json:"summary"`
	LastDistilledRound int       `json:"last_distilled_round"`
	MessageIDs         []string  `json:"message_ids"`
	EstimatedTokens    int       `json:"estimated_tokens"`
	Distilled          bool      `json:"distilled"`
	Degraded           bool      `json:"degraded"`
	CreatedAt          time.Time `json:"created_at"`
}
