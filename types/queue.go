package types

import "time"

// QueueStatus is an agent's position in the live turn queue.
type QueueStatus string

const (
	QueueCurrent   QueueStatus = "current"
	QueueNext      QueueStatus = "next"
	QueueWaiting   QueueStatus = "waiting"
	QueueCompleted QueueStatus = "completed"
)

// QueueEntry is one agent in a TurnQueueState.
type QueueEntry struct {
	AgentID string      `json:"agent_id"`
	Status  QueueStatus `json:"status"`
}

// TurnQueueState is a derived, immutable snapshot of the turn queue.
// It is never a source of truth; observers keep the latest one.
type TurnQueueState struct {
	ConversationID string       `json:"conversation_id"`
	Round          int          `json:"round"`
	CurrentIndex   int          `json:"current_index"` // -1 when nobody is speaking
	TotalAgents    int          `json:"total_agents"`
	Queue          []QueueEntry `json:"queue"`
	At             time.Time    `json:"at"`
}

// BuildQueueState lays out spoken agents first, then the current speaker,
// then the remaining roster in order.
func BuildQueueState(conversationID string, round int, spoken []string, current string, remaining []string, now time.Time) TurnQueueState {
	q := TurnQueueState{
		ConversationID: conversationID,
		Round:          round,
		CurrentIndex:   -1,
		Queue:          make([]QueueEntry, 0, len(spoken)+len(remaining)+1),
		At:             now,
	}
	for _, id := range spoken {
		q.Queue = append(q.Queue, QueueEntry{AgentID: id, Status: QueueCompleted})
	}
	if current != "" {
		q.CurrentIndex = len(q.Queue)
		q.Queue = append(q.Queue, QueueEntry{AgentID: current, Status: QueueCurrent})
	}
	for i, id := range remaining {
		status := QueueWaiting
		if i == 0 {
			status = QueueNext
		}
		q.Queue = append(q.Queue, QueueEntry{AgentID: id, Status: status})
	}
	q.TotalAgents = len(q.Queue)
	return q
}
