package persistence

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// Models returns every table model, for AutoMigrate.
func Models() []any {
	return []any{
		&conversationRecord{},
		&agentRecord{},
		&turnRecord{},
		&messageRecord{},
		&interjectionRecord{},
		&memoryRecord{},
		&snapshotRecord{},
	}
}

type conversationRecord struct {
	ID                     string    `gorm:"primaryKey;size:64"`
	Subject                string    `gorm:"type:text"`
	Goal                   string    `gorm:"type:text"`
	Mode                   string    `gorm:"size:32"`
	Status                 string    `gorm:"size:16;index"`
	StatusReason           string    `gorm:"type:text"`
	CurrentRound           int       `gorm:"not null;default:0"`
	SpeedMs                int       `gorm:"not null;default:0"`
	MaxRounds              int       `gorm:"not null;default:0"`
	MaxContextTokens       int       `gorm:"not null;default:0"`
	DefaultWordLimit       int       `gorm:"not null;default:0"`
	ExtendedSpeakingChance int       `gorm:"not null;default:0"`
	ExtendedMultiplier     int       `gorm:"not null"`
	ConversationDepth      string    `gorm:"size:16"`
	TargetLanguage         string    `gorm:"size:32"`
	CreatedAt              time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime:false"`
}

func (conversationRecord) TableName() string { return "rt_conversations" }

func newConversationRecord(c *types.Conversation) *conversationRecord {
	return &conversationRecord{
		ID:                     c.ID,
		Subject:                c.Subject,
		Goal:                   c.Goal,
		Mode:                   string(c.Mode),
		Status:                 string(c.Status),
		StatusReason:           c.StatusReason,
		CurrentRound:           c.CurrentRound,
		SpeedMs:                c.SpeedMs,
		MaxRounds:              c.MaxRounds,
		MaxContextTokens:       c.MaxContextTokens,
		DefaultWordLimit:       c.DefaultWordLimit,
		ExtendedSpeakingChance: c.ExtendedSpeakingChance,
		ExtendedMultiplier:     c.ExtendedMultiplier,
		ConversationDepth:      string(c.ConversationDepth),
		TargetLanguage:         c.TargetLanguage,
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
	}
}

func (r *conversationRecord) toType() *types.Conversation {
	return &types.Conversation{
		ID:                     r.ID,
		Subject:                r.Subject,
		Goal:                   r.Goal,
		Mode:                   types.ConversationMode(r.Mode),
		Status:                 types.ConversationStatus(r.Status),
		StatusReason:           r.StatusReason,
		CurrentRound:           r.CurrentRound,
		SpeedMs:                r.SpeedMs,
		MaxRounds:              r.MaxRounds,
		MaxContextTokens:       r.MaxContextTokens,
		DefaultWordLimit:       r.DefaultWordLimit,
		ExtendedSpeakingChance: r.ExtendedSpeakingChance,
		ExtendedMultiplier:     r.ExtendedMultiplier,
		ConversationDepth:      types.ConversationDepth(r.ConversationDepth),
		TargetLanguage:         r.TargetLanguage,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

type agentRecord struct {
	ConversationID  string `gorm:"primaryKey;size:64"`
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"size:128"`
	Order           int    `gorm:"column:sort_order;not null;default:0"`
	IsSecretary     bool   `gorm:"not null;default:false"`
	Color           string `gorm:"size:32"`
	Provider        string `gorm:"size:64"`
	Model           string `gorm:"size:128"`
	ThinkingDepth   int
	CreativityLevel int
	WordLimit       int
	NotebookUsage   string `gorm:"size:64"`
}

func (agentRecord) TableName() string { return "rt_agents" }

func newAgentRecord(a *types.Agent) *agentRecord {
	return &agentRecord{
		ConversationID:  a.ConversationID,
		ID:              a.ID,
		Name:            a.Name,
		Order:           a.Order,
		IsSecretary:     a.IsSecretary,
		Color:           a.Color,
		Provider:        a.Provider,
		Model:           a.Model,
		ThinkingDepth:   a.ThinkingDepth,
		CreativityLevel: a.CreativityLevel,
		WordLimit:       a.WordLimit,
		NotebookUsage:   a.NotebookUsage,
	}
}

func (r *agentRecord) toType() *types.Agent {
	return &types.Agent{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		Name:            r.Name,
		Order:           r.Order,
		IsSecretary:     r.IsSecretary,
		Color:           r.Color,
		Provider:        r.Provider,
		Model:           r.Model,
		ThinkingDepth:   r.ThinkingDepth,
		CreativityLevel: r.CreativityLevel,
		WordLimit:       r.WordLimit,
		NotebookUsage:   r.NotebookUsage,
	}
}

// turnRecord is keyed by (conversation_id, round, sequence); there is no
// surrogate ID.
type turnRecord struct {
	ConversationID string `gorm:"primaryKey;size:64;autoIncrement:false"`
	Round          int    `gorm:"primaryKey;autoIncrement:false"`
	Sequence       int    `gorm:"primaryKey;autoIncrement:false"`
	AgentID        string `gorm:"size:64;index"`
	State          string `gorm:"size:16"`
	WordLimit      int
	Extended       bool
	Draw           float64
	MessageID      string    `gorm:"size:64"`
	Error          string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
	StartedAt      *time.Time
	EndedAt        *time.Time
}

func (turnRecord) TableName() string { return "rt_turns" }

func newTurnRecord(t *types.Turn) *turnRecord {
	return &turnRecord{
		ConversationID: t.Key.ConversationID,
		Round:          t.Key.Round,
		Sequence:       t.Key.Sequence,
		AgentID:        t.AgentID,
		State:          string(t.State),
		WordLimit:      t.WordLimit,
		Extended:       t.Extended,
		Draw:           t.Draw,
		MessageID:      t.MessageID,
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		EndedAt:        t.EndedAt,
	}
}

func (r *turnRecord) toType() *types.Turn {
	return &types.Turn{
		Key:       types.TurnKey{ConversationID: r.ConversationID, Round: r.Round, Sequence: r.Sequence},
		AgentID:   r.AgentID,
		State:     types.TurnState(r.State),
		WordLimit: r.WordLimit,
		Extended:  r.Extended,
		Draw:      r.Draw,
		MessageID: r.MessageID,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
	}
}

type messageRecord struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	ID             string `gorm:"primaryKey;size:64"`
	TurnRound      *int
	TurnSequence   *int
	AgentID        string    `gorm:"size:64"`
	Round          int       `gorm:"index"`
	Seq            int64     `gorm:"index"`
	Type           string    `gorm:"size:16"`
	Content        string    `gorm:"type:text"`
	Weight         int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
}

func (messageRecord) TableName() string { return "rt_messages" }

func newMessageRecord(m *types.Message) *messageRecord {
	r := &messageRecord{
		ConversationID: m.ConversationID,
		ID:             m.ID,
		AgentID:        m.AgentID,
		Round:          m.Round,
		Seq:            m.Seq,
		Type:           string(m.Type),
		Content:        m.Content,
		Weight:         m.Weight,
		CreatedAt:      m.CreatedAt,
	}
	if m.TurnKey != nil {
		round, seq := m.TurnKey.Round, m.TurnKey.Sequence
		r.TurnRound, r.TurnSequence = &round, &seq
	}
	return r
}

func (r *messageRecord) toType() *types.Message {
	m := &types.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		AgentID:        r.AgentID,
		Round:          r.Round,
		Seq:            r.Seq,
		Type:           types.MessageType(r.Type),
		Content:        r.Content,
		Weight:         r.Weight,
		CreatedAt:      r.CreatedAt,
	}
	if r.TurnRound != nil && r.TurnSequence != nil {
		m.TurnKey = &types.TurnKey{ConversationID: r.ConversationID, Round: *r.TurnRound, Sequence: *r.TurnSequence}
	}
	return m
}

type interjectionRecord struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	ID             string `gorm:"primaryKey;size:64"`
	Content        string `gorm:"type:text"`
	AfterRound     int    `gorm:"not null"`
	Processed      bool   `gorm:"not null;default:false;index"`
	ProcessedAt    *time.Time
	MessageID      string    `gorm:"size:64"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false;index"`
}

func (interjectionRecord) TableName() string { return "rt_interjections" }

func newInterjectionRecord(u *types.UserInterjection) *interjectionRecord {
	return &interjectionRecord{
		ConversationID: u.ConversationID,
		ID:             u.ID,
		Content:        u.Content,
		AfterRound:     u.AfterRound,
		Processed:      u.Processed,
		ProcessedAt:    u.ProcessedAt,
		MessageID:      u.MessageID,
		CreatedAt:      u.CreatedAt,
	}
}

func (r *interjectionRecord) toType() *types.UserInterjection {
	return &types.UserInterjection{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Content:        r.Content,
		AfterRound:     r.AfterRound,
		Processed:      r.Processed,
		ProcessedAt:    r.ProcessedAt,
		MessageID:      r.MessageID,
		CreatedAt:      r.CreatedAt,
	}
}

type memoryRecord struct {
	ConversationID     string    `gorm:"primaryKey;size:64"`
	LastDistilledRound int       `gorm:"not null"`
	Summary            string    `gorm:"type:text"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false"`
}

func (memoryRecord) TableName() string { return "rt_distilled_memory" }

type snapshotRecord struct {
	ConversationID     string `gorm:"primaryKey;size:64;autoIncrement:false"`
	Round              int    `gorm:"primaryKey;autoIncrement:false"`
	Sequence           int    `gorm:"primaryKey;autoIncrement:false"`
	Summary            string `gorm:"type:text"`
	LastDistilledRound int
	MessageIDs         string `gorm:"type:text"` // JSON array
	EstimatedTokens    int
	Distilled          bool
	Degraded           bool
	CreatedAt          time.Time `gorm:"autoCreateTime:false"`
}

func (snapshotRecord) TableName() string { return "rt_context_snapshots" }

func newSnapshotRecord(s *types.ContextSnapshot) (*snapshotRecord, error) {
	ids, err := json.Marshal(s.MessageIDs)
	if err != nil {
		return nil, err
	}
	return &snapshotRecord{
		ConversationID:     s.TurnKey.ConversationID,
		Round:              s.TurnKey.Round,
		Sequence:           s.TurnKey.Sequence,
		Summary:            s.Summary,
		LastDistilledRound: s.LastDistilledRound,
		MessageIDs:         string(ids),
		EstimatedTokens:    s.EstimatedTokens,
		Distilled:          s.Distilled,
		Degraded:           s.Degraded,
		CreatedAt:          s.CreatedAt,
	}, nil
}

func (r *snapshotRecord) toType() (*types.ContextSnapshot, error) {
	var ids []string
	if r.MessageIDs != "" {
		if err := json.Unmarshal([]byte(r.MessageIDs), &ids); err != nil {
			return nil, err
		}
	}
	return &types.ContextSnapshot{
		TurnKey:            types.TurnKey{ConversationID: r.ConversationID, Round: r.Round, Sequence: r.Sequence},
		Summary:            r.Summary,
		LastDistilledRound: r.LastDistilledRound,
		MessageIDs:         ids,
		EstimatedTokens:    r.EstimatedTokens,
		Distilled:          r.Distilled,
		Degraded:           r.Degraded,
		CreatedAt:          r.CreatedAt,
	}, nil
}
