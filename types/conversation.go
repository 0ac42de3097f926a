package types

import (
	"time"
)

// ConversationMode defines how the next speaker is chosen.
type ConversationMode string

const (
	ModeRoundRobin ConversationMode = "round_robin" // Agents take turns by order
	ModeModerator  ConversationMode = "moderator"   // Secretary proposes the next speaker
	ModeDynamic    ConversationMode = "dynamic"     // Selection policy weighs recent messages
)

// Valid reports whether m is a known mode.
func (m ConversationMode) Valid() bool {
	switch m {
	case ModeRoundRobin, ModeModerator, ModeDynamic:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	StatusIdle    ConversationStatus = "idle"
	StatusRunning ConversationStatus = "running"
	StatusPaused  ConversationStatus = "paused"
	StatusStopped ConversationStatus = "stopped"
)

// ConversationDepth maps to response-length guidance.
type ConversationDepth string

const (
	DepthBrief    ConversationDepth = "brief"
	DepthConcise  ConversationDepth = "concise"
	DepthStandard ConversationDepth = "standard"
	DepthDetailed ConversationDepth = "detailed"
	DepthDeep     ConversationDepth = "deep"
)

var depthWordGuidance = map[ConversationDepth]int{
	DepthBrief:    60,
	DepthConcise:  120,
	DepthStandard: 200,
	DepthDetailed: 350,
	DepthDeep:     500,
}

// Valid reports whether d is a known depth.
func (d ConversationDepth) Valid() bool {
	_, ok := depthWordGuidance[d]
	return ok
}

// WordGuidance returns the suggested words per turn for the depth.
// Unknown depths fall back to standard.
func (d ConversationDepth) WordGuidance() int {
	if w, ok := depthWordGuidance[d]; ok {
		return w
	}
	return depthWordGuidance[DepthStandard]
}

// Conversation is the root entity that owns agents, turns and messages.
type Conversation struct {
	ID                     string             `json:"id"`
	Subject                string             `json:"subject"`
	Goal                   string             `json:"goal"`
	Mode                   ConversationMode   `json:"mode"`
	Status                 ConversationStatus `json:"status"`
	StatusReason           string             `json:"status_reason,omitempty"`
	CurrentRound           int                `json:"current_round"`
	SpeedMs                int                `json:"speed_ms"`
	MaxRounds              int                `json:"max_rounds,omitempty"` // 0 = unlimited
	MaxContextTokens       int                `json:"max_context_tokens"`   // 0 = unlimited
	DefaultWordLimit       int                `json:"default_word_limit"`
	ExtendedSpeakingChance int                `json:"extended_speaking_chance"` // 0-100
	ExtendedMultiplier     int                `json:"extended_multiplier"`      // 3 or 5
	ConversationDepth      ConversationDepth  `json:"conversation_depth"`
	TargetLanguage         string             `json:"target_language,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Clone returns a shallow copy; Conversation has no reference fields.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// HasRoundCap reports whether MaxRounds bounds the round loop.
func (c *Conversation) HasRoundCap() bool {
	return c.MaxRounds > 0
}

// ApplyDefaults fills zero-valued settings.
func (c *Conversation) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeRoundRobin
	}
	if c.Status == "" {
		c.Status = StatusIdle
	}
	if c.ConversationDepth == "" {
		c.ConversationDepth = DepthStandard
	}
	if c.ExtendedMultiplier == 0 {
		c.ExtendedMultiplier = 3
	}
}

// Validate checks the settings invariants.
func (c *Conversation) Validate() error {
	if !c.Mode.Valid() {
		return NewInvalidInputError("unknown conversation mode %q", c.Mode)
	}
	if !c.ConversationDepth.Valid() {
		return NewInvalidInputError("unknown conversation depth %q", c.ConversationDepth)
	}
	if c.ExtendedSpeakingChance < 0 || c.ExtendedSpeakingChance > 100 {
		return NewInvalidInputError("extended speaking chance must be within 0-100, got %d", c.ExtendedSpeakingChance)
	}
	if c.ExtendedMultiplier != 3 && c.ExtendedMultiplier != 5 {
		return NewInvalidInputError("extended multiplier must be 3 or 5, got %d", c.ExtendedMultiplier)
	}
	if c.CurrentRound < 0 || c.MaxRounds < 0 || c.SpeedMs < 0 || c.MaxContextTokens < 0 || c.DefaultWordLimit < 0 {
		return NewInvalidInputError("numeric settings must not be negative")
	}
	return nil
}

// Agent is a persona participating in a conversation.
type Agent struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversation_id"`
	Name            string `json:"name"`
	Order           int    `json:"order"`
	IsSecretary     bool   `json:"is_secretary"`
	Color           string `json:"color,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	ThinkingDepth   int    `json:"thinking_depth,omitempty"`
	CreativityLevel int    `json:"creativity_level,omitempty"`
	WordLimit       int    `json:"word_limit,omitempty"` // 0 = inherit
	NotebookUsage   string `json:"notebook_usage,omitempty"`
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// ValidateRoster enforces the at-most-one-secretary invariant.
func ValidateRoster(agents []*Agent) error {
	secretaries := 0
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a == nil {
			return NewInvalidInputError("nil agent in roster")
		}
		if seen[a.ID] {
			return NewInvalidInputError("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.IsSecretary {
			secretaries++
		}
	}
	if secretaries > 1 {
		return NewInvalidInputError("at most one secretary per conversation, got %d", secretaries)
	}
	return nil
}
