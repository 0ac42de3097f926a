package turn

import (
	"github.com/BaSui01/roundtable/types"
)

// WordLimitDecision is the outcome of the extended response draw.
type WordLimitDecision struct {
	Base      int
	Effective int
	Extended  bool
	Draw      float64 // in [0, 100)
}

// Apply records the decision on the turn.
func (d WordLimitDecision) Apply(t *types.Turn) {
	t.WordLimit = d.Effective
	t.Extended = d.Extended
	t.Draw = d.Draw
}

// Policy decides per-turn word limits.
type Policy struct {
	src RandomSource
}

// NewPolicy creates a policy. A nil source draws from a clock-seeded one.
func NewPolicy(src RandomSource) *Policy {
	if src == nil {
		src = NewRandomSource()
	}
	return &Policy{src: src}
}

// BaseWordLimit resolves agent override, then conversation default, then
// the depth guidance.
func BaseWordLimit(conv *types.Conversation, agent *types.Agent) int {
	if agent != nil && agent.WordLimit > 0 {
		return agent.WordLimit
	}
	if conv.DefaultWordLimit > 0 {
		return conv.DefaultWordLimit
	}
	return conv.ConversationDepth.WordGuidance()
}

// Decide draws once and returns the word limit for the turn.
// A chance of 0 is never extended and 100 always is.
func (p *Policy) Decide(conv *types.Conversation, agent *types.Agent) WordLimitDecision {
	base := BaseWordLimit(conv, agent)
	draw := p.src.Float64() * 100
	d := WordLimitDecision{Base: base, Effective: base, Draw: draw}
	if draw < float64(conv.ExtendedSpeakingChance) {
		mult := conv.ExtendedMultiplier
		if mult != 3 && mult != 5 {
			mult = 3
		}
		d.Extended = true
		d.Effective = base * mult
	}
	return d
}
