package turn

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// Override reasons reported when a selector proposal is rejected.
const (
	OverrideSelectorError = "selector_error"
	OverrideNoProposal    = "no_proposal"
	OverrideUnknownAgent  = "unknown_agent"
	OverrideAlreadySpoken = "already_spoken"
)

// SelectionRequest is what an advisory selector sees before a turn.
type SelectionRequest struct {
	Conversation *types.Conversation
	Round        int
	Secretary    *types.Agent // nil when the conversation has none
	Remaining    []*types.Agent
	Spoken       []*types.Agent
	Recent       []*types.Message
}

// Selector proposes the next speaker for moderator and dynamic modes.
// Proposals are advisory; the scheduler validates them.
type Selector interface {
	Propose(ctx context.Context, req SelectionRequest) (string, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, req SelectionRequest) (string, error)

// Propose calls f.
func (f SelectorFunc) Propose(ctx context.Context, req SelectionRequest) (string, error) {
	return f(ctx, req)
}

// Scheduler decides who speaks next. It enforces that every roster agent
// speaks exactly once per round regardless of what selectors propose.
type Scheduler struct {
	selectors  map[types.ConversationMode]Selector
	onOverride func(mode types.ConversationMode, reason string)
	logger     *zap.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSelector installs the advisory selector for a mode.
func WithSelector(mode types.ConversationMode, sel Selector) SchedulerOption {
	return func(s *Scheduler) {
		if sel != nil {
			s.selectors[mode] = sel
		}
	}
}

// WithOverrideHook is called whenever a proposal is rejected.
func WithOverrideHook(fn func(mode types.ConversationMode, reason string)) SchedulerOption {
	return func(s *Scheduler) { s.onOverride = fn }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler. Dynamic mode defaults to WeightSelector.
// Moderator mode needs a selector that consults the secretary; without one
// it behaves like round robin.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		selectors: map[types.ConversationMode]Selector{
			types.ModeDynamic: &WeightSelector{},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "turn_scheduler"))
	return s
}

// Roster returns the speaking agents sorted by Order, ties by ID.
// Secretaries and excluded agents never speak.
func (s *Scheduler) Roster(conversationID string, agents []*types.Agent, excluded map[string]bool) ([]*types.Agent, error) {
	roster := make([]*types.Agent, 0, len(agents))
	for _, a := range agents {
		if a == nil || a.IsSecretary || excluded[a.ID] {
			continue
		}
		roster = append(roster, a)
	}
	if len(roster) == 0 {
		return nil, types.NewEmptyRosterError(conversationID)
	}
	sort.SliceStable(roster, func(i, j int) bool {
		if roster[i].Order != roster[j].Order {
			return roster[i].Order < roster[j].Order
		}
		return roster[i].ID < roster[j].ID
	})
	return roster, nil
}

// Secretary returns the conversation's secretary, if any.
func Secretary(agents []*types.Agent) *types.Agent {
	for _, a := range agents {
		if a != nil && a.IsSecretary {
			return a
		}
	}
	return nil
}

// Remaining returns roster agents not in spoken, keeping roster order.
func Remaining(roster []*types.Agent, spoken map[string]bool) []*types.Agent {
	out := make([]*types.Agent, 0, len(roster))
	for _, a := range roster {
		if !spoken[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// Next picks the next speaker of the round. It returns false once every
// roster agent has spoken.
func (s *Scheduler) Next(ctx context.Context, req SelectionRequest) (*types.Agent, bool) {
	if len(req.Remaining) == 0 {
		return nil, false
	}
	fallback := req.Remaining[0]
	if req.Conversation == nil || req.Conversation.Mode == types.ModeRoundRobin {
		return fallback, true
	}

	sel, ok := s.selectors[req.Conversation.Mode]
	if !ok {
		return fallback, true
	}

	proposed, err := sel.Propose(ctx, req)
	if err != nil {
		s.override(req, OverrideSelectorError, zap.Error(err))
		return fallback, true
	}
	if proposed == "" {
		s.override(req, OverrideNoProposal)
		return fallback, true
	}
	for _, a := range req.Remaining {
		if a.ID == proposed {
			return a, true
		}
	}
	for _, a := range req.Spoken {
		if a.ID == proposed {
			s.override(req, OverrideAlreadySpoken, zap.String("proposed", proposed))
			return fallback, true
		}
	}
	s.override(req, OverrideUnknownAgent, zap.String("proposed", proposed))
	return fallback, true
}

func (s *Scheduler) override(req SelectionRequest, reason string, fields ...zap.Field) {
	fields = append(fields,
		zap.String("conversation_id", req.Conversation.ID),
		zap.Int("round", req.Round),
		zap.String("reason", reason),
		zap.String("fallback", req.Remaining[0].ID),
	)
	s.logger.Warn("selector proposal overridden", fields...)
	if s.onOverride != nil {
		s.onOverride(req.Conversation.Mode, reason)
	}
}

// WeightSelector proposes the remaining agent whose recent messages carry
// the most reaction weight. Ties keep roster order.
type WeightSelector struct{}

// Propose implements Selector.
func (WeightSelector) Propose(_ context.Context, req SelectionRequest) (string, error) {
	if len(req.Remaining) == 0 {
		return "", nil
	}
	weights := make(map[string]int, len(req.Remaining))
	for _, m := range req.Recent {
		if m != nil && m.Type == types.MessageAgent {
			weights[m.AgentID] += m.Weight
		}
	}
	best := req.Remaining[0]
	for _, a := range req.Remaining[1:] {
		if weights[a.ID] > weights[best.ID] {
			best = a
		}
	}
	return best.ID, nil
}
