package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/internal/cache"
	"github.com/BaSui01/roundtable/types"
)

// SettingsUpdate carries optional setting changes; nil fields are kept.
// Only ConversationDepth may change while the conversation is running.
type SettingsUpdate struct {
	Subject                *string
	Goal                   *string
	Mode                   *types.ConversationMode
	SpeedMs                *int
	MaxRounds              *int
	MaxContextTokens       *int
	DefaultWordLimit       *int
	ExtendedSpeakingChance *int
	ExtendedMultiplier     *int
	ConversationDepth      *types.ConversationDepth
	TargetLanguage         *string
}

func (u SettingsUpdate) onlyDepth() bool {
	return u.Subject == nil && u.Goal == nil && u.Mode == nil && u.SpeedMs == nil &&
		u.MaxRounds == nil && u.MaxContextTokens == nil && u.DefaultWordLimit == nil &&
		u.ExtendedSpeakingChance == nil && u.ExtendedMultiplier == nil && u.TargetLanguage == nil
}

func (u SettingsUpdate) apply(c *types.Conversation) {
	if u.Subject != nil {
		c.Subject = *u.Subject
	}
	if u.Goal != nil {
		c.Goal = *u.Goal
	}
	if u.Mode != nil {
		c.Mode = *u.Mode
	}
	if u.SpeedMs != nil {
		c.SpeedMs = *u.SpeedMs
	}
	if u.MaxRounds != nil {
		c.MaxRounds = *u.MaxRounds
	}
	if u.MaxContextTokens != nil {
		c.MaxContextTokens = *u.MaxContextTokens
	}
	if u.DefaultWordLimit != nil {
		c.DefaultWordLimit = *u.DefaultWordLimit
	}
	if u.ExtendedSpeakingChance != nil {
		c.ExtendedSpeakingChance = *u.ExtendedSpeakingChance
	}
	if u.ExtendedMultiplier != nil {
		c.ExtendedMultiplier = *u.ExtendedMultiplier
	}
	if u.ConversationDepth != nil {
		c.ConversationDepth = *u.ConversationDepth
	}
	if u.TargetLanguage != nil {
		c.TargetLanguage = *u.TargetLanguage
	}
}

// Manager owns conversation lifecycles and their round loops.
type Manager struct {
	orch   *Orchestrator
	store  persistence.Store
	logger *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	runs     map[string]*control
	finished map[string]*control // last exited loop, for Wait
	newID    func() string
}

// NewManager creates a manager driving loops through orch.
func NewManager(orch *Orchestrator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		orch:     orch,
		store:    orch.store,
		logger:   logger.With(zap.String("component", "conversation_manager")),
		base:     base,
		cancel:   cancel,
		runs:     make(map[string]*control),
		finished: make(map[string]*control),
		newID:    uuid.NewString,
	}
}

// CreateConversation stores a new idle conversation with its agents.
// Missing IDs are generated.
func (m *Manager) CreateConversation(ctx context.Context, conv *types.Conversation, agents []*types.Agent) (*types.Conversation, error) {
	if conv == nil {
		return nil, types.NewInvalidInputError("nil conversation")
	}
	c := conv.Clone()
	if c.ID == "" {
		c.ID = m.newID()
	}
	c.Status = types.StatusIdle
	c.StatusReason = ""
	c.CurrentRound = 0
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	roster := make([]*types.Agent, 0, len(agents))
	for _, a := range agents {
		if a == nil {
			return nil, types.NewInvalidInputError("nil agent in roster")
		}
		cp := a.Clone()
		if cp.ID == "" {
			cp.ID = m.newID()
		}
		cp.ConversationID = c.ID
		roster = append(roster, cp)
	}
	if err := types.ValidateRoster(roster); err != nil {
		return nil, err
	}

	now := m.orch.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := m.orch.retrier.Do(ctx, "create conversation", func(ctx context.Context) error {
		if err := m.store.PutConversation(ctx, c); err != nil {
			return err
		}
		return m.store.ReplaceAgents(ctx, c.ID, roster)
	}); err != nil {
		return nil, err
	}
	m.logger.Info("conversation created",
		zap.String("conversation_id", c.ID),
		zap.String("mode", string(c.Mode)),
		zap.Int("agents", len(roster)))
	return c, nil
}

// GetConversation returns the stored conversation.
func (m *Manager) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	return m.orch.loadConversation(ctx, id)
}

// ListAgents returns the conversation's agents.
func (m *Manager) ListAgents(ctx context.Context, id string) ([]*types.Agent, error) {
	if _, err := m.orch.loadConversation(ctx, id); err != nil {
		return nil, err
	}
	var agents []*types.Agent
	err := m.orch.retrier.Do(ctx, "list agents", func(ctx context.Context) error {
		var err error
		agents, err = m.store.ListAgents(ctx, id)
		return err
	})
	return agents, err
}

// AddAgent adds an agent. It joins the roster at the next round.
func (m *Manager) AddAgent(ctx context.Context, conversationID string, agent *types.Agent) (*types.Agent, error) {
	if agent == nil {
		return nil, types.NewInvalidInputError("nil agent")
	}
	agents, err := m.ListAgents(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	a := agent.Clone()
	if a.ID == "" {
		a.ID = m.newID()
	}
	a.ConversationID = conversationID
	if err := types.ValidateRoster(append(agents, a)); err != nil {
		return nil, err
	}
	if err := m.orch.retrier.Do(ctx, "put agent", func(ctx context.Context) error {
		return m.store.PutAgent(ctx, a)
	}); err != nil {
		return nil, err
	}
	m.orch.reinstate(conversationID)
	return a, nil
}

// ReorderAgents rewrites speaking order. ids must name every non-secretary
// agent exactly once; the new order applies from the next round.
func (m *Manager) ReorderAgents(ctx context.Context, conversationID string, ids []string) error {
	agents, err := m.ListAgents(ctx, conversationID)
	if err != nil {
		return err
	}
	byID := make(map[string]*types.Agent, len(agents))
	speakers := 0
	for _, a := range agents {
		byID[a.ID] = a
		if !a.IsSecretary {
			speakers++
		}
	}
	if len(ids) != speakers {
		return types.NewInvalidInputError("reorder needs %d agent ids, got %d", speakers, len(ids))
	}
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		a, ok := byID[id]
		if !ok || a.IsSecretary {
			return types.NewInvalidInputError("agent %q is not a speaking agent of the conversation", id)
		}
		if seen[id] {
			return types.NewInvalidInputError("agent %q listed twice", id)
		}
		seen[id] = true
		a.Order = i
	}
	return m.orch.retrier.Do(ctx, "reorder agents", func(ctx context.Context) error {
		return m.store.ReplaceAgents(ctx, conversationID, agents)
	})
}

// SubmitInterjection queues user content after the given round.
func (m *Manager) SubmitInterjection(ctx context.Context, conversationID, content string, afterRound int) (*types.UserInterjection, error) {
	conv, err := m.orch.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == types.StatusStopped {
		return nil, types.NewInvalidInputError("conversation %s is stopped", conversationID)
	}
	return m.orch.merger.Submit(ctx, conversationID, content, afterRound)
}

// React adjusts a message's weight by delta.
func (m *Manager) React(ctx context.Context, conversationID, messageID string, delta int) (*types.Message, error) {
	var msg *types.Message
	err := m.orch.retrier.Do(ctx, "react", func(ctx context.Context) error {
		var err error
		msg, err = m.store.AdjustMessageWeight(ctx, conversationID, messageID, delta)
		return err
	})
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound("message", messageID)
	}
	return msg, err
}

// Messages returns the conversation's message stream in order.
func (m *Manager) Messages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	var msgs []*types.Message
	err := m.orch.retrier.Do(ctx, "list messages", func(ctx context.Context) error {
		var err error
		msgs, err = m.store.ListMessages(ctx, conversationID)
		return err
	})
	return msgs, err
}

// Turns returns every turn of the conversation.
func (m *Manager) Turns(ctx context.Context, conversationID string) ([]*types.Turn, error) {
	var turns []*types.Turn
	err := m.orch.retrier.Do(ctx, "list turns", func(ctx context.Context) error {
		var err error
		turns, err = m.store.ListTurns(ctx, conversationID)
		return err
	})
	return turns, err
}

// UpdateSettings changes conversation settings. A running conversation
// only accepts a depth change. The stored row is re-read inside the
// update, so status and round written by the loop are never overwritten.
func (m *Manager) UpdateSettings(ctx context.Context, conversationID string, update SettingsUpdate) (*types.Conversation, error) {
	conv, err := m.orch.updateConversation(ctx, conversationID, "update settings", func(c *types.Conversation) error {
		if c.Status == types.StatusRunning && !update.onlyDepth() {
			return types.NewError(types.ErrConversationRunning,
				fmt.Sprintf("conversation %s is running; only depth can change", conversationID))
		}
		update.apply(c)
		if err := c.Validate(); err != nil {
			return err
		}
		c.UpdatedAt = m.orch.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if update.ConversationDepth != nil {
		m.logger.Info("conversation depth changed",
			zap.String("conversation_id", conversationID),
			zap.String("depth", string(conv.ConversationDepth)))
	}
	return conv, nil
}

// DeleteConversation removes a conversation and everything it owns.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	conv, err := m.orch.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == types.StatusRunning || m.active(conversationID) != nil {
		return types.NewError(types.ErrConversationRunning,
			fmt.Sprintf("conversation %s is running; stop it first", conversationID))
	}
	if err := m.orch.retrier.Do(ctx, "delete conversation", func(ctx context.Context) error {
		return m.store.DeleteConversation(ctx, conversationID)
	}); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	m.orch.merger.Forget(conversationID)
	m.orch.reinstate(conversationID)
	m.mu.Lock()
	delete(m.finished, conversationID)
	m.mu.Unlock()
	if err := m.orch.queue.Delete(ctx, conversationID); err != nil {
		m.logger.Debug("queue state not evicted", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	m.logger.Info("conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}

// Start moves an idle conversation to running and launches its loop.
func (m *Manager) Start(ctx context.Context, conversationID string) error {
	return m.launch(ctx, conversationID, types.StatusIdle)
}

// Resume relaunches a paused conversation. It picks up mid-round from the
// persisted turns. A pause that has not taken effect yet is withdrawn.
func (m *Manager) Resume(ctx context.Context, conversationID string) error {
	if ctl := m.active(conversationID); ctl != nil {
		if ctl.withdrawPause() {
			return nil
		}
		select {
		case <-ctl.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.launch(ctx, conversationID, types.StatusPaused)
}

func (m *Manager) launch(ctx context.Context, conversationID string, from types.ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.runs[conversationID]; running {
		return types.NewError(types.ErrConversationRunning,
			fmt.Sprintf("conversation %s already has a running loop", conversationID))
	}

	if _, err := m.orch.transition(ctx, conversationID, []types.ConversationStatus{from}, types.StatusRunning, ""); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(m.base)
	ctl := newControl(cancel)
	m.runs[conversationID] = ctl
	delete(m.finished, conversationID)
	go func() {
		defer close(ctl.done)
		defer cancel()
		ctl.err = m.orch.run(loopCtx, conversationID, ctl)

		m.mu.Lock()
		if m.runs[conversationID] == ctl {
			delete(m.runs, conversationID)
			m.finished[conversationID] = ctl
		}
		m.mu.Unlock()
	}()
	return nil
}

// Pause asks the loop to pause after the current turn and returns at once.
// A running conversation without a loop, e.g. after a restart, is paused
// directly.
func (m *Manager) Pause(ctx context.Context, conversationID string) error {
	if ctl := m.active(conversationID); ctl != nil {
		ctl.requestPause()
		return nil
	}
	running := []types.ConversationStatus{types.StatusRunning}
	_, err := m.orch.transition(ctx, conversationID, running, types.StatusPaused, ReasonPaused)
	return err
}

// Stop aborts any in-flight dispatch, cancels open turns and marks the
// conversation stopped. It returns once the loop has exited. Only running
// or paused conversations can stop; stopping a stopped one is a no-op.
func (m *Manager) Stop(ctx context.Context, conversationID string) error {
	if ctl := m.active(conversationID); ctl != nil {
		ctl.cancel()
		select {
		case <-ctl.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	conv, err := m.orch.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	switch conv.Status {
	case types.StatusStopped:
		return nil
	case types.StatusIdle:
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot stop conversation %s before it starts", conversationID))
	}
	if err := m.orch.cancelOpenTurns(ctx, conversationID, CancelStopped); err != nil {
		return err
	}
	stoppable := []types.ConversationStatus{types.StatusRunning, types.StatusPaused}
	_, err = m.orch.transition(ctx, conversationID, stoppable, types.StatusStopped, ReasonStopped)
	return err
}

// Wait blocks until the conversation's loop exits and returns its error.
// When the loop already exited it returns that loop's error, and nil if
// no loop ever ran.
func (m *Manager) Wait(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	ctl, ok := m.runs[conversationID]
	if !ok {
		ctl = m.finished[conversationID]
	}
	m.mu.Unlock()
	if ctl == nil {
		return nil
	}
	select {
	case <-ctl.done:
		return ctl.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueState returns the latest cached queue snapshot.
func (m *Manager) QueueState(ctx context.Context, conversationID string) (types.TurnQueueState, error) {
	q, err := m.orch.queue.Get(ctx, conversationID)
	if cache.IsCacheMiss(err) {
		return types.TurnQueueState{}, types.NewError(types.ErrNotFound,
			fmt.Sprintf("no queue state for conversation %s", conversationID)).WithCause(err)
	}
	return q, err
}

// RunAll starts every conversation and waits for all loops to exit.
// Loops run concurrently; the first error is returned.
func (m *Manager) RunAll(ctx context.Context, conversationIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range conversationIDs {
		g.Go(func() error {
			if err := m.Start(gctx, id); err != nil {
				return fmt.Errorf("start %s: %w", id, err)
			}
			if err := m.Wait(gctx, id); err != nil {
				return fmt.Errorf("run %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops every loop without changing conversation status, so a later
// process can resume them.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	ctls := make([]*control, 0, len(m.runs))
	for _, ctl := range m.runs {
		ctls = append(ctls, ctl)
	}
	m.mu.Unlock()
	for _, ctl := range ctls {
		<-ctl.done
	}
}

func (m *Manager) active(conversationID string) *control {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[conversationID]
}
