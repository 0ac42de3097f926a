package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/roundtable/agent/interjection"
	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/agent/turn"
	"github.com/BaSui01/roundtable/testutil"
	"github.com/BaSui01/roundtable/testutil/fixtures"
	"github.com/BaSui01/roundtable/testutil/mocks"
	"github.com/BaSui01/roundtable/types"
)

type harness struct {
	store persistence.Store
	agent *mocks.MockAgent
	sink  *mocks.RecordingSink
	orch  *Orchestrator
	mgr   *Manager
}

func newHarness(t *testing.T, store persistence.Store, agent *mocks.MockAgent, cfg Config, opts ...Option) *harness {
	t.Helper()
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	if agent == nil {
		agent = mocks.NewMockAgent()
	}
	sink := mocks.NewRecordingSink()
	dispatcher := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
		content, err := agent.Reply(ctx, req.Agent.ID, req.TurnKey)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{Content: content}, nil
	})
	retrier := persistence.NewRetrier(persistence.RetryConfig{
		MaxRetries:        1,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 2,
	}, nil)
	base := []Option{
		WithEventSink(sink),
		WithRetrier(retrier),
		WithPolicy(turn.NewPolicy(mocks.NewFixedSource(0.99))),
	}
	orch := NewOrchestrator(store, dispatcher, cfg, append(base, opts...)...)
	mgr := NewManager(orch, nil)
	t.Cleanup(mgr.Close)
	return &harness{store: store, agent: agent, sink: sink, orch: orch, mgr: mgr}
}

func (h *harness) create(t *testing.T, conv *types.Conversation, agents []*types.Agent) *types.Conversation {
	t.Helper()
	c, err := h.mgr.CreateConversation(context.Background(), conv, agents)
	require.NoError(t, err)
	return c
}

func (h *harness) runToEnd(t *testing.T, id string) error {
	t.Helper()
	ctx := testutil.TestContext(t)
	require.NoError(t, h.mgr.Start(ctx, id))
	return h.mgr.Wait(ctx, id)
}

func (h *harness) turns(t *testing.T, id string) []*types.Turn {
	t.Helper()
	turns, err := h.mgr.Turns(context.Background(), id)
	require.NoError(t, err)
	return turns
}

func (h *harness) messages(t *testing.T, id string) []*types.Message {
	t.Helper()
	msgs, err := h.mgr.Messages(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

func (h *harness) conversation(t *testing.T, id string) *types.Conversation {
	t.Helper()
	c, err := h.mgr.GetConversation(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestManager_RoundRobinRunsToMaxRounds(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 2), fixtures.Agents("c1", "a", "b", "c"))

	require.NoError(t, h.runToEnd(t, "c1"))

	conv := h.conversation(t, "c1")
	assert.Equal(t, types.StatusStopped, conv.Status)
	assert.Equal(t, ReasonMaxRounds, conv.StatusReason)
	assert.Equal(t, 2, conv.CurrentRound)

	testutil.AssertTurnStates(t, map[types.TurnState]int{types.TurnCompleted: 6}, h.turns(t, "c1"))
	testutil.AssertSpeakingOrder(t, []string{"a", "b", "c", "a", "b", "c"}, h.messages(t, "c1"))
	assert.Equal(t, 2, h.sink.Count(EventRoundCompleted))

	q, err := h.mgr.QueueState(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Round)
	assert.Equal(t, -1, q.CurrentIndex)
	for _, e := range q.Queue {
		assert.Equal(t, types.QueueCompleted, e.Status)
	}
}

func TestManager_MessagesCarryTurnKeysAndSequence(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 2), fixtures.Agents("c1", "a", "b"))
	require.NoError(t, h.runToEnd(t, "c1"))

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, int64(i), m.Seq)
		require.NotNil(t, m.TurnKey)
		assert.Equal(t, i/2, m.TurnKey.Round)
		assert.Equal(t, i%2, m.TurnKey.Sequence)
	}
	for _, tr := range h.turns(t, "c1") {
		assert.NotEmpty(t, tr.MessageID)
		snap, err := h.store.GetSnapshot(context.Background(), tr.Key)
		require.NoError(t, err)
		assert.Equal(t, tr.Key, snap.TurnKey)
	}
}

func TestManager_ModeratorProposalsAreValidated(t *testing.T) {
	var mu sync.Mutex
	reasons := map[string]int{}
	var sawSecretary bool
	sched := turn.NewScheduler(
		turn.WithSelector(types.ModeModerator, turn.SelectorFunc(func(_ context.Context, req turn.SelectionRequest) (string, error) {
			mu.Lock()
			sawSecretary = req.Secretary != nil
			mu.Unlock()
			return "c", nil
		})),
		turn.WithOverrideHook(func(_ types.ConversationMode, reason string) {
			mu.Lock()
			reasons[reason]++
			mu.Unlock()
		}),
	)
	h := newHarness(t, nil, nil, DefaultConfig(), WithScheduler(sched))
	conv := fixtures.BoundedConversation("c1", 1)
	conv.Mode = types.ModeModerator
	agents := append(fixtures.Agents("c1", "a", "b", "c"), fixtures.Secretary("c1", "sec"))
	h.create(t, conv, agents)

	require.NoError(t, h.runToEnd(t, "c1"))

	testutil.AssertSpeakingOrder(t, []string{"c", "a", "b"}, h.messages(t, "c1"))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawSecretary)
	assert.Equal(t, 2, reasons[turn.OverrideAlreadySpoken])
}

func TestManager_UnknownProposalFallsBackToRosterOrder(t *testing.T) {
	sched := turn.NewScheduler(
		turn.WithSelector(types.ModeModerator, turn.SelectorFunc(func(context.Context, turn.SelectionRequest) (string, error) {
			return "ghost", nil
		})),
	)
	h := newHarness(t, nil, nil, DefaultConfig(), WithScheduler(sched))
	conv := fixtures.BoundedConversation("c1", 1)
	conv.Mode = types.ModeModerator
	h.create(t, conv, fixtures.Agents("c1", "a", "b", "c"))

	require.NoError(t, h.runToEnd(t, "c1"))
	testutil.AssertSpeakingOrder(t, []string{"a", "b", "c"}, h.messages(t, "c1"))
}

func TestManager_TimeoutFailsTurnAndExcludesAgent(t *testing.T) {
	agent := mocks.NewMockAgent().WithBlock("b")
	cfg := DefaultConfig()
	cfg.TurnTimeout = 20 * time.Millisecond
	cfg.MaxConsecutiveFailures = 3
	h := newHarness(t, nil, agent, cfg)
	h.create(t, fixtures.BoundedConversation("c1", 4), fixtures.Agents("c1", "a", "b", "c"))

	require.NoError(t, h.runToEnd(t, "c1"))

	turns := h.turns(t, "c1")
	testutil.AssertTurnStates(t, map[types.TurnState]int{
		types.TurnCompleted: 8,
		types.TurnFailed:    3,
	}, turns)
	for _, tr := range turns {
		if tr.State == types.TurnFailed {
			assert.Equal(t, "b", tr.AgentID)
			assert.Contains(t, tr.Error, "timeout")
			assert.Less(t, tr.Key.Round, 3)
		}
	}

	warnings := h.sink.Events(EventWarning)
	require.Len(t, warnings, 1)
	w := warnings[0].Payload.(WarningEvent)
	assert.Equal(t, WarningAgentExcluded, w.Code)
	assert.Equal(t, "b", w.AgentID)
}

func TestManager_FailedTurnDoesNotBlockRound(t *testing.T) {
	agent := mocks.NewMockAgent().WithFailures("a", 1)
	h := newHarness(t, nil, agent, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 2), fixtures.Agents("c1", "a", "b"))

	require.NoError(t, h.runToEnd(t, "c1"))

	testutil.AssertTurnStates(t, map[types.TurnState]int{
		types.TurnCompleted: 3,
		types.TurnFailed:    1,
	}, h.turns(t, "c1"))
	assert.Zero(t, h.sink.Count(EventWarning))
	completed := h.sink.Events(EventRoundCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, 1, completed[0].Payload.(RoundCompletedEvent).Failed)
}

func TestManager_InterjectionMergedAtRoundBoundary(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 2), fixtures.Agents("c1", "a", "b"))

	ij, err := h.mgr.SubmitInterjection(context.Background(), "c1", "Please consider costs.", 0)
	require.NoError(t, err)

	require.NoError(t, h.runToEnd(t, "c1"))

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 5)
	assert.Equal(t, types.MessageInterjection, msgs[2].Type)
	assert.Equal(t, interjection.MessageID(ij.ID), msgs[2].ID)
	assert.Equal(t, 1, msgs[2].Round)
	assert.Equal(t, "Please consider costs.", msgs[2].Content)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}
	assert.Equal(t, 1, h.sink.Count(EventInterjectionMerged))

	pending, err := h.orch.Merger().Pending(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_PauseTakesEffectAfterCurrentTurnAndResumeContinues(t *testing.T) {
	var mgr *Manager
	var once sync.Once
	agent := mocks.NewMockAgent().OnCall(func(_ string, key types.TurnKey) {
		if key.Round == 1 && key.Sequence == 0 {
			once.Do(func() { assert.NoError(t, mgr.Pause(context.Background(), key.ConversationID)) })
		}
	})
	h := newHarness(t, nil, agent, DefaultConfig())
	mgr = h.mgr
	h.create(t, fixtures.BoundedConversation("c1", 3), fixtures.Agents("c1", "a", "b"))

	require.NoError(t, h.runToEnd(t, "c1"))

	conv := h.conversation(t, "c1")
	assert.Equal(t, types.StatusPaused, conv.Status)
	assert.Equal(t, 1, conv.CurrentRound)
	testutil.AssertSpeakingOrder(t, []string{"a", "b", "a"}, h.messages(t, "c1"))

	ctx := testutil.TestContext(t)
	require.NoError(t, h.mgr.Resume(ctx, "c1"))
	require.NoError(t, h.mgr.Wait(ctx, "c1"))

	conv = h.conversation(t, "c1")
	assert.Equal(t, types.StatusStopped, conv.Status)
	testutil.AssertSpeakingOrder(t, []string{"a", "b", "a", "b", "a", "b"}, h.messages(t, "c1"))

	round1, err := h.store.ListTurnsByRound(context.Background(), "c1", 1)
	require.NoError(t, err)
	require.Len(t, round1, 2)
	assert.Equal(t, "a", round1[0].AgentID)
	assert.Equal(t, "b", round1[1].AgentID)
	assert.Equal(t, 1, round1[1].Key.Sequence)
}

func TestManager_StopCancelsInFlightTurn(t *testing.T) {
	entered := make(chan struct{}, 1)
	agent := mocks.NewMockAgent().WithBlock("b").OnCall(func(agentID string, _ types.TurnKey) {
		if agentID == "b" {
			entered <- struct{}{}
		}
	})
	cfg := DefaultConfig()
	cfg.TurnTimeout = time.Minute
	h := newHarness(t, nil, agent, cfg)
	h.create(t, fixtures.Conversation("c1"), fixtures.Agents("c1", "a", "b"))

	ctx := testutil.TestContext(t)
	require.NoError(t, h.mgr.Start(ctx, "c1"))
	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("agent b was never dispatched")
	}

	require.NoError(t, h.mgr.Stop(ctx, "c1"))
	require.NoError(t, h.mgr.Wait(ctx, "c1"))

	conv := h.conversation(t, "c1")
	assert.Equal(t, types.StatusStopped, conv.Status)
	assert.Equal(t, ReasonStopped, conv.StatusReason)

	turns := h.turns(t, "c1")
	testutil.AssertTurnStates(t, map[types.TurnState]int{
		types.TurnCompleted: 1,
		types.TurnCancelled: 1,
	}, turns)
	for _, tr := range turns {
		if tr.AgentID == "b" {
			assert.Equal(t, types.TurnCancelled, tr.State)
			assert.NotNil(t, tr.EndedAt)
		}
	}
}

func TestManager_EmptyRoster(t *testing.T) {
	tests := []struct {
		name   string
		stop   bool
		status types.ConversationStatus
	}{
		{name: "pauses by default", status: types.StatusPaused},
		{name: "stops when configured", stop: true, status: types.StatusStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.StopOnEmptyRoster = tt.stop
			h := newHarness(t, nil, nil, cfg)
			h.create(t, fixtures.Conversation("c1"), []*types.Agent{fixtures.Secretary("c1", "sec")})

			err := h.runToEnd(t, "c1")
			assert.True(t, types.IsErrorCode(err, types.ErrEmptyRoster))

			conv := h.conversation(t, "c1")
			assert.Equal(t, tt.status, conv.Status)
			assert.Equal(t, ReasonEmptyRoster, conv.StatusReason)
			assert.Empty(t, h.turns(t, "c1"))

			warnings := h.sink.Events(EventWarning)
			require.Len(t, warnings, 1)
			assert.Equal(t, WarningEmptyRoster, warnings[0].Payload.(WarningEvent).Code)
		})
	}
}

func TestManager_StoreFailurePausesAndResumeRecovers(t *testing.T) {
	store := mocks.NewFlakyStore(persistence.NewMemoryStore())
	h := newHarness(t, store, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 1), fixtures.Agents("c1", "a", "b"))

	store.Fail(mocks.OpPutMessage, -1)
	err := h.runToEnd(t, "c1")
	assert.True(t, types.IsErrorCode(err, types.ErrStoreFailure))

	conv := h.conversation(t, "c1")
	assert.Equal(t, types.StatusPaused, conv.Status)
	assert.Equal(t, ReasonStoreFailure, conv.StatusReason)
	assert.Equal(t, 2, store.Injected(mocks.OpPutMessage))

	store.Heal()
	ctx := testutil.TestContext(t)
	require.NoError(t, h.mgr.Resume(ctx, "c1"))
	require.NoError(t, h.mgr.Wait(ctx, "c1"))

	assert.Equal(t, types.StatusStopped, h.conversation(t, "c1").Status)
	turns := h.turns(t, "c1")
	testutil.AssertTurnStates(t, map[types.TurnState]int{
		types.TurnCancelled: 1,
		types.TurnCompleted: 2,
	}, turns)
	assert.Equal(t, CancelAbandoned, turns[0].Error)
	testutil.AssertSpeakingOrder(t, []string{"a", "b"}, h.messages(t, "c1"))
}

func TestManager_WordLimitDecisions(t *testing.T) {
	tests := []struct {
		name     string
		chance   int
		draw     float64
		extended bool
		limits   map[string]int
	}{
		{name: "never extended at zero chance", chance: 0, draw: 0, limits: map[string]int{"a": 200, "b": 50}},
		{name: "always extended at full chance", chance: 100, draw: 0.999, extended: true, limits: map[string]int{"a": 600, "b": 150}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil, DefaultConfig(),
				WithPolicy(turn.NewPolicy(mocks.NewFixedSource(tt.draw))))
			conv := fixtures.BoundedConversation("c1", 1)
			conv.ExtendedSpeakingChance = tt.chance
			agents := fixtures.Agents("c1", "a", "b")
			agents[1].WordLimit = 50
			h.create(t, conv, agents)

			require.NoError(t, h.runToEnd(t, "c1"))
			for _, tr := range h.turns(t, "c1") {
				assert.Equal(t, tt.extended, tr.Extended)
				assert.Equal(t, tt.limits[tr.AgentID], tr.WordLimit)
			}
		})
	}
}

func TestManager_UpdateSettings(t *testing.T) {
	entered := make(chan struct{}, 1)
	agent := mocks.NewMockAgent().WithBlock("a").OnCall(func(string, types.TurnKey) {
		select {
		case entered <- struct{}{}:
		default:
		}
	})
	cfg := DefaultConfig()
	cfg.TurnTimeout = time.Minute
	h := newHarness(t, nil, agent, cfg)
	h.create(t, fixtures.Conversation("c1"), fixtures.Agents("c1", "a"))
	ctx := testutil.TestContext(t)

	speed := 500
	conv, err := h.mgr.UpdateSettings(ctx, "c1", SettingsUpdate{SpeedMs: &speed})
	require.NoError(t, err)
	assert.Equal(t, 500, conv.SpeedMs)

	bad := 4
	_, err = h.mgr.UpdateSettings(ctx, "c1", SettingsUpdate{ExtendedMultiplier: &bad})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))

	require.NoError(t, h.mgr.Start(ctx, "c1"))
	<-entered

	_, err = h.mgr.UpdateSettings(ctx, "c1", SettingsUpdate{SpeedMs: &speed})
	assert.True(t, types.IsErrorCode(err, types.ErrConversationRunning))

	deep := types.DepthDeep
	conv, err = h.mgr.UpdateSettings(ctx, "c1", SettingsUpdate{ConversationDepth: &deep})
	require.NoError(t, err)
	assert.Equal(t, types.DepthDeep, conv.ConversationDepth)

	require.NoError(t, h.mgr.Stop(ctx, "c1"))
}

func TestManager_DeleteRefusesWhileRunning(t *testing.T) {
	entered := make(chan struct{}, 1)
	agent := mocks.NewMockAgent().WithBlock("a").OnCall(func(string, types.TurnKey) {
		select {
		case entered <- struct{}{}:
		default:
		}
	})
	cfg := DefaultConfig()
	cfg.TurnTimeout = time.Minute
	h := newHarness(t, nil, agent, cfg)
	h.create(t, fixtures.Conversation("c1"), fixtures.Agents("c1", "a"))
	ctx := testutil.TestContext(t)

	require.NoError(t, h.mgr.Start(ctx, "c1"))
	<-entered
	err := h.mgr.DeleteConversation(ctx, "c1")
	assert.True(t, types.IsErrorCode(err, types.ErrConversationRunning))

	require.NoError(t, h.mgr.Stop(ctx, "c1"))
	require.NoError(t, h.mgr.DeleteConversation(ctx, "c1"))

	_, err = h.mgr.GetConversation(ctx, "c1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	_, err = h.mgr.QueueState(ctx, "c1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	turns, err := h.store.ListTurns(ctx, "c1")
	if err == nil {
		assert.Empty(t, turns)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	ctx := context.Background()

	_, err := h.mgr.CreateConversation(ctx, fixtures.Conversation("c1"), []*types.Agent{
		fixtures.Secretary("c1", "s1"),
		fixtures.Secretary("c1", "s2"),
	})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))

	conv := fixtures.Conversation("c2")
	conv.ExtendedSpeakingChance = 101
	_, err = h.mgr.CreateConversation(ctx, conv, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))

	created, err := h.mgr.CreateConversation(ctx, &types.Conversation{Subject: "defaults"}, []*types.Agent{{Name: "Anon"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.ModeRoundRobin, created.Mode)
	assert.Equal(t, types.StatusIdle, created.Status)
	agents, err := h.mgr.ListAgents(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.NotEmpty(t, agents[0].ID)

	_, err = h.mgr.AddAgent(ctx, created.ID, fixtures.Secretary(created.ID, "s1"))
	require.NoError(t, err)
	_, err = h.mgr.AddAgent(ctx, created.ID, fixtures.Secretary(created.ID, "s2"))
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
}

func TestManager_ReorderAgents(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 1), append(fixtures.Agents("c1", "a", "b", "c"), fixtures.Secretary("c1", "sec")))
	ctx := context.Background()

	assert.True(t, types.IsErrorCode(h.mgr.ReorderAgents(ctx, "c1", []string{"a", "b"}), types.ErrInvalidInput))
	assert.True(t, types.IsErrorCode(h.mgr.ReorderAgents(ctx, "c1", []string{"a", "a", "b"}), types.ErrInvalidInput))
	assert.True(t, types.IsErrorCode(h.mgr.ReorderAgents(ctx, "c1", []string{"a", "b", "sec"}), types.ErrInvalidInput))
	require.NoError(t, h.mgr.ReorderAgents(ctx, "c1", []string{"c", "a", "b"}))

	require.NoError(t, h.runToEnd(t, "c1"))
	testutil.AssertSpeakingOrder(t, []string{"c", "a", "b"}, h.messages(t, "c1"))
}

func TestManager_React(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 1), fixtures.Agents("c1", "a"))
	require.NoError(t, h.runToEnd(t, "c1"))
	ctx := context.Background()

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 1)
	msg, err := h.mgr.React(ctx, "c1", msgs[0].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Weight)
	msg, err = h.mgr.React(ctx, "c1", msgs[0].ID, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Weight)

	_, err = h.mgr.React(ctx, "c1", "missing", 1)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestManager_LifecycleGuards(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 1), fixtures.Agents("c1", "a"))
	ctx := context.Background()

	assert.True(t, types.IsErrorCode(h.mgr.Resume(ctx, "c1"), types.ErrInvalidTransition))
	assert.True(t, types.IsErrorCode(h.mgr.Pause(ctx, "c1"), types.ErrInvalidTransition))
	assert.True(t, types.IsErrorCode(h.mgr.Start(ctx, "missing"), types.ErrNotFound))

	require.NoError(t, h.runToEnd(t, "c1"))
	assert.True(t, types.IsErrorCode(h.mgr.Start(ctx, "c1"), types.ErrInvalidTransition))
	_, err := h.mgr.SubmitInterjection(ctx, "c1", "too late", 0)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
}

func TestManager_RunAllRunsConversationsConcurrently(t *testing.T) {
	h := newHarness(t, nil, mocks.NewMockAgent().WithDelay(5*time.Millisecond), DefaultConfig())
	ids := []string{"c1", "c2", "c3"}
	for _, id := range ids {
		h.create(t, fixtures.BoundedConversation(id, 2), fixtures.Agents(id, "a", "b"))
	}

	require.NoError(t, h.mgr.RunAll(testutil.TestContext(t), ids))

	for _, id := range ids {
		assert.Equal(t, types.StatusStopped, h.conversation(t, id).Status)
		testutil.AssertSpeakingOrder(t, []string{"a", "b", "a", "b"}, h.messages(t, id))
	}
}

func TestManager_StatusEventsFollowLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 1), fixtures.Agents("c1", "a"))
	require.NoError(t, h.runToEnd(t, "c1"))

	events := h.sink.Events(EventStatus)
	require.Len(t, events, 2)
	first := events[0].Payload.(StatusEvent)
	assert.Equal(t, types.StatusIdle, first.From)
	assert.Equal(t, types.StatusRunning, first.To)
	last := events[1].Payload.(StatusEvent)
	assert.Equal(t, types.StatusStopped, last.To)
	assert.Equal(t, ReasonMaxRounds, last.Reason)

	for _, e := range h.sink.Events(EventTurnState) {
		ev := e.Payload.(TurnStateEvent)
		if ev.From != "" {
			assert.True(t, turn.CanTransition(ev.From, ev.Turn.State), "%s -> %s", ev.From, ev.Turn.State)
		}
	}
}

func TestProperty_EveryAgentSpeaksOncePerRound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(rt, "agents")
		rounds := rapid.IntRange(1, 3).Draw(rt, "rounds")
		mode := rapid.SampledFrom([]types.ConversationMode{types.ModeRoundRobin, types.ModeDynamic}).Draw(rt, "mode")

		ids := make([]string, n)
		agent := mocks.NewMockAgent()
		for i := range ids {
			ids[i] = fmt.Sprintf("agent-%d", i)
			if rapid.Bool().Draw(rt, "fails-"+ids[i]) {
				agent.WithError(ids[i], nil)
			}
		}

		cfg := DefaultConfig()
		cfg.MaxConsecutiveFailures = 100
		h := newHarness(t, nil, agent, cfg)
		conv := fixtures.BoundedConversation("c1", rounds)
		conv.Mode = mode
		h.create(t, conv, fixtures.Agents("c1", ids...))
		if err := h.runToEnd(t, "c1"); err != nil {
			rt.Fatalf("run: %v", err)
		}

		for r := 0; r < rounds; r++ {
			turns, err := h.store.ListTurnsByRound(context.Background(), "c1", r)
			if err != nil {
				rt.Fatalf("list turns: %v", err)
			}
			if len(turns) != n {
				rt.Fatalf("round %d: %d turns, want %d", r, len(turns), n)
			}
			seen := map[string]bool{}
			for i, tr := range turns {
				if tr.Key.Sequence != i {
					rt.Fatalf("round %d: sequence gap at %d", r, i)
				}
				if seen[tr.AgentID] {
					rt.Fatalf("round %d: %s spoke twice", r, tr.AgentID)
				}
				seen[tr.AgentID] = true
				if !turn.IsTerminal(tr.State) {
					rt.Fatalf("round %d: turn %s left %s", r, tr.Key, tr.State)
				}
			}
		}
	})
}

func TestManager_UpdateSettingsKeepsLoopStatus(t *testing.T) {
	store := mocks.NewFlakyStore(persistence.NewMemoryStore())
	dispatched := make(chan struct{})
	gate := make(chan struct{})
	agent := mocks.NewMockAgent().OnCall(func(string, types.TurnKey) {
		close(dispatched)
		<-gate
	})
	cfg := DefaultConfig()
	cfg.TurnTimeout = time.Minute
	h := newHarness(t, store, agent, cfg)
	h.create(t, fixtures.BoundedConversation("c1", 1), fixtures.Agents("c1", "a"))
	ctx := testutil.TestContext(t)

	require.NoError(t, h.mgr.Start(ctx, "c1"))
	<-dispatched

	// 设置写入卡在 store 入口，期间让循环跑完并落盘 stopped
	entered, release := store.Hold(mocks.OpUpdateConversation)
	type result struct {
		conv *types.Conversation
		err  error
	}
	done := make(chan result, 1)
	deep := types.DepthDeep
	go func() {
		conv, err := h.mgr.UpdateSettings(ctx, "c1", SettingsUpdate{ConversationDepth: &deep})
		done <- result{conv, err}
	}()
	<-entered

	close(gate)
	require.NoError(t, h.mgr.Wait(ctx, "c1"))
	release()
	res := <-done
	require.NoError(t, res.err)

	conv := h.conversation(t, "c1")
	assert.Equal(t, types.StatusStopped, conv.Status)
	assert.Equal(t, ReasonMaxRounds, conv.StatusReason)
	assert.Equal(t, 1, conv.CurrentRound)
	assert.Equal(t, types.DepthDeep, conv.ConversationDepth)
	assert.Equal(t, types.StatusStopped, res.conv.Status)
}

func TestManager_DepthEditReachesNextTurn(t *testing.T) {
	dispatched := make(chan struct{})
	gate := make(chan struct{})
	agent := mocks.NewMockAgent().OnCall(func(agentID string, _ types.TurnKey) {
		if agentID == "a" {
			close(dispatched)
			<-gate
		}
	})
	cfg := DefaultConfig()
	cfg.TurnTimeout = time.Minute
	h := newHarness(t, nil, agent, cfg)
	h.create(t, fixtures.BoundedConversation("c1", 1), fixtures.Agents("c1", "a", "b"))
	ctx := testutil.TestContext(t)

	require.NoError(t, h.mgr.Start(ctx, "c1"))
	<-dispatched
	brief := types.DepthBrief
	_, err := h.mgr.UpdateSettings(ctx, "c1", SettingsUpdate{ConversationDepth: &brief})
	require.NoError(t, err)
	close(gate)
	require.NoError(t, h.mgr.Wait(ctx, "c1"))

	limits := map[string]int{}
	for _, tr := range h.turns(t, "c1") {
		limits[tr.AgentID] = tr.WordLimit
	}
	assert.Equal(t, map[string]int{"a": 200, "b": 60}, limits)
}

func TestManager_StopRequiresStartedConversation(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	h.create(t, fixtures.BoundedConversation("c1", 1), fixtures.Agents("c1", "a"))
	ctx := context.Background()

	err := h.mgr.Stop(ctx, "c1")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	assert.Equal(t, types.StatusIdle, h.conversation(t, "c1").Status)
	assert.Zero(t, h.sink.Count(EventStatus))

	require.NoError(t, h.runToEnd(t, "c1"))
	require.NoError(t, h.mgr.Stop(ctx, "c1"))
	conv := h.conversation(t, "c1")
	assert.Equal(t, types.StatusStopped, conv.Status)
	assert.Equal(t, ReasonMaxRounds, conv.StatusReason)
}

func TestControl_WithdrawnPauseKeepsPacing(t *testing.T) {
	h := newHarness(t, nil, nil, DefaultConfig())
	ctl := newControl(func() {})
	ctl.requestPause()
	require.True(t, ctl.withdrawPause())
	assert.False(t, ctl.shouldPause())

	start := time.Now()
	assert.True(t, h.orch.sleep(testutil.TestContext(t), 30, ctl))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctl.requestPause()
	assert.False(t, h.orch.sleep(testutil.TestContext(t), 1000, ctl))
}
