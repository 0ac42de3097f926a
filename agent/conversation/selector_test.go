package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/agent/turn"
	"github.com/BaSui01/roundtable/testutil"
	"github.com/BaSui01/roundtable/testutil/fixtures"
	"github.com/BaSui01/roundtable/testutil/mocks"
	"github.com/BaSui01/roundtable/types"
)

func TestParseSpeaker(t *testing.T) {
	known := fixtures.Agents("c1", "alice", "bob", "carol-2")
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{name: "exact id", answer: "bob", want: "bob"},
		{name: "exact name", answer: "  Alice. ", want: "alice"},
		{name: "case insensitive", answer: "CAROL-2", want: "carol-2"},
		{name: "first known word", answer: "I think carol-2 should go, then bob.", want: "carol-2"},
		{name: "unknown kept", answer: "  nobody here ", want: "nobody here"},
		{name: "empty", answer: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSpeaker(tt.answer, known))
		})
	}
}

func TestSecretarySelector_Propose(t *testing.T) {
	agents := fixtures.Agents("c1", "a", "b", "c")
	sec := fixtures.Secretary("c1", "sec")
	conv := fixtures.Conversation("c1")
	conv.Mode = types.ModeModerator
	req := turn.SelectionRequest{
		Conversation: conv,
		Round:        2,
		Secretary:    sec,
		Remaining:    agents[1:],
		Spoken:       agents[:1],
	}

	tests := []struct {
		name    string
		answer  string
		err     error
		want    string
		wantErr bool
	}{
		{name: "good answer", answer: "The floor goes to c.", want: "c"},
		{name: "already spoken is passed through", answer: "a", want: "a"},
		{name: "unknown is passed through", answer: "ghost", want: "ghost"},
		{name: "empty answer", answer: "", want: ""},
		{name: "dispatch error", err: errors.New("provider down"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got DispatchRequest
			d := DispatcherFunc(func(_ context.Context, r DispatchRequest) (*DispatchResult, error) {
				got = r
				if tt.err != nil {
					return nil, tt.err
				}
				return &DispatchResult{Content: tt.answer}, nil
			})
			s := NewSecretarySelector(d, 0, nil)

			id, err := s.Propose(context.Background(), req)
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)

			assert.Equal(t, "sec", got.Agent.ID)
			assert.Equal(t, selectionWordLimit, got.WordLimit)
			assert.Equal(t, types.TurnKey{ConversationID: "c1", Round: 2, Sequence: 1}, got.TurnKey)
			require.NotNil(t, got.Selection)
			assert.Len(t, got.Selection.Candidates, 2)
			assert.Contains(t, got.Selection.Prompt, "1. b (B)")
			assert.Contains(t, got.Selection.Prompt, "2. c (C)")
		})
	}
}

func TestSecretarySelector_NoSecretaryNoProposal(t *testing.T) {
	called := false
	s := NewSecretarySelector(DispatcherFunc(func(context.Context, DispatchRequest) (*DispatchResult, error) {
		called = true
		return &DispatchResult{Content: "a"}, nil
	}), 0, nil)

	id, err := s.Propose(context.Background(), turn.SelectionRequest{
		Conversation: fixtures.Conversation("c1"),
		Remaining:    fixtures.Agents("c1", "a"),
	})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.False(t, called)
}

// newModeratorManager 使用默认调度器；秘书的点名请求交给 answer 处理
func newModeratorManager(t *testing.T, answer func(sel *SpeakerSelection) string) (*Manager, *int) {
	t.Helper()
	agent := mocks.NewMockAgent()
	var mu sync.Mutex
	asked := 0
	dispatcher := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
		if req.Selection != nil {
			mu.Lock()
			asked++
			mu.Unlock()
			return &DispatchResult{Content: answer(req.Selection)}, nil
		}
		content, err := agent.Reply(ctx, req.Agent.ID, req.TurnKey)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{Content: content}, nil
	})
	orch := NewOrchestrator(persistence.NewMemoryStore(), dispatcher, DefaultConfig(),
		WithPolicy(turn.NewPolicy(mocks.NewFixedSource(0.99))))
	mgr := NewManager(orch, nil)
	t.Cleanup(mgr.Close)

	conv := fixtures.BoundedConversation("c1", 1)
	conv.Mode = types.ModeModerator
	agents := append(fixtures.Agents("c1", "a", "b", "c"), fixtures.Secretary("c1", "sec"))
	_, err := mgr.CreateConversation(context.Background(), conv, agents)
	require.NoError(t, err)
	return mgr, &asked
}

func TestManager_ModeratorAsksSecretary(t *testing.T) {
	tests := []struct {
		name   string
		answer func(sel *SpeakerSelection) string
		order  []string
	}{
		{
			name: "secretary picks last candidate",
			answer: func(sel *SpeakerSelection) string {
				return "Next: " + sel.Candidates[len(sel.Candidates)-1].ID
			},
			order: []string{"c", "b", "a"},
		},
		{
			name:   "unknown answers fall back to roster order",
			answer: func(*SpeakerSelection) string { return "ghost" },
			order:  []string{"a", "b", "c"},
		},
		{
			name: "repeated speaker falls back",
			answer: func(sel *SpeakerSelection) string {
				if len(sel.Spoken) > 0 {
					return sel.Spoken[0].ID
				}
				return "b"
			},
			order: []string{"b", "a", "c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, asked := newModeratorManager(t, tt.answer)
			ctx := testutil.TestContext(t)
			require.NoError(t, mgr.Start(ctx, "c1"))
			require.NoError(t, mgr.Wait(ctx, "c1"))

			msgs, err := mgr.Messages(ctx, "c1")
			require.NoError(t, err)
			testutil.AssertSpeakingOrder(t, tt.order, msgs)
			assert.Equal(t, 3, *asked)
		})
	}
}
