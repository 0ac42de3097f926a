package turn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/roundtable/types"
)

func agents() []*types.Agent {
	return []*types.Agent{
		{ID: "c", Order: 2},
		{ID: "sec", Order: 0, IsSecretary: true},
		{ID: "a", Order: 0},
		{ID: "b", Order: 1},
	}
}

func ids(as []*types.Agent) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.ID
	}
	return out
}

// runRound asks the scheduler for speakers until the round is exhausted.
func runRound(t interface{ Fatalf(string, ...any) }, s *Scheduler, conv *types.Conversation, roster []*types.Agent) []string {
	spokenSet := map[string]bool{}
	var spoken []*types.Agent
	var order []string
	for i := 0; i <= len(roster); i++ {
		req := SelectionRequest{
			Conversation: conv,
			Remaining:    Remaining(roster, spokenSet),
			Spoken:       spoken,
		}
		a, ok := s.Next(context.Background(), req)
		if !ok {
			return order
		}
		spokenSet[a.ID] = true
		spoken = append(spoken, a)
		order = append(order, a.ID)
	}
	t.Fatalf("scheduler did not finish the round")
	return nil
}

func TestScheduler_RosterExcludesSecretaryAndExcluded(t *testing.T) {
	s := NewScheduler()

	roster, err := s.Roster("c1", agents(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(roster))

	roster, err = s.Roster("c1", agents(), map[string]bool{"b": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(roster))

	_, err = s.Roster("c1", agents(), map[string]bool{"a": true, "b": true, "c": true})
	assert.True(t, types.IsErrorCode(err, types.ErrEmptyRoster))
}

func TestScheduler_RoundRobinOrder(t *testing.T) {
	s := NewScheduler()
	conv := &types.Conversation{ID: "c1", Mode: types.ModeRoundRobin}
	roster, err := s.Roster(conv.ID, agents(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, runRound(t, s, conv, roster))
}

func TestScheduler_ModeratorProposalAccepted(t *testing.T) {
	sel := SelectorFunc(func(_ context.Context, req SelectionRequest) (string, error) {
		return req.Remaining[len(req.Remaining)-1].ID, nil
	})
	s := NewScheduler(WithSelector(types.ModeModerator, sel))
	conv := &types.Conversation{ID: "c1", Mode: types.ModeModerator}
	roster, _ := s.Roster(conv.ID, agents(), nil)

	assert.Equal(t, []string{"c", "b", "a"}, runRound(t, s, conv, roster))
}

func TestScheduler_ModeratorMisbehaviourOverridden(t *testing.T) {
	var reasons []string
	sel := SelectorFunc(func(_ context.Context, req SelectionRequest) (string, error) {
		switch len(req.Spoken) {
		case 0:
			return "sec", nil // not in roster
		case 1:
			return "a", nil // already spoke
		default:
			return "", errors.New("model unavailable")
		}
	})
	s := NewScheduler(
		WithSelector(types.ModeModerator, sel),
		WithOverrideHook(func(_ types.ConversationMode, reason string) { reasons = append(reasons, reason) }),
	)
	conv := &types.Conversation{ID: "c1", Mode: types.ModeModerator}
	roster, _ := s.Roster(conv.ID, agents(), nil)

	assert.Equal(t, []string{"a", "b", "c"}, runRound(t, s, conv, roster))
	assert.Equal(t, []string{OverrideUnknownAgent, OverrideAlreadySpoken, OverrideSelectorError}, reasons)
}

func TestWeightSelector_PrefersWeightedAgent(t *testing.T) {
	s := NewScheduler()
	conv := &types.Conversation{ID: "c1", Mode: types.ModeDynamic}
	roster, _ := s.Roster(conv.ID, agents(), nil)

	req := SelectionRequest{
		Conversation: conv,
		Remaining:    roster,
		Recent: []*types.Message{
			{AgentID: "b", Type: types.MessageAgent, Weight: 1},
			{AgentID: "c", Type: types.MessageAgent, Weight: 3},
			{AgentID: "c", Type: types.MessageInterjection, Weight: 10},
		},
	}
	a, ok := s.Next(context.Background(), req)
	require.True(t, ok)
	assert.Equal(t, "c", a.ID)
}

// TestProperty_EveryAgentSpeaksOncePerRound holds for any selector output.
func TestProperty_EveryAgentSpeaksOncePerRound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "agents")
		var all []*types.Agent
		for i := 0; i < n; i++ {
			all = append(all, &types.Agent{ID: fmt.Sprintf("a%d", i), Order: rapid.IntRange(0, 3).Draw(rt, "order")})
		}
		proposals := rapid.SliceOfN(rapid.StringMatching(`(a[0-9]|x|)`), n, n).Draw(rt, "proposals")

		call := 0
		sel := SelectorFunc(func(_ context.Context, _ SelectionRequest) (string, error) {
			p := proposals[call%len(proposals)]
			call++
			return p, nil
		})
		mode := rapid.SampledFrom([]types.ConversationMode{types.ModeRoundRobin, types.ModeModerator, types.ModeDynamic}).Draw(rt, "mode")
		s := NewScheduler(WithSelector(types.ModeModerator, sel), WithSelector(types.ModeDynamic, sel))
		conv := &types.Conversation{ID: "c1", Mode: mode}

		roster, err := s.Roster(conv.ID, all, nil)
		require.NoError(rt, err)

		order := runRound(rt, s, conv, roster)
		require.Len(rt, order, n)
		seen := map[string]bool{}
		for _, id := range order {
			require.False(rt, seen[id], "agent %s spoke twice", id)
			seen[id] = true
		}
	})
}
