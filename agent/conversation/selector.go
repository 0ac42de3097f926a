package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	agentctx "github.com/BaSui01/roundtable/agent/context"
	"github.com/BaSui01/roundtable/agent/turn"
	"github.com/BaSui01/roundtable/types"
)

// selectionWordLimit is the answer length asked of the secretary.
const selectionWordLimit = 20

// SpeakerSelection is set on a DispatchRequest when the secretary is asked
// to name the next speaker instead of taking a turn.
type SpeakerSelection struct {
	Candidates []*types.Agent
	Spoken     []*types.Agent
	Prompt     string
}

// SecretarySelector asks the conversation's secretary, through the
// dispatcher, who speaks next in moderator mode. The answer is advisory:
// the scheduler still rejects unknown or repeated speakers.
type SecretarySelector struct {
	dispatcher Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSecretarySelector creates a selector. timeout bounds one question.
func NewSecretarySelector(dispatcher Dispatcher, timeout time.Duration, logger *zap.Logger) *SecretarySelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretarySelector{
		dispatcher: dispatcher,
		timeout:    timeout,
		logger:     logger.With(zap.String("component", "secretary_selector")),
	}
}

// Propose implements turn.Selector. With no secretary it makes no proposal.
func (s *SecretarySelector) Propose(ctx context.Context, req turn.SelectionRequest) (string, error) {
	if req.Secretary == nil || len(req.Remaining) == 0 {
		return "", nil
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.dispatcher.Dispatch(ctx, DispatchRequest{
		Conversation: req.Conversation,
		Agent:        req.Secretary,
		TurnKey:      types.TurnKey{ConversationID: req.Conversation.ID, Round: req.Round, Sequence: len(req.Spoken)},
		Context:      &agentctx.Assembled{Messages: req.Recent, LastDistilledRound: types.NoDistillation},
		WordLimit:    selectionWordLimit,
		Selection: &SpeakerSelection{
			Candidates: req.Remaining,
			Spoken:     req.Spoken,
			Prompt:     selectionPrompt(req),
		},
	})
	if err != nil {
		return "", fmt.Errorf("ask secretary %s: %w", req.Secretary.ID, err)
	}
	if res == nil {
		return "", nil
	}
	id := ParseSpeaker(res.Content, append(append([]*types.Agent(nil), req.Remaining...), req.Spoken...))
	s.logger.Debug("secretary proposed speaker",
		zap.String("conversation_id", req.Conversation.ID),
		zap.Int("round", req.Round),
		zap.String("answer", res.Content),
		zap.String("proposed", id))
	return id, nil
}

func selectionPrompt(req turn.SelectionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d of %q. Based on the conversation, select the next speaker.\n",
		req.Round, req.Conversation.Subject)
	b.WriteString("Reply with the agent ID only. Candidates:\n")
	for i, a := range req.Remaining {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, a.ID, a.Name)
	}
	return b.String()
}

// ParseSpeaker maps a free-text answer onto an agent ID. An exact ID or
// name wins, then the first word naming a known agent. Anything else is
// returned trimmed so the scheduler reports it as unknown.
func ParseSpeaker(answer string, known []*types.Agent) string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ""
	}
	match := func(word string) string {
		for _, a := range known {
			if strings.EqualFold(word, a.ID) || (a.Name != "" && strings.EqualFold(word, a.Name)) {
				return a.ID
			}
		}
		return ""
	}
	if id := match(strings.Trim(answer, " .\"'`")); id != "" {
		return id
	}
	words := strings.FieldsFunc(answer, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	for _, w := range words {
		if id := match(w); id != "" {
			return id
		}
	}
	return answer
}
