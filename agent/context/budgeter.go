package context

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/llm/tokenizer"
	"github.com/BaSui01/roundtable/types"
)

// Store is what the budgeter reads and writes.
type Store interface {
	ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error)
	GetDistilledMemory(ctx context.Context, conversationID string) (*types.DistilledMemory, error)
	PutDistilledMemory(ctx context.Context, mem *types.DistilledMemory) error
}

// Degrade reasons recorded on an Assembled context.
const (
	DegradeSummaryOnly      = "summary_only"
	DegradeSummarizerFailed = "summarizer_failed"
)

// Config configures the Budgeter.
type Config struct {
	// SafetyMargin is the share of MaxContextTokens that triggers distillation.
	SafetyMargin float64 `json:"safety_margin" yaml:"safety_margin"`
}

// DefaultConfig triggers distillation at 90% of the budget.
func DefaultConfig() Config {
	return Config{SafetyMargin: 0.9}
}

// Assembled is the context handed to an agent for one turn.
type Assembled struct {
	Summary            string
	LastDistilledRound int
	Messages           []*types.Message // raw messages after the watermark
	EstimatedTokens    int
	Distilled          bool // distillation ran during this call
	Degraded           bool
	DegradeReason      string
}

// DistillResult describes one distillation pass.
type DistillResult struct {
	ConversationID string
	FromRound      int // first round folded in
	ToRound        int // new watermark
	Messages       int
	TokensBefore   int
	TokensAfter    int
}

// Stats tracks budgeter activity.
type Stats struct {
	Distillations     int64 `json:"distillations"`
	Degradations      int64 `json:"degradations"`
	SummarizerErrors  int64 `json:"summarizer_errors"`
	TokensSaved       int64 `json:"tokens_saved"`
	AssembledContexts int64 `json:"assembled_contexts"`
}

// Budgeter keeps each agent's context within MaxContextTokens by folding
// older rounds into the conversation's distilled memory.
type Budgeter struct {
	store      Store
	tokenizer  tokenizer.Tokenizer
	summarizer Summarizer
	config     Config
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewBudgeter creates a Budgeter. A nil tokenizer uses the estimator and a
// nil summarizer uses ExtractiveSummarizer.
func NewBudgeter(store Store, tok tokenizer.Tokenizer, summarizer Summarizer, config Config, logger *zap.Logger) *Budgeter {
	if tok == nil {
		tok = tokenizer.NewEstimatorTokenizer()
	}
	if summarizer == nil {
		summarizer = NewExtractiveSummarizer()
	}
	if config.SafetyMargin <= 0 || config.SafetyMargin > 1 {
		config.SafetyMargin = DefaultConfig().SafetyMargin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Budgeter{
		store:      store,
		tokenizer:  tok,
		summarizer: summarizer,
		config:     config,
		logger:     logger.With(zap.String("component", "context_budgeter")),
		now:        time.Now,
	}
}

// Assemble builds the context for the next turn of conv, distilling first
// when the estimate crosses the safety margin. Budget overruns never fail:
// they degrade to a summary-only context.
func (b *Budgeter) Assemble(ctx context.Context, conv *types.Conversation) (*Assembled, error) {
	mem, msgs, err := b.load(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	tok := b.tokenizer

	out := &Assembled{}
	b.fill(out, mem, msgs, tok)

	if conv.MaxContextTokens > 0 && float64(out.EstimatedTokens) > float64(conv.MaxContextTokens)*b.config.SafetyMargin {
		res, next, err := b.distill(ctx, conv, mem, msgs, tok)
		switch {
		case errors.Is(err, errSummarizer):
			b.trim(out, conv.MaxContextTokens, tok)
		case err != nil:
			return nil, err
		case res != nil:
			out.Distilled = true
			b.fill(out, next, msgs, tok)
		}

		if !out.Degraded && out.EstimatedTokens > conv.MaxContextTokens {
			out.Messages = nil
			out.EstimatedTokens = countSummary(tok, out.Summary)
			out.Degraded = true
			out.DegradeReason = DegradeSummaryOnly
		}
	}

	b.mu.Lock()
	b.stats.AssembledContexts++
	if out.Degraded {
		b.stats.Degradations++
	}
	b.mu.Unlock()

	if out.Degraded {
		b.logger.Warn("context degraded",
			zap.String("conversation_id", conv.ID),
			zap.String("reason", out.DegradeReason),
			zap.Int("estimated_tokens", out.EstimatedTokens),
			zap.Int("max_context_tokens", conv.MaxContextTokens),
		)
	}
	return out, nil
}

// Compact runs the same threshold check after a round and distils when
// needed. It returns nil when nothing was distilled.
func (b *Budgeter) Compact(ctx context.Context, conv *types.Conversation) (*DistillResult, error) {
	if conv.MaxContextTokens <= 0 {
		return nil, nil
	}
	mem, msgs, err := b.load(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	tok := b.tokenizer

	var trial Assembled
	b.fill(&trial, mem, msgs, tok)
	if float64(trial.EstimatedTokens) <= float64(conv.MaxContextTokens)*b.config.SafetyMargin {
		return nil, nil
	}

	res, _, err := b.distill(ctx, conv, mem, msgs, tok)
	if errors.Is(err, errSummarizer) {
		return nil, nil
	}
	return res, err
}

// Snapshot records what an agent saw for a turn.
func (b *Budgeter) Snapshot(key types.TurnKey, a *Assembled) *types.ContextSnapshot {
	ids := make([]string, len(a.Messages))
	for i, m := range a.Messages {
		ids[i] = m.ID
	}
	return &types.ContextSnapshot{
		TurnKey:            key,
		Summary:            a.Summary,
		LastDistilledRound: a.LastDistilledRound,
		MessageIDs:         ids,
		EstimatedTokens:    a.EstimatedTokens,
		Distilled:          a.Distilled,
		Degraded:           a.Degraded,
		CreatedAt:          b.now(),
	}
}

// GetStats returns budgeter statistics.
func (b *Budgeter) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Budgeter) load(ctx context.Context, conversationID string) (*types.DistilledMemory, []*types.Message, error) {
	mem, err := b.store.GetDistilledMemory(ctx, conversationID)
	if errors.Is(err, persistence.ErrNotFound) {
		mem, err = types.EmptyMemory(conversationID), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load distilled memory: %w", err)
	}
	msgs, err := b.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return mem, msgs, nil
}

// fill sets summary, raw tail and estimate from mem and msgs.
func (b *Budgeter) fill(out *Assembled, mem *types.DistilledMemory, msgs []*types.Message, tok tokenizer.Tokenizer) {
	out.Summary = mem.Summary
	out.LastDistilledRound = mem.LastDistilledRound
	out.Messages = tailAfter(msgs, mem.LastDistilledRound)
	out.EstimatedTokens = countSummary(tok, mem.Summary) + countMessages(tok, out.Messages)
}

var errSummarizer = errors.New("summarizer failed")

// distill folds messages of rounds (watermark, CurrentRound-1] into the summary.
// It is a no-op when that range holds no messages.
func (b *Budgeter) distill(ctx context.Context, conv *types.Conversation, mem *types.DistilledMemory, msgs []*types.Message, tok tokenizer.Tokenizer) (*DistillResult, *types.DistilledMemory, error) {
	target := conv.CurrentRound - 1
	if target <= mem.LastDistilledRound {
		return nil, mem, nil
	}
	var fold []*types.Message
	for _, m := range msgs {
		if m.Round > mem.LastDistilledRound && m.Round <= target {
			fold = append(fold, m)
		}
	}
	if len(fold) == 0 {
		return nil, mem, nil
	}

	before := countSummary(tok, mem.Summary) + countMessages(tok, fold)
	summary, err := b.summarizer.Summarize(ctx, mem.Summary, fold)
	if err != nil {
		b.mu.Lock()
		b.stats.SummarizerErrors++
		b.mu.Unlock()
		b.logger.Warn("summarizer failed, trimming raw tail instead",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
		return nil, mem, fmt.Errorf("%w: %w", errSummarizer, err)
	}

	next := &types.DistilledMemory{
		ConversationID:     conv.ID,
		LastDistilledRound: target,
		Summary:            summary,
		UpdatedAt:          b.now(),
	}
	if err := b.store.PutDistilledMemory(ctx, next); err != nil {
		return nil, mem, fmt.Errorf("put distilled memory: %w", err)
	}

	after := countSummary(tok, summary)
	res := &DistillResult{
		ConversationID: conv.ID,
		FromRound:      mem.LastDistilledRound + 1,
		ToRound:        target,
		Messages:       len(fold),
		TokensBefore:   before,
		TokensAfter:    after,
	}

	b.mu.Lock()
	b.stats.Distillations++
	if before > after {
		b.stats.TokensSaved += int64(before - after)
	}
	b.mu.Unlock()

	b.logger.Info("context distilled",
		zap.String("conversation_id", conv.ID),
		zap.Int("from_round", res.FromRound),
		zap.Int("to_round", res.ToRound),
		zap.Int("messages", res.Messages),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", after),
	)
	return res, next, nil
}

// trim keeps the newest raw messages that fit next to the summary.
func (b *Budgeter) trim(out *Assembled, maxTokens int, tok tokenizer.Tokenizer) {
	used := countSummary(tok, out.Summary)
	kept := make([]*types.Message, 0, len(out.Messages))
	for i := len(out.Messages) - 1; i >= 0; i-- {
		cost := countMessages(tok, out.Messages[i:i+1])
		if used+cost > maxTokens {
			break
		}
		kept = append(kept, out.Messages[i])
		used += cost
	}
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	out.Messages = kept
	out.EstimatedTokens = used
	out.Degraded = true
	out.DegradeReason = DegradeSummarizerFailed
}

func tailAfter(msgs []*types.Message, watermark int) []*types.Message {
	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Round > watermark {
			out = append(out, m)
		}
	}
	return out
}

func countSummary(tok tokenizer.Tokenizer, summary string) int {
	if summary == "" {
		return 0
	}
	n, err := tok.CountTokens(summary)
	if err != nil {
		n, _ = tokenizer.NewEstimatorTokenizer().CountTokens(summary)
	}
	return n
}

func countMessages(tok tokenizer.Tokenizer, msgs []*types.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	in := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		in[i] = tokenizer.Message{Speaker: speaker(m), Content: m.Content}
	}
	n, err := tok.CountMessages(in)
	if err != nil {
		n, _ = tokenizer.NewEstimatorTokenizer().CountMessages(in)
	}
	return n
}
