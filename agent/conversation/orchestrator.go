package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	agentctx "github.com/BaSui01/roundtable/agent/context"
	"github.com/BaSui01/roundtable/agent/interjection"
	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/agent/turn"
	"github.com/BaSui01/roundtable/internal/cache"
	"github.com/BaSui01/roundtable/internal/metrics"
	"github.com/BaSui01/roundtable/internal/telemetry"
	"github.com/BaSui01/roundtable/types"
)

// Status reasons written by the round loop.
const (
	ReasonMaxRounds    = "max_rounds_reached"
	ReasonPaused       = "paused_by_user"
	ReasonStopped      = "stopped_by_user"
	ReasonEmptyRoster  = "empty_roster"
	ReasonStoreFailure = "store_failure"
)

// Cancellation reasons recorded on turns.
const (
	CancelStopped   = "conversation stopped"
	CancelAbandoned = "abandoned before restart"
)

// Config controls the round loop.
type Config struct {
	TurnTimeout            time.Duration
	MaxConsecutiveFailures int
	StopOnEmptyRoster      bool
	RecentMessages         int // window handed to selectors
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		TurnTimeout:            2 * time.Minute,
		MaxConsecutiveFailures: 3,
		RecentMessages:         20,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventSink sets where lifecycle events go.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithMetrics sets the collector. A nil collector records nothing.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithTracer sets the tracer used for round and turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithQueueStates caches queue snapshots for polling clients.
func WithQueueStates(q cache.QueueStates) Option {
	return func(o *Orchestrator) {
		if q != nil {
			o.queue = q
		}
	}
}

// WithRetrier replaces the store retrier.
func WithRetrier(r *persistence.Retrier) Option {
	return func(o *Orchestrator) { o.retrier = r }
}

// WithScheduler replaces the turn scheduler.
func WithScheduler(s *turn.Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

// WithPolicy replaces the word limit policy.
func WithPolicy(p *turn.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithBudgeter replaces the context budgeter.
func WithBudgeter(b *agentctx.Budgeter) Option {
	return func(o *Orchestrator) { o.budgeter = b }
}

// WithMerger replaces the interjection merger.
func WithMerger(m *interjection.Merger) Option {
	return func(o *Orchestrator) { o.merger = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator runs the round loop of conversations. One loop runs per
// conversation; loops of different conversations share nothing but the
// store and the dispatcher.
type Orchestrator struct {
	store      persistence.Store
	dispatcher Dispatcher
	config     Config

	retrier   *persistence.Retrier
	scheduler *turn.Scheduler
	policy    *turn.Policy
	machine   *turn.Machine
	budgeter  *agentctx.Budgeter
	merger    *interjection.Merger
	queue     cache.QueueStates
	sink      EventSink
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	health map[string]*speakerHealth
}

// speakerHealth tracks consecutive failures; it lives for the process.
type speakerHealth struct {
	failures map[string]int
	excluded map[string]bool
}

// NewOrchestrator creates an orchestrator over store and dispatcher.
func NewOrchestrator(store persistence.Store, dispatcher Dispatcher, config Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if config.TurnTimeout <= 0 {
		config.TurnTimeout = def.TurnTimeout
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if config.RecentMessages <= 0 {
		config.RecentMessages = def.RecentMessages
	}

	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		sink:       nopSink{},
		queue:      cache.NewMemoryQueueStates(nil),
		tracer:     otel.Tracer(telemetry.InstrumentationName),
		logger:     zap.NewNop(),
		now:        time.Now,
		newID:      uuid.NewString,
		health:     make(map[string]*speakerHealth),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))

	if o.retrier == nil {
		o.retrier = persistence.NewRetrier(persistence.DefaultRetryConfig(), o.logger)
		o.retrier.OnRetry(func(op string, _ int, _ error) { o.metrics.RecordStoreRetry(op) })
	}
	if o.scheduler == nil {
		o.scheduler = turn.NewScheduler(
			turn.WithSchedulerLogger(o.logger),
			turn.WithSelector(types.ModeModerator, NewSecretarySelector(dispatcher, config.TurnTimeout, o.logger)),
			turn.WithOverrideHook(func(mode types.ConversationMode, reason string) {
				o.metrics.RecordSchedulerOverride(string(mode), reason)
			}),
		)
	}
	if o.policy == nil {
		o.policy = turn.NewPolicy(nil)
	}
	if o.budgeter == nil {
		o.budgeter = agentctx.NewBudgeter(store, nil, nil, agentctx.DefaultConfig(), o.logger)
	}
	if o.merger == nil {
		o.merger = interjection.NewMerger(store, o.logger)
	}
	o.machine = turn.NewMachine(o.now)
	return o
}

// Merger returns the interjection merger shared with the loop.
func (o *Orchestrator) Merger() *interjection.Merger { return o.merger }

// QueueStates returns the queue snapshot cache.
func (o *Orchestrator) QueueStates() cache.QueueStates { return o.queue }

// control is the handle between a running loop and its Manager.
type control struct {
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	err    error

	mu             sync.Mutex
	pauseRequested bool
	exiting        bool
}

func newControl(cancel context.CancelFunc) *control {
	return &control{
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// requestPause asks the loop to stop after the current turn.
func (c *control) requestPause() {
	c.mu.Lock()
	c.pauseRequested = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// withdrawPause cancels a pause the loop has not acted on yet.
func (c *control) withdrawPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exiting {
		return false
	}
	c.pauseRequested = false
	select {
	case <-c.wake:
	default:
	}
	return true
}

// shouldPause commits the loop to exit when a pause is pending.
func (c *control) shouldPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pauseRequested {
		c.exiting = true
	}
	return c.pauseRequested
}

// roundState is the in-memory view of the round being run.
type roundState struct {
	conv      *types.Conversation
	roster    []*types.Agent
	secretary *types.Agent
	spoken    map[string]bool
	order     []string // speaking order of finished turns
	nextSeq   int
	completed int
	failed    int
}

// run drives one conversation until it pauses, stops or fails.
// Cancelling ctx is the stop signal.
func (o *Orchestrator) run(ctx context.Context, conversationID string, ctl *control) error {
	log := o.logger.With(zap.String("conversation_id", conversationID))
	log.Info("round loop started")
	defer log.Info("round loop exited")

	for {
		conv, err := o.loadConversation(ctx, conversationID)
		if err != nil {
			return o.halt(ctx, conversationID, err)
		}
		if conv.Status != types.StatusRunning {
			return nil
		}
		if conv.HasRoundCap() && conv.CurrentRound >= conv.MaxRounds {
			_, err := o.setStatus(ctx, conversationID, types.StatusStopped, ReasonMaxRounds)
			return err
		}

		finished, err := o.runRound(ctx, conv, ctl)
		if err != nil {
			return o.halt(ctx, conversationID, err)
		}
		if !finished {
			_, err := o.setStatus(ctx, conversationID, types.StatusPaused, ReasonPaused)
			return err
		}

		if ctl.shouldPause() {
			_, err := o.setStatus(ctx, conversationID, types.StatusPaused, ReasonPaused)
			return err
		}
		if !o.sleep(ctx, conv.SpeedMs, ctl) {
			if ctx.Err() != nil {
				return nil
			}
			if ctl.shouldPause() {
				_, err := o.setStatus(ctx, conversationID, types.StatusPaused, ReasonPaused)
				return err
			}
		}
	}
}

// halt turns a loop error into a status. Stop is not an error.
func (o *Orchestrator) halt(ctx context.Context, conversationID string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	bg := context.WithoutCancel(ctx)
	switch {
	case types.IsErrorCode(err, types.ErrEmptyRoster):
		o.warn(conversationID, WarningEmptyRoster, "", err.Error())
		status := types.StatusPaused
		if o.config.StopOnEmptyRoster {
			status = types.StatusStopped
		}
		if _, serr := o.setStatus(bg, conversationID, status, ReasonEmptyRoster); serr != nil {
			o.logger.Error("failed to record empty roster status", zap.String("conversation_id", conversationID), zap.Error(serr))
		}
	case types.IsErrorCode(err, types.ErrStoreFailure):
		o.warn(conversationID, WarningStoreFailure, "", err.Error())
		if _, serr := o.setStatus(bg, conversationID, types.StatusPaused, ReasonStoreFailure); serr != nil {
			o.logger.Error("failed to record store failure status", zap.String("conversation_id", conversationID), zap.Error(serr))
		}
	default:
		o.logger.Error("round loop aborted", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return err
}

// runRound plays the current round to its end. It returns false when a
// pause was honoured before every agent spoke.
func (o *Orchestrator) runRound(ctx context.Context, conv *types.Conversation, ctl *control) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "roundtable.round", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.Int("round", conv.CurrentRound),
		attribute.String("mode", string(conv.Mode)),
	))
	defer span.End()

	rs, err := o.prepareRound(ctx, conv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	for {
		if ctl.shouldPause() {
			return false, nil
		}
		if err := o.refreshDepth(ctx, rs); err != nil {
			return false, err
		}
		remaining := turn.Remaining(rs.roster, rs.spoken)
		var recent []*types.Message
		if err := o.retrier.Do(ctx, "list messages", func(ctx context.Context) error {
			msgs, err := o.store.ListMessages(ctx, conv.ID)
			recent = msgs
			return err
		}); err != nil {
			return false, err
		}
		if len(recent) > o.config.RecentMessages {
			recent = recent[len(recent)-o.config.RecentMessages:]
		}

		speaker, ok := o.scheduler.Next(ctx, turn.SelectionRequest{
			Conversation: rs.conv,
			Round:        rs.conv.CurrentRound,
			Secretary:    rs.secretary,
			Remaining:    remaining,
			Spoken:       spokenAgents(rs.roster, rs.spoken),
			Recent:       recent,
		})
		if !ok {
			break
		}

		if err := o.mergeInterjections(ctx, rs, nextMessageSeq(recent)); err != nil {
			return false, err
		}
		if err := o.playTurn(ctx, rs, speaker); err != nil {
			return false, err
		}
	}

	span.SetAttributes(attribute.Int("turns.completed", rs.completed), attribute.Int("turns.failed", rs.failed))
	if err := o.finishRound(ctx, rs); err != nil {
		return false, err
	}
	return true, nil
}

// refreshDepth picks up a depth edited while the round runs. Depth is the
// only setting that can change under a running loop.
func (o *Orchestrator) refreshDepth(ctx context.Context, rs *roundState) error {
	fresh, err := o.loadConversation(ctx, rs.conv.ID)
	if err != nil {
		return err
	}
	if fresh.ConversationDepth != rs.conv.ConversationDepth {
		o.logger.Debug("depth changed mid-round",
			zap.String("conversation_id", rs.conv.ID),
			zap.String("depth", string(fresh.ConversationDepth)))
		rs.conv.ConversationDepth = fresh.ConversationDepth
	}
	return nil
}

// prepareRound loads the roster and resumes from any persisted turns of
// the round. Open turns left by an earlier process are cancelled.
func (o *Orchestrator) prepareRound(ctx context.Context, conv *types.Conversation) (*roundState, error) {
	var agents []*types.Agent
	if err := o.retrier.Do(ctx, "list agents", func(ctx context.Context) error {
		var err error
		agents, err = o.store.ListAgents(ctx, conv.ID)
		return err
	}); err != nil {
		return nil, err
	}
	roster, err := o.scheduler.Roster(conv.ID, agents, o.excluded(conv.ID))
	if err != nil {
		return nil, err
	}

	var turns []*types.Turn
	if err := o.retrier.Do(ctx, "list turns", func(ctx context.Context) error {
		var err error
		turns, err = o.store.ListTurnsByRound(ctx, conv.ID, conv.CurrentRound)
		return err
	}); err != nil {
		return nil, err
	}

	rs := &roundState{
		conv:      conv,
		roster:    roster,
		secretary: turn.Secretary(agents),
		spoken:    make(map[string]bool, len(roster)),
		nextSeq:   len(turns),
	}
	for _, t := range turns {
		switch t.State {
		case types.TurnCompleted:
			rs.completed++
		case types.TurnFailed:
			rs.failed++
		case types.TurnPlanned, types.TurnRunning:
			if err := o.cancelTurn(ctx, t, CancelAbandoned); err != nil {
				return nil, err
			}
			continue
		default:
			continue
		}
		rs.spoken[t.AgentID] = true
		rs.order = append(rs.order, t.AgentID)
	}
	if len(turns) > 0 {
		o.logger.Info("resuming round",
			zap.String("conversation_id", conv.ID),
			zap.Int("round", conv.CurrentRound),
			zap.Int("spoken", len(rs.order)))
	}
	o.publishQueue(ctx, rs, "")
	return rs, nil
}

// mergeInterjections folds due user interjections into the stream ahead
// of the next turn.
func (o *Orchestrator) mergeInterjections(ctx context.Context, rs *roundState, nextSeq int64) error {
	var merged []*types.Message
	err := o.retrier.Do(ctx, "merge interjections", func(ctx context.Context) error {
		msgs, err := o.merger.Merge(ctx, rs.conv.ID, rs.conv.CurrentRound, nextSeq+int64(len(merged)))
		merged = append(merged, msgs...)
		return err
	})
	if len(merged) > 0 {
		ids := make([]string, len(merged))
		for i, m := range merged {
			ids[i] = m.ID
		}
		o.metrics.RecordInterjectionsMerged(len(merged))
		o.sink.Publish(EventInterjectionMerged, InterjectionMergedEvent{
			ConversationID: rs.conv.ID,
			Round:          rs.conv.CurrentRound,
			MessageIDs:     ids,
		})
	}
	return err
}

// playTurn runs one speaker through planned, running and a terminal state.
func (o *Orchestrator) playTurn(ctx context.Context, rs *roundState, speaker *types.Agent) error {
	conv := rs.conv
	key := types.TurnKey{ConversationID: conv.ID, Round: conv.CurrentRound, Sequence: rs.nextSeq}

	ctx, span := o.tracer.Start(ctx, "roundtable.turn", trace.WithAttributes(
		attribute.String("turn.key", key.String()),
		attribute.String("agent.id", speaker.ID),
	))
	defer span.End()

	t := types.NewTurn(key, speaker.ID, o.now())
	decision := o.policy.Decide(conv, speaker)
	decision.Apply(t)
	o.metrics.RecordWordLimitDecision(decision.Extended)
	span.SetAttributes(attribute.Int("word_limit", t.WordLimit), attribute.Bool("extended", t.Extended))

	if err := o.putTurn(ctx, t, ""); err != nil {
		return err
	}
	rs.nextSeq++

	assembled, err := o.assemble(ctx, conv, key)
	if err != nil {
		if ctx.Err() != nil {
			_ = o.cancelTurn(context.WithoutCancel(ctx), t, CancelStopped)
			return ctx.Err()
		}
		return err
	}

	from := t.State
	if err := o.machine.Start(t); err != nil {
		return err
	}
	if err := o.putTurn(ctx, t, from); err != nil {
		return err
	}
	o.publishQueue(ctx, rs, speaker.ID)

	started := o.now()
	content, dispatchErr := o.dispatch(ctx, conv, speaker, t, assembled)
	switch {
	case ctx.Err() != nil:
		_ = o.cancelTurn(context.WithoutCancel(ctx), t, CancelStopped)
		return ctx.Err()
	case dispatchErr != nil:
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, dispatchErr.Error())
		if err := o.machine.Fail(t, dispatchErr); err != nil {
			return err
		}
		if err := o.putTurn(ctx, t, types.TurnRunning); err != nil {
			return err
		}
		rs.failed++
		o.recordFailure(conv.ID, speaker.ID)
		o.logger.Warn("turn failed",
			zap.String("turn", key.String()),
			zap.String("agent_id", speaker.ID),
			zap.Error(dispatchErr))
	default:
		msg := &types.Message{
			ID:             o.newID(),
			ConversationID: conv.ID,
			TurnKey:        &key,
			AgentID:        speaker.ID,
			Round:          conv.CurrentRound,
			Type:           types.MessageAgent,
			Content:        content,
			CreatedAt:      o.now(),
		}
		if err := o.appendMessage(ctx, msg); err != nil {
			return err
		}
		if err := o.machine.Complete(t, msg.ID); err != nil {
			return err
		}
		if err := o.putTurn(ctx, t, types.TurnRunning); err != nil {
			return err
		}
		rs.completed++
		o.recordSuccess(conv.ID, speaker.ID)
	}

	o.metrics.RecordTurn(string(conv.Mode), string(t.State), o.now().Sub(started))
	rs.spoken[speaker.ID] = true
	rs.order = append(rs.order, speaker.ID)
	o.publishQueue(ctx, rs, "")
	return nil
}

// assemble builds the turn context and writes its snapshot.
func (o *Orchestrator) assemble(ctx context.Context, conv *types.Conversation, key types.TurnKey) (*agentctx.Assembled, error) {
	var assembled *agentctx.Assembled
	if err := o.retrier.Do(ctx, "assemble context", func(ctx context.Context) error {
		var err error
		assembled, err = o.budgeter.Assemble(ctx, conv)
		return err
	}); err != nil {
		return nil, err
	}

	o.metrics.RecordContext(assembled.EstimatedTokens, assembled.Distilled, assembled.DegradeReason)
	ev := ContextEvent{
		ConversationID:     conv.ID,
		TurnKey:            key,
		EstimatedTokens:    assembled.EstimatedTokens,
		LastDistilledRound: assembled.LastDistilledRound,
	}
	if assembled.Distilled {
		o.metrics.RecordDistillation()
		o.sink.Publish(EventContextDistilled, ev)
	}
	if assembled.Degraded {
		ev.Reason = assembled.DegradeReason
		o.sink.Publish(EventContextDegraded, ev)
	}

	snap := o.budgeter.Snapshot(key, assembled)
	err := o.retrier.Do(ctx, "put snapshot", func(ctx context.Context) error {
		return o.store.PutSnapshot(ctx, snap)
	})
	if err != nil && !errors.Is(err, persistence.ErrAlreadyExists) {
		return nil, err
	}
	return assembled, nil
}

// dispatch calls the agent under the turn timeout.
func (o *Orchestrator) dispatch(ctx context.Context, conv *types.Conversation, speaker *types.Agent, t *types.Turn, assembled *agentctx.Assembled) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, o.config.TurnTimeout)
	defer cancel()

	res, err := o.dispatcher.Dispatch(dctx, DispatchRequest{
		Conversation: conv,
		Agent:        speaker,
		TurnKey:      t.Key,
		Context:      assembled,
		WordLimit:    t.WordLimit,
		Extended:     t.Extended,
	})
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return "", types.NewError(types.ErrDispatchTimeout, "timeout").
			WithCause(fmt.Errorf("no response within %s", o.config.TurnTimeout))
	}
	if err != nil {
		return "", types.NewError(types.ErrDispatchFailure, "dispatch failed").WithCause(err)
	}
	if res == nil || res.Content == "" {
		return "", types.NewError(types.ErrDispatchFailure, "empty response")
	}
	return res.Content, nil
}

// finishRound compacts the finished round and advances the counter.
// Only CurrentRound is written, and it never moves backwards.
func (o *Orchestrator) finishRound(ctx context.Context, rs *roundState) error {
	conv := rs.conv

	next, err := o.updateConversation(ctx, conv.ID, "advance round", func(c *types.Conversation) error {
		if c.CurrentRound <= conv.CurrentRound {
			c.CurrentRound = conv.CurrentRound + 1
		}
		c.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		return err
	}

	var res *agentctx.DistillResult
	if err := o.retrier.Do(ctx, "compact context", func(ctx context.Context) error {
		var err error
		res, err = o.budgeter.Compact(ctx, next)
		return err
	}); err != nil {
		return err
	}
	if res != nil {
		o.metrics.RecordDistillation()
		o.sink.Publish(EventContextDistilled, ContextEvent{
			ConversationID:     conv.ID,
			EstimatedTokens:    res.TokensAfter,
			LastDistilledRound: res.ToRound,
		})
	}

	o.metrics.RecordRoundCompleted(string(conv.Mode))
	o.sink.Publish(EventRoundCompleted, RoundCompletedEvent{
		ConversationID: conv.ID,
		Round:          conv.CurrentRound,
		Completed:      rs.completed,
		Failed:         rs.failed,
	})
	o.logger.Info("round completed",
		zap.String("conversation_id", conv.ID),
		zap.Int("round", conv.CurrentRound),
		zap.Int("completed", rs.completed),
		zap.Int("failed", rs.failed))
	return nil
}

// sleep waits SpeedMs between rounds. It returns false when woken early.
func (o *Orchestrator) sleep(ctx context.Context, speedMs int, ctl *control) bool {
	if speedMs <= 0 {
		return true
	}
	timer := time.NewTimer(time.Duration(speedMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-ctl.wake:
		return false
	}
}

// cancelOpenTurns marks every planned or running turn cancelled.
func (o *Orchestrator) cancelOpenTurns(ctx context.Context, conversationID, reason string) error {
	var turns []*types.Turn
	if err := o.retrier.Do(ctx, "list turns", func(ctx context.Context) error {
		var err error
		turns, err = o.store.ListTurns(ctx, conversationID)
		return err
	}); err != nil {
		return err
	}
	for _, t := range turns {
		if turn.IsTerminal(t.State) {
			continue
		}
		if err := o.cancelTurn(ctx, t, reason); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) cancelTurn(ctx context.Context, t *types.Turn, reason string) error {
	from := t.State
	if err := o.machine.Cancel(t, reason); err != nil {
		return err
	}
	return o.putTurn(ctx, t, from)
}

// putTurn persists t and announces the transition from the given state.
func (o *Orchestrator) putTurn(ctx context.Context, t *types.Turn, from types.TurnState) error {
	if err := o.retrier.Do(ctx, "put turn", func(ctx context.Context) error {
		return o.store.PutTurn(ctx, t)
	}); err != nil {
		return err
	}
	if from != "" {
		o.metrics.RecordTurnTransition(string(from), string(t.State))
	}
	o.sink.Publish(EventTurnState, TurnStateEvent{Turn: *t.Clone(), From: from})
	return nil
}

func (o *Orchestrator) appendMessage(ctx context.Context, msg *types.Message) error {
	return o.retrier.Do(ctx, "put message", func(ctx context.Context) error {
		all, err := o.store.ListMessages(ctx, msg.ConversationID)
		if err != nil {
			return err
		}
		msg.Seq = nextMessageSeq(all)
		return o.store.PutMessage(ctx, msg)
	})
}

func (o *Orchestrator) loadConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := o.retrier.Do(ctx, "get conversation", func(ctx context.Context) error {
		var err error
		conv, err = o.store.GetConversation(ctx, id)
		return err
	})
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound("conversation", id)
	}
	return conv, err
}

// updateConversation applies mutate to the stored row atomically.
func (o *Orchestrator) updateConversation(ctx context.Context, id, op string, mutate persistence.ConversationMutator) (*types.Conversation, error) {
	var conv *types.Conversation
	err := o.retrier.Do(ctx, op, func(ctx context.Context) error {
		var err error
		conv, err = o.store.UpdateConversation(ctx, id, mutate)
		return err
	})
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound("conversation", id)
	}
	return conv, err
}

// setStatus persists a status change and publishes it.
func (o *Orchestrator) setStatus(ctx context.Context, id string, to types.ConversationStatus, reason string) (*types.Conversation, error) {
	return o.transition(ctx, id, nil, to, reason)
}

// transition writes Status and StatusReason only. A non-nil allowed
// rejects the change unless the stored status is one of them.
func (o *Orchestrator) transition(ctx context.Context, id string, allowed []types.ConversationStatus, to types.ConversationStatus, reason string) (*types.Conversation, error) {
	var from types.ConversationStatus
	conv, err := o.updateConversation(ctx, id, "put conversation", func(c *types.Conversation) error {
		from = c.Status
		if allowed != nil && !slices.Contains(allowed, c.Status) {
			return types.NewError(types.ErrInvalidTransition,
				fmt.Sprintf("cannot move conversation %s from %s to %s", id, c.Status, to))
		}
		c.Status = to
		c.StatusReason = reason
		c.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordStatusChange(string(to))
	o.sink.Publish(EventStatus, StatusEvent{ConversationID: id, From: from, To: to, Reason: reason})
	o.logger.Info("conversation status changed",
		zap.String("conversation_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return conv, nil
}

// publishQueue derives the queue snapshot and caches it.
func (o *Orchestrator) publishQueue(ctx context.Context, rs *roundState, current string) {
	remaining := make([]string, 0, len(rs.roster))
	for _, a := range rs.roster {
		if !rs.spoken[a.ID] && a.ID != current {
			remaining = append(remaining, a.ID)
		}
	}
	order := append([]string(nil), rs.order...)
	q := types.BuildQueueState(rs.conv.ID, rs.conv.CurrentRound, order, current, remaining, o.now())
	if err := o.queue.Put(ctx, q); err != nil {
		o.logger.Debug("queue state not cached", zap.String("conversation_id", rs.conv.ID), zap.Error(err))
	}
	o.sink.Publish(EventQueueUpdated, q)
}

func (o *Orchestrator) warn(conversationID, code, agentID, message string) {
	o.sink.Publish(EventWarning, WarningEvent{
		ConversationID: conversationID,
		Code:           code,
		AgentID:        agentID,
		Message:        message,
	})
}

func (o *Orchestrator) healthOf(conversationID string) *speakerHealth {
	h, ok := o.health[conversationID]
	if !ok {
		h = &speakerHealth{failures: make(map[string]int), excluded: make(map[string]bool)}
		o.health[conversationID] = h
	}
	return h
}

func (o *Orchestrator) excluded(conversationID string) map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.healthOf(conversationID)
	out := make(map[string]bool, len(h.excluded))
	for id := range h.excluded {
		out[id] = true
	}
	return out
}

func (o *Orchestrator) recordSuccess(conversationID, agentID string) {
	o.mu.Lock()
	delete(o.healthOf(conversationID).failures, agentID)
	o.mu.Unlock()
}

// recordFailure excludes an agent from later rounds once it fails too
// many turns in a row.
func (o *Orchestrator) recordFailure(conversationID, agentID string) {
	o.mu.Lock()
	h := o.healthOf(conversationID)
	h.failures[agentID]++
	n := h.failures[agentID]
	newlyExcluded := n >= o.config.MaxConsecutiveFailures && !h.excluded[agentID]
	if newlyExcluded {
		h.excluded[agentID] = true
	}
	o.mu.Unlock()

	if !newlyExcluded {
		return
	}
	o.metrics.RecordAgentExcluded()
	o.warn(conversationID, WarningAgentExcluded, agentID,
		fmt.Sprintf("agent %s excluded after %d consecutive failures", agentID, n))
	o.logger.Warn("agent excluded",
		zap.String("conversation_id", conversationID),
		zap.String("agent_id", agentID),
		zap.Int("failures", n))
}

// reinstate clears exclusions, e.g. after the roster is edited.
func (o *Orchestrator) reinstate(conversationID string) {
	o.mu.Lock()
	delete(o.health, conversationID)
	o.mu.Unlock()
}

func spokenAgents(roster []*types.Agent, spoken map[string]bool) []*types.Agent {
	out := make([]*types.Agent, 0, len(spoken))
	for _, a := range roster {
		if spoken[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

func nextMessageSeq(msgs []*types.Message) int64 {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].Seq + 1
}

func notFound(kind, id string) error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id)).WithCause(persistence.ErrNotFound)
}
