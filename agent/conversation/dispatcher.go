package conversation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	agentctx "github.com/BaSui01/roundtable/agent/context"
	"github.com/BaSui01/roundtable/types"
)

// DispatchRequest is everything an agent needs to produce one turn.
type DispatchRequest struct {
	Conversation *types.Conversation
	Agent        *types.Agent
	TurnKey      types.TurnKey
	Context      *agentctx.Assembled
	WordLimit    int
	Extended     bool
	// Selection is non-nil when the secretary is asked to pick the next
	// speaker; the reply names an agent instead of being a turn.
	Selection *SpeakerSelection
}

// DispatchResult is the agent's contribution.
type DispatchResult struct {
	Content string
}

// Dispatcher produces turn content, typically through an LLM call.
// Implementations must honour ctx cancellation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) (*DispatchResult, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	return f(ctx, req)
}

// RateLimitedDispatcher throttles dispatches shared by all conversations,
// so concurrent conversations do not exceed a provider quota.
type RateLimitedDispatcher struct {
	next    Dispatcher
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimitedDispatcher wraps next with a token bucket of rps and burst.
// rps <= 0 disables throttling.
func NewRateLimitedDispatcher(next Dispatcher, rps float64, burst int, logger *zap.Logger) *RateLimitedDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedDispatcher{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("component", "rate_limited_dispatcher")),
	}
}

// Dispatch waits for a token, then forwards to the wrapped dispatcher.
func (d *RateLimitedDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Debug("dispatch throttled past deadline",
			zap.String("turn", req.TurnKey.String()),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return d.next.Dispatch(ctx, req)
}
