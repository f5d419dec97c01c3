package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fluxrill/pdal/lib/backend"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	log = logger.GetLogger("pdal/retry")

	attemptsTotal    = metrics.GetOrCreateCounter("pdal_retry_attempts_total")
	rateLimitedTotal = metrics.GetOrCreateCounter("pdal_retry_rate_limited_total")
	exhaustedTotal   = metrics.GetOrCreateCounter("pdal_retry_exhausted_total")
)

// --------------------------------------------------------------------------
// Policy
// --------------------------------------------------------------------------

// Operation is any remote call executed under a retry policy. Results are
// returned through the closure; the policy only sees the error.
type Operation func(ctx context.Context) error

// Policy encapsulates bounded exponential backoff with jitter. Failures
// whose code is retryable (see backend.RetCode.Retryable) are retried up
// to MaxAttempts; everything else propagates immediately. A rate-limit
// error carrying a server-suggested wait overrides the computed backoff
// when the suggestion is larger.
type Policy struct {
	// MaxAttempts is the total attempt budget including the first try.
	MaxAttempts int
	// BaseBackoff is the wait after the first failed attempt; it doubles
	// per attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// sleep and jitter are swapped out by tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewPolicy creates a retry policy with the given budget and backoff
// bounds.
func NewPolicy(maxAttempts int, base, max time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseBackoff: base,
		MaxBackoff:  max,
		sleep:       sleepCtx,
		// jitter is uniform in [-0.2, 0.2].
		jitter: func() float64 { return rand.Float64()*0.4 - 0.2 },
	}
}

// DefaultPolicy returns the default retry policy: 5 attempts, 50ms base
// backoff, 5s cap.
func DefaultPolicy() *Policy {
	return NewPolicy(5, 50*time.Millisecond, 5*time.Second)
}

// sleepCtx waits for d or until the context is cancelled. The wait is a
// plain timer, so concurrent operations are never blocked by one
// operation backing off.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return backend.WrapError(backend.RetCCancelled, "backoff aborted", ctx.Err())
	}
}

// --------------------------------------------------------------------------
// Execution
// --------------------------------------------------------------------------

// Do executes op with the full retry budget. Only use Do for idempotent
// operations (reads, writes with an idempotency key); a non-idempotent
// operation that has not opted in belongs in DoSingle.
func (p *Policy) Do(ctx context.Context, op Operation) error {
	return p.execute(ctx, op, p.MaxAttempts)
}

// DoSingle executes op exactly once. It exists so non-idempotent
// operations share the policy's error classification and cancellation
// handling without risking duplicate side effects.
func (p *Policy) DoSingle(ctx context.Context, op Operation) error {
	return p.execute(ctx, op, 1)
}

// Execute is the generic form of Do for operations returning a value.
func Execute[R any](ctx context.Context, p *Policy, op func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := p.Do(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

func (p *Policy) execute(ctx context.Context, op Operation, budget int) error {
	var lastErr error

	for attempt := 1; attempt <= budget; attempt++ {
		attemptsTotal.Inc()

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		code := backend.CodeOf(err)
		if code == backend.RetCCancelled {
			return err
		}
		if !code.Retryable() {
			// Fatal classes propagate unchanged, without consuming budget.
			return err
		}
		if code == backend.RetCRateLimited {
			rateLimitedTotal.Inc()
		}
		if attempt == budget {
			break
		}

		wait := p.backoffFor(attempt, err)
		log.Debugf("attempt %d/%d failed (%s), retrying in %v: %v", attempt, budget, code, wait, err)
		if serr := p.sleep(ctx, wait); serr != nil {
			return serr
		}
	}

	if budget == 1 {
		// A single-attempt budget is not an exhausted retry, the error
		// surfaces as-is.
		return lastErr
	}

	exhaustedTotal.Inc()
	return &backend.Error{
		Code:     backend.CodeOf(lastErr),
		Msg:      "retry budget exhausted",
		Attempts: budget,
		Err:      lastErr,
	}
}

// backoffFor computes the wait before the next attempt: exponential in the
// attempt number, bounded by MaxBackoff, scaled by jitter. A rate-limit
// suggestion larger than the computed wait wins, even past MaxBackoff.
func (p *Policy) backoffFor(attempt int, err error) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}

	d = time.Duration(float64(d) * (1 + p.jitter()))
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if d < 0 {
		d = 0
	}

	if e, ok := backend.AsError(err); ok && e.Code == backend.RetCRateLimited && e.RetryAfter > d {
		d = e.RetryAfter
	}
	return d
}
