// Package retry runs provider calls with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/provider"
)

const (
	DefaultMaxAttempts = 5
	DefaultMaxElapsed  = 30 * time.Second
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
)

// Policy retries operations that fail with a transient or rate limited
// error. Conflict, permanent and cancelled failures end the loop at once.
// The zero value uses the defaults.
type Policy struct {
	MaxAttempts int
	// MaxElapsed bounds the time from the first attempt to the start of the
	// last one. A wait that would cross it ends the loop.
	MaxElapsed time.Duration
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, kind provider.Kind, wait time.Duration, err error)

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	random func(n int64) int64
}

// Outcome describes how an operation finished.
type Outcome struct {
	Attempts int
	// Err is the last error, nil on success.
	Err  error
	Kind provider.Kind
	// Exhausted is set when a retryable failure ran out of attempts or time.
	Exhausted bool
}

func (o Outcome) OK() bool { return o.Err == nil }

func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		MaxElapsed:  DefaultMaxElapsed,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = DefaultMaxElapsed
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(DefaultMaxDelay, p.BaseDelay)
	}
	if p.sleep == nil {
		p.sleep = sleep
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.random == nil {
		p.random = rand.Int64N
	}
	return p
}

// Execute calls op until it succeeds or the policy gives up.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) Outcome {
	p = p.withDefaults()
	if err := ctx.Err(); err != nil {
		return Outcome{Err: err, Kind: provider.KindCancelled}
	}

	start := p.now()
	var out Outcome
	for {
		out.Attempts++
		err := op(ctx)
		if err == nil {
			return Outcome{Attempts: out.Attempts}
		}
		out.Err, out.Kind = err, provider.KindOf(err)
		if !out.Kind.Retryable() {
			return out
		}
		if out.Attempts >= p.MaxAttempts {
			out.Exhausted = true
			return out
		}

		wait := p.delay(out.Attempts)
		if hint := provider.RetryAfter(err); hint > wait {
			wait = hint
		}
		if p.now().Sub(start)+wait > p.MaxElapsed {
			out.Exhausted = true
			return out
		}
		if p.OnRetry != nil {
			p.OnRetry(out.Attempts, out.Kind, wait, err)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return Outcome{Attempts: out.Attempts, Err: err, Kind: provider.KindCancelled}
		}
	}
}

// delay is the jittered backoff after the given failed attempt, drawn from
// [d/2, d] where d doubles per attempt up to MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, p.MaxDelay)
	half := d / 2
	return half + time.Duration(p.random(int64(d-half)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
