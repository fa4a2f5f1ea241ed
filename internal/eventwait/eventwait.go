// Package eventwait blocks a caller until an awaited device state holds.
// It layers a predicate loop over the control invoker: one immediate probe to
// catch states that already hold, then long-poll probes so the device pushes
// changes instead of being busy-polled.
package eventwait

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/camkit/camlink/core/logx"
	"github.com/camkit/camlink/internal/api"
)

// ErrTimeout reports that the predicate never held within the deadline.
var ErrTimeout = errors.New("eventwait: condition not met before deadline")

// DefaultInterval paces successive probes once polling begins, bounding the
// request rate seen by the device.
const DefaultInterval = 100 * time.Millisecond

// QueryFunc issues the state query in the given mode.
type QueryFunc func(ctx context.Context, mode api.Mode) (*api.Response, error)

// Predicate inspects one query reply. Returning an error (or panicking on a
// state group the device has not populated yet) counts as "not yet
// satisfied", never as a fatal failure.
type Predicate func(*api.Response) (bool, error)

// Waiter repeatedly issues a state query and evaluates a predicate over each
// reply. One Waiter serves one query shape; construct it once per session.
type Waiter struct {
	// OnFallback, when set, is called each time a failed long-poll probe is
	// retried as an immediate one.
	OnFallback func()

	query     QueryFunc
	limiter   *rate.Limiter
	fallbacks atomic.Uint64
}

// New returns a waiter over query, pacing polls at interval (DefaultInterval
// when zero).
func New(query QueryFunc, interval time.Duration) *Waiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	// Drain the initial burst token so the pause applies from the very first
	// polling iteration.
	lim.Allow()
	return &Waiter{query: query, limiter: lim}
}

// Options tune one Wait call.
type Options struct {
	// Timeout bounds the whole wait. Zero waits until ctx is done.
	Timeout time.Duration
	// First forces the mode of the opening probe. Nil probes immediately.
	First *api.Mode
}

// Fallbacks returns how many long-poll probes were retried as immediate ones
// over the waiter's lifetime.
func (w *Waiter) Fallbacks() uint64 { return w.fallbacks.Load() }

// Wait blocks until pred holds over a query reply and returns that reply.
// Transport failure of a long-poll probe falls back once to an immediate
// probe; the fallback is counted, not hidden. A second failure in the same
// iteration propagates.
func (w *Waiter) Wait(ctx context.Context, pred Predicate, opts Options) (*api.Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, ErrTimeout)
		defer cancel()
	}

	mode := api.Immediate
	if opts.First != nil {
		mode = *opts.First
	}

	for {
		resp, err := w.query(ctx, mode)
		if err != nil && mode == api.LongPoll && api.IsTransport(err) && ctx.Err() == nil {
			w.fallbacks.Add(1)
			if w.OnFallback != nil {
				w.OnFallback()
			}
			logx.Log.Debug().Err(err).Uint64("fallbacks", w.fallbacks.Load()).
				Msg("long poll failed; probing immediately")
			resp, err = w.query(ctx, api.Immediate)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, waitErr(ctx)
			}
			return nil, err
		}
		if satisfied(pred, resp) {
			return resp, nil
		}
		mode = api.LongPoll

		if err := w.limiter.Wait(ctx); err != nil {
			return nil, waitErr(ctx)
		}
	}
}

// waitErr maps context termination to the waiter's error taxonomy: the
// Options.Timeout deadline reports ErrTimeout, external cancellation reports
// the context's own error.
func waitErr(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return ErrTimeout
	}
	return ctx.Err()
}

// satisfied evaluates pred, absorbing errors and panics: a predicate poking
// at a state group the device has not reported yet simply has not matched.
func satisfied(pred Predicate, resp *api.Response) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Trace().Any("panic", r).Msg("predicate panicked on partial state")
			ok = false
		}
	}()
	ok, err := pred(resp)
	if err != nil {
		return false
	}
	return ok
}
