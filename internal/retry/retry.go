// Package retry guards units of work against transient link loss. On a
// transport-level failure it re-establishes the link through an injected
// reconnect action, replays the registered recovery hooks, and re-executes
// the guarded work. Protocol and application errors pass through untouched.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/camkit/camlink/core/logx"
	"github.com/camkit/camlink/core/reconnect"
	"github.com/camkit/camlink/internal/api"
)

// Mode bounds how long the engine keeps retrying.
type Mode int

const (
	// Unbounded retries on every transport failure until the context is
	// cancelled. Used for long-running streaming sessions.
	Unbounded Mode = iota
	// GiveUpAfterOne runs the reconnect-and-retry sequence exactly once; a
	// second consecutive transport failure is propagated to the caller.
	// Used for bounded operations that must not hang indefinitely.
	GiveUpAfterOne
)

// Hook is a recovery action replayed after every reconnect, in registration
// order. Hooks run guarded by the same engine, so a hook failing at the
// transport level triggers nested recovery.
type Hook func(ctx context.Context) error

// Engine wraps units of work with reconnect-and-retry behavior.
// Safe for concurrent use; hooks and the reconnect action must tolerate
// being invoked repeatedly.
type Engine struct {
	// Backoff maps a consecutive-failure count to a pause before the next
	// recovery round. Defaults to the shared reconnect schedule.
	Backoff func(attempt int) time.Duration
	// OnRecover, when set, is called once per reconnect round.
	OnRecover func()

	reconnectAction func(ctx context.Context) error

	mu    sync.Mutex
	hooks []Hook
}

// New returns an engine using action to restore the underlying link.
// A nil action means the link needs no explicit restoration (e.g. the OS
// re-associates on its own) and only the hooks are replayed.
func New(action func(ctx context.Context) error) *Engine {
	return &Engine{Backoff: reconnect.Delay, reconnectAction: action}
}

// AddHook appends a recovery action to the replay chain.
func (e *Engine) AddHook(h Hook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()
}

// Do executes work, recovering from transport failures per mode. The error
// returned after exhausted retries is the work's own last failure, never a
// synthesized one.
func (e *Engine) Do(ctx context.Context, mode Mode, work func(ctx context.Context) error) error {
	failures := 0
	for {
		err := work(ctx)
		if err == nil || !api.IsTransport(err) {
			return err
		}
		if mode == GiveUpAfterOne && failures >= 1 {
			return err
		}
		logx.Log.Warn().Err(err).Int("failures", failures+1).Msg("transport failure; recovering link")
		if rerr := e.recover(ctx, mode, failures); rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if mode == GiveUpAfterOne {
				return err
			}
			// Unbounded: recovery itself failed at the transport level;
			// back off and run another round.
		}
		failures++
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (e *Engine) recover(ctx context.Context, mode Mode, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.backoff(attempt)):
	}
	if e.OnRecover != nil {
		e.OnRecover()
	}
	if e.reconnectAction != nil {
		if err := e.reconnectAction(ctx); err != nil {
			logx.Log.Warn().Err(err).Msg("reconnect action failed")
			return err
		}
	}
	e.mu.Lock()
	hooks := make([]Hook, len(e.hooks))
	copy(hooks, e.hooks)
	e.mu.Unlock()
	for _, h := range hooks {
		if err := e.Do(ctx, mode, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) backoff(attempt int) time.Duration {
	if e.Backoff == nil {
		return reconnect.Delay(attempt)
	}
	return e.Backoff(attempt)
}
