// Package camera ties the protocol engine together into a scoped device
// session: remote-control mode entry and teardown, guarded control calls,
// state waiting, and liveview streaming.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/camkit/camlink/core/logx"
	"github.com/camkit/camlink/internal/api"
	"github.com/camkit/camlink/internal/eventwait"
	"github.com/camkit/camlink/internal/liveview"
	"github.com/camkit/camlink/internal/retry"
)

// CloseBudget bounds best-effort teardown: the deferred session Close and the
// diagnostics servers' drain share it.
const CloseBudget = 5 * time.Second

// Session is an open remote-control session with one camera. Create with
// Open and release with Close; Close runs on every exit path of a well-formed
// caller (defer it immediately after Open succeeds).
type Session struct {
	ID string

	inv    *api.Invoker
	reg    *api.Registry
	engine *retry.Engine
	waiter *eventwait.Waiter
	stream *http.Client
}

// Open dials the control endpoint, enters remote-control mode, and registers
// re-entry as a recovery hook so a reconnected link lands back in a usable
// device state. reconnectAction restores the underlying network link; nil
// when the link recovers on its own.
func Open(ctx context.Context, endpoint string, reconnectAction func(ctx context.Context) error) (*Session, error) {
	s := &Session{
		ID:     uuid.NewString(),
		inv:    api.NewInvoker(endpoint),
		stream: &http.Client{},
	}
	s.reg = api.NewRegistry(s.inv)
	s.engine = retry.New(reconnectAction)
	s.engine.OnRecover = addReconnect
	s.waiter = eventwait.New(s.queryEvent, 0)
	s.waiter.OnFallback = addFallback

	setSession(s.ID, endpoint)
	setState("connecting")

	if err := s.engine.Do(ctx, retry.GiveUpAfterOne, s.enterRemoteMode); err != nil {
		setLastError(err.Error())
		setState("error")
		return nil, err
	}
	s.engine.AddHook(s.enterRemoteMode)

	setConnected(true)
	setState("ready")
	logx.Log.Info().Str("session", s.ID).Str("endpoint", endpoint).Msg("camera session open")
	return s, nil
}

// enterRemoteMode asks the device to accept remote control. Devices that are
// always in remote mode advertise no such operation, and devices already in
// the mode answer "not available"; both count as entered.
func (s *Session) enterRemoteMode(ctx context.Context) error {
	d, err := s.reg.Resolve(ctx, "startRecMode", api.ResolveOptions{})
	if errors.Is(err, api.ErrUnknownOperation) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.inv.InvokeTolerating(ctx, d, nil, api.Immediate, api.CodeNotAvailable)
	return err
}

// Close leaves remote-control mode best-effort and marks the session done.
// Safe to call on any exit path, including after transport loss.
func (s *Session) Close(ctx context.Context) error {
	defer func() {
		setConnected(false)
		setState("closed")
	}()
	_, err := s.CallTolerating(ctx, "stopRecMode", nil, api.ResolveOptions{},
		api.CodeNotAvailable, api.CodeNoSuchMethod)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("remote mode teardown failed")
		return err
	}
	logx.Log.Info().Str("session", s.ID).Msg("camera session closed")
	return nil
}

// Call resolves name and invokes it guarded against transient link loss in
// give-up mode: one reconnect-and-retry round, then the original failure.
func (s *Session) Call(ctx context.Context, name string, params []any, opts api.ResolveOptions) (*api.Response, error) {
	d, err := s.reg.Resolve(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	var resp *api.Response
	err = s.engine.Do(ctx, retry.GiveUpAfterOne, func(ctx context.Context) error {
		var ierr error
		resp, ierr = s.inv.Invoke(ctx, d, params, api.Immediate)
		return ierr
	})
	recordCall(err)
	return resp, err
}

// CallTolerating behaves like Call but swallows the listed protocol error
// codes, returning a nil response instead.
func (s *Session) CallTolerating(ctx context.Context, name string, params []any, opts api.ResolveOptions, codes ...int) (*api.Response, error) {
	d, err := s.reg.Resolve(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	var resp *api.Response
	err = s.engine.Do(ctx, retry.GiveUpAfterOne, func(ctx context.Context) error {
		var ierr error
		resp, ierr = s.inv.InvokeTolerating(ctx, d, params, api.Immediate, codes...)
		return ierr
	})
	recordCall(err)
	return resp, err
}

// AvailableOperations returns the operation names invocable in the present
// device state, per service.
func (s *Session) AvailableOperations(ctx context.Context, service string) ([]string, error) {
	resp, err := s.Call(ctx, "getAvailableApiList", nil, api.ResolveOptions{Service: service})
	if err != nil {
		return nil, err
	}
	var names []string
	if err := resp.Scan(0, &names); err != nil {
		return nil, fmt.Errorf("camera: malformed availability reply: %w", err)
	}
	return names, nil
}

// queryEvent issues the asynchronous state query. In long-poll mode the
// device holds the request open until its state changes.
func (s *Session) queryEvent(ctx context.Context, mode api.Mode) (*api.Response, error) {
	d, err := s.reg.Resolve(ctx, "getEvent", api.ResolveOptions{Service: api.ServiceCamera})
	if err != nil {
		return nil, err
	}
	return s.inv.Invoke(ctx, d, []any{mode == api.LongPoll}, mode)
}

// AwaitState blocks until pred holds over the device's event state or the
// timeout elapses.
func (s *Session) AwaitState(ctx context.Context, pred eventwait.Predicate, timeout time.Duration) (*api.Response, error) {
	return s.waiter.Wait(ctx, pred, eventwait.Options{Timeout: timeout})
}

// StatusIs matches when the device reports the given camera status, e.g.
// "IDLE". Event replies omit the status group until the camera first
// publishes it; the waiter treats the resulting decode error as "not yet".
func StatusIs(want string) eventwait.Predicate {
	return func(resp *api.Response) (bool, error) {
		var group struct {
			CameraStatus string `json:"cameraStatus"`
		}
		if err := resp.Scan(1, &group); err != nil {
			return false, err
		}
		return group.CameraStatus == want, nil
	}
}

// Shutter triggers a still capture and waits for the camera to come back to
// IDLE, returning the postview URL when the device reports one.
func (s *Session) Shutter(ctx context.Context) (string, error) {
	resp, err := s.Call(ctx, "actTakePicture", nil, api.ResolveOptions{Service: api.ServiceCamera})
	if err != nil {
		return "", err
	}
	var urls []string
	if err := resp.Scan(0, &urls); err != nil {
		return "", fmt.Errorf("camera: malformed capture reply: %w", err)
	}
	if _, err := s.AwaitState(ctx, StatusIs("IDLE"), 15*time.Second); err != nil {
		return "", err
	}
	if len(urls) == 0 {
		return "", nil
	}
	return urls[0], nil
}

// StartLiveview asks the device for its liveview stream URL and returns a
// stream ready to Run. The stream shares the session's retry engine, so its
// reconnects replay the same recovery hooks.
func (s *Session) StartLiveview(ctx context.Context) (*liveview.Stream, error) {
	resp, err := s.Call(ctx, "startLiveview", nil, api.ResolveOptions{Service: api.ServiceCamera})
	if err != nil {
		return nil, err
	}
	var url string
	if err := resp.Scan(0, &url); err != nil {
		return nil, fmt.Errorf("camera: malformed liveview reply: %w", err)
	}

	return &liveview.Stream{
		Engine: s.engine,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			res, err := s.stream.Do(req)
			if err != nil {
				return nil, &api.TransportError{Err: err}
			}
			if res.StatusCode != http.StatusOK {
				_ = res.Body.Close()
				return nil, &api.TransportError{Err: fmt.Errorf("unexpected status %s", res.Status)}
			}
			return res.Body, nil
		},
		Stop: func(ctx context.Context) error {
			_, err := s.CallTolerating(ctx, "stopLiveview", nil,
				api.ResolveOptions{Service: api.ServiceCamera},
				api.CodeNotAvailable, api.CodeNoSuchMethod)
			return err
		},
		OnResync: addResync,
	}, nil
}

// OnImage is a convenience emit callback recording per-image bookkeeping
// before handing the image to fn.
func OnImage(fn func(liveview.Image) error) func(liveview.Image) error {
	return func(img liveview.Image) error {
		addImage()
		return fn(img)
	}
}
