package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/camkit/camlink/core/logx"
)

// DefaultTimeout bounds immediate-mode requests. Long-poll requests carry no
// client-side read deadline; the caller's context bounds them instead.
const DefaultTimeout = 8 * time.Second

// Invoker executes control calls against one device endpoint, e.g.
// "http://192.168.122.1:8080/sony". Request ids are assigned monotonically
// per invoker. Safe for concurrent use.
type Invoker struct {
	base      string
	immediate *http.Client
	longpoll  *http.Client
	id        atomic.Uint64
}

// NewInvoker returns an invoker for the given endpoint base URL.
func NewInvoker(base string) *Invoker {
	return &Invoker{
		base:      strings.TrimRight(base, "/"),
		immediate: &http.Client{Timeout: DefaultTimeout},
		longpoll:  &http.Client{},
	}
}

// Base returns the endpoint base URL.
func (inv *Invoker) Base() string { return inv.base }

type wireRequest struct {
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
	Version string `json:"version"`
}

type wireResponse struct {
	ID     uint64            `json:"id"`
	Result []json.RawMessage `json:"result"`
	Error  []json.RawMessage `json:"error"`
}

// Invoke sends one request for the resolved operation and parses the reply.
// Protocol-level rejections come back as *ProtocolError; anything that keeps
// the reply from arriving intact comes back as *TransportError.
func (inv *Invoker) Invoke(ctx context.Context, d Descriptor, params []any, mode Mode) (*Response, error) {
	if params == nil {
		params = []any{}
	}
	id := inv.id.Add(1)
	body, err := json.Marshal(wireRequest{Method: d.Name, Params: params, ID: id, Version: d.Version})
	if err != nil {
		return nil, fmt.Errorf("api: encode %s: %w", d.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.base+"/"+d.Service, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("api: build request for %s: %w", d.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := inv.immediate
	if mode == LongPoll {
		client = inv.longpoll
	}

	logx.Log.Trace().Str("method", d.Name).Str("service", d.Service).
		Uint64("id", id).Stringer("mode", mode).Msg("control call")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("malformed reply: %w", err)}
	}
	if wire.ID != id {
		return nil, &TransportError{Err: fmt.Errorf("reply id %d does not match request id %d", wire.ID, id)}
	}
	if len(wire.Error) > 0 {
		return nil, decodeError(wire.Error)
	}
	return &Response{ID: wire.ID, Result: wire.Result}, nil
}

// InvokeTolerating behaves like Invoke but swallows protocol errors carrying
// one of the listed codes, returning a nil response instead. Used for
// best-effort calls such as mode teardown on devices that never needed the
// mode in the first place.
func (inv *Invoker) InvokeTolerating(ctx context.Context, d Descriptor, params []any, mode Mode, codes ...int) (*Response, error) {
	resp, err := inv.Invoke(ctx, d, params, mode)
	if err != nil {
		if code := ProtocolCode(err); code >= 0 {
			for _, c := range codes {
				if c == code {
					logx.Log.Debug().Str("method", d.Name).Int("code", code).Msg("tolerated device error")
					return nil, nil
				}
			}
		}
		return nil, err
	}
	return resp, nil
}

// decodeError parses the wire error pair [code, "message"].
// A pair too damaged to parse is a transport failure, not a protocol error.
func decodeError(raw []json.RawMessage) error {
	pe := &ProtocolError{}
	if err := json.Unmarshal(raw[0], &pe.Code); err != nil {
		return &TransportError{Err: fmt.Errorf("malformed error code: %w", err)}
	}
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &pe.Message); err != nil {
			return &TransportError{Err: fmt.Errorf("malformed error message: %w", err)}
		}
	}
	return pe
}
