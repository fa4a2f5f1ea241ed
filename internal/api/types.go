// Package api implements the JSON request/response control protocol spoken by
// the camera: operation resolution against the device's method catalogue and
// invocation of resolved operations in immediate or long-poll mode.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Service names commonly advertised by cameras.
const (
	ServiceCamera    = "camera"
	ServiceAVContent = "avContent"
	ServiceSystem    = "system"
)

// Protocol error codes the client distinguishes. Anything else is surfaced
// with its code and message untouched.
const (
	CodeNotAvailable    = 1  // operation exists but the device state disallows it
	CodeTimeout         = 2  // device-side processing timeout
	CodeIllegalArgument = 3  // malformed parameter
	CodeNoSuchMethod    = 12 // operation not supported by the channel
	CodeNoSuchVersion   = 14 // requested version not supported
)

// Mode selects how a request is executed.
type Mode int

const (
	// Immediate sends the request and returns as soon as the device replies,
	// bounded by a short fixed transport timeout.
	Immediate Mode = iota
	// LongPoll sends the request with an open-ended read; the device holds the
	// connection until a state change or its own internal timeout.
	LongPoll
)

func (m Mode) String() string {
	if m == LongPoll {
		return "longpoll"
	}
	return "immediate"
}

// Descriptor identifies one resolved operation on one service.
// Immutable after resolution.
type Descriptor struct {
	Name    string
	Service string
	ID      int
	Version string
}

// Response is the successful reply to a single control call.
// Result holds the device's ordered result list, element by element, so
// callers can decode only the positions they care about.
type Response struct {
	ID     uint64
	Result []json.RawMessage
}

// Scan decodes the result element at index i into v.
func (r *Response) Scan(i int, v any) error {
	if r == nil || i < 0 || i >= len(r.Result) {
		return fmt.Errorf("api: no result element %d", i)
	}
	return json.Unmarshal(r.Result[i], v)
}

// ProtocolError is a semantic rejection from the device: the request reached
// it and was understood, but refused. Never retried by the reconnect engine.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("api: device error %d: %s", e.Code, e.Message)
}

// TransportError is a network-level failure: connection refused, reset,
// timed out, or a reply too damaged to parse. The reconnect engine retries
// these; everything else passes through.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "api: transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ProtocolCode returns the device error code carried by err, or -1 when err
// is not a protocol error.
func ProtocolCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return -1
}

// Resolution failures. Fatal to the call; never retried.
var (
	ErrUnknownOperation   = errors.New("api: unknown operation")
	ErrAmbiguousOperation = errors.New("api: operation exposed by multiple services")
)
