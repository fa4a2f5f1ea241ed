package liveview

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/camkit/camlink/core/logx"
	"github.com/camkit/camlink/internal/api"
	"github.com/camkit/camlink/internal/retry"
)

// Image is one decoded liveview picture paired with the frame info in force
// when it arrived. Frames is nil until the device sends its first frame-info
// packet.
type Image struct {
	Data      []byte
	Seq       uint16
	Timestamp uint32
	Frames    *FrameInfo
}

// Stream drives one liveview session: it opens the long-lived byte stream,
// decodes records out of a growing buffer it alone owns, and hands images to
// the consumer strictly in arrival order. The whole connect-and-read loop is
// guarded by the retry engine in unbounded mode, so a dropped link reconnects
// without ending the session.
type Stream struct {
	// Open establishes the byte stream, e.g. by issuing startLiveview and
	// dialing the returned URL.
	Open func(ctx context.Context) (io.ReadCloser, error)
	// Stop tells the device to stop streaming. Called best-effort on every
	// exit path.
	Stop func(ctx context.Context) error
	// Engine guards the connect-and-read loop. Required.
	Engine *retry.Engine
	// OnResync, when set, is called each time malformed framing forced the
	// buffer to be discarded.
	OnResync func()

	resyncs uint64
}

// Resyncs returns how many times decoding had to discard the buffer.
func (s *Stream) Resyncs() uint64 { return s.resyncs }

// Run streams until emit returns an error, the budget elapses, or ctx is
// cancelled. A positive budget bounds the session and is treated as a normal
// stop. Whatever ends the session, the device is asked to stop streaming
// before Run returns.
func (s *Stream) Run(ctx context.Context, budget time.Duration, emit func(Image) error) error {
	defer func() {
		// The session context may already be dead; give the stop
		// notification its own brief budget.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if s.Stop != nil {
			if err := s.Stop(stopCtx); err != nil {
				logx.Log.Debug().Err(err).Msg("stop streaming notification failed")
			}
		}
	}()

	runCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	// Frame info survives reconnects: it describes forthcoming images for
	// the rest of the session, not for one connection.
	var current *FrameInfo

	err := s.Engine.Do(runCtx, retry.Unbounded, func(ctx context.Context) error {
		return s.readOnce(ctx, emit, &current)
	})
	if budget > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}

// readOnce runs one connection's read-and-decode loop until the stream ends
// or the context is done.
func (s *Stream) readOnce(ctx context.Context, emit func(Image) error, current **FrameInfo) error {
	body, err := s.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()
	logx.Log.Info().Msg("liveview stream connected")

	buf := make([]byte, 0, 128*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(chunk)
		buf = append(buf, chunk[:n]...)

		for len(buf) > 0 {
			pkt, used, derr := Decode(buf)
			if errors.Is(derr, ErrShortBuffer) {
				break
			}
			if errors.Is(derr, ErrResync) {
				s.resyncs++
				if s.OnResync != nil {
					s.OnResync()
				}
				logx.Log.Warn().Err(derr).Int("discarded", len(buf)).Msg("liveview framing lost; resynchronizing")
				buf = buf[:0]
				break
			}

			switch pkt.Type {
			case PayloadFrameInfo:
				info, perr := ParseFrameInfo(pkt)
				if perr != nil {
					s.resyncs++
					if s.OnResync != nil {
						s.OnResync()
					}
					buf = buf[:0]
					continue
				}
				*current = info
			case PayloadImage:
				img := Image{
					Data:      append([]byte(nil), pkt.Payload...),
					Seq:       pkt.Seq,
					Timestamp: pkt.Timestamp,
					Frames:    *current,
				}
				if err := emit(img); err != nil {
					return err
				}
			}
			buf = append(buf[:0], buf[used:]...)

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The link dropped mid-stream; surface it as a transport
			// failure so the engine reconnects.
			return &api.TransportError{Err: rerr}
		}
	}
}
