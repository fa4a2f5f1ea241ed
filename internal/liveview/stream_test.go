package liveview

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/camkit/camlink/internal/retry"
)

func fastEngine() *retry.Engine {
	e := retry.New(nil)
	e.Backoff = func(int) time.Duration { return 0 }
	return e
}

// chunkReader serves a byte stream in fixed-size reads, then EOF.
type chunkReader struct {
	data  []byte
	chunk int
	off   int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if r.off+n > len(r.data) {
		n = len(r.data) - r.off
	}
	copy(p, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

var errStreamDrained = errors.New("stream drained")

// runStream plays data through a Stream whose second Open reports the
// session over, and collects the emitted images.
func runStream(t *testing.T, data []byte, chunk int) ([]Image, *Stream, int) {
	t.Helper()
	opens := 0
	stops := 0
	s := &Stream{
		Engine: fastEngine(),
		Open: func(context.Context) (io.ReadCloser, error) {
			opens++
			if opens > 1 {
				return nil, errStreamDrained
			}
			return &chunkReader{data: data, chunk: chunk}, nil
		},
		Stop: func(context.Context) error {
			stops++
			return nil
		},
	}
	var images []Image
	err := s.Run(context.Background(), 0, func(img Image) error {
		images = append(images, img)
		return nil
	})
	if !errors.Is(err, errStreamDrained) {
		t.Fatalf("run: %v", err)
	}
	if stops != 1 {
		t.Fatalf("stop notification sent %d times, want 1", stops)
	}
	return images, s, opens
}

func TestStreamPairsImagesWithPrecedingFrameInfo(t *testing.T) {
	data := encodeRecord(PayloadImage, 1, 10, []byte("first"), 0, 0)
	data = append(data, encodeRecord(PayloadFrameInfo, 2, 20, frameRecord(100, 100, 300, 300, 1, 0, 0), 0, 1)...)
	data = append(data, encodeRecord(PayloadImage, 3, 30, []byte("second"), 2, 0)...)
	data = append(data, encodeRecord(PayloadImage, 4, 40, []byte("third"), 0, 0)...)

	images, _, _ := runStream(t, data, 11)
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(images))
	}
	if images[0].Frames != nil {
		t.Fatal("image before any frame info must carry none")
	}
	if images[1].Frames == nil || len(images[1].Frames.Frames) != 1 {
		t.Fatalf("second image not paired with the frame info: %+v", images[1].Frames)
	}
	if images[2].Frames != images[1].Frames {
		t.Fatal("frame info must stay in force until superseded")
	}
	if string(images[1].Data) != "second" || images[1].Seq != 3 {
		t.Fatalf("unexpected image: %+v", images[1])
	}
}

func TestStreamSurvivesResync(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF} // garbage first
	data = append(data, encodeRecord(PayloadImage, 9, 90, []byte("later"), 0, 0)...)

	images, s, _ := runStream(t, data, len(data))
	// The garbage forces a discard of everything buffered so far; the stream
	// keeps going and decodes whatever framing arrives afterwards intact.
	if s.Resyncs() != 1 {
		t.Fatalf("resyncs = %d, want 1", s.Resyncs())
	}
	if len(images) != 0 {
		t.Fatalf("bytes after the corruption share its buffer and are discarded, got %d images", len(images))
	}

	// Garbage and clean packet in separate reads: the packet survives.
	images, s, _ = runStream(t, data, 4)
	if s.Resyncs() != 1 {
		t.Fatalf("resyncs = %d, want 1", s.Resyncs())
	}
	if len(images) != 1 || string(images[0].Data) != "later" {
		t.Fatalf("post-resync image lost: %+v", images)
	}
}

func TestStreamReconnectsMidStream(t *testing.T) {
	info := encodeRecord(PayloadFrameInfo, 1, 10, frameRecord(0, 0, 100, 100, 2, 0, 0), 0, 1)
	first := append(append([]byte{}, info...), encodeRecord(PayloadImage, 2, 20, []byte("a"), 0, 0)...)
	second := encodeRecord(PayloadImage, 3, 30, []byte("b"), 0, 0)

	opens := 0
	s := &Stream{
		Engine: fastEngine(),
		Open: func(context.Context) (io.ReadCloser, error) {
			opens++
			switch opens {
			case 1:
				return &chunkReader{data: first, chunk: len(first)}, nil
			case 2:
				return &chunkReader{data: second, chunk: len(second)}, nil
			default:
				return nil, errStreamDrained
			}
		},
		Stop: func(context.Context) error { return nil },
	}
	var images []Image
	err := s.Run(context.Background(), 0, func(img Image) error {
		images = append(images, img)
		return nil
	})
	if !errors.Is(err, errStreamDrained) {
		t.Fatalf("run: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images across reconnect, got %d", len(images))
	}
	// Frame info set before the link dropped still describes images decoded
	// after the reconnect.
	if images[1].Frames == nil || images[1].Frames.Frames[0].Category != 2 {
		t.Fatalf("frame info lost across reconnect: %+v", images[1].Frames)
	}
}

func TestStreamBudgetStopsCleanly(t *testing.T) {
	packet := encodeRecord(PayloadImage, 1, 1, []byte("x"), 0, 0)
	var mu sync.Mutex
	stopped := false
	s := &Stream{
		Engine: fastEngine(),
		Open: func(context.Context) (io.ReadCloser, error) {
			return &endlessReader{packet: packet}, nil
		},
		Stop: func(context.Context) error {
			mu.Lock()
			stopped = true
			mu.Unlock()
			return nil
		},
	}
	err := s.Run(context.Background(), 50*time.Millisecond, func(Image) error { return nil })
	if err != nil {
		t.Fatalf("elapsed budget must be a clean stop, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !stopped {
		t.Fatal("stop notification must run on the budget exit path")
	}
}

func TestStreamEmitErrorStopsSession(t *testing.T) {
	packet := encodeRecord(PayloadImage, 1, 1, []byte("x"), 0, 0)
	consumerErr := errors.New("disk full")
	stops := 0
	s := &Stream{
		Engine: fastEngine(),
		Open: func(context.Context) (io.ReadCloser, error) {
			return &endlessReader{packet: packet}, nil
		},
		Stop: func(context.Context) error {
			stops++
			return nil
		},
	}
	err := s.Run(context.Background(), 0, func(Image) error { return consumerErr })
	if !errors.Is(err, consumerErr) {
		t.Fatalf("expected the consumer error, got %v", err)
	}
	if stops != 1 {
		t.Fatal("stop notification must run on the error exit path")
	}
}

// endlessReader replays the same packet forever.
type endlessReader struct {
	packet []byte
	off    int
}

func (r *endlessReader) Read(p []byte) (int, error) {
	n := copy(p, r.packet[r.off:])
	r.off = (r.off + n) % len(r.packet)
	return n, nil
}

func (r *endlessReader) Close() error { return nil }
