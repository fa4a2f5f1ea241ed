// Package liveview decodes the binary live-frame stream: a sequence of
// [header][payload][padding] records carrying either an encoded image or
// frame metadata describing the images that follow it.
package liveview

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout. Every record opens with an 8-byte common header followed by a
// 128-byte payload header, then the payload and padding:
//
//	0        1        2            4                8
//	┌────────┬────────┬────────────┬────────────────┐
//	│ 0xFF   │ type   │ seq uint16 │ timestamp u32  │  common header
//	├────────┴────────┴────────────┴────────────────┤
//	│ start code 24 35 68 79 │ size u24 │ pad u8 │… │  payload header (128 B)
//	├───────────────────────────────────────────────┤
//	│ payload (size bytes) │ padding (pad bytes)    │
//	└───────────────────────────────────────────────┘
//
// Frame-info payload headers additionally carry, at offsets 8..13 within the
// payload header: a uint16 format version, a uint16 frame count, and the
// uint16 size of each frame record.
const (
	startByte         = 0xFF
	commonHeaderSize  = 8
	payloadHeaderSize = 128
	headerSize        = commonHeaderSize + payloadHeaderSize
	frameRecordSize   = 16
)

var startCode = []byte{0x24, 0x35, 0x68, 0x79}

// PayloadType tags the interpretation of a packet's payload.
type PayloadType byte

const (
	PayloadImage     PayloadType = 0x01
	PayloadFrameInfo PayloadType = 0x02
)

var (
	// ErrShortBuffer reports that the buffer does not yet hold a complete
	// record. No bytes were consumed; append more input and decode again.
	ErrShortBuffer = errors.New("liveview: incomplete packet")
	// ErrResync reports structurally invalid framing. The format carries no
	// recovery point, so the caller must discard the buffer entirely and
	// resume from fresh input.
	ErrResync = errors.New("liveview: malformed framing")
)

// Packet is one decoded record. Payload aliases the input buffer; it is only
// valid until the caller reuses those bytes.
type Packet struct {
	Type      PayloadType
	Seq       uint16
	Timestamp uint32
	Payload   []byte
	Padding   int

	// Frame-info header fields; zero for image packets.
	InfoVersion uint16
	frameCount  int
	frameSize   int
}

// Len returns the total encoded length of the record, headers and padding
// included.
func (p *Packet) Len() int { return headerSize + len(p.Payload) + p.Padding }

// Decode extracts the first complete record from buf, returning the packet
// and the number of bytes it occupied. It is stateless: the same byte
// sequence decodes identically however it was chunked before this call.
func Decode(buf []byte) (*Packet, int, error) {
	// Validate eagerly so corrupt input is rejected without waiting for the
	// rest of the record to arrive.
	if len(buf) >= 1 && buf[0] != startByte {
		return nil, 0, fmt.Errorf("%w: start byte %#02x", ErrResync, buf[0])
	}
	if len(buf) >= 2 && buf[1] != byte(PayloadImage) && buf[1] != byte(PayloadFrameInfo) {
		return nil, 0, fmt.Errorf("%w: payload type %#02x", ErrResync, buf[1])
	}
	if len(buf) >= commonHeaderSize+len(startCode) {
		for i, c := range startCode {
			if buf[commonHeaderSize+i] != c {
				return nil, 0, fmt.Errorf("%w: payload start code % x", ErrResync, buf[commonHeaderSize:commonHeaderSize+len(startCode)])
			}
		}
	}
	if len(buf) < headerSize {
		return nil, 0, ErrShortBuffer
	}

	p := &Packet{
		Type:      PayloadType(buf[1]),
		Seq:       binary.BigEndian.Uint16(buf[2:4]),
		Timestamp: binary.BigEndian.Uint32(buf[4:8]),
	}
	size := int(buf[12])<<16 | int(buf[13])<<8 | int(buf[14])
	p.Padding = int(buf[15])

	if p.Type == PayloadFrameInfo {
		p.InfoVersion = binary.BigEndian.Uint16(buf[16:18])
		p.frameCount = int(binary.BigEndian.Uint16(buf[18:20]))
		p.frameSize = int(binary.BigEndian.Uint16(buf[20:22]))
		if p.frameSize != frameRecordSize {
			return nil, 0, fmt.Errorf("%w: frame record size %d", ErrResync, p.frameSize)
		}
		if p.frameCount*p.frameSize > size {
			return nil, 0, fmt.Errorf("%w: %d frame records exceed payload of %d bytes", ErrResync, p.frameCount, size)
		}
	}

	total := headerSize + size + p.Padding
	if len(buf) < total {
		return nil, 0, ErrShortBuffer
	}
	p.Payload = buf[headerSize : headerSize+size]
	return p, total, nil
}

// Point is a position expressed as percentages of the image dimensions.
type Point struct {
	X float64
	Y float64
}

// Frame is one region of interest reported by the device.
type Frame struct {
	Category         byte
	Status           byte
	AdditionalStatus byte
	TopLeft          Point
	BottomRight      Point
}

// FrameInfo is the metadata set carried by one frame-info packet. It
// describes the image packets that follow it, not the packet it arrived in.
type FrameInfo struct {
	Version uint16
	Frames  []Frame
}

// ParseFrameInfo interprets the payload of a frame-info packet.
func ParseFrameInfo(p *Packet) (*FrameInfo, error) {
	if p.Type != PayloadFrameInfo {
		return nil, fmt.Errorf("liveview: packet type %#02x carries no frame info", byte(p.Type))
	}
	info := &FrameInfo{Version: p.InfoVersion, Frames: make([]Frame, 0, p.frameCount)}
	for i := 0; i < p.frameCount; i++ {
		rec := p.Payload[i*p.frameSize : (i+1)*p.frameSize]
		info.Frames = append(info.Frames, Frame{
			TopLeft:          Point{X: coord(rec[0:2]), Y: coord(rec[2:4])},
			BottomRight:      Point{X: coord(rec[4:6]), Y: coord(rec[6:8])},
			Category:         rec[8],
			Status:           rec[9],
			AdditionalStatus: rec[10],
		})
	}
	return info, nil
}

// coord converts a wire coordinate (hundredths of a percent) to percent.
func coord(b []byte) float64 {
	return float64(binary.BigEndian.Uint16(b)) / 100.0
}
