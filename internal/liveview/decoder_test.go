package liveview

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// encodeRecord builds one wire record. For frame-info payloads, count is the
// number of 16-byte records carried at the start of payload.
func encodeRecord(typ PayloadType, seq uint16, ts uint32, payload []byte, padding, count int) []byte {
	b := make([]byte, headerSize+len(payload)+padding)
	b[0] = startByte
	b[1] = byte(typ)
	binary.BigEndian.PutUint16(b[2:4], seq)
	binary.BigEndian.PutUint32(b[4:8], ts)
	copy(b[8:12], startCode)
	size := len(payload)
	b[12], b[13], b[14] = byte(size>>16), byte(size>>8), byte(size)
	b[15] = byte(padding)
	if typ == PayloadFrameInfo {
		binary.BigEndian.PutUint16(b[16:18], 1)
		binary.BigEndian.PutUint16(b[18:20], uint16(count))
		binary.BigEndian.PutUint16(b[20:22], frameRecordSize)
	}
	copy(b[headerSize:], payload)
	return b
}

// frameRecord builds one 16-byte frame metadata record. Coordinates are in
// hundredths of a percent.
func frameRecord(x1, y1, x2, y2 uint16, category, status, additional byte) []byte {
	rec := make([]byte, frameRecordSize)
	binary.BigEndian.PutUint16(rec[0:2], x1)
	binary.BigEndian.PutUint16(rec[2:4], y1)
	binary.BigEndian.PutUint16(rec[4:6], x2)
	binary.BigEndian.PutUint16(rec[6:8], y2)
	rec[8], rec[9], rec[10] = category, status, additional
	return rec
}

func TestDecodeImagePacket(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	raw := encodeRecord(PayloadImage, 42, 123456, jpeg, 3, 0)

	pkt, n, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(raw) || pkt.Len() != len(raw) {
		t.Fatalf("consumed %d bytes, record is %d", n, len(raw))
	}
	if pkt.Type != PayloadImage || pkt.Seq != 42 || pkt.Timestamp != 123456 || pkt.Padding != 3 {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
	if !bytes.Equal(pkt.Payload, jpeg) {
		t.Fatalf("payload mismatch: % x", pkt.Payload)
	}
}

func TestDecodeFrameInfoPacket(t *testing.T) {
	payload := append(frameRecord(1000, 2000, 3000, 4000, 1, 2, 3),
		frameRecord(0, 0, 10000, 10000, 4, 5, 6)...)
	raw := encodeRecord(PayloadFrameInfo, 7, 99, payload, 0, 2)

	pkt, _, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	info, err := ParseFrameInfo(pkt)
	if err != nil {
		t.Fatalf("parse frame info: %v", err)
	}
	if info.Version != 1 || len(info.Frames) != 2 {
		t.Fatalf("unexpected frame info: %+v", info)
	}
	f := info.Frames[0]
	if f.TopLeft.X != 10.0 || f.TopLeft.Y != 20.0 || f.BottomRight.X != 30.0 || f.BottomRight.Y != 40.0 {
		t.Fatalf("coordinates not converted to percent: %+v", f)
	}
	if f.Category != 1 || f.Status != 2 || f.AdditionalStatus != 3 {
		t.Fatalf("status bytes wrong: %+v", f)
	}
	if info.Frames[1].BottomRight.X != 100.0 {
		t.Fatalf("full-extent coordinate: %+v", info.Frames[1])
	}
}

func TestDecodeChunkingInvariance(t *testing.T) {
	stream := encodeRecord(PayloadFrameInfo, 1, 10, frameRecord(100, 100, 200, 200, 1, 0, 0), 2, 1)
	stream = append(stream, encodeRecord(PayloadImage, 2, 20, []byte("imagedata-a"), 0, 0)...)
	stream = append(stream, encodeRecord(PayloadImage, 3, 30, []byte("b"), 5, 0)...)

	type decoded struct {
		typ     PayloadType
		seq     uint16
		payload string
	}
	decodeAll := func(chunkSize int) []decoded {
		var out []decoded
		var buf []byte
		for off := 0; off < len(stream); off += chunkSize {
			end := off + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			buf = append(buf, stream[off:end]...)
			for {
				pkt, n, err := Decode(buf)
				if errors.Is(err, ErrShortBuffer) {
					break
				}
				if err != nil {
					t.Fatalf("chunk size %d: %v", chunkSize, err)
				}
				out = append(out, decoded{pkt.Type, pkt.Seq, string(pkt.Payload)})
				buf = buf[n:]
			}
		}
		return out
	}

	want := decodeAll(len(stream))
	if len(want) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(want))
	}
	for _, chunkSize := range []int{1, 2, 3, 7, 16, 100, 137} {
		got := decodeAll(chunkSize)
		if len(got) != len(want) {
			t.Fatalf("chunk size %d: decoded %d packets, want %d", chunkSize, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("chunk size %d: packet %d = %+v, want %+v", chunkSize, i, got[i], want[i])
			}
		}
	}
}

func TestDecodeShortBufferConsumesNothing(t *testing.T) {
	raw := encodeRecord(PayloadImage, 5, 50, []byte("payload"), 4, 0)
	for _, cut := range []int{0, 1, 7, commonHeaderSize, headerSize - 1, headerSize, len(raw) - 1} {
		pkt, n, err := Decode(raw[:cut])
		if !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("cut at %d: expected ErrShortBuffer, got %v", cut, err)
		}
		if pkt != nil || n != 0 {
			t.Fatalf("cut at %d: short decode must consume nothing", cut)
		}
	}
	// Re-feeding the complete buffer yields the same packet.
	pkt, n, err := Decode(raw)
	if err != nil || n != len(raw) || pkt.Seq != 5 {
		t.Fatalf("complete decode after short feeds: pkt %+v n %d err %v", pkt, n, err)
	}
}

func TestDecodeResyncOnCorruptFraming(t *testing.T) {
	good := encodeRecord(PayloadImage, 1, 1, []byte("ok"), 0, 0)

	corrupt := append([]byte{}, good...)
	corrupt[0] = 0x00
	if _, n, err := Decode(corrupt); !errors.Is(err, ErrResync) || n != 0 {
		t.Fatalf("bad start byte: n %d err %v", n, err)
	}

	corrupt = append([]byte{}, good...)
	corrupt[1] = 0x77
	if _, _, err := Decode(corrupt); !errors.Is(err, ErrResync) {
		t.Fatalf("bad payload type: %v", err)
	}

	corrupt = append([]byte{}, good...)
	corrupt[9] = 0x00
	if _, _, err := Decode(corrupt); !errors.Is(err, ErrResync) {
		t.Fatalf("bad start code: %v", err)
	}

	// A fresh buffer with a well-formed packet decodes fine afterwards.
	pkt, _, err := Decode(good)
	if err != nil || string(pkt.Payload) != "ok" {
		t.Fatalf("post-resync decode: %+v err %v", pkt, err)
	}
}

func TestDecodeResyncOnBadFrameInfoSizes(t *testing.T) {
	payload := frameRecord(0, 0, 1, 1, 0, 0, 0)
	raw := encodeRecord(PayloadFrameInfo, 1, 1, payload, 0, 1)

	bad := append([]byte{}, raw...)
	binary.BigEndian.PutUint16(bad[20:22], 24) // wrong record size
	if _, _, err := Decode(bad); !errors.Is(err, ErrResync) {
		t.Fatalf("bad record size: %v", err)
	}

	bad = append([]byte{}, raw...)
	binary.BigEndian.PutUint16(bad[18:20], 500) // more records than the payload holds
	if _, _, err := Decode(bad); !errors.Is(err, ErrResync) {
		t.Fatalf("overflowing record count: %v", err)
	}
}
