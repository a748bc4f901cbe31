package mbus

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestNextFrameShort(t *testing.T) {
	fr, rest := NextFrame([]byte{0x10, 0x40, 0xFE, 0x3E, 0x16})
	if fr == nil || fr.Kind != FrameShort {
		t.Fatalf("expected short frame, got %+v", fr)
	}
	if fr.C != 0x40 || fr.A != 0xFE {
		t.Fatalf("unexpected fields C=%#x A=%#x", fr.C, fr.A)
	}
	if len(rest) != 0 {
		t.Fatalf("expected empty remainder, got % X", rest)
	}
}

func TestNextFrameAck(t *testing.T) {
	fr, rest := NextFrame([]byte{0xE5, 0x99})
	if fr == nil || fr.Kind != FrameAck {
		t.Fatalf("expected ack, got %+v", fr)
	}
	if len(rest) != 1 || rest[0] != 0x99 {
		t.Fatalf("unexpected remainder % X", rest)
	}
}

func TestNextFrameResync(t *testing.T) {
	fr, rest := NextFrame([]byte{0xFF, 0xFF, 0x10, 0x40, 0xFE, 0x3E, 0x16, 0xAA})
	if fr == nil || fr.Kind != FrameShort || fr.C != 0x40 || fr.A != 0xFE {
		t.Fatalf("expected short frame after garbage, got %+v", fr)
	}
	if len(rest) != 1 || rest[0] != 0xAA {
		t.Fatalf("expected [AA] remainder, got % X", rest)
	}
}

func TestNextFrameLong(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	wire := LongFrame(0x08, 0xFE, 0x72, payload)
	fr, rest := NextFrame(wire)
	if fr == nil || fr.Kind != FrameLong {
		t.Fatalf("expected long frame, got %+v", fr)
	}
	if fr.C != 0x08 || fr.A != 0xFE || fr.CI != 0x72 {
		t.Fatalf("unexpected header C=%#x A=%#x CI=%#x", fr.C, fr.A, fr.CI)
	}
	if !bytes.Equal(fr.Payload, payload) {
		t.Fatalf("payload mismatch: % X", fr.Payload)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected remainder % X", rest)
	}
}

func TestNextFrameRejectsBadChecksum(t *testing.T) {
	wire := LongFrame(0x08, 0xFE, 0x72, []byte{0x01, 0x02})
	wire[len(wire)-2] ^= 0xFF // corrupt checksum
	fr, rest := NextFrame(wire)
	if fr != nil {
		t.Fatalf("expected no frame, got %+v", fr)
	}
	if !bytes.Equal(rest, wire) {
		t.Fatalf("buffer should be returned unchanged")
	}
}

func TestNextFrameIncompleteWaitsForMore(t *testing.T) {
	wire := LongFrame(0x08, 0xFE, 0x72, []byte{0x01, 0x02, 0x03})
	fr, rest := NextFrame(wire[:len(wire)-4])
	if fr != nil {
		t.Fatalf("expected no frame from truncated input, got %+v", fr)
	}
	if len(rest) != len(wire)-4 {
		t.Fatalf("truncated input should be kept")
	}
	// Supplying the remaining bytes completes the frame.
	fr, _ = NextFrame(wire)
	if fr == nil || fr.Kind != FrameLong {
		t.Fatalf("expected frame from full input")
	}
}

// Feed a multi-frame stream in irregular chunks to stress alignment and
// partial-frame buffering.
func TestDecodeStreamChunked(t *testing.T) {
	stream := make([]byte, 0, 256)
	stream = append(stream, ShortFrame(0x40, 0xFE)...)
	stream = append(stream, 0xFF, 0x68, 0x03) // noise, including a fake long start
	stream = append(stream, LongFrame(0x08, 0xFE, 0x72, []byte{0x11, 0x22, 0x33})...)
	stream = append(stream, 0xE5)
	stream = append(stream, LongFrame(0x08, 0x01, 0x72, []byte{0x44})...)

	var got []*Frame
	var buf bytes.Buffer
	chunkSizes := []int{1, 2, 3, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n
		DecodeStream(&buf, func(fr *Frame) { got = append(got, fr) })
	}

	want := []FrameKind{FrameShort, FrameLong, FrameAck, FrameLong}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Fatalf("frame %d kind = %v, want %v", i, got[i].Kind, k)
		}
	}
	if !bytes.Equal(got[1].Payload, []byte{0x11, 0x22, 0x33}) {
		t.Fatalf("long payload mismatch: % X", got[1].Payload)
	}
	if got[3].A != 0x01 {
		t.Fatalf("second long frame address = %#x", got[3].A)
	}
}

// Garbage in front of a valid frame must never change the frame returned,
// only the remainder.
func TestNextFrameGarbagePrefixProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Exclude start markers so the prefix cannot form a frame itself.
		garbage := rapid.SliceOfN(
			rapid.ByteRange(0, 0xFF).Filter(func(b byte) bool {
				return b != AckByte && b != ShortStart && b != LongStart
			}), 0, 64).Draw(t, "garbage")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "payload")
		suffix := rapid.SliceOfN(rapid.Byte(), 0, 16).Draw(t, "suffix")

		wire := LongFrame(0x08, 0xFE, 0x72, payload)
		in := append(append(append([]byte{}, garbage...), wire...), suffix...)
		fr, rest := NextFrame(in)
		if fr == nil || fr.Kind != FrameLong {
			t.Fatalf("frame lost behind %d bytes of garbage", len(garbage))
		}
		if !bytes.Equal(fr.Payload, payload) {
			t.Fatalf("payload changed by garbage prefix")
		}
		if !bytes.Equal(rest, suffix) {
			t.Fatalf("remainder = % X, want % X", rest, suffix)
		}
	})
}
