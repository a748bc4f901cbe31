package mbus

import (
	"bytes"

	"github.com/kstaniek/go-mbus-meter/internal/metrics"
)

// NextFrame locates and strips the next valid frame from buf. It scans
// forward so garbage, echo bytes and truncated frames never wedge the
// parser: a candidate that fails its structural or checksum checks is
// treated as noise and the scan advances one byte. When no frame completes
// before end of buffer the input is returned unchanged so the caller can
// append more bytes and retry.
func NextFrame(buf []byte) (*Frame, []byte) {
	n := len(buf)
	for i := 0; i < n; i++ {
		switch buf[i] {
		case AckByte:
			return &Frame{Kind: FrameAck}, buf[i+1:]
		case ShortStart:
			if i+5 <= n && buf[i+4] == StopByte && buf[i+1]+buf[i+2] == buf[i+3] {
				return &Frame{Kind: FrameShort, C: buf[i+1], A: buf[i+2]}, buf[i+5:]
			}
		case LongStart:
			if i+6 > n {
				continue
			}
			l := int(buf[i+1])
			if i+6+l > n || int(buf[i+2]) != l || buf[i+3] != LongStart {
				continue
			}
			fr := buf[i : i+6+l]
			if !longChecksumOK(fr) {
				continue
			}
			payload := make([]byte, l-3)
			copy(payload, fr[7:7+l-3])
			return &Frame{Kind: FrameLong, C: fr[4], A: fr[5], CI: fr[6], Payload: payload}, buf[i+6+l:]
		}
	}
	return nil, buf
}

// DecodeStream drains all complete frames from in and emits them via out,
// leaving any incomplete tail in the buffer for the next chunk. Skipped
// noise in front of a recovered frame counts as one malformed candidate.
func DecodeStream(in *bytes.Buffer, out func(*Frame)) {
	for {
		CompactBuffer(in)
		data := in.Bytes()
		if len(data) == 0 {
			return
		}
		fr, rest := NextFrame(data)
		if fr == nil {
			return
		}
		if skipped := len(data) - len(rest) - frameWireLen(fr); skipped > 0 {
			metrics.IncMalformed()
		}
		in.Next(len(data) - len(rest))
		out(fr)
	}
}

func frameWireLen(fr *Frame) int {
	switch fr.Kind {
	case FrameAck:
		return 1
	case FrameShort:
		return 5
	default:
		return 9 + len(fr.Payload)
	}
}

// CompactBuffer reclaims consumed prefix capacity when the underlying
// buffer grows too large relative to unread bytes. Returns true if
// compaction occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}
