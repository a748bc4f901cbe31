// Package mbus implements EN 13757-3 wired M-Bus framing and the
// variable-data-structure record grammar as spoken by Itron UltraLite PRO
// heat meters. Framing, record parsing and VIF mapping are pure functions
// over byte slices; the serial transaction lives in internal/meter.
package mbus

import (
	"encoding/binary"
	"math"
)

// DecodeBCDLE decodes little-endian packed BCD to an integer. Within a byte
// the low nibble is the less significant digit; bytes are ordered least
// significant first. Nibbles above 9 carry no digit and are skipped, which
// handles 0xF-padded odd-length values. An all-skipped input decodes to 0.
func DecodeBCDLE(data []byte) int64 {
	var n int64
	for i := len(data) - 1; i >= 0; i-- {
		hi := data[i] >> 4
		lo := data[i] & 0x0F
		if hi <= 9 {
			n = n*10 + int64(hi)
		}
		if lo <= 9 {
			n = n*10 + int64(lo)
		}
	}
	return n
}

// EncodeBCDLE packs a non-negative integer into size bytes of little-endian
// BCD. Digits beyond 2*size are silently truncated.
func EncodeBCDLE(n int64, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		lo := byte(n % 10)
		n /= 10
		hi := byte(n % 10)
		n /= 10
		out[i] = hi<<4 | lo
	}
	return out
}

// ManufacturerFromWord decodes the FLAG manufacturer code: three 5-bit
// fields (bits 14..10, 9..5, 4..0), each offset by 64 into ASCII. Fields
// outside 'A'..'Z' render as '?'. Always returns exactly 3 characters.
func ManufacturerFromWord(w uint16) string {
	buf := [3]byte{
		byte(w>>10&0x1F) + 64,
		byte(w>>5&0x1F) + 64,
		byte(w&0x1F) + 64,
	}
	for i, c := range buf {
		if c < 'A' || c > 'Z' {
			buf[i] = '?'
		}
	}
	return string(buf[:])
}

// UintLE decodes an unsigned little-endian integer of 1..8 bytes.
func UintLE(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

// Float32LE decodes a little-endian IEEE-754 32-bit float.
func Float32LE(data []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(data)))
}
