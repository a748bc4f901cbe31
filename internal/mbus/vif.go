package mbus

import (
	"fmt"
	"math"
	"time"
)

// Quantity is a named, unit-bearing reading produced from one record.
// Value is a float64, int64 or string depending on the quantity; Unit is
// empty for descriptive quantities (serial number, versions, time point).
type Quantity struct {
	Name  string
	Value any
	Unit  string
}

// Transform kinds applied to a record value. Keeping these as a small enum
// with per-entry scale parameters keeps the VIF table declarative.
type transformKind uint8

const (
	xfFloat    transformKind = iota // value as float
	xfDiv100                        // value / 100
	xfScaled10                      // value * 10^((vif&mask)+offset)
	xfInt                           // value as integer
	xfSerial                        // 8-digit zero-padded decimal string
	xfEpochISO                      // Unix seconds to RFC 3339 UTC
)

type vifEntry struct {
	name   string
	kind   transformKind
	mask   byte
	offset int
	unit   string
}

// vifTable maps primary VIF codes for the UltraLite PRO profile. init
// installs the generic scaled ranges, then re-pins the profile-specific
// rows for 0x14 (total volume, inside the 0x10..0x17 energy range) and
// 0x27 (operating days, inside the scaled-volume range); those two must
// not be re-interpreted.
var vifTable = map[byte]vifEntry{
	0x06: {name: "energy_total", kind: xfFloat, unit: "kWh"},
	0x14: {name: "volume_total", kind: xfDiv100, unit: "m³"},
	0x6D: {name: "time_point", kind: xfEpochISO},
	0x78: {name: "serial_number", kind: xfSerial},
}

// vifExtTable maps the first VIFE (masked to 7 bits) when VIF is the 0xFD
// linear extension.
var vifExtTable = map[byte]vifEntry{
	0x08: {name: "access_number", kind: xfInt},
	0x09: {name: "medium_code", kind: xfInt},
	0x0E: {name: "firmware_version", kind: xfInt},
	0x0F: {name: "software_version", kind: xfInt},
}

func init() {
	fill := func(lo, hi byte, e vifEntry) {
		for v := lo; v <= hi; v++ {
			vifTable[v] = e
		}
	}
	fill(0x10, 0x17, vifEntry{name: "energy_total_J", kind: xfScaled10, mask: 0x07, unit: "J"})
	// UltraLite profile: 0x14 is the total volume in 0.01 m³ (BCD), not a
	// scaled energy.
	vifTable[0x14] = vifEntry{name: "volume_total", kind: xfDiv100, unit: "m³"}
	fill(0x20, 0x26, vifEntry{name: "volume_total", kind: xfScaled10, mask: 0x07, offset: -6, unit: "m³"})
	fill(0x38, 0x3F, vifEntry{name: "volume_flow", kind: xfScaled10, mask: 0x07, offset: -6, unit: "m³/h"})
	fill(0x58, 0x5B, vifEntry{name: "flow_temperature", kind: xfScaled10, mask: 0x03, offset: -3, unit: "°C"})
	fill(0x5C, 0x5F, vifEntry{name: "return_temperature", kind: xfScaled10, mask: 0x03, offset: -3, unit: "°C"})
	fill(0x60, 0x63, vifEntry{name: "delta_temperature", kind: xfScaled10, mask: 0x03, offset: -3, unit: "K"})
	// UltraLite profile: 0x27 is operating time in days, not a scaled volume.
	vifTable[0x27] = vifEntry{name: "operating_time_days", kind: xfInt, unit: "days"}
}

// MapRecord resolves one record to a named quantity. Special and valueless
// records, and VIF codes outside the profile tables, map to nothing.
func MapRecord(r *RawRecord) (Quantity, bool) {
	if r.Special || r.Value.Kind == ValueNone {
		return Quantity{}, false
	}

	var e vifEntry
	var ok bool
	if r.VIF == 0xFD {
		if len(r.VIFEs) == 0 {
			return Quantity{}, false
		}
		e, ok = vifExtTable[r.VIFEs[0]&0x7F]
	} else {
		e, ok = vifTable[r.VIF]
	}
	if !ok {
		return Quantity{}, false
	}

	q := Quantity{Name: e.name, Unit: e.unit}
	switch e.kind {
	case xfFloat:
		f, ok := r.Value.Float64()
		if !ok {
			return Quantity{}, false
		}
		q.Value = f
	case xfDiv100:
		f, ok := r.Value.Float64()
		if !ok {
			return Quantity{}, false
		}
		q.Value = f / 100
	case xfScaled10:
		f, ok := r.Value.Float64()
		if !ok {
			return Quantity{}, false
		}
		q.Value = f * math.Pow10(int(r.VIF&e.mask)+e.offset)
	case xfInt:
		n, ok := r.Value.Int64()
		if !ok {
			return Quantity{}, false
		}
		q.Value = n
	case xfSerial:
		n, ok := r.Value.Int64()
		if !ok {
			return Quantity{}, false
		}
		q.Value = fmt.Sprintf("%08d", n)
	case xfEpochISO:
		n, ok := r.Value.Int64()
		if !ok {
			return Quantity{}, false
		}
		q.Value = time.Unix(n, 0).UTC().Format(time.RFC3339)
	}
	return q, true
}
