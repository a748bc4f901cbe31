package mbus

// FixedHeader is the 12-byte block at the start of a variable-data-response
// payload: BCD device id, FLAG manufacturer, version, medium, access
// counter, status and the 16-bit signature.
type FixedHeader struct {
	ID           int64
	Manufacturer string
	Version      byte
	Medium       byte
	AccessNo     byte
	Status       byte
	Signature    uint16
}

type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueUint
	ValueFloat
	ValueDecimal // from packed BCD
	ValueBytes   // from LVAR
)

// Value is the decoded payload of one record. Exactly the field selected by
// Kind is meaningful.
type Value struct {
	Kind    ValueKind
	Uint    uint64
	Float   float64
	Decimal int64
	Bytes   []byte
}

// Float64 returns the numeric value as a float, if the value is numeric.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case ValueUint:
		return float64(v.Uint), true
	case ValueFloat:
		return v.Float, true
	case ValueDecimal:
		return float64(v.Decimal), true
	}
	return 0, false
}

// Int64 returns the numeric value truncated to an integer, if numeric.
func (v Value) Int64() (int64, bool) {
	switch v.Kind {
	case ValueUint:
		return int64(v.Uint), true
	case ValueFloat:
		return int64(v.Float), true
	case ValueDecimal:
		return v.Decimal, true
	}
	return 0, false
}

// RawRecord is one data element of the record stream: the DIF/VIF bytes
// with their extension chains, the raw data bytes exactly as read, and the
// decoded value. Special entries (DIF 0x0F/0x1F/0x2F) carry no value.
type RawRecord struct {
	Offset  int
	Special bool
	DIF     byte
	DIFEs   []byte
	VIF     byte
	VIFEs   []byte
	Raw     []byte
	Value   Value
}

// Telegram is a parsed long-frame response.
type Telegram struct {
	Ctrl    byte
	Addr    byte
	CI      byte
	Fixed   *FixedHeader
	Records []RawRecord
}

// dataLen maps the DIF low nibble to the number of data bytes and the value
// shape. Nibbles 0x0, 0x8 and anything unlisted carry no data.
func dataLen(dl byte) (size int, kind ValueKind) {
	switch dl {
	case 0x1, 0x2, 0x3, 0x4:
		return int(dl), ValueUint
	case 0x6:
		return 6, ValueUint
	case 0x7:
		return 8, ValueUint
	case 0x5:
		return 4, ValueFloat
	case 0x9:
		return 1, ValueDecimal
	case 0xA:
		return 2, ValueDecimal
	case 0xB:
		return 3, ValueDecimal
	case 0xC:
		return 4, ValueDecimal
	case 0xE:
		return 6, ValueDecimal
	}
	return 0, ValueNone
}

// ParseTelegram decodes the payload of a validated long frame. Parsing is
// total: truncated records and continuation chains end the walk silently and
// whatever was parsed so far is returned; a record whose data runs past the
// end is kept without a value.
func ParseTelegram(fr *Frame) *Telegram {
	t := &Telegram{Ctrl: fr.C, Addr: fr.A, CI: fr.CI}
	data := fr.Payload

	if len(data) >= 12 {
		t.Fixed = &FixedHeader{
			ID:           DecodeBCDLE(data[0:4]),
			Manufacturer: ManufacturerFromWord(uint16(UintLE(data[4:6]))),
			Version:      data[6],
			Medium:       data[7],
			AccessNo:     data[8],
			Status:       data[9],
			Signature:    uint16(UintLE(data[10:12])),
		}
		data = data[12:]
	}

	i := 0
	for i < len(data) {
		start := i
		dif := data[i]
		i++
		if dif == 0x0F || dif == 0x1F || dif == 0x2F {
			t.Records = append(t.Records, RawRecord{Offset: start, Special: true, DIF: dif})
			continue
		}

		var difes []byte
		for ext := dif; ext&0x80 != 0 && i < len(data); {
			d := data[i]
			i++
			difes = append(difes, d)
			ext = d
		}
		if i >= len(data) {
			break
		}

		vif := data[i]
		i++
		var vifes []byte
		for ext := vif; ext&0x80 != 0 && i < len(data); {
			v := data[i]
			i++
			vifes = append(vifes, v)
			ext = v
		}

		rec := RawRecord{Offset: start, DIF: dif, DIFEs: difes, VIF: vif, VIFEs: vifes}
		truncated := false
		if dl := dif & 0x0F; dl == 0xD {
			// LVAR: one length byte, then that many data bytes, kept verbatim.
			truncated = true
			if i < len(data) {
				lvar := int(data[i])
				i++
				if i+lvar <= len(data) {
					rec.Raw = data[i : i+lvar]
					rec.Value = Value{Kind: ValueBytes, Bytes: rec.Raw}
					i += lvar
					truncated = false
				}
			}
		} else if size, kind := dataLen(dl); size > 0 && i+size > len(data) {
			truncated = true
		} else if size > 0 {
			rec.Raw = data[i : i+size]
			i += size
			switch kind {
			case ValueUint:
				rec.Value = Value{Kind: ValueUint, Uint: UintLE(rec.Raw)}
			case ValueFloat:
				rec.Value = Value{Kind: ValueFloat, Float: Float32LE(rec.Raw)}
			case ValueDecimal:
				rec.Value = Value{Kind: ValueDecimal, Decimal: DecodeBCDLE(rec.Raw)}
			}
		}
		t.Records = append(t.Records, rec)
		if truncated {
			break
		}
	}
	return t
}
