// Package wire encodes readouts for the TCP stream: one JSON object per
// line, flat mapping of device fields and {value, unit} measurements.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kstaniek/go-mbus-meter/internal/meter"
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

// Encode renders readouts as newline-delimited JSON.
func (c *Codec) Encode(ros []*meter.Readout) []byte {
	var out []byte
	for _, ro := range ros {
		b, err := json.Marshal(ro)
		if err != nil {
			continue
		}
		out = append(out, b...)
		out = append(out, '\n')
	}
	return out
}

// EncodeTo writes the wire representation of readouts to w and returns
// bytes written.
func (c *Codec) EncodeTo(w io.Writer, ros []*meter.Readout) (int, error) {
	var total int
	for _, ro := range ros {
		b, err := json.Marshal(ro)
		if err != nil {
			return total, fmt.Errorf("wire encode: %w", err)
		}
		n, err := w.Write(append(b, '\n'))
		total += n
		if err != nil {
			return total, fmt.Errorf("wire write: %w", err)
		}
	}
	return total, nil
}

// DecodeLine reads one readout line from r into a generic mapping. Used by
// clients and tests; the server side only encodes.
func (c *Codec) DecodeLine(r *bufio.Reader) (map[string]any, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(line, &out); err != nil {
		return nil, fmt.Errorf("wire decode: %w", err)
	}
	return out, nil
}
