package meter

import (
	"encoding/json"
	"time"
)

// Measurement is one named reading: a value plus its unit. Descriptive
// quantities (serial number, versions, time point) carry an empty unit.
type Measurement struct {
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// Float64 returns the measurement value as a float when it is numeric.
func (m Measurement) Float64() (float64, bool) {
	switch v := m.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// DeviceInfo carries the fixed-header identity fields of the meter.
type DeviceInfo struct {
	ID           int64  `json:"device_id"`
	Manufacturer string `json:"manufacturer"`
	Version      uint8  `json:"version"`
	Medium       uint8  `json:"medium"`
	AccessNo     uint8  `json:"access_no"`
	Status       uint8  `json:"status"`
}

// Readout is the result of one successful read transaction. Values is keyed
// by quantity name; later records in a telegram overwrite earlier ones.
type Readout struct {
	Device *DeviceInfo
	Values map[string]Measurement
	Taken  time.Time
}

func NewReadout(taken time.Time) *Readout {
	return &Readout{Values: make(map[string]Measurement), Taken: taken}
}

// Float returns the numeric value of a named measurement.
func (r *Readout) Float(name string) (float64, bool) {
	m, ok := r.Values[name]
	if !ok {
		return 0, false
	}
	return m.Float64()
}

// Empty reports whether the transaction produced neither identity fields
// nor any mapped quantity.
func (r *Readout) Empty() bool {
	return r.Device == nil && len(r.Values) == 0
}

// MarshalJSON flattens the readout into a single mapping: the device fields
// as scalars next to the {value, unit} measurement objects.
func (r *Readout) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Values)+6)
	if r.Device != nil {
		out["device_id"] = r.Device.ID
		out["manufacturer"] = r.Device.Manufacturer
		out["version"] = r.Device.Version
		out["medium"] = r.Device.Medium
		out["access_no"] = r.Device.AccessNo
		out["status"] = r.Device.Status
	}
	for k, v := range r.Values {
		out[k] = v
	}
	return json.Marshal(out)
}
