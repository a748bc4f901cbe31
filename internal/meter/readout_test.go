package meter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadoutMarshalFlattens(t *testing.T) {
	ro := NewReadout(time.Unix(1700000000, 0))
	ro.Device = &DeviceInfo{ID: 22016352, Manufacturer: "ITR", Version: 11, Medium: 4, AccessNo: 42}
	ro.Values["energy_total"] = Measurement{Value: 11570.0, Unit: "kWh"}
	ro.Values["serial_number"] = Measurement{Value: "22016352"}

	raw, err := json.Marshal(ro)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	assert.Equal(t, float64(22016352), m["device_id"])
	assert.Equal(t, "ITR", m["manufacturer"])
	assert.Equal(t, float64(4), m["medium"])
	energy, ok := m["energy_total"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 11570.0, energy["value"])
	assert.Equal(t, "kWh", energy["unit"])
	serial, ok := m["serial_number"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "22016352", serial["value"])
	_, hasUnit := serial["unit"]
	assert.False(t, hasUnit, "empty units are omitted")
}

func TestReadoutEmpty(t *testing.T) {
	ro := NewReadout(time.Now())
	assert.True(t, ro.Empty())
	ro.Values["volume_flow"] = Measurement{Value: 0.295, Unit: "m³/h"}
	assert.False(t, ro.Empty())
}

func TestMeasurementFloat64(t *testing.T) {
	f, ok := Measurement{Value: 1.5}.Float64()
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)
	f, ok = Measurement{Value: int64(7)}.Float64()
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)
	_, ok = Measurement{Value: "text"}.Float64()
	assert.False(t, ok)
}
