//go:build linux

package serial

import "testing"

func TestVTime(t *testing.T) {
	cases := []struct {
		ms   int64
		want uint8
	}{
		{0, 1},
		{50, 1},
		{100, 1},
		{150, 2},
		{1000, 10},
		{30000, 255}, // clamped
	}
	for _, tc := range cases {
		if got := vtime(tc.ms); got != tc.want {
			t.Fatalf("vtime(%dms) = %d, want %d", tc.ms, got, tc.want)
		}
	}
}

func TestBaudFlag(t *testing.T) {
	if _, err := baudFlag(2400); err != nil {
		t.Fatalf("2400 baud must be supported: %v", err)
	}
	if _, err := baudFlag(2401); err == nil {
		t.Fatal("nonstandard baud must be rejected")
	}
}
