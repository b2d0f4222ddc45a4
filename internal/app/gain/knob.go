// Package gain provides the equalizer and master volume node graph.
package gain

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidKnob is returned for an unknown equalizer target.
var ErrInvalidKnob = errors.New("invalid knob")

// Knob identifies one adjustable node of the graph.
type Knob string

const (
	KnobLow    Knob = "LOW"
	KnobMid    Knob = "MID"
	KnobHigh   Knob = "HIGH"
	KnobVolume Knob = "VOLUME"
)

// Knobs lists every knob in signal-flow order.
var Knobs = []Knob{KnobLow, KnobMid, KnobHigh, KnobVolume}

const (
	maxCutDB   = 40.0 // EQ raw -1 maps to -40 dB
	maxBoostDB = 10.0 // EQ raw +1 maps to +10 dB
)

// ParseKnob parses a knob name (case-insensitive).
func ParseKnob(s string) (Knob, error) {
	k := Knob(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KnobLow, KnobMid, KnobHigh, KnobVolume:
		return k, nil
	default:
		return "", errors.Wrapf(ErrInvalidKnob, "unknown knob %q", s)
	}
}

// IsBand returns true for the three equalizer bands.
func (k Knob) IsBand() bool {
	return k == KnobLow || k == KnobMid || k == KnobHigh
}

// Transfer maps a raw knob value to the node gain.
// EQ bands return decibels, VOLUME returns a linear amplitude factor.
func Transfer(k Knob, raw float64) (float64, error) {
	if math.IsNaN(raw) {
		raw = 0
	}
	switch {
	case k.IsBand():
		raw = clamp(raw, -1, 1)
		if raw < 0 {
			return raw * maxCutDB, nil
		}
		return raw * maxBoostDB, nil
	case k == KnobVolume:
		raw = clamp(raw, 0, 1)
		return raw * raw, nil
	default:
		return 0, errors.Wrapf(ErrInvalidKnob, "unknown knob %q", string(k))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
