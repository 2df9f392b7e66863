package hub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// booleanCapabilities are capability bases whose set values must be booleans.
var booleanCapabilities = map[string]bool{
	"onoff":       true,
	"locked":      true,
	"volume_mute": true,
}

// numericSetCapabilities are capability bases whose set values must be numbers.
var numericSetCapabilities = map[string]bool{
	"dim":                 true,
	"light_hue":           true,
	"light_saturation":    true,
	"light_temperature":   true,
	"target_temperature":  true,
	"measure_temperature": true,
	"fan_speed":           true,
	"volume_set":          true,
}

// unitIntervalCapabilities are capability bases the hub defines on the
// 0..1 range. Out-of-range writes are clamped rather than rejected, so a
// caller sending 100 for a dim level drives the light to full instead of
// getting a hub error back.
var unitIntervalCapabilities = map[string]bool{
	"dim":               true,
	"light_hue":         true,
	"light_saturation":  true,
	"light_temperature": true,
	"fan_speed":         true,
	"volume_set":        true,
}

// ConvertValue coerces a value into the shape the capability expects before
// it goes on the wire. Boolean capabilities accept loose string forms
// ("true", "1", "on", "yes"), numeric capabilities accept numeric strings,
// and windowcoverings_state accepts either its enum states or a position
// number. Unit-interval capabilities (dim, volume_set and friends) are
// clamped to 0..1. Capabilities with no conversion rule pass through
// untouched.
func ConvertValue(capabilityID string, value any) (any, error) {
	base := BaseCapabilityID(capabilityID)
	switch {
	case booleanCapabilities[base]:
		return toBool(value), nil
	case base == "windowcoverings_state":
		if s, ok := value.(string); ok {
			switch s {
			case "up", "idle", "down":
				return s, nil
			}
		}
		if f, ok := toFloat(value); ok {
			return f, nil
		}
		return value, nil
	case numericSetCapabilities[base]:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: capability %s needs a numeric value, got %T", ErrInvalidValue, capabilityID, value)
		}
		if unitIntervalCapabilities[base] {
			f = clamp(f, 0, 1)
		}
		return f, nil
	default:
		return value, nil
	}
}

// toBool interprets loosely-typed truthiness: real booleans pass through,
// strings match common affirmative spellings, numbers are non-zero.
func toBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "on", "yes":
			return true
		}
		return false
	case float64:
		return v != 0
	case float32:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case nil:
		return false
	default:
		return true
	}
}

// toFloat converts numeric-ish values to float64.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// FractionToPercent maps a hub-side 0..1 value onto 0..100, clamped.
func FractionToPercent(v float64) float64 {
	return clamp(v*100, 0, 100)
}

// PercentToFraction maps a 0..100 percentage onto the 0..1 range hubs
// expect for dim-style capabilities, clamped.
func PercentToFraction(v float64) float64 {
	return clamp(v/100, 0, 1)
}

// ClampValue bounds a numeric value to the capability's declared min/max.
// Non-numeric values and capabilities without range metadata pass through
// untouched.
func ClampValue(c *Capability, value any) any {
	if c == nil || (c.Min == nil && c.Max == nil) {
		return value
	}
	f, ok := toFloat(value)
	if !ok {
		return value
	}
	return ClampToRange(f, c.Min, c.Max)
}

// ClampToRange bounds v to a capability's declared min/max where present.
func ClampToRange(v float64, minVal, maxVal *float64) float64 {
	if minVal != nil && v < *minVal {
		return *minVal
	}
	if maxVal != nil && v > *maxVal {
		return *maxVal
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
