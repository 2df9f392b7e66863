package classify

import (
	"errors"
	"strings"
)

// ErrAmbiguous is returned when a capability matches no classification
// rule. Callers that must still expose the value fall back to a raw
// sensor descriptor; nothing is ever silently dropped.
var ErrAmbiguous = errors.New("classify: capability matched no rule")

// Kind is the semantic entity type a capability group maps to.
type Kind string

// Entity kinds, in slot priority order.
const (
	KindCover        Kind = "cover"
	KindLight        Kind = "light"
	KindClimate      Kind = "climate"
	KindFan          Kind = "fan"
	KindLock         Kind = "lock"
	KindMediaPlayer  Kind = "media_player"
	KindSwitch       Kind = "switch"
	KindButton       Kind = "button"
	KindSelect       Kind = "select"
	KindNumber       Kind = "number"
	KindText         Kind = "text"
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
)

// State classes for sensor descriptors.
const (
	StateMeasurement     = "measurement"
	StateTotalIncreasing = "total_increasing"
)

// Descriptor describes one entity to materialise downstream. Descriptor
// sets are recomputed wholesale from each device snapshot, never patched.
type Descriptor struct {
	DeviceID string

	// Type is the semantic entity kind.
	Type Kind

	// Capabilities backing this entity, primary first. The primary
	// capability carries the entity's state.
	Capabilities []string

	// Name is the suggested entity label: the device name, suffixed for
	// instance capabilities ("Studio Outside Motion").
	Name string

	// Hint is a device-class hint for the destination ("motion",
	// "temperature", "garage").
	Hint string

	// Unit and StateClass refine sensor descriptors.
	Unit       string
	StateClass string

	// Raw marks a fallback descriptor for a capability no rule matched.
	Raw bool
}

// Primary returns the capability carrying the entity's state.
func (d *Descriptor) Primary() string {
	if len(d.Capabilities) == 0 {
		return ""
	}
	return d.Capabilities[0]
}

// Slot identifies the semantic slot this descriptor fills on its device.
// No two descriptors of one device share a slot.
func (d *Descriptor) Slot() string {
	return string(d.Type) + ":" + d.Primary()
}

// titleWords upper-cases the first letter of each space-separated word.
func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// capabilityLabel renders a capability ID as a human label. Prefixes that
// carry no meaning downstream are stripped and instance suffixes lead:
// "alarm_motion.outside" -> "Outside Motion".
func capabilityLabel(capID string) string {
	base, sub, _ := strings.Cut(capID, ".")
	for _, prefix := range []string{"alarm_", "measure_", "meter_"} {
		if trimmed := strings.TrimPrefix(base, prefix); trimmed != base && trimmed != "" {
			base = trimmed
			break
		}
	}
	label := titleWords(strings.ReplaceAll(base, "_", " "))
	if sub != "" {
		label = titleWords(strings.ReplaceAll(sub, "_", " ")) + " " + label
	}
	return label
}
