package classify

import (
	"sort"
	"strings"

	"github.com/nerrad567/gray-logic-hublink/internal/hub"
)

// maintenanceKeywords in a capability name mark hub-internal maintenance
// actions (firmware migration, counter resets, identify blinkers) that
// must never surface downstream.
var maintenanceKeywords = []string{"migrate", "reset", "identify"}

// mediaCapabilities pull a device into the media slot, in primary order.
var mediaCapabilities = []string{
	"speaker_playing", "volume_set", "volume_mute",
	"speaker_next", "speaker_prev", "speaker_shuffle", "speaker_repeat",
}

// lightCapabilities ride along on a light entity, in primary order.
var lightCapabilities = []string{
	"onoff", "dim", "light_hue", "light_saturation", "light_temperature", "light_mode",
}

// excludedCapabilities never produce entities; they duplicate information
// already carried elsewhere.
var excludedCapabilities = map[string]bool{
	"device_name": true,
}

// Device classifies one device snapshot into entity descriptors.
//
// Classification is pure and deterministic: the same snapshot and rules
// always produce the same descriptors in the same order. A device may fill
// several independent slots at once (a wall plug is a switch and a power
// sensor), but no two descriptors of one device share (type, primary
// capability). Passing nil rules uses DefaultRules.
func Device(dev *hub.Device, rules *Rules) []Descriptor {
	if rules == nil {
		rules = DefaultRules()
	}
	c := &classification{
		dev:     dev,
		rules:   rules,
		claimed: make(map[string]bool),
	}
	return c.run()
}

// Capability classifies a single capability in isolation, without the
// cross-capability slot context Device applies. ErrAmbiguous is returned
// when no rule matches; Device converts that case into a raw sensor
// descriptor so the value is still exposed.
func Capability(dev *hub.Device, capID string, rules *Rules) (Descriptor, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	capability := dev.Capability(capID)
	if capability == nil {
		return Descriptor{}, ErrAmbiguous
	}
	c := &classification{dev: dev, rules: rules, claimed: make(map[string]bool)}
	return c.fallback(capability)
}

type classification struct {
	dev     *hub.Device
	rules   *Rules
	claimed map[string]bool
	out     []Descriptor

	strictKind Kind // class-forced kind for group drivers, "" otherwise
	softKind   Kind // class hint used only to break ambiguity
}

func (c *classification) run() []Descriptor {
	groupDriver := c.rules.isGroupDriver(c.dev.DriverID, c.dev.DriverURI)
	if kind, strict := c.rules.kindForClass(c.dev.EffectiveClass(), groupDriver); strict {
		c.strictKind = kind
	} else {
		c.softKind = kind
	}

	c.covers()
	c.light()
	c.climate()
	c.fan()
	c.lock()
	c.media()
	c.switches()
	c.remainder()
	return c.out
}

// slotAllowed reports whether a specialised slot may fire. A strict class
// kind suppresses every other specialised slot.
func (c *classification) slotAllowed(kind Kind) bool {
	return c.strictKind == "" || c.strictKind == kind
}

func (c *classification) has(capID string) bool {
	return c.dev.HasCapability(capID)
}

func (c *classification) claim(capIDs ...string) {
	for _, id := range capIDs {
		if id != "" {
			c.claimed[id] = true
		}
	}
}

// sortedCapIDs returns every capability ID of the device in stable order,
// including IDs listed without a capabilitiesObj entry.
func (c *classification) sortedCapIDs() []string {
	seen := make(map[string]bool, len(c.dev.CapObj))
	ids := make([]string, 0, len(c.dev.CapObj))
	for id := range c.dev.CapObj {
		ids = append(ids, id)
		seen[id] = true
	}
	for _, id := range c.dev.Capabilities {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	sort.Strings(ids)
	return ids
}

// instanceName suffixes the device name for sub-capability instances.
func (c *classification) instanceName(capID string) string {
	if sub := hub.SubCapabilityID(capID); sub != "" {
		return c.dev.Name + " " + titleWords(strings.ReplaceAll(sub, "_", " "))
	}
	return c.dev.Name
}

// instanceOf returns base(.sub) when the device has it, "" otherwise.
func (c *classification) instanceOf(base, sub string) string {
	id := base
	if sub != "" {
		id = base + "." + sub
	}
	if c.has(id) {
		return id
	}
	return ""
}

func (c *classification) emit(d Descriptor) {
	d.DeviceID = c.dev.ID
	c.out = append(c.out, d)
}

// covers maps each windowcoverings_state or garagedoor_closed instance to
// a cover entity, pulling position and tilt companions along.
func (c *classification) covers() {
	if !c.slotAllowed(KindCover) {
		return
	}
	for _, capID := range c.sortedCapIDs() {
		switch hub.BaseCapabilityID(capID) {
		case "windowcoverings_state":
			sub := hub.SubCapabilityID(capID)
			caps := []string{capID}
			if set := c.instanceOf("windowcoverings_set", sub); set != "" {
				caps = append(caps, set)
			}
			if sub == "" {
				for _, tilt := range []string{"windowcoverings_tilt_up", "windowcoverings_tilt_down", "windowcoverings_tilt_set"} {
					if c.has(tilt) {
						caps = append(caps, tilt)
					}
				}
			}
			c.claim(caps...)
			c.emit(Descriptor{Type: KindCover, Capabilities: caps, Name: c.instanceName(capID)})
		case "garagedoor_closed":
			c.claim(capID)
			c.emit(Descriptor{Type: KindCover, Capabilities: []string{capID}, Name: c.instanceName(capID), Hint: "garage"})
		}
	}
}

// light fires when onoff pairs with a brightness or colour capability, or
// when the device class says light and onoff exists at all.
func (c *classification) light() {
	if !c.slotAllowed(KindLight) || !c.has("onoff") || c.claimed["onoff"] {
		return
	}
	eligible := c.has("dim") || c.has("light_hue") || c.has("light_temperature")
	if c.strictKind == KindLight || c.softKind == KindLight {
		eligible = true
	}
	if !eligible {
		return
	}
	caps := make([]string, 0, len(lightCapabilities))
	for _, id := range lightCapabilities {
		if c.has(id) {
			caps = append(caps, id)
		}
	}
	c.claim(caps...)
	c.emit(Descriptor{Type: KindLight, Capabilities: caps, Name: c.dev.Name})
}

// climate fires on a top-level target_temperature. The measured
// temperature rides along unclaimed so its sensor entity still exists.
func (c *classification) climate() {
	if !c.slotAllowed(KindClimate) || !c.has("target_temperature") {
		return
	}
	caps := []string{"target_temperature"}
	if c.has("thermostat_mode") {
		caps = append(caps, "thermostat_mode")
	}
	c.claim(caps...)
	if c.has("measure_temperature") {
		caps = append(caps, "measure_temperature")
	}
	hint := ""
	if c.dev.EffectiveClass() == "heatpump" {
		hint = "heatpump"
	}
	c.emit(Descriptor{Type: KindClimate, Capabilities: caps, Name: c.dev.Name, Hint: hint})
}

// fan fires on fan_speed, or on bare onoff when the class says fan.
func (c *classification) fan() {
	if !c.slotAllowed(KindFan) {
		return
	}
	classFan := c.strictKind == KindFan || c.softKind == KindFan
	if !c.has("fan_speed") && !(classFan && c.has("onoff") && !c.claimed["onoff"]) {
		return
	}
	var caps []string
	if c.has("fan_speed") {
		caps = append(caps, "fan_speed")
	}
	if c.has("onoff") && !c.claimed["onoff"] {
		caps = append(caps, "onoff")
	}
	if len(caps) == 0 {
		return
	}
	c.claim(caps...)
	c.emit(Descriptor{Type: KindFan, Capabilities: caps, Name: c.dev.Name})
}

func (c *classification) lock() {
	if !c.slotAllowed(KindLock) || !c.has("locked") || c.claimed["locked"] {
		return
	}
	c.claim("locked")
	c.emit(Descriptor{Type: KindLock, Capabilities: []string{"locked"}, Name: c.dev.Name})
}

// media fires on any speaker or volume capability and absorbs onoff as
// the player's power control.
func (c *classification) media() {
	if !c.slotAllowed(KindMediaPlayer) {
		return
	}
	var caps []string
	for _, id := range mediaCapabilities {
		if c.has(id) && !c.claimed[id] {
			caps = append(caps, id)
		}
	}
	if len(caps) == 0 {
		return
	}
	if c.has("onoff") && !c.claimed["onoff"] {
		caps = append(caps, "onoff")
	}
	c.claim(caps...)
	c.emit(Descriptor{Type: KindMediaPlayer, Capabilities: caps, Name: c.dev.Name})
}

// switches maps every unclaimed onoff instance to its own switch entity;
// multi-channel relays yield one per channel.
func (c *classification) switches() {
	hint := ""
	if c.dev.EffectiveClass() == "socket" {
		hint = "outlet"
	}
	for _, capID := range c.sortedCapIDs() {
		if hub.BaseCapabilityID(capID) != "onoff" || c.claimed[capID] {
			continue
		}
		c.claim(capID)
		c.emit(Descriptor{Type: KindSwitch, Capabilities: []string{capID}, Name: c.instanceName(capID), Hint: hint})
	}
}

// remainder classifies every capability no slot claimed. Maintenance and
// excluded capabilities are dropped; everything else that matches no rule
// becomes a raw sensor rather than disappearing.
func (c *classification) remainder() {
	for _, capID := range c.sortedCapIDs() {
		if c.claimed[capID] {
			continue
		}
		capability := c.dev.Capability(capID)
		if capability == nil {
			// Listed without metadata; expose the value as-is.
			c.emit(Descriptor{
				Type:         KindSensor,
				Capabilities: []string{capID},
				Name:         c.dev.Name + " " + capabilityLabel(capID),
				Raw:          true,
			})
			continue
		}
		if excludedCapabilities[capability.BaseID()] || isMaintenance(capability) {
			continue
		}
		desc, err := c.fallback(capability)
		if err != nil {
			if capability.Getable {
				c.emit(Descriptor{
					Type:         KindSensor,
					Capabilities: []string{capID},
					Name:         c.dev.Name + " " + capabilityLabel(capID),
					Unit:         capability.Units,
					Raw:          true,
				})
			}
			continue
		}
		c.emit(desc)
	}
}

// fallback classifies one capability by its own shape. The returned
// descriptor has no DeviceID set; emit fills it in.
func (c *classification) fallback(capability *hub.Capability) (Descriptor, error) {
	capID := capability.ID
	base := capability.BaseID()
	label := c.dev.Name + " " + capabilityLabel(capID)

	if excludedCapabilities[base] || isMaintenance(capability) {
		return Descriptor{}, ErrAmbiguous
	}

	if isButtonLike(capID) {
		return Descriptor{Type: KindButton, Capabilities: []string{capID}, Name: label}, nil
	}

	if hint, ok := c.rules.SensorHints[base]; ok && !capability.Setable {
		unit := hint.Unit
		if unit == "" {
			unit = capability.Units
		}
		return Descriptor{
			Type:         KindSensor,
			Capabilities: []string{capID},
			Name:         label,
			Hint:         hint.DeviceClass,
			Unit:         unit,
			StateClass:   hint.StateClass,
		}, nil
	}

	switch capability.Type {
	case "boolean":
		hint, known := c.rules.BinaryHints[base]
		alarm := strings.HasPrefix(base, "alarm_")
		switch {
		case alarm || (known && !capability.Setable):
			return Descriptor{Type: KindBinarySensor, Capabilities: []string{capID}, Name: label, Hint: hint}, nil
		case capability.Setable:
			return Descriptor{Type: KindSwitch, Capabilities: []string{capID}, Name: label}, nil
		default:
			return Descriptor{Type: KindBinarySensor, Capabilities: []string{capID}, Name: label}, nil
		}
	case "enum":
		if capability.Setable && len(capability.Values) > 0 {
			return Descriptor{Type: KindSelect, Capabilities: []string{capID}, Name: label}, nil
		}
		return Descriptor{Type: KindSensor, Capabilities: []string{capID}, Name: label, Hint: "enum"}, nil
	case "number":
		if capability.Setable {
			return Descriptor{Type: KindNumber, Capabilities: []string{capID}, Name: label, Unit: capability.Units}, nil
		}
		if capability.Getable {
			d := Descriptor{Type: KindSensor, Capabilities: []string{capID}, Name: label, Unit: capability.Units}
			if strings.HasPrefix(base, "measure_") || strings.HasPrefix(base, "meter_") {
				d.StateClass = StateMeasurement
			}
			return d, nil
		}
	case "string":
		if capability.Setable {
			return Descriptor{Type: KindText, Capabilities: []string{capID}, Name: label}, nil
		}
		if capability.Getable {
			return Descriptor{Type: KindSensor, Capabilities: []string{capID}, Name: label, Unit: capability.Units}, nil
		}
	}

	return Descriptor{}, ErrAmbiguous
}

func isMaintenance(capability *hub.Capability) bool {
	if capability.IsMaintenanceAction() {
		return true
	}
	lower := strings.ToLower(capability.ID)
	for _, keyword := range maintenanceKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func isButtonLike(capID string) bool {
	return capID == "button" ||
		strings.HasPrefix(capID, "button.") ||
		strings.HasSuffix(capID, "_button") ||
		strings.HasPrefix(capID, "gardena_button.")
}
