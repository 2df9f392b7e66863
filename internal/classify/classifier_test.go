package classify

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nerrad567/gray-logic-hublink/internal/hub"
)

func testCapability(id, typ string, getable, setable bool) *hub.Capability {
	return &hub.Capability{ID: id, Type: typ, Getable: getable, Setable: setable}
}

func testDevice(name, class string, caps ...*hub.Capability) *hub.Device {
	d := &hub.Device{
		ID:        "dev-1",
		Name:      name,
		Class:     class,
		Available: true,
		CapObj:    make(map[string]*hub.Capability, len(caps)),
	}
	for _, c := range caps {
		d.CapObj[c.ID] = c
		d.Capabilities = append(d.Capabilities, c.ID)
	}
	return d
}

func descriptorsOf(descs []Descriptor, kind Kind) []Descriptor {
	var out []Descriptor
	for _, d := range descs {
		if d.Type == kind {
			out = append(out, d)
		}
	}
	return out
}

func hasDescriptor(descs []Descriptor, kind Kind, primary string) bool {
	for _, d := range descs {
		if d.Type == kind && d.Primary() == primary {
			return true
		}
	}
	return false
}

func TestDevice_Deterministic(t *testing.T) {
	dev := testDevice("Wall Plug", "socket",
		testCapability("onoff", "boolean", true, true),
		testCapability("measure_power", "number", true, false),
		testCapability("meter_power", "number", true, false),
		testCapability("alarm_generic", "boolean", true, false),
	)

	first := Device(dev, nil)
	for i := 0; i < 10; i++ {
		if again := Device(dev, nil); !reflect.DeepEqual(first, again) {
			t.Fatalf("Device() output not deterministic:\nfirst = %+v\nagain = %+v", first, again)
		}
	}
}

func TestDevice_SlotsAreUnique(t *testing.T) {
	dev := testDevice("Everything", "other",
		testCapability("onoff", "boolean", true, true),
		testCapability("dim", "number", true, true),
		testCapability("measure_power", "number", true, false),
		testCapability("measure_temperature", "number", true, false),
		testCapability("alarm_motion", "boolean", true, false),
		testCapability("locked", "boolean", true, true),
	)

	descs := Device(dev, nil)
	seen := make(map[string]bool)
	for _, d := range descs {
		if seen[d.Slot()] {
			t.Errorf("duplicate slot %q", d.Slot())
		}
		seen[d.Slot()] = true
		if d.DeviceID != "dev-1" {
			t.Errorf("descriptor %q missing device ID", d.Slot())
		}
		if len(d.Capabilities) == 0 {
			t.Errorf("descriptor %q has no capabilities", d.Slot())
		}
	}
}

func TestDevice_LightVersusSwitch(t *testing.T) {
	dimmable := testDevice("Ceiling", "light",
		testCapability("onoff", "boolean", true, true),
		testCapability("dim", "number", true, true),
	)
	descs := Device(dimmable, nil)
	lights := descriptorsOf(descs, KindLight)
	if len(lights) != 1 {
		t.Fatalf("lights = %d, want 1", len(lights))
	}
	if got := lights[0].Capabilities; !reflect.DeepEqual(got, []string{"onoff", "dim"}) {
		t.Errorf("light capabilities = %v, want [onoff dim]", got)
	}
	if len(descriptorsOf(descs, KindSwitch)) != 0 {
		t.Error("dimmable light should not also be a switch")
	}

	plain := testDevice("Relay", "other",
		testCapability("onoff", "boolean", true, true),
	)
	descs = Device(plain, nil)
	if len(descriptorsOf(descs, KindLight)) != 0 {
		t.Error("bare onoff on unknown class should not be a light")
	}
	if len(descriptorsOf(descs, KindSwitch)) != 1 {
		t.Error("bare onoff should be a switch")
	}
}

func TestDevice_ClassHintBreaksAmbiguity(t *testing.T) {
	// A class "light" device with nothing but onoff is still a light.
	bareLight := testDevice("Hallway Spot", "light",
		testCapability("onoff", "boolean", true, true),
	)
	descs := Device(bareLight, nil)
	if !hasDescriptor(descs, KindLight, "onoff") {
		t.Error("class light with bare onoff should classify as light")
	}
	if len(descriptorsOf(descs, KindSwitch)) != 0 {
		t.Error("class light should not yield a switch")
	}
}

func TestDevice_GroupDriverFollowsClass(t *testing.T) {
	group := testDevice("All Sockets", "socket",
		testCapability("onoff", "boolean", true, true),
		testCapability("dim", "number", true, true),
	)
	group.DriverID = "homey:app:com.swttt.devicegroups:socket"

	descs := Device(group, nil)
	if len(descriptorsOf(descs, KindLight)) != 0 {
		t.Error("socket group must not classify as light despite dim")
	}
	if !hasDescriptor(descs, KindSwitch, "onoff") {
		t.Error("socket group should classify as switch")
	}
	// The unclaimed dim still surfaces as a settable number.
	if !hasDescriptor(descs, KindNumber, "dim") {
		t.Error("group dim should fall back to a number entity")
	}
}

func TestDevice_SwitchAndSensorCoexist(t *testing.T) {
	plug := testDevice("Washer Plug", "socket",
		testCapability("onoff", "boolean", true, true),
		testCapability("measure_power", "number", true, false),
		testCapability("meter_power", "number", true, false),
	)

	descs := Device(plug, nil)
	if !hasDescriptor(descs, KindSwitch, "onoff") {
		t.Error("plug should be a switch")
	}
	sensors := descriptorsOf(descs, KindSensor)
	if len(sensors) != 2 {
		t.Fatalf("sensors = %d, want 2", len(sensors))
	}
	for _, s := range sensors {
		switch s.Primary() {
		case "measure_power":
			if s.Hint != "power" || s.StateClass != StateMeasurement || s.Unit != "W" {
				t.Errorf("measure_power hints = (%q, %q, %q)", s.Hint, s.StateClass, s.Unit)
			}
		case "meter_power":
			if s.StateClass != StateTotalIncreasing {
				t.Errorf("meter_power state class = %q, want total_increasing", s.StateClass)
			}
		}
	}

	switches := descriptorsOf(descs, KindSwitch)
	if len(switches) == 1 && switches[0].Hint != "outlet" {
		t.Errorf("socket switch hint = %q, want outlet", switches[0].Hint)
	}
}

func TestDevice_MultiChannelSwitches(t *testing.T) {
	relay := testDevice("Double Relay", "other",
		testCapability("onoff.output1", "boolean", true, true),
		testCapability("onoff.output2", "boolean", true, true),
	)

	descs := Device(relay, nil)
	switches := descriptorsOf(descs, KindSwitch)
	if len(switches) != 2 {
		t.Fatalf("switches = %d, want 2", len(switches))
	}
	if switches[0].Name != "Double Relay Output1" {
		t.Errorf("switch name = %q, want %q", switches[0].Name, "Double Relay Output1")
	}
}

func TestDevice_Cover(t *testing.T) {
	blind := testDevice("Studio Blind", "windowcoverings",
		testCapability("windowcoverings_state", "enum", true, true),
		testCapability("windowcoverings_set", "number", true, true),
		testCapability("measure_battery", "number", true, false),
	)

	descs := Device(blind, nil)
	covers := descriptorsOf(descs, KindCover)
	if len(covers) != 1 {
		t.Fatalf("covers = %d, want 1", len(covers))
	}
	if got := covers[0].Capabilities; !reflect.DeepEqual(got, []string{"windowcoverings_state", "windowcoverings_set"}) {
		t.Errorf("cover capabilities = %v", got)
	}
	// The enum state is claimed by the cover; no select entity.
	if len(descriptorsOf(descs, KindSelect)) != 0 {
		t.Error("windowcoverings_state must not become a select")
	}
	if !hasDescriptor(descs, KindSensor, "measure_battery") {
		t.Error("battery sensor should coexist with the cover")
	}
}

func TestDevice_GarageDoor(t *testing.T) {
	door := testDevice("Garage", "garagedoor",
		testCapability("garagedoor_closed", "boolean", true, true),
	)

	descs := Device(door, nil)
	covers := descriptorsOf(descs, KindCover)
	if len(covers) != 1 {
		t.Fatalf("covers = %d, want 1", len(covers))
	}
	if covers[0].Hint != "garage" {
		t.Errorf("cover hint = %q, want garage", covers[0].Hint)
	}
}

func TestDevice_Climate(t *testing.T) {
	thermostat := testDevice("Bedroom Thermostat", "thermostat",
		testCapability("target_temperature", "number", true, true),
		testCapability("measure_temperature", "number", true, false),
		testCapability("thermostat_mode", "enum", true, true),
	)

	descs := Device(thermostat, nil)
	climates := descriptorsOf(descs, KindClimate)
	if len(climates) != 1 {
		t.Fatalf("climates = %d, want 1", len(climates))
	}
	if climates[0].Primary() != "target_temperature" {
		t.Errorf("climate primary = %q", climates[0].Primary())
	}
	// The measured temperature also stands alone as a sensor.
	if !hasDescriptor(descs, KindSensor, "measure_temperature") {
		t.Error("measure_temperature sensor should coexist with climate")
	}
	// thermostat_mode is claimed by climate, not a select.
	if len(descriptorsOf(descs, KindSelect)) != 0 {
		t.Error("thermostat_mode must not become a select")
	}
}

func TestDevice_HeatPumpProfileNumbers(t *testing.T) {
	pump := testDevice("Heat Pump", "heatpump",
		testCapability("target_temperature", "number", true, true),
		testCapability("target_temperature.comfort", "number", true, true),
		testCapability("target_temperature.eco", "number", true, true),
		testCapability("operating_program", "enum", true, true),
	)
	pump.CapObj["operating_program"].Values = []hub.EnumValue{{ID: "auto"}, {ID: "manual"}}

	descs := Device(pump, nil)
	climates := descriptorsOf(descs, KindClimate)
	if len(climates) != 1 || climates[0].Hint != "heatpump" {
		t.Fatalf("climate descriptors = %+v", climates)
	}
	numbers := descriptorsOf(descs, KindNumber)
	if len(numbers) != 2 {
		t.Fatalf("numbers = %d, want 2 (comfort + eco)", len(numbers))
	}
	if !hasDescriptor(descs, KindSelect, "operating_program") {
		t.Error("operating_program should be a select")
	}
}

func TestDevice_FanLockMedia(t *testing.T) {
	fan := testDevice("Ceiling Fan", "fan",
		testCapability("onoff", "boolean", true, true),
		testCapability("fan_speed", "number", true, true),
	)
	descs := Device(fan, nil)
	fans := descriptorsOf(descs, KindFan)
	if len(fans) != 1 {
		t.Fatalf("fans = %d, want 1", len(fans))
	}
	if !reflect.DeepEqual(fans[0].Capabilities, []string{"fan_speed", "onoff"}) {
		t.Errorf("fan capabilities = %v", fans[0].Capabilities)
	}
	if len(descriptorsOf(descs, KindSwitch)) != 0 {
		t.Error("fan onoff must not become a switch")
	}

	lock := testDevice("Front Door", "lock",
		testCapability("locked", "boolean", true, true),
		testCapability("alarm_battery", "boolean", true, false),
	)
	descs = Device(lock, nil)
	if !hasDescriptor(descs, KindLock, "locked") {
		t.Error("locked should be a lock")
	}
	if !hasDescriptor(descs, KindBinarySensor, "alarm_battery") {
		t.Error("alarm_battery should be a binary sensor")
	}
	if len(descriptorsOf(descs, KindSwitch)) != 0 {
		t.Error("locked must not become a switch")
	}

	speaker := testDevice("Kitchen Speaker", "speaker",
		testCapability("speaker_playing", "boolean", true, true),
		testCapability("volume_set", "number", true, true),
		testCapability("volume_mute", "boolean", true, true),
		testCapability("onoff", "boolean", true, true),
	)
	descs = Device(speaker, nil)
	media := descriptorsOf(descs, KindMediaPlayer)
	if len(media) != 1 {
		t.Fatalf("media players = %d, want 1", len(media))
	}
	if media[0].Primary() != "speaker_playing" {
		t.Errorf("media primary = %q", media[0].Primary())
	}
	if len(descriptorsOf(descs, KindSwitch)) != 0 {
		t.Error("speaker onoff must not become a switch")
	}
}

func TestDevice_MaintenanceExcluded(t *testing.T) {
	dev := testDevice("Meter", "other",
		testCapability("measure_power", "number", true, false),
		testCapability("button.reset_meter", "boolean", false, true),
		testCapability("button.identify", "boolean", false, true),
	)
	flagged := testCapability("button.calibrate", "boolean", false, true)
	flagged.Options = map[string]any{"maintenanceAction": true}
	dev.CapObj[flagged.ID] = flagged
	dev.Capabilities = append(dev.Capabilities, flagged.ID)

	descs := Device(dev, nil)
	for _, d := range descs {
		switch d.Primary() {
		case "button.reset_meter", "button.identify", "button.calibrate":
			t.Errorf("maintenance capability %q surfaced as %q", d.Primary(), d.Type)
		}
	}
	if !hasDescriptor(descs, KindSensor, "measure_power") {
		t.Error("real sensor lost alongside maintenance exclusion")
	}
}

func TestDevice_ButtonEntities(t *testing.T) {
	remote := testDevice("Remote", "remote",
		testCapability("button.1", "boolean", false, true),
		testCapability("button.2", "boolean", false, true),
	)

	descs := Device(remote, nil)
	buttons := descriptorsOf(descs, KindButton)
	if len(buttons) != 2 {
		t.Fatalf("buttons = %d, want 2", len(buttons))
	}
}

func TestDevice_GenericFallbacks(t *testing.T) {
	dev := testDevice("Oddball", "other",
		testCapability("measure_flux", "number", true, false),
		testCapability("alarm_custom", "boolean", true, false),
		testCapability("boost_mode", "boolean", true, true),
		testCapability("status_text", "string", true, false),
		testCapability("note_text", "string", true, true),
		testCapability("mystery", "", true, false),
	)

	descs := Device(dev, nil)

	if !hasDescriptor(descs, KindSensor, "measure_flux") {
		t.Error("unknown measure_* numeric should be a sensor")
	}
	if !hasDescriptor(descs, KindBinarySensor, "alarm_custom") {
		t.Error("unknown alarm_* boolean should be a binary sensor")
	}
	if !hasDescriptor(descs, KindSwitch, "boost_mode") {
		t.Error("unclaimed setable boolean should be a switch")
	}
	if !hasDescriptor(descs, KindText, "note_text") {
		t.Error("setable string should be a text entity")
	}
	if !hasDescriptor(descs, KindSensor, "status_text") {
		t.Error("getable string should be a sensor")
	}

	var raw *Descriptor
	for i := range descs {
		if descs[i].Primary() == "mystery" {
			raw = &descs[i]
		}
	}
	if raw == nil {
		t.Fatal("typeless capability should yield a raw sensor, not vanish")
	}
	if raw.Type != KindSensor || !raw.Raw {
		t.Errorf("mystery descriptor = %+v, want raw sensor", raw)
	}
}

func TestDevice_SubCapabilitySensors(t *testing.T) {
	dev := testDevice("Weather Station", "sensor",
		testCapability("measure_temperature.inside", "number", true, false),
		testCapability("measure_temperature.outside", "number", true, false),
	)

	descs := Device(dev, nil)
	sensors := descriptorsOf(descs, KindSensor)
	if len(sensors) != 2 {
		t.Fatalf("sensors = %d, want 2", len(sensors))
	}
	for _, s := range sensors {
		if s.Hint != "temperature" {
			t.Errorf("sub-capability sensor hint = %q, want temperature", s.Hint)
		}
	}
	if sensors[0].Name != "Weather Station Inside Temperature" {
		t.Errorf("sensor name = %q, want %q", sensors[0].Name, "Weather Station Inside Temperature")
	}
}

func TestCapability_SingleEntry(t *testing.T) {
	dev := testDevice("Probe", "sensor",
		testCapability("measure_temperature", "number", true, false),
		testCapability("mystery", "", false, false),
	)

	desc, err := Capability(dev, "measure_temperature", nil)
	if err != nil {
		t.Fatalf("Capability() error = %v", err)
	}
	if desc.Type != KindSensor || desc.Hint != "temperature" {
		t.Errorf("descriptor = %+v", desc)
	}

	if _, err := Capability(dev, "mystery", nil); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("Capability(mystery) error = %v, want ErrAmbiguous", err)
	}
	if _, err := Capability(dev, "absent", nil); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("Capability(absent) error = %v, want ErrAmbiguous", err)
	}
}
