package classify

import "strings"

// SensorHint carries destination metadata for a known sensor capability.
type SensorHint struct {
	DeviceClass string
	StateClass  string
	Unit        string
}

// Rules is the classification override table. It is versioned and
// data-driven so installations can extend or correct classifications
// without code changes; precedence lives in the data, not in the
// classifier.
type Rules struct {
	// Version of the rule table. Bumped whenever entries change meaning,
	// so persisted entity sets can be recomputed on upgrade.
	Version int

	// ClassKinds breaks capability ambiguity using the device's coarse
	// class: a device of class "light" carrying only onoff is a light,
	// not a switch. For group drivers the class wins outright.
	ClassKinds map[string]Kind

	// GroupDriverPrefixes lists driver prefixes whose devices aggregate
	// other devices. Their capability sets mirror their members, so the
	// configured class decides the kind strictly.
	GroupDriverPrefixes []string

	// SensorHints maps known numeric capability bases to destination
	// metadata.
	SensorHints map[string]SensorHint

	// BinaryHints maps known boolean capability bases to a device-class
	// hint. An empty value means "known, but generic".
	BinaryHints map[string]string
}

// DefaultRules returns the built-in rule table.
func DefaultRules() *Rules {
	return &Rules{
		Version: 1,
		ClassKinds: map[string]Kind{
			"light":    KindLight,
			"socket":   KindSwitch,
			"switch":   KindSwitch,
			"fan":      KindFan,
			"heatpump": KindClimate,
		},
		GroupDriverPrefixes: []string{
			"homey:app:com.swttt.devicegroups:",
		},
		SensorHints: map[string]SensorHint{
			"measure_temperature":   {DeviceClass: "temperature", StateClass: StateMeasurement, Unit: "°C"},
			"measure_humidity":      {DeviceClass: "humidity", StateClass: StateMeasurement, Unit: "%"},
			"measure_pressure":      {DeviceClass: "pressure", StateClass: StateMeasurement, Unit: "hPa"},
			"measure_power":         {DeviceClass: "power", StateClass: StateMeasurement, Unit: "W"},
			"measure_voltage":       {DeviceClass: "voltage", StateClass: StateMeasurement, Unit: "V"},
			"measure_current":       {DeviceClass: "current", StateClass: StateMeasurement, Unit: "A"},
			"measure_luminance":     {DeviceClass: "illuminance", StateClass: StateMeasurement, Unit: "lx"},
			"measure_co2":           {DeviceClass: "co2", StateClass: StateMeasurement, Unit: "ppm"},
			"measure_co":            {DeviceClass: "co", StateClass: StateMeasurement, Unit: "ppm"},
			"measure_noise":         {DeviceClass: "sound_pressure", StateClass: StateMeasurement, Unit: "dB"},
			"measure_rain":          {StateClass: StateMeasurement, Unit: "mm"},
			"measure_wind_strength": {StateClass: StateMeasurement, Unit: "m/s"},
			"measure_wind_angle":    {StateClass: StateMeasurement, Unit: "°"},
			"measure_ultraviolet":   {StateClass: StateMeasurement, Unit: "UV index"},
			"measure_pm25":          {DeviceClass: "pm25", StateClass: StateMeasurement, Unit: "µg/m³"},
			"measure_pm10":          {DeviceClass: "pm10", StateClass: StateMeasurement, Unit: "µg/m³"},
			"measure_voc":           {StateClass: StateMeasurement, Unit: "µg/m³"},
			"measure_frequency":     {StateClass: StateMeasurement, Unit: "Hz"},
			"measure_battery":       {DeviceClass: "battery", StateClass: StateMeasurement, Unit: "%"},
			"measure_energy":        {DeviceClass: "energy", StateClass: StateTotalIncreasing, Unit: "kWh"},
			"meter_power":           {DeviceClass: "energy", StateClass: StateTotalIncreasing, Unit: "kWh"},
			"meter_water":           {StateClass: StateTotalIncreasing, Unit: "m³"},
			"meter_gas":             {StateClass: StateTotalIncreasing, Unit: "m³"},
		},
		BinaryHints: map[string]string{
			"alarm_motion":      "motion",
			"alarm_contact":     "door",
			"alarm_tamper":      "tamper",
			"alarm_smoke":       "smoke",
			"alarm_fire":        "smoke",
			"alarm_co":          "co",
			"alarm_co2":         "",
			"alarm_water":       "moisture",
			"alarm_battery":     "battery",
			"alarm_gas":         "gas",
			"alarm_generic":     "",
			"compressor_active": "running",
			"circulation_pump":  "running",
			"hot_water":         "running",
		},
	}
}

// kindForClass resolves the class hint for a device class, reporting
// whether the hint is strict (group drivers follow their class outright).
func (r *Rules) kindForClass(deviceClass string, groupDriver bool) (Kind, bool) {
	kind, ok := r.ClassKinds[deviceClass]
	if !ok {
		return "", false
	}
	return kind, groupDriver
}

// isGroupDriver reports whether the driver aggregates other devices.
func (r *Rules) isGroupDriver(driverID, driverURI string) bool {
	for _, prefix := range r.GroupDriverPrefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(driverID, prefix) || strings.HasPrefix(driverURI, prefix) {
			return true
		}
	}
	return false
}
