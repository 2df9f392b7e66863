package hub

import (
	"encoding/json"
	"strings"
)

// Capability describes one capability instance on a device, as reported by
// the hub's capabilitiesObj map. IDs are dot-qualified when a device carries
// several instances of the same base capability ("measure_temperature.inside").
type Capability struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"` // "boolean", "number", "string", "enum"
	Getable  bool           `json:"getable"`
	Setable  bool           `json:"setable"`
	Title    string         `json:"title"`
	Units    string         `json:"units,omitempty"`
	Decimals *int           `json:"decimals,omitempty"`
	Min      *float64       `json:"min,omitempty"`
	Max      *float64       `json:"max,omitempty"`
	Values   []EnumValue    `json:"values,omitempty"`
	Value    any            `json:"value,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// IsMaintenanceAction reports whether the capability is flagged as a
// maintenance action in its options (firmware migration, reset buttons).
func (c *Capability) IsMaintenanceAction() bool {
	if c.Options == nil {
		return false
	}
	flag, _ := c.Options["maintenanceAction"].(bool)
	return flag
}

// EnumValue is one selectable option of an enum capability.
type EnumValue struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// BaseID returns the capability ID with any sub-capability suffix removed:
// "measure_temperature.inside" -> "measure_temperature".
func (c *Capability) BaseID() string {
	return BaseCapabilityID(c.ID)
}

// SubID returns the sub-capability suffix, or "" for plain capabilities:
// "measure_temperature.inside" -> "inside".
func (c *Capability) SubID() string {
	return SubCapabilityID(c.ID)
}

// BaseCapabilityID strips the sub-capability suffix from a capability ID.
func BaseCapabilityID(id string) string {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		return id[:i]
	}
	return id
}

// SubCapabilityID returns the sub-capability suffix of a capability ID,
// or "" for plain capabilities.
func SubCapabilityID(id string) string {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return ""
}

// Device is a device as reported by the hub.
type Device struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Class        string                 `json:"class"`
	VirtualClass string                 `json:"virtualClass,omitempty"`
	Zone         string                 `json:"zone,omitempty"`
	ZoneName     string                 `json:"zoneName,omitempty"`
	DriverURI    string                 `json:"driverUri,omitempty"`
	DriverID     string                 `json:"driverId,omitempty"`
	Capabilities []string               `json:"capabilities"`
	CapObj       map[string]*Capability `json:"capabilitiesObj"`
	Available    bool                   `json:"available"`
	Ready        bool                   `json:"ready"`
	Settings     map[string]any         `json:"settings,omitempty"`
}

// Capability returns the capability instance with the given ID, or nil.
func (d *Device) Capability(id string) *Capability {
	if d.CapObj == nil {
		return nil
	}
	return d.CapObj[id]
}

// HasCapability reports whether the device lists the given capability ID.
func (d *Device) HasCapability(id string) bool {
	return d.Capability(id) != nil
}

// EffectiveClass returns the virtual class when set, otherwise the class.
// Grouped and template devices report their presented class via virtualClass.
func (d *Device) EffectiveClass() string {
	if d.VirtualClass != "" {
		return d.VirtualClass
	}
	return d.Class
}

// Zone is a room or grouping node in the hub's zone tree.
type Zone struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

// FlowKind distinguishes the two flow engines a hub may run.
type FlowKind string

// Flow kinds.
const (
	FlowStandard FlowKind = "standard"
	FlowAdvanced FlowKind = "advanced"
)

// Flow is an automation the hub can run on demand.
type Flow struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Kind    FlowKind `json:"-"` // set by the client from the source endpoint
}

// Scene is a stored device-state snapshot that can be applied on demand.
type Scene struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Mood is a per-zone lighting preset.
type Mood struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Zone string `json:"zone,omitempty"`
}

// LogicVariable is a user-defined variable on the hub. Type is one of
// "boolean", "number" or "string".
type LogicVariable struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// SystemInfo is the hub's self-description. Field names vary across firmware
// generations, so identity is resolved through accessors.
type SystemInfo struct {
	CloudID   string `json:"cloudId,omitempty"`
	ID        string `json:"id,omitempty"`
	HomeyID   string `json:"homeyId,omitempty"`
	Name      string `json:"name,omitempty"`
	HomeyName string `json:"homeyName,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Version   string `json:"homeyVersion,omitempty"`
}

// HubID returns the stable hub identifier, preferring the cloud ID.
func (s *SystemInfo) HubID() string {
	switch {
	case s.CloudID != "":
		return s.CloudID
	case s.ID != "":
		return s.ID
	default:
		return s.HomeyID
	}
}

// HubName returns the human-readable hub name, falling back to the
// hostname's first label when no name is set.
func (s *SystemInfo) HubName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.HomeyName != "":
		return s.HomeyName
	case s.Hostname != "":
		host, _, _ := strings.Cut(s.Hostname, ".")
		return host
	default:
		return ""
	}
}

// decodeCollection normalises a hub collection response. Hubs return either
// an object keyed by ID or a bare array depending on firmware generation;
// some firmware omits the embedded id field inside map values, so the map
// key backfills it.
func decodeCollection[T any](data []byte, idOf func(*T) string, setID func(*T, string)) (map[string]*T, error) {
	var asMap map[string]*T
	if err := json.Unmarshal(data, &asMap); err == nil {
		for key, item := range asMap {
			if item == nil {
				delete(asMap, key)
				continue
			}
			if idOf(item) == "" {
				setID(item, key)
			}
		}
		return asMap, nil
	}

	var asList []*T
	if err := json.Unmarshal(data, &asList); err != nil {
		return nil, err
	}

	out := make(map[string]*T, len(asList))
	for _, item := range asList {
		if item == nil {
			continue
		}
		if id := idOf(item); id != "" {
			out[id] = item
		}
	}
	return out, nil
}
