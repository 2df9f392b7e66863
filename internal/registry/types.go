package registry

import "time"

// Record is one mirrored device. Key is the scope key: the bare upstream
// device ID on single-hub installs, "<hub>:<id>" once a second hub is
// configured. Area carries the downstream-visible area assignment and may
// be changed manually; AreaAuto remembers the last zone name this engine
// assigned, which is what makes the manual change detectable.
type Record struct {
	Key           string    `json:"key"`
	HubID         string    `json:"hub_id"`
	DeviceID      string    `json:"device_id"`
	Name          string    `json:"name"`
	Class         string    `json:"class,omitempty"`
	ZoneID        string    `json:"zone_id,omitempty"`
	Area          string    `json:"area,omitempty"`
	AreaAuto      string    `json:"area_auto,omitempty"`
	DriverID      string    `json:"driver_id,omitempty"`
	DriverVersion string    `json:"driver_version,omitempty"`
	Virtual       bool      `json:"virtual,omitempty"`
	Available     bool      `json:"available"`
	Stale         bool      `json:"stale,omitempty"`
	Capabilities  []string  `json:"capabilities"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DeepCopy returns a copy sharing no mutable state with the original.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = make([]string, len(r.Capabilities))
		copy(out.Capabilities, r.Capabilities)
	}
	return &out
}

// EntityConfig captures the classifier output backing an entity.
type EntityConfig struct {
	// Capabilities backing the entity, primary first.
	Capabilities []string `json:"capabilities"`

	// Hint is the device-class hint for presentation adapters.
	Hint string `json:"hint,omitempty"`

	Unit       string `json:"unit,omitempty"`
	StateClass string `json:"state_class,omitempty"`

	// Raw marks a fallback entity for a capability no rule matched.
	Raw bool `json:"raw,omitempty"`
}

// Entity is one published entity record. Slot is unique per device; the
// entity's display name is set on creation and never retroactively
// renamed, so user customisations downstream survive device renames.
type Entity struct {
	ID        string       `json:"id"`
	DeviceKey string       `json:"device_key"`
	Slot      string       `json:"slot"`
	Kind      string       `json:"kind"`
	Name      string       `json:"name"`
	Config    EntityConfig `json:"config"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DeepCopy returns a copy sharing no mutable state with the original.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	if e.Config.Capabilities != nil {
		out.Config.Capabilities = make([]string, len(e.Config.Capabilities))
		copy(out.Config.Capabilities, e.Config.Capabilities)
	}
	return &out
}

// ZoneRecord mirrors one hub zone.
type ZoneRecord struct {
	HubID     string    `json:"hub_id"`
	ZoneID    string    `json:"zone_id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowRecord mirrors one hub flow; standard and advanced flows share the
// table, distinguished by Kind.
type FlowRecord struct {
	HubID     string    `json:"hub_id"`
	FlowID    string    `json:"flow_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
