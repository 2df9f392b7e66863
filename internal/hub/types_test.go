package hub

import "testing"

func TestBaseCapabilityID(t *testing.T) {
	tests := []struct {
		id       string
		wantBase string
		wantSub  string
	}{
		{"onoff", "onoff", ""},
		{"measure_temperature.inside", "measure_temperature", "inside"},
		{"onoff.relay.2", "onoff", "relay.2"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := BaseCapabilityID(tt.id); got != tt.wantBase {
				t.Errorf("BaseCapabilityID(%q) = %q, want %q", tt.id, got, tt.wantBase)
			}
			c := &Capability{ID: tt.id}
			if got := c.SubID(); got != tt.wantSub {
				t.Errorf("SubID() = %q, want %q", got, tt.wantSub)
			}
		})
	}
}

func TestDevice_EffectiveClass(t *testing.T) {
	d := &Device{Class: "socket"}
	if got := d.EffectiveClass(); got != "socket" {
		t.Errorf("EffectiveClass() = %q, want %q", got, "socket")
	}

	d.VirtualClass = "light"
	if got := d.EffectiveClass(); got != "light" {
		t.Errorf("EffectiveClass() with virtualClass = %q, want %q", got, "light")
	}
}

func TestSystemInfo_Identity(t *testing.T) {
	full := &SystemInfo{CloudID: "cloud-1", ID: "local-1", HomeyID: "homey-1", Name: "Main Hub"}
	if got := full.HubID(); got != "cloud-1" {
		t.Errorf("HubID() = %q, want cloud ID first", got)
	}

	legacy := &SystemInfo{HomeyID: "homey-1", Hostname: "homey-kitchen.local"}
	if got := legacy.HubID(); got != "homey-1" {
		t.Errorf("HubID() = %q, want %q", got, "homey-1")
	}
	if got := legacy.HubName(); got != "homey-kitchen" {
		t.Errorf("HubName() = %q, want hostname first label", got)
	}

	empty := &SystemInfo{}
	if got := empty.HubName(); got != "" {
		t.Errorf("HubName() on empty info = %q, want empty", got)
	}
}

func TestDecodeCollection_SkipsBlankIDs(t *testing.T) {
	data := []byte(`[{"id":"z1","name":"Kitchen"},{"id":"","name":"nameless"},null]`)
	zones, err := decodeCollection[Zone](data,
		func(z *Zone) string { return z.ID },
		func(z *Zone, id string) { z.ID = id })
	if err != nil {
		t.Fatalf("decodeCollection() error = %v", err)
	}
	if len(zones) != 1 {
		t.Fatalf("len(zones) = %d, want 1", len(zones))
	}
	if zones["z1"].Name != "Kitchen" {
		t.Errorf("zones[z1].Name = %q, want %q", zones["z1"].Name, "Kitchen")
	}
}
