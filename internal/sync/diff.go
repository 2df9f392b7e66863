package sync

import (
	"reflect"
	"sort"

	"github.com/nerrad567/gray-logic-hublink/internal/hub"
	"github.com/nerrad567/gray-logic-hublink/internal/registry"
)

// generation is one observed hub state: the device snapshot plus the
// area each device resolves to. Areas ride separately from the devices
// because the zone tree refreshes on its own cadence.
type generation struct {
	devices   map[string]*hub.Device
	areas     map[string]string // device ID -> area name
	zoneNames map[string]string // zone ID -> zone name
}

func newGeneration() *generation {
	return &generation{
		devices:   make(map[string]*hub.Device),
		areas:     make(map[string]string),
		zoneNames: make(map[string]string),
	}
}

// deviceUpdate lists the structural changes observed on one device.
type deviceUpdate struct {
	id      string
	updates []registry.UpdateKind
}

// valueChange is one capability value transition.
type valueChange struct {
	deviceID     string
	capabilityID string
	value        any
}

// diffResult is the outcome of comparing two generations. All slices are
// sorted by device ID so batches come out in a stable order. Deletion is
// not decided here: absent devices are reported as missing and the
// coordinator applies its own debounce.
type diffResult struct {
	created []string
	updated []deviceUpdate
	values  []valueChange
	missing []string
}

func diffGenerations(prev, next *generation) diffResult {
	var out diffResult

	for id, dev := range next.devices {
		before, ok := prev.devices[id]
		if !ok {
			out.created = append(out.created, id)
			out.values = append(out.values, initialValues(dev)...)
			continue
		}
		updates := structuralUpdates(before, dev, prev.areas[id], next.areas[id])
		if len(updates) > 0 {
			out.updated = append(out.updated, deviceUpdate{id: id, updates: updates})
		}
		out.values = append(out.values, changedValues(before, dev)...)
	}
	for id := range prev.devices {
		if _, ok := next.devices[id]; !ok {
			out.missing = append(out.missing, id)
		}
	}

	sort.Strings(out.created)
	sort.Strings(out.missing)
	sort.Slice(out.updated, func(i, j int) bool { return out.updated[i].id < out.updated[j].id })
	sort.Slice(out.values, func(i, j int) bool {
		if out.values[i].deviceID != out.values[j].deviceID {
			return out.values[i].deviceID < out.values[j].deviceID
		}
		return out.values[i].capabilityID < out.values[j].capabilityID
	})
	return out
}

// structuralUpdates compares the stored shape of a device against a
// fresh snapshot. Value transitions are handled separately.
func structuralUpdates(before, after *hub.Device, areaBefore, areaAfter string) []registry.UpdateKind {
	var updates []registry.UpdateKind
	if before.Name != after.Name {
		updates = append(updates, registry.UpdateRename)
	}
	if areaBefore != areaAfter {
		updates = append(updates, registry.UpdateReArea)
	}
	if shapeChanged(before, after) {
		updates = append(updates, registry.UpdateCapabilitySet)
	}
	if before.Available != after.Available {
		updates = append(updates, registry.UpdateAvailability)
	}
	return updates
}

// shapeChanged reports whether anything feeding entity classification
// moved: the capability list, the effective class or the driver.
func shapeChanged(before, after *hub.Device) bool {
	if before.EffectiveClass() != after.EffectiveClass() {
		return true
	}
	if driverKey(before) != driverKey(after) {
		return true
	}
	return !equalStringSets(before.Capabilities, after.Capabilities)
}

// driverKey is the driver identity stored and compared for a device.
// Older firmware reports only the driver URI.
func driverKey(dev *hub.Device) string {
	if dev.DriverID != "" {
		return dev.DriverID
	}
	return dev.DriverURI
}

// changedValues returns value transitions for capabilities present in
// the fresh snapshot. A capability the stored shape never saw counts as
// a transition too, which is what refloods every state after a restart.
func changedValues(before, after *hub.Device) []valueChange {
	var out []valueChange
	for id, capability := range after.CapObj {
		prev := before.Capability(id)
		if prev == nil {
			if capability.Value != nil {
				out = append(out, valueChange{deviceID: after.ID, capabilityID: id, value: capability.Value})
			}
			continue
		}
		if !reflect.DeepEqual(prev.Value, capability.Value) {
			out = append(out, valueChange{deviceID: after.ID, capabilityID: id, value: capability.Value})
		}
	}
	return out
}

// initialValues returns every known value of a brand new device so
// subscribers hear its state right after the created notification.
func initialValues(dev *hub.Device) []valueChange {
	var out []valueChange
	for id, capability := range dev.CapObj {
		if capability.Value == nil {
			continue
		}
		out = append(out, valueChange{deviceID: dev.ID, capabilityID: id, value: capability.Value})
	}
	return out
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
