package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-hublink/internal/classify"
)

func newTestReconciler(t *testing.T) (*Registry, *Reconciler, *SQLiteRepository) {
	t.Helper()

	repo := NewSQLiteRepository(setupTestDB(t))
	reg := NewRegistry(repo)
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	return reg, NewReconciler(repo, reg), repo
}

func switchDescriptor(deviceName string) classify.Descriptor {
	return classify.Descriptor{
		Type:         classify.KindSwitch,
		Capabilities: []string{"onoff"},
		Name:         deviceName,
		Hint:         "outlet",
	}
}

func powerDescriptor(deviceName string) classify.Descriptor {
	return classify.Descriptor{
		Type:         classify.KindSensor,
		Capabilities: []string{"measure_power"},
		Name:         deviceName + " Power",
		Unit:         "W",
		StateClass:   classify.StateMeasurement,
	}
}

func createChange(key, name, area string, descs ...classify.Descriptor) Change {
	return Change{
		Kind: ChangeCreated,
		Key:  key,
		Record: &Record{
			DeviceID:     key,
			Name:         name,
			Class:        "socket",
			ZoneID:       "zone-1",
			Area:         area,
			Available:    true,
			Capabilities: []string{"onoff", "measure_power"},
		},
		Descriptors: descs,
	}
}

func updateChange(key string, rec *Record, updates []UpdateKind, descs ...classify.Descriptor) Change {
	return Change{
		Kind:        ChangeUpdated,
		Key:         key,
		Record:      rec,
		Updates:     updates,
		Descriptors: descs,
	}
}

func TestReconciler_CreateDevice(t *testing.T) {
	reg, rc, repo := newTestReconciler(t)
	ctx := context.Background()

	var notes []Notification
	rc.SetOnNotify(func(n Notification) { notes = append(notes, n) })

	batch := &Batch{
		HubID: "hub-1",
		Changes: []Change{
			createChange("dev-1", "Coffee Machine", "Kitchen",
				switchDescriptor("Coffee Machine"), powerDescriptor("Coffee Machine")),
		},
	}
	if err := rc.Apply(ctx, batch); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	got, err := reg.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if got.Name != "Coffee Machine" || got.HubID != "hub-1" {
		t.Errorf("record = %q/%q, want Coffee Machine/hub-1", got.Name, got.HubID)
	}
	if got.Area != "Kitchen" || got.AreaAuto != "Kitchen" {
		t.Errorf("area = %q auto = %q, want both Kitchen", got.Area, got.AreaAuto)
	}

	ents := reg.EntitiesByDevice("dev-1")
	if len(ents) != 2 {
		t.Fatalf("entities = %d, want 2", len(ents))
	}
	if ents[0].Slot != "sensor:measure_power" || ents[1].Slot != "switch:onoff" {
		t.Errorf("slots = [%s %s], not slot-ordered", ents[0].Slot, ents[1].Slot)
	}
	if ents[1].Config.Hint != "outlet" {
		t.Errorf("switch hint = %q, want outlet", ents[1].Config.Hint)
	}

	journal, err := repo.ListJournal(ctx, JournalFilter{Action: ActionDeviceCreated})
	if err != nil {
		t.Fatalf("ListJournal() error = %v", err)
	}
	if journal.Total != 1 {
		t.Errorf("device_created journal entries = %d, want 1", journal.Total)
	}

	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Kind != ChangeCreated || notes[0].Key != "dev-1" || len(notes[0].Entities) != 2 {
		t.Errorf("notification = %+v, want created dev-1 with 2 entities", notes[0])
	}
}

func TestReconciler_RenamePreservesEntityNames(t *testing.T) {
	reg, rc, _ := newTestReconciler(t)
	ctx := context.Background()

	create := &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-1", "Office Lamp", "Office", switchDescriptor("Office Lamp")),
	}}
	if err := rc.Apply(ctx, create); err != nil {
		t.Fatalf("Apply(create) error = %v", err)
	}
	before := reg.EntitiesByDevice("dev-1")
	if len(before) != 1 || before[0].Name != "Office Lamp" {
		t.Fatalf("entity before rename = %+v", before)
	}

	// The classifier recomputes descriptor names from the new device
	// name; the stored entity must keep the old one regardless.
	renamed := createChange("dev-1", "Desk Lamp", "Office", switchDescriptor("Desk Lamp"))
	update := &Batch{HubID: "hub-1", Changes: []Change{
		updateChange("dev-1", renamed.Record, []UpdateKind{UpdateRename}, renamed.Descriptors...),
	}}
	if err := rc.Apply(ctx, update); err != nil {
		t.Fatalf("Apply(rename) error = %v", err)
	}

	got, err := reg.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if got.Name != "Desk Lamp" {
		t.Errorf("device name = %q, want Desk Lamp", got.Name)
	}

	after := reg.EntitiesByDevice("dev-1")
	if len(after) != 1 {
		t.Fatalf("entities after rename = %d, want 1", len(after))
	}
	if after[0].Name != "Office Lamp" {
		t.Errorf("entity name = %q, want unchanged Office Lamp", after[0].Name)
	}
	if after[0].ID != before[0].ID {
		t.Errorf("entity ID changed on rename: %q -> %q", before[0].ID, after[0].ID)
	}
}

func TestReconciler_AreaFollowsZoneUntilOverridden(t *testing.T) {
	reg, rc, _ := newTestReconciler(t)
	ctx := context.Background()

	create := &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-1", "Washer", "Kitchen", switchDescriptor("Washer")),
	}}
	if err := rc.Apply(ctx, create); err != nil {
		t.Fatalf("Apply(create) error = %v", err)
	}

	// While untouched, the area tracks the hub's zone.
	moved := createChange("dev-1", "Washer", "Laundry", switchDescriptor("Washer"))
	if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		updateChange("dev-1", moved.Record, []UpdateKind{UpdateReArea}, moved.Descriptors...),
	}}); err != nil {
		t.Fatalf("Apply(re-area) error = %v", err)
	}
	got, err := reg.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if got.Area != "Laundry" || got.AreaAuto != "Laundry" {
		t.Fatalf("area = %q auto = %q, want both Laundry", got.Area, got.AreaAuto)
	}

	// A manual override sticks through further zone moves.
	if _, err := reg.SetDeviceArea(ctx, "dev-1", "Utility"); err != nil {
		t.Fatalf("SetDeviceArea() error = %v", err)
	}

	movedAgain := createChange("dev-1", "Washer", "Garage", switchDescriptor("Washer"))
	if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		updateChange("dev-1", movedAgain.Record, []UpdateKind{UpdateReArea}, movedAgain.Descriptors...),
	}}); err != nil {
		t.Fatalf("Apply(second re-area) error = %v", err)
	}

	got, err = reg.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if got.Area != "Utility" {
		t.Errorf("area = %q, want manual Utility preserved", got.Area)
	}
	if got.AreaAuto != "Garage" {
		t.Errorf("area auto = %q, want Garage", got.AreaAuto)
	}
}

func TestReconciler_EntitySetChanges(t *testing.T) {
	reg, rc, repo := newTestReconciler(t)
	ctx := context.Background()

	create := &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-1", "Heater", "Hall",
			switchDescriptor("Heater"), powerDescriptor("Heater")),
	}}
	if err := rc.Apply(ctx, create); err != nil {
		t.Fatalf("Apply(create) error = %v", err)
	}

	var switchID string
	for _, ent := range reg.EntitiesByDevice("dev-1") {
		if ent.Slot == "switch:onoff" {
			switchID = ent.ID
		}
	}
	if switchID == "" {
		t.Fatal("switch entity missing after create")
	}

	// Power sensor vanishes, battery sensor appears, switch survives.
	battery := classify.Descriptor{
		Type:         classify.KindSensor,
		Capabilities: []string{"measure_battery"},
		Name:         "Heater Battery",
		Hint:         "battery",
		Unit:         "%",
	}
	rec := createChange("dev-1", "Heater", "Hall").Record
	if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		updateChange("dev-1", rec, []UpdateKind{UpdateCapabilitySet}, switchDescriptor("Heater"), battery),
	}}); err != nil {
		t.Fatalf("Apply(update) error = %v", err)
	}

	ents := reg.EntitiesByDevice("dev-1")
	if len(ents) != 2 {
		t.Fatalf("entities = %d, want 2", len(ents))
	}
	if ents[0].Slot != "sensor:measure_battery" || ents[1].Slot != "switch:onoff" {
		t.Errorf("slots = [%s %s], want battery and switch", ents[0].Slot, ents[1].Slot)
	}
	if ents[1].ID != switchID {
		t.Errorf("surviving switch ID changed: %q -> %q", switchID, ents[1].ID)
	}

	added, err := repo.ListJournal(ctx, JournalFilter{Action: ActionEntityAdded})
	if err != nil {
		t.Fatalf("ListJournal(added) error = %v", err)
	}
	removed, err := repo.ListJournal(ctx, JournalFilter{Action: ActionEntityRemoved})
	if err != nil {
		t.Fatalf("ListJournal(removed) error = %v", err)
	}
	if added.Total != 1 || removed.Total != 1 {
		t.Errorf("journal added/removed = %d/%d, want 1/1", added.Total, removed.Total)
	}
}

func TestReconciler_DeleteDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("removes device and notifies", func(t *testing.T) {
		reg, rc, repo := newTestReconciler(t)

		if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
			createChange("dev-1", "Old Sensor", "Hall", powerDescriptor("Old Sensor")),
		}}); err != nil {
			t.Fatalf("Apply(create) error = %v", err)
		}

		var notes []Notification
		rc.SetOnNotify(func(n Notification) { notes = append(notes, n) })

		if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
			{Kind: ChangeDeleted, Key: "dev-1"},
		}}); err != nil {
			t.Fatalf("Apply(delete) error = %v", err)
		}

		if _, err := repo.GetDevice(ctx, "dev-1"); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("GetDevice() error = %v, want ErrRecordNotFound", err)
		}
		if ents := reg.EntitiesByDevice("dev-1"); len(ents) != 0 {
			t.Errorf("cached entities after delete = %d, want 0", len(ents))
		}
		if len(notes) != 1 || notes[0].Kind != ChangeDeleted || notes[0].Record.Name != "Old Sensor" {
			t.Errorf("notes = %+v, want one deleted Old Sensor", notes)
		}

		journal, err := repo.ListJournal(ctx, JournalFilter{Action: ActionDeviceDeleted})
		if err != nil {
			t.Fatalf("ListJournal() error = %v", err)
		}
		if journal.Total != 1 {
			t.Errorf("device_deleted journal entries = %d, want 1", journal.Total)
		}
	})

	t.Run("unknown key is skipped", func(t *testing.T) {
		_, rc, _ := newTestReconciler(t)

		var notes []Notification
		rc.SetOnNotify(func(n Notification) { notes = append(notes, n) })

		if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
			{Kind: ChangeDeleted, Key: "dev-ghost"},
		}}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if len(notes) != 0 {
			t.Errorf("notifications = %d, want 0", len(notes))
		}
	})

	t.Run("virtual devices are exempt", func(t *testing.T) {
		reg, rc, _ := newTestReconciler(t)

		create := createChange("dev-grp", "All Lights", "Home", switchDescriptor("All Lights"))
		create.Record.Virtual = true
		if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{create}}); err != nil {
			t.Fatalf("Apply(create) error = %v", err)
		}

		if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
			{Kind: ChangeDeleted, Key: "dev-grp"},
		}}); err != nil {
			t.Fatalf("Apply(delete) error = %v", err)
		}

		got, err := reg.Device(ctx, "dev-grp")
		if err != nil {
			t.Fatalf("Device() error = %v, want virtual device kept", err)
		}
		if !got.Virtual {
			t.Error("Virtual = false, want true")
		}
	})
}

func TestReconciler_ValueChangeBypassesStorage(t *testing.T) {
	_, rc, repo := newTestReconciler(t)
	ctx := context.Background()

	if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-1", "Boiler", "Loft", powerDescriptor("Boiler")),
	}}); err != nil {
		t.Fatalf("Apply(create) error = %v", err)
	}
	before, err := repo.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	journalBefore, err := repo.ListJournal(ctx, JournalFilter{})
	if err != nil {
		t.Fatalf("ListJournal() error = %v", err)
	}

	var notes []Notification
	rc.SetOnNotify(func(n Notification) { notes = append(notes, n) })

	if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{{
		Kind:    ChangeUpdated,
		Key:     "dev-1",
		Updates: []UpdateKind{UpdateCapabilityValue},
		Value:   &ValueChange{CapabilityID: "measure_power", Value: 215.5},
	}}}); err != nil {
		t.Fatalf("Apply(value) error = %v", err)
	}

	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	note := notes[0]
	if note.Value == nil || note.Value.CapabilityID != "measure_power" || note.Value.Value != 215.5 {
		t.Errorf("value notification = %+v, want measure_power 215.5", note.Value)
	}
	if note.Record != nil {
		t.Error("value notification carries a record, want none")
	}

	after, err := repo.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("value change touched the stored record")
	}
	journalAfter, err := repo.ListJournal(ctx, JournalFilter{})
	if err != nil {
		t.Fatalf("ListJournal() error = %v", err)
	}
	if journalAfter.Total != journalBefore.Total {
		t.Errorf("journal grew from %d to %d on a value change", journalBefore.Total, journalAfter.Total)
	}
}

func TestReconciler_BatchRollsBackAsOne(t *testing.T) {
	reg, rc, repo := newTestReconciler(t)
	ctx := context.Background()

	if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-a", "First", "Hall", switchDescriptor("First")),
	}}); err != nil {
		t.Fatalf("Apply(seed) error = %v", err)
	}

	var notes []Notification
	rc.SetOnNotify(func(n Notification) { notes = append(notes, n) })

	// Second change collides with the seeded device, so the whole batch
	// must vanish, including the valid first change.
	err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-b", "Second", "Hall", switchDescriptor("Second")),
		createChange("dev-a", "Duplicate", "Hall", switchDescriptor("Duplicate")),
	}})
	if !errors.Is(err, ErrRecordExists) {
		t.Fatalf("Apply() error = %v, want ErrRecordExists", err)
	}

	if _, err := repo.GetDevice(ctx, "dev-b"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("dev-b present after rollback, error = %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("notifications = %d, want 0 from a failed batch", len(notes))
	}

	devices := reg.Devices()
	if len(devices) != 1 || devices[0].Key != "dev-a" || devices[0].Name != "First" {
		t.Errorf("registry state after rollback = %+v, want only untouched dev-a", devices)
	}
}

func TestReconciler_NotificationsAfterCommitInOrder(t *testing.T) {
	reg, rc, _ := newTestReconciler(t)
	ctx := context.Background()

	var order []string
	rc.SetOnNotify(func(n Notification) {
		// By the time any notification fires, the whole batch must be
		// visible in the cache.
		if got := len(reg.Devices()); got != 2 {
			t.Errorf("cache size during notify = %d, want 2", got)
		}
		order = append(order, n.Key)
	})

	if err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-a", "First", "Hall", switchDescriptor("First")),
		createChange("dev-b", "Second", "Hall", switchDescriptor("Second")),
	}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(order) != 2 || order[0] != "dev-a" || order[1] != "dev-b" {
		t.Errorf("notification order = %v, want [dev-a dev-b]", order)
	}
}

func TestReconciler_ZoneAndFlowMirrors(t *testing.T) {
	_, rc, repo := newTestReconciler(t)
	ctx := context.Background()

	batch := &Batch{
		HubID: "hub-1",
		Zones: []ZoneRecord{{ZoneID: "z1", Name: "Home"}, {ZoneID: "z2", Name: "Kitchen", ParentID: "z1"}},
		Flows: []FlowRecord{{FlowID: "f1", Name: "Goodnight", Kind: "standard", Enabled: true}},
	}
	if err := rc.Apply(ctx, batch); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	zones, err := repo.ListZones(ctx, "hub-1")
	if err != nil {
		t.Fatalf("ListZones() error = %v", err)
	}
	if len(zones) != 2 {
		t.Errorf("zones = %d, want 2", len(zones))
	}
	flows, err := repo.ListFlows(ctx, "hub-1")
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(flows) != 1 || flows[0].Name != "Goodnight" {
		t.Errorf("flows = %+v, want [Goodnight]", flows)
	}

	// An empty batch is a no-op, not an error.
	if err := rc.Apply(ctx, &Batch{HubID: "hub-1"}); err != nil {
		t.Errorf("Apply(empty) error = %v", err)
	}
	if err := rc.Apply(ctx, nil); err != nil {
		t.Errorf("Apply(nil) error = %v", err)
	}
}

func TestReconciler_CancelledCycleAppliesNothing(t *testing.T) {
	reg, rc, repo := newTestReconciler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var notes []Notification
	rc.SetOnNotify(func(n Notification) { notes = append(notes, n) })

	err := rc.Apply(ctx, &Batch{HubID: "hub-1", Changes: []Change{
		createChange("dev-1", "Too Late", "Hall", switchDescriptor("Too Late")),
	}})
	if err == nil {
		t.Fatal("Apply() with cancelled context succeeded, want error")
	}

	if _, err := repo.GetDevice(context.Background(), "dev-1"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("GetDevice() error = %v, want ErrRecordNotFound", err)
	}
	if len(reg.Devices()) != 0 || len(notes) != 0 {
		t.Errorf("cancelled cycle left devices=%d notes=%d, want 0/0", len(reg.Devices()), len(notes))
	}
}
