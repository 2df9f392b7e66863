package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-hublink/internal/classify"
)

// ChangeKind identifies the direction of one reconciliation change.
type ChangeKind string

// Change kinds.
const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// UpdateKind identifies what changed on an updated device.
type UpdateKind string

// Update kinds.
const (
	UpdateRename          UpdateKind = "rename"
	UpdateReArea          UpdateKind = "re_area"
	UpdateCapabilitySet   UpdateKind = "capability_set"
	UpdateCapabilityValue UpdateKind = "capability_value"
	UpdateAvailability    UpdateKind = "availability"
	UpdateStale           UpdateKind = "stale"
)

// ValueChange is a single capability value delta.
type ValueChange struct {
	CapabilityID string `json:"capability_id"`
	Value        any    `json:"value"`
}

// Change is one device-level change produced by a sync cycle diff.
// Record and Descriptors carry the desired state for created and updated
// devices; Value is set only for capability value deltas. Nil
// Descriptors on an update leaves the stored entity set untouched.
type Change struct {
	Kind        ChangeKind
	Key         string
	Record      *Record
	Descriptors []classify.Descriptor
	Updates     []UpdateKind
	Value       *ValueChange
}

// valueOnly reports whether the change carries nothing but a capability
// value delta. Those are relayed to subscribers without touching storage.
func (c *Change) valueOnly() bool {
	return c.Kind == ChangeUpdated && len(c.Updates) == 1 && c.Updates[0] == UpdateCapabilityValue
}

func valueOnlyBatch(changes []Change) bool {
	for i := range changes {
		if !changes[i].valueOnly() {
			return false
		}
	}
	return len(changes) > 0
}

// Batch is the complete output of one sync cycle for one hub. Nil Zones
// or Flows mean the mirror is untouched this cycle.
type Batch struct {
	HubID   string
	Changes []Change
	Zones   []ZoneRecord
	Flows   []FlowRecord
}

// Notification describes one committed change, emitted in batch order
// after the whole batch has been stored.
type Notification struct {
	HubID    string       `json:"hub_id"`
	Kind     ChangeKind   `json:"kind"`
	Key      string       `json:"key"`
	Updates  []UpdateKind `json:"updates,omitempty"`
	Record   *Record      `json:"record,omitempty"`
	Entities []Entity     `json:"entities,omitempty"`
	Value    *ValueChange `json:"value,omitempty"`
	At       time.Time    `json:"at"`
}

// Reconciler applies sync cycle batches to the registry. Every batch is
// stored in a single transaction: a failure or a cancelled cycle leaves
// the registry exactly as it was, and notifications only fire after the
// transaction commits.
type Reconciler struct {
	repo     Repository
	registry *Registry

	notifyMu sync.RWMutex
	onNotify func(Notification)

	loggerMu sync.RWMutex
	logger   Logger
}

// NewReconciler creates a reconciler writing through the given
// repository and cache.
func NewReconciler(repo Repository, reg *Registry) *Reconciler {
	return &Reconciler{
		repo:     repo,
		registry: reg,
		logger:   noopLogger{},
	}
}

// SetLogger attaches a logger. Safe to call at any time.
func (rc *Reconciler) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	rc.loggerMu.Lock()
	rc.logger = logger
	rc.loggerMu.Unlock()
}

func (rc *Reconciler) log() Logger {
	rc.loggerMu.RLock()
	defer rc.loggerMu.RUnlock()
	return rc.logger
}

// SetOnNotify registers the callback receiving committed change
// notifications. The callback runs on the applying goroutine, in batch
// order; keep it fast.
func (rc *Reconciler) SetOnNotify(fn func(Notification)) {
	rc.notifyMu.Lock()
	rc.onNotify = fn
	rc.notifyMu.Unlock()
}

func (rc *Reconciler) notify(notes []Notification) {
	rc.notifyMu.RLock()
	fn := rc.onNotify
	rc.notifyMu.RUnlock()
	if fn == nil {
		return
	}
	for _, note := range notes {
		fn(note)
	}
}

// Apply stores one batch. All changes commit together; on any error the
// transaction rolls back, the cache is untouched and nothing is emitted.
func (rc *Reconciler) Apply(ctx context.Context, batch *Batch) error {
	if batch == nil || (len(batch.Changes) == 0 && batch.Zones == nil && batch.Flows == nil) {
		return nil
	}

	// A batch carrying nothing but value deltas writes no rows. The
	// realtime path produces one of these per state event, so it skips
	// the transaction entirely.
	if batch.Zones == nil && batch.Flows == nil && valueOnlyBatch(batch.Changes) {
		notes := make([]Notification, 0, len(batch.Changes))
		for i := range batch.Changes {
			if err := ctx.Err(); err != nil {
				return err
			}
			note, err := rc.applyChange(ctx, rc.repo, batch.HubID, &batch.Changes[i])
			if err != nil {
				return err
			}
			notes = append(notes, *note)
		}
		rc.notify(notes)
		return nil
	}

	var notes []Notification
	err := rc.repo.InTx(ctx, func(repo Repository) error {
		if batch.Zones != nil {
			if err := repo.ReplaceZones(ctx, batch.HubID, batch.Zones); err != nil {
				return fmt.Errorf("replace zones: %w", err)
			}
		}
		if batch.Flows != nil {
			if err := repo.ReplaceFlows(ctx, batch.HubID, batch.Flows); err != nil {
				return fmt.Errorf("replace flows: %w", err)
			}
		}

		for i := range batch.Changes {
			if err := ctx.Err(); err != nil {
				return err
			}
			note, err := rc.applyChange(ctx, repo, batch.HubID, &batch.Changes[i])
			if err != nil {
				return fmt.Errorf("apply %s %s: %w", batch.Changes[i].Kind, batch.Changes[i].Key, err)
			}
			if note != nil {
				notes = append(notes, *note)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Committed. Fold the results into the cache, then tell subscribers.
	for _, note := range notes {
		switch note.Kind {
		case ChangeCreated, ChangeUpdated:
			if note.Record != nil {
				rc.registry.storeRecord(note.Record, note.Entities)
			}
		case ChangeDeleted:
			rc.registry.removeRecord(note.Key)
		}
	}
	rc.notify(notes)

	return nil
}

func (rc *Reconciler) applyChange(ctx context.Context, repo Repository, hubID string, change *Change) (*Notification, error) {
	switch change.Kind {
	case ChangeCreated:
		return rc.applyCreate(ctx, repo, hubID, change)
	case ChangeUpdated:
		if change.valueOnly() {
			// Value deltas are relayed, never stored: a row per state
			// change would dwarf the rest of the database in a day.
			return &Notification{
				HubID:   hubID,
				Kind:    ChangeUpdated,
				Key:     change.Key,
				Updates: change.Updates,
				Value:   change.Value,
				At:      time.Now().UTC(),
			}, nil
		}
		return rc.applyUpdate(ctx, repo, hubID, change)
	case ChangeDeleted:
		return rc.applyDelete(ctx, repo, hubID, change)
	default:
		return nil, fmt.Errorf("unknown change kind %q", change.Kind)
	}
}

func (rc *Reconciler) applyCreate(ctx context.Context, repo Repository, hubID string, change *Change) (*Notification, error) {
	rec := change.Record.DeepCopy()
	rec.Key = change.Key
	rec.HubID = hubID
	// New devices start on the automatic assignment; the two fields only
	// diverge once someone overrides the area downstream.
	rec.AreaAuto = rec.Area

	if err := repo.CreateDevice(ctx, rec); err != nil {
		return nil, err
	}

	entities := make([]Entity, 0, len(change.Descriptors))
	for i := range change.Descriptors {
		ent := entityFromDescriptor(change.Key, &change.Descriptors[i])
		if err := repo.CreateEntity(ctx, ent); err != nil {
			return nil, fmt.Errorf("create entity %s: %w", ent.Slot, err)
		}
		entities = append(entities, *ent)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Slot < entities[j].Slot })

	err := repo.AppendJournal(ctx, &JournalEntry{
		HubID:       hubID,
		Action:      ActionDeviceCreated,
		SubjectType: "device",
		SubjectID:   change.Key,
		Details:     map[string]any{"name": rec.Name, "entities": len(entities)},
	})
	if err != nil {
		return nil, err
	}

	rc.log().Info("device created", "key", change.Key, "name", rec.Name, "entities", len(entities))

	return &Notification{
		HubID:    hubID,
		Kind:     ChangeCreated,
		Key:      change.Key,
		Record:   rec,
		Entities: entities,
		At:       time.Now().UTC(),
	}, nil
}

func (rc *Reconciler) applyUpdate(ctx context.Context, repo Repository, hubID string, change *Change) (*Notification, error) {
	existing, err := repo.GetDevice(ctx, change.Key)
	if err != nil {
		return nil, err
	}

	merged := mergeRecord(existing, change.Record)
	if err := repo.UpdateDevice(ctx, merged); err != nil {
		return nil, err
	}

	// Nil descriptors means the caller did not reclassify; the entity
	// set stays as it is. An empty non-nil slice removes everything.
	var entities []Entity
	if change.Descriptors != nil {
		entities, err = rc.reconcileEntities(ctx, repo, hubID, change.Key, change.Descriptors)
	} else {
		entities, err = repo.ListEntities(ctx, change.Key)
	}
	if err != nil {
		return nil, err
	}

	updates := make([]string, 0, len(change.Updates))
	for _, u := range change.Updates {
		updates = append(updates, string(u))
	}
	err = repo.AppendJournal(ctx, &JournalEntry{
		HubID:       hubID,
		Action:      ActionDeviceUpdated,
		SubjectType: "device",
		SubjectID:   change.Key,
		Details:     map[string]any{"updates": updates},
	})
	if err != nil {
		return nil, err
	}

	rc.log().Debug("device updated", "key", change.Key, "updates", updates)

	return &Notification{
		HubID:    hubID,
		Kind:     ChangeUpdated,
		Key:      change.Key,
		Updates:  change.Updates,
		Record:   merged,
		Entities: entities,
		At:       time.Now().UTC(),
	}, nil
}

func (rc *Reconciler) applyDelete(ctx context.Context, repo Repository, hubID string, change *Change) (*Notification, error) {
	existing, err := repo.GetDevice(ctx, change.Key)
	if errors.Is(err, ErrRecordNotFound) {
		rc.log().Debug("delete for unknown device skipped", "key", change.Key)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Virtual devices are constructs of this service, not of any hub;
	// their absence from a hub snapshot is expected.
	if existing.Virtual {
		rc.log().Warn("delete for virtual device skipped", "key", change.Key)
		return nil, nil
	}

	if err := repo.DeleteDevice(ctx, change.Key); err != nil {
		return nil, err
	}

	err = repo.AppendJournal(ctx, &JournalEntry{
		HubID:       hubID,
		Action:      ActionDeviceDeleted,
		SubjectType: "device",
		SubjectID:   change.Key,
		Details:     map[string]any{"name": existing.Name},
	})
	if err != nil {
		return nil, err
	}

	rc.log().Info("device deleted", "key", change.Key, "name", existing.Name)

	return &Notification{
		HubID:  hubID,
		Kind:   ChangeDeleted,
		Key:    change.Key,
		Record: existing,
		At:     time.Now().UTC(),
	}, nil
}

// reconcileEntities brings the stored entities of one device in line with
// the classifier output: new slots are created, changed slots keep their
// name but take the new kind and config, vanished slots are removed.
func (rc *Reconciler) reconcileEntities(ctx context.Context, repo Repository, hubID, key string, descs []classify.Descriptor) ([]Entity, error) {
	existing, err := repo.ListEntities(ctx, key)
	if err != nil {
		return nil, err
	}
	bySlot := make(map[string]Entity, len(existing))
	for _, ent := range existing {
		bySlot[ent.Slot] = ent
	}

	final := make([]Entity, 0, len(descs))
	for i := range descs {
		desc := &descs[i]
		slot := desc.Slot()

		current, ok := bySlot[slot]
		if !ok {
			ent := entityFromDescriptor(key, desc)
			if err := repo.CreateEntity(ctx, ent); err != nil {
				return nil, fmt.Errorf("create entity %s: %w", slot, err)
			}
			err := repo.AppendJournal(ctx, &JournalEntry{
				HubID:       hubID,
				Action:      ActionEntityAdded,
				SubjectType: "entity",
				SubjectID:   ent.ID,
				Details:     map[string]any{"device": key, "slot": slot, "kind": ent.Kind},
			})
			if err != nil {
				return nil, err
			}
			final = append(final, *ent)
			continue
		}
		delete(bySlot, slot)

		kind := string(desc.Type)
		config := configFromDescriptor(desc)
		if current.Kind != kind || !equalEntityConfig(current.Config, config) {
			current.Kind = kind
			current.Config = config
			if err := repo.UpdateEntity(ctx, &current); err != nil {
				return nil, fmt.Errorf("update entity %s: %w", slot, err)
			}
		}
		final = append(final, current)
	}

	// Whatever is left in bySlot has no descriptor any more.
	for slot, ent := range bySlot {
		if err := repo.DeleteEntity(ctx, ent.ID); err != nil {
			return nil, fmt.Errorf("delete entity %s: %w", slot, err)
		}
		err := repo.AppendJournal(ctx, &JournalEntry{
			HubID:       hubID,
			Action:      ActionEntityRemoved,
			SubjectType: "entity",
			SubjectID:   ent.ID,
			Details:     map[string]any{"device": key, "slot": slot},
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(final, func(i, j int) bool { return final[i].Slot < final[j].Slot })
	return final, nil
}

// mergeRecord folds an incoming snapshot into the stored record. The area
// follows the new automatic assignment only while the stored area still
// matches the previous automatic one; a manual override sticks.
func mergeRecord(existing, incoming *Record) *Record {
	out := existing.DeepCopy()

	out.Name = incoming.Name
	out.Class = incoming.Class
	out.ZoneID = incoming.ZoneID
	out.DriverID = incoming.DriverID
	out.DriverVersion = incoming.DriverVersion
	out.Virtual = incoming.Virtual
	out.Available = incoming.Available
	out.Stale = incoming.Stale
	out.Capabilities = append([]string(nil), incoming.Capabilities...)
	if !incoming.LastSeen.IsZero() {
		out.LastSeen = incoming.LastSeen
	}

	if out.Area == out.AreaAuto {
		out.Area = incoming.Area
	}
	out.AreaAuto = incoming.Area

	return out
}

func entityFromDescriptor(deviceKey string, desc *classify.Descriptor) *Entity {
	return &Entity{
		DeviceKey: deviceKey,
		Slot:      desc.Slot(),
		Kind:      string(desc.Type),
		Name:      desc.Name,
		Config:    configFromDescriptor(desc),
	}
}

func configFromDescriptor(desc *classify.Descriptor) EntityConfig {
	return EntityConfig{
		Capabilities: append([]string(nil), desc.Capabilities...),
		Hint:         desc.Hint,
		Unit:         desc.Unit,
		StateClass:   desc.StateClass,
		Raw:          desc.Raw,
	}
}

func equalEntityConfig(a, b EntityConfig) bool {
	if a.Hint != b.Hint || a.Unit != b.Unit || a.StateClass != b.StateClass || a.Raw != b.Raw {
		return false
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
