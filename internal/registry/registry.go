package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger matches the structured logger used across the service. Declared
// locally so the package carries no logging dependency.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the canonical in-process view of mirrored devices and their
// entities. Reads are served from an in-memory cache; writes go through
// the repository and update the cache afterwards. Copies are returned
// throughout so callers cannot mutate cached state.
type Registry struct {
	repo Repository

	mu       sync.RWMutex
	devices  map[string]*Record
	entities map[string][]Entity

	loggerMu sync.RWMutex
	logger   Logger
}

// NewRegistry creates a registry over the given repository. Call
// RefreshCache to load existing records before serving reads.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:     repo,
		devices:  make(map[string]*Record),
		entities: make(map[string][]Entity),
		logger:   noopLogger{},
	}
}

// SetLogger attaches a logger. Safe to call at any time.
func (g *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()
}

func (g *Registry) log() Logger {
	g.loggerMu.RLock()
	defer g.loggerMu.RUnlock()
	return g.logger
}

// RefreshCache reloads every device and entity from the repository,
// replacing the in-memory cache wholesale.
func (g *Registry) RefreshCache(ctx context.Context) error {
	records, err := g.repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	entities, err := g.repo.ListAllEntities(ctx)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}

	devices := make(map[string]*Record, len(records))
	for _, rec := range records {
		devices[rec.Key] = rec.DeepCopy()
	}
	byDevice := make(map[string][]Entity)
	for _, ent := range entities {
		byDevice[ent.DeviceKey] = append(byDevice[ent.DeviceKey], *ent.DeepCopy())
	}

	g.mu.Lock()
	g.devices = devices
	g.entities = byDevice
	g.mu.Unlock()

	g.log().Debug("registry cache refreshed", "devices", len(devices), "entities", len(entities))
	return nil
}

// Device retrieves one device by scope key, falling back to the
// repository on a cache miss.
func (g *Registry) Device(ctx context.Context, key string) (*Record, error) {
	g.mu.RLock()
	rec, ok := g.devices[key]
	g.mu.RUnlock()
	if ok {
		return rec.DeepCopy(), nil
	}

	rec, err := g.repo.GetDevice(ctx, key)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.devices[key] = rec.DeepCopy()
	g.mu.Unlock()

	return rec, nil
}

// Devices returns all cached devices sorted by scope key.
func (g *Registry) Devices() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Record, 0, len(g.devices))
	for _, rec := range g.devices {
		out = append(out, rec.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DevicesByHub returns the cached devices mirrored from one hub, sorted
// by scope key.
func (g *Registry) DevicesByHub(hubID string) []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Record
	for _, rec := range g.devices {
		if rec.HubID == hubID {
			out = append(out, rec.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// EntitiesByDevice returns the cached entities of one device sorted by
// slot. Missing devices yield an empty slice, not an error.
func (g *Registry) EntitiesByDevice(key string) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cached := g.entities[key]
	out := make([]Entity, 0, len(cached))
	for i := range cached {
		out = append(out, *cached[i].DeepCopy())
	}
	return out
}

// AllEntities returns every cached entity sorted by device key then slot.
func (g *Registry) AllEntities() []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Entity
	for _, ents := range g.entities {
		for i := range ents {
			out = append(out, *ents[i].DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceKey != out[j].DeviceKey {
			return out[i].DeviceKey < out[j].DeviceKey
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

// Zones retrieves the mirrored zones of one hub.
func (g *Registry) Zones(ctx context.Context, hubID string) ([]ZoneRecord, error) {
	return g.repo.ListZones(ctx, hubID)
}

// Flows retrieves the mirrored flows of one hub.
func (g *Registry) Flows(ctx context.Context, hubID string) ([]FlowRecord, error) {
	return g.repo.ListFlows(ctx, hubID)
}

// Journal retrieves sync journal entries matching the filter.
func (g *Registry) Journal(ctx context.Context, filter JournalFilter) (*JournalList, error) {
	return g.repo.ListJournal(ctx, filter)
}

// SetDeviceArea overrides a device's area assignment. The automatic area
// marker is left untouched, which is exactly what protects the override
// from being reverted by the next zone sync.
func (g *Registry) SetDeviceArea(ctx context.Context, key, area string) (*Record, error) {
	var updated *Record
	err := g.repo.InTx(ctx, func(repo Repository) error {
		rec, err := repo.GetDevice(ctx, key)
		if err != nil {
			return err
		}
		rec.Area = area
		if err := repo.UpdateDevice(ctx, rec); err != nil {
			return err
		}
		updated = rec

		return repo.AppendJournal(ctx, &JournalEntry{
			HubID:       rec.HubID,
			Action:      ActionAreaSet,
			SubjectType: "device",
			SubjectID:   key,
			Details:     map[string]any{"area": area},
		})
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.devices[key] = updated.DeepCopy()
	g.mu.Unlock()

	g.log().Info("device area set", "key", key, "area", area)
	return updated.DeepCopy(), nil
}

// storeRecord replaces the cached record and entities of one device.
// Called by the reconciler after a batch commits.
func (g *Registry) storeRecord(rec *Record, ents []Entity) {
	copies := make([]Entity, 0, len(ents))
	for i := range ents {
		copies = append(copies, *ents[i].DeepCopy())
	}

	g.mu.Lock()
	g.devices[rec.Key] = rec.DeepCopy()
	g.entities[rec.Key] = copies
	g.mu.Unlock()
}

// removeRecord drops one device and its entities from the cache.
func (g *Registry) removeRecord(key string) {
	g.mu.Lock()
	delete(g.devices, key)
	delete(g.entities, key)
	g.mu.Unlock()
}
