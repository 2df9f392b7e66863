package sync

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-hublink/internal/classify"
	"github.com/nerrad567/gray-logic-hublink/internal/hub"
	"github.com/nerrad567/gray-logic-hublink/internal/realtime"
	"github.com/nerrad567/gray-logic-hublink/internal/registry"
	"github.com/nerrad567/gray-logic-hublink/internal/scope"
)

// Logger is the minimal logging interface the package depends on.
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

// HubClient is the slice of the hub API the coordinator drives. It is
// satisfied by *hub.Client.
type HubClient interface {
	Devices(ctx context.Context) (map[string]*hub.Device, error)
	Zones(ctx context.Context) (map[string]*hub.Zone, error)
	Flows(ctx context.Context) (map[string]*hub.Flow, error)
	Scenes(ctx context.Context) (map[string]*hub.Scene, error)
	Moods(ctx context.Context) (map[string]*hub.Mood, error)
	LogicVariables(ctx context.Context) (map[string]*hub.LogicVariable, error)
	CapabilityValue(ctx context.Context, deviceID, capabilityID string) (any, error)
	SetCapabilityValue(ctx context.Context, deviceID, capabilityID string, value any) error
	SetLogicVariable(ctx context.Context, variableID string, value any) error
	TriggerFlow(ctx context.Context, idOrName string) error
	EnableFlow(ctx context.Context, flowID string) error
	DisableFlow(ctx context.Context, flowID string) error
	ActivateScene(ctx context.Context, sceneID string) error
	ActivateMood(ctx context.Context, moodID string) error
}

// Defaults applied by NewCoordinator for zero option values.
const (
	DefaultQueueSize      = 256
	DefaultStaleThreshold = 3
	DefaultCycleTimeout   = 90 * time.Second

	refreshTimeout   = 10 * time.Second
	staleMarkTimeout = 15 * time.Second

	// missThreshold is how many consecutive fetches a device must be
	// absent from before it is deleted. One miss is tolerated so a
	// transient empty or partial response never wipes the mirror.
	missThreshold = 2
)

// Options configure a Coordinator.
type Options struct {
	// HubID is the stable hub identifier, as reported by Connect.
	HubID string

	// HubName labels the hub in logs and the virtual constructs device.
	HubName string

	// Client talks to the hub. Required.
	Client HubClient

	// Features is the probe result gating optional API families.
	Features hub.Features

	// Rules drive entity classification. Nil uses classify.DefaultRules.
	Rules *classify.Rules

	// Scope resolves hub-local device IDs to registry keys. Required.
	Scope *scope.Manager

	// Registry is the cache the coordinator bootstraps from. Required.
	Registry *registry.Registry

	// Reconciler applies cycle batches. Required.
	Reconciler *registry.Reconciler

	// ChannelState reports the push channel state for Status. Nil reads
	// as disabled.
	ChannelState func() realtime.State

	// AllowedDevices restricts syncing to the listed hub-local device
	// IDs. Empty allows every device.
	AllowedDevices []string

	// StaleThreshold is the number of consecutive failed cycles before
	// devices are marked stale.
	StaleThreshold int

	// QueueSize bounds the work queue shared by ticks, push events and
	// command readbacks.
	QueueSize int

	// CycleTimeout caps one full cycle end to end.
	CycleTimeout time.Duration
}

type workKind int

const (
	workCycle workKind = iota
	workDelta
	workRefresh
)

type work struct {
	kind       workKind
	event      realtime.Event
	deviceID   string
	capability string
}

// Stats counts coordinator activity since start.
type Stats struct {
	Cycles            uint64        `json:"cycles"`
	FailedCycles      uint64        `json:"failed_cycles"`
	Deltas            uint64        `json:"deltas"`
	DroppedDeltas     uint64        `json:"dropped_deltas"`
	Refreshes         uint64        `json:"refreshes"`
	LastCycleAt       time.Time     `json:"last_cycle_at"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
}

// CycleStats describes one finished full cycle, for telemetry sinks.
type CycleStats struct {
	HubID    string
	Duration time.Duration
	Devices  int
	Created  int
	Updated  int
	Deleted  int
	Values   int
	Err      error
}

// Status is a point-in-time view of the coordinator, served by the
// status surfaces.
type Status struct {
	HubID       string         `json:"hub_id"`
	HubName     string         `json:"hub_name"`
	Channel     realtime.State `json:"channel"`
	Devices     int            `json:"devices"`
	Stale       bool           `json:"stale"`
	NeedsReauth bool           `json:"needs_reauth"`
	QueueDepth  int            `json:"queue_depth"`
	Stats       Stats          `json:"stats"`
}

// Coordinator keeps one hub and the registry converged. All mutation
// flows through a single worker goroutine consuming an ordered work
// queue; producers never block on it.
type Coordinator struct {
	hubID          string
	hubName        string
	client         HubClient
	features       hub.Features
	rules          *classify.Rules
	scope          *scope.Manager
	registry       *registry.Registry
	reconciler     *registry.Reconciler
	channelState   func() realtime.State
	allowed        map[string]bool
	staleThreshold int
	cycleTimeout   time.Duration

	queue        chan work
	cyclePending atomic.Bool
	zonesDue     atomic.Bool
	authFailed   atomic.Bool
	started      atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup

	// mu guards the canonical snapshot state below.
	mu         sync.Mutex
	prev       *generation
	missing    map[string]int
	varSlots   map[string]string // virtual capability ID -> variable ID
	stale      bool
	failStreak int

	statsMu sync.Mutex
	stats   Stats

	cycleMu sync.RWMutex
	onCycle func(CycleStats)

	loggerMu sync.RWMutex
	logger   Logger
}

// NewCoordinator validates options and builds a coordinator. Call Start
// to begin syncing.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.HubID == "" {
		return nil, errors.New("sync: hub ID is required")
	}
	if opts.Client == nil {
		return nil, errors.New("sync: hub client is required")
	}
	if opts.Scope == nil || opts.Registry == nil || opts.Reconciler == nil {
		return nil, errors.New("sync: scope, registry and reconciler are required")
	}

	rules := opts.Rules
	if rules == nil {
		rules = classify.DefaultRules()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	cycleTimeout := opts.CycleTimeout
	if cycleTimeout <= 0 {
		cycleTimeout = DefaultCycleTimeout
	}
	var allowed map[string]bool
	if len(opts.AllowedDevices) > 0 {
		allowed = make(map[string]bool, len(opts.AllowedDevices))
		for _, id := range opts.AllowedDevices {
			allowed[id] = true
		}
	}

	return &Coordinator{
		hubID:          opts.HubID,
		hubName:        opts.HubName,
		client:         opts.Client,
		features:       opts.Features,
		rules:          rules,
		scope:          opts.Scope,
		registry:       opts.Registry,
		reconciler:     opts.Reconciler,
		channelState:   opts.ChannelState,
		allowed:        allowed,
		staleThreshold: staleThreshold,
		cycleTimeout:   cycleTimeout,
		queue:          make(chan work, queueSize),
		done:           make(chan struct{}),
		prev:           newGeneration(),
		missing:        make(map[string]int),
		logger:         noopLogger{},
	}, nil
}

// SetLogger attaches a logger. Safe to call at any time.
func (c *Coordinator) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Coordinator) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// SetOnCycle registers a callback receiving per-cycle statistics, for
// telemetry sinks. Runs on the worker goroutine; keep it fast.
func (c *Coordinator) SetOnCycle(fn func(CycleStats)) {
	c.cycleMu.Lock()
	c.onCycle = fn
	c.cycleMu.Unlock()
}

func (c *Coordinator) emitCycle(stats CycleStats) {
	c.cycleMu.RLock()
	fn := c.onCycle
	c.cycleMu.RUnlock()
	if fn != nil {
		fn(stats)
	}
}

// HubID returns the hub this coordinator owns.
func (c *Coordinator) HubID() string { return c.hubID }

// HubName returns the hub's display name.
func (c *Coordinator) HubName() string { return c.hubName }

// Start seeds the canonical snapshot from stored records and launches
// the worker. The first full cycle, including zone and flow refresh, is
// queued immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.bootstrap()
	c.wg.Add(1)
	go c.run(ctx)
	c.RequestZoneRefresh()
	return nil
}

// Close stops the worker. Queued work is abandoned.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	if c.started.Load() {
		c.wg.Wait()
	}
	return nil
}

// bootstrap rebuilds the previous generation from stored records so a
// restart diffs against what the registry already knows instead of
// recreating every device.
func (c *Coordinator) bootstrap() {
	gen := newGeneration()
	for _, rec := range c.registry.DevicesByHub(c.hubID) {
		gen.devices[rec.DeviceID] = skeletonDevice(rec)
		gen.areas[rec.DeviceID] = rec.AreaAuto
	}
	c.mu.Lock()
	c.prev = gen
	c.mu.Unlock()
	if n := len(gen.devices); n > 0 {
		c.log().Debug("canonical snapshot seeded from registry", "hub", c.hubID, "devices", n)
	}
}

// skeletonDevice rebuilds just enough of a hub device from a stored
// record for structural diffing. Capability values are left unknown, so
// the first cycle after a restart re-emits every state.
func skeletonDevice(rec *registry.Record) *hub.Device {
	return &hub.Device{
		ID:           rec.DeviceID,
		Name:         rec.Name,
		Class:        rec.Class,
		Zone:         rec.ZoneID,
		DriverID:     rec.DriverID,
		Capabilities: append([]string(nil), rec.Capabilities...),
		Available:    rec.Available,
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case w := <-c.queue:
			c.dispatch(ctx, w)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, w work) {
	switch w.kind {
	case workCycle:
		c.cyclePending.Store(false)
		withZones := c.zonesDue.Swap(false)
		cctx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
		//nolint:errcheck // cycle errors are logged where they occur
		c.runCycle(cctx, withZones)
		cancel()
	case workDelta:
		c.applyDelta(ctx, w.event)
	case workRefresh:
		c.refreshCapability(ctx, w.deviceID, w.capability)
	}
}

// RequestCycle queues a full sync cycle. Requests collapse while one is
// already queued; producers never block.
func (c *Coordinator) RequestCycle() {
	if !c.cyclePending.CompareAndSwap(false, true) {
		return
	}
	select {
	case c.queue <- work{kind: workCycle}:
	default:
		// Queue saturated; surrender the slot so the next tick retries.
		c.cyclePending.Store(false)
		c.log().Warn("work queue full, cycle request dropped", "hub", c.hubID)
	}
}

// RequestZoneRefresh queues a full cycle that also refreshes the zone
// tree and flow mirror.
func (c *Coordinator) RequestZoneRefresh() {
	c.zonesDue.Store(true)
	c.RequestCycle()
}

// ForceSync clears a re-authentication latch and queues an immediate
// full cycle with zone and flow refresh. Wired to the explicit sync
// triggers on the API.
func (c *Coordinator) ForceSync() {
	if c.authFailed.CompareAndSwap(true, false) {
		c.log().Info("re-authentication latch cleared", "hub", c.hubID)
	}
	c.RequestZoneRefresh()
}

// HandleRealtimeEvent feeds one push event into the work queue. Device
// lifecycle events trigger a full cycle; value events ride the cheap
// delta path. Never blocks: under overload events are dropped and the
// next poll covers the gap.
func (c *Coordinator) HandleRealtimeEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventDeviceAdded, realtime.EventDeviceRemoved:
		c.RequestCycle()
		return
	case realtime.EventValueChanged:
	default:
		return
	}
	select {
	case c.queue <- work{kind: workDelta, event: ev}:
	default:
		c.statsMu.Lock()
		c.stats.DroppedDeltas++
		c.statsMu.Unlock()
	}
}

// Status reports the coordinator's current view of the hub.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	devices := len(c.prev.devices)
	stale := c.stale
	c.mu.Unlock()

	st := Status{
		HubID:       c.hubID,
		HubName:     c.hubName,
		Channel:     realtime.StateDisabled,
		Devices:     devices,
		Stale:       stale,
		NeedsReauth: c.authFailed.Load(),
		QueueDepth:  len(c.queue),
	}
	if c.channelState != nil {
		st.Channel = c.channelState()
	}
	c.statsMu.Lock()
	st.Stats = c.stats
	c.statsMu.Unlock()
	return st
}

// runCycle performs one full discovery pass: snapshot, diff, batch,
// apply. A failed or cancelled cycle leaves the canonical snapshot and
// the registry untouched.
func (c *Coordinator) runCycle(ctx context.Context, withZones bool) error {
	if c.authFailed.Load() {
		c.log().Debug("cycle skipped, hub needs re-authentication", "hub", c.hubID)
		return nil
	}
	start := time.Now()

	devices, err := c.client.Devices(ctx)
	if err != nil {
		return c.cycleFailed(ctx, start, err)
	}
	devices = c.filterDevices(devices)

	c.mu.Lock()
	prev := c.prev
	wasStale := c.stale
	c.mu.Unlock()

	next := newGeneration()
	next.devices = devices

	zonesReadable := c.features.Readable(hub.FeatureZones)
	var zoneRecords []registry.ZoneRecord
	if withZones && zonesReadable {
		zones, zerr := c.client.Zones(ctx)
		if zerr != nil {
			return c.cycleFailed(ctx, start, zerr)
		}
		zoneRecords = make([]registry.ZoneRecord, 0, len(zones))
		for id, z := range zones {
			next.zoneNames[id] = z.Name
			zoneRecords = append(zoneRecords, registry.ZoneRecord{
				HubID:    c.hubID,
				ZoneID:   id,
				Name:     z.Name,
				ParentID: z.Parent,
			})
		}
		sort.Slice(zoneRecords, func(i, j int) bool { return zoneRecords[i].ZoneID < zoneRecords[j].ZoneID })
	} else {
		next.zoneNames = prev.zoneNames
	}

	var flowRecords []registry.FlowRecord
	if withZones && c.features.Readable(hub.FeatureFlows) {
		flows, ferr := c.client.Flows(ctx)
		if ferr != nil {
			return c.cycleFailed(ctx, start, ferr)
		}
		flowRecords = make([]registry.FlowRecord, 0, len(flows))
		for id, f := range flows {
			flowRecords = append(flowRecords, registry.FlowRecord{
				HubID:   c.hubID,
				FlowID:  id,
				Name:    f.Name,
				Kind:    string(f.Kind),
				Enabled: f.Enabled,
			})
		}
		sort.Slice(flowRecords, func(i, j int) bool { return flowRecords[i].FlowID < flowRecords[j].FlowID })
	}

	var varSlots map[string]string
	if c.features.Readable(hub.FeatureLogic) {
		vars, verr := c.client.LogicVariables(ctx)
		if verr != nil {
			return c.cycleFailed(ctx, start, verr)
		}
		// The constructs device appears with the first variable and is
		// maintained for as long as it is known, even if every variable
		// is later deleted, so it never churns through create cycles.
		if len(vars) > 0 || prev.devices[c.virtualID()] != nil {
			vdev, slots := c.virtualDevice(vars)
			next.devices[vdev.ID] = vdev
			varSlots = slots
		}
	}

	for id, dev := range next.devices {
		if zonesReadable {
			next.areas[id] = next.zoneNames[dev.Zone]
		} else {
			// Zone names unavailable: carry assignments forward so a
			// lost permission never rewrites stored areas.
			next.areas[id] = prev.areas[id]
		}
	}

	d := diffGenerations(prev, next)
	confirmed := c.confirmMissing(d.missing)

	// Devices missing once stay in the canonical store so their
	// entities survive a transient dropout.
	carried := make(map[string]bool, len(d.missing))
	for _, id := range d.missing {
		if confirmed[id] {
			continue
		}
		carried[id] = true
		next.devices[id] = prev.devices[id]
		next.areas[id] = prev.areas[id]
	}

	now := time.Now().UTC()
	batch := &registry.Batch{HubID: c.hubID, Zones: zoneRecords, Flows: flowRecords}
	touched := make(map[string]bool, len(d.created)+len(d.updated))

	for _, id := range d.created {
		dev := next.devices[id]
		touched[id] = true
		batch.Changes = append(batch.Changes, registry.Change{
			Kind:        registry.ChangeCreated,
			Key:         c.scope.Key(c.hubID, id),
			Record:      c.recordFromDevice(dev, next.areas[id], now),
			Descriptors: c.classifyDevice(dev),
		})
	}
	for _, du := range d.updated {
		dev := next.devices[du.id]
		touched[du.id] = true
		batch.Changes = append(batch.Changes, registry.Change{
			Kind:        registry.ChangeUpdated,
			Key:         c.scope.Key(c.hubID, du.id),
			Record:      c.recordFromDevice(dev, next.areas[du.id], now),
			Descriptors: c.classifyDevice(dev),
			Updates:     du.updates,
		})
	}
	if wasStale {
		// The hub is back: every device still present sheds its stale
		// flag, not just the ones that changed while it was away.
		for _, id := range sortedDeviceIDs(next.devices) {
			if touched[id] {
				continue
			}
			seen := now
			if carried[id] {
				seen = time.Time{}
			}
			batch.Changes = append(batch.Changes, registry.Change{
				Kind:    registry.ChangeUpdated,
				Key:     c.scope.Key(c.hubID, id),
				Record:  c.recordFromDevice(next.devices[id], next.areas[id], seen),
				Updates: []registry.UpdateKind{registry.UpdateStale},
			})
		}
	}
	for _, id := range sortedKeys(confirmed) {
		batch.Changes = append(batch.Changes, registry.Change{
			Kind: registry.ChangeDeleted,
			Key:  c.scope.Key(c.hubID, id),
		})
	}
	for _, vc := range d.values {
		batch.Changes = append(batch.Changes, registry.Change{
			Kind:    registry.ChangeUpdated,
			Key:     c.scope.Key(c.hubID, vc.deviceID),
			Updates: []registry.UpdateKind{registry.UpdateCapabilityValue},
			Value:   &registry.ValueChange{CapabilityID: vc.capabilityID, Value: vc.value},
		})
	}

	if err := c.reconciler.Apply(ctx, batch); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log().Error("cycle batch apply failed", "hub", c.hubID, "error", err)
		}
		c.statsMu.Lock()
		c.stats.FailedCycles++
		c.statsMu.Unlock()
		c.emitCycle(CycleStats{HubID: c.hubID, Duration: time.Since(start), Err: err})
		return err
	}

	c.mu.Lock()
	c.prev = next
	c.varSlots = varSlots
	c.stale = false
	c.failStreak = 0
	c.mu.Unlock()

	dur := time.Since(start)
	stats := CycleStats{
		HubID:    c.hubID,
		Duration: dur,
		Devices:  len(next.devices),
		Created:  len(d.created),
		Updated:  len(d.updated),
		Deleted:  len(confirmed),
		Values:   len(d.values),
	}
	c.statsMu.Lock()
	c.stats.Cycles++
	c.stats.LastCycleAt = now
	c.stats.LastCycleDuration = dur
	c.statsMu.Unlock()
	c.emitCycle(stats)

	if stats.Created+stats.Updated+stats.Deleted > 0 {
		c.log().Info("sync cycle applied",
			"hub", c.hubID, "devices", stats.Devices,
			"created", stats.Created, "updated", stats.Updated,
			"deleted", stats.Deleted, "values", stats.Values,
			"elapsed", dur)
	} else {
		c.log().Debug("sync cycle clean",
			"hub", c.hubID, "devices", stats.Devices,
			"values", stats.Values, "elapsed", dur)
	}
	return nil
}

// filterDevices applies the configured allow-list. An empty list passes
// everything.
func (c *Coordinator) filterDevices(devices map[string]*hub.Device) map[string]*hub.Device {
	if c.allowed == nil {
		return devices
	}
	out := make(map[string]*hub.Device, len(c.allowed))
	for id, dev := range devices {
		if c.allowed[id] {
			out[id] = dev
		}
	}
	return out
}

// classifyDevice never returns nil: an unclassifiable device yields an
// empty descriptor set, which tells the reconciler to remove entities
// rather than leave them dangling.
func (c *Coordinator) classifyDevice(dev *hub.Device) []classify.Descriptor {
	descs := classify.Device(dev, c.rules)
	if descs == nil {
		descs = []classify.Descriptor{}
	}
	return descs
}

// confirmMissing applies the absence debounce and returns the device IDs
// confirmed gone this cycle. Reappearing devices reset their count.
func (c *Coordinator) confirmMissing(missing []string) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool, len(missing))
	confirmed := make(map[string]bool)
	for _, id := range missing {
		seen[id] = true
		c.missing[id]++
		if c.missing[id] >= missThreshold {
			confirmed[id] = true
			delete(c.missing, id)
		}
	}
	for id := range c.missing {
		if !seen[id] {
			delete(c.missing, id)
		}
	}
	return confirmed
}

// cycleFailed classifies a failed snapshot fetch. Authentication
// failures latch until explicitly cleared; repeated unreachability marks
// every known device stale. Cancellation is not a hub failure.
func (c *Coordinator) cycleFailed(ctx context.Context, start time.Time, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.statsMu.Lock()
	c.stats.FailedCycles++
	c.statsMu.Unlock()
	c.emitCycle(CycleStats{HubID: c.hubID, Duration: time.Since(start), Err: err})

	if errors.Is(err, hub.ErrAuthFailed) {
		if c.authFailed.CompareAndSwap(false, true) {
			c.log().Error("hub rejected credentials, re-authentication required", "hub", c.hubID)
		}
		return err
	}

	c.mu.Lock()
	c.failStreak++
	streak := c.failStreak
	alreadyStale := c.stale
	c.mu.Unlock()
	c.log().Warn("sync cycle failed", "hub", c.hubID, "streak", streak, "error", err)

	if streak >= c.staleThreshold && !alreadyStale {
		c.markStale(ctx)
	}
	return err
}

// markStale flags every known device after repeated unreachable cycles.
// Devices are never deleted for unreachability; the flag clears on the
// next successful cycle.
func (c *Coordinator) markStale(ctx context.Context) {
	c.mu.Lock()
	gen := c.prev
	batch := &registry.Batch{HubID: c.hubID}
	for _, id := range sortedDeviceIDs(gen.devices) {
		rec := c.recordFromDevice(gen.devices[id], gen.areas[id], time.Time{})
		rec.Stale = true
		batch.Changes = append(batch.Changes, registry.Change{
			Kind:    registry.ChangeUpdated,
			Key:     c.scope.Key(c.hubID, id),
			Record:  rec,
			Updates: []registry.UpdateKind{registry.UpdateStale},
		})
	}
	c.stale = true
	c.mu.Unlock()

	if len(batch.Changes) == 0 {
		return
	}

	// The cycle context may already be spent; staleness still has to be
	// recorded.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), staleMarkTimeout)
	defer cancel()
	if err := c.reconciler.Apply(mctx, batch); err != nil {
		c.log().Error("stale marking failed", "hub", c.hubID, "error", err)
		c.mu.Lock()
		c.stale = false
		c.mu.Unlock()
		return
	}
	c.log().Warn("hub unreachable, devices marked stale", "hub", c.hubID, "devices", len(batch.Changes))
}

// applyDelta patches the canonical snapshot with one pushed value and
// relays it as a value-only change, bypassing the next poll entirely.
func (c *Coordinator) applyDelta(ctx context.Context, ev realtime.Event) {
	c.mu.Lock()
	dev, ok := c.prev.devices[ev.DeviceID]
	if !ok || dev.Capability(ev.CapabilityID) == nil {
		c.mu.Unlock()
		// Unknown device or capability; the next full cycle sorts it
		// out.
		return
	}
	if reflect.DeepEqual(dev.CapObj[ev.CapabilityID].Value, ev.Value) {
		c.mu.Unlock()
		return
	}
	dev.CapObj[ev.CapabilityID].Value = ev.Value
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Deltas++
	c.statsMu.Unlock()

	c.relayValue(ctx, ev.DeviceID, ev.CapabilityID, ev.Value)
}

// relayValue emits one value-only change through the reconciler.
func (c *Coordinator) relayValue(ctx context.Context, deviceID, capabilityID string, value any) {
	batch := &registry.Batch{
		HubID: c.hubID,
		Changes: []registry.Change{{
			Kind:    registry.ChangeUpdated,
			Key:     c.scope.Key(c.hubID, deviceID),
			Updates: []registry.UpdateKind{registry.UpdateCapabilityValue},
			Value:   &registry.ValueChange{CapabilityID: capabilityID, Value: value},
		}},
	}
	if err := c.reconciler.Apply(ctx, batch); err != nil {
		c.log().Warn("value relay failed",
			"hub", c.hubID, "device", deviceID,
			"capability", capabilityID, "error", err)
	}
}

// refreshCapability re-reads one capability after a command so the new
// state lands even when the push channel is down. Failures are left for
// the next poll; a command never fails on its readback.
func (c *Coordinator) refreshCapability(ctx context.Context, deviceID, capabilityID string) {
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	if deviceID == c.virtualID() {
		c.refreshVariables(rctx)
		return
	}

	value, err := c.client.CapabilityValue(rctx, deviceID, capabilityID)
	if err != nil {
		c.log().Debug("post-command refresh failed",
			"hub", c.hubID, "device", deviceID,
			"capability", capabilityID, "error", err)
		return
	}

	c.statsMu.Lock()
	c.stats.Refreshes++
	c.statsMu.Unlock()

	c.mu.Lock()
	changed := false
	if dev, ok := c.prev.devices[deviceID]; ok {
		if inst := dev.Capability(capabilityID); inst != nil && !reflect.DeepEqual(inst.Value, value) {
			inst.Value = value
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.relayValue(ctx, deviceID, capabilityID, value)
	}
}

// refreshVariables re-reads every logic variable and relays the ones
// that moved. Used as the readback after a variable write.
func (c *Coordinator) refreshVariables(ctx context.Context) {
	vars, err := c.client.LogicVariables(ctx)
	if err != nil {
		c.log().Debug("variable refresh failed", "hub", c.hubID, "error", err)
		return
	}

	c.mu.Lock()
	var changes []valueChange
	if dev, ok := c.prev.devices[c.virtualID()]; ok {
		for capID, inst := range dev.CapObj {
			v, present := vars[c.varSlots[capID]]
			if !present {
				continue
			}
			if !reflect.DeepEqual(inst.Value, v.Value) {
				inst.Value = v.Value
				changes = append(changes, valueChange{deviceID: dev.ID, capabilityID: capID, value: v.Value})
			}
		}
	}
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Refreshes++
	c.statsMu.Unlock()

	for _, vc := range changes {
		c.relayValue(ctx, vc.deviceID, vc.capabilityID, vc.value)
	}
}

// recordFromDevice maps a hub device onto the stored record shape. The
// area is the resolved zone name and lands in both the live and the
// automatic field; the reconciler keeps user overrides intact on merge.
func (c *Coordinator) recordFromDevice(dev *hub.Device, area string, seen time.Time) *registry.Record {
	return &registry.Record{
		Key:           c.scope.Key(c.hubID, dev.ID),
		HubID:         c.hubID,
		DeviceID:      dev.ID,
		Name:          dev.Name,
		Class:         dev.EffectiveClass(),
		ZoneID:        dev.Zone,
		Area:          area,
		AreaAuto:      area,
		DriverID:      driverKey(dev),
		DriverVersion: driverVersion(dev),
		Virtual:       dev.ID == c.virtualID(),
		Available:     dev.Available,
		Capabilities:  append([]string(nil), dev.Capabilities...),
		LastSeen:      seen,
	}
}

// driverVersion digs a firmware or app version out of device settings.
// Z-Wave, Zigbee and app-backed drivers each report under their own key.
func driverVersion(dev *hub.Device) string {
	for _, key := range []string{"zw_application_version", "zb_app_version", "version"} {
		if s, ok := dev.Settings[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// virtualID is the hub-local ID of the synthetic constructs device.
func (c *Coordinator) virtualID() string {
	return "virtual-" + c.hubID
}

// virtualDevice wraps the hub's logic variables in a synthetic device so
// they classify into entities like everything else. Boolean variables
// become switches, numbers become number entities, strings become text.
// The second return maps capability IDs back to variable IDs for the
// write path.
func (c *Coordinator) virtualDevice(vars map[string]*hub.LogicVariable) (*hub.Device, map[string]string) {
	name := strings.TrimSpace(c.hubName)
	if name == "" {
		name = c.hubID
	}
	dev := &hub.Device{
		ID:        c.virtualID(),
		Name:      name + " Hub",
		Class:     "other",
		Available: true,
		Ready:     true,
		CapObj:    make(map[string]*hub.Capability, len(vars)),
	}
	slots := make(map[string]string, len(vars))

	// Sorted so name collisions resolve the same way every cycle.
	ids := make([]string, 0, len(vars))
	for id := range vars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := vars[id]
		capID := "variable." + slugify(v.Name)
		if dev.CapObj[capID] != nil {
			tail := id
			if len(tail) > 8 {
				tail = tail[:8]
			}
			capID += "_" + tail
		}
		dev.CapObj[capID] = &hub.Capability{
			ID:      capID,
			Type:    v.Type,
			Getable: true,
			Setable: true,
			Title:   v.Name,
			Value:   v.Value,
		}
		dev.Capabilities = append(dev.Capabilities, capID)
		slots[capID] = id
	}
	sort.Strings(dev.Capabilities)
	return dev, slots
}

// slugify lowercases a variable name into a capability-safe token.
func slugify(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}

// SetCapability writes one capability value addressed by registry key.
// Virtual construct capabilities route to the hub's logic variables. On
// success a readback is queued so the mirror converges even without
// push events. Commands run on the caller's goroutine, concurrent with
// cycles.
func (c *Coordinator) SetCapability(ctx context.Context, key, capabilityID string, value any) error {
	rec, err := c.registry.Device(ctx, key)
	if err != nil {
		return err
	}
	if rec.HubID != c.hubID {
		return ErrUnknownDevice
	}
	if rec.Virtual {
		return c.setVariable(ctx, rec, capabilityID, value)
	}
	// Bound numeric writes to the range the device last reported for the
	// capability. ConvertValue still applies the capability-type rules on
	// the way out.
	c.mu.Lock()
	if dev := c.prev.devices[rec.DeviceID]; dev != nil {
		value = hub.ClampValue(dev.Capability(capabilityID), value)
	}
	c.mu.Unlock()
	if err := c.client.SetCapabilityValue(ctx, rec.DeviceID, capabilityID, value); err != nil {
		return err
	}
	c.queueRefresh(rec.DeviceID, capabilityID)
	return nil
}

func (c *Coordinator) setVariable(ctx context.Context, rec *registry.Record, capabilityID string, value any) error {
	c.mu.Lock()
	varID := c.varSlots[capabilityID]
	c.mu.Unlock()
	if varID == "" {
		return ErrUnknownCapability
	}
	if err := c.client.SetLogicVariable(ctx, varID, value); err != nil {
		return err
	}
	c.queueRefresh(rec.DeviceID, capabilityID)
	return nil
}

func (c *Coordinator) queueRefresh(deviceID, capabilityID string) {
	select {
	case c.queue <- work{kind: workRefresh, deviceID: deviceID, capability: capabilityID}:
	default:
		// Best effort; the next poll reads it anyway.
	}
}

// TriggerFlow starts a flow by ID or name.
func (c *Coordinator) TriggerFlow(ctx context.Context, idOrName string) error {
	return c.client.TriggerFlow(ctx, idOrName)
}

// EnableFlow enables a flow.
func (c *Coordinator) EnableFlow(ctx context.Context, flowID string) error {
	if err := c.client.EnableFlow(ctx, flowID); err != nil {
		return err
	}
	c.RequestZoneRefresh()
	return nil
}

// DisableFlow disables a flow.
func (c *Coordinator) DisableFlow(ctx context.Context, flowID string) error {
	if err := c.client.DisableFlow(ctx, flowID); err != nil {
		return err
	}
	c.RequestZoneRefresh()
	return nil
}

// Scenes lists the hub's scenes.
func (c *Coordinator) Scenes(ctx context.Context) (map[string]*hub.Scene, error) {
	return c.client.Scenes(ctx)
}

// Moods lists the hub's moods.
func (c *Coordinator) Moods(ctx context.Context) (map[string]*hub.Mood, error) {
	return c.client.Moods(ctx)
}

// ActivateScene applies a scene.
func (c *Coordinator) ActivateScene(ctx context.Context, sceneID string) error {
	return c.client.ActivateScene(ctx, sceneID)
}

// ActivateMood applies a mood.
func (c *Coordinator) ActivateMood(ctx context.Context, moodID string) error {
	return c.client.ActivateMood(ctx, moodID)
}

func sortedDeviceIDs(devices map[string]*hub.Device) []string {
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
