package mqtt

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-hublink/internal/registry"
)

// relayQueueSize bounds the notifications awaiting publication. At
// normal change rates the queue stays near empty; it only fills when
// the broker stalls while still accepting connections.
const relayQueueSize = 256

// Publisher is the part of Client the relay publishes through.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// StatePayload is the JSON body carried on hublink/state topics.
type StatePayload struct {
	HubID        string    `json:"hub_id"`
	Key          string    `json:"key"`
	CapabilityID string    `json:"capability_id"`
	Value        any       `json:"value"`
	At           time.Time `json:"at"`
}

// MigrationPayload is the JSON body of a scope_migrated event.
type MigrationPayload struct {
	HubID    string    `json:"hub_id"`
	Migrated int       `json:"migrated"`
	At       time.Time `json:"at"`
}

// HubStatus is the retained per-hub health snapshot carried on
// hublink/hub/{hubID}/status.
type HubStatus struct {
	HubID       string    `json:"hub_id"`
	HubName     string    `json:"hub_name,omitempty"`
	Stale       bool      `json:"stale"`
	NeedsReauth bool      `json:"needs_reauth"`
	Channel     string    `json:"channel"`
	Devices     int       `json:"devices"`
	At          time.Time `json:"at"`
}

// RelayStats counts relay activity since construction.
type RelayStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Relay republishes committed registry changes onto the bus.
//
// Structural changes go to hublink/event/{kind} as full notification
// JSON; capability value deltas go to hublink/state/{key}/{capabilityID}
// retained, and the retained values are cleared again when the device is
// deleted.
//
// Change notifications arrive on the sync worker goroutine and must not
// block it, so the relay hands them to its own worker through a bounded
// queue: when the broker stalls, notifications are dropped and counted
// rather than backing up into the sync cycle. The registry stays
// canonical; the bus is best-effort fan-out.
type Relay struct {
	pub Publisher
	qos byte

	queue     chan registry.Notification
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// retained tracks which capability topics hold a retained value per
	// device key, so a delete can clear them. Worker goroutine only.
	retained map[string]map[string]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	loggerMu sync.RWMutex
	logger   Logger
}

// NewRelay starts a relay publishing through pub at the given QoS.
// Call Close to flush and stop it.
func NewRelay(pub Publisher, qos byte) *Relay {
	r := &Relay{
		pub:      pub,
		qos:      qos,
		queue:    make(chan registry.Notification, relayQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		retained: make(map[string]map[string]struct{}),
	}
	go r.run()
	return r
}

// SetLogger sets a logger for dropped notifications and publish
// failures. Optional.
func (r *Relay) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Relay) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Notify enqueues one committed change for publication. Intended to be
// registered as the reconciler's notification callback; never blocks.
func (r *Relay) Notify(note registry.Notification) {
	select {
	case r.queue <- note:
	default:
		r.dropped.Add(1)
		if logger := r.getLogger(); logger != nil {
			logger.Warn("relay queue full, notification dropped",
				"key", note.Key,
				"kind", string(note.Kind),
			)
		}
	}
}

// NotifyScopeMigration announces one hub's key migration on the event
// topic. Matches the scope manager's migration callback signature.
func (r *Relay) NotifyScopeMigration(hubID string, migrated int) {
	payload, err := json.Marshal(MigrationPayload{
		HubID:    hubID,
		Migrated: migrated,
		At:       time.Now().UTC(),
	})
	if err != nil {
		r.failed.Add(1)
		return
	}
	r.publish(Topics{}.Event(EventScopeMigrated), payload, false)
}

// PublishHubStatus publishes a retained per-hub health snapshot. A zero
// At is stamped with the current time.
func (r *Relay) PublishHubStatus(st HubStatus) {
	if st.At.IsZero() {
		st.At = time.Now().UTC()
	}
	payload, err := json.Marshal(st)
	if err != nil {
		r.failed.Add(1)
		return
	}
	r.publish(Topics{}.HubStatus(st.HubID), payload, true)
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// Close flushes already-queued notifications and stops the worker. Safe
// to call more than once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
	return nil
}

func (r *Relay) run() {
	defer close(r.done)
	for {
		select {
		case note := <-r.queue:
			r.relay(note)
		case <-r.stop:
			for {
				select {
				case note := <-r.queue:
					r.relay(note)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) relay(note registry.Notification) {
	if note.Value != nil {
		r.relayValue(note)
		return
	}
	r.relayEvent(note)
}

// relayValue publishes one capability value delta, retained so late
// subscribers see the current value without waiting for the next change.
func (r *Relay) relayValue(note registry.Notification) {
	payload, err := json.Marshal(StatePayload{
		HubID:        note.HubID,
		Key:          note.Key,
		CapabilityID: note.Value.CapabilityID,
		Value:        note.Value.Value,
		At:           note.At,
	})
	if err != nil {
		r.failed.Add(1)
		if logger := r.getLogger(); logger != nil {
			logger.Warn("relay value not serialisable",
				"key", note.Key,
				"capability", note.Value.CapabilityID,
				"error", err,
			)
		}
		return
	}

	if r.publish(Topics{}.DeviceState(note.Key, note.Value.CapabilityID), payload, true) {
		caps := r.retained[note.Key]
		if caps == nil {
			caps = make(map[string]struct{})
			r.retained[note.Key] = caps
		}
		caps[note.Value.CapabilityID] = struct{}{}
	}
}

// relayEvent publishes one structural change. Deleting a device also
// clears its retained state topics so consumers never see values for
// devices that no longer exist.
func (r *Relay) relayEvent(note registry.Notification) {
	payload, err := json.Marshal(note)
	if err != nil {
		r.failed.Add(1)
		return
	}
	r.publish(Topics{}.Event(string(note.Kind)), payload, false)

	if note.Kind == registry.ChangeDeleted {
		for capabilityID := range r.retained[note.Key] {
			// An empty retained payload deletes the broker's retained
			// message for the topic.
			r.publish(Topics{}.DeviceState(note.Key, capabilityID), nil, true)
		}
		delete(r.retained, note.Key)
	}
}

// publish sends one payload and keeps the counters honest. Returns true
// on success.
func (r *Relay) publish(topic string, payload []byte, retain bool) bool {
	if err := r.pub.Publish(topic, payload, r.qos, retain); err != nil {
		r.failed.Add(1)
		if logger := r.getLogger(); logger != nil {
			logger.Warn("relay publish failed", "topic", topic, "error", err)
		}
		return false
	}
	r.published.Add(1)
	return true
}
