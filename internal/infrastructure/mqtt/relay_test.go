package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-hublink/internal/registry"
)

type publishCall struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// fakePublisher records publishes. With err set every publish fails;
// with block set every publish waits until the channel is closed.
type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
	block chan struct{}
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, publishCall{
		topic:    topic,
		payload:  append([]byte(nil), payload...),
		qos:      qos,
		retained: retained,
	})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePublisher) call(i int) publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// captureLogger records warn/error messages for assertions.
type captureLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *captureLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *captureLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *captureLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

// waitFor polls cond until it holds or the deadline passes. The relay
// publishes asynchronously, so assertions on fake state need it.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func valueNote(key, capabilityID string, value any) registry.Notification {
	return registry.Notification{
		HubID:   "hub-1",
		Kind:    registry.ChangeUpdated,
		Key:     key,
		Updates: []registry.UpdateKind{registry.UpdateCapabilityValue},
		Value:   &registry.ValueChange{CapabilityID: capabilityID, Value: value},
		At:      time.Now().UTC(),
	}
}

func TestRelayValueNote(t *testing.T) {
	fake := &fakePublisher{}
	relay := NewRelay(fake, 1)
	defer relay.Close()

	relay.Notify(valueNote("hub-1:dev-a", "onoff", true))

	// The published counter increments after the fake records the call,
	// so waiting on it orders both.
	waitFor(t, "value publish", func() bool { return relay.Stats().Published == 1 })

	call := fake.call(0)
	if call.topic != "hublink/state/hub-1:dev-a/onoff" {
		t.Errorf("topic = %q, want %q", call.topic, "hublink/state/hub-1:dev-a/onoff")
	}
	if !call.retained {
		t.Error("value publish should be retained")
	}
	if call.qos != 1 {
		t.Errorf("qos = %d, want 1", call.qos)
	}

	var got StatePayload
	if err := json.Unmarshal(call.payload, &got); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if got.HubID != "hub-1" {
		t.Errorf("hub_id = %q, want %q", got.HubID, "hub-1")
	}
	if got.Key != "hub-1:dev-a" {
		t.Errorf("key = %q, want %q", got.Key, "hub-1:dev-a")
	}
	if got.CapabilityID != "onoff" {
		t.Errorf("capability_id = %q, want %q", got.CapabilityID, "onoff")
	}
	if got.Value != true {
		t.Errorf("value = %v, want true", got.Value)
	}
	if got.At.IsZero() {
		t.Error("at should carry the notification timestamp")
	}

	stats := relay.Stats()
	if stats.Published != 1 || stats.Dropped != 0 || stats.Failed != 0 {
		t.Errorf("Stats() = %+v, want 1 published only", stats)
	}
}

func TestRelayStructuralEvent(t *testing.T) {
	fake := &fakePublisher{}
	relay := NewRelay(fake, 1)
	defer relay.Close()

	relay.Notify(registry.Notification{
		HubID: "hub-1",
		Kind:  registry.ChangeCreated,
		Key:   "dev-a",
		Record: &registry.Record{
			Key:          "dev-a",
			HubID:        "hub-1",
			DeviceID:     "dev-a",
			Name:         "Wall Plug",
			Available:    true,
			Capabilities: []string{"onoff"},
		},
		Entities: []registry.Entity{
			{ID: "ent-1", DeviceKey: "dev-a", Slot: "switch:onoff", Kind: "switch", Name: "Wall Plug"},
		},
		At: time.Now().UTC(),
	})

	waitFor(t, "event publish", func() bool { return relay.Stats().Published == 1 })

	call := fake.call(0)
	if call.topic != "hublink/event/created" {
		t.Errorf("topic = %q, want %q", call.topic, "hublink/event/created")
	}
	if call.retained {
		t.Error("event publish should not be retained")
	}

	var got registry.Notification
	if err := json.Unmarshal(call.payload, &got); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if got.Kind != registry.ChangeCreated {
		t.Errorf("kind = %q, want %q", got.Kind, registry.ChangeCreated)
	}
	if got.Record == nil || got.Record.Name != "Wall Plug" {
		t.Errorf("record = %+v, want Wall Plug", got.Record)
	}
	if len(got.Entities) != 1 || got.Entities[0].Slot != "switch:onoff" {
		t.Errorf("entities = %+v, want one switch:onoff", got.Entities)
	}
}

func TestRelayDeleteClearsRetainedValues(t *testing.T) {
	fake := &fakePublisher{}
	relay := NewRelay(fake, 1)
	defer relay.Close()

	relay.Notify(valueNote("dev-a", "onoff", true))
	relay.Notify(valueNote("dev-a", "dim", 0.5))
	relay.Notify(valueNote("dev-b", "onoff", false))
	waitFor(t, "value publishes", func() bool { return relay.Stats().Published == 3 })

	relay.Notify(registry.Notification{
		HubID: "hub-1",
		Kind:  registry.ChangeDeleted,
		Key:   "dev-a",
		At:    time.Now().UTC(),
	})

	// One deleted event plus a clear for each of dev-a's two value topics.
	waitFor(t, "delete fan-out", func() bool { return relay.Stats().Published == 6 })

	if got := fake.call(3).topic; got != "hublink/event/deleted" {
		t.Errorf("call 3 topic = %q, want %q", got, "hublink/event/deleted")
	}

	clears := make(map[string]bool)
	for i := 4; i < 6; i++ {
		call := fake.call(i)
		clears[call.topic] = call.retained && len(call.payload) == 0
	}
	for _, topic := range []string{"hublink/state/dev-a/onoff", "hublink/state/dev-a/dim"} {
		if !clears[topic] {
			t.Errorf("expected empty retained clear on %s, got %v", topic, clears)
		}
	}
	if _, ok := clears["hublink/state/dev-b/onoff"]; ok {
		t.Error("dev-b retained value should survive dev-a's delete")
	}
}

func TestRelayQueueOverflowDrops(t *testing.T) {
	block := make(chan struct{})
	fake := &fakePublisher{block: block}
	relay := NewRelay(fake, 0)

	total := relayQueueSize + 10
	for i := 0; i < total; i++ {
		relay.Notify(valueNote("dev-a", "onoff", i))
	}

	stats := relay.Stats()
	if stats.Dropped == 0 {
		t.Error("Dropped = 0, want overflow drops with a stalled publisher")
	}

	close(block)
	relay.Close()

	stats = relay.Stats()
	if stats.Published+stats.Dropped != uint64(total) {
		t.Errorf("published %d + dropped %d != %d notifications",
			stats.Published, stats.Dropped, total)
	}
}

func TestRelayPublishFailureCounts(t *testing.T) {
	fake := &fakePublisher{err: errors.New("broker gone")}
	relay := NewRelay(fake, 1)
	defer relay.Close()

	logger := &captureLogger{}
	relay.SetLogger(logger)

	relay.Notify(valueNote("dev-a", "onoff", true))

	waitFor(t, "failure recorded", func() bool { return relay.Stats().Failed == 1 })

	if got := relay.Stats().Published; got != 0 {
		t.Errorf("Published = %d, want 0", got)
	}
	if logger.warnCount() == 0 {
		t.Error("publish failure should be logged")
	}
}

func TestRelayScopeMigrationNotice(t *testing.T) {
	fake := &fakePublisher{}
	relay := NewRelay(fake, 1)
	defer relay.Close()

	relay.NotifyScopeMigration("hub-2", 14)

	if got := fake.count(); got != 1 {
		t.Fatalf("publish count = %d, want 1", got)
	}
	call := fake.call(0)
	if call.topic != "hublink/event/scope_migrated" {
		t.Errorf("topic = %q, want %q", call.topic, "hublink/event/scope_migrated")
	}
	if call.retained {
		t.Error("migration notice should not be retained")
	}

	var got MigrationPayload
	if err := json.Unmarshal(call.payload, &got); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if got.HubID != "hub-2" {
		t.Errorf("hub_id = %q, want %q", got.HubID, "hub-2")
	}
	if got.Migrated != 14 {
		t.Errorf("migrated = %d, want 14", got.Migrated)
	}
	if got.At.IsZero() {
		t.Error("at should be stamped")
	}
}

func TestRelayHubStatus(t *testing.T) {
	fake := &fakePublisher{}
	relay := NewRelay(fake, 1)
	defer relay.Close()

	relay.PublishHubStatus(HubStatus{
		HubID:   "hub-1",
		HubName: "Test Home",
		Channel: "connected",
		Devices: 12,
	})

	if got := fake.count(); got != 1 {
		t.Fatalf("publish count = %d, want 1", got)
	}
	call := fake.call(0)
	if call.topic != "hublink/hub/hub-1/status" {
		t.Errorf("topic = %q, want %q", call.topic, "hublink/hub/hub-1/status")
	}
	if !call.retained {
		t.Error("hub status should be retained")
	}

	var got HubStatus
	if err := json.Unmarshal(call.payload, &got); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if got.HubName != "Test Home" || got.Devices != 12 {
		t.Errorf("payload = %+v, want Test Home with 12 devices", got)
	}
	if got.At.IsZero() {
		t.Error("zero At should be stamped before publishing")
	}
}

func TestRelayCloseFlushesQueue(t *testing.T) {
	fake := &fakePublisher{}
	relay := NewRelay(fake, 1)

	for i := 0; i < 5; i++ {
		relay.Notify(valueNote("dev-a", "onoff", i%2 == 0))
	}

	if err := relay.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := fake.count(); got != 5 {
		t.Errorf("publish count after Close = %d, want 5", got)
	}

	// Second close is a no-op.
	if err := relay.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
