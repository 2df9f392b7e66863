package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// fakeSetter records capability writes handed to the engine.
type fakeSetter struct {
	mu    sync.Mutex
	calls []setCall
	err   error
}

type setCall struct {
	key          string
	capabilityID string
	value        any
}

func (f *fakeSetter) set(_ context.Context, key, capabilityID string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, setCall{key: key, capabilityID: capabilityID, value: value})
	return f.err
}

func (f *fakeSetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSetter) call(i int) setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeSubscriber records the topic the router subscribed to.
type fakeSubscriber struct {
	topic   string
	qos     byte
	handler MessageHandler
	err     error
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.qos = qos
	f.handler = handler
	return nil
}

func newTestRouter(t *testing.T, setter *fakeSetter) (*CommandRouter, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	router, err := NewCommandRouter(pub, 1, setter.set)
	if err != nil {
		t.Fatalf("NewCommandRouter() error = %v", err)
	}
	return router, pub
}

func decodeResult(t *testing.T, payload []byte) ResultPayload {
	t.Helper()
	var res ResultPayload
	if err := json.Unmarshal(payload, &res); err != nil {
		t.Fatalf("result payload not valid JSON: %v", err)
	}
	return res
}

func TestNewCommandRouterValidation(t *testing.T) {
	setter := &fakeSetter{}
	if _, err := NewCommandRouter(nil, 1, setter.set); err == nil {
		t.Error("NewCommandRouter(nil publisher) should fail")
	}
	if _, err := NewCommandRouter(&fakePublisher{}, 1, nil); err == nil {
		t.Error("NewCommandRouter(nil setter) should fail")
	}
}

func TestCommandRouterStart(t *testing.T) {
	setter := &fakeSetter{}
	router, _ := newTestRouter(t, setter)

	sub := &fakeSubscriber{}
	if err := router.Start(sub); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sub.topic != "hublink/command/+/+" {
		t.Errorf("subscribed topic = %q, want %q", sub.topic, "hublink/command/+/+")
	}
	if sub.qos != 1 {
		t.Errorf("subscribed qos = %d, want 1", sub.qos)
	}
	if sub.handler == nil {
		t.Error("no handler registered")
	}

	sub = &fakeSubscriber{err: ErrNotConnected}
	if err := router.Start(sub); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Start() with failing subscriber = %v, want ErrNotConnected", err)
	}
}

func TestCommandRouterDispatch(t *testing.T) {
	setter := &fakeSetter{}
	router, pub := newTestRouter(t, setter)

	payload := []byte(`{"id":"cmd-7","value":0.5}`)
	if err := router.handle("hublink/command/hub-main:abc123/dim", payload); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if setter.count() != 1 {
		t.Fatalf("expected 1 capability write, got %d", setter.count())
	}
	got := setter.call(0)
	if got.key != "hub-main:abc123" || got.capabilityID != "dim" {
		t.Errorf("write addressed %s/%s, want hub-main:abc123/dim", got.key, got.capabilityID)
	}
	if v, ok := got.value.(float64); !ok || v != 0.5 {
		t.Errorf("write value = %v, want 0.5", got.value)
	}

	if pub.count() != 1 {
		t.Fatalf("expected 1 result publish, got %d", pub.count())
	}
	call := pub.call(0)
	if call.topic != "hublink/result/hub-main:abc123/dim" {
		t.Errorf("result topic = %q", call.topic)
	}
	if call.retained {
		t.Error("result should not be retained")
	}
	res := decodeResult(t, call.payload)
	if !res.OK || res.Error != "" {
		t.Errorf("result = %+v, want ok with no error", res)
	}
	if res.ID != "cmd-7" {
		t.Errorf("correlation ID = %q, want cmd-7", res.ID)
	}
	if res.Key != "hub-main:abc123" || res.CapabilityID != "dim" {
		t.Errorf("result addressed %s/%s", res.Key, res.CapabilityID)
	}
}

func TestCommandRouterEngineFailure(t *testing.T) {
	setter := &fakeSetter{err: errors.New("sync: unknown device")}
	router, pub := newTestRouter(t, setter)

	if err := router.handle("hublink/command/hub-main:missing/onoff", []byte(`{"value":true}`)); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if pub.count() != 1 {
		t.Fatalf("expected 1 result publish, got %d", pub.count())
	}
	res := decodeResult(t, pub.call(0).payload)
	if res.OK {
		t.Error("result OK = true, want false")
	}
	if res.Error == "" {
		t.Error("result should carry the engine error")
	}

	stats := router.Stats()
	if stats.Received != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want received 1 failed 1", stats)
	}
}

func TestCommandRouterBadPayload(t *testing.T) {
	setter := &fakeSetter{}
	router, pub := newTestRouter(t, setter)

	if err := router.handle("hublink/command/hub-main:abc123/dim", []byte(`not json`)); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if setter.count() != 0 {
		t.Error("bad payload must not reach the engine")
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 result publish, got %d", pub.count())
	}
	res := decodeResult(t, pub.call(0).payload)
	if res.OK {
		t.Error("result OK = true, want false")
	}
}

func TestCommandRouterMalformedTopic(t *testing.T) {
	setter := &fakeSetter{}
	router, pub := newTestRouter(t, setter)

	for _, topic := range []string{
		"hublink/command/onlykey",
		"hublink/state/abc123/dim",
		"other/command/abc123/dim",
		"hublink/command//dim",
	} {
		if err := router.handle(topic, []byte(`{"value":1}`)); err == nil {
			t.Errorf("handle(%q) should reject the topic", topic)
		}
	}
	if setter.count() != 0 {
		t.Error("malformed topics must not reach the engine")
	}
	if pub.count() != 0 {
		t.Error("malformed topics have no result address to publish to")
	}
}

func TestParseCommandTopic(t *testing.T) {
	key, capabilityID, ok := parseCommandTopic("hublink/command/hub-main:abc123/measure_temperature.inside")
	if !ok {
		t.Fatal("expected topic to parse")
	}
	if key != "hub-main:abc123" {
		t.Errorf("key = %q", key)
	}
	if capabilityID != "measure_temperature.inside" {
		t.Errorf("capabilityID = %q", capabilityID)
	}
}
