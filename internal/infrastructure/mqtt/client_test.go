package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// Everything in this file runs without a broker: topic construction,
// payload shapes, and the validation paths that reject bad input before
// any network I/O. Connection-dependent tests live in
// integration_test.go (run with -tags=integration against a local
// broker).

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() string
		expected string
	}{
		{
			name: "Status",
			builder: func() string {
				return Topics{}.Status()
			},
			expected: "hublink/status",
		},
		{
			name: "HubStatus",
			builder: func() string {
				return Topics{}.HubStatus("hub-main")
			},
			expected: "hublink/hub/hub-main/status",
		},
		{
			name: "Event",
			builder: func() string {
				return Topics{}.Event("created")
			},
			expected: "hublink/event/created",
		},
		{
			name: "EventScopeMigrated",
			builder: func() string {
				return Topics{}.Event(EventScopeMigrated)
			},
			expected: "hublink/event/scope_migrated",
		},
		{
			name: "DeviceState",
			builder: func() string {
				return Topics{}.DeviceState("abc123", "measure_power")
			},
			expected: "hublink/state/abc123/measure_power",
		},
		{
			name: "DeviceStateCompositeKey",
			builder: func() string {
				return Topics{}.DeviceState("hub-main:abc123", "onoff")
			},
			expected: "hublink/state/hub-main:abc123/onoff",
		},
		{
			name: "Command",
			builder: func() string {
				return Topics{}.Command("hub-main:abc123", "dim")
			},
			expected: "hublink/command/hub-main:abc123/dim",
		},
		{
			name: "AllCommands",
			builder: func() string {
				return Topics{}.AllCommands()
			},
			expected: "hublink/command/+/+",
		},
		{
			name: "CommandResult",
			builder: func() string {
				return Topics{}.CommandResult("hub-main:abc123", "dim")
			},
			expected: "hublink/result/hub-main:abc123/dim",
		},
		{
			name: "AllHubStatus",
			builder: func() string {
				return Topics{}.AllHubStatus()
			},
			expected: "hublink/hub/+/status",
		},
		{
			name: "AllEvents",
			builder: func() string {
				return Topics{}.AllEvents()
			},
			expected: "hublink/event/+",
		},
		{
			name: "DeviceStates",
			builder: func() string {
				return Topics{}.DeviceStates("abc123")
			},
			expected: "hublink/state/abc123/+",
		},
		{
			name: "AllDeviceStates",
			builder: func() string {
				return Topics{}.AllDeviceStates()
			},
			expected: "hublink/state/+/+",
		},
		{
			name: "AllTopics",
			builder: func() string {
				return Topics{}.AllTopics()
			},
			expected: "hublink/#",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.builder()
			if result != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, result, tt.expected)
			}
		})
	}
}

// =============================================================================
// Status Payload Tests
// =============================================================================

func TestStatusPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		status  string
		reason  string
	}{
		{"online", buildOnlinePayload("hublink-test"), "online", ""},
		{"graceful offline", buildOfflinePayload("hublink-test"), "offline", "graceful_shutdown"},
		{"lwt", buildLWTPayload("hublink-test"), "offline", "unexpected_disconnect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got struct {
				Status    string `json:"status"`
				ClientID  string `json:"client_id"`
				Reason    string `json:"reason"`
				Timestamp string `json:"timestamp"`
			}
			if err := json.Unmarshal([]byte(tt.payload), &got); err != nil {
				t.Fatalf("payload is not valid JSON: %v", err)
			}
			if got.Status != tt.status {
				t.Errorf("status = %q, want %q", got.Status, tt.status)
			}
			if got.ClientID != "hublink-test" {
				t.Errorf("client_id = %q, want %q", got.ClientID, "hublink-test")
			}
			if got.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.reason)
			}
			if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
				t.Errorf("timestamp %q is not RFC3339: %v", got.Timestamp, err)
			}
		})
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

// Input validation runs before any connection check, so a zero Client
// exercises it fully.

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "hublink/status", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "hublink/status", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"disconnected", "hublink/status", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, handler, ErrInvalidTopic},
		{"invalid qos", "hublink/event/+", 3, handler, ErrInvalidQoS},
		{"nil handler", "hublink/event/+", 1, nil, ErrSubscribeFailed},
		{"disconnected", "hublink/event/+", 1, handler, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	client := &Client{}

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Unsubscribe("hublink/event/+"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Zero-Value Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on uninitialised client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := &Client{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestSubscriptionTracking_Empty(t *testing.T) {
	client := &Client{}

	if got := client.SubscriptionCount(); got != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", got)
	}
	if client.HasSubscription("hublink/event/+") {
		t.Error("HasSubscription() should be false for unsubscribed topic")
	}
}
