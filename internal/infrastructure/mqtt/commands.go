package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// commandTimeout bounds one capability write, including the hub round
// trip behind it.
const commandTimeout = 10 * time.Second

// CommandPayload is the JSON body expected on hublink/command topics.
// ID is an optional caller-chosen correlation token echoed back on the
// result topic.
type CommandPayload struct {
	ID    string `json:"id,omitempty"`
	Value any    `json:"value"`
}

// ResultPayload is the JSON body published on hublink/result topics.
type ResultPayload struct {
	ID           string    `json:"id,omitempty"`
	Key          string    `json:"key"`
	CapabilityID string    `json:"capability_id"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Subscriber is the part of Client the command router subscribes through.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// SetCapabilityFunc writes one capability value addressed by registry
// key. The engine wires this to the owning hub's coordinator.
type SetCapabilityFunc func(ctx context.Context, key, capabilityID string, value any) error

// CommandRouter feeds bus capability writes into the sync engine.
//
// It subscribes hublink/command/{key}/{capabilityID}, decodes the
// payload, hands the write to the engine and publishes the outcome on
// the matching hublink/result topic. Handlers already run on their own
// goroutines with panic recovery (see Subscribe), so the router executes
// commands inline under a per-command timeout; the subscription is
// restored automatically after a broker reconnect.
type CommandRouter struct {
	pub Publisher
	qos byte
	set SetCapabilityFunc

	received atomic.Uint64
	failed   atomic.Uint64

	loggerMu sync.RWMutex
	logger   Logger
}

// NewCommandRouter builds a router publishing results through pub at the
// given QoS. Call Start to subscribe it.
func NewCommandRouter(pub Publisher, qos byte, set SetCapabilityFunc) (*CommandRouter, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: publisher is required", ErrSubscribeFailed)
	}
	if set == nil {
		return nil, fmt.Errorf("%w: set-capability callback is required", ErrSubscribeFailed)
	}
	return &CommandRouter{pub: pub, qos: qos, set: set}, nil
}

// SetLogger sets a logger for rejected and failed commands. Optional.
func (cr *CommandRouter) SetLogger(logger Logger) {
	cr.loggerMu.Lock()
	cr.logger = logger
	cr.loggerMu.Unlock()
}

func (cr *CommandRouter) getLogger() Logger {
	cr.loggerMu.RLock()
	defer cr.loggerMu.RUnlock()
	return cr.logger
}

// Start subscribes the router to the command wildcard.
func (cr *CommandRouter) Start(sub Subscriber) error {
	return sub.Subscribe(Topics{}.AllCommands(), cr.qos, cr.handle)
}

// CommandStats counts router activity since construction.
type CommandStats struct {
	Received uint64 `json:"received"`
	Failed   uint64 `json:"failed"`
}

// Stats returns a snapshot of the router counters.
func (cr *CommandRouter) Stats() CommandStats {
	return CommandStats{
		Received: cr.received.Load(),
		Failed:   cr.failed.Load(),
	}
}

// handle processes one command message.
func (cr *CommandRouter) handle(topic string, payload []byte) error {
	key, capabilityID, ok := parseCommandTopic(topic)
	if !ok {
		cr.failed.Add(1)
		if logger := cr.getLogger(); logger != nil {
			logger.Warn("command topic malformed", "topic", topic)
		}
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	cr.received.Add(1)

	var cmd CommandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		cr.fail(cmd, key, capabilityID, fmt.Errorf("decode command payload: %w", err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := cr.set(ctx, key, capabilityID, cmd.Value); err != nil {
		cr.fail(cmd, key, capabilityID, err)
		return nil
	}

	cr.publishResult(ResultPayload{
		ID:           cmd.ID,
		Key:          key,
		CapabilityID: capabilityID,
		OK:           true,
		At:           time.Now().UTC(),
	})
	return nil
}

func (cr *CommandRouter) fail(cmd CommandPayload, key, capabilityID string, err error) {
	cr.failed.Add(1)
	if logger := cr.getLogger(); logger != nil {
		logger.Warn("command failed",
			"key", key,
			"capability", capabilityID,
			"error", err,
		)
	}
	cr.publishResult(ResultPayload{
		ID:           cmd.ID,
		Key:          key,
		CapabilityID: capabilityID,
		OK:           false,
		Error:        err.Error(),
		At:           time.Now().UTC(),
	})
}

func (cr *CommandRouter) publishResult(res ResultPayload) {
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := cr.pub.Publish(Topics{}.CommandResult(res.Key, res.CapabilityID), payload, cr.qos, false); err != nil {
		if logger := cr.getLogger(); logger != nil {
			logger.Warn("command result publish failed",
				"key", res.Key,
				"capability", res.CapabilityID,
				"error", err,
			)
		}
	}
}

// parseCommandTopic splits hublink/command/{key}/{capabilityID}. Device
// keys never contain '/', so the level count is exact.
func parseCommandTopic(topic string) (key, capabilityID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != topicRoot || parts[1] != "command" || parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
