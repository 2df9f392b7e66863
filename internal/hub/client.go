package hub

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Client.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultRetryBase   = 500 * time.Millisecond

	// maxResponseBytes caps how much of a response body is read. A full
	// device dump on a large installation is a few MB; anything beyond
	// this is a misbehaving endpoint.
	maxResponseBytes = 16 << 20
)

// Options tunes Client behaviour. The zero value gives sensible defaults.
type Options struct {
	// Timeout bounds each individual request, not the retry sequence.
	Timeout time.Duration

	// MaxAttempts is the number of tries per call for transient failures.
	MaxAttempts int

	// RetryBase is the first retry delay; it doubles per attempt with jitter.
	RetryBase time.Duration

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to a single hub over its local REST API.
//
// Hubs ship in two endpoint generations ("manager" and "v1"); the client
// probes for the working one on Connect and locks onto it for the rest of
// the session. All methods are safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	hc          *http.Client
	logger      Logger
	timeout     time.Duration
	maxAttempts int
	retryBase   time.Duration

	mu          sync.Mutex
	layout      Layout
	layoutKnown bool
}

// NewClient creates a client for the hub at baseURL authenticating with the
// given bearer token. No network traffic happens until Connect or the first
// resource call.
func NewClient(baseURL, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				// Hubs present self-signed certificates on their LAN
				// address, so verification is off for this transport.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // local hub with self-signed cert
			},
		}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		hc:          hc,
		logger:      noopLogger{},
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// BaseURL returns the hub address this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Connect verifies the token and discovers which endpoint layout the hub
// speaks. It returns the hub's self-description when the token carries the
// system scope, or an empty SystemInfo when it does not (a missing system
// scope is not fatal; identity then falls back to configuration).
func (c *Client) Connect(ctx context.Context) (*SystemInfo, error) {
	for _, layout := range probeOrder {
		var info SystemInfo
		err := c.do(ctx, http.MethodGet, layout.SystemPath(), nil, &info)
		switch {
		case err == nil:
			c.setLayout(layout)
			c.logger.Debug("hub layout discovered", "layout", string(layout))
			return &info, nil
		case errors.Is(err, ErrAuthFailed):
			return nil, err
		case errors.Is(err, ErrPermissionMissing):
			// The layout exists, the token just can't read system info.
			c.setLayout(layout)
			return &SystemInfo{}, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}

	// Neither layout serves system info. Old firmware hides it entirely, so
	// fall back to probing the device collection before giving up.
	for _, layout := range probeOrder {
		err := c.do(ctx, http.MethodGet, layout.DevicesPath(), nil, nil)
		switch {
		case err == nil, errors.Is(err, ErrPermissionMissing):
			c.setLayout(layout)
			c.logger.Debug("hub layout discovered via device probe", "layout", string(layout))
			return &SystemInfo{}, nil
		case errors.Is(err, ErrAuthFailed):
			return nil, err
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: probed %d layouts at %s", ErrNoLayout, len(probeOrder), c.baseURL)
}

// System fetches the hub's self-description.
func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	var info SystemInfo
	if err := c.do(ctx, http.MethodGet, layout.SystemPath(), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Devices fetches all devices keyed by device ID.
func (c *Client) Devices(ctx context.Context) (map[string]*Device, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, layout.DevicesPath(), nil, &raw); err != nil {
		return nil, err
	}
	return decodeCollection[Device](raw,
		func(d *Device) string { return d.ID },
		func(d *Device, id string) { d.ID = id })
}

// Zones fetches all zones keyed by zone ID.
func (c *Client) Zones(ctx context.Context) (map[string]*Zone, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, layout.ZonesPath(), nil, &raw); err != nil {
		return nil, err
	}
	return decodeCollection[Zone](raw,
		func(z *Zone) string { return z.ID },
		func(z *Zone, id string) { z.ID = id })
}

// Flows fetches standard and advanced flows merged into one map keyed by
// flow ID, each entry marked with its kind. A hub without the advanced
// flow endpoint contributes standard flows only.
func (c *Client) Flows(ctx context.Context) (map[string]*Flow, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, layout.FlowsPath(), nil, &raw); err != nil {
		return nil, err
	}
	flows, err := decodeCollection[Flow](raw,
		func(f *Flow) string { return f.ID },
		func(f *Flow, id string) { f.ID = id })
	if err != nil {
		return nil, err
	}
	for _, f := range flows {
		f.Kind = FlowStandard
	}

	advPath := layout.AdvancedFlowsPath()
	if advPath == "" {
		return flows, nil
	}
	raw = nil
	err = c.do(ctx, http.MethodGet, advPath, nil, &raw)
	if errors.Is(err, ErrNotFound) {
		// Firmware without advanced flows.
		return flows, nil
	}
	if err != nil {
		return nil, err
	}
	advanced, err := decodeCollection[Flow](raw,
		func(f *Flow) string { return f.ID },
		func(f *Flow, id string) { f.ID = id })
	if err != nil {
		return nil, err
	}
	for id, f := range advanced {
		f.Kind = FlowAdvanced
		flows[id] = f
	}
	return flows, nil
}

// Scenes fetches all scenes keyed by scene ID.
func (c *Client) Scenes(ctx context.Context) (map[string]*Scene, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, layout.ScenesPath(), nil, &raw); err != nil {
		return nil, err
	}
	return decodeCollection[Scene](raw,
		func(s *Scene) string { return s.ID },
		func(s *Scene, id string) { s.ID = id })
}

// Moods fetches all moods keyed by mood ID.
func (c *Client) Moods(ctx context.Context) (map[string]*Mood, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, layout.MoodsPath(), nil, &raw); err != nil {
		return nil, err
	}
	return decodeCollection[Mood](raw,
		func(m *Mood) string { return m.ID },
		func(m *Mood, id string) { m.ID = id })
}

// LogicVariables fetches all logic variables keyed by variable ID.
func (c *Client) LogicVariables(ctx context.Context) (map[string]*LogicVariable, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, layout.LogicVariablesPath(), nil, &raw); err != nil {
		return nil, err
	}
	return decodeCollection[LogicVariable](raw,
		func(v *LogicVariable) string { return v.ID },
		func(v *LogicVariable, id string) { v.ID = id })
}

// CapabilityValue reads the current value of one capability on a device.
func (c *Client) CapabilityValue(ctx context.Context, deviceID, capabilityID string) (any, error) {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		Value any `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, layout.CapabilityPath(deviceID, capabilityID), nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// SetCapabilityValue writes a capability value. The value is coerced to the
// type the capability expects before sending; see ConvertValue.
func (c *Client) SetCapabilityValue(ctx context.Context, deviceID, capabilityID string, value any) error {
	converted, err := ConvertValue(capabilityID, value)
	if err != nil {
		return err
	}
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return err
	}
	body := struct {
		Value any `json:"value"`
	}{Value: converted}
	return c.do(ctx, http.MethodPut, layout.CapabilityPath(deviceID, capabilityID), body, nil)
}

// TriggerFlow starts a flow identified by ID or, failing that, by
// case-insensitive name. Flows the token cannot list can still be
// triggered directly by ID.
func (c *Client) TriggerFlow(ctx context.Context, idOrName string) error {
	flows, err := c.Flows(ctx)
	if err == nil {
		if f, ok := flows[idOrName]; ok {
			return c.triggerFlow(ctx, f)
		}
		for _, f := range flows {
			if strings.EqualFold(f.Name, idOrName) {
				return c.triggerFlow(ctx, f)
			}
		}
	} else if !errors.Is(err, ErrPermissionMissing) {
		return err
	}

	// Not in the list (or the list is unreadable): treat the argument as a
	// flow ID of unknown kind.
	return c.triggerFlow(ctx, &Flow{ID: idOrName})
}

func (c *Client) triggerFlow(ctx context.Context, f *Flow) error {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return err
	}
	switch f.Kind {
	case FlowAdvanced:
		p := layout.AdvancedFlowTriggerPath(f.ID)
		if p == "" {
			return fmt.Errorf("%w: advanced flow %s", ErrNotFound, f.ID)
		}
		return c.do(ctx, http.MethodPost, p, nil, nil)
	case FlowStandard:
		return c.do(ctx, http.MethodPost, layout.FlowTriggerPath(f.ID), nil, nil)
	default:
		err := c.do(ctx, http.MethodPost, layout.FlowTriggerPath(f.ID), nil, nil)
		if errors.Is(err, ErrNotFound) {
			if p := layout.AdvancedFlowTriggerPath(f.ID); p != "" {
				return c.do(ctx, http.MethodPost, p, nil, nil)
			}
		}
		return err
	}
}

// EnableFlow enables a flow.
func (c *Client) EnableFlow(ctx context.Context, flowID string) error {
	return c.setFlowEnabled(ctx, flowID, true)
}

// DisableFlow disables a flow.
func (c *Client) DisableFlow(ctx context.Context, flowID string) error {
	return c.setFlowEnabled(ctx, flowID, false)
}

func (c *Client) setFlowEnabled(ctx context.Context, flowID string, enabled bool) error {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return err
	}
	body := struct {
		Enabled bool `json:"enabled"`
	}{Enabled: enabled}
	err = c.do(ctx, http.MethodPatch, layout.FlowPath(flowID), body, nil)
	if errors.Is(err, ErrNotFound) {
		if p := layout.AdvancedFlowPath(flowID); p != "" {
			return c.do(ctx, http.MethodPatch, p, body, nil)
		}
	}
	return err
}

// ActivateScene runs a scene.
func (c *Client) ActivateScene(ctx context.Context, sceneID string) error {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, layout.SceneTriggerPath(sceneID), nil, nil)
}

// ActivateMood applies a mood.
func (c *Client) ActivateMood(ctx context.Context, moodID string) error {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, layout.MoodSetPath(moodID), nil, nil)
}

// SetLogicVariable writes a new value to a logic variable.
func (c *Client) SetLogicVariable(ctx context.Context, variableID string, value any) error {
	layout, err := c.resolveLayout(ctx)
	if err != nil {
		return err
	}
	body := struct {
		Value any `json:"value"`
	}{Value: value}
	return c.do(ctx, http.MethodPut, layout.LogicVariablePath(variableID), body, nil)
}

// resolveLayout returns the cached endpoint layout, running discovery first
// if this session has not probed yet.
func (c *Client) resolveLayout(ctx context.Context) (Layout, error) {
	c.mu.Lock()
	if c.layoutKnown {
		layout := c.layout
		c.mu.Unlock()
		return layout, nil
	}
	c.mu.Unlock()

	if _, err := c.Connect(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.layoutKnown {
		return "", ErrNoLayout
	}
	return c.layout, nil
}

func (c *Client) setLayout(layout Layout) {
	c.mu.Lock()
	c.layout = layout
	c.layoutKnown = true
	c.mu.Unlock()
}

// transientError marks a failure worth retrying: network errors, timeouts
// and 5xx responses. Everything else surfaces immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// do runs one API call with retries for transient failures. Permanent
// failures (auth, permission, not-found, rejected request, decode)
// return on the first attempt; exhausting all attempts returns
// ErrUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		var te *transientError
		if !errors.As(err, &te) {
			return err
		}
		lastErr = te.err
		if attempt == c.maxAttempts {
			break
		}
		delay := c.retryDelay(attempt)
		c.logger.Debug("hub request failed, retrying",
			"method", method, "path", path,
			"attempt", attempt, "delay", delay.String(), "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %w", ErrUnavailable, method, path, c.maxAttempts, lastErr)
}

// doOnce runs a single API call and maps the response status onto the
// package error taxonomy.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hub: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("hub: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &transientError{err: fmt.Errorf("read %s %s response: %w", method, path, err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthFailed
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrPermissionMissing, method, path)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return nil
		}
		if raw, ok := out.(*json.RawMessage); ok {
			*raw = data
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("hub: decode %s %s: %w", method, path, err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Remaining 4xx statuses mean the hub rejected the request itself;
		// an identical retry cannot succeed.
		return fmt.Errorf("%w: %s %s returned status %d", ErrInvalidValue, method, path, resp.StatusCode)
	default:
		return &transientError{err: fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)}
	}
}

// retryDelay doubles the base delay per attempt and adds up to 50% jitter
// so several clients recovering together don't hammer the hub in lockstep.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.retryBase * time.Duration(1<<uint(attempt-1)) //nolint:gosec // attempt is bounded by maxAttempts
	jitter := time.Duration(rand.Int63n(int64(delay/2) + 1)) //nolint:gosec // jitter does not need crypto rand
	return delay + jitter
}
