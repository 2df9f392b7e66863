package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// Feature names one API family gated by its own token scope.
type Feature string

// API families probed at session start.
const (
	FeatureDevices Feature = "devices"
	FeatureZones   Feature = "zones"
	FeatureFlows   Feature = "flows"
	FeatureMoods   Feature = "moods"
	FeatureLogic   Feature = "logic"
	FeatureSystem  Feature = "system"
)

// FeatureStatus records the outcome of probing one API family.
type FeatureStatus struct {
	Supported  bool   // the endpoint exists on this firmware
	Readable   bool   // the token may read it
	ReadScope  string // scope that grants read access
	WriteScope string // scope that grants write access, if distinct
}

// Features maps each probed API family to its status.
type Features map[Feature]FeatureStatus

// Readable reports whether a family exists and the token can read it.
func (f Features) Readable(feature Feature) bool {
	st, ok := f[feature]
	return ok && st.Supported && st.Readable
}

// ScenesReadable reports whether scenes can be read. Scenes have no scope
// of their own; they ride on device permissions.
func (f Features) ScenesReadable() bool {
	return f.Readable(FeatureDevices)
}

// ProbeFeatures probes all API families once with a throwaway Prober.
// Long-lived sessions should hold their own Prober so repeated probes
// keep the warn-once bookkeeping.
func ProbeFeatures(ctx context.Context, client *Client) (Features, error) {
	return NewProber(client).Probe(ctx)
}

// Prober discovers which API families a hub exposes and which of them the
// configured token may read. Tokens are often minted with a subset of
// scopes, so a denied family degrades that feature rather than the session.
type Prober struct {
	client *Client
	logger Logger

	mu     sync.Mutex
	warned map[Feature]bool
}

// NewProber creates a prober over an established client.
func NewProber(client *Client) *Prober {
	return &Prober{
		client: client,
		logger: noopLogger{},
		warned: make(map[Feature]bool),
	}
}

// SetLogger sets the logger for the prober.
func (p *Prober) SetLogger(logger Logger) {
	p.logger = logger
}

// Probe issues one unretried read per API family and classifies the result.
// A 2xx marks the family readable, 401/403 marks it denied (with a one-time
// warning naming the missing scope), 404 marks it unsupported silently.
// Transient failures are treated optimistically; the engine surfaces them
// properly when it actually syncs. Probe never fails the session over a
// single family.
func (p *Prober) Probe(ctx context.Context) (Features, error) {
	layout, err := p.client.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}

	probes := []struct {
		feature    Feature
		path       string
		readScope  string
		writeScope string
	}{
		{FeatureDevices, layout.DevicesPath(), "homey.device.readonly", "homey.device.control"},
		{FeatureZones, layout.ZonesPath(), "homey.zone.readonly", ""},
		{FeatureFlows, layout.FlowsPath(), "homey.flow.readonly", "homey.flow.start"},
		{FeatureMoods, layout.MoodsPath(), "homey.mood.readonly", "homey.mood.set"},
		{FeatureLogic, layout.LogicVariablesPath(), "homey.logic.readonly", "homey.logic"},
		{FeatureSystem, layout.SystemPath(), "homey.system.readonly", ""},
	}

	features := make(Features, len(probes))
	for _, probe := range probes {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		st := FeatureStatus{ReadScope: probe.readScope, WriteScope: probe.writeScope}
		err := p.client.doOnce(ctx, http.MethodGet, probe.path, nil, nil)
		switch {
		case err == nil:
			st.Supported = true
			st.Readable = true
		case errors.Is(err, ErrPermissionMissing), errors.Is(err, ErrAuthFailed):
			st.Supported = true
			p.warnOnce(probe.feature, probe.readScope)
		case errors.Is(err, ErrNotFound):
			// Family absent on this firmware generation.
		default:
			st.Supported = true
			st.Readable = true
			p.logger.Debug("permission probe inconclusive",
				"feature", string(probe.feature), "error", err)
		}
		features[probe.feature] = st
	}
	return features, nil
}

// warnOnce logs a denied family the first time it is seen, naming the
// scope the token would need. Re-probes after reconnects stay quiet.
func (p *Prober) warnOnce(feature Feature, scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warned[feature] {
		return
	}
	p.warned[feature] = true
	p.logger.Warn("hub token lacks scope for API family; feature disabled",
		"feature", string(feature), "scope", scope)
}
