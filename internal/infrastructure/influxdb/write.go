package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// CycleMetric describes one finished sync cycle for recording.
type CycleMetric struct {
	HubID    string
	Duration time.Duration
	Devices  int
	Created  int
	Updated  int
	Deleted  int
	Values   int
	Failed   bool
}

// WriteCycleMetric records one sync cycle's outcome.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Cycle timings and change counts are the primary signal for spotting a
// slow hub or a flapping device set.
//
// Measurement: sync_cycle
// Tags: hub_id, result (ok|failed)
// Fields: duration_ms, devices, created, updated, deleted, values
func (c *Client) WriteCycleMetric(m CycleMetric) {
	if !c.IsConnected() {
		return
	}

	result := "ok"
	if m.Failed {
		result = "failed"
	}

	point := write.NewPoint(
		"sync_cycle",
		map[string]string{
			"hub_id": m.HubID,
			"result": result,
		},
		map[string]interface{}{
			"duration_ms": float64(m.Duration) / float64(time.Millisecond),
			"devices":     m.Devices,
			"created":     m.Created,
			"updated":     m.Updated,
			"deleted":     m.Deleted,
			"values":      m.Values,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteChannelState records one realtime channel state transition.
//
// Counting transitions per state surfaces flapping websocket
// connections that the retry backoff would otherwise hide.
//
// Measurement: realtime_channel
// Tags: hub_id, state
// Fields: value (always 1, counted in queries)
func (c *Client) WriteChannelState(hubID, state string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"realtime_channel",
		map[string]string{
			"hub_id": hubID,
			"state":  state,
		},
		map[string]interface{}{
			"value": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRelayStats records a snapshot of the event bus relay counters.
//
// Published on a sampling interval; the counters are cumulative since
// process start, so rates come from difference queries.
//
// Measurement: bus_relay
// Fields: published, dropped, failed
func (c *Client) WriteRelayStats(published, dropped, failed uint64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"bus_relay",
		nil,
		map[string]interface{}{
			// #nosec G115 -- counter snapshots, wraparound is acceptable
			"published": int64(published),
			"dropped":   int64(dropped),
			"failed":    int64(failed),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("journal",
//	    map[string]string{"hub_id": "hub-main"},
//	    map[string]interface{}{"entries": 1532})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
