// Package influxdb records hublink engine telemetry.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes, and health monitoring.
//
// # Purpose
//
// Engine self-metrics only:
//   - Sync cycle timings and change counts per hub
//   - Realtime channel state transitions (reconnect flapping)
//   - Event bus relay counters
//
// Device state history deliberately stays out: the hub keeps its own
// insights archive, and hublink mirrors current state rather than
// archiving it.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "gray-logic",
//	    Bucket:  "hublink",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	coordinator.SetOnCycle(func(st sync.CycleStats) {
//	    client.WriteCycleMetric(influxdb.CycleMetric{
//	        HubID:    st.HubID,
//	        Duration: st.Duration,
//	        Devices:  st.Devices,
//	        Failed:   st.Err != nil,
//	    })
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a
// callback. Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size,
// flush_interval). Telemetry volume is low (one point per cycle and per
// channel transition), so defaults are generous.
package influxdb
