// Package influxdb records fleet telemetry in InfluxDB.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// The control plane writes device status snapshots, download progress,
// fan-out outcomes and emergency transitions; the agent-side transfer
// manager reports completed transfers. Prometheus (internal/metrics) covers
// live counters; InfluxDB keeps the history per device.
//
// All write methods are no-ops on a nil or closed client, so callers hold a
// *Client that may be nil when InfluxDB is disabled.
package influxdb
