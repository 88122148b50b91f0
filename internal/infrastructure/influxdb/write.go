package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
//
// Every point carries the write time as its timestamp. Tags identify the
// device, content item or operation; fields hold the values.
const (
	MeasurementDeviceStatus     = "device_status"
	MeasurementDownloadProgress = "download_progress"
	MeasurementTransfer         = "transfer"
	MeasurementFanout           = "fanout"
	MeasurementEmergency        = "emergency"
)

// DeviceStatus is one snapshot of a device's effective state.
// The fleet handler writes one whenever a device's state changes, so the
// series doubles as an audit of emergency pins and releases.
type DeviceStatus struct {
	Token            string
	Online           bool
	Volume           int
	PlaylistStatus   string
	EmergencyStopped bool
}

// WriteDeviceStatus records a device status snapshot.
//
// Tags: token. Fields: online, volume, playlist_status, emergency_stopped.
func (c *Client) WriteDeviceStatus(s DeviceStatus) {
	c.writePoint(MeasurementDeviceStatus,
		map[string]string{"token": s.Token},
		map[string]any{
			"online":            s.Online,
			"volume":            s.Volume,
			"playlist_status":   s.PlaylistStatus,
			"emergency_stopped": s.EmergencyStopped,
		})
}

// WriteDownloadProgress records a device's reported download progress.
//
// Tags: token, content_id. Fields: percent (0-100).
func (c *Client) WriteDownloadProgress(token, contentID string, percent float64) {
	c.writePoint(MeasurementDownloadProgress,
		map[string]string{"token": token, "content_id": contentID},
		map[string]any{"percent": percent})
}

// WriteTransfer records a finished transfer.
//
// Tags: content_id, result ("ok", "integrity", "cancelled" or "error").
// Fields: bytes, seconds and, when elapsed is positive, bytes_per_sec.
func (c *Client) WriteTransfer(contentID, result string, bytes int64, elapsed time.Duration) {
	fields := map[string]any{
		"bytes":   bytes,
		"seconds": elapsed.Seconds(),
	}
	if elapsed > 0 {
		fields["bytes_per_sec"] = float64(bytes) / elapsed.Seconds()
	}
	c.writePoint(MeasurementTransfer,
		map[string]string{"content_id": contentID, "result": result},
		fields)
}

// WriteFanout records the outcome of one multi-device operation such as
// "emergency-stop" or "delete-success".
//
// Tags: operation. Fields: targeted, succeeded, failed.
func (c *Client) WriteFanout(operation string, targeted, succeeded int) {
	c.writePoint(MeasurementFanout,
		map[string]string{"operation": operation},
		map[string]any{
			"targeted":  targeted,
			"succeeded": succeeded,
			"failed":    targeted - succeeded,
		})
}

// WriteEmergency records an emergency transition.
func (c *Client) WriteEmergency(active bool, devicesUpdated int) {
	c.writePoint(MeasurementEmergency, nil, map[string]any{
		"active":          active,
		"devices_updated": devicesUpdated,
	})
}

// writePoint queues a point. It never blocks and drops the point when the
// client is nil or closed.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
