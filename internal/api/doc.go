// Package api implements the admin HTTP surface of the jukebox control plane.
//
// This package provides:
//   - Emergency override control and status
//   - Device listing, unicast commands and content offers
//   - Three-phase entity deletes across the fleet
//   - Notification listing, health and metrics endpoints
//   - Mount points for the device and admin WebSocket routes of the bus
//   - Byte-range content serving for device downloads
//
// # Security
//
// Admin routes require an HS256 bearer token whose role grants the route's
// permission (see package auth). The admin WebSocket authenticates with a
// single-use ticket so the bearer token never appears in a URL. Device
// routes authenticate on the bus with the device token. Requests are rate
// limited per client IP when enabled in configuration.
//
// # Graceful Degradation
//
// MQTT and InfluxDB are optional. The health endpoint reports each
// dependency separately and answers 503 when a required one fails.
package api
