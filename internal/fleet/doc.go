// Package fleet applies device bus traffic to the device registry.
//
// Handler implements bus.Handler and bus.TokenValidator. It records what
// each device reports, keeps the effective state pinned while an emergency
// is active, answers download-state queries from the content catalogue and
// relays everything of interest to admin connections as events.
//
// Emergency precedence: a device's reported volume and playlist status are
// always stored, but they only become the effective state when the device
// is not emergency-stopped and no emergency is active. A device that
// reports playback during an emergency is re-pinned and sent another
// emergency-stop.
package fleet
