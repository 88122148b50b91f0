// Package emergency implements the fleet-wide emergency override.
//
// While an emergency is active every device is pinned to volume 0 and the
// emergency-stopped playlist status. Reports a device makes during that
// window only update its reported_* fields; Enforce re-pins the effective
// state and re-sends the stop command. The active flag survives restarts
// through a StateStore (memory, SQLite or Redis).
package emergency
