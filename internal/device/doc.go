// Package device keeps the control plane's view of every jukebox.
//
// Each device is a State record keyed by its token. Effective fields
// (Volume, PlaylistStatus) are what the control plane enforces; the
// Reported* fields hold what the device last claimed, which can differ while
// an emergency pins the effective state.
//
// # Architecture
//
//	┌──────────────────┐    ┌──────────────────┐
//	│     Registry     │───▶│    Repository    │──▶ devices table
//	│ • deep-copy cache│    │ • SQLite queries │
//	│ • serialised     │    └──────────────────┘
//	│   mutations      │
//	└──────────────────┘
//	┌──────────────────┐
//	│ PlaybackRepository│──▶ playback_history table
//	└──────────────────┘
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	state, err := registry.UpdateDevice(ctx, token, func(s *device.State) error {
//	    s.Volume = 40
//	    return nil
//	})
//
// # Thread Safety
//
// The Registry is safe for concurrent use. UpdateDevice runs read-modify-write
// cycles one at a time, so the fleet handler and the emergency coordinator
// never overwrite each other's changes.
package device
