package device

import (
	"time"

	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// Defaults applied to newly enrolled devices.
const (
	DefaultVolume         = 50
	DefaultPlaylistStatus = protocol.PlaylistIdle
)

// State is the persisted record for one jukebox.
type State struct {
	// Token is the device's opaque identity and bus address.
	Token string `json:"token"`

	// Name is a human label, e.g. "Lobby".
	Name string `json:"name"`

	IsOnline bool `json:"isOnline"`

	// Volume and PlaylistStatus are the effective values enforced by the
	// control plane.
	Volume         int    `json:"volume"`
	PlaylistStatus string `json:"playlistStatus"`

	// EmergencyStopped is set by the emergency coordinator and pins the
	// effective state until the emergency is cleared.
	EmergencyStopped bool `json:"emergencyStopped"`

	// ReportedVolume and ReportedPlaylistStatus are the device's own claims.
	ReportedVolume         *int    `json:"reportedVolume,omitempty"`
	ReportedPlaylistStatus *string `json:"reportedPlaylistStatus,omitempty"`

	CurrentSongID string     `json:"currentSongId,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// DeepCopy returns a copy that shares no pointers with s.
func (s *State) DeepCopy() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.ReportedVolume != nil {
		v := *s.ReportedVolume
		c.ReportedVolume = &v
	}
	if s.ReportedPlaylistStatus != nil {
		v := *s.ReportedPlaylistStatus
		c.ReportedPlaylistStatus = &v
	}
	if s.LastSeenAt != nil {
		v := *s.LastSeenAt
		c.LastSeenAt = &v
	}
	return &c
}

// Stats summarises the fleet for monitoring.
type Stats struct {
	TotalDevices     int            `json:"total_devices"`
	Online           int            `json:"online"`
	EmergencyStopped int            `json:"emergency_stopped"`
	ByStatus         map[string]int `json:"by_status"`
}
