package agent

import (
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// PlayerState is the agent's local view of playback.
type PlayerState struct {
	Volume           int    `json:"volume"`
	PlaylistStatus   string `json:"playlistStatus"`
	Playing          bool   `json:"playing"`
	EmergencyStopped bool   `json:"emergencyStopped"`
}

func defaultPlayerState() PlayerState {
	return PlayerState{Volume: 50, PlaylistStatus: protocol.PlaylistIdle}
}

// apply executes cmd against s and returns the messages that report the
// resulting state. ok is false for commands the player does not know.
func (s *PlayerState) apply(cmd protocol.Command) (reports []protocol.Message, ok bool) {
	switch cmd.Command {
	case protocol.CommandEmergencyStop:
		s.EmergencyStopped = true
		s.Playing = false
		s.Volume = 0
		s.PlaylistStatus = protocol.PlaylistEmergencyStopped

	case protocol.CommandEmergencyReset:
		s.EmergencyStopped = false
		if cmd.Volume != nil {
			s.Volume = clampVolume(*cmd.Volume)
		}
		s.Playing = cmd.ResumePlayback
		if s.Playing {
			s.PlaylistStatus = protocol.PlaylistLoaded
		} else {
			s.PlaylistStatus = protocol.PlaylistIdle
		}

	case protocol.CommandVolume:
		// Volume stays pinned at zero until the emergency is reset.
		if cmd.Volume != nil && !s.EmergencyStopped {
			s.Volume = clampVolume(*cmd.Volume)
		}
		return []protocol.Message{protocol.Volume{Volume: s.Volume}}, true

	case protocol.CommandPlay:
		if !s.EmergencyStopped {
			s.Playing = true
		}
		return []protocol.Message{s.status()}, true

	case protocol.CommandPause:
		s.Playing = false
		return []protocol.Message{s.status()}, true

	default:
		return nil, false
	}

	return []protocol.Message{
		protocol.PlaylistStatus{Status: s.PlaylistStatus},
		protocol.Volume{Volume: s.Volume},
	}, true
}

func (s *PlayerState) status() protocol.Status {
	online := true
	return protocol.Status{Online: &online, Playing: s.Playing}
}

func clampVolume(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
