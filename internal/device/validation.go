package device

import (
	"fmt"
	"unicode/utf8"

	"github.com/nerrad567/jukebox-core/internal/protocol"
)

const (
	// MaxTokenLength bounds device tokens.
	MaxTokenLength = 128

	// MaxNameLength bounds device names.
	MaxNameLength = 100
)

// ValidateToken checks a device token.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("%w: token exceeds %d characters", ErrInvalidToken, MaxTokenLength)
	}
	for _, r := range token {
		if r < 0x21 || r == 0x7f {
			return fmt.Errorf("%w: token contains whitespace or control characters", ErrInvalidToken)
		}
	}
	return nil
}

// ValidateState checks every field of s.
func ValidateState(s *State) error {
	if s == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidDevice)
	}
	if err := ValidateToken(s.Token); err != nil {
		return err
	}
	if utf8.RuneCountInString(s.Name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, MaxNameLength)
	}
	if s.Volume < 0 || s.Volume > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidVolume, s.Volume)
	}
	if s.ReportedVolume != nil && (*s.ReportedVolume < 0 || *s.ReportedVolume > 100) {
		return fmt.Errorf("%w: reported %d", ErrInvalidVolume, *s.ReportedVolume)
	}
	if !protocol.ValidPlaylistStatus(s.PlaylistStatus) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s.PlaylistStatus)
	}
	return nil
}
