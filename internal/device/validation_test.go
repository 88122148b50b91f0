package device

import (
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/jukebox-core/internal/protocol"
)

func TestValidateState(t *testing.T) {
	neg := -1
	tests := []struct {
		name    string
		state   *State
		wantErr error
	}{
		{"valid", &State{Token: "jb-1", Volume: 50, PlaylistStatus: protocol.PlaylistIdle}, nil},
		{"nil", nil, ErrInvalidDevice},
		{"empty token", &State{Volume: 50, PlaylistStatus: protocol.PlaylistIdle}, ErrInvalidToken},
		{"token with space", &State{Token: "jb 1", PlaylistStatus: protocol.PlaylistIdle}, ErrInvalidToken},
		{"long token", &State{Token: strings.Repeat("x", MaxTokenLength+1), PlaylistStatus: protocol.PlaylistIdle}, ErrInvalidToken},
		{"long name", &State{Token: "jb-1", Name: strings.Repeat("n", MaxNameLength+1), PlaylistStatus: protocol.PlaylistIdle}, ErrInvalidDevice},
		{"volume high", &State{Token: "jb-1", Volume: 101, PlaylistStatus: protocol.PlaylistIdle}, ErrInvalidVolume},
		{"reported volume negative", &State{Token: "jb-1", ReportedVolume: &neg, PlaylistStatus: protocol.PlaylistIdle}, ErrInvalidVolume},
		{"unknown status", &State{Token: "jb-1", PlaylistStatus: "paused"}, ErrInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateState(tt.state)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateState() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateState() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
