package content

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Entity types held in the catalogue.
const (
	EntitySong         = "song"
	EntityAnnouncement = "announcement"
	EntityPlaylist     = "playlist"
)

// Item is one catalogue entry.
type Item struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entityType"`
	Title      string    `json:"title,omitempty"`
	FileName   string    `json:"fileName"`
	SizeBytes  int64     `json:"sizeBytes"`
	SHA256     string    `json:"sha256,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ValidEntityType reports whether t is a catalogue entity type.
func ValidEntityType(t string) bool {
	switch t {
	case EntitySong, EntityAnnouncement, EntityPlaylist:
		return true
	}
	return false
}

// Validate checks the fields of an item.
func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.ContainsAny(i.ID, `/\`) {
		return fmt.Errorf("%w: id %q contains a path separator", ErrInvalid, i.ID)
	}
	if !ValidEntityType(i.EntityType) {
		return fmt.Errorf("%w: entity type %q", ErrInvalid, i.EntityType)
	}
	if i.FileName == "" || i.FileName != filepath.Base(i.FileName) || i.FileName == "." || i.FileName == ".." {
		return fmt.Errorf("%w: file name %q", ErrInvalid, i.FileName)
	}
	if i.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalid)
	}
	return nil
}
