package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/jukebox-core/internal/checksum"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// Sender delivers a message to one connected device.
type Sender interface {
	SendToDevice(token string, msg protocol.Message) bool
}

// Telemetry records served downloads. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteTransfer(contentID, result string, bytes int64, elapsed time.Duration)
}

// Logger defines the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configure a Service.
type Options struct {
	// MediaDir holds the files named by Item.FileName.
	MediaDir string

	// PublicURL is the externally reachable base URL of the control plane,
	// e.g. "http://jukebox.local:8080". Offers carry PublicURL/content/<id>.
	PublicURL string

	Sender    Sender
	Telemetry Telemetry
	Logger    Logger
}

// Service ties the catalogue to the media directory and the device bus.
type Service struct {
	repo      Repository
	mediaDir  string
	publicURL string
	sender    Sender
	telemetry Telemetry
	sums      *checksum.Service
	logger    Logger

	// file names of items deleted but not yet cleaned up
	pendingMu sync.Mutex
	pending   map[string]string
}

// NewService creates a content service.
func NewService(repo Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{
		repo:      repo,
		mediaDir:  opts.MediaDir,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		sender:    opts.Sender,
		telemetry: opts.Telemetry,
		sums:      checksum.Default(),
		logger:    logger,
		pending:   make(map[string]string),
	}
}

// SetSender wires the bus after construction.
func (s *Service) SetSender(sender Sender) {
	s.sender = sender
}

// Repository returns the underlying repository.
func (s *Service) Repository() Repository {
	return s.repo
}

// Import adds an item whose file already sits in the media directory.
// Size and SHA-256 are computed from the file when not set.
func (s *Service) Import(ctx context.Context, item Item) (*Item, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	path := s.path(item.FileName)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat media file: %w", err)
	}
	if item.SizeBytes == 0 {
		item.SizeBytes = info.Size()
	}
	if item.SHA256 == "" {
		digest, err := s.sums.SumFile(path)
		if err != nil {
			return nil, err
		}
		item.SHA256 = digest
	}
	if err := s.repo.Create(ctx, &item); err != nil {
		return nil, err
	}
	s.logger.Info("content imported", "content_id", item.ID, "entity_type", item.EntityType, "size", item.SizeBytes)
	return &item, nil
}

// URL returns the download URL for an item.
func (s *Service) URL(id string) string {
	return s.publicURL + "/content/" + url.PathEscape(id)
}

// Message builds the protocol offer for an item.
func (s *Service) Message(item *Item) protocol.Content {
	return protocol.Content{
		ContentID:  item.ID,
		EntityType: item.EntityType,
		Title:      item.Title,
		URL:        s.URL(item.ID),
		Digest:     item.SHA256,
		Size:       item.SizeBytes,
	}
}

// Offer assigns an item to a device and unicasts the offer. The
// assignment is kept even when delivery fails so the device picks it up
// from getDownloadState after reconnecting.
func (s *Service) Offer(ctx context.Context, token, id string) (*protocol.Content, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Assign(ctx, token, id); err != nil {
		return nil, err
	}

	msg := s.Message(item)
	if s.sender == nil || !s.sender.SendToDevice(token, msg) {
		s.logger.Warn("content offer not delivered", "device_token", token, "content_id", id)
		return &msg, ErrNotDelivered
	}
	s.logger.Info("content offered", "device_token", token, "content_id", id)
	return &msg, nil
}

// Manifest lists the offers for everything assigned to a device.
func (s *Service) Manifest(ctx context.Context, token string) ([]protocol.Content, error) {
	items, err := s.repo.AssignedTo(ctx, token)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Content, 0, len(items))
	for i := range items {
		out = append(out, s.Message(&items[i]))
	}
	return out, nil
}

// ServeHTTP streams the item named by the {id} route parameter. Range,
// If-Range and HEAD requests are handled by http.ServeContent.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("content lookup failed", "content_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	f, err := os.Open(s.path(item.FileName))
	if err != nil {
		s.logger.Error("opening media file", "content_id", id, "error", err)
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if item.SHA256 != "" {
		w.Header().Set("ETag", `"`+item.SHA256+`"`)
		w.Header().Set("X-Content-SHA256", item.SHA256)
	}
	if s.telemetry == nil || r.Method == http.MethodHead {
		http.ServeContent(w, r, item.FileName, info.ModTime(), f)
		return
	}

	cw := &countingWriter{ResponseWriter: w}
	start := time.Now()
	http.ServeContent(cw, r, item.FileName, info.ModTime(), f)

	result := "ok"
	switch {
	case r.Context().Err() != nil:
		result = "cancelled"
	case cw.status >= http.StatusBadRequest:
		result = "error"
	}
	s.telemetry.WriteTransfer(item.ID, result, cw.n, time.Since(start))
}

// countingWriter tracks bytes written and the response status.
type countingWriter struct {
	http.ResponseWriter
	n      int64
	status int
}

func (c *countingWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.ResponseWriter.Write(b)
	c.n += int64(n)
	return n, err
}

func (s *Service) path(fileName string) string {
	return filepath.Join(s.mediaDir, filepath.Base(fileName))
}

// DeleteHandler adapts the service to the delete coordinator for one
// entity type.
func (s *Service) DeleteHandler(entityType string) *DeleteHandler {
	return &DeleteHandler{svc: s, entityType: entityType}
}

// DeleteHandler removes catalogue items of one entity type.
type DeleteHandler struct {
	svc        *Service
	entityType string
}

// Targets returns the devices the item is assigned to.
func (h *DeleteHandler) Targets(ctx context.Context, id string) ([]string, error) {
	if _, err := h.lookup(ctx, id); err != nil {
		return nil, err
	}
	return h.svc.repo.Holders(ctx, id)
}

// Delete removes the catalogue row and its assignments.
func (h *DeleteHandler) Delete(ctx context.Context, id string) error {
	item, err := h.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := h.svc.repo.Delete(ctx, id); err != nil {
		return err
	}
	h.svc.pendingMu.Lock()
	h.svc.pending[id] = item.FileName
	h.svc.pendingMu.Unlock()
	return nil
}

// Cleanup removes the media file of a deleted item.
func (h *DeleteHandler) Cleanup(_ context.Context, id string) error {
	h.svc.pendingMu.Lock()
	fileName, ok := h.svc.pending[id]
	delete(h.svc.pending, id)
	h.svc.pendingMu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(h.svc.path(fileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing media file: %w", err)
	}
	return nil
}

func (h *DeleteHandler) lookup(ctx context.Context, id string) (*Item, error) {
	item, err := h.svc.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.EntityType != h.entityType {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotFound, id, item.EntityType)
	}
	return item, nil
}
