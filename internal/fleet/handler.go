package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/jukebox-core/internal/device"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/jukebox-core/internal/notification"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// Admin event names emitted by the handler.
const (
	EventDeviceConnected    = "device:connected"
	EventDeviceDisconnected = "device:disconnected"
	EventDeviceStatus       = "device:status"
	EventPlaylistStatus     = "device:playlist"
	EventVolume             = "device:volume"
	EventDownloadProgress   = "download:progress"
	EventScreenshot         = "device:screenshot"
	EventDeviceError        = "device:error"
	EventDeviceCommand      = "device:command"
	EventDeleteAck          = "delete:ack"
)

// Devices is the subset of *device.Registry the handler uses.
type Devices interface {
	GetDevice(ctx context.Context, token string) (*device.State, error)
	EnsureDevice(ctx context.Context, token, name string) (*device.State, bool, error)
	UpdateDevice(ctx context.Context, token string, fn func(s *device.State) error) (*device.State, error)
	SetOnline(ctx context.Context, token string, online bool) (*device.State, error)
}

// Emergency is the subset of *emergency.Service the handler uses.
type Emergency interface {
	IsActive() bool
	Enforce(ctx context.Context, token string) error
}

// Bus is the subset of *bus.Bus the handler uses.
type Bus interface {
	SendToDevice(token string, msg protocol.Message) bool
	BroadcastToAdmins(msg protocol.Message)
}

// Manifests returns the content assigned to a device.
type Manifests interface {
	Manifest(ctx context.Context, token string) ([]protocol.Content, error)
}

// Telemetry receives device telemetry. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteDeviceStatus(s influxdb.DeviceStatus)
	WriteDownloadProgress(token, contentID string, percent float64)
}

// StatePublisher receives every device state change. The MQTT relay
// satisfies it.
type StatePublisher interface {
	PublishDeviceState(s device.State)
}

// Logger is the logging interface used by the handler.
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

// Deps holds the handler dependencies. Devices and Emergency are required;
// the bus is attached later with SetBus because the bus needs the handler
// at construction.
type Deps struct {
	Devices       Devices
	Emergency     Emergency
	Content       Manifests
	Playback      device.PlaybackRepository
	Notifications notification.Repository
	Telemetry     Telemetry
	States        StatePublisher
	Logger        Logger

	// CompletedThreshold is the played fraction at which a song counts as
	// completed in playback history.
	CompletedThreshold float64

	// AutoEnroll creates device records for unknown tokens on register.
	AutoEnroll bool
}

// Handler routes device messages into the registry.
type Handler struct {
	devices       Devices
	emergency     Emergency
	content       Manifests
	playback      device.PlaybackRepository
	notifications notification.Repository
	telemetry     Telemetry
	states        StatePublisher
	logger        Logger
	threshold     float64
	autoEnroll    bool

	bus Bus
}

// New creates a handler.
func New(deps Deps) (*Handler, error) {
	if deps.Devices == nil {
		return nil, fmt.Errorf("%w: devices", ErrMissingDependency)
	}
	if deps.Emergency == nil {
		return nil, fmt.Errorf("%w: emergency", ErrMissingDependency)
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Handler{
		devices:       deps.Devices,
		emergency:     deps.Emergency,
		content:       deps.Content,
		playback:      deps.Playback,
		notifications: deps.Notifications,
		telemetry:     deps.Telemetry,
		states:        deps.States,
		logger:        logger,
		threshold:     deps.CompletedThreshold,
		autoEnroll:    deps.AutoEnroll,
	}, nil
}

// SetBus attaches the bus. Must be called before the bus starts serving.
func (h *Handler) SetBus(b Bus) {
	h.bus = b
}

// ValidateDeviceToken accepts known tokens, and unknown ones when
// auto-enrolment is on.
func (h *Handler) ValidateDeviceToken(ctx context.Context, token, name string) error {
	if err := device.ValidateToken(token); err != nil {
		return err
	}
	_, err := h.devices.GetDevice(ctx, token)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, device.ErrDeviceNotFound):
		return fmt.Errorf("looking up device: %w", err)
	case !h.autoEnroll:
		return ErrUnknownDevice
	}

	if _, created, err := h.devices.EnsureDevice(ctx, token, name); err != nil {
		return fmt.Errorf("enrolling device: %w", err)
	} else if created {
		h.logger.Info("device enrolled", "device_token", token, "name", name)
	}
	return nil
}

// OnAttach marks the device online and re-applies an active emergency.
func (h *Handler) OnAttach(ctx context.Context, token string) {
	s, err := h.devices.SetOnline(ctx, token, true)
	if err != nil {
		h.logger.Warn("marking device online", "device_token", token, "error", err)
		return
	}

	if h.emergency.IsActive() {
		h.enforce(ctx, token)
		if pinned, err := h.devices.GetDevice(ctx, token); err == nil {
			s = pinned
		}
	}

	h.stateChanged(s)
	h.event(EventDeviceConnected, token, s)
}

// OnDetach marks the device offline.
func (h *Handler) OnDetach(ctx context.Context, token string) {
	s, err := h.devices.SetOnline(ctx, token, false)
	if err != nil {
		h.logger.Warn("marking device offline", "device_token", token, "error", err)
		return
	}
	h.stateChanged(s)
	h.event(EventDeviceDisconnected, token, nil)
}

// HandleDeviceMessage applies one decoded device message.
func (h *Handler) HandleDeviceMessage(ctx context.Context, token string, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Status:
		h.handleStatus(ctx, token, m)
	case protocol.PlaylistStatus:
		h.handlePlaylistStatus(ctx, token, m)
	case protocol.Volume:
		h.handleVolume(ctx, token, m)
	case protocol.DownloadProgress:
		h.handleDownloadProgress(ctx, token, m)
	case protocol.GetDownloadState:
		h.handleGetDownloadState(ctx, token)
	case protocol.Screenshot:
		h.event(EventScreenshot, token, m)
	case protocol.Error:
		h.handleDeviceError(ctx, token, m)
	case protocol.Command:
		h.event(EventDeviceCommand, token, m)
	case protocol.Delete:
		h.event(EventDeleteAck, token, m)
	default:
		h.logger.Warn("unhandled device message", "device_token", token, "type", msg.MessageType())
	}
}

func (h *Handler) handleStatus(ctx context.Context, token string, m protocol.Status) {
	now := time.Now().UTC()
	s, err := h.devices.UpdateDevice(ctx, token, func(s *device.State) error {
		if m.Online != nil {
			s.IsOnline = *m.Online
		}
		s.CurrentSongID = m.CurrentSongID
		s.LastSeenAt = &now
		return nil
	})
	if err != nil {
		h.logger.Warn("applying status", "device_token", token, "error", err)
		return
	}

	if m.CurrentSongID != "" && m.Duration > 0 {
		h.recordPlayback(ctx, token, m)
	}
	if m.Playing && h.emergency.IsActive() {
		h.enforce(ctx, token)
	}

	h.stateChanged(s)
	h.event(EventDeviceStatus, token, m)
}

func (h *Handler) recordPlayback(ctx context.Context, token string, m protocol.Status) {
	if h.playback == nil {
		return
	}
	rec := &device.PlaybackRecord{
		Token:           token,
		SongID:          m.CurrentSongID,
		PositionSeconds: m.Position,
		DurationSeconds: m.Duration,
		Completed:       device.IsCompleted(m.Position, m.Duration, h.threshold),
	}
	if err := h.playback.Record(ctx, rec); err != nil {
		h.logger.Warn("recording playback", "device_token", token, "song_id", m.CurrentSongID, "error", err)
	}
}

func (h *Handler) handlePlaylistStatus(ctx context.Context, token string, m protocol.PlaylistStatus) {
	if !protocol.ValidPlaylistStatus(m.Status) {
		h.reject(token, fmt.Sprintf("unknown playlist status %q", m.Status), "invalid_status")
		return
	}

	var pinned bool
	s, err := h.devices.UpdateDevice(ctx, token, func(s *device.State) error {
		status := m.Status
		s.ReportedPlaylistStatus = &status
		pinned = h.pinned(s)
		if !pinned {
			s.PlaylistStatus = status
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("applying playlist status", "device_token", token, "error", err)
		return
	}
	if pinned && m.Status != protocol.PlaylistEmergencyStopped {
		h.enforce(ctx, token)
	}

	h.stateChanged(s)
	h.event(EventPlaylistStatus, token, m)
}

func (h *Handler) handleVolume(ctx context.Context, token string, m protocol.Volume) {
	if m.Volume < 0 || m.Volume > 100 {
		h.reject(token, fmt.Sprintf("volume %d out of range", m.Volume), "invalid_volume")
		return
	}

	var pinned bool
	s, err := h.devices.UpdateDevice(ctx, token, func(s *device.State) error {
		v := m.Volume
		s.ReportedVolume = &v
		pinned = h.pinned(s)
		if !pinned {
			s.Volume = v
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("applying volume", "device_token", token, "error", err)
		return
	}
	if pinned && m.Volume != 0 {
		h.enforce(ctx, token)
	}

	h.stateChanged(s)
	h.event(EventVolume, token, m)
}

func (h *Handler) handleDownloadProgress(ctx context.Context, token string, m protocol.DownloadProgress) {
	if h.telemetry != nil {
		h.telemetry.WriteDownloadProgress(token, m.ContentID, m.Progress)
	}
	if m.Error != "" {
		h.notify(ctx, &notification.Notification{
			Type:        notification.TypeTransferFailed,
			Title:       "Content download failed",
			Message:     fmt.Sprintf("%s: %s", m.ContentID, m.Error),
			DeviceToken: token,
			Details: map[string]any{
				"content_id":       m.ContentID,
				"bytes_downloaded": m.BytesDownloaded,
				"total_bytes":      m.TotalBytes,
			},
		})
	}
	h.event(EventDownloadProgress, token, m)
}

func (h *Handler) handleGetDownloadState(ctx context.Context, token string) {
	items := []protocol.Content{}
	if h.content != nil {
		manifest, err := h.content.Manifest(ctx, token)
		if err != nil {
			h.logger.Warn("building download manifest", "device_token", token, "error", err)
			h.reject(token, "download state unavailable", "internal_error")
			return
		}
		items = append(items, manifest...)
	}
	if h.bus != nil && !h.bus.SendToDevice(token, protocol.DownloadState{Items: items}) {
		h.logger.Debug("download state not delivered", "device_token", token)
	}
}

func (h *Handler) handleDeviceError(ctx context.Context, token string, m protocol.Error) {
	h.logger.Warn("device reported error", "device_token", token, "code", m.Code, "message", m.Message)
	h.notify(ctx, &notification.Notification{
		Type:        notification.TypeDeviceError,
		Title:       "Device error",
		Message:     m.Message,
		DeviceToken: token,
		Details:     map[string]any{"code": m.Code},
	})
	h.event(EventDeviceError, token, m)
}

// pinned reports whether reported playback must stay out of the effective
// state. The coordinator's flag decides; a stop flag left on the device with
// no emergency in force is cleared so the report applies.
func (h *Handler) pinned(s *device.State) bool {
	if h.emergency.IsActive() {
		return true
	}
	if s.EmergencyStopped {
		s.EmergencyStopped = false
		h.logger.Warn("cleared stale emergency stop", "device_token", s.Token)
	}
	return false
}

// enforce re-applies the emergency to one device. Delivery failures are
// expected for flapping devices; the next attach converges them.
func (h *Handler) enforce(ctx context.Context, token string) {
	if err := h.emergency.Enforce(ctx, token); err != nil {
		h.logger.Warn("enforcing emergency stop", "device_token", token, "error", err)
	}
}

func (h *Handler) reject(token, message, code string) {
	h.logger.Warn("rejected device message", "device_token", token, "reason", message)
	if h.bus != nil {
		h.bus.SendToDevice(token, protocol.Error{Message: message, Code: code})
	}
}

func (h *Handler) notify(ctx context.Context, n *notification.Notification) {
	if h.notifications == nil {
		return
	}
	if err := h.notifications.Create(ctx, n); err != nil {
		h.logger.Error("creating notification", "type", n.Type, "error", err)
	}
}

func (h *Handler) event(name, token string, payload any) {
	if h.bus != nil {
		h.bus.BroadcastToAdmins(protocol.NewEvent(name, token, payload))
	}
}

func (h *Handler) stateChanged(s *device.State) {
	if s == nil {
		return
	}
	if h.states != nil {
		h.states.PublishDeviceState(*s)
	}
	if h.telemetry != nil {
		h.telemetry.WriteDeviceStatus(influxdb.DeviceStatus{
			Token:            s.Token,
			Online:           s.IsOnline,
			Volume:           s.Volume,
			PlaylistStatus:   s.PlaylistStatus,
			EmergencyStopped: s.EmergencyStopped,
		})
	}
}
