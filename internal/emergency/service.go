package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/jukebox-core/internal/device"
	"github.com/nerrad567/jukebox-core/internal/fanout"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/metrics"
	"github.com/nerrad567/jukebox-core/internal/notification"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// EventName is the admin event broadcast on every transition.
const EventName = "emergency"

// Coordinator is the emergency override.
type Coordinator interface {
	Activate(ctx context.Context) (*Report, error)
	Deactivate(ctx context.Context) (*Report, error)
	IsActive() bool
}

// Devices is the slice of the device registry the coordinator writes through.
type Devices interface {
	UpdateAll(ctx context.Context, fn func(s *device.State) bool) ([]device.State, error)
	UpdateDevice(ctx context.Context, token string, fn func(s *device.State) error) (*device.State, error)
}

// Bus is the slice of the device bus the coordinator sends through.
type Bus interface {
	ConnectedDevices() []string
	SendToDevice(token string, msg protocol.Message) bool
	BroadcastToAdmins(msg protocol.Message)
}

// Report describes one transition.
type Report struct {
	Active          bool           `json:"active"`
	ActivatedAt     *time.Time     `json:"activatedAt,omitempty"`
	DevicesUpdated  int            `json:"devicesUpdated"`
	DevicesTargeted int            `json:"devicesTargeted"`
	DevicesAcked    int            `json:"devicesAcked"`
	Results         fanout.Summary `json:"results"`
}

// Telemetry records emergency transitions. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteEmergency(active bool, devicesUpdated int)
	WriteFanout(operation string, targeted, succeeded int)
}

// Deps holds the service dependencies. Store and Devices are required. Bus
// may be attached later with SetBus when the bus itself depends on the
// service.
type Deps struct {
	Store         StateStore
	Devices       Devices
	Bus           Bus
	Notifications notification.Repository
	Metrics       *metrics.Metrics
	Telemetry     Telemetry
	Logger        *logging.Logger

	// ResetVolume is applied to every stopped device on Deactivate.
	ResetVolume int

	// FanoutLimit bounds concurrent sends; zero means unbounded.
	FanoutLimit int
}

// Service implements Coordinator. Transitions are serialised by mu. The
// flag and activation time change only under flagMu, which Enforce holds
// for reading across its check, pin and send, so a stop can never be
// queued behind a Deactivate's reset. IsActive reads an atomic and never
// blocks.
type Service struct {
	store         StateStore
	devices       Devices
	bus           Bus
	notifications notification.Repository
	metrics       *metrics.Metrics
	telemetry     Telemetry
	logger        *logging.Logger
	resetVolume   int
	fanoutLimit   int
	now           func() time.Time

	mu          sync.Mutex
	flagMu      sync.RWMutex
	active      atomic.Bool
	activatedAt *time.Time
}

var _ Coordinator = (*Service)(nil)

// NewService restores the persisted state and returns the coordinator.
func NewService(ctx context.Context, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Devices == nil {
		return nil, fmt.Errorf("emergency: store and devices are required")
	}
	if deps.Bus == nil {
		deps.Bus = noBus{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.ResetVolume < 0 || deps.ResetVolume > 100 {
		return nil, fmt.Errorf("emergency: reset volume %d out of range", deps.ResetVolume)
	}

	st, err := deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading emergency state: %w", err)
	}

	s := &Service{
		store:         deps.Store,
		devices:       deps.Devices,
		bus:           deps.Bus,
		notifications: deps.Notifications,
		metrics:       deps.Metrics,
		telemetry:     deps.Telemetry,
		logger:        deps.Logger.With("component", "emergency"),
		resetVolume:   deps.ResetVolume,
		fanoutLimit:   deps.FanoutLimit,
		now:           func() time.Time { return time.Now().UTC() },
		activatedAt:   st.ActivatedAt,
	}
	s.active.Store(st.Active)
	if st.Active {
		s.logger.Warn("emergency active at startup", "activated_at", st.ActivatedAt)
	}
	return s, nil
}

// SetBus attaches the bus. Must be called before the bus starts serving.
func (s *Service) SetBus(b Bus) {
	s.bus = b
}

// noBus stands in until SetBus is called; nothing is connected.
type noBus struct{}

func (noBus) ConnectedDevices() []string                 { return nil }
func (noBus) SendToDevice(string, protocol.Message) bool { return false }
func (noBus) BroadcastToAdmins(protocol.Message)         {}

// IsActive reports whether an emergency is in force.
func (s *Service) IsActive() bool {
	return s.active.Load()
}

// Status returns the current flag and activation time.
// It does not wait for an in-progress fan-out.
func (s *Service) Status() State {
	s.flagMu.RLock()
	defer s.flagMu.RUnlock()
	return State{Active: s.active.Load(), ActivatedAt: s.activatedAt}
}

func (s *Service) setFlag(active bool, at *time.Time) {
	s.flagMu.Lock()
	s.active.Store(active)
	s.activatedAt = at
	s.flagMu.Unlock()
}

// Activate pins every device to the stopped state and sends
// emergency-stop to every connected device. Calling it again while active
// repeats the pin and the send.
func (s *Service) Activate(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.store.Save(ctx, State{Active: true, ActivatedAt: &now, UpdatedAt: now}); err != nil {
		return nil, err
	}
	s.setFlag(true, &now)

	updated, err := s.devices.UpdateAll(ctx, func(d *device.State) bool {
		return pin(d)
	})
	if err != nil {
		s.logger.Error("pinning devices failed", "error", err)
	}

	stop := protocol.Command{Command: protocol.CommandEmergencyStop, Reason: "emergency"}
	results := fanout.Run(ctx, s.bus.ConnectedDevices(), s.fanoutLimit, fanout.FromBool(func(token string) bool {
		return s.bus.SendToDevice(token, stop)
	}))

	report := &Report{
		Active:          true,
		ActivatedAt:     &now,
		DevicesUpdated:  len(updated),
		DevicesTargeted: results.Targeted(),
		DevicesAcked:    results.Succeeded(),
		Results:         results.Summary(),
	}
	s.finish(ctx, report, notification.TypeEmergencyActivated, "Emergency stop activated", protocol.CommandEmergencyStop)
	return report, nil
}

// Deactivate clears the stop on every pinned device, restores the
// configured volume and tells connected devices to resume.
func (s *Service) Deactivate(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.store.Save(ctx, State{Active: false, UpdatedAt: now}); err != nil {
		return nil, err
	}
	s.setFlag(false, nil)

	updated, err := s.devices.UpdateAll(ctx, func(d *device.State) bool {
		if !d.EmergencyStopped {
			return false
		}
		d.EmergencyStopped = false
		d.PlaylistStatus = protocol.PlaylistCompleted
		d.Volume = s.resetVolume
		return true
	})
	if err != nil {
		s.logger.Error("releasing devices failed", "error", err)
	}

	volume := s.resetVolume
	reset := protocol.Command{Command: protocol.CommandEmergencyReset, ResumePlayback: true, Volume: &volume}
	results := fanout.Run(ctx, s.bus.ConnectedDevices(), s.fanoutLimit, fanout.FromBool(func(token string) bool {
		return s.bus.SendToDevice(token, reset)
	}))

	report := &Report{
		Active:          false,
		DevicesUpdated:  len(updated),
		DevicesTargeted: results.Targeted(),
		DevicesAcked:    results.Succeeded(),
		Results:         results.Summary(),
	}
	s.finish(ctx, report, notification.TypeEmergencyDeactivated, "Emergency stop cleared", protocol.CommandEmergencyReset)
	return report, nil
}

// Enforce re-pins one device and re-sends emergency-stop to it. The fleet
// handler calls it when a device attaches or reports playback during an
// emergency. It returns ErrNotActive when no emergency is in force and
// fanout.ErrNotDelivered when the send failed.
func (s *Service) Enforce(ctx context.Context, token string) error {
	s.flagMu.RLock()
	defer s.flagMu.RUnlock()

	if _, err := s.devices.UpdateDevice(ctx, token, func(d *device.State) error {
		if !s.active.Load() {
			return ErrNotActive
		}
		pin(d)
		return nil
	}); err != nil {
		if errors.Is(err, ErrNotActive) {
			return ErrNotActive
		}
		return fmt.Errorf("pinning device %s: %w", token, err)
	}
	if !s.bus.SendToDevice(token, protocol.Command{Command: protocol.CommandEmergencyStop, Reason: "emergency"}) {
		return fanout.ErrNotDelivered
	}
	return nil
}

// pin forces the emergency-stopped state and reports whether anything changed.
func pin(d *device.State) bool {
	if d.EmergencyStopped && d.Volume == 0 && d.PlaylistStatus == protocol.PlaylistEmergencyStopped {
		return false
	}
	d.EmergencyStopped = true
	d.PlaylistStatus = protocol.PlaylistEmergencyStopped
	d.Volume = 0
	return true
}

func (s *Service) finish(ctx context.Context, report *Report, notificationType, title, operation string) {
	s.metrics.EmergencyTransition(report.Active)
	s.metrics.FanoutResult(operation, report.DevicesAcked, report.DevicesTargeted-report.DevicesAcked)
	if s.telemetry != nil {
		s.telemetry.WriteEmergency(report.Active, report.DevicesUpdated)
		s.telemetry.WriteFanout(operation, report.DevicesTargeted, report.DevicesAcked)
	}

	s.bus.BroadcastToAdmins(protocol.NewEvent(EventName, "", report))

	if s.notifications != nil {
		n := &notification.Notification{
			Type:    notificationType,
			Title:   title,
			Message: fmt.Sprintf("%d of %d connected devices acknowledged", report.DevicesAcked, report.DevicesTargeted),
			Details: map[string]any{
				"devicesTargeted": report.DevicesTargeted,
				"devicesAcked":    report.DevicesAcked,
				"devicesUpdated":  report.DevicesUpdated,
			},
		}
		if err := s.notifications.Create(ctx, n); err != nil {
			s.logger.Error("creating emergency notification failed", "error", err)
		}
	}

	s.logger.Warn("emergency state changed",
		"active", report.Active,
		"devices_targeted", report.DevicesTargeted,
		"devices_acked", report.DevicesAcked,
		"devices_updated", report.DevicesUpdated,
	)
}
