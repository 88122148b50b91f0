// Package deletion runs the three-phase delete of a content entity across
// the devices that hold it.
//
// Phases: started is broadcast to every connected target, the entity is
// removed from the store, then success (or error, with the message) is
// broadcast to the same targets. A failed send to one device is counted
// and logged; it never stops the phase for the rest.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/jukebox-core/internal/fanout"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/metrics"
	"github.com/nerrad567/jukebox-core/internal/notification"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// EventName is the admin event broadcast when a delete finishes.
const EventName = "delete"

// ErrUnknownEntityType is returned for an entity type with no handler.
// Nothing is broadcast in that case.
var ErrUnknownEntityType = errors.New("deletion: unknown entity type")

// Handler performs the entity-specific parts of a delete.
type Handler interface {
	// Targets lists the devices holding the entity. An error aborts the
	// delete before anything is broadcast.
	Targets(ctx context.Context, entityID string) ([]string, error)

	// Delete removes the entity from the store.
	Delete(ctx context.Context, entityID string) error

	// Cleanup removes server-side leftovers after a successful delete.
	Cleanup(ctx context.Context, entityID string) error
}

// Bus is the slice of the device bus used for the phase broadcasts.
type Bus interface {
	IsConnected(token string) bool
	SendToDevice(token string, msg protocol.Message) bool
	BroadcastToAdmins(msg protocol.Message)
}

// Report summarises one delete.
type Report struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Phase      string         `json:"phase"`
	Targeted   int            `json:"targeted"`
	Succeeded  int            `json:"succeeded"`
	Pre        fanout.Summary `json:"pre"`
	Post       fanout.Summary `json:"post"`
	Error      string         `json:"error,omitempty"`
}

// Deps holds the coordinator dependencies. Bus is required.
type Deps struct {
	Bus           Bus
	Notifications notification.Repository
	Metrics       *metrics.Metrics
	Telemetry     Telemetry
	Logger        *logging.Logger
	FanoutLimit   int
}

// Telemetry records fanout outcomes. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteFanout(operation string, targeted, succeeded int)
}

// Coordinator dispatches deletes to per-entity-type handlers.
type Coordinator struct {
	bus           Bus
	notifications notification.Repository
	metrics       *metrics.Metrics
	telemetry     Telemetry
	logger        *logging.Logger
	limit         int

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Coordinator with no handlers registered.
func New(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		bus:           deps.Bus,
		notifications: deps.Notifications,
		metrics:       deps.Metrics,
		telemetry:     deps.Telemetry,
		logger:        logger.With("component", "deletion"),
		limit:         deps.FanoutLimit,
		handlers:      make(map[string]Handler),
	}
}

// Register installs h for entityType, replacing any earlier handler.
func (c *Coordinator) Register(entityType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[entityType] = h
}

// EntityTypes lists the registered entity types in sorted order.
func (c *Coordinator) EntityTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Delete runs the three phases for one entity. On a store failure the
// returned Report has phase error and the error is returned alongside it.
func (c *Coordinator) Delete(ctx context.Context, entityType, entityID string) (*Report, error) {
	c.mu.RLock()
	h, ok := c.handlers[entityType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}

	holders, err := h.Targets(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("resolving delete targets: %w", err)
	}
	targets := make([]string, 0, len(holders))
	for _, token := range holders {
		if c.bus.IsConnected(token) {
			targets = append(targets, token)
		}
	}

	report := &Report{EntityType: entityType, EntityID: entityID, Targeted: len(targets)}
	log := c.logger.With("entity_type", entityType, "entity_id", entityID)

	pre := c.broadcast(ctx, targets, protocol.Delete{
		Action: protocol.DeleteStarted, EntityType: entityType, EntityID: entityID,
	})
	report.Pre = pre.Summary()
	c.logFailures(log, protocol.DeleteStarted, pre)

	if err := h.Delete(ctx, entityID); err != nil {
		return c.handleError(ctx, log, report, targets, err)
	}

	if err := h.Cleanup(ctx, entityID); err != nil {
		log.Warn("delete cleanup failed", "error", err)
	}

	post := c.broadcast(ctx, targets, protocol.Delete{
		Action: protocol.DeleteSuccess, EntityType: entityType, EntityID: entityID,
	})
	c.logFailures(log, protocol.DeleteSuccess, post)
	report.Post = post.Summary()
	report.Phase = protocol.DeleteSuccess
	report.Succeeded = post.Succeeded()

	c.finish(report, pre, post)
	log.Info("entity deleted", "targeted", report.Targeted, "succeeded", report.Succeeded)
	return report, nil
}

func (c *Coordinator) handleError(ctx context.Context, log *logging.Logger, report *Report, targets []string, cause error) (*Report, error) {
	msg := cause.Error()
	post := c.broadcast(ctx, targets, protocol.Delete{
		Action: protocol.DeleteError, EntityType: report.EntityType, EntityID: report.EntityID, Error: msg,
	})
	c.logFailures(log, protocol.DeleteError, post)
	report.Post = post.Summary()
	report.Phase = protocol.DeleteError
	report.Succeeded = post.Succeeded()
	report.Error = msg

	if c.notifications != nil {
		n := &notification.Notification{
			Type:    notification.TypeDeleteFailed,
			Title:   fmt.Sprintf("Delete of %s %s failed", report.EntityType, report.EntityID),
			Message: msg,
			Details: map[string]any{
				"entityType": report.EntityType,
				"entityId":   report.EntityID,
				"targeted":   report.Targeted,
				"notified":   report.Succeeded,
			},
		}
		if err := c.notifications.Create(ctx, n); err != nil {
			log.Error("creating delete notification failed", "error", err)
		}
	}

	c.finish(report, nil, post)
	log.Error("entity delete failed", "error", cause)
	return report, fmt.Errorf("deleting %s %s: %w", report.EntityType, report.EntityID, cause)
}

func (c *Coordinator) broadcast(ctx context.Context, targets []string, msg protocol.Delete) fanout.Results {
	return fanout.Run(ctx, targets, c.limit, fanout.FromBool(func(token string) bool {
		return c.bus.SendToDevice(token, msg)
	}))
}

func (c *Coordinator) logFailures(log *logging.Logger, phase string, rs fanout.Results) {
	for _, r := range rs {
		if !r.OK() {
			log.Warn("delete notice not delivered", "phase", phase, "device_token", r.Target, "error", r.Err)
		}
	}
}

func (c *Coordinator) finish(report *Report, pre, post fanout.Results) {
	c.metrics.DeleteFinished(report.EntityType, report.Phase)
	if pre != nil {
		c.metrics.FanoutResult("delete-started", pre.Succeeded(), len(pre.Failed()))
	}
	c.metrics.FanoutResult("delete-"+report.Phase, post.Succeeded(), len(post.Failed()))
	if c.telemetry != nil {
		c.telemetry.WriteFanout("delete-"+report.Phase, report.Targeted, post.Succeeded())
	}
	c.bus.BroadcastToAdmins(protocol.NewEvent(EventName, "", report))
}
