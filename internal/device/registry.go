package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device state management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync by
// every write. All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*State // Cached devices by token
	cacheMu sync.RWMutex      // Protects cache
	writeMu sync.Mutex        // Serialises read-modify-write cycles
	logger  Logger
	now     func() time.Time
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*State),
		logger: noopLogger{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	states, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*State, len(states))
	for i := range states {
		r.cache[states[i].Token] = states[i].DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(states))
	return nil
}

// GetDevice retrieves a device by token.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned state is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, token string) (*State, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[token]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	s, err := r.repo.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[token] = s.DeepCopy()
	r.cacheMu.Unlock()
	return s, nil
}

// ListDevices returns every device ordered by token.
// The returned states are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]State, error) {
	r.cacheMu.RLock()
	if len(r.cache) > 0 {
		states := make([]State, 0, len(r.cache))
		for _, s := range r.cache {
			states = append(states, *s.DeepCopy())
		}
		r.cacheMu.RUnlock()
		sort.Slice(states, func(i, j int) bool { return states[i].Token < states[j].Token })
		return states, nil
	}
	r.cacheMu.RUnlock()

	return r.repo.List(ctx)
}

// Tokens returns every known device token, ordered.
func (r *Registry) Tokens(ctx context.Context) ([]string, error) {
	states, err := r.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, len(states))
	for i := range states {
		tokens[i] = states[i].Token
	}
	return tokens, nil
}

// CreateDevice validates and persists a new device, filling defaults for
// an empty playlist status.
func (r *Registry) CreateDevice(ctx context.Context, s *State) error {
	if s.PlaylistStatus == "" {
		s.PlaylistStatus = DefaultPlaylistStatus
	}
	if err := ValidateState(s); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.repo.Create(ctx, s); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[s.Token] = s.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "device_token", s.Token, "name", s.Name)
	return nil
}

// EnsureDevice returns the device for token, enrolling it with default
// volume and status when it does not exist yet.
func (r *Registry) EnsureDevice(ctx context.Context, token, name string) (*State, bool, error) {
	existing, err := r.GetDevice(ctx, token)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, false, err
	}

	s := &State{
		Token:          token,
		Name:           name,
		Volume:         DefaultVolume,
		PlaylistStatus: DefaultPlaylistStatus,
	}
	if err := r.CreateDevice(ctx, s); err != nil {
		if errors.Is(err, ErrDeviceExists) {
			existing, getErr := r.GetDevice(ctx, token)
			return existing, false, getErr
		}
		return nil, false, err
	}
	return s.DeepCopy(), true, nil
}

// UpdateDevice applies fn to a copy of the device and persists the result.
// Calls are serialised, so concurrent updates never lose each other's
// changes. If fn returns an error nothing is written.
func (r *Registry) UpdateDevice(ctx context.Context, token string, fn func(s *State) error) (*State, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	s, err := r.GetDevice(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.Token = token
	if err := ValidateState(s); err != nil {
		return nil, err
	}
	if err := r.repo.Update(ctx, s); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[token] = s.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Debug("device state updated", "device_token", token)
	return s.DeepCopy(), nil
}

// UpdateAll applies fn to every device. Devices for which fn reports no
// change are not written. It returns the updated states; a failing device
// is logged and skipped so the rest still converge.
func (r *Registry) UpdateAll(ctx context.Context, fn func(s *State) (changed bool)) ([]State, error) {
	tokens, err := r.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	var updated []State
	for _, token := range tokens {
		var changed bool
		s, err := r.UpdateDevice(ctx, token, func(s *State) error {
			changed = fn(s)
			if !changed {
				return errUnchanged
			}
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			r.logger.Warn("device update failed", "device_token", token, "error", err)
			continue
		}
		updated = append(updated, *s)
	}
	return updated, nil
}

var errUnchanged = errors.New("device: unchanged")

// SetOnline records connectivity and, when online, the last-seen time.
func (r *Registry) SetOnline(ctx context.Context, token string, online bool) (*State, error) {
	return r.UpdateDevice(ctx, token, func(s *State) error {
		s.IsOnline = online
		now := r.now()
		s.LastSeenAt = &now
		return nil
	})
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, token string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.repo.Delete(ctx, token); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, token)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "device_token", token)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByStatus:     make(map[string]int),
	}
	for _, s := range r.cache {
		if s.IsOnline {
			stats.Online++
		}
		if s.EmergencyStopped {
			stats.EmergencyStopped++
		}
		stats.ByStatus[s.PlaylistStatus]++
	}
	return stats
}
