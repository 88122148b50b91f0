package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/jukebox-core/internal/bus"
	"github.com/nerrad567/jukebox-core/internal/deletion"
	"github.com/nerrad567/jukebox-core/internal/device"
	"github.com/nerrad567/jukebox-core/internal/emergency"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/metrics"
	"github.com/nerrad567/jukebox-core/internal/notification"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bus is the slice of the device bus the API routes to and sends through.
type Bus interface {
	ServeDevice(w http.ResponseWriter, r *http.Request)
	ServeAdmin(w http.ResponseWriter, r *http.Request)
	SendToDevice(token string, msg protocol.Message) bool
	IsConnected(token string) bool
	Counts() (devices, admins int)
	Connections() []bus.ConnInfo
}

// Emergency is the emergency coordinator as seen by the API.
type Emergency interface {
	Activate(ctx context.Context) (*emergency.Report, error)
	Deactivate(ctx context.Context) (*emergency.Report, error)
	IsActive() bool
	Status() emergency.State
}

// Content offers catalogue items to devices and serves their bytes.
type Content interface {
	http.Handler
	Offer(ctx context.Context, token, id string) (*protocol.Content, error)
}

// Deleter runs three-phase entity deletes.
type Deleter interface {
	Delete(ctx context.Context, entityType, entityID string) (*deletion.Report, error)
	EntityTypes() []string
}

// HealthCheck is one named dependency probe for /api/v1/health. A failing
// required check makes the endpoint answer 503.
type HealthCheck struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config        config.APIConfig
	WS            config.WebSocketConfig
	Security      config.SecurityConfig
	Logger        *logging.Logger
	Registry      *device.Registry
	Bus           Bus
	Emergency     Emergency
	Content       Content
	Deletion      Deleter
	Notifications notification.Repository
	Playback      device.PlaybackRepository
	Tickets       *TicketStore
	Metrics       *metrics.Metrics
	DB            *sql.DB
	HealthChecks  []HealthCheck
	Version       string
}

// Server is the admin HTTP server.
//
// It manages the HTTP listener, routes and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	registry      *device.Registry
	bus           Bus
	emergency     Emergency
	content       Content
	deletion      Deleter
	notifications notification.Repository
	playback      device.PlaybackRepository
	tickets       *TicketStore
	metrics       *metrics.Metrics
	db            *sql.DB
	checks        []HealthCheck
	version       string
	startTime     time.Time
	server        *http.Server
	cancel        context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("device bus is required")
	}
	if deps.Emergency == nil {
		return nil, fmt.Errorf("emergency coordinator is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if deps.Tickets == nil {
		deps.Tickets = NewTicketStore(defaultTicketTTL)
	}

	return &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		logger:        deps.Logger.With("component", "api"),
		registry:      deps.Registry,
		bus:           deps.Bus,
		emergency:     deps.Emergency,
		content:       deps.Content,
		deletion:      deps.Deletion,
		notifications: deps.Notifications,
		playback:      deps.Playback,
		tickets:       deps.Tickets,
		metrics:       deps.Metrics,
		db:            deps.DB,
		checks:        deps.HealthChecks,
		version:       deps.Version,
		startTime:     time.Now(),
	}, nil
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the ticket cleanup loop and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.tickets.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		// No WriteTimeout: content downloads and WebSocket connections are
		// long-lived. Handlers bound their own work through the request context.
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
