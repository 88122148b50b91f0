package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/jukebox-core/internal/api"
	"github.com/nerrad567/jukebox-core/internal/bus"
	"github.com/nerrad567/jukebox-core/internal/content"
	"github.com/nerrad567/jukebox-core/internal/deletion"
	"github.com/nerrad567/jukebox-core/internal/device"
	"github.com/nerrad567/jukebox-core/internal/emergency"
	"github.com/nerrad567/jukebox-core/internal/fleet"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/database"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/jukebox-core/internal/metrics"
	"github.com/nerrad567/jukebox-core/internal/notification"
)

// pruneInterval is how often playback history is trimmed.
const pruneInterval = 6 * time.Hour

// run is the control plane, separated from main for testability.
// It blocks until ctx is cancelled and returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Jukebox Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log)
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	notifications := notification.NewSQLiteRepository(db.DB)
	playback := device.NewSQLitePlaybackRepository(db.DB)
	m := metrics.New()

	emergencyStore, closeStore, err := openEmergencyStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	influxClient, err := connectInflux(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	catalogue := content.NewService(content.NewSQLiteRepository(db.DB), content.Options{
		MediaDir:  cfg.Content.MediaDir,
		PublicURL: cfg.Content.PublicURL,
		Telemetry: contentTelemetry(influxClient),
		Logger:    log.With("component", "content"),
	})

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	var relay *mqtt.Relay
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		// #nosec G115 -- qos is validated to 0..2
		relay = mqtt.NewRelay(mqttClient, byte(cfg.MQTT.QoS), log.With("component", "mqtt-relay"))
		go relay.Run(ctx)
	}

	em, err := emergency.NewService(ctx, emergency.Deps{
		Store:         emergencyStore,
		Devices:       registry,
		Notifications: notifications,
		Metrics:       m,
		Telemetry:     emergencyTelemetry(influxClient),
		Logger:        log,
		ResetVolume:   cfg.Emergency.ResetVolume,
	})
	if err != nil {
		return fmt.Errorf("creating emergency service: %w", err)
	}

	handler, err := fleet.New(fleet.Deps{
		Devices:            registry,
		Emergency:          em,
		Content:            catalogue,
		Playback:           playback,
		Notifications:      notifications,
		Telemetry:          fleetTelemetry(influxClient),
		States:             statePublisher(relay),
		Logger:             log.With("component", "fleet"),
		CompletedThreshold: cfg.Playback.CompletedThreshold,
		AutoEnroll:         cfg.WebSocket.AutoEnroll,
	})
	if err != nil {
		return fmt.Errorf("creating fleet handler: %w", err)
	}

	tickets := api.NewTicketStore(0)
	deviceBus, err := bus.New(bus.Deps{
		Config:    cfg.WebSocket,
		Logger:    log,
		Handler:   handler,
		Validator: handler,
		AdminAuth: api.AdminAuthenticator(cfg.Security.JWT.Secret, tickets),
		Mirror:    eventMirror(relay),
		Metrics:   m,
	})
	if err != nil {
		return fmt.Errorf("creating device bus: %w", err)
	}
	handler.SetBus(deviceBus)
	em.SetBus(deviceBus)
	catalogue.SetSender(deviceBus)

	deleter := deletion.New(deletion.Deps{
		Bus:           deviceBus,
		Notifications: notifications,
		Metrics:       m,
		Telemetry:     deletionTelemetry(influxClient),
		Logger:        log,
	})
	for _, entityType := range []string{content.EntitySong, content.EntityAnnouncement, content.EntityPlaylist} {
		deleter.Register(entityType, catalogue.DeleteHandler(entityType))
	}

	if mqttClient != nil {
		// #nosec G115 -- qos is validated to 0..2
		subErr := mqtt.SubscribeEmergency(mqttClient, byte(cfg.MQTT.QoS), func(req mqtt.EmergencyRequest) error {
			log.Warn("emergency requested over MQTT", "active", req.Active, "source", req.Source)
			if req.Active {
				_, err := em.Activate(ctx)
				return err
			}
			_, err := em.Deactivate(ctx)
			return err
		})
		if subErr != nil {
			return fmt.Errorf("subscribing to emergency requests: %w", subErr)
		}
		defer func() {
			if unsubErr := mqttClient.Unsubscribe(mqtt.Topics{}.EmergencyRequest()); unsubErr != nil {
				log.Warn("unsubscribing from emergency requests", "error", unsubErr)
			}
		}()
	}

	checks := []api.HealthCheck{{Name: "database", Required: true, Check: db.HealthCheck}}
	if mqttClient != nil {
		checks = append(checks, api.HealthCheck{Name: "mqtt", Check: mqttClient.HealthCheck})
	}
	if influxClient != nil {
		checks = append(checks, api.HealthCheck{Name: "influxdb", Check: influxClient.HealthCheck})
	}

	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log,
		Registry:      registry,
		Bus:           deviceBus,
		Emergency:     em,
		Content:       catalogue,
		Deletion:      deleter,
		Notifications: notifications,
		Playback:      playback,
		Tickets:       tickets,
		Metrics:       m,
		DB:            db.DB,
		HealthChecks:  checks,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	go prunePlayback(ctx, playback, cfg.Playback.RetentionDays, log)

	log.Info("initialisation complete, waiting for shutdown signal",
		"device_path", cfg.WebSocket.DevicePath,
		"admin_path", cfg.WebSocket.AdminPath,
		"emergency_active", em.IsActive(),
	)

	// Run blocks until ctx is cancelled, then closes every connection.
	deviceBus.Run(ctx)

	log.Info("Jukebox Core stopped")
	return nil
}

// openEmergencyStore selects the emergency flag backend. The returned
// close function releases the Redis client when one was dialled.
func openEmergencyStore(ctx context.Context, cfg *config.Config, db *database.DB) (emergency.StateStore, func(), error) {
	var client *redis.Client
	if cfg.Emergency.Backend == emergency.BackendRedis {
		var err error
		client, err = emergency.DialRedis(ctx, emergency.RedisOptions{
			Addr:     cfg.Emergency.Redis.Addr,
			Password: cfg.Emergency.Redis.Password,
			DB:       cfg.Emergency.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
	}

	store, err := emergency.NewStateStore(cfg.Emergency.Backend, db.DB, client, cfg.Emergency.Redis.Key)
	if err != nil {
		if client != nil {
			client.Close() //nolint:errcheck // already failing
		}
		return nil, nil, fmt.Errorf("creating emergency store: %w", err)
	}

	closeFn := func() {}
	if client != nil {
		closeFn = func() { client.Close() } //nolint:errcheck // shutdown
	}
	return store, closeFn, nil
}

// connectInflux returns nil when InfluxDB is disabled.
func connectInflux(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// connectMQTT returns nil when the broker is disabled.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil
	}
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// The helpers below keep a nil client from becoming a non-nil interface.

func emergencyTelemetry(c *influxdb.Client) emergency.Telemetry {
	if c == nil {
		return nil
	}
	return c
}

func contentTelemetry(c *influxdb.Client) content.Telemetry {
	if c == nil {
		return nil
	}
	return c
}

func deletionTelemetry(c *influxdb.Client) deletion.Telemetry {
	if c == nil {
		return nil
	}
	return c
}

func fleetTelemetry(c *influxdb.Client) fleet.Telemetry {
	if c == nil {
		return nil
	}
	return c
}

func statePublisher(r *mqtt.Relay) fleet.StatePublisher {
	if r == nil {
		return nil
	}
	return r
}

func eventMirror(r *mqtt.Relay) bus.EventMirror {
	if r == nil {
		return nil
	}
	return r
}

// prunePlayback trims playback history older than retentionDays until ctx
// is cancelled. Zero retention disables pruning.
func prunePlayback(ctx context.Context, repo device.PlaybackRepository, retentionDays int, log *logging.Logger) {
	if retentionDays <= 0 {
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := repo.Prune(ctx, retention)
		if err != nil {
			log.Warn("pruning playback history failed", "error", err)
		} else if n > 0 {
			log.Info("pruned playback history", "records", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
