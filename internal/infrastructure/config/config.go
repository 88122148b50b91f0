package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Jukebox Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Emergency EmergencyConfig `yaml:"emergency"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Content   ContentConfig   `yaml:"content"`
	Agent     AgentConfig     `yaml:"agent"`
}

// SiteConfig identifies the venue group this control plane serves.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The broker is optional; when enabled, fleet events are mirrored to it.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains device bus settings.
type WebSocketConfig struct {
	DevicePath        string  `yaml:"device_path"`
	AdminPath         string  `yaml:"admin_path"`
	MaxMessageSize    int     `yaml:"max_message_size"`
	HeartbeatInterval int     `yaml:"heartbeat_interval"`
	SendBuffer        int     `yaml:"send_buffer"`
	InboundRate       float64 `yaml:"inbound_rate"`
	InboundBurst      int     `yaml:"inbound_burst"`
	// AutoEnroll creates device records for unknown tokens on register.
	AutoEnroll bool `yaml:"auto_enroll"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains admin bearer token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// RateLimitConfig contains admin API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// EmergencyConfig controls the emergency override.
type EmergencyConfig struct {
	// Backend selects where the active flag lives: "memory", "sqlite" or "redis".
	Backend string `yaml:"backend"`

	// ResetVolume is applied to every device when an emergency is cleared.
	ResetVolume int `yaml:"reset_volume"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings for the shared emergency flag.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// TransferConfig controls the device-side download pipeline.
type TransferConfig struct {
	MaxBytesPerSec    int64       `yaml:"max_bytes_per_sec"`
	CheckpointQuantum int64       `yaml:"checkpoint_quantum"`
	CheckpointBackend string      `yaml:"checkpoint_backend"`
	CheckpointDir     string      `yaml:"checkpoint_dir"`
	ContentDir        string      `yaml:"content_dir"`
	DigestAlgorithm   string      `yaml:"digest_algorithm"`
	RequestTimeout    int         `yaml:"request_timeout"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig contains backoff settings in milliseconds.
type RetryConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// PlaybackConfig controls playback history recording.
type PlaybackConfig struct {
	// CompletedThreshold is the played fraction at which a song counts as completed.
	CompletedThreshold float64 `yaml:"completed_threshold"`

	// RetentionDays bounds playback history; zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// ContentConfig controls the content catalogue served to devices.
type ContentConfig struct {
	MediaDir  string `yaml:"media_dir"`
	PublicURL string `yaml:"public_url"`
}

// AgentConfig contains device agent settings.
type AgentConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	Name      string `yaml:"name"`
}

// Load reads control-plane configuration from a YAML file and applies
// environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: JUKEBOX_SECTION_KEY
// For example: JUKEBOX_DATABASE_PATH, JUKEBOX_API_PORT
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadAgent reads device agent configuration. Control-plane sections are
// parsed but only the agent and transfer sections are validated.
func LoadAgent(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAgent(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the built-in configuration. Callers that run without a
// config file start from here.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Jukebox",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/jukebox.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "jukebox-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			DevicePath:        "/ws/device",
			AdminPath:         "/admin",
			MaxMessageSize:    1 << 20,
			HeartbeatInterval: 30,
			SendBuffer:        64,
			InboundRate:       20,
			InboundBurst:      40,
			AutoEnroll:        true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 100,
			},
		},
		Emergency: EmergencyConfig{
			Backend:     "sqlite",
			ResetVolume: 50,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "jukebox:emergency",
			},
		},
		Transfer: TransferConfig{
			MaxBytesPerSec:    0,
			CheckpointQuantum: 1 << 20,
			CheckpointBackend: "file",
			CheckpointDir:     "./data/checkpoints",
			ContentDir:        "./data/content",
			DigestAlgorithm:   "sha256",
			RequestTimeout:    30,
			Retry: RetryConfig{
				MaxRetries:   5,
				InitialDelay: 1000,
				MaxDelay:     30000,
			},
		},
		Playback: PlaybackConfig{
			CompletedThreshold: 0.9,
			RetentionDays:      90,
		},
		Content: ContentConfig{
			MediaDir:  "./data/media",
			PublicURL: "http://localhost:8080",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: JUKEBOX_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("JUKEBOX_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("JUKEBOX_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("JUKEBOX_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("JUKEBOX_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("JUKEBOX_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("JUKEBOX_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("JUKEBOX_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("JUKEBOX_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// Emergency
	if v := os.Getenv("JUKEBOX_EMERGENCY_BACKEND"); v != "" {
		cfg.Emergency.Backend = v
	}
	if v := os.Getenv("JUKEBOX_REDIS_ADDR"); v != "" {
		cfg.Emergency.Redis.Addr = v
	}
	if v := os.Getenv("JUKEBOX_REDIS_PASSWORD"); v != "" {
		cfg.Emergency.Redis.Password = v
	}

	// Agent
	if v := os.Getenv("JUKEBOX_AGENT_SERVER_URL"); v != "" {
		cfg.Agent.ServerURL = v
	}
	if v := os.Getenv("JUKEBOX_AGENT_TOKEN"); v != "" {
		cfg.Agent.Token = v
	}
	if v := os.Getenv("JUKEBOX_TRANSFER_MAX_BYTES_PER_SEC"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Transfer.MaxBytesPerSec = bps
		}
	}
}

// Validate checks the control-plane configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.WebSocket.HeartbeatInterval < 1 {
		errs = append(errs, "websocket.heartbeat_interval must be at least 1 second")
	}

	// Admin bearer tokens are HS256; a short secret makes them forgeable.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set JUKEBOX_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	switch c.Emergency.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Emergency.Redis.Addr == "" {
			errs = append(errs, "emergency.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, "emergency.backend must be memory, sqlite, or redis")
	}

	if c.Emergency.ResetVolume < 0 || c.Emergency.ResetVolume > 100 {
		errs = append(errs, "emergency.reset_volume must be between 0 and 100")
	}

	if c.Playback.CompletedThreshold <= 0 || c.Playback.CompletedThreshold > 1 {
		errs = append(errs, "playback.completed_threshold must be in (0, 1]")
	}
	if c.Playback.RetentionDays < 0 {
		errs = append(errs, "playback.retention_days must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateAgent checks the sections a device agent depends on.
func (c *Config) ValidateAgent() error {
	var errs []string

	if c.Agent.ServerURL == "" {
		errs = append(errs, "agent.server_url is required")
	}
	if c.Agent.Token == "" {
		errs = append(errs, "agent.token is required (set JUKEBOX_AGENT_TOKEN environment variable)")
	}
	if c.Transfer.ContentDir == "" {
		errs = append(errs, "transfer.content_dir is required")
	}
	if c.Transfer.MaxBytesPerSec < 0 {
		errs = append(errs, "transfer.max_bytes_per_sec must not be negative")
	}
	if c.Transfer.CheckpointQuantum < 1 {
		errs = append(errs, "transfer.checkpoint_quantum must be positive")
	}

	switch c.Transfer.CheckpointBackend {
	case "memory", "sqlite", "bolt", "file":
	default:
		errs = append(errs, "transfer.checkpoint_backend must be memory, sqlite, bolt, or file")
	}

	switch c.Transfer.DigestAlgorithm {
	case "sha256", "xxh3":
	default:
		errs = append(errs, "transfer.digest_algorithm must be sha256 or xxh3")
	}

	if c.Transfer.Retry.MaxRetries < 0 {
		errs = append(errs, "transfer.retry.max_retries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetHeartbeatInterval returns the device bus heartbeat interval.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.WebSocket.HeartbeatInterval) * time.Second
}

// GetRetryInitialDelay returns the first transfer retry delay.
func (c *Config) GetRetryInitialDelay() time.Duration {
	return time.Duration(c.Transfer.Retry.InitialDelay) * time.Millisecond
}

// GetRetryMaxDelay returns the transfer retry delay ceiling.
func (c *Config) GetRetryMaxDelay() time.Duration {
	return time.Duration(c.Transfer.Retry.MaxDelay) * time.Millisecond
}

// GetRequestTimeout returns how long a content fetch waits for response headers.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Transfer.RequestTimeout) * time.Second
}
