package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
websocket:
  heartbeat_interval: 15
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
emergency:
  backend: memory
  reset_volume: 40
playback:
  completed_threshold: 0.8
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.GetHeartbeatInterval() != 15*time.Second {
		t.Errorf("GetHeartbeatInterval() = %v, want 15s", cfg.GetHeartbeatInterval())
	}
	if cfg.Emergency.ResetVolume != 40 {
		t.Errorf("Emergency.ResetVolume = %d, want 40", cfg.Emergency.ResetVolume)
	}
	if cfg.Playback.CompletedThreshold != 0.8 {
		t.Errorf("Playback.CompletedThreshold = %v, want 0.8", cfg.Playback.CompletedThreshold)
	}
	// Unset sections keep their defaults.
	if cfg.WebSocket.DevicePath != "/ws/device" {
		t.Errorf("WebSocket.DevicePath = %q, want /ws/device", cfg.WebSocket.DevicePath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestLoadAgent(t *testing.T) {
	content := `
agent:
  server_url: "ws://core.local:8080/ws/device"
  token: "dev-token-1"
transfer:
  max_bytes_per_sec: 524288
  checkpoint_backend: bolt
`
	cfg, err := LoadAgent(writeConfig(t, content))
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.Transfer.MaxBytesPerSec != 524288 {
		t.Errorf("Transfer.MaxBytesPerSec = %d, want 524288", cfg.Transfer.MaxBytesPerSec)
	}
	if cfg.Transfer.CheckpointBackend != "bolt" {
		t.Errorf("Transfer.CheckpointBackend = %q, want bolt", cfg.Transfer.CheckpointBackend)
	}
	if cfg.Transfer.CheckpointQuantum != 1<<20 {
		t.Errorf("Transfer.CheckpointQuantum = %d, want 1 MiB", cfg.Transfer.CheckpointQuantum)
	}
}

func TestLoadAgent_MissingToken(t *testing.T) {
	_, err := LoadAgent(writeConfig(t, "agent:\n  server_url: ws://x/ws/device\n"))
	if err == nil || !strings.Contains(err.Error(), "agent.token") {
		t.Fatalf("LoadAgent() error = %v, want agent.token error", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Security.JWT.Secret = validJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: true},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: true},
		{name: "zero heartbeat", mutate: func(c *Config) { c.WebSocket.HeartbeatInterval = 0 }, wantErr: true},
		{name: "unknown emergency backend", mutate: func(c *Config) { c.Emergency.Backend = "etcd" }, wantErr: true},
		{name: "redis without addr", mutate: func(c *Config) {
			c.Emergency.Backend = "redis"
			c.Emergency.Redis.Addr = ""
		}, wantErr: true},
		{name: "redis backend", mutate: func(c *Config) { c.Emergency.Backend = "redis" }},
		{name: "reset volume out of range", mutate: func(c *Config) { c.Emergency.ResetVolume = 101 }, wantErr: true},
		{name: "threshold zero", mutate: func(c *Config) { c.Playback.CompletedThreshold = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *Config) { c.Playback.CompletedThreshold = 1.5 }, wantErr: true},
		{name: "threshold one", mutate: func(c *Config) { c.Playback.CompletedThreshold = 1 }},
		{name: "negative retention", mutate: func(c *Config) { c.Playback.RetentionDays = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateAgent(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Agent.ServerURL = "ws://localhost:8080/ws/device"
		cfg.Agent.Token = "dev-1"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing server", mutate: func(c *Config) { c.Agent.ServerURL = "" }, wantErr: true},
		{name: "negative speed", mutate: func(c *Config) { c.Transfer.MaxBytesPerSec = -1 }, wantErr: true},
		{name: "zero quantum", mutate: func(c *Config) { c.Transfer.CheckpointQuantum = 0 }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Transfer.CheckpointBackend = "s3" }, wantErr: true},
		{name: "xxh3 digest", mutate: func(c *Config) { c.Transfer.DigestAlgorithm = "xxh3" }},
		{name: "md5 digest", mutate: func(c *Config) { c.Transfer.DigestAlgorithm = "md5" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.ValidateAgent()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Transfer: TransferConfig{
			Retry: RetryConfig{InitialDelay: 250, MaxDelay: 8000},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.GetRetryInitialDelay(); got != 250*time.Millisecond {
		t.Errorf("GetRetryInitialDelay() = %v, want 250ms", got)
	}
	if got := cfg.GetRetryMaxDelay(); got != 8*time.Second {
		t.Errorf("GetRetryMaxDelay() = %v, want 8s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("JUKEBOX_DATABASE_PATH", "/custom/path.db")
	t.Setenv("JUKEBOX_MQTT_HOST", "mqtt.example.com")
	t.Setenv("JUKEBOX_MQTT_USERNAME", "testuser")
	t.Setenv("JUKEBOX_MQTT_PASSWORD", "testpass")
	t.Setenv("JUKEBOX_API_HOST", "192.168.1.1")
	t.Setenv("JUKEBOX_API_PORT", "9090")
	t.Setenv("JUKEBOX_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("JUKEBOX_JWT_SECRET", "jwt-secret")
	t.Setenv("JUKEBOX_EMERGENCY_BACKEND", "redis")
	t.Setenv("JUKEBOX_REDIS_ADDR", "redis.local:6379")
	t.Setenv("JUKEBOX_AGENT_TOKEN", "dev-42")
	t.Setenv("JUKEBOX_TRANSFER_MAX_BYTES_PER_SEC", "1048576")

	applyEnvOverrides(cfg)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"API.Port", cfg.API.Port, 9090},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
		{"Emergency.Backend", cfg.Emergency.Backend, "redis"},
		{"Emergency.Redis.Addr", cfg.Emergency.Redis.Addr, "redis.local:6379"},
		{"Agent.Token", cfg.Agent.Token, "dev-42"},
		{"Transfer.MaxBytesPerSec", cfg.Transfer.MaxBytesPerSec, int64(1048576)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.WebSocket.HeartbeatInterval != 30 {
		t.Errorf("defaultConfig WebSocket.HeartbeatInterval = %d, want 30", cfg.WebSocket.HeartbeatInterval)
	}
	if cfg.Emergency.ResetVolume != 50 {
		t.Errorf("defaultConfig Emergency.ResetVolume = %d, want 50", cfg.Emergency.ResetVolume)
	}
	if cfg.Playback.CompletedThreshold != 0.9 {
		t.Errorf("defaultConfig Playback.CompletedThreshold = %v, want 0.9", cfg.Playback.CompletedThreshold)
	}
	if cfg.Transfer.Retry.MaxRetries != 5 {
		t.Errorf("defaultConfig Transfer.Retry.MaxRetries = %d, want 5", cfg.Transfer.Retry.MaxRetries)
	}
}
