package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Poll interval bounds and defaults, in seconds.
const (
	defaultFastInterval = 10
	defaultSlowInterval = 60
	defaultZoneInterval = 300
	defaultHubTimeout   = 30

	minFastInterval = 1
	maxPort         = 65535
)

// Config is the root configuration structure for hublink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hubs     []HubConfig    `yaml:"hubs"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HubConfig describes one upstream hub to mirror.
type HubConfig struct {
	// ID is the local name for this hub. It becomes the scope prefix once
	// more than one hub is configured, so it must be stable across restarts.
	ID string `yaml:"id"`

	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Scheme string `yaml:"scheme"` // "http" or "https"

	// Token is the bearer credential for the hub's REST API and event stream.
	Token string `yaml:"token"`

	Enabled bool `yaml:"enabled"`

	// Devices is an optional allow-list of upstream device IDs. Empty means
	// every discovered device is mirrored.
	Devices []string `yaml:"devices"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`

	Poll PollConfig `yaml:"poll"`
}

// PollConfig overrides the sync cadences for one hub. Zero values fall back
// to the defaults (fast 10s, slow 60s, zones 300s).
type PollConfig struct {
	FastInterval int `yaml:"fast_interval"`
	SlowInterval int `yaml:"slow_interval"`
	ZoneInterval int `yaml:"zone_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the change-event
// republish bus. Disabled by default; hublink runs standalone without it.
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

// InfluxDBConfig contains InfluxDB connection settings for engine telemetry
// (cycle durations, change counts, channel reconnects). Optional.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local status/command HTTP API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// AuthToken protects mutating endpoints. Empty disables auth, which is
	// only sensible when the API binds to localhost.
	AuthToken string `yaml:"auth_token"`

	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HUBLINK_SECTION_KEY
// For example: HUBLINK_DATABASE_PATH, HUBLINK_HUB_TOKEN
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
// Hubs have no default: at least one must be configured.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/hublink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hublink",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8097,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HUBLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("HUBLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Hub credential. Applies to the first configured hub so single-hub
	// deployments can keep the token out of the config file.
	if v := os.Getenv("HUBLINK_HUB_TOKEN"); v != "" && len(cfg.Hubs) > 0 {
		cfg.Hubs[0].Token = v
	}

	// MQTT
	if v := os.Getenv("HUBLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HUBLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HUBLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("HUBLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("HUBLINK_API_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}

	// InfluxDB
	if v := os.Getenv("HUBLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Hubs) == 0 {
		errs = append(errs, "at least one hub must be configured")
	}

	seen := make(map[string]bool, len(c.Hubs))
	for i := range c.Hubs {
		hub := &c.Hubs[i]
		prefix := fmt.Sprintf("hubs[%d]", i)

		if hub.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[hub.ID] {
			errs = append(errs, prefix+".id duplicates another hub")
		}
		seen[hub.ID] = true

		if hub.Host == "" {
			errs = append(errs, prefix+".host is required")
		}
		if hub.Scheme != "" && hub.Scheme != "http" && hub.Scheme != "https" {
			errs = append(errs, prefix+".scheme must be http or https")
		}
		if hub.Enabled && hub.Token == "" {
			errs = append(errs, prefix+".token is required (set HUBLINK_HUB_TOKEN environment variable)")
		}
		if hub.Poll.FastInterval != 0 && hub.Poll.FastInterval < minFastInterval {
			errs = append(errs, prefix+".poll.fast_interval must be at least 1 second")
		}
		if hub.Poll.SlowInterval != 0 && hub.Poll.SlowInterval < hub.Poll.FastInterval {
			errs = append(errs, prefix+".poll.slow_interval must not be shorter than fast_interval")
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > maxPort {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// An unauthenticated API is acceptable only on loopback.
		if c.API.AuthToken == "" && c.API.Host != "127.0.0.1" && c.API.Host != "localhost" && c.API.Host != "::1" {
			errs = append(errs, "api.auth_token is required when the API is not bound to localhost")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BaseURL returns the hub's REST base URL, e.g. "https://192.168.1.50:443".
func (h *HubConfig) BaseURL() string {
	scheme := h.Scheme
	if scheme == "" {
		scheme = "http"
	}
	port := h.Port
	if port == 0 {
		if scheme == "https" {
			port = 443
		} else {
			port = 80
		}
	}
	return fmt.Sprintf("%s://%s:%d", scheme, h.Host, port)
}

// RequestTimeout returns the per-request timeout for this hub.
func (h *HubConfig) RequestTimeout() time.Duration {
	if h.Timeout <= 0 {
		return defaultHubTimeout * time.Second
	}
	return time.Duration(h.Timeout) * time.Second
}

// GetFastInterval returns the poll period used while the realtime channel is down.
func (p PollConfig) GetFastInterval() time.Duration {
	if p.FastInterval <= 0 {
		return defaultFastInterval * time.Second
	}
	return time.Duration(p.FastInterval) * time.Second
}

// GetSlowInterval returns the safety-net poll period used while the realtime
// channel is connected.
func (p PollConfig) GetSlowInterval() time.Duration {
	if p.SlowInterval <= 0 {
		return defaultSlowInterval * time.Second
	}
	return time.Duration(p.SlowInterval) * time.Second
}

// GetZoneInterval returns the zone refresh period.
func (p PollConfig) GetZoneInterval() time.Duration {
	if p.ZoneInterval <= 0 {
		return defaultZoneInterval * time.Second
	}
	return time.Duration(p.ZoneInterval) * time.Second
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
