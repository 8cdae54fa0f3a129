package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Floodgate Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Connections ConnectionsConfig `yaml:"connections"`
	Batch       BatchConfig       `yaml:"batch"`
	Health      HealthConfig      `yaml:"health"`
	Sensors     SensorsConfig     `yaml:"sensors"`
	Operations  OperationsConfig  `yaml:"operations"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HTTPConfig contains the observation endpoint and WebSocket listener settings.
type HTTPConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	WebSocketPath string `yaml:"websocket_path"`
	// MaxMessageSize caps inbound WebSocket frames from console clients.
	// Default: 4096
	MaxMessageSize int64 `yaml:"max_message_size"`
	// PingInterval is how often the hub pings idle clients.
	// Default: 30s
	PingInterval time.Duration `yaml:"ping_interval"`
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

// ConnectionsConfig holds the session settings for each class that keeps a
// persistent TCP connection to its controller.
type ConnectionsConfig struct {
	Gates  ConnectionClassConfig `yaml:"gates"`
	Boards ConnectionClassConfig `yaml:"boards"`
}

// ConnectionClassConfig tunes every DeviceConnection of one device class.
type ConnectionClassConfig struct {
	// Ports overrides the default TCP port per controller variant.
	Ports map[string]int `yaml:"ports"`

	// ConnectTimeout bounds a single dial.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PollInterval is the status poll / keep-alive cadence.
	// Default: 10s
	PollInterval time.Duration `yaml:"poll_interval"`

	// ResponseTimeout is how long a poll may go unanswered before it counts
	// as a timeout.
	// Default: 5s
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// MaxConsecutiveTimeouts forces a disconnect once reached.
	// Default: 3
	MaxConsecutiveTimeouts int `yaml:"max_consecutive_timeouts"`

	// CommandTimeout is the reply window for correlated commands.
	// Default: 3s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// MaxRetryCount is the number of resends after the first attempt.
	// Default: 2
	MaxRetryCount int `yaml:"max_retry_count"`

	// RetryDelay separates command resends.
	// Default: 500ms
	RetryDelay time.Duration `yaml:"retry_delay"`

	// ResetDelay is the pause between a reset frame and the close frame on
	// controllers that need one.
	// Default: 2s
	ResetDelay time.Duration `yaml:"reset_delay"`

	// ReconnectBase and ReconnectMax bound the exponential reconnect delay.
	// Default: 1s / 60s
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`

	// MaxFailures opens the circuit breaker.
	// Default: 5
	MaxFailures int `yaml:"max_failures"`

	// BreakerCooldown is how long the breaker stays open.
	// Default: 5m
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	// ModifyReconnectDelay is the pause before reconnecting a modified device.
	// Default: 1s
	ModifyReconnectDelay time.Duration `yaml:"modify_reconnect_delay"`
}

// BatchConfig contains BatchPersistence settings.
type BatchConfig struct {
	// FlushInterval is the period between transactional flushes.
	// Default: 5s
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HealthConfig contains HealthSweeper settings.
type HealthConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	MaxInFlight        int           `yaml:"max_in_flight"`
	BatchDelay         time.Duration `yaml:"batch_delay"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	Retries            int           `yaml:"retries"`
	FailureLogInterval time.Duration `yaml:"failure_log_interval"`

	// Classes maps a device class name to its sweep schedule.
	Classes map[string]SweepClassConfig `yaml:"classes"`
}

// SweepClassConfig is the sweep schedule of one device class.
type SweepClassConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Port     int           `yaml:"port"`
	// HTTPPath switches the probe to an HTTP GET when set (cameras).
	HTTPPath string `yaml:"http_path"`
}

// SensorsConfig contains PerDeviceEventSerializer settings.
type SensorsConfig struct {
	// IdleTTL drops a key's cached metadata after this long without events.
	// Default: 30m
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// OperationsConfig contains OperationQueue settings.
type OperationsConfig struct {
	// Concurrency is the number of commands in flight for group targets.
	// Default: 5
	Concurrency int `yaml:"concurrency"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLOODGATE_SECTION_KEY
// For example: FLOODGATE_DATABASE_PATH, FLOODGATE_HTTP_PORT
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
	cfg.Connections.Gates.applyDefaults()
	cfg.Connections.Boards.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg := defaultConfig()
	cfg.Connections.Gates.applyDefaults()
	cfg.Connections.Boards.applyDefaults()
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Floodgate",
		},
		Database: DatabaseConfig{
			Path:        "./data/floodgate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "floodgate-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		HTTP: HTTPConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			WebSocketPath:  "/ws",
			MaxMessageSize: 4096,
			PingInterval:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Batch: BatchConfig{
			FlushInterval: 5 * time.Second,
		},
		Health: HealthConfig{
			BatchSize:          20,
			MaxInFlight:        5,
			BatchDelay:         200 * time.Millisecond,
			ProbeTimeout:       3 * time.Second,
			Retries:            2,
			FailureLogInterval: 10 * time.Minute,
			Classes: map[string]SweepClassConfig{
				"sensor":  {Enabled: true, Interval: 30 * time.Minute, Port: 502},
				"speaker": {Enabled: true, Interval: time.Hour, Port: 80},
				"camera":  {Enabled: true, Interval: 45 * time.Minute, Port: 80, HTTPPath: "/"},
			},
		},
		Sensors: SensorsConfig{
			IdleTTL: 30 * time.Minute,
		},
		Operations: OperationsConfig{
			Concurrency: 5,
		},
	}
}

// applyDefaults fills zero-valued connection settings.
func (c *ConnectionClassConfig) applyDefaults() {
	setDuration(&c.ConnectTimeout, 10*time.Second)
	setDuration(&c.PollInterval, 10*time.Second)
	setDuration(&c.ResponseTimeout, 5*time.Second)
	setDuration(&c.CommandTimeout, 3*time.Second)
	setDuration(&c.RetryDelay, 500*time.Millisecond)
	setDuration(&c.ResetDelay, 2*time.Second)
	setDuration(&c.ReconnectBase, time.Second)
	setDuration(&c.ReconnectMax, time.Minute)
	setDuration(&c.BreakerCooldown, 5*time.Minute)
	setDuration(&c.ModifyReconnectDelay, time.Second)
	if c.MaxConsecutiveTimeouts <= 0 {
		c.MaxConsecutiveTimeouts = 3
	}
	if c.MaxRetryCount < 0 {
		c.MaxRetryCount = 0
	} else if c.MaxRetryCount == 0 {
		c.MaxRetryCount = 2
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLOODGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOODGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FLOODGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLOODGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLOODGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FLOODGATE_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("FLOODGATE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}

	if v := os.Getenv("FLOODGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("FLOODGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
// All problems are reported together rather than one at a time.
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

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.Batch.FlushInterval <= 0 {
		errs = append(errs, "batch.flush_interval must be positive")
	}

	if c.Health.BatchSize < 1 {
		errs = append(errs, "health.batch_size must be at least 1")
	}
	if c.Health.MaxInFlight < 1 {
		errs = append(errs, "health.max_in_flight must be at least 1")
	}
	for name, cls := range c.Health.Classes {
		if cls.Enabled && cls.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("health.classes.%s.interval must be positive", name))
		}
		if cls.Enabled && (cls.Port < 1 || cls.Port > 65535) {
			errs = append(errs, fmt.Sprintf("health.classes.%s.port must be between 1 and 65535", name))
		}
	}

	if c.Operations.Concurrency < 1 {
		errs = append(errs, "operations.concurrency must be at least 1")
	}

	for _, cc := range []struct {
		name string
		cfg  ConnectionClassConfig
	}{{"gates", c.Connections.Gates}, {"boards", c.Connections.Boards}} {
		if cc.cfg.ReconnectMax < cc.cfg.ReconnectBase {
			errs = append(errs, fmt.Sprintf("connections.%s.reconnect_max must not be below reconnect_base", cc.name))
		}
		for variant, port := range cc.cfg.Ports {
			if port < 1 || port > 65535 {
				errs = append(errs, fmt.Sprintf("connections.%s.ports.%s must be between 1 and 65535", cc.name, variant))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ListenAddr returns the host:port the HTTP listener binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
