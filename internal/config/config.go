package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Account AccountConfig `yaml:"account"`
	Stream  StreamConfig  `yaml:"stream"`
	Poll    PollConfig    `yaml:"poll"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig holds the vendor REST API constants. They are fixed by the
// mobile app the cloud expects to talk to and rarely need overriding.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Hostname       string        `yaml:"hostname"`
	UserAgent      string        `yaml:"user_agent"`
	ClientIDSuffix string        `yaml:"client_id_suffix"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AccountConfig holds login material. Either Email+Password or RefreshToken
// must be set.
type AccountConfig struct {
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	RefreshToken string `yaml:"refresh_token"`
}

// StreamConfig holds the real-time event stream configuration.
type StreamConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	WatchdogTimeout   time.Duration `yaml:"watchdog_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// PollConfig controls periodic system refreshes.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string  `yaml:"addr"`
	CORSAll      bool    `yaml:"cors_allow_all"`
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "https://api.simplisafe.com/v1",
			Hostname:       "api.simplisafe.com",
			UserAgent:      "SimpliSafe/2105 CFNetwork/902.2 Darwin/17.7.0",
			ClientIDSuffix: "2074.0.0.com.simplisafe.mobile",
			RequestTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			Enabled:           true,
			URL:               "wss://api.simplisafe.com/socket.io",
			WatchdogTimeout:   15 * time.Minute,
			ReconnectInterval: 10 * time.Second,
			HandshakeTimeout:  15 * time.Second,
		},
		Poll: PollConfig{
			Interval: time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			CommandRate:  1,
			CommandBurst: 5,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "simplisafe",
			DeviceID:    "simplisafe_01",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate reports configuration that cannot produce a working session.
func (c Config) Validate() error {
	var errs []error

	a := c.Account
	switch {
	case a.Email == "" && a.RefreshToken == "":
		errs = append(errs, errors.New("account: email/password or refresh_token is required"))
	case a.Email != "" && a.Password == "" && a.RefreshToken == "":
		errs = append(errs, errors.New("account: password is required with email"))
	}

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api: base_url is required"))
	}
	if c.API.RequestTimeout <= 0 {
		errs = append(errs, errors.New("api: request_timeout must be positive"))
	}
	if c.Stream.Enabled {
		if c.Stream.WatchdogTimeout <= 0 {
			errs = append(errs, errors.New("stream: watchdog_timeout must be positive"))
		}
		if c.Stream.ReconnectInterval <= 0 {
			errs = append(errs, errors.New("stream: reconnect_interval must be positive"))
		}
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll: interval must be positive"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt: broker is required when enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SIMPLISAFE_API_BASE"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("SIMPLISAFE_EMAIL"); v != "" {
		cfg.Account.Email = v
	}
	if v := os.Getenv("SIMPLISAFE_PASSWORD"); v != "" {
		cfg.Account.Password = v
	}
	if v := os.Getenv("SIMPLISAFE_REFRESH_TOKEN"); v != "" {
		cfg.Account.RefreshToken = v
	}
	if v := os.Getenv("SIMPLISAFE_STREAM_ENABLED"); v != "" {
		cfg.Stream.Enabled = parseBool(v)
	}
	if v := os.Getenv("SIMPLISAFE_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("SIMPLISAFE_WATCHDOG_TIMEOUT"); v != "" {
		setDuration(&cfg.Stream.WatchdogTimeout, v)
	}
	if v := os.Getenv("SIMPLISAFE_RECONNECT_INTERVAL"); v != "" {
		setDuration(&cfg.Stream.ReconnectInterval, v)
	}
	if v := os.Getenv("SIMPLISAFE_POLL_INTERVAL"); v != "" {
		setDuration(&cfg.Poll.Interval, v)
	}
	if v := os.Getenv("SIMPLISAFE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SIMPLISAFE_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("SIMPLISAFE_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("SIMPLISAFE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SIMPLISAFE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("SIMPLISAFE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SIMPLISAFE_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("SIMPLISAFE_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("SIMPLISAFE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SIMPLISAFE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

// setDuration keeps the current value when s does not parse.
func setDuration(dst *time.Duration, s string) {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
		*dst = d
	}
}
