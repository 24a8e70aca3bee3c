// Package config loads the meshcourier configuration: defaults,
// optional YAML file, environment overrides (MESHCOURIER_ prefix).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Send      SendConfig      `mapstructure:"send"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	API       APIConfig       `mapstructure:"api"`
	Store     StoreConfig     `mapstructure:"store"`
	Haiku     HaikuConfig     `mapstructure:"haiku"`
	Inference InferenceConfig `mapstructure:"inference"`
	Log       LogConfig       `mapstructure:"log"`
}

// DeviceConfig addresses the radio.
type DeviceConfig struct {
	Addr string `mapstructure:"addr"` // host or host:port; bare hosts get the client-API port
}

// SendConfig holds the connection-manager tunables.
type SendConfig struct {
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	StabilizeDelay  time.Duration `mapstructure:"stabilize_delay"`
	SendAttempts    int           `mapstructure:"send_attempts"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	AckPoll         time.Duration `mapstructure:"ack_poll"`
}

// MQTTConfig addresses the broker the bridge mirrors traffic to.
type MQTTConfig struct {
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	QoS       int    `mapstructure:"qos"`
	TopicRoot string `mapstructure:"topic_root"`
}

// APIConfig holds the REST/WebSocket listener settings.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// HaikuConfig addresses the local LLM endpoint.
type HaikuConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// InferenceConfig tunes sender-origin inference.
type InferenceConfig struct {
	ProfileWindow int `mapstructure:"profile_window"` // signal samples kept per node
	MaxCandidates int `mapstructure:"max_candidates"`
}

// LogConfig controls console and rotated-file logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty disables the file core
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration. path may be empty, in which case an
// optional meshcourier.yaml in the working directory is consulted; a
// missing file falls back to defaults, a malformed one is an error.
// Every key can be overridden via MESHCOURIER_SECTION_KEY environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESHCOURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("meshcourier")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.addr", "localhost")

	v.SetDefault("send.connect_attempts", 3)
	v.SetDefault("send.retry_delay", "5s")
	v.SetDefault("send.connect_timeout", "30s")
	v.SetDefault("send.stabilize_delay", "2s")
	v.SetDefault("send.send_attempts", 3)
	v.SetDefault("send.confirm_timeout", "10s")
	v.SetDefault("send.ack_poll", "500ms")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_root", "meshtastic")

	v.SetDefault("api.listen_addr", ":8080")

	v.SetDefault("store.path", "meshcourier.db")

	v.SetDefault("haiku.endpoint", "http://localhost:1234/v1/chat/completions")
	v.SetDefault("haiku.model", "openai/gpt-oss-20b")
	v.SetDefault("haiku.temperature", 1.5)
	v.SetDefault("haiku.timeout", "120s")

	v.SetDefault("inference.profile_window", 10)
	v.SetDefault("inference.max_candidates", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func (c *Config) validate() error {
	if c.Device.Addr == "" {
		return fmt.Errorf("config: device.addr must not be empty")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
	}
	if c.Send.ConnectAttempts < 1 {
		return fmt.Errorf("config: send.connect_attempts must be at least 1")
	}
	if c.Send.SendAttempts < 1 {
		return fmt.Errorf("config: send.send_attempts must be at least 1")
	}
	if c.Inference.ProfileWindow < 1 {
		return fmt.Errorf("config: inference.profile_window must be at least 1")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}
