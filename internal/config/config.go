package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/pool"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFile    string           `yaml:"log_file"`
	BLE        BLEConfig        `yaml:"ble"`
	Connection ConnectionConfig `yaml:"connection"`
	Store      StoreConfig      `yaml:"store"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// BLEConfig holds the GATT UUIDs of the die service.
type BLEConfig struct {
	ServiceUUID string `yaml:"service_uuid" validate:"required,uuid"`
	NotifyUUID  string `yaml:"notify_uuid" validate:"required,uuid"`
	WriteUUID   string `yaml:"write_uuid" validate:"required,uuid"`
}

// ConnectionConfig holds die session and pool timings.
type ConnectionConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	IdentifyTimeout    time.Duration `yaml:"identify_timeout" validate:"gt=0"`
	AckTimeout         time.Duration `yaml:"ack_timeout" validate:"gt=0"`
	RetryTimeout       time.Duration `yaml:"retry_timeout" validate:"gt=0"`
	Retries            int           `yaml:"retries" validate:"min=1,max=20"`
	ProgrammingTimeout time.Duration `yaml:"programming_timeout" validate:"gt=0"`
	DisconnectDelay    time.Duration `yaml:"disconnect_delay" validate:"gte=0"`
	ReapInterval       time.Duration `yaml:"reap_interval" validate:"gt=0"`
	ScanTimeout        time.Duration `yaml:"scan_timeout" validate:"gt=0"`
	// WriteRate is messages per second; 0 is unlimited.
	WriteRate float64 `yaml:"write_rate" validate:"gte=0"`
}

// StoreConfig holds the known-dice database location.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// MQTTConfig holds event publishing settings. Publishing is off when
// Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pixels-central")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "pixels-central", "dice.db")

	d := die.DefaultOptions()
	p := pool.DefaultOptions()
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ServiceUUID: ble.ServiceUUID,
			NotifyUUID:  ble.NotifyCharUUID,
			WriteUUID:   ble.WriteCharUUID,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:     d.ConnectTimeout,
			IdentifyTimeout:    d.QueryTimeout,
			AckTimeout:         d.AckTimeout,
			RetryTimeout:       d.RetryTimeout,
			Retries:            d.Retries,
			ProgrammingTimeout: d.ProgrammingTimeout,
			DisconnectDelay:    p.DisconnectDelay,
			ReapInterval:       p.ReapInterval,
			ScanTimeout:        p.ScanTimeout,
		},
		Store: StoreConfig{Path: storePath},
		MQTT:  MQTTConfig{TopicPrefix: "pixels"},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

const defaultConfigHeader = `# pixels-central configuration
# See README for every option. Durations use Go syntax (500ms, 3s).
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a config was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultConfigHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.MQTT.Broker == "" && c.MQTT.ClientID != "" {
		return errors.New("mqtt.client_id is set but mqtt.broker is empty")
	}

	return nil
}

// ParseLogLevel maps a log_level value to a zerolog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// DieOptions returns session options for this config.
func (c *Config) DieOptions() die.Options {
	opts := die.DefaultOptions()
	opts.ServiceUUID = c.BLE.ServiceUUID
	opts.NotifyCharUUID = c.BLE.NotifyUUID
	opts.WriteCharUUID = c.BLE.WriteUUID
	opts.ConnectTimeout = c.Connection.ConnectTimeout
	opts.QueryTimeout = c.Connection.IdentifyTimeout
	opts.AckTimeout = c.Connection.AckTimeout
	opts.RetryTimeout = c.Connection.RetryTimeout
	opts.Retries = c.Connection.Retries
	opts.ProgrammingTimeout = c.Connection.ProgrammingTimeout
	if c.Connection.WriteRate > 0 {
		opts.WriteRate = rate.Limit(c.Connection.WriteRate)
	}
	return opts
}

// PoolOptions returns pool options for this config. The store is left for
// the caller to open.
func (c *Config) PoolOptions() pool.Options {
	opts := pool.DefaultOptions()
	opts.Die = c.DieOptions()
	opts.DisconnectDelay = c.Connection.DisconnectDelay
	opts.ReapInterval = c.Connection.ReapInterval
	opts.ScanTimeout = c.Connection.ScanTimeout
	return opts
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
