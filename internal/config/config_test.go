package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/pixels-central/internal/ble"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.BLE.ServiceUUID != ble.ServiceUUID {
		t.Errorf("BLE.ServiceUUID = %q, want %q", cfg.BLE.ServiceUUID, ble.ServiceUUID)
	}
	if cfg.Connection.ConnectTimeout != 8*time.Second {
		t.Errorf("Connection.ConnectTimeout = %v, want 8s", cfg.Connection.ConnectTimeout)
	}
	if cfg.Connection.Retries != 3 {
		t.Errorf("Connection.Retries = %d, want 3", cfg.Connection.Retries)
	}
	if cfg.Connection.DisconnectDelay != 3*time.Second {
		t.Errorf("Connection.DisconnectDelay = %v, want 3s", cfg.Connection.DisconnectDelay)
	}
	if !strings.HasSuffix(cfg.Store.Path, filepath.Join("pixels-central", "dice.db")) {
		t.Errorf("Store.Path = %q, want .../pixels-central/dice.db", cfg.Store.Path)
	}
	if cfg.MQTT.TopicPrefix != "pixels" {
		t.Errorf("MQTT.TopicPrefix = %q, want %q", cfg.MQTT.TopicPrefix, "pixels")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
log_file: /tmp/pixels.log
connection:
  connect_timeout: 12s
  ack_timeout: 750ms
  retries: 5
  write_rate: 20
store:
  path: /tmp/dice.db
mqtt:
  broker: localhost:1883
  topic_prefix: home/dice
  qos: 1
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.LogFile != "/tmp/pixels.log" {
		t.Errorf("LogFile = %q, want %q", cfg.LogFile, "/tmp/pixels.log")
	}
	if cfg.Connection.ConnectTimeout != 12*time.Second {
		t.Errorf("Connection.ConnectTimeout = %v, want 12s", cfg.Connection.ConnectTimeout)
	}
	if cfg.Connection.AckTimeout != 750*time.Millisecond {
		t.Errorf("Connection.AckTimeout = %v, want 750ms", cfg.Connection.AckTimeout)
	}
	if cfg.Connection.Retries != 5 {
		t.Errorf("Connection.Retries = %d, want 5", cfg.Connection.Retries)
	}
	// untouched keys keep their defaults
	if cfg.Connection.ScanTimeout != 5*time.Second {
		t.Errorf("Connection.ScanTimeout = %v, want 5s", cfg.Connection.ScanTimeout)
	}
	if cfg.BLE.WriteUUID != ble.WriteCharUUID {
		t.Errorf("BLE.WriteUUID = %q, want %q", cfg.BLE.WriteUUID, ble.WriteCharUUID)
	}
	if cfg.Store.Path != "/tmp/dice.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "/tmp/dice.db")
	}
	if cfg.MQTT.Broker != "localhost:1883" || cfg.MQTT.TopicPrefix != "home/dice" || cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
log_file: ~/logs/pixels.log
store:
  path: ~/dice/dice.db
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "logs/pixels.log"); cfg.LogFile != want {
		t.Errorf("LogFile = %q, want %q", cfg.LogFile, want)
	}
	if want := filepath.Join(home, "dice/dice.db"); cfg.Store.Path != want {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("connection: [\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad service uuid",
			modify:  func(c *Config) { c.BLE.ServiceUUID = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Connection.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero retries",
			modify:  func(c *Config) { c.Connection.Retries = 0 },
			wantErr: true,
		},
		{
			name:    "negative write rate",
			modify:  func(c *Config) { c.Connection.WriteRate = -1 },
			wantErr: true,
		},
		{
			name:    "zero disconnect delay",
			modify:  func(c *Config) { c.Connection.DisconnectDelay = 0 },
			wantErr: false,
		},
		{
			name:    "empty store path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name:    "qos out of range",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "client id without broker",
			modify:  func(c *Config) { c.MQTT.ClientID = "desk" },
			wantErr: true,
		},
		{
			name: "broker with client id",
			modify: func(c *Config) {
				c.MQTT.Broker = "localhost:1883"
				c.MQTT.ClientID = "desk"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNamesField(t *testing.T) {
	cfg := Default()
	cfg.Connection.AckTimeout = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	if !strings.Contains(err.Error(), "AckTimeout") {
		t.Errorf("Validate() error = %q, want it to name AckTimeout", err)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "pixels-central", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# pixels-central") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Connection.ConnectTimeout != 8*time.Second {
		t.Errorf("written config ConnectTimeout = %v, want 8s", cfg.Connection.ConnectTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "pixels-central")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestDieOptions(t *testing.T) {
	cfg := Default()
	cfg.Connection.IdentifyTimeout = 7 * time.Second
	cfg.Connection.WriteRate = 15

	opts := cfg.DieOptions()
	if opts.QueryTimeout != 7*time.Second {
		t.Errorf("QueryTimeout = %v, want 7s", opts.QueryTimeout)
	}
	if opts.WriteRate != rate.Limit(15) {
		t.Errorf("WriteRate = %v, want 15", opts.WriteRate)
	}
	if opts.NotifyCharUUID != ble.NotifyCharUUID {
		t.Errorf("NotifyCharUUID = %q, want %q", opts.NotifyCharUUID, ble.NotifyCharUUID)
	}
}

func TestPoolOptions(t *testing.T) {
	cfg := Default()
	cfg.Connection.DisconnectDelay = time.Second
	cfg.Connection.ScanTimeout = 2 * time.Second

	opts := cfg.PoolOptions()
	if opts.DisconnectDelay != time.Second {
		t.Errorf("DisconnectDelay = %v, want 1s", opts.DisconnectDelay)
	}
	if opts.ScanTimeout != 2*time.Second {
		t.Errorf("ScanTimeout = %v, want 2s", opts.ScanTimeout)
	}
	if opts.Die.ConnectTimeout != cfg.Connection.ConnectTimeout {
		t.Errorf("Die.ConnectTimeout = %v, want %v", opts.Die.ConnectTimeout, cfg.Connection.ConnectTimeout)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // defaults to info
		{"", zerolog.InfoLevel},        // defaults to info
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
