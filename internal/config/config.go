// Package config handles halink configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/halink/config.yaml, /etc/halink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "halink", "config.yaml"))
	}

	paths = append(paths, "/etc/halink/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all halink configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant" validate:"required"`
	Cloud         CloudConfig         `yaml:"cloud" validate:"required"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Devices       []DeviceConfig      `yaml:"devices" validate:"required,min=1,dive"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"`
}

// ListenConfig defines the status HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url" validate:"required,url"`
	Token string `yaml:"token" validate:"required"`
}

// CloudConfig defines the IoT platform MQTT broker connection.
type CloudConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	// TLS switches the broker connection to mqtts.
	TLS bool `yaml:"tls"`
	// ClientID overrides the generated MQTT client identifier.
	ClientID string `yaml:"client_id"`
}

// BrokerURL returns the broker address in URL form for the MQTT client.
func (c CloudConfig) BrokerURL() string {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// GatewayConfig tunes the forwarding loop.
type GatewayConfig struct {
	// StartupDelaySec postpones the first HA contact so dependent
	// services (the HA container, the broker) can come up first.
	StartupDelaySec int `yaml:"startup_delay_sec"`
	// PushIntervalSec is the telemetry publish cadence.
	PushIntervalSec int `yaml:"push_interval_sec"`
	// RediscoverIntervalSec re-runs entity discovery so renamed or
	// newly added HA entities are picked up without a restart.
	RediscoverIntervalSec int `yaml:"rediscover_interval_sec"`
}

// StartupDelay returns the startup delay as a duration.
func (g GatewayConfig) StartupDelay() time.Duration {
	return time.Duration(g.StartupDelaySec) * time.Second
}

// PushInterval returns the push cadence, with a floor of one second so
// a zero or negative config value cannot produce a panicking ticker.
func (g GatewayConfig) PushInterval() time.Duration {
	if g.PushIntervalSec < 1 {
		return time.Second
	}
	return time.Duration(g.PushIntervalSec) * time.Second
}

// RediscoverInterval returns the rediscovery cadence, with the same
// one-second floor as PushInterval.
func (g GatewayConfig) RediscoverInterval() time.Duration {
	if g.RediscoverIntervalSec < 1 {
		return time.Second
	}
	return time.Duration(g.RediscoverIntervalSec) * time.Second
}

// Device types accepted in the sub-device list.
const (
	DeviceTypeSensor = "sensor"
	DeviceTypeSwitch = "switch"
	DeviceTypeSocket = "socket"
)

// DeviceConfig describes one sub-device registered on the IoT platform
// and how its HA entities are located.
type DeviceConfig struct {
	ID           string   `yaml:"id" validate:"required"`
	Type         string   `yaml:"type" validate:"required,oneof=sensor switch socket"`
	EntityPrefix string   `yaml:"ha_entity_prefix" validate:"required"`
	Properties   []string `yaml:"properties" validate:"required,min=1"`
	ProductKey   string   `yaml:"product_key" validate:"required"`
	DeviceName   string   `yaml:"device_name" validate:"required"`
	Enabled      *bool    `yaml:"enabled"`
	// ConversionFactors scales raw HA values per property before
	// publishing (e.g. mA to A). Missing entries default to 1.0.
	ConversionFactors map[string]float64 `yaml:"conversion_factors"`
}

// IsEnabled reports whether the device participates in discovery and
// publishing. Devices are enabled unless explicitly disabled.
func (d DeviceConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Supports reports whether the device's supported-properties list
// contains the given platform property name.
func (d DeviceConfig) Supports(property string) bool {
	for _, p := range d.Properties {
		if p == property {
			return true
		}
	}
	return false
}

// Factor returns the conversion factor for a property, defaulting to 1.0.
func (d DeviceConfig) Factor(property string) float64 {
	if f, ok := d.ConversionFactors[property]; ok {
		return f
	}
	return 1.0
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with the gateway defaults applied.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8099},
		Cloud:  CloudConfig{Port: 1883},
		Gateway: GatewayConfig{
			StartupDelaySec:       30,
			PushIntervalSec:       60,
			RediscoverIntervalSec: 3600,
		},
		DataDir: "data",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for structural problems. Struct
// tags cover field-level requirements; cross-field rules (duplicate
// device IDs, at least one enabled device, log level tokens) are
// checked by hand.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config field %s: failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config validation: %w", err)
	}

	// Log level tokens never fail validation: unrecognized tokens
	// normalize to INFO, matching the add-on's launcher contract.

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.Devices))
	enabled := 0
	for _, d := range c.Devices {
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		if d.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled devices configured")
	}

	return nil
}

// EnabledDevices returns the sub-devices that participate in
// discovery and publishing.
func (c *Config) EnabledDevices() []DeviceConfig {
	out := make([]DeviceConfig, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// trimmedLower is the normalization applied to all level tokens.
func trimmedLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
