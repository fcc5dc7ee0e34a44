// Package discovery binds Home Assistant entities to configured
// sub-devices. Entities are matched by ID prefix plus a property alias
// lookup across device_class, entity ID tokens, and friendly name, so
// a device whose entities follow any of the common naming conventions
// (sensor.th_001_temperature, sensor.th_001_temp_p, ...) resolves to
// the same upstream property names.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/homeassistant"
)

// propertyAliases maps entity naming tokens to canonical upstream
// property names. The _p suffixed forms show up on percentage-style
// template sensors.
var propertyAliases = map[string]string{
	"temperature": "temp",
	"temp":        "temp",
	"temp_c":      "temp",
	"temp_f":      "temp",

	"humidity":         "hum",
	"hum":              "hum",
	"humidity_percent": "hum",

	"battery":         "batt",
	"batt":            "batt",
	"battery_level":   "batt",
	"battery_percent": "batt",

	"temperature_p": "temp",
	"temp_p":        "temp",
	"humidity_p":    "hum",
	"hum_p":         "hum",
	"battery_p":     "batt",
	"batt_p":        "batt",
}

// orderedAliases fixes the friendly-name scan order: longest and most
// specific first, so "Temperature" resolves before the bare "temp"
// substring and map iteration order never changes the outcome.
var orderedAliases = []string{
	"temperature_p", "temperature", "temp_c", "temp_f", "temp_p", "temp",
	"humidity_percent", "humidity_p", "humidity", "hum_p", "hum",
	"battery_percent", "battery_level", "battery_p", "battery", "batt_p", "batt",
}

// CanonicalProperty resolves a naming token to its canonical upstream
// property name. Returns "" when the token has no alias.
func CanonicalProperty(token string) string {
	return propertyAliases[strings.ToLower(token)]
}

// MatchedDevice holds the discovery result for one configured device:
// its config and the entity ID bound to each supported property.
type MatchedDevice struct {
	Config config.DeviceConfig
	// Sensors maps canonical property name to the HA entity ID that
	// provides it (e.g. "temp" -> "sensor.th_001_temperature").
	Sensors map[string]string
}

// statesLoader is the slice of the HA client that discovery needs.
type statesLoader interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// Matcher discovers entity bindings for configured devices.
type Matcher struct {
	ha      statesLoader
	devices []config.DeviceConfig
	logger  *slog.Logger

	// Retry policy for the initial states load. HA may still be
	// populating entities right after a restart.
	attempts int
	retry    *backoff.Backoff
}

// NewMatcher creates a matcher over the enabled devices in cfg.
func NewMatcher(ha statesLoader, devices []config.DeviceConfig, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		ha:       ha,
		devices:  devices,
		logger:   logger,
		attempts: 5,
		retry: &backoff.Backoff{
			Min:    3 * time.Second,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Discover loads all entity states from Home Assistant (with retries)
// and matches them against the configured devices. Every configured
// device appears in the result, even when no entities matched it.
func (m *Matcher) Discover(ctx context.Context) (map[string]*MatchedDevice, error) {
	states, err := m.loadStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load entity states: %w", err)
	}
	m.logger.Info("loaded entity states", "count", len(states))

	matched := m.Match(states)

	for id, md := range matched {
		m.logger.Info("device discovery result", "device_id", id, "sensors", md.Sensors)
	}
	return matched, nil
}

// loadStates fetches /api/states with exponential backoff retries.
func (m *Matcher) loadStates(ctx context.Context) ([]homeassistant.State, error) {
	m.retry.Reset()
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		states, err := m.ha.GetStates(ctx)
		if err == nil {
			return states, nil
		}
		lastErr = err
		m.logger.Warn("entity states load failed",
			"attempt", attempt, "max_attempts", m.attempts, "error", err)
		if attempt == m.attempts {
			break
		}
		select {
		case <-time.After(m.retry.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Match binds sensor entities to devices. An entity matches a device
// when the device's entity prefix occurs in the entity ID and one of
// three lookups resolves a canonical property: the entity's
// device_class attribute, a token of the entity ID remainder, or a
// substring of its friendly name. The resolved property must be in the
// device's supported list. Each entity binds to at most one device.
func (m *Matcher) Match(states []homeassistant.State) map[string]*MatchedDevice {
	matched := make(map[string]*MatchedDevice, len(m.devices))
	for _, dev := range m.devices {
		matched[dev.ID] = &MatchedDevice{
			Config:  dev,
			Sensors: make(map[string]string),
		}
		m.logger.Debug("matching device", "device_id", dev.ID, "prefix", dev.EntityPrefix)
	}

	for _, state := range states {
		entityID := state.EntityID
		if !strings.HasPrefix(entityID, "sensor.") {
			continue
		}

		deviceClass := strings.ToLower(state.DeviceClass())
		friendlyName := strings.ToLower(state.FriendlyName())

		for _, dev := range m.devices {
			if !strings.Contains(entityID, dev.EntityPrefix) {
				continue
			}

			// Strip the prefix and split the remainder into tokens:
			// "sensor.th_001_temperature" with prefix "th_001" yields
			// ["sensor.", "temperature"] after trimming underscores.
			remainder := strings.Trim(strings.ReplaceAll(entityID, dev.EntityPrefix, ""), "_")
			tokens := strings.Split(remainder, "_")
			if remainder == "" {
				continue
			}

			prop := resolveProperty(deviceClass, tokens, friendlyName)
			if prop == "" || !dev.Supports(prop) {
				continue
			}

			md := matched[dev.ID]
			md.Sensors[prop] = entityID
			m.logger.Info("entity matched",
				"entity_id", entityID, "property", prop, "device_id", dev.ID)
			break
		}
	}

	return matched
}

// resolveProperty tries the three lookups in reliability order:
// device_class first, then entity ID tokens, then friendly name.
func resolveProperty(deviceClass string, tokens []string, friendlyName string) string {
	if prop := CanonicalProperty(deviceClass); prop != "" {
		return prop
	}
	for _, tok := range tokens {
		if prop := CanonicalProperty(tok); prop != "" {
			return prop
		}
	}
	for _, alias := range orderedAliases {
		if strings.Contains(friendlyName, alias) {
			return propertyAliases[alias]
		}
	}
	return ""
}

// FindControlEntity picks the entity to drive when a downlink command
// targets a switch or socket device. Candidates are all entities whose
// ID contains the device's prefix; among those, entities containing
// "on", "state", or the trailing token of the device ID are preferred.
func FindControlEntity(states []homeassistant.State, dev config.DeviceConfig) (string, error) {
	var candidates []string
	for _, s := range states {
		if strings.Contains(s.EntityID, dev.EntityPrefix) {
			candidates = append(candidates, s.EntityID)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no entity with prefix %q", dev.EntityPrefix)
	}

	idParts := strings.Split(dev.ID, "_")
	keywords := []string{"on", "state", idParts[len(idParts)-1]}

	for _, entity := range candidates {
		lower := strings.ToLower(entity)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return entity, nil
			}
		}
	}

	// No keyword hit: fall back to the first prefix match.
	return candidates[0], nil
}
