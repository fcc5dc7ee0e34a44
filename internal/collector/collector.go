// Package collector reads current entity states for matched devices
// and converts them into upstream property values: switch states map
// to 1/0, numeric states get per-property conversion factors applied,
// and electrical readings are rounded to fixed precision.
package collector

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/discovery"
	"github.com/nugget/halink/internal/homeassistant"
)

// DefaultBattery is reported for environmental sensors whose battery
// entity was not discovered. Mains-powered sensor clusters commonly
// omit one.
const DefaultBattery = 100

// roundPlaces fixes the decimal precision per property. Properties not
// listed keep their converted value untouched.
var roundPlaces = map[string]int32{
	"current":      2,
	"active_power": 1,
	"voltage":      1,
	"frequency":    1,
	"energy":       3,
}

// stateGetter is the slice of the HA client the collector needs.
type stateGetter interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// Collector reads and converts device property values.
type Collector struct {
	ha     stateGetter
	logger *slog.Logger
}

// New creates a collector backed by the given HA client.
func New(ha stateGetter, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{ha: ha, logger: logger}
}

// Collect reads the current state of every bound entity for the device
// and returns the converted property values. Entities that fail to
// read or hold non-numeric, non-switch states are skipped rather than
// failing the whole device. Sensor devices that support batt but have
// no battery reading report DefaultBattery.
func (c *Collector) Collect(ctx context.Context, md *discovery.MatchedDevice) map[string]any {
	props := make(map[string]any, len(md.Sensors))
	dev := md.Config

	for prop, entityID := range md.Sensors {
		state, err := c.ha.GetState(ctx, entityID)
		if err != nil {
			c.logger.Warn("entity state read failed",
				"entity_id", entityID, "device_id", dev.ID, "error", err)
			continue
		}

		value, ok := Convert(prop, state.State, dev.Factor(prop))
		if !ok {
			c.logger.Warn("entity state is not numeric",
				"entity_id", entityID, "state", state.State)
			continue
		}

		props[prop] = value
		c.logger.Debug("collected property",
			"device_id", dev.ID, "property", prop, "value", value, "entity_id", entityID)
	}

	// The default never widens the device's property list: a sensor
	// that doesn't declare batt doesn't report one.
	if dev.Type == config.DeviceTypeSensor && dev.Supports("batt") {
		if _, ok := props["batt"]; !ok {
			c.logger.Debug("no battery reading, using default",
				"device_id", dev.ID, "batt", DefaultBattery)
			props["batt"] = DefaultBattery
		}
	}

	return props
}

// Convert turns a raw HA state string into an upstream property value.
// "on"/"off" map to 1/0. Numeric states are multiplied by factor and
// rounded per the property's precision rule. Returns false when the
// state is neither a switch state nor a number ("unavailable",
// "unknown", free text).
func Convert(prop, state string, factor float64) (any, bool) {
	switch state {
	case "on":
		return 1, true
	case "off":
		return 0, true
	}

	raw, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return nil, false
	}

	v := decimal.NewFromFloat(raw).Mul(decimal.NewFromFloat(factor))
	if places, ok := roundPlaces[prop]; ok {
		v = v.Round(places)
	}

	f, _ := v.Float64()
	return f, true
}
