package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/discovery"
	"github.com/nugget/halink/internal/homeassistant"
)

// fakeHA serves entity states from a map; missing entities error.
type fakeHA struct {
	states map[string]string
}

func (f *fakeHA) GetState(_ context.Context, entityID string) (*homeassistant.State, error) {
	s, ok := f.states[entityID]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return &homeassistant.State{EntityID: entityID, State: s}, nil
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name   string
		prop   string
		state  string
		factor float64
		want   any
		ok     bool
	}{
		{"switch on", "state", "on", 1, 1, true},
		{"switch off", "state", "off", 1, 0, true},
		{"plain numeric", "temp", "21.5", 1, 21.5, true},
		{"factor applied", "temp", "215", 0.1, 21.5, true},
		{"current rounds to 2dp", "current", "1.23456", 1, 1.23, true},
		{"active_power rounds to 1dp", "active_power", "102.37", 1, 102.4, true},
		{"voltage rounds to 1dp", "voltage", "229.96", 1, 230.0, true},
		{"frequency rounds to 1dp", "frequency", "49.987", 1, 50.0, true},
		{"energy rounds to 3dp", "energy", "12.34567", 1, 12.346, true},
		{"factor then round", "current", "1234.5", 0.001, 1.23, true},
		{"unavailable rejected", "temp", "unavailable", 1, nil, false},
		{"unknown rejected", "hum", "unknown", 1, nil, false},
		{"empty rejected", "temp", "", 1, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Convert(tt.prop, tt.state, tt.factor)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("Convert(%q, %q, %v) = %v, want %v", tt.prop, tt.state, tt.factor, got, tt.want)
			}
		})
	}
}

func TestCollector_Collect(t *testing.T) {
	ha := &fakeHA{states: map[string]string{
		"sensor.th_001_temperature": "21.5",
		"sensor.th_001_humidity":    "48.2",
		"sensor.th_001_battery":     "87",
	}}

	md := &discovery.MatchedDevice{
		Config: config.DeviceConfig{
			ID:         "th_001",
			Type:       config.DeviceTypeSensor,
			Properties: []string{"temp", "hum", "batt"},
		},
		Sensors: map[string]string{
			"temp": "sensor.th_001_temperature",
			"hum":  "sensor.th_001_humidity",
			"batt": "sensor.th_001_battery",
		},
	}

	props := New(ha, nil).Collect(context.Background(), md)

	if props["temp"] != 21.5 {
		t.Errorf("temp = %v, want 21.5", props["temp"])
	}
	if props["hum"] != 48.2 {
		t.Errorf("hum = %v, want 48.2", props["hum"])
	}
	if props["batt"] != 87.0 {
		t.Errorf("batt = %v, want 87", props["batt"])
	}
}

func TestCollector_Collect_DefaultBattery(t *testing.T) {
	ha := &fakeHA{states: map[string]string{
		"sensor.th_001_temperature": "21.5",
	}}

	md := &discovery.MatchedDevice{
		Config: config.DeviceConfig{
			ID:         "th_001",
			Type:       config.DeviceTypeSensor,
			Properties: []string{"temp", "batt"},
		},
		Sensors: map[string]string{"temp": "sensor.th_001_temperature"},
	}

	props := New(ha, nil).Collect(context.Background(), md)

	if props["batt"] != DefaultBattery {
		t.Errorf("batt = %v, want default %d", props["batt"], DefaultBattery)
	}
}

func TestCollector_Collect_NoDefaultBatteryWhenUnsupported(t *testing.T) {
	ha := &fakeHA{states: map[string]string{
		"sensor.th_002_temperature": "19.0",
	}}

	md := &discovery.MatchedDevice{
		Config: config.DeviceConfig{
			ID:         "th_002",
			Type:       config.DeviceTypeSensor,
			Properties: []string{"temp", "hum"},
		},
		Sensors: map[string]string{"temp": "sensor.th_002_temperature"},
	}

	props := New(ha, nil).Collect(context.Background(), md)

	if _, ok := props["batt"]; ok {
		t.Errorf("batt published for device whose supported list is %v", md.Config.Properties)
	}
	if props["temp"] != 19.0 {
		t.Errorf("temp = %v, want 19.0", props["temp"])
	}
}

func TestCollector_Collect_NoDefaultBatteryForSwitch(t *testing.T) {
	ha := &fakeHA{states: map[string]string{
		"switch.plug_001": "on",
	}}

	md := &discovery.MatchedDevice{
		Config: config.DeviceConfig{
			ID:   "plug_001",
			Type: config.DeviceTypeSwitch,
		},
		Sensors: map[string]string{"state": "switch.plug_001"},
	}

	props := New(ha, nil).Collect(context.Background(), md)

	if props["state"] != 1 {
		t.Errorf("state = %v, want 1", props["state"])
	}
	if _, ok := props["batt"]; ok {
		t.Error("switch devices should not get a default battery value")
	}
}

func TestCollector_Collect_SkipsFailedEntities(t *testing.T) {
	ha := &fakeHA{states: map[string]string{
		"sensor.th_001_temperature": "21.5",
		"sensor.th_001_humidity":    "unavailable",
	}}

	md := &discovery.MatchedDevice{
		Config: config.DeviceConfig{ID: "th_001", Type: config.DeviceTypeSwitch},
		Sensors: map[string]string{
			"temp":    "sensor.th_001_temperature",
			"hum":     "sensor.th_001_humidity",
			"missing": "sensor.th_001_gone",
		},
	}

	props := New(ha, nil).Collect(context.Background(), md)

	if len(props) != 1 {
		t.Fatalf("got %d properties, want 1: %v", len(props), props)
	}
	if props["temp"] != 21.5 {
		t.Errorf("temp = %v, want 21.5", props["temp"])
	}
}

func TestCollector_Collect_ConversionFactors(t *testing.T) {
	ha := &fakeHA{states: map[string]string{
		"sensor.plug_001_current": "1234",
		"sensor.plug_001_voltage": "2301",
	}}

	md := &discovery.MatchedDevice{
		Config: config.DeviceConfig{
			ID:   "plug_001",
			Type: config.DeviceTypeSocket,
			ConversionFactors: map[string]float64{
				"current": 0.001,
				"voltage": 0.1,
			},
		},
		Sensors: map[string]string{
			"current": "sensor.plug_001_current",
			"voltage": "sensor.plug_001_voltage",
		},
	}

	props := New(ha, nil).Collect(context.Background(), md)

	if props["current"] != 1.23 {
		t.Errorf("current = %v, want 1.23 (factor then 2dp round)", props["current"])
	}
	if props["voltage"] != 230.1 {
		t.Errorf("voltage = %v, want 230.1", props["voltage"])
	}
}
