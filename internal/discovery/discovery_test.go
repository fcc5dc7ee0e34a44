package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/homeassistant"
)

// fakeStates implements statesLoader with canned responses.
type fakeStates struct {
	states []homeassistant.State
	errs   []error // consumed one per call; nil entries mean success
	calls  int
}

func (f *fakeStates) GetStates(context.Context) ([]homeassistant.State, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.states, nil
}

func sensorState(entityID, deviceClass, friendlyName string) homeassistant.State {
	attrs := map[string]any{}
	if deviceClass != "" {
		attrs["device_class"] = deviceClass
	}
	if friendlyName != "" {
		attrs["friendly_name"] = friendlyName
	}
	return homeassistant.State{EntityID: entityID, State: "0", Attributes: attrs}
}

func thermoDevice() config.DeviceConfig {
	return config.DeviceConfig{
		ID:           "th_001",
		Type:         config.DeviceTypeSensor,
		EntityPrefix: "th_001",
		Properties:   []string{"temp", "hum", "batt"},
		ProductKey:   "pk1",
		DeviceName:   "dn1",
	}
}

func TestCanonicalProperty(t *testing.T) {
	tests := []struct {
		token, want string
	}{
		{"temperature", "temp"},
		{"temp_c", "temp"},
		{"Temperature", "temp"},
		{"humidity_percent", "hum"},
		{"battery_level", "batt"},
		{"batt_p", "batt"},
		{"pressure", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CanonicalProperty(tt.token); got != tt.want {
			t.Errorf("CanonicalProperty(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestMatcher_Match_DeviceClass(t *testing.T) {
	m := NewMatcher(nil, []config.DeviceConfig{thermoDevice()}, nil)

	matched := m.Match([]homeassistant.State{
		sensorState("sensor.th_001_t", "temperature", ""),
		sensorState("sensor.th_001_h", "humidity", ""),
	})

	md := matched["th_001"]
	if md == nil {
		t.Fatal("device th_001 missing from results")
	}
	if got := md.Sensors["temp"]; got != "sensor.th_001_t" {
		t.Errorf("temp entity = %q", got)
	}
	if got := md.Sensors["hum"]; got != "sensor.th_001_h" {
		t.Errorf("hum entity = %q", got)
	}
}

func TestMatcher_Match_EntityIDTokens(t *testing.T) {
	m := NewMatcher(nil, []config.DeviceConfig{thermoDevice()}, nil)

	matched := m.Match([]homeassistant.State{
		sensorState("sensor.th_001_temperature", "", ""),
		sensorState("sensor.th_001_batt_p", "", ""),
	})

	md := matched["th_001"]
	if got := md.Sensors["temp"]; got != "sensor.th_001_temperature" {
		t.Errorf("temp entity = %q", got)
	}
	// batt_p splits into tokens; "batt" resolves to batt.
	if got := md.Sensors["batt"]; got != "sensor.th_001_batt_p" {
		t.Errorf("batt entity = %q", got)
	}
}

func TestMatcher_Match_FriendlyName(t *testing.T) {
	m := NewMatcher(nil, []config.DeviceConfig{thermoDevice()}, nil)

	matched := m.Match([]homeassistant.State{
		sensorState("sensor.th_001_xyz", "", "TH 001 Humidity"),
	})

	if got := matched["th_001"].Sensors["hum"]; got != "sensor.th_001_xyz" {
		t.Errorf("hum entity = %q, want friendly-name match", got)
	}
}

func TestMatcher_Match_UnsupportedPropertySkipped(t *testing.T) {
	dev := thermoDevice()
	dev.Properties = []string{"temp"} // humidity not supported
	m := NewMatcher(nil, []config.DeviceConfig{dev}, nil)

	matched := m.Match([]homeassistant.State{
		sensorState("sensor.th_001_humidity", "humidity", ""),
	})

	if len(matched["th_001"].Sensors) != 0 {
		t.Errorf("unsupported property should not bind, got %v", matched["th_001"].Sensors)
	}
}

func TestMatcher_Match_NonSensorIgnored(t *testing.T) {
	m := NewMatcher(nil, []config.DeviceConfig{thermoDevice()}, nil)

	matched := m.Match([]homeassistant.State{
		{EntityID: "switch.th_001_temperature", Attributes: map[string]any{"device_class": "temperature"}},
	})

	if len(matched["th_001"].Sensors) != 0 {
		t.Error("non-sensor entities must be ignored")
	}
}

func TestMatcher_Match_EntityBindsOnce(t *testing.T) {
	a := thermoDevice()
	b := thermoDevice()
	b.ID = "th_001_b"
	b.EntityPrefix = "th_001" // same prefix

	m := NewMatcher(nil, []config.DeviceConfig{a, b}, nil)
	matched := m.Match([]homeassistant.State{
		sensorState("sensor.th_001_temperature", "temperature", ""),
	})

	bound := 0
	for _, md := range matched {
		bound += len(md.Sensors)
	}
	if bound != 1 {
		t.Errorf("entity bound to %d devices, want 1", bound)
	}
}

func TestMatcher_Discover_RetriesOnFailure(t *testing.T) {
	fake := &fakeStates{
		states: []homeassistant.State{sensorState("sensor.th_001_temperature", "temperature", "")},
		errs:   []error{errors.New("connection refused"), errors.New("timeout"), nil},
	}

	m := NewMatcher(fake, []config.DeviceConfig{thermoDevice()}, nil)
	m.retry.Min = time.Millisecond
	m.retry.Max = 5 * time.Millisecond

	matched, err := m.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if fake.calls != 3 {
		t.Errorf("GetStates called %d times, want 3", fake.calls)
	}
	if matched["th_001"].Sensors["temp"] == "" {
		t.Error("expected temp binding after retries")
	}
}

func TestMatcher_Discover_GivesUpAfterAttempts(t *testing.T) {
	fake := &fakeStates{
		errs: []error{
			errors.New("down"), errors.New("down"), errors.New("down"),
			errors.New("down"), errors.New("down"),
		},
	}

	m := NewMatcher(fake, []config.DeviceConfig{thermoDevice()}, nil)
	m.attempts = 5
	m.retry.Min = time.Millisecond
	m.retry.Max = 2 * time.Millisecond

	if _, err := m.Discover(context.Background()); err == nil {
		t.Fatal("Discover should fail when all attempts fail")
	}
	if fake.calls != 5 {
		t.Errorf("GetStates called %d times, want 5", fake.calls)
	}
}

func TestFindControlEntity(t *testing.T) {
	controlDev := func(id, prefix string) config.DeviceConfig {
		return config.DeviceConfig{ID: id, Type: config.DeviceTypeSwitch, EntityPrefix: prefix}
	}

	tests := []struct {
		name    string
		dev     config.DeviceConfig
		states  []homeassistant.State
		want    string
		wantErr bool
	}{
		{
			name: "keyword on preferred over plain prefix match",
			dev:  controlDev("garage_relay", "gr1"),
			states: []homeassistant.State{
				{EntityID: "sensor.gr1_power"},
				{EntityID: "switch.gr1_on"},
			},
			want: "switch.gr1_on",
		},
		{
			name: "keyword state preferred",
			dev:  controlDev("garage_relay", "gr1"),
			states: []homeassistant.State{
				{EntityID: "sensor.gr1_power"},
				{EntityID: "switch.gr1_state"},
			},
			want: "switch.gr1_state",
		},
		{
			name: "trailing id token preferred",
			dev:  controlDev("garage_relay", "gr1"),
			states: []homeassistant.State{
				{EntityID: "sensor.gr1_power"},
				{EntityID: "switch.gr1_relay"},
			},
			want: "switch.gr1_relay",
		},
		{
			name: "fallback to first candidate",
			dev:  controlDev("garage_relay", "gr1"),
			states: []homeassistant.State{
				{EntityID: "light.gr1_xyz"},
			},
			want: "light.gr1_xyz",
		},
		{
			name: "no candidates",
			dev:  controlDev("plug_001", "plug_001"),
			states: []homeassistant.State{
				{EntityID: "switch.other_device"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindControlEntity(tt.states, tt.dev)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FindControlEntity: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
