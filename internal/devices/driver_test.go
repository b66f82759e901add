package devices

import (
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

func TestNewUnknownType(t *testing.T) {
	_, err := New(config.DeviceConfig{Address: "AA:BB:CC:DD:EE:FF", Type: "toaster"})
	if !errors.Is(err, ErrUnknownDeviceType) {
		t.Fatalf("error = %v, want ErrUnknownDeviceType", err)
	}
}

func TestRegisteredFamilies(t *testing.T) {
	tags := Types()
	want := []string{"am43", "atomfast", "presence", "redmondkettle", "xiaomihtatc"}

	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagSet[tag] = true
	}
	for _, tag := range want {
		if !tagSet[tag] {
			t.Errorf("family %q not registered", tag)
		}
	}
}

func TestNewBuildsDriverWithIdentity(t *testing.T) {
	d, err := New(config.DeviceConfig{
		Address:      "11:22:33:AA:CC:AA",
		Type:         "presence",
		FriendlyName: "garage keys",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	info := d.Info()
	if info.DeviceID != "112233aaccaa" {
		t.Errorf("DeviceID = %q, want 112233aaccaa", info.DeviceID)
	}
	if info.Name() != "garage keys" {
		t.Errorf("Name() = %q, want friendly name", info.Name())
	}
	if !d.Passive() {
		t.Error("presence driver should be passive")
	}
}

func TestNewRejectsUnsupportedMode(t *testing.T) {
	passive := true
	active := false

	tests := []struct {
		name string
		cfg  config.DeviceConfig
	}{
		{
			name: "kettle cannot be passive",
			cfg:  config.DeviceConfig{Address: "AA:BB:CC:DD:EE:FF", Type: "redmondkettle", Passive: &passive},
		},
		{
			name: "presence cannot be active",
			cfg:  config.DeviceConfig{Address: "AA:BB:CC:DD:EE:FF", Type: "presence", Passive: &active},
		},
		{
			name: "thermometer cannot be active",
			cfg:  config.DeviceConfig{Address: "AA:BB:CC:DD:EE:FF", Type: "xiaomihtatc", Passive: &active},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, ErrUnsupportedMode) {
				t.Fatalf("error = %v, want ErrUnsupportedMode", err)
			}
		})
	}
}

func TestNewPropagatesFactoryError(t *testing.T) {
	_, err := New(config.DeviceConfig{
		Address: "AA:BB:CC:DD:EE:FF",
		Type:    "redmondkettle",
		Key:     "bad",
	})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("error = %v, want wrapped ErrInvalidKey", err)
	}
}
