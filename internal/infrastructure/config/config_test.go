package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
mqtt:
  broker:
    host: broker.local
devices:
  - address: "11:22:33:aa:cc:aa"
    type: presence
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("default port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.BaseTopic != "blebridge" {
		t.Errorf("default base topic = %q, want blebridge", cfg.MQTT.BaseTopic)
	}
	if cfg.MQTT.DevicePrefix != "ble_" {
		t.Errorf("default device prefix = %q, want ble_", cfg.MQTT.DevicePrefix)
	}
	if cfg.Discovery.Prefix != "homeassistant" {
		t.Errorf("default discovery prefix = %q", cfg.Discovery.Prefix)
	}
	if cfg.Discovery.Enabled == nil || !*cfg.Discovery.Enabled {
		t.Error("discovery should default to enabled")
	}
	if cfg.BLE.ConnectTimeout != 30*time.Second {
		t.Errorf("default connect timeout = %v", cfg.BLE.ConnectTimeout)
	}
	if cfg.BLE.OperationTimeout != 10*time.Second {
		t.Errorf("default operation timeout = %v", cfg.BLE.OperationTimeout)
	}
	if got := cfg.Devices[0].Address; got != "11:22:33:AA:CC:AA" {
		t.Errorf("address not normalised: %q", got)
	}
}

func TestLoadAcceptsJSONDocument(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
  "mqtt": {"broker": {"host": "localhost", "port": 1884}},
  "devices": [
    {"address": "aa:bb:cc:dd:ee:ff", "type": "xiaomihtatc"}
  ]
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Broker.Port != 1884 {
		t.Errorf("port = %d, want 1884", cfg.MQTT.Broker.Port)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Type != "xiaomihtatc" {
		t.Errorf("unexpected devices: %+v", cfg.Devices)
	}
}

func TestValidateDocumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name: "wildcard in base topic",
			mutate: func(c *Config) {
				c.MQTT.BaseTopic = "ble/#"
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "invalid qos",
			mutate: func(c *Config) {
				c.MQTT.QoS = 3
			},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Devices: []DeviceConfig{
					{Address: "AA:BB:CC:DD:EE:01", Type: "presence"},
				},
			}
			cfg.applyDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePrunesBrokenDevices(t *testing.T) {
	tests := []struct {
		name      string
		devices   []DeviceConfig
		wantKept  []string
		wantIssue error
	}{
		{
			name: "duplicate address differing only in case",
			devices: []DeviceConfig{
				{Address: "AA:BB:CC:DD:EE:01", Type: "presence"},
				{Address: "aa:bb:cc:dd:ee:01", Type: "presence"},
			},
			wantKept:  []string{"AA:BB:CC:DD:EE:01"},
			wantIssue: ErrDuplicateAddress,
		},
		{
			name: "missing type",
			devices: []DeviceConfig{
				{Address: "AA:BB:CC:DD:EE:01"},
				{Address: "AA:BB:CC:DD:EE:02", Type: "presence"},
			},
			wantKept:  []string{"AA:BB:CC:DD:EE:02"},
			wantIssue: ErrInvalidConfig,
		},
		{
			name: "missing address",
			devices: []DeviceConfig{
				{Type: "presence"},
				{Address: "AA:BB:CC:DD:EE:02", Type: "presence"},
			},
			wantKept:  []string{"AA:BB:CC:DD:EE:02"},
			wantIssue: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Devices: tt.devices}
			cfg.applyDefaults()

			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v, want nil", err)
			}

			if len(cfg.Devices) != len(tt.wantKept) {
				t.Fatalf("kept %d devices, want %d", len(cfg.Devices), len(tt.wantKept))
			}
			for i, addr := range tt.wantKept {
				if cfg.Devices[i].Address != addr {
					t.Errorf("device %d address = %q, want %q", i, cfg.Devices[i].Address, addr)
				}
			}
			if len(cfg.DeviceIssues) != 1 {
				t.Fatalf("got %d issues, want 1", len(cfg.DeviceIssues))
			}
			if !errors.Is(cfg.DeviceIssues[0].Err, tt.wantIssue) {
				t.Errorf("issue error = %v, want %v", cfg.DeviceIssues[0].Err, tt.wantIssue)
			}
		})
	}
}

func TestDeviceID(t *testing.T) {
	if got := DeviceID("11:22:33:AA:CC:AA"); got != "112233aaccaa" {
		t.Errorf("DeviceID = %q, want 112233aaccaa", got)
	}
}
