package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when the configuration document omits a setting.
const (
	defaultBaseTopic        = "blebridge"
	defaultDevicePrefix     = "ble_"
	defaultMQTTPort         = 1883
	defaultMQTTClientID     = "graylogic-ble"
	defaultQoS              = 1
	defaultInitialDelay     = 1
	defaultMaxDelay         = 60
	defaultConnectTimeout   = 30 * time.Second
	defaultOperationTimeout = 10 * time.Second
	defaultBackoffInitial   = 2 * time.Second
	defaultBackoffMax       = 5 * time.Minute
	defaultSuccessWindow    = 30 * time.Second
	defaultHistoryMaxAge    = 7 * 24 * time.Hour
)

// Config is the root configuration structure for the BLE bridge.
//
// The document is parsed with yaml.v3; because YAML 1.2 is a superset of
// JSON, plain JSON configuration files are accepted unchanged.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	BLE       BLEConfig       `yaml:"ble"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
	Devices   []DeviceConfig  `yaml:"devices"`

	// DeviceIssues lists devices dropped during validation. A bad device
	// entry never prevents the remaining devices from starting; the issues
	// are surfaced here so the caller can log them.
	DeviceIssues []DeviceIssue `yaml:"-"`
}

// DeviceIssue records one device entry rejected during validation.
type DeviceIssue struct {
	Index   int
	Address string
	Err     error
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// BaseTopic is the root of all state/command topics.
	BaseTopic string `yaml:"base_topic"`

	// DevicePrefix is prepended to the device address in topic paths to
	// avoid clashing with other BLE software on the same broker.
	DevicePrefix string `yaml:"device_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// BLEConfig contains settings for the local BLE radio.
type BLEConfig struct {
	// AdapterID selects the HCI device (0 for hci0). Passed through to the
	// adapter layer without interpretation.
	AdapterID int `yaml:"adapter_id"`

	// ConnectTimeout bounds a single GATT connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// OperationTimeout bounds one characteristic read, write or subscribe
	// on an open connection.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// BackoffInitial is the retry delay after the first connection
	// failure; it doubles per consecutive failure up to BackoffMax.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// SuccessWindow is how long a session must stay up before the retry
	// delay resets to BackoffInitial.
	SuccessWindow time.Duration `yaml:"success_window"`
}

// DiscoveryConfig controls platform auto-registration messages.
type DiscoveryConfig struct {
	// Enabled turns discovery descriptor publication on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Prefix is the discovery namespace recognised by the automation
	// platform. Default: "homeassistant".
	Prefix string `yaml:"prefix"`
}

// InfluxDBConfig contains optional measurement-export settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// HistoryConfig contains optional SQLite state-history settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// MaxAge is the retention window for history rows.
	MaxAge time.Duration `yaml:"max_age"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DeviceConfig describes one configured BLE peripheral.
//
// Address and Type are required; the remaining options fall back to
// family-specific defaults when omitted. Instances are immutable after Load.
type DeviceConfig struct {
	// Address is the BLE MAC address, the unique key of the device.
	Address string `yaml:"address"`

	// Type is the driver family tag (e.g. "presence", "redmondkettle").
	Type string `yaml:"type"`

	// Passive requests advertisement-only operation for families that
	// support both modes. Nil means family default.
	Passive *bool `yaml:"passive"`

	// Key is the shared secret for families with an authentication
	// handshake, hex encoded.
	Key string `yaml:"key"`

	// ProductID selects a vendor product variant where the family needs it.
	ProductID int `yaml:"product_id"`

	// Interval is the poll interval for active-mode devices.
	Interval time.Duration `yaml:"interval"`

	// Threshold is the presence timeout: silence longer than this marks the
	// device away.
	Threshold time.Duration `yaml:"threshold"`

	// SendDataPeriod is the refresh period for periodic re-publication
	// while a tracked device is home.
	SendDataPeriod time.Duration `yaml:"send_data_period"`

	// SDPActivation switches the presence family to transition-only
	// publication (no periodic refresh once away).
	SDPActivation bool `yaml:"sdp_activation"`

	// FriendlyName overrides the display name in discovery descriptors.
	FriendlyName string `yaml:"friendly_name"`
}

// Load reads and parses the configuration file at the given path.
//
// Defaults are applied before validation, so a minimal document containing
// only the broker host and a device list is sufficient.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.MQTT.Broker.Host == "" {
		c.MQTT.Broker.Host = "localhost"
	}
	if c.MQTT.Broker.Port == 0 {
		c.MQTT.Broker.Port = defaultMQTTPort
	}
	if c.MQTT.Broker.ClientID == "" {
		c.MQTT.Broker.ClientID = defaultMQTTClientID
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = defaultQoS
	}
	if c.MQTT.Reconnect.InitialDelay == 0 {
		c.MQTT.Reconnect.InitialDelay = defaultInitialDelay
	}
	if c.MQTT.Reconnect.MaxDelay == 0 {
		c.MQTT.Reconnect.MaxDelay = defaultMaxDelay
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = defaultBaseTopic
	}
	if c.MQTT.DevicePrefix == "" {
		c.MQTT.DevicePrefix = defaultDevicePrefix
	}
	if c.BLE.ConnectTimeout == 0 {
		c.BLE.ConnectTimeout = defaultConnectTimeout
	}
	if c.BLE.OperationTimeout == 0 {
		c.BLE.OperationTimeout = defaultOperationTimeout
	}
	if c.BLE.BackoffInitial == 0 {
		c.BLE.BackoffInitial = defaultBackoffInitial
	}
	if c.BLE.BackoffMax == 0 {
		c.BLE.BackoffMax = defaultBackoffMax
	}
	if c.BLE.SuccessWindow == 0 {
		c.BLE.SuccessWindow = defaultSuccessWindow
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "homeassistant"
	}
	if c.Discovery.Enabled == nil {
		enabled := true
		c.Discovery.Enabled = &enabled
	}
	if c.History.MaxAge == 0 {
		c.History.MaxAge = defaultHistoryMaxAge
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks document-wide configuration invariants and prunes invalid
// device entries.
//
// A broken device entry (missing address or type, duplicate address) is
// fatal for that device only: the entry is removed, recorded in
// DeviceIssues, and the remaining devices are kept. Per-device semantic
// validation (unknown type tag, missing family parameters) happens later at
// driver construction for the same reason.
func (c *Config) Validate() error {
	if c.MQTT.Broker.Host == "" {
		return fmt.Errorf("%w: mqtt broker host is required", ErrInvalidConfig)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.MQTT.BaseTopic, "#+") {
		return fmt.Errorf("%w: base_topic must not contain wildcards", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Devices))
	kept := c.Devices[:0]
	for i := range c.Devices {
		dev := c.Devices[i]
		if dev.Address == "" {
			c.DeviceIssues = append(c.DeviceIssues, DeviceIssue{
				Index: i,
				Err:   fmt.Errorf("%w: address is required", ErrInvalidConfig),
			})
			continue
		}
		if dev.Type == "" {
			c.DeviceIssues = append(c.DeviceIssues, DeviceIssue{
				Index:   i,
				Address: dev.Address,
				Err:     fmt.Errorf("%w: type is required", ErrInvalidConfig),
			})
			continue
		}
		addr := NormalizeAddress(dev.Address)
		if _, dup := seen[addr]; dup {
			c.DeviceIssues = append(c.DeviceIssues, DeviceIssue{
				Index:   i,
				Address: dev.Address,
				Err:     ErrDuplicateAddress,
			})
			continue
		}
		seen[addr] = struct{}{}
		dev.Address = addr
		kept = append(kept, dev)
	}
	c.Devices = kept

	return nil
}

// NormalizeAddress canonicalises a BLE MAC address for map keys and topic
// construction (upper case, trimmed).
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// DeviceID returns the topic-safe identifier for a device address
// (colons stripped, lower case).
func DeviceID(address string) string {
	return strings.ToLower(strings.ReplaceAll(address, ":", ""))
}
