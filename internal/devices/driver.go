package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// State is one decoded snapshot of a device, keyed by entity name. Values
// are plain Go types (bool, int, float64, string) ready for serialization.
// A snapshot is immutable once returned; the next snapshot supersedes it.
type State map[string]any

// Command is an inbound instruction for a device entity, parsed from the
// command topic.
type Command struct {
	Entity  string
	Payload string
}

// Info identifies a device for logging and discovery descriptors.
type Info struct {
	Address      string
	DeviceID     string
	Type         string
	Manufacturer string
	Model        string
	FriendlyName string
}

// Name returns the display name: the configured friendly name, or the
// device ID.
func (i Info) Name() string {
	if i.FriendlyName != "" {
		return i.FriendlyName
	}
	return i.DeviceID
}

// Entity describes one state topic a driver produces.
type Entity struct {
	// Name is the topic segment and State map key.
	Name string

	// Component is the platform entity class (sensor, binary_sensor,
	// switch, cover, device_tracker).
	Component string

	DeviceClass string
	Unit        string
	Icon        string

	// Commandable entities get a command topic and accept writes.
	Commandable bool

	// AlwaysPublish bypasses change suppression, for periodic refresh
	// entities like presence.
	AlwaysPublish bool

	// Diagnostic marks housekeeping entities (battery, error codes).
	Diagnostic bool
}

// Driver is the minimal surface every device family implements. Families
// add capabilities by implementing the optional interfaces below; callers
// discover them with type assertions.
type Driver interface {
	Info() Info
	Entities() []Entity

	// Passive reports whether the driver operates on advertisements only,
	// never holding a GATT connection.
	Passive() bool
}

// AdvertisementDecoder consumes advertisement reports. A nil State with a
// nil error means the advertisement carried nothing new.
type AdvertisementDecoder interface {
	DecodeAdvertisement(adv ble.Advertisement) (State, error)
}

// Sweeper is ticked periodically for drivers with time-based state
// (presence timeout). The returned bool reports whether the State should be
// published.
type Sweeper interface {
	Sweep(now time.Time) (State, bool)
	SweepInterval() time.Duration
}

// Notifier subscribes to the device's notification characteristics on a
// fresh connection. Unsolicited decoded states are delivered to sink; the
// sink must not block. StartNotify is called before authentication so
// request/response protocols can see their replies; StopNotify is called
// during teardown, before the connection closes.
type Notifier interface {
	StartNotify(ctx context.Context, p ble.Peripheral, sink func(State)) error
	StopNotify(p ble.Peripheral) error
}

// AuthStep is one stage of an authentication handshake. Steps run in order
// on every new connection; a failed step surfaces by name so retries are
// observable.
type AuthStep struct {
	Name string
	Run  func(ctx context.Context, p ble.Peripheral) error
}

// Authenticator is implemented by keyed families requiring a handshake
// before command characteristics accept writes.
type Authenticator interface {
	AuthSteps() []AuthStep
}

// Poller reads the device state on a fixed interval over an open
// connection.
type Poller interface {
	Poll(ctx context.Context, p ble.Peripheral) (State, error)
	PollInterval() time.Duration
}

// CommandWriter executes inbound commands over an open connection.
type CommandWriter interface {
	WriteCommand(ctx context.Context, p ble.Peripheral, cmd Command) error
}

// Factory builds a driver from its validated configuration.
type Factory func(cfg config.DeviceConfig) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver family available under its type tag. Called from
// driver init functions; duplicate registration panics.
func Register(typeTag string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typeTag]; dup {
		panic(fmt.Sprintf("devices: driver %q registered twice", typeTag))
	}
	registry[typeTag] = factory
}

// New constructs the driver for a device configuration. An unrecognized
// type tag fails eagerly with ErrUnknownDeviceType.
func New(cfg config.DeviceConfig) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeviceType, cfg.Type)
	}

	driver, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("building %q driver for %s: %w", cfg.Type, cfg.Address, err)
	}
	return driver, nil
}

// Types returns the registered type tags, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// validateMode checks an explicit passive flag against the modes the family
// supports. A nil flag means the family default and always passes.
func validateMode(cfg config.DeviceConfig, supportsPassive, supportsActive bool) error {
	if cfg.Passive == nil {
		return nil
	}
	if *cfg.Passive && !supportsPassive {
		return fmt.Errorf("%w: %q cannot operate passively", ErrUnsupportedMode, cfg.Type)
	}
	if !*cfg.Passive && !supportsActive {
		return fmt.Errorf("%w: %q is passive only", ErrUnsupportedMode, cfg.Type)
	}
	return nil
}

// infoFromConfig fills the shared identity fields.
func infoFromConfig(cfg config.DeviceConfig, manufacturer, model string) Info {
	return Info{
		Address:      cfg.Address,
		DeviceID:     config.DeviceID(cfg.Address),
		Type:         cfg.Type,
		Manufacturer: manufacturer,
		Model:        model,
		FriendlyName: cfg.FriendlyName,
	}
}
