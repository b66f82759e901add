package devices

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// Nordic UART service characteristics used by Redmond R4S kettles. Commands
// are written to the TX characteristic; responses arrive as notifications
// on the RX characteristic.
const (
	redmondTXChar = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	redmondRXChar = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	defaultKettleInterval  = 60 * time.Second
	redmondResponseTimeout = 10 * time.Second

	// defaultRedmondKey is accepted by kettles that have never been paired
	// with a specific key.
	defaultRedmondKey = "ffffffffffffffff"
)

func init() {
	Register("redmondkettle", func(cfg config.DeviceConfig) (Driver, error) {
		if err := validateMode(cfg, false, true); err != nil {
			return nil, err
		}
		return NewRedmondKettle(cfg)
	})
}

// RedmondKettle drives Redmond G200-series smart kettles over the framed
// Nordic UART protocol. Requires an 8-byte pairing key; every connection
// re-authenticates before commands are accepted.
type RedmondKettle struct {
	info     Info
	key      []byte
	interval time.Duration

	mu        sync.Mutex
	counter   byte
	responses chan []byte
	version   string
}

// NewRedmondKettle validates the pairing key and builds the driver.
func NewRedmondKettle(cfg config.DeviceConfig) (*RedmondKettle, error) {
	keyHex := cfg.Key
	if keyHex == "" {
		keyHex = defaultRedmondKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(key) != redmondKeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, redmondKeyLen, len(key))
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultKettleInterval
	}

	return &RedmondKettle{
		info:     infoFromConfig(cfg, "Redmond", "RK-G200"),
		key:      key,
		interval: interval,
	}, nil
}

func (d *RedmondKettle) Info() Info    { return d.info }
func (d *RedmondKettle) Passive() bool { return false }

func (d *RedmondKettle) Entities() []Entity {
	return []Entity{
		{Name: "kettle", Component: "switch", Icon: "kettle", Commandable: true},
		{Name: "temperature", Component: "sensor", DeviceClass: "temperature", Unit: "°C"},
		{Name: "mode", Component: "sensor"},
		{Name: "error", Component: "sensor", Diagnostic: true},
	}
}

// StartNotify subscribes to the response characteristic and resets the
// per-connection protocol state. Must complete before authentication.
func (d *RedmondKettle) StartNotify(_ context.Context, p ble.Peripheral, _ func(State)) error {
	d.mu.Lock()
	d.counter = 0
	d.responses = make(chan []byte, 4)
	responses := d.responses
	d.mu.Unlock()

	return p.Subscribe(redmondRXChar, func(data []byte) {
		frame := make([]byte, len(data))
		copy(frame, data)
		select {
		case responses <- frame:
		default:
			// A stale reply nobody is waiting for.
		}
	})
}

// StopNotify disables the response subscription during teardown.
func (d *RedmondKettle) StopNotify(p ble.Peripheral) error {
	return p.Unsubscribe(redmondRXChar)
}

// AuthSteps authenticates with the pairing key and reads the firmware
// version.
func (d *RedmondKettle) AuthSteps() []AuthStep {
	return []AuthStep{
		{
			Name: "authenticate",
			Run: func(ctx context.Context, p ble.Peripheral) error {
				resp, err := d.request(ctx, p, redmondCmdAuth, d.key)
				if err != nil {
					return err
				}
				if len(resp) == 0 || resp[0] == 0 {
					return fmt.Errorf("%w: key rejected", ErrAuthenticationFailed)
				}
				return nil
			},
		},
		{
			Name: "read firmware version",
			Run: func(ctx context.Context, p ble.Peripheral) error {
				resp, err := d.request(ctx, p, redmondCmdVersion, nil)
				if err != nil {
					return err
				}
				if len(resp) >= 2 {
					d.mu.Lock()
					d.version = fmt.Sprintf("%d.%d", resp[0], resp[1])
					d.mu.Unlock()
				}
				return nil
			},
		},
	}
}

// Poll reads the current mode block.
func (d *RedmondKettle) Poll(ctx context.Context, p ble.Peripheral) (State, error) {
	resp, err := d.request(ctx, p, redmondCmdReadMode, nil)
	if err != nil {
		return nil, err
	}
	st, err := decodeKettleState(resp)
	if err != nil {
		return nil, err
	}
	return State{
		"kettle":      st.RunState != kettleStateOff,
		"temperature": st.Temperature,
		"mode":        st.modeName(),
		"error":       st.Error,
	}, nil
}

func (d *RedmondKettle) PollInterval() time.Duration {
	return d.interval
}

// WriteCommand handles switch commands on the kettle entity and target
// temperature writes.
func (d *RedmondKettle) WriteCommand(ctx context.Context, p ble.Peripheral, cmd Command) error {
	switch cmd.Entity {
	case "kettle":
		switch strings.ToUpper(strings.TrimSpace(cmd.Payload)) {
		case "ON", "TRUE", "1":
			return d.run(ctx, p)
		case "OFF", "FALSE", "0":
			return d.stop(ctx, p)
		default:
			return fmt.Errorf("%w: kettle payload %q", ErrUnknownCommand, cmd.Payload)
		}

	case "target_temperature":
		target, err := strconv.Atoi(strings.TrimSpace(cmd.Payload))
		if err != nil {
			return fmt.Errorf("%w: target temperature %q", ErrUnknownCommand, cmd.Payload)
		}
		return d.setTargetTemperature(ctx, p, target)

	default:
		return fmt.Errorf("%w: entity %q", ErrUnknownCommand, cmd.Entity)
	}
}

func (d *RedmondKettle) run(ctx context.Context, p ble.Peripheral) error {
	resp, err := d.request(ctx, p, redmondCmdRun, nil)
	if err != nil {
		return err
	}
	return checkSuccess(resp)
}

func (d *RedmondKettle) stop(ctx context.Context, p ble.Peripheral) error {
	resp, err := d.request(ctx, p, redmondCmdStop, nil)
	if err != nil {
		return err
	}
	return checkSuccess(resp)
}

// setTargetTemperature reads the current mode block, switches to heat mode
// with the new target and writes it back.
func (d *RedmondKettle) setTargetTemperature(ctx context.Context, p ble.Peripheral, target int) error {
	if target < 0 || target > 100 {
		return fmt.Errorf("%w: target temperature %d out of range", ErrUnknownCommand, target)
	}

	resp, err := d.request(ctx, p, redmondCmdReadMode, nil)
	if err != nil {
		return err
	}
	st, err := decodeKettleState(resp)
	if err != nil {
		return err
	}

	st.Mode = kettleModeHeat
	st.TargetTemperature = target

	resp, err = d.request(ctx, p, redmondCmdWriteMode, st.encode())
	if err != nil {
		return err
	}
	return checkSuccess(resp)
}

// request performs one framed write and waits for the matching response.
// The counter lockstep means requests are serialized per device.
func (d *RedmondKettle) request(ctx context.Context, p ble.Peripheral, cmd byte, payload []byte) ([]byte, error) {
	d.mu.Lock()
	counter := d.counter
	d.counter = nextRedmondCounter(d.counter)
	responses := d.responses
	d.mu.Unlock()

	if responses == nil {
		return nil, fmt.Errorf("%w: notifications not started", ErrNotReady)
	}

	// Drain replies from abandoned requests.
	for {
		select {
		case <-responses:
			continue
		default:
		}
		break
	}

	if err := p.WriteCharacteristic(redmondTXChar, encodeRedmondFrame(counter, cmd, payload), false); err != nil {
		return nil, err
	}

	timer := time.NewTimer(redmondResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: command 0x%02x", ErrResponseTimeout, cmd)
		case frame := <-responses:
			gotCounter, gotCmd, respPayload, err := decodeRedmondFrame(frame)
			if err != nil {
				return nil, err
			}
			if gotCounter != counter || gotCmd != cmd {
				// Late reply to an earlier request, keep waiting.
				continue
			}
			return respPayload, nil
		}
	}
}

func checkSuccess(resp []byte) error {
	if len(resp) == 0 || resp[0] == 0 {
		return ErrCommandRejected
	}
	return nil
}
