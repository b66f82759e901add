package devices

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// AM43 blind motors expose a single characteristic for both commands and
// notification replies. Frames are
//
//	0x9A <command> <len> <data...> <checksum>
//
// where the checksum XORs every preceding byte. The device reports position
// with 0 = open; the published convention is 100 = open, so positions are
// inverted at the boundary.
const (
	am43ControlChar = "0000fe51-0000-1000-8000-00805f9b34fb"

	am43FrameStart = 0x9A

	am43CmdMove           = 0x0A
	am43CmdSetPosition    = 0x0D
	am43CmdGetBattery     = 0xA2
	am43CmdGetPosition    = 0xA7
	am43CmdGetIlluminance = 0xAA
	am43NotifyPosition    = 0xA1

	am43MoveStop  = 0xCC
	am43MoveOpen  = 0xDD
	am43MoveClose = 0xEE

	am43ResponseACK  = 0x5A
	am43ResponseNACK = 0xA5

	am43OpenPosition   = 100
	am43ClosedPosition = 0

	defaultAM43Interval = 2 * time.Minute
	am43ResponseTimeout = 10 * time.Second
)

// actuatorState tracks the cover's small internal state machine.
type actuatorState int

const (
	actuatorUninitialized actuatorState = iota
	actuatorReady
	actuatorMoving
)

func init() {
	Register("am43", func(cfg config.DeviceConfig) (Driver, error) {
		if err := validateMode(cfg, false, true); err != nil {
			return nil, err
		}
		return NewAM43(cfg), nil
	})
}

// AM43 drives AM43-style motorized blinds. Movement commands are only
// accepted after the first successful position poll initializes the
// actuator state.
type AM43 struct {
	info     Info
	interval time.Duration

	mu        sync.Mutex
	state     actuatorState
	position  int
	target    int
	responses chan []byte
	sink      func(State)
}

// NewAM43 builds the cover driver.
func NewAM43(cfg config.DeviceConfig) *AM43 {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultAM43Interval
	}
	return &AM43{
		info:     infoFromConfig(cfg, "A-OK", "AM43"),
		interval: interval,
		target:   -1,
	}
}

func (d *AM43) Info() Info    { return d.info }
func (d *AM43) Passive() bool { return false }

func (d *AM43) Entities() []Entity {
	return []Entity{
		{Name: "position", Component: "cover", DeviceClass: "shade", Commandable: true},
		{Name: "battery", Component: "sensor", DeviceClass: "battery", Unit: "%", Diagnostic: true},
		{Name: "illuminance", Component: "sensor", DeviceClass: "illuminance", Unit: "lx"},
	}
}

// StartNotify subscribes to the control characteristic. Request replies are
// routed to the waiting request; unsolicited position reports during
// movement go straight to the sink.
func (d *AM43) StartNotify(_ context.Context, p ble.Peripheral, sink func(State)) error {
	d.mu.Lock()
	d.state = actuatorUninitialized
	d.responses = make(chan []byte, 4)
	d.sink = sink
	responses := d.responses
	d.mu.Unlock()

	return p.Subscribe(am43ControlChar, func(data []byte) {
		frame := make([]byte, len(data))
		copy(frame, data)

		cmd, payload, err := decodeAM43Frame(frame)
		if err != nil {
			return
		}

		if cmd == am43NotifyPosition {
			d.handlePositionNotify(payload)
			return
		}

		select {
		case responses <- frame:
		default:
		}
	})
}

// StopNotify disables the control subscription during teardown.
func (d *AM43) StopNotify(p ble.Peripheral) error {
	return p.Unsubscribe(am43ControlChar)
}

// handlePositionNotify processes movement progress reports and completes
// the Moving state when the target is reached.
func (d *AM43) handlePositionNotify(payload []byte) {
	if len(payload) < 2 {
		return
	}
	position := invertPosition(int(payload[1]))

	d.mu.Lock()
	d.position = position
	if d.state == actuatorMoving && (d.target < 0 || position == d.target) {
		d.state = actuatorReady
		d.target = -1
	}
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink(State{"position": position})
	}
}

// Poll reads position, battery and illuminance. The first successful poll
// moves the actuator out of Uninitialized.
func (d *AM43) Poll(ctx context.Context, p ble.Peripheral) (State, error) {
	posResp, err := d.request(ctx, p, am43CmdGetPosition, []byte{0x01})
	if err != nil {
		return nil, err
	}
	if len(posResp) < 3 {
		return nil, fmt.Errorf("%w: position response length %d", ErrMalformedPayload, len(posResp))
	}
	position := invertPosition(int(posResp[2]))

	batResp, err := d.request(ctx, p, am43CmdGetBattery, []byte{0x01})
	if err != nil {
		return nil, err
	}
	if len(batResp) < 5 {
		return nil, fmt.Errorf("%w: battery response length %d", ErrMalformedPayload, len(batResp))
	}
	battery := int(batResp[4])

	luxResp, err := d.request(ctx, p, am43CmdGetIlluminance, []byte{0x01})
	if err != nil {
		return nil, err
	}
	if len(luxResp) < 2 {
		return nil, fmt.Errorf("%w: illuminance response length %d", ErrMalformedPayload, len(luxResp))
	}
	illuminance := float64(luxResp[1]) * 12.5

	d.mu.Lock()
	d.position = position
	if d.state == actuatorUninitialized {
		d.state = actuatorReady
	}
	d.mu.Unlock()

	return State{
		"position":    position,
		"battery":     battery,
		"illuminance": illuminance,
	}, nil
}

func (d *AM43) PollInterval() time.Duration {
	return d.interval
}

// WriteCommand handles OPEN/CLOSE/STOP and absolute position commands on
// the cover entity.
func (d *AM43) WriteCommand(ctx context.Context, p ble.Peripheral, cmd Command) error {
	if cmd.Entity != "position" {
		return fmt.Errorf("%w: entity %q", ErrUnknownCommand, cmd.Entity)
	}

	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state == actuatorUninitialized {
		return fmt.Errorf("%w: position not yet read", ErrNotReady)
	}

	payload := strings.ToUpper(strings.TrimSpace(cmd.Payload))
	switch payload {
	case "OPEN":
		return d.setPosition(ctx, p, am43OpenPosition)
	case "CLOSE":
		return d.setPosition(ctx, p, am43ClosedPosition)
	case "STOP":
		return d.stop(ctx, p)
	default:
		position, err := strconv.Atoi(payload)
		if err != nil {
			return fmt.Errorf("%w: cover payload %q", ErrUnknownCommand, cmd.Payload)
		}
		if position < am43ClosedPosition || position > am43OpenPosition {
			return fmt.Errorf("%w: position %d out of range", ErrUnknownCommand, position)
		}
		return d.setPosition(ctx, p, position)
	}
}

func (d *AM43) setPosition(ctx context.Context, p ble.Peripheral, position int) error {
	resp, err := d.request(ctx, p, am43CmdSetPosition, []byte{byte(invertPosition(position))})
	if err != nil {
		return err
	}
	if err := checkAM43Ack(resp); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = actuatorMoving
	d.target = position
	d.mu.Unlock()
	return nil
}

func (d *AM43) stop(ctx context.Context, p ble.Peripheral) error {
	resp, err := d.request(ctx, p, am43CmdMove, []byte{am43MoveStop})
	if err != nil {
		return err
	}
	if err := checkAM43Ack(resp); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = actuatorReady
	d.target = -1
	d.mu.Unlock()
	return nil
}

// request writes one frame and waits for the reply carrying the same
// command ID.
func (d *AM43) request(ctx context.Context, p ble.Peripheral, cmd byte, data []byte) ([]byte, error) {
	d.mu.Lock()
	responses := d.responses
	d.mu.Unlock()
	if responses == nil {
		return nil, fmt.Errorf("%w: notifications not started", ErrNotReady)
	}

	for {
		select {
		case <-responses:
			continue
		default:
		}
		break
	}

	if err := p.WriteCharacteristic(am43ControlChar, encodeAM43Frame(cmd, data), false); err != nil {
		return nil, err
	}

	timer := time.NewTimer(am43ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: command 0x%02x", ErrResponseTimeout, cmd)
		case frame := <-responses:
			gotCmd, payload, err := decodeAM43Frame(frame)
			if err != nil {
				return nil, err
			}
			if gotCmd != cmd {
				continue
			}
			return payload, nil
		}
	}
}

// encodeAM43Frame builds a framed command with the XOR checksum.
func encodeAM43Frame(cmd byte, data []byte) []byte {
	frame := make([]byte, 0, len(data)+4)
	frame = append(frame, am43FrameStart, cmd, byte(len(data)))
	frame = append(frame, data...)

	var checksum byte
	for _, b := range frame {
		checksum ^= b
	}
	return append(frame, checksum)
}

// decodeAM43Frame validates framing and checksum, returning the command ID
// and data bytes (length byte and checksum stripped).
func decodeAM43Frame(frame []byte) (cmd byte, data []byte, err error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedPayload, len(frame))
	}
	if frame[0] != am43FrameStart {
		return 0, nil, fmt.Errorf("%w: bad start byte 0x%02x", ErrMalformedPayload, frame[0])
	}

	var checksum byte
	for _, b := range frame[:len(frame)-1] {
		checksum ^= b
	}
	if checksum != frame[len(frame)-1] {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrMalformedPayload)
	}

	data = frame[3 : len(frame)-1]
	if int(frame[2]) != len(data) {
		return 0, nil, fmt.Errorf("%w: length byte %d, have %d data bytes", ErrMalformedPayload, frame[2], len(data))
	}

	return frame[1], data, nil
}

func checkAM43Ack(data []byte) error {
	if len(data) < 1 || data[0] != am43ResponseACK {
		return ErrCommandRejected
	}
	return nil
}

func invertPosition(value int) int {
	return am43OpenPosition - value
}
