package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// Atom Fast dosimeters stream measurements as notifications on a vendor
// characteristic. Each frame is 13 bytes, little endian:
//
//	flags u8, dose f32, dose rate f32, pulses u16, battery i8, temperature i8
const (
	atomFastDataChar = "70bc767e-7a1a-4304-81ed-14b9af54f7bd"
	atomFastFrameLen = 13
)

func init() {
	Register("atomfast", func(cfg config.DeviceConfig) (Driver, error) {
		if err := validateMode(cfg, false, true); err != nil {
			return nil, err
		}
		return NewAtomFast(cfg), nil
	})
}

// AtomFast decodes Atom Fast radiation dosimeters. The accumulated dose and
// pulse count only ever grow on a running device, so any decrease means the
// device was reset; the reset is flagged in the published state rather than
// silently folded into the series.
type AtomFast struct {
	info Info

	mu         sync.Mutex
	haveValues bool
	lastDose   float64
	lastPulses int
}

// NewAtomFast builds the dosimeter driver.
func NewAtomFast(cfg config.DeviceConfig) *AtomFast {
	return &AtomFast{
		info: infoFromConfig(cfg, "Atom", "Fast"),
	}
}

func (d *AtomFast) Info() Info    { return d.info }
func (d *AtomFast) Passive() bool { return false }

func (d *AtomFast) Entities() []Entity {
	return []Entity{
		{Name: "dose", Component: "sensor", Unit: "mSv", Icon: "atom"},
		{Name: "dose_rate", Component: "sensor", Unit: "µSv/h", Icon: "atom"},
		{Name: "pulses", Component: "sensor"},
		{Name: "temperature", Component: "sensor", DeviceClass: "temperature", Unit: "°C"},
		{Name: "battery", Component: "sensor", DeviceClass: "battery", Unit: "%", Diagnostic: true},
		{Name: "counter_reset", Component: "binary_sensor", Diagnostic: true},
	}
}

// StartNotify subscribes to the measurement stream and feeds decoded
// snapshots to the sink. Malformed frames are dropped.
func (d *AtomFast) StartNotify(_ context.Context, p ble.Peripheral, sink func(State)) error {
	return p.Subscribe(atomFastDataChar, func(data []byte) {
		state, err := d.decode(data)
		if err != nil || state == nil {
			return
		}
		sink(state)
	})
}

// StopNotify disables the measurement stream during teardown.
func (d *AtomFast) StopNotify(p ble.Peripheral) error {
	return p.Unsubscribe(atomFastDataChar)
}

func (d *AtomFast) decode(data []byte) (State, error) {
	if len(data) != atomFastFrameLen {
		return nil, fmt.Errorf("%w: frame length %d, want %d", ErrMalformedPayload, len(data), atomFastFrameLen)
	}

	dose := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[1:5])))
	doseRate := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[5:9])))
	pulses := int(binary.LittleEndian.Uint16(data[9:11]))
	battery := int(int8(data[11]))
	temperature := int(int8(data[12]))

	d.mu.Lock()
	reset := d.haveValues && (dose < d.lastDose || pulses < d.lastPulses)
	d.haveValues = true
	d.lastDose = dose
	d.lastPulses = pulses
	d.mu.Unlock()

	return State{
		"dose":          round4(dose),
		"dose_rate":     round4(doseRate),
		"pulses":        pulses,
		"battery":       battery,
		"temperature":   temperature,
		"counter_reset": reset,
	}, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
