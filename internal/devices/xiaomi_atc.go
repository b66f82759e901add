package devices

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// The ATC/pvvx firmwares broadcast telemetry as service data under the
// Environmental Sensing service. Adapters may report the UUID in short or
// long form depending on the advertisement encoding.
var envSensingUUIDs = []string{
	"181a",
	"0000181a-0000-1000-8000-00805f9b34fb",
}

const (
	atcStockFrameLen  = 13
	atcCustomFrameLen = 15
)

func init() {
	Register("xiaomihtatc", func(cfg config.DeviceConfig) (Driver, error) {
		if err := validateMode(cfg, true, false); err != nil {
			return nil, err
		}
		return NewXiaomiATC(cfg), nil
	})
}

// XiaomiATC decodes Xiaomi LYWSD03MMC thermometers flashed with the ATC or
// pvvx custom firmware. Passive only; all data arrives in advertisements.
//
// Two frame formats exist: the 13-byte stock ATC format (big-endian, 0.1°C
// resolution, integer humidity) and the 15-byte custom format
// (little-endian, 0.01 resolution for both). Once a custom frame is seen
// the driver latches onto it and ignores the low-resolution frames some
// firmwares interleave.
type XiaomiATC struct {
	info Info

	mu          sync.Mutex
	sendsCustom bool
}

// NewXiaomiATC builds a decoder for one sensor.
func NewXiaomiATC(cfg config.DeviceConfig) *XiaomiATC {
	return &XiaomiATC{
		info: infoFromConfig(cfg, "Xiaomi", "LYWSD03MMC (ATC)"),
	}
}

func (d *XiaomiATC) Info() Info    { return d.info }
func (d *XiaomiATC) Passive() bool { return true }

func (d *XiaomiATC) Entities() []Entity {
	return []Entity{
		{Name: "temperature", Component: "sensor", DeviceClass: "temperature", Unit: "°C"},
		{Name: "humidity", Component: "sensor", DeviceClass: "humidity", Unit: "%"},
		{Name: "battery", Component: "sensor", DeviceClass: "battery", Unit: "%", Diagnostic: true},
	}
}

// DecodeAdvertisement extracts telemetry from the Environmental Sensing
// service data, if present.
func (d *XiaomiATC) DecodeAdvertisement(adv ble.Advertisement) (State, error) {
	var data []byte
	for _, uuid := range envSensingUUIDs {
		if payload, ok := adv.ServiceData[uuid]; ok {
			data = payload
			break
		}
	}
	if data == nil {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch len(data) {
	case atcCustomFrameLen:
		// MAC[0:6], temp i16 LE, humidity u16 LE, battery mV u16,
		// battery %, counter, flags.
		d.sendsCustom = true
		return State{
			"temperature": float64(int16(binary.LittleEndian.Uint16(data[6:8]))) / 100,
			"humidity":    float64(binary.LittleEndian.Uint16(data[8:10])) / 100,
			"battery":     int(data[12]),
		}, nil

	case atcStockFrameLen:
		if d.sendsCustom {
			// Low resolution duplicate of the custom frames, skip.
			return nil, nil
		}
		// MAC[0:6], temp i16 BE, humidity u8, battery %, battery mV u16
		// BE, counter.
		return State{
			"temperature": float64(int16(binary.BigEndian.Uint16(data[6:8]))) / 10,
			"humidity":    float64(data[8]),
			"battery":     int(data[9]),
		}, nil

	default:
		return nil, fmt.Errorf("%w: service data length %d", ErrMalformedPayload, len(data))
	}
}
