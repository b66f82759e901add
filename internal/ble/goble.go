package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// Passive scan with the widest window the controller allows. Passive
// scanning never transmits, so it cannot disturb connections in progress.
var passiveScanParams = cmd.LESetScanParameters{
	LEScanType:           0x00,   // passive
	LEScanInterval:       0x4000, // N * 0.625ms
	LEScanWindow:         0x4000,
	OwnAddressType:       0x00, // public
	ScanningFilterPolicy: 0x00, // accept all
}

// LinuxAdapter drives the Linux HCI stack through go-ble.
type LinuxAdapter struct {
	device *linux.Device
	cfg    config.BLEConfig
}

// NewLinuxAdapter opens the configured HCI device and switches it to
// passive scanning.
func NewLinuxAdapter(cfg config.BLEConfig) (*LinuxAdapter, error) {
	device, err := linux.NewDevice(goble.OptDeviceID(cfg.AdapterID))
	if err != nil {
		return nil, fmt.Errorf("%w: hci%d: %w", ErrAdapterUnavailable, cfg.AdapterID, err)
	}

	if err := device.HCI.Send(&passiveScanParams, nil); err != nil {
		device.Stop()
		return nil, fmt.Errorf("%w: set scan parameters: %w", ErrAdapterUnavailable, err)
	}

	return &LinuxAdapter{device: device, cfg: cfg}, nil
}

// Scan runs until ctx is cancelled. Duplicate advertisements are requested
// from the controller because presence tracking needs every report, not
// just the first per device.
func (a *LinuxAdapter) Scan(ctx context.Context, handler func(Advertisement)) error {
	err := a.device.Scan(ctx, true, func(adv goble.Advertisement) {
		handler(normalizeAdvertisement(adv))
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrScanFailed, err)
	}
	return nil
}

// Dial connects to a peripheral and discovers its full GATT profile. The
// connect timeout comes from configuration; callers additionally bound the
// call with their own context.
func (a *LinuxAdapter) Dial(ctx context.Context, address string) (Peripheral, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	client, err := a.device.Dial(dialCtx, goble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("%w: %s: discover profile: %w", ErrConnectFailed, address, err)
	}

	opTimeout := a.cfg.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = a.cfg.ConnectTimeout
	}

	return &goblePeripheral{
		address:   NormalizeAddress(address),
		client:    client,
		profile:   profile,
		opTimeout: opTimeout,
	}, nil
}

// Close stops the HCI device.
func (a *LinuxAdapter) Close() error {
	return a.device.Stop()
}

// goblePeripheral wraps an open go-ble connection and its discovered
// profile.
type goblePeripheral struct {
	address   string
	client    goble.Client
	profile   *goble.Profile
	opTimeout time.Duration
}

func (p *goblePeripheral) Address() string {
	return p.address
}

func (p *goblePeripheral) find(uuid string) (*goble.Characteristic, error) {
	parsed, err := goble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrCharacteristicNotFound, uuid, err)
	}
	if c := p.profile.FindCharacteristic(goble.NewCharacteristic(parsed)); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrCharacteristicNotFound, uuid)
}

func (p *goblePeripheral) ReadCharacteristic(uuid string) ([]byte, error) {
	c, err := p.find(uuid)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = p.bound(func() error {
		var readErr error
		data, readErr = p.client.ReadCharacteristic(c)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("read characteristic %q: %w", uuid, err)
	}
	return data, nil
}

func (p *goblePeripheral) WriteCharacteristic(uuid string, data []byte, noResponse bool) error {
	c, err := p.find(uuid)
	if err != nil {
		return err
	}
	err = p.bound(func() error {
		return p.client.WriteCharacteristic(c, data, noResponse)
	})
	if err != nil {
		return fmt.Errorf("write characteristic %q: %w", uuid, err)
	}
	return nil
}

func (p *goblePeripheral) Subscribe(uuid string, fn func([]byte)) error {
	c, err := p.find(uuid)
	if err != nil {
		return err
	}
	err = p.bound(func() error {
		return p.client.Subscribe(c, false, fn)
	})
	if err != nil {
		return fmt.Errorf("subscribe characteristic %q: %w", uuid, err)
	}
	return nil
}

func (p *goblePeripheral) Unsubscribe(uuid string) error {
	c, err := p.find(uuid)
	if err != nil {
		return err
	}
	err = p.bound(func() error {
		return p.client.Unsubscribe(c, false)
	})
	if err != nil {
		return fmt.Errorf("unsubscribe characteristic %q: %w", uuid, err)
	}
	return nil
}

// bound runs one ATT operation with the peripheral's timeout. On timeout
// the connection is cancelled so the stranded request unwinds; the caller
// sees ErrOperationTimeout and the session layer treats it as a link
// failure.
func (p *goblePeripheral) bound(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	err := awaitOp(p.opTimeout, p.client.Disconnected(), done)
	if errors.Is(err, ErrOperationTimeout) {
		p.client.CancelConnection()
	}
	return err
}

// awaitOp waits for an in-flight ATT request. go-ble requests block until
// the peer answers or the link drops, so the wait is bounded here: a
// peripheral that accepts a connection and then stops responding must not
// stall its caller indefinitely.
func awaitOp(timeout time.Duration, disconnected <-chan struct{}, done <-chan error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-disconnected:
		return ErrDisconnected
	case <-timer.C:
		return ErrOperationTimeout
	}
}

func (p *goblePeripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *goblePeripheral) Disconnect() error {
	return p.client.CancelConnection()
}

// NormalizeAddress converts a BLE address to canonical uppercase colon
// form.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func normalizeAdvertisement(adv goble.Advertisement) Advertisement {
	out := Advertisement{
		Address:          NormalizeAddress(adv.Addr().String()),
		LocalName:        adv.LocalName(),
		ManufacturerData: adv.ManufacturerData(),
		RSSI:             adv.RSSI(),
		Received:         time.Now(),
	}

	if sd := adv.ServiceData(); len(sd) > 0 {
		out.ServiceData = make(map[string][]byte, len(sd))
		for _, entry := range sd {
			out.ServiceData[entry.UUID.String()] = entry.Data
		}
	}

	if services := adv.Services(); len(services) > 0 {
		out.Services = make([]string, 0, len(services))
		for _, s := range services {
			out.Services = append(out.Services, s.String())
		}
	}

	return out
}
