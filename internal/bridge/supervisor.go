package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/devices"
)

// commandQueueSize bounds the per-device command queue. Commands beyond
// this while the device is unreachable are rejected rather than piling up.
const commandQueueSize = 8

// SupervisorStatus is the operator-visible condition of one device task.
type SupervisorStatus int

const (
	StatusStopped SupervisorStatus = iota
	StatusRunning
	StatusDegraded
	StatusFailed
)

func (s SupervisorStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Supervisor is the long-lived task owning one device: its driver instance,
// its command queue and, for active-mode devices, its connection session.
// Failures inside one supervisor never propagate to another.
type Supervisor struct {
	driver  devices.Driver
	session *Session
	bus     *ble.Bus
	pub     *Publisher
	sink    func(devices.State)
	logger  Logger

	commands chan devices.Command

	mu      sync.Mutex
	running bool
	failed  bool

	now func() time.Time
}

// NewSupervisor wires a device task and registers it with the publisher.
// session is nil for passive drivers.
func NewSupervisor(driver devices.Driver, session *Session, bus *ble.Bus, pub *Publisher, logger Logger) *Supervisor {
	s := &Supervisor{
		driver:   driver,
		session:  session,
		bus:      bus,
		pub:      pub,
		logger:   logger,
		commands: make(chan devices.Command, commandQueueSize),
		now:      time.Now,
	}
	s.sink = pub.RegisterDevice(driver, s)

	if session != nil {
		deviceID := driver.Info().DeviceID
		session.OnStateChange(func(state SessionState) {
			switch state {
			case SessionReady:
				pub.PublishAvailability(deviceID, true)
			case SessionFailed:
				pub.PublishAvailability(deviceID, false)
			}
		})
	}
	return s
}

// Driver returns the supervised driver.
func (s *Supervisor) Driver() devices.Driver {
	return s.driver
}

// Status reports the current condition of the device task.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.failed:
		return StatusFailed
	case !s.running:
		return StatusStopped
	case s.session != nil && s.session.Degraded():
		return StatusDegraded
	default:
		return StatusRunning
	}
}

// EnqueueCommand queues an inbound command for the device. Commands are
// held until the session is Ready; a full queue rejects the command.
func (s *Supervisor) EnqueueCommand(cmd devices.Command) error {
	if _, ok := s.driver.(devices.CommandWriter); !ok {
		return fmt.Errorf("%w: %s", ErrNotCommandable, s.driver.Info().DeviceID)
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrCommandQueueFull, s.driver.Info().DeviceID)
	}
}

// Run executes the device task until ctx is cancelled. A panic in the
// driver is contained here and marks the task failed.
func (s *Supervisor) Run(ctx context.Context) {
	info := s.driver.Info()

	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.failed = true
			s.running = false
			s.mu.Unlock()
			s.logger.Error("device task panicked",
				"device", info.DeviceID, "panic", r)
			s.pub.PublishAvailability(info.DeviceID, false)
			return
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if s.driver.Passive() {
		s.runPassive(ctx)
		return
	}
	s.runActive(ctx)
}

// runPassive consumes advertisements and, for time-based drivers, runs the
// periodic sweep.
func (s *Supervisor) runPassive(ctx context.Context) {
	info := s.driver.Info()

	decoder, isDecoder := s.driver.(devices.AdvertisementDecoder)
	if !isDecoder {
		s.logger.Error("passive driver cannot decode advertisements",
			"device", info.DeviceID, "type", info.Type)
		return
	}

	sub := s.bus.Subscribe(info.Address)
	defer s.bus.Unsubscribe(sub)

	// Passive devices have no link to lose; they are available as long as
	// the bridge runs.
	s.pub.PublishAvailability(info.DeviceID, true)

	var sweepC <-chan time.Time
	sweeper, isSweeper := s.driver.(devices.Sweeper)
	if isSweeper {
		ticker := time.NewTicker(sweeper.SweepInterval())
		defer ticker.Stop()
		sweepC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case adv, ok := <-sub.C():
			if !ok {
				return
			}
			state, err := decoder.DecodeAdvertisement(adv)
			if err != nil {
				if errors.Is(err, devices.ErrMalformedPayload) {
					s.logger.Warn("dropped malformed advertisement",
						"device", info.DeviceID, "error", err)
					continue
				}
				s.logger.Error("advertisement decode failed",
					"device", info.DeviceID, "error", err)
				continue
			}
			if state != nil {
				s.sink(state)
			}

		case <-sweepC:
			if state, publish := sweeper.Sweep(s.now()); publish {
				s.sink(state)
			}
		}
	}
}

// runActive subscribes to the device's advertisements for reconnect pacing
// and hands control to the session.
func (s *Supervisor) runActive(ctx context.Context) {
	info := s.driver.Info()

	sub := s.bus.Subscribe(info.Address)
	defer s.bus.Unsubscribe(sub)

	if err := s.session.Run(ctx, s.sink, s.commands, sub.C()); err != nil {
		s.mu.Lock()
		s.failed = true
		s.mu.Unlock()
		s.logger.Error("device session terminated",
			"device", info.DeviceID, "error", err)
	}
}
