package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/devices"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// SessionState is the connection lifecycle state of one active-mode device.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionAuthenticating
	SessionReady
	SessionDisconnecting
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionAuthenticating:
		return "authenticating"
	case SessionReady:
		return "ready"
	case SessionDisconnecting:
		return "disconnecting"
	case SessionFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ConnectGate serializes GATT connection establishment across all devices.
// Only one device may be mid-connect (dial plus authenticate) at a time;
// established sessions operate concurrently.
type ConnectGate struct {
	sem chan struct{}
}

// NewConnectGate creates the process-wide gate.
func NewConnectGate() *ConnectGate {
	return &ConnectGate{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is cancelled.
func (g *ConnectGate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. Must pair with a successful Acquire.
func (g *ConnectGate) Release() {
	<-g.sem
}

// backoff implements capped exponential retry delays.
type backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

// Next returns the delay for the current attempt and advances.
func (b *backoff) Next() time.Duration {
	delay := b.initial
	for i := 0; i < b.attempt; i++ {
		delay *= 2
		if delay >= b.max {
			delay = b.max
			break
		}
	}
	b.attempt++
	return delay
}

// Reset returns the sequence to the initial delay.
func (b *backoff) Reset() {
	b.attempt = 0
}

// Session owns the exclusive connection lifecycle for one active-mode
// device: connect, authenticate, poll or notify, disconnect, retry with
// backoff. Exactly one Session exists per device address.
type Session struct {
	driver  devices.Driver
	adapter ble.Adapter
	gate    *ConnectGate
	logger  Logger

	backoff       backoff
	successWindow time.Duration

	mu       sync.Mutex
	state    SessionState
	retries  int
	lastErr  error
	authIdx  int
	degraded bool

	onState func(SessionState)

	now func() time.Time
}

// NewSession builds the connection manager for one driver.
func NewSession(driver devices.Driver, adapter ble.Adapter, gate *ConnectGate, cfg config.BLEConfig, logger Logger) *Session {
	return &Session{
		driver:  driver,
		adapter: adapter,
		gate:    gate,
		logger:  logger,
		backoff: backoff{
			initial: cfg.BackoffInitial,
			max:     cfg.BackoffMax,
		},
		successWindow: cfg.SuccessWindow,
		now:           time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent failure, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Degraded reports whether the device keeps rejecting authentication.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// OnStateChange installs a callback invoked on every lifecycle transition.
// Must be set before Run; the callback runs outside the session lock.
func (s *Session) OnStateChange(fn func(SessionState)) {
	s.onState = fn
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = SessionFailed
	s.lastErr = err
	s.retries++
	if errors.Is(err, devices.ErrAuthenticationFailed) {
		s.degraded = true
	}
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(SessionFailed)
	}
}

// Run manages the device's connection lifecycle until ctx is cancelled.
//
// Decoded states go to sink; inbound commands are consumed from commands
// only while the session is Ready, so writes queued before authentication
// completes are held, never transmitted early. readvertised wakes the retry
// wait early when the device is heard again, matching the pacing of the
// poll interval to the device actually being reachable.
func (s *Session) Run(ctx context.Context, sink func(devices.State), commands <-chan devices.Command, readvertised <-chan ble.Advertisement) error {
	for {
		if ctx.Err() != nil {
			s.setState(SessionIdle)
			return nil
		}

		err := s.runOnce(ctx, sink, commands)
		if ctx.Err() != nil {
			s.setState(SessionIdle)
			return nil
		}
		if err == nil {
			// Clean remote disconnect. Wait out the base delay, or an
			// earlier re-advertisement, before redialing so a device that
			// drops every connection straight away cannot monopolize the
			// connect gate.
			s.setState(SessionIdle)
			if !s.waitRetry(ctx, s.backoff.initial, readvertised) {
				return nil
			}
			continue
		}

		s.fail(err)
		s.logger.Warn("device session failed",
			"device", s.driver.Info().DeviceID,
			"error", err,
			"retries", s.retries,
		)

		delay := s.backoffNext()
		s.setState(SessionIdle)
		if !s.waitRetry(ctx, delay, readvertised) {
			return nil
		}
	}
}

func (s *Session) backoffNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff.Next()
}

func (s *Session) backoffReset() {
	s.mu.Lock()
	s.backoff.Reset()
	s.retries = 0
	s.degraded = false
	s.mu.Unlock()
}

// waitRetry sleeps for the backoff delay, waking early if the device
// advertises again. Returns false when ctx is cancelled.
func (s *Session) waitRetry(ctx context.Context, delay time.Duration, readvertised <-chan ble.Advertisement) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case _, ok := <-readvertised:
			if !ok {
				// No advertisement source, fall back to the timer.
				readvertised = nil
				continue
			}
			s.logger.Debug("device re-advertised, retrying early",
				"device", s.driver.Info().DeviceID,
			)
			return true
		}
	}
}

// runOnce performs one full connect/auth/ready cycle. A nil return means
// the peer disconnected cleanly.
func (s *Session) runOnce(ctx context.Context, sink func(devices.State), commands <-chan devices.Command) error {
	info := s.driver.Info()

	s.setState(SessionConnecting)
	if err := s.gate.Acquire(ctx); err != nil {
		return err
	}

	peripheral, err := s.connectAndAuth(ctx, sink)
	s.gate.Release()
	if err != nil {
		return err
	}

	defer func() {
		s.setState(SessionDisconnecting)
		if notifier, ok := s.driver.(devices.Notifier); ok {
			if err := notifier.StopNotify(peripheral); err != nil {
				s.logger.Debug("stop notify failed", "device", info.DeviceID, "error", err)
			}
		}
		if err := peripheral.Disconnect(); err != nil {
			s.logger.Debug("disconnect failed", "device", info.DeviceID, "error", err)
		}
	}()

	s.setState(SessionReady)
	s.logger.Info("device session ready", "device", info.DeviceID)

	return s.readyLoop(ctx, peripheral, sink, commands)
}

// connectAndAuth dials the device, starts notifications and walks the
// family's authentication steps. Runs entirely under the connect gate.
func (s *Session) connectAndAuth(ctx context.Context, sink func(devices.State)) (ble.Peripheral, error) {
	info := s.driver.Info()

	peripheral, err := s.adapter.Dial(ctx, info.Address)
	if err != nil {
		return nil, err
	}

	if notifier, ok := s.driver.(devices.Notifier); ok {
		if err := notifier.StartNotify(ctx, peripheral, sink); err != nil {
			peripheral.Disconnect()
			return nil, fmt.Errorf("starting notifications: %w", err)
		}
	}

	if auth, ok := s.driver.(devices.Authenticator); ok {
		s.setState(SessionAuthenticating)
		steps := auth.AuthSteps()

		s.mu.Lock()
		s.authIdx = 0
		s.mu.Unlock()

		for i, step := range steps {
			s.mu.Lock()
			s.authIdx = i
			s.mu.Unlock()

			if err := step.Run(ctx, peripheral); err != nil {
				peripheral.Disconnect()
				return nil, fmt.Errorf("auth step %q: %w", step.Name, err)
			}
		}
	}

	return peripheral, nil
}

// readyLoop services polls and commands until the link drops or ctx is
// cancelled.
func (s *Session) readyLoop(ctx context.Context, peripheral ble.Peripheral, sink func(devices.State), commands <-chan devices.Command) error {
	info := s.driver.Info()
	readyAt := s.now()
	reset := false

	var pollC <-chan time.Time
	poller, isPoller := s.driver.(devices.Poller)
	if isPoller {
		// Immediate first poll, then the configured interval.
		if err := s.pollOnce(ctx, poller, peripheral, sink); err != nil {
			return err
		}
		ticker := time.NewTicker(poller.PollInterval())
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		if !reset && s.now().Sub(readyAt) >= s.successWindow {
			s.backoffReset()
			reset = true
		}

		select {
		case <-ctx.Done():
			return nil

		case <-peripheral.Disconnected():
			s.logger.Info("device disconnected", "device", info.DeviceID)
			return nil

		case <-pollC:
			if err := s.pollOnce(ctx, poller, peripheral, sink); err != nil {
				return err
			}

		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			writer, isWriter := s.driver.(devices.CommandWriter)
			if !isWriter {
				s.logger.Warn("device does not accept commands",
					"device", info.DeviceID, "entity", cmd.Entity)
				continue
			}
			if err := writer.WriteCommand(ctx, peripheral, cmd); err != nil {
				if isProtocolError(err) {
					s.logger.Warn("command failed",
						"device", info.DeviceID, "entity", cmd.Entity, "error", err)
					continue
				}
				return fmt.Errorf("command %q: %w", cmd.Entity, err)
			}
			// Refresh immediately so the published state reflects the
			// command's effect.
			if isPoller {
				if err := s.pollOnce(ctx, poller, peripheral, sink); err != nil {
					return err
				}
			}
		}
	}
}

// pollOnce reads the device state and forwards it to the sink. Protocol
// errors drop the payload but keep the session alive.
func (s *Session) pollOnce(ctx context.Context, poller devices.Poller, peripheral ble.Peripheral, sink func(devices.State)) error {
	state, err := poller.Poll(ctx, peripheral)
	if err != nil {
		if isProtocolError(err) {
			s.logger.Warn("dropped malformed payload",
				"device", s.driver.Info().DeviceID, "error", err)
			return nil
		}
		return err
	}
	if state != nil {
		sink(state)
	}
	return nil
}

// isProtocolError classifies failures that should drop the payload or
// command without tearing down the session.
func isProtocolError(err error) bool {
	return errors.Is(err, devices.ErrMalformedPayload) ||
		errors.Is(err, devices.ErrCommandRejected) ||
		errors.Is(err, devices.ErrUnknownCommand) ||
		errors.Is(err, devices.ErrNotReady)
}
