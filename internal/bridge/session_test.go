package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/devices"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := backoff{initial: 2 * time.Second, max: 10 * time.Second}

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Fatalf("attempt %d: delay = %v, want %v", i, got, expected)
		}
	}

	b.Reset()
	if got := b.Next(); got != 2*time.Second {
		t.Fatalf("after reset: delay = %v, want 2s", got)
	}
}

func TestConnectGateSerializes(t *testing.T) {
	gate := NewConnectGate()

	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// A second acquire must block until the holder releases.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gate.Acquire(ctx); err == nil {
		t.Fatal("second acquire succeeded while gate held")
	}

	gate.Release()
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	gate.Release()
}

func testSessionConfig() config.BLEConfig {
	return config.BLEConfig{
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		SuccessWindow:  time.Hour,
	}
}

func TestSessionHoldsCommandsUntilReady(t *testing.T) {
	driver := newScriptedDriver(false)
	adapter := &fakeAdapter{peripheral: newFakePeripheral(driver.info.Address)}
	session := NewSession(driver, adapter, NewConnectGate(), testSessionConfig(), nopLogger{})

	var mu sync.Mutex
	var states []SessionState
	session.OnStateChange(func(s SessionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	// Queued before the session even starts; must not be written until the
	// device is authenticated and Ready.
	commands := make(chan devices.Command, 1)
	commands <- devices.Command{Entity: "kettle", Payload: "ON"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, func(devices.State) {}, commands, nil)
	}()

	want := []string{"auth", "poll", "command kettle=ON", "poll"}
	for i, expected := range want {
		if got := driver.nextEvent(t); got != expected {
			t.Fatalf("event %d = %q, want %q", i, got, expected)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawReady bool
	for _, s := range states {
		if s == SessionReady {
			sawReady = true
		}
	}
	if !sawReady {
		t.Fatalf("states = %v, never reached ready", states)
	}
}

func TestSessionAuthRejectionDegrades(t *testing.T) {
	driver := newScriptedDriver(false)
	driver.authErr = devices.ErrAuthenticationFailed
	adapter := &fakeAdapter{peripheral: newFakePeripheral(driver.info.Address)}
	session := NewSession(driver, adapter, NewConnectGate(), testSessionConfig(), nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, func(devices.State) {}, nil, nil)
	}()

	// Authentication rejection is not terminal: the session keeps retrying
	// with backoff while reporting itself degraded.
	driver.nextEvent(t)
	driver.nextEvent(t)
	if !session.Degraded() {
		t.Fatal("session not degraded after auth rejection")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSessionReconnectsAfterRemoteDisconnect(t *testing.T) {
	driver := newScriptedDriver(false)
	peripheral := newFakePeripheral(driver.info.Address)
	adapter := &fakeAdapter{peripheral: peripheral}
	session := NewSession(driver, adapter, NewConnectGate(), testSessionConfig(), nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, func(devices.State) {}, nil, nil)
	}()

	driver.nextEvent(t) // auth
	driver.nextEvent(t) // poll

	// Peer drops the link; a clean disconnect reconnects after the base
	// delay without advancing the backoff.
	adapter.mu.Lock()
	adapter.peripheral = newFakePeripheral(driver.info.Address)
	adapter.mu.Unlock()
	peripheral.Disconnect()

	if got := driver.nextEvent(t); got != "auth" {
		t.Fatalf("event after disconnect = %q, want auth", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// notifyingDriver adds the notification capability to the scripted driver.
type notifyingDriver struct {
	*scriptedDriver
}

func (d *notifyingDriver) StartNotify(context.Context, ble.Peripheral, func(devices.State)) error {
	d.events <- "start notify"
	return nil
}

func (d *notifyingDriver) StopNotify(ble.Peripheral) error {
	d.events <- "stop notify"
	return nil
}

func TestSessionStopsNotificationsOnTeardown(t *testing.T) {
	driver := &notifyingDriver{newScriptedDriver(false)}
	adapter := &fakeAdapter{peripheral: newFakePeripheral(driver.info.Address)}
	session := NewSession(driver, adapter, NewConnectGate(), testSessionConfig(), nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, func(devices.State) {}, nil, nil)
	}()

	for i, expected := range []string{"start notify", "auth", "poll"} {
		if got := driver.nextEvent(t); got != expected {
			t.Fatalf("event %d = %q, want %q", i, got, expected)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Teardown unsubscribes before dropping the link.
	if got := driver.nextEvent(t); got != "stop notify" {
		t.Fatalf("teardown event = %q, want stop notify", got)
	}
}

func TestSessionPacesCleanDisconnectReconnect(t *testing.T) {
	driver := newScriptedDriver(false)
	peripheral := newFakePeripheral(driver.info.Address)
	adapter := &fakeAdapter{peripheral: peripheral}
	cfg := config.BLEConfig{
		BackoffInitial: 150 * time.Millisecond,
		BackoffMax:     600 * time.Millisecond,
		SuccessWindow:  time.Hour,
	}
	session := NewSession(driver, adapter, NewConnectGate(), cfg, nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, func(devices.State) {}, nil, nil)
	}()

	driver.nextEvent(t) // auth
	driver.nextEvent(t) // poll

	// A peer that accepts and instantly drops every connection must not
	// turn into a tight dial loop hogging the connect gate.
	adapter.mu.Lock()
	adapter.peripheral = newFakePeripheral(driver.info.Address)
	adapter.mu.Unlock()
	dropped := time.Now()
	peripheral.Disconnect()

	if got := driver.nextEvent(t); got != "auth" {
		t.Fatalf("event after disconnect = %q, want auth", got)
	}
	if elapsed := time.Since(dropped); elapsed < cfg.BackoffInitial {
		t.Fatalf("redialed after %v, want at least %v", elapsed, cfg.BackoffInitial)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSessionCleanDisconnectWakesOnReadvertisement(t *testing.T) {
	driver := newScriptedDriver(false)
	peripheral := newFakePeripheral(driver.info.Address)
	adapter := &fakeAdapter{peripheral: peripheral}
	cfg := config.BLEConfig{
		BackoffInitial: time.Minute,
		BackoffMax:     10 * time.Minute,
		SuccessWindow:  time.Hour,
	}
	session := NewSession(driver, adapter, NewConnectGate(), cfg, nopLogger{})

	readvertised := make(chan ble.Advertisement, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, func(devices.State) {}, nil, readvertised)
	}()

	driver.nextEvent(t) // auth
	driver.nextEvent(t) // poll

	adapter.mu.Lock()
	adapter.peripheral = newFakePeripheral(driver.info.Address)
	adapter.mu.Unlock()
	peripheral.Disconnect()

	// Hearing the device again cuts the minute-long wait short.
	readvertised <- ble.Advertisement{Address: driver.info.Address}

	if got := driver.nextEvent(t); got != "auth" {
		t.Fatalf("event after re-advertisement = %q, want auth", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
