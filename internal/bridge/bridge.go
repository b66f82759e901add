package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/devices"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
)

// Logger is the structured logging surface used throughout the bridge.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTConn is the broker surface the bridge depends on. Satisfied by
// mqtt.Client.
type MQTTConn interface {
	MessagePublisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Topics() mqtt.Topics
	SetOnConnect(callback func())
}

// shutdownGrace bounds how long shutdown waits for device tasks to finish.
const shutdownGrace = 10 * time.Second

// Bridge is the top-level orchestrator: it runs the shared adapter scan,
// fans advertisements out on the bus, supervises one task per configured
// device and routes inbound commands from the broker.
type Bridge struct {
	cfg     *config.Config
	logger  Logger
	mqtt    MQTTConn
	adapter ble.Adapter
	bus     *ble.Bus

	publisher   *Publisher
	supervisors []*Supervisor
}

// New wires the bridge from validated configuration. Devices whose driver
// cannot be built are logged and skipped; history and exporter may be nil.
func New(cfg *config.Config, client MQTTConn, adapter ble.Adapter, history HistoryRecorder, exporter MeasurementExporter, logger Logger) (*Bridge, error) {
	for _, issue := range cfg.DeviceIssues {
		logger.Warn("device entry rejected by configuration",
			"index", issue.Index, "address", issue.Address, "error", issue.Err)
	}

	publisher := NewPublisher(
		client,
		client.Topics(),
		cfg.Discovery.Prefix,
		*cfg.Discovery.Enabled,
		history,
		exporter,
		logger,
	)

	b := &Bridge{
		cfg:       cfg,
		logger:    logger,
		mqtt:      client,
		adapter:   adapter,
		bus:       ble.NewBus(),
		publisher: publisher,
	}

	gate := NewConnectGate()
	for _, devCfg := range cfg.Devices {
		driver, err := devices.New(devCfg)
		if err != nil {
			logger.Warn("skipping device",
				"address", devCfg.Address, "type", devCfg.Type, "error", err)
			continue
		}

		var session *Session
		if !driver.Passive() {
			session = NewSession(driver, adapter, gate, cfg.BLE, logger)
		}
		b.supervisors = append(b.supervisors, NewSupervisor(driver, session, b.bus, publisher, logger))

		logger.Info("device configured",
			"device", driver.Info().DeviceID,
			"type", driver.Info().Type,
			"passive", driver.Passive(),
		)
	}

	if len(b.supervisors) == 0 {
		return nil, ErrNoDevices
	}

	return b, nil
}

// Run operates the bridge until ctx is cancelled or the BLE adapter fails.
// An adapter failure is fatal: without the shared radio no device can work,
// so the error is returned for the process to exit on.
func (b *Bridge) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	topics := b.mqtt.Topics()

	if err := b.mqtt.Subscribe(topics.AllDeviceCommands(), byte(b.cfg.MQTT.QoS), b.publisher.HandleCommand); err != nil {
		return fmt.Errorf("subscribing to command topics: %w", err)
	}

	// Discovery descriptors are retained, but the broker may have been
	// wiped, so republish on every (re)connect as well as at startup.
	b.publisher.PublishDiscovery(topics.BridgeAvailability())
	b.mqtt.SetOnConnect(func() {
		b.publisher.PublishDiscovery(topics.BridgeAvailability())
	})

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- b.adapter.Scan(runCtx, b.bus.Publish)
	}()

	var wg sync.WaitGroup
	for _, sup := range b.supervisors {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			sup.Run(runCtx)
		}(sup)
	}

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("bridge shutting down")
	case err := <-scanErr:
		if err != nil && runCtx.Err() == nil {
			runErr = fmt.Errorf("%w: %w", ErrAdapterFailed, err)
			b.logger.Error("ble scan terminated", "error", err)
		}
	}

	cancel()
	b.waitSupervisors(&wg)

	// Mark every device offline so the platform does not trust stale
	// retained state while the bridge is down.
	for _, sup := range b.supervisors {
		b.publisher.PublishAvailability(sup.Driver().Info().DeviceID, false)
	}

	return runErr
}

// waitSupervisors waits for device tasks to stop, bounded by shutdownGrace.
func (b *Bridge) waitSupervisors(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		b.logger.Warn("device tasks did not stop in time", "grace", shutdownGrace)
	}
}
