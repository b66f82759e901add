package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/devices"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
)

// MessagePublisher is the outbound MQTT surface the publisher depends on.
// Everything the publisher emits is retained so late subscribers see current
// values. Satisfied by mqtt.Client.
type MessagePublisher interface {
	PublishRetained(topic string, payload []byte) error
}

// HistoryRecorder persists published states. A nil recorder disables
// persistence.
type HistoryRecorder interface {
	Record(deviceID, entity, state string, at time.Time) error
}

// MeasurementExporter receives numeric fields of published states. A nil
// exporter disables export.
type MeasurementExporter interface {
	Export(deviceID, entity string, value float64, at time.Time)
}

// CommandTarget accepts inbound commands for one device. Satisfied by
// Supervisor.
type CommandTarget interface {
	EnqueueCommand(cmd devices.Command) error
}

const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

// Publisher translates decoded device states into topic/payload pairs,
// suppresses no-op traffic, emits discovery descriptors and routes inbound
// commands to the owning device's queue.
type Publisher struct {
	mqtt             MessagePublisher
	topics           mqtt.Topics
	discoveryPrefix  string
	discoveryEnabled bool
	history          HistoryRecorder
	exporter         MeasurementExporter
	logger           Logger

	mu      sync.Mutex
	devices map[string]*registration

	now func() time.Time
}

type registration struct {
	info            devices.Info
	entities        map[string]devices.Entity
	orderedEntities []devices.Entity
	target          CommandTarget

	// mu orders publications for this device only; a broker round-trip
	// stalled on one device never holds up the others.
	mu   sync.Mutex
	last map[string]string
}

// NewPublisher builds the state normalizer and publisher. history and
// exporter may be nil.
func NewPublisher(client MessagePublisher, topics mqtt.Topics, discoveryPrefix string, discoveryEnabled bool, history HistoryRecorder, exporter MeasurementExporter, logger Logger) *Publisher {
	return &Publisher{
		mqtt:             client,
		topics:           topics,
		discoveryPrefix:  discoveryPrefix,
		discoveryEnabled: discoveryEnabled,
		history:          history,
		exporter:         exporter,
		logger:           logger,
		devices:          make(map[string]*registration),
		now:              time.Now,
	}
}

// RegisterDevice makes a device known to the publisher and returns the
// state sink bound to it. target may be nil for passive devices without
// command support.
func (p *Publisher) RegisterDevice(driver devices.Driver, target CommandTarget) func(devices.State) {
	info := driver.Info()
	ordered := driver.Entities()
	entities := make(map[string]devices.Entity, len(ordered))
	for _, entity := range ordered {
		entities[entity.Name] = entity
	}

	p.mu.Lock()
	p.devices[info.DeviceID] = &registration{
		info:            info,
		entities:        entities,
		orderedEntities: ordered,
		target:          target,
		last:            make(map[string]string),
	}
	p.mu.Unlock()

	return func(state devices.State) {
		p.PublishState(info.DeviceID, state)
	}
}

// PublishState emits one topic per changed field. Publication order for a
// single device follows call order; fields flagged always-publish skip
// change suppression.
func (p *Publisher) PublishState(deviceID string, state devices.State) {
	p.mu.Lock()
	reg, known := p.devices[deviceID]
	p.mu.Unlock()
	if !known {
		p.logger.Warn("state for unregistered device", "device", deviceID)
		return
	}

	// The device's own lock spans the whole snapshot so its publishes are
	// never reordered; other devices publish independently.
	reg.mu.Lock()
	defer reg.mu.Unlock()

	at := p.now()
	for _, entity := range orderedEntities(reg, state) {
		value := state[entity.Name]
		payload := encodeValue(entity, value)

		if !entity.AlwaysPublish && reg.last[entity.Name] == payload {
			continue
		}
		reg.last[entity.Name] = payload

		topic := p.topics.DeviceState(deviceID, entity.Name)
		if err := p.mqtt.PublishRetained(topic, []byte(payload)); err != nil {
			p.logger.Error("state publish failed",
				"device", deviceID, "entity", entity.Name, "error", err)
			continue
		}

		if p.history != nil {
			if err := p.history.Record(deviceID, entity.Name, payload, at); err != nil {
				p.logger.Warn("history record failed",
					"device", deviceID, "entity", entity.Name, "error", err)
			}
		}
		if p.exporter != nil {
			if number, ok := numericValue(value); ok {
				p.exporter.Export(deviceID, entity.Name, number, at)
			}
		}
	}
}

// orderedEntities yields the device's entities present in the snapshot, in
// the driver's declared order so output is deterministic.
func orderedEntities(reg *registration, state devices.State) []devices.Entity {
	out := make([]devices.Entity, 0, len(state))
	for _, entity := range reg.orderedEntities {
		if _, present := state[entity.Name]; present {
			out = append(out, entity)
		}
	}
	return out
}

// PublishAvailability emits the retained per-device availability marker.
func (p *Publisher) PublishAvailability(deviceID string, online bool) {
	payload := mqtt.PayloadOffline
	if online {
		payload = mqtt.PayloadOnline
	}
	topic := p.topics.DeviceAvailability(deviceID)
	if err := p.mqtt.PublishRetained(topic, []byte(payload)); err != nil {
		p.logger.Error("availability publish failed", "device", deviceID, "error", err)
	}
}

// PublishDiscovery emits the retained platform discovery descriptor for
// every entity of every registered device. Idempotent; called at startup
// and again on MQTT reconnect since the broker session is not persistent.
func (p *Publisher) PublishDiscovery(bridgeAvailabilityTopic string) {
	if !p.discoveryEnabled {
		return
	}

	p.mu.Lock()
	regs := make([]*registration, 0, len(p.devices))
	for _, reg := range p.devices {
		regs = append(regs, reg)
	}
	p.mu.Unlock()

	for _, reg := range regs {
		for _, entity := range reg.orderedEntities {
			payload, err := p.discoveryPayload(reg.info, entity, bridgeAvailabilityTopic)
			if err != nil {
				p.logger.Error("discovery payload failed",
					"device", reg.info.DeviceID, "entity", entity.Name, "error", err)
				continue
			}
			topic := p.topics.Discovery(p.discoveryPrefix, entity.Component, reg.info.DeviceID, entity.Name)
			if err := p.mqtt.PublishRetained(topic, payload); err != nil {
				p.logger.Error("discovery publish failed",
					"device", reg.info.DeviceID, "entity", entity.Name, "error", err)
			}
		}
	}
}

type discoveryAvailability struct {
	Topic string `json:"topic"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type discoveryConfig struct {
	Name              string                  `json:"name"`
	UniqueID          string                  `json:"unique_id"`
	StateTopic        string                  `json:"state_topic"`
	CommandTopic      string                  `json:"command_topic,omitempty"`
	DeviceClass       string                  `json:"device_class,omitempty"`
	UnitOfMeasurement string                  `json:"unit_of_measurement,omitempty"`
	Icon              string                  `json:"icon,omitempty"`
	EntityCategory    string                  `json:"entity_category,omitempty"`
	PayloadOn         string                  `json:"payload_on,omitempty"`
	PayloadOff        string                  `json:"payload_off,omitempty"`
	Availability      []discoveryAvailability `json:"availability"`
	AvailabilityMode  string                  `json:"availability_mode"`
	Device            discoveryDevice         `json:"device"`
}

func (p *Publisher) discoveryPayload(info devices.Info, entity devices.Entity, bridgeAvailabilityTopic string) ([]byte, error) {
	cfg := discoveryConfig{
		Name:              fmt.Sprintf("%s %s", info.Name(), entity.Name),
		UniqueID:          fmt.Sprintf("%s_%s", info.DeviceID, entity.Name),
		StateTopic:        p.topics.DeviceState(info.DeviceID, entity.Name),
		DeviceClass:       entity.DeviceClass,
		UnitOfMeasurement: entity.Unit,
		AvailabilityMode:  "all",
		Availability: []discoveryAvailability{
			{Topic: bridgeAvailabilityTopic},
			{Topic: p.topics.DeviceAvailability(info.DeviceID)},
		},
		Device: discoveryDevice{
			Identifiers:  []string{info.DeviceID},
			Name:         info.Name(),
			Manufacturer: info.Manufacturer,
			Model:        info.Model,
		},
	}

	if entity.Icon != "" {
		cfg.Icon = "mdi:" + entity.Icon
	}
	if entity.Commandable {
		cfg.CommandTopic = p.topics.DeviceCommand(info.DeviceID, entity.Name)
	}
	if entity.Diagnostic {
		cfg.EntityCategory = "diagnostic"
	}
	if entity.Component == "binary_sensor" || entity.Component == "switch" {
		cfg.PayloadOn = payloadOn
		cfg.PayloadOff = payloadOff
	}

	return json.Marshal(cfg)
}

// HandleCommand routes an inbound command topic to the owning device's
// queue. Unknown topics and unknown devices are logged and dropped.
func (p *Publisher) HandleCommand(topic string, payload []byte) error {
	deviceID, entity, ok := p.topics.ParseCommand(topic)
	if !ok {
		p.logger.Warn("unrecognized command topic", "topic", topic)
		return nil
	}

	p.mu.Lock()
	reg, known := p.devices[deviceID]
	p.mu.Unlock()

	if !known || reg.target == nil {
		p.logger.Warn("command for unknown device", "topic", topic, "device", deviceID)
		return nil
	}
	if _, ok := reg.entities[entity]; !ok {
		p.logger.Warn("command for unknown entity",
			"device", deviceID, "entity", entity)
		return nil
	}

	cmd := devices.Command{Entity: entity, Payload: string(payload)}
	if err := reg.target.EnqueueCommand(cmd); err != nil {
		p.logger.Warn("command rejected", "device", deviceID, "entity", entity, "error", err)
	}
	return nil
}

// encodeValue serializes one state value for its topic.
func encodeValue(entity devices.Entity, value any) string {
	switch v := value.(type) {
	case bool:
		switch entity.Component {
		case "binary_sensor", "switch":
			if v {
				return payloadOn
			}
			return payloadOff
		default:
			return strconv.FormatBool(v)
		}
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// numericValue extracts a float for measurement export, if the value is
// numeric.
func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
