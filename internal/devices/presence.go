package devices

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

const (
	// defaultPresenceThreshold marks a device away after this much radio
	// silence.
	defaultPresenceThreshold = 300 * time.Second

	// defaultSendDataPeriod is the refresh period for re-publishing
	// presence while the device is home.
	defaultSendDataPeriod = 60 * time.Second

	trackerHome    = "home"
	trackerNotHome = "not_home"
)

func init() {
	Register("presence", func(cfg config.DeviceConfig) (Driver, error) {
		if err := validateMode(cfg, true, false); err != nil {
			return nil, err
		}
		return NewPresence(cfg), nil
	})
}

// Presence tracks home/away state of any advertising BLE device from
// advertisement recency alone. Purely passive; the payload content is
// irrelevant, only the fact that the device was heard.
type Presence struct {
	info           Info
	threshold      time.Duration
	sendDataPeriod time.Duration
	sdpActivation  bool

	mu            sync.Mutex
	seen          bool
	present       bool
	lastSeen      time.Time
	lastPublished time.Time

	now func() time.Time
}

// NewPresence builds a presence tracker for one address.
func NewPresence(cfg config.DeviceConfig) *Presence {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultPresenceThreshold
	}
	sendDataPeriod := cfg.SendDataPeriod
	if sendDataPeriod <= 0 {
		sendDataPeriod = defaultSendDataPeriod
	}

	return &Presence{
		info:           infoFromConfig(cfg, "", "presence tracker"),
		threshold:      threshold,
		sendDataPeriod: sendDataPeriod,
		sdpActivation:  cfg.SDPActivation,
		now:            time.Now,
	}
}

func (d *Presence) Info() Info    { return d.info }
func (d *Presence) Passive() bool { return true }

func (d *Presence) Entities() []Entity {
	return []Entity{
		{
			Name:          "presence",
			Component:     "binary_sensor",
			DeviceClass:   "presence",
			AlwaysPublish: true,
		},
		{
			Name:          "device_tracker",
			Component:     "device_tracker",
			AlwaysPublish: true,
		},
	}
}

// DecodeAdvertisement records the sighting and emits the home transition,
// or a periodic refresh while home unless transition-only publication is
// configured.
func (d *Presence) DecodeAdvertisement(_ ble.Advertisement) (State, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastSeen = now

	if !d.seen || !d.present {
		d.seen = true
		d.present = true
		d.lastPublished = now
		return presenceState(true), nil
	}

	if !d.sdpActivation && now.Sub(d.lastPublished) >= d.sendDataPeriod {
		d.lastPublished = now
		return presenceState(true), nil
	}

	return nil, nil
}

// Sweep emits the away transition exactly once when the silence exceeds the
// threshold. While home and not in transition-only mode it also emits the
// periodic refresh, so a quiet-but-present device keeps reporting.
func (d *Presence) Sweep(now time.Time) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.seen {
		return nil, false
	}

	if d.present && now.Sub(d.lastSeen) > d.threshold {
		d.present = false
		d.lastPublished = now
		return presenceState(false), true
	}

	if d.present && !d.sdpActivation && now.Sub(d.lastPublished) >= d.sendDataPeriod {
		d.lastPublished = now
		return presenceState(true), true
	}

	return nil, false
}

// SweepInterval keeps the sweep fine-grained enough that the away edge is
// detected within half the threshold.
func (d *Presence) SweepInterval() time.Duration {
	interval := d.threshold / 2
	if interval > d.sendDataPeriod {
		interval = d.sendDataPeriod
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func presenceState(present bool) State {
	tracker := trackerNotHome
	if present {
		tracker = trackerHome
	}
	return State{
		"presence":       present,
		"device_tracker": tracker,
	}
}
