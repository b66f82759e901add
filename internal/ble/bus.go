package ble

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

const (
	// defaultBufferSize bounds each subscriber channel. Advertisements
	// arrive far faster than drivers consume them during bursts, and a
	// dropped advertisement is recovered by the next one seconds later.
	defaultBufferSize = 16

	// defaultDedupWindow suppresses byte-identical advertisements from
	// the same address arriving in quick succession. Controllers often
	// report the same frame several times per advertising interval.
	defaultDedupWindow = 500 * time.Millisecond
)

// Bus fans advertisements out from the single radio scan to per-device
// subscribers.
//
// Subscribers register for a specific address or, with the empty address,
// for everything. Delivery is non-blocking: a subscriber that falls behind
// loses advertisements rather than stalling the scan goroutine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
	lastSeen    map[string]dedupEntry
	lastSweep   time.Time
	dedupWindow time.Duration
	dropped     uint64
}

type dedupEntry struct {
	fingerprint []byte
	at          time.Time
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	address string
	ch      chan Advertisement
}

// C returns the channel advertisements are delivered on. It is closed when
// the subscription is cancelled.
func (s *Subscription) C() <-chan Advertisement {
	return s.ch
}

// NewBus creates an advertisement bus with default buffering and dedup
// window.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		lastSeen:    make(map[string]dedupEntry),
		dedupWindow: defaultDedupWindow,
	}
}

// Subscribe registers for advertisements from the given address, normalized
// before matching. The empty address subscribes to all traffic.
func (b *Bus) Subscribe(address string) *Subscription {
	sub := &Subscription{
		address: NormalizeAddress(address),
		ch:      make(chan Advertisement, defaultBufferSize),
	}

	b.mu.Lock()
	b.subscribers[sub.address] = append(b.subscribers[sub.address], sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// once per subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.address]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.address] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers an advertisement to matching subscribers. Byte-identical
// advertisements from the same address within the dedup window are
// discarded before fanout.
func (b *Bus) Publish(adv Advertisement) {
	fingerprint := advFingerprint(adv)

	// Sends are non-blocking, so the lock is held across the fanout. This
	// also keeps Publish from racing a concurrent Unsubscribe close.
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.lastSeen[adv.Address]; ok {
		if adv.Received.Sub(entry.at) < b.dedupWindow && bytes.Equal(entry.fingerprint, fingerprint) {
			return
		}
	}
	b.lastSeen[adv.Address] = dedupEntry{fingerprint: fingerprint, at: adv.Received}
	b.sweepLocked(adv.Received)

	targets := make([]*Subscription, 0, len(b.subscribers[adv.Address])+len(b.subscribers[""]))
	targets = append(targets, b.subscribers[adv.Address]...)
	targets = append(targets, b.subscribers[""]...)

	for _, sub := range targets {
		select {
		case sub.ch <- adv:
			continue
		default:
		}

		// Buffer full: discard the oldest queued advertisement so the
		// subscriber always sees the freshest data.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- adv:
		default:
		}

		b.dropped++
	}
}

// sweepLocked expires dedup state that has aged out of the window. Every
// device in radio range leaves an entry, including passers-by on randomized
// addresses, so stale entries must be dropped or the map grows for as long
// as the scan runs. Runs at most once per window; entries older than the
// window cannot suppress anything anyway.
func (b *Bus) sweepLocked(now time.Time) {
	if now.Sub(b.lastSweep) < b.dedupWindow {
		return
	}
	b.lastSweep = now
	for address, entry := range b.lastSeen {
		if now.Sub(entry.at) >= b.dedupWindow {
			delete(b.lastSeen, address)
		}
	}
}

// Dropped returns the count of advertisements discarded because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// advFingerprint builds a comparable byte representation of the variable
// advertisement content. RSSI and timestamps are excluded so identical
// frames at different signal levels still dedup.
func advFingerprint(adv Advertisement) []byte {
	var buf bytes.Buffer
	buf.WriteString(adv.LocalName)
	buf.WriteByte(0)
	buf.Write(adv.ManufacturerData)
	buf.WriteByte(0)
	for _, uuid := range adv.Services {
		buf.WriteString(uuid)
		buf.WriteByte(0)
	}
	uuids := make([]string, 0, len(adv.ServiceData))
	for uuid := range adv.ServiceData {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	for _, uuid := range uuids {
		buf.WriteString(uuid)
		buf.WriteByte(0)
		buf.Write(adv.ServiceData[uuid])
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
