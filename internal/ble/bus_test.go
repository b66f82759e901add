package ble

import (
	"fmt"
	"testing"
	"time"
)

func testAdv(address string, rssi int, at time.Time) Advertisement {
	return Advertisement{
		Address:          address,
		LocalName:        "test",
		ManufacturerData: []byte{0x01, 0x02},
		RSSI:             rssi,
		Received:         at,
	}
}

func TestBusDeliversToAddressSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("aa:bb:cc:dd:ee:ff")
	defer bus.Unsubscribe(sub)

	bus.Publish(testAdv("AA:BB:CC:DD:EE:FF", -60, time.Now()))

	select {
	case adv := <-sub.C():
		if adv.Address != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("address = %q, want AA:BB:CC:DD:EE:FF", adv.Address)
		}
	default:
		t.Fatal("expected advertisement, got none")
	}
}

func TestBusIgnoresOtherAddresses(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	defer bus.Unsubscribe(sub)

	bus.Publish(testAdv("11:22:33:44:55:66", -60, time.Now()))

	select {
	case adv := <-sub.C():
		t.Fatalf("unexpected advertisement from %s", adv.Address)
	default:
	}
}

func TestBusWildcardReceivesEverything(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	now := time.Now()
	bus.Publish(testAdv("AA:BB:CC:DD:EE:FF", -60, now))
	bus.Publish(testAdv("11:22:33:44:55:66", -70, now))

	for i := 0; i < 2; i++ {
		select {
		case <-sub.C():
		default:
			t.Fatalf("expected 2 advertisements, got %d", i)
		}
	}
}

func TestBusDedupsIdenticalWithinWindow(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	defer bus.Unsubscribe(sub)

	now := time.Now()
	bus.Publish(testAdv("AA:BB:CC:DD:EE:FF", -60, now))
	// Same payload, different RSSI, inside the window: deduped.
	bus.Publish(testAdv("AA:BB:CC:DD:EE:FF", -75, now.Add(100*time.Millisecond)))

	received := 0
	for {
		select {
		case <-sub.C():
			received++
			continue
		default:
		}
		break
	}
	if received != 1 {
		t.Errorf("received = %d, want 1", received)
	}
}

func TestBusPassesIdenticalAfterWindow(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	defer bus.Unsubscribe(sub)

	now := time.Now()
	bus.Publish(testAdv("AA:BB:CC:DD:EE:FF", -60, now))
	bus.Publish(testAdv("AA:BB:CC:DD:EE:FF", -60, now.Add(time.Second)))

	received := 0
	for {
		select {
		case <-sub.C():
			received++
			continue
		default:
		}
		break
	}
	if received != 2 {
		t.Errorf("received = %d, want 2", received)
	}
}

func TestBusPassesChangedPayloadWithinWindow(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	defer bus.Unsubscribe(sub)

	now := time.Now()
	first := testAdv("AA:BB:CC:DD:EE:FF", -60, now)
	second := testAdv("AA:BB:CC:DD:EE:FF", -60, now.Add(50*time.Millisecond))
	second.ManufacturerData = []byte{0x03, 0x04}

	bus.Publish(first)
	bus.Publish(second)

	received := 0
	for {
		select {
		case <-sub.C():
			received++
			continue
		default:
		}
		break
	}
	if received != 2 {
		t.Errorf("received = %d, want 2", received)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	defer bus.Unsubscribe(sub)

	now := time.Now()
	for i := 0; i < defaultBufferSize+5; i++ {
		adv := testAdv("AA:BB:CC:DD:EE:FF", -60, now.Add(time.Duration(i)*time.Second))
		adv.ManufacturerData = []byte{byte(i)}
		bus.Publish(adv)
	}

	if got := bus.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestBusExpiresDedupState(t *testing.T) {
	bus := NewBus()
	start := time.Now()

	// A scan in a busy radio environment sees a steady stream of one-off
	// addresses that never advertise again.
	for i := 0; i < 1000; i++ {
		bus.Publish(testAdv(fmt.Sprintf("AA:BB:CC:DD:%02X:%02X", i/256, i%256), -60, start))
	}

	bus.Publish(testAdv("11:22:33:44:55:66", -60, start.Add(2*defaultDedupWindow)))

	bus.mu.RLock()
	size := len(bus.lastSeen)
	bus.mu.RUnlock()
	if size != 1 {
		t.Fatalf("dedup entries = %d, want only the latest address", size)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	bus.Unsubscribe(sub)

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(testAdv("AA:BB:CC:DD:EE:FF", -60, time.Now()))
}
