package devices

import (
	"sync"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
)

// fakePeripheral scripts GATT interactions for driver tests. onWrite can
// inject notification replies synchronously, which the request/response
// drivers pick up from their buffered channels after the write returns.
type fakePeripheral struct {
	mu       sync.Mutex
	writes   [][]byte
	handlers map[string]func([]byte)
	onWrite  func(uuid string, data []byte)
	readData map[string][]byte
	disc     chan struct{}
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{
		handlers: make(map[string]func([]byte)),
		readData: make(map[string][]byte),
		disc:     make(chan struct{}),
	}
}

func (f *fakePeripheral) Address() string { return "AA:BB:CC:DD:EE:FF" }

func (f *fakePeripheral) ReadCharacteristic(uuid string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readData[uuid], nil
}

func (f *fakePeripheral) WriteCharacteristic(uuid string, data []byte, _ bool) error {
	f.mu.Lock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	onWrite := f.onWrite
	f.mu.Unlock()

	if onWrite != nil {
		onWrite(uuid, buf)
	}
	return nil
}

func (f *fakePeripheral) Subscribe(uuid string, fn func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[uuid] = fn
	return nil
}

func (f *fakePeripheral) Unsubscribe(uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, uuid)
	return nil
}

func (f *fakePeripheral) Disconnected() <-chan struct{} { return f.disc }
func (f *fakePeripheral) Disconnect() error             { return nil }

// notify delivers a notification to the subscribed handler.
func (f *fakePeripheral) notify(uuid string, data []byte) {
	f.mu.Lock()
	fn := f.handlers[uuid]
	f.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

var _ ble.Peripheral = (*fakePeripheral)(nil)
