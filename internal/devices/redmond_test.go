package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

func TestRedmondFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frame := encodeRedmondFrame(42, redmondCmdWriteMode, payload)

	counter, cmd, got, err := decodeRedmondFrame(frame)
	if err != nil {
		t.Fatalf("decodeRedmondFrame() error = %v", err)
	}
	if counter != 42 || cmd != redmondCmdWriteMode {
		t.Errorf("counter=%d cmd=0x%02x, want 42/0x%02x", counter, cmd, redmondCmdWriteMode)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %x, want %x", got, payload)
	}
}

func TestRedmondFrameRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"too short", []byte{0x55, 0x00}},
		{"bad start", []byte{0x56, 0x00, 0x06, 0xAA}},
		{"bad end", []byte{0x55, 0x00, 0x06, 0xAB}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := decodeRedmondFrame(tt.frame); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestRedmondCounterWraps(t *testing.T) {
	counter := byte(0)
	for i := 0; i < 100; i++ {
		counter = nextRedmondCounter(counter)
	}
	if counter != 100 {
		t.Fatalf("counter = %d after 100 increments, want 100", counter)
	}
	if counter = nextRedmondCounter(counter); counter != 0 {
		t.Errorf("counter = %d after wrap, want 0", counter)
	}
}

func TestKettleStateDecode(t *testing.T) {
	// 40° keep warm: mode=heat, target 0x28, sound on, current temp 0x19.
	block := []byte{
		0x01, 0x00, 0x28, 0x00, 0x01, 0x19, 0x0f, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0x00, 0x00,
	}

	st, err := decodeKettleState(block)
	if err != nil {
		t.Fatalf("decodeKettleState() error = %v", err)
	}
	if st.Mode != kettleModeHeat {
		t.Errorf("mode = 0x%02x, want heat", st.Mode)
	}
	if st.TargetTemperature != 40 {
		t.Errorf("target = %d, want 40", st.TargetTemperature)
	}
	if st.Temperature != 25 {
		t.Errorf("temperature = %d, want 25", st.Temperature)
	}
	if !st.Sound {
		t.Error("sound should be on")
	}
	if st.RunState != kettleStateOff {
		t.Errorf("run state = 0x%02x, want off", st.RunState)
	}
	if st.BoilTime != 0 {
		t.Errorf("boil time = %d, want 0", st.BoilTime)
	}
}

func TestKettleStateRoundTrip(t *testing.T) {
	in := kettleState{
		Mode:              kettleModeBoil,
		TargetTemperature: 95,
		Sound:             true,
		Temperature:       20,
		ColorChangePeriod: 0x0f,
		RunState:          kettleStateOn,
		BoilTime:          -2,
	}

	out, err := decodeKettleState(in.encode())
	if err != nil {
		t.Fatalf("decode(encode()) error = %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestKettleStateRejectsShortBlock(t *testing.T) {
	if _, err := decodeKettleState([]byte{0x01, 0x02, 0x03}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("error = %v, want ErrMalformedPayload", err)
	}
}

func TestRedmondKettleKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"empty key uses default", "", false},
		{"valid key", "aabbccddeeff0011", false},
		{"too short", "aabb", true},
		{"not hex", "zzzzzzzzzzzzzzzz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRedmondKettle(config.DeviceConfig{
				Address: "AA:BB:CC:DD:EE:FF",
				Type:    "redmondkettle",
				Key:     tt.key,
			})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("error = %v, want ErrInvalidKey", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// kettleReplies answers every written frame with a scripted response
// payload for the echoed counter and command.
func kettleReplies(p *fakePeripheral, respond func(cmd byte, payload []byte) []byte) {
	p.onWrite = func(uuid string, data []byte) {
		if uuid != redmondTXChar {
			return
		}
		counter, cmd, payload, err := decodeRedmondFrame(data)
		if err != nil {
			return
		}
		reply := respond(cmd, payload)
		if reply == nil {
			return
		}
		p.notify(redmondRXChar, encodeRedmondFrame(counter, cmd, reply))
	}
}

func TestRedmondKettleAuthSuccess(t *testing.T) {
	d, err := NewRedmondKettle(config.DeviceConfig{
		Address: "AA:BB:CC:DD:EE:FF",
		Type:    "redmondkettle",
		Key:     "ffffffffffffffff",
	})
	if err != nil {
		t.Fatalf("NewRedmondKettle() error = %v", err)
	}

	p := newFakePeripheral()
	kettleReplies(p, func(cmd byte, _ []byte) []byte {
		switch cmd {
		case redmondCmdAuth:
			return []byte{0x01}
		case redmondCmdVersion:
			return []byte{0x06, 0x0f}
		default:
			return nil
		}
	})

	if err := d.StartNotify(context.Background(), p, nil); err != nil {
		t.Fatalf("StartNotify() error = %v", err)
	}
	for _, step := range d.AuthSteps() {
		if err := step.Run(context.Background(), p); err != nil {
			t.Fatalf("auth step %q error = %v", step.Name, err)
		}
	}
}

func TestRedmondKettleStopNotifyRemovesSubscription(t *testing.T) {
	d, err := NewRedmondKettle(config.DeviceConfig{
		Address: "AA:BB:CC:DD:EE:FF",
		Type:    "redmondkettle",
	})
	if err != nil {
		t.Fatalf("NewRedmondKettle() error = %v", err)
	}

	p := newFakePeripheral()
	if err := d.StartNotify(context.Background(), p, nil); err != nil {
		t.Fatalf("StartNotify() error = %v", err)
	}
	if err := d.StopNotify(p); err != nil {
		t.Fatalf("StopNotify() error = %v", err)
	}

	p.mu.Lock()
	_, subscribed := p.handlers[redmondRXChar]
	p.mu.Unlock()
	if subscribed {
		t.Fatal("response characteristic still subscribed after StopNotify")
	}
}

func TestRedmondKettleAuthRejected(t *testing.T) {
	d, err := NewRedmondKettle(config.DeviceConfig{
		Address: "AA:BB:CC:DD:EE:FF",
		Type:    "redmondkettle",
	})
	if err != nil {
		t.Fatalf("NewRedmondKettle() error = %v", err)
	}

	p := newFakePeripheral()
	kettleReplies(p, func(cmd byte, _ []byte) []byte {
		return []byte{0x00}
	})

	if err := d.StartNotify(context.Background(), p, nil); err != nil {
		t.Fatalf("StartNotify() error = %v", err)
	}

	err = d.AuthSteps()[0].Run(context.Background(), p)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestRedmondKettlePoll(t *testing.T) {
	d, err := NewRedmondKettle(config.DeviceConfig{
		Address: "AA:BB:CC:DD:EE:FF",
		Type:    "redmondkettle",
	})
	if err != nil {
		t.Fatalf("NewRedmondKettle() error = %v", err)
	}

	p := newFakePeripheral()
	kettleReplies(p, func(cmd byte, _ []byte) []byte {
		if cmd != redmondCmdReadMode {
			return nil
		}
		// Boiling at 85°C.
		return []byte{
			0x00, 0x00, 0x00, 0x00, 0x01, 0x55, 0x0f, 0x00,
			0x02, 0x00, 0x00, 0x00, 0x00, 0x80, 0x00, 0x00,
		}
	})

	if err := d.StartNotify(context.Background(), p, nil); err != nil {
		t.Fatalf("StartNotify() error = %v", err)
	}

	state, err := d.Poll(context.Background(), p)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if state["kettle"] != true {
		t.Errorf("kettle = %v, want true", state["kettle"])
	}
	if state["temperature"] != 85 {
		t.Errorf("temperature = %v, want 85", state["temperature"])
	}
	if state["mode"] != "boil" {
		t.Errorf("mode = %v, want boil", state["mode"])
	}
}

func TestRedmondKettleSwitchCommands(t *testing.T) {
	d, err := NewRedmondKettle(config.DeviceConfig{
		Address: "AA:BB:CC:DD:EE:FF",
		Type:    "redmondkettle",
	})
	if err != nil {
		t.Fatalf("NewRedmondKettle() error = %v", err)
	}

	p := newFakePeripheral()
	var lastCmd byte
	kettleReplies(p, func(cmd byte, _ []byte) []byte {
		lastCmd = cmd
		return []byte{0x01}
	})

	if err := d.StartNotify(context.Background(), p, nil); err != nil {
		t.Fatalf("StartNotify() error = %v", err)
	}

	if err := d.WriteCommand(context.Background(), p, Command{Entity: "kettle", Payload: "ON"}); err != nil {
		t.Fatalf("ON error = %v", err)
	}
	if lastCmd != redmondCmdRun {
		t.Errorf("ON sent 0x%02x, want RUN", lastCmd)
	}

	if err := d.WriteCommand(context.Background(), p, Command{Entity: "kettle", Payload: "OFF"}); err != nil {
		t.Fatalf("OFF error = %v", err)
	}
	if lastCmd != redmondCmdStop {
		t.Errorf("OFF sent 0x%02x, want STOP", lastCmd)
	}

	err = d.WriteCommand(context.Background(), p, Command{Entity: "kettle", Payload: "HOTTER"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("bad payload error = %v, want ErrUnknownCommand", err)
	}
}
