package devices

import (
	"encoding/binary"
	"fmt"
)

// Redmond R4S wire framing: every request and response is wrapped in
//
//	0x55 <counter> <command> <payload...> 0xAA
//
// The counter echoes back in the response and pairs replies to requests. It
// wraps to zero after 100.
const (
	redmondFrameStart  = 0x55
	redmondFrameEnd    = 0xAA
	redmondCounterWrap = 100

	redmondCmdVersion   = 0x01
	redmondCmdRun       = 0x03
	redmondCmdStop      = 0x04
	redmondCmdWriteMode = 0x05
	redmondCmdReadMode  = 0x06
	redmondCmdAuth      = 0xFF
)

// Kettle mode selector in the state block.
const (
	kettleModeBoil  = 0x00
	kettleModeHeat  = 0x01
	kettleModeLight = 0x03
)

// Kettle run state in the state block.
const (
	kettleStateOff = 0x00
	kettleStateOn  = 0x02
)

const (
	redmondKeyLen        = 8
	kettleStateBlockLen  = 16
	boilTimeRelativeBase = 0x80
)

// encodeRedmondFrame wraps a command and payload in the wire framing.
func encodeRedmondFrame(counter, cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, redmondFrameStart, counter, cmd)
	frame = append(frame, payload...)
	return append(frame, redmondFrameEnd)
}

// decodeRedmondFrame validates the framing and returns counter, command and
// payload.
func decodeRedmondFrame(frame []byte) (counter, cmd byte, payload []byte, err error) {
	if len(frame) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedPayload, len(frame))
	}
	if frame[0] != redmondFrameStart {
		return 0, 0, nil, fmt.Errorf("%w: bad start byte 0x%02x", ErrMalformedPayload, frame[0])
	}
	if frame[len(frame)-1] != redmondFrameEnd {
		return 0, 0, nil, fmt.Errorf("%w: bad end byte 0x%02x", ErrMalformedPayload, frame[len(frame)-1])
	}
	return frame[1], frame[2], frame[3 : len(frame)-1], nil
}

// nextRedmondCounter advances the rolling command counter.
func nextRedmondCounter(counter byte) byte {
	counter++
	if counter > redmondCounterWrap {
		return 0
	}
	return counter
}

// kettleState is the decoded 16-byte G200 state block.
type kettleState struct {
	Mode              byte
	TargetTemperature int
	Blocked           bool
	Sound             bool
	Temperature       int
	ColorChangePeriod uint16
	RunState          byte
	BoilTime          int
	Error             int
}

// decodeKettleState parses the READ_MODE response payload.
func decodeKettleState(payload []byte) (kettleState, error) {
	if len(payload) != kettleStateBlockLen {
		return kettleState{}, fmt.Errorf("%w: state block length %d, want %d",
			ErrMalformedPayload, len(payload), kettleStateBlockLen)
	}
	return kettleState{
		Mode:              payload[0],
		TargetTemperature: int(payload[2]),
		Blocked:           payload[3] != 0,
		Sound:             payload[4] != 0,
		Temperature:       int(payload[5]),
		ColorChangePeriod: binary.LittleEndian.Uint16(payload[6:8]),
		RunState:          payload[8],
		BoilTime:          int(payload[13]) - boilTimeRelativeBase,
		Error:             int(payload[15]),
	}, nil
}

// encode serializes the state block for WRITE_MODE. The error byte is
// always sent as zero.
func (s kettleState) encode() []byte {
	payload := make([]byte, kettleStateBlockLen)
	payload[0] = s.Mode
	payload[2] = byte(s.TargetTemperature)
	if s.Blocked {
		payload[3] = 1
	}
	if s.Sound {
		payload[4] = 1
	}
	payload[5] = byte(s.Temperature)
	binary.LittleEndian.PutUint16(payload[6:8], s.ColorChangePeriod)
	payload[8] = s.RunState
	payload[13] = byte(s.BoilTime + boilTimeRelativeBase)
	return payload
}

// modeName maps the mode selector to its published string form.
func (s kettleState) modeName() string {
	switch s.Mode {
	case kettleModeBoil:
		return "boil"
	case kettleModeHeat:
		return "heat"
	case kettleModeLight:
		return "light"
	default:
		return fmt.Sprintf("unknown(0x%02x)", s.Mode)
	}
}
