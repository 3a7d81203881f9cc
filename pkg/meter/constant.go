package meter

import (
	"errors"

	"chargepoint/pkg/runtime/constant"
	"go.bug.st/serial"
)

var (
	ErrModbusTimeout   = errors.New("modbus timeout")
	ErrModbusTransport = errors.New("modbus transport error")
	ErrBusClosed       = constant.ErrDeviceServerClosed
)

// RTU ADU = slave(1) + pdu(<=253) + crc(2)
const (
	maxReadRegisters = 125
	exceptionLength  = 5
)

var StopBitsToStopBits = map[constant.StopBits]serial.StopBits{
	constant.OneStopBit:           serial.OneStopBit,
	constant.OnePointFiveStopBits: serial.OnePointFiveStopBits,
	constant.TwoStopBits:          serial.TwoStopBits,
}

var ParityToParity = map[constant.Parity]serial.Parity{
	constant.NoParity:   serial.NoParity,
	constant.OddParity:  serial.OddParity,
	constant.EvenParity: serial.EvenParity,
}
