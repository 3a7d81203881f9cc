package meter

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/utils/binutil"
	"chargepoint/pkg/utils/crcutil"
)

/*
modbus rtu ADU = slave(1) + pdu(253) + crc16(2) = 256
*/

const (
	ReadHoldRegister  uint8 = 3
	ReadInputRegister uint8 = 4
)

// DataFrame is one read request and its response buffer.
type DataFrame struct {
	Slave             uint8
	FunctionCode      uint8
	StartAddress      uint16
	Quantity          uint16
	DataFrame         []byte
	ResponseDataFrame []byte
}

// ExceptionError is a modbus exception response from the slave.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return errors.Wrapf(ErrModbusTransport, "exception code %d for function %d", e.Code, e.FunctionCode).Error()
}

func (e *ExceptionError) Unwrap() error {
	return ErrModbusTransport
}

func NewReadFrame(slave uint8, functionCode uint8, startAddress uint16, quantity uint16) (*DataFrame, error) {
	if functionCode != ReadHoldRegister && functionCode != ReadInputRegister {
		return nil, errors.Errorf("unsupported function code %d", functionCode)
	}
	if quantity == 0 || quantity > maxReadRegisters {
		return nil, errors.Errorf("register count %d out of range", quantity)
	}
	df := &DataFrame{
		Slave:        slave,
		FunctionCode: functionCode,
		StartAddress: startAddress,
		Quantity:     quantity,
	}
	// 01 03 00 00 00 0A C5 CD
	// 01     slave
	// 03     function code
	// 00 00  start address
	// 00 0A  register count
	// C5 CD  crc16, low byte first
	message := make([]byte, 8)
	message[0] = slave
	message[1] = functionCode
	binutil.WriteUint16(message[2:], startAddress)
	binutil.WriteUint16(message[4:], quantity)
	binutil.WriteUint16LittleEndian(message[6:], crcutil.CheckCrc16sum(message[:6]))
	df.DataFrame = message
	df.ResponseDataFrame = make([]byte, int(quantity)*2+5)
	return df, nil
}

// ValidateMessage checks the first n response bytes and returns the register data.
func (df *DataFrame) ValidateMessage(n int) ([]byte, error) {
	if n < exceptionLength {
		return nil, errors.Wrapf(ErrModbusTransport, "short frame of %d bytes", n)
	}
	buf := df.ResponseDataFrame[:n]
	if buf[0] != df.Slave {
		return nil, errors.Wrapf(ErrModbusTransport, "unexpected slave %d", buf[0])
	}

	functionCode := buf[1]
	if functionCode&0x80 > 0 {
		if crcutil.CheckCrc16sum(buf[:3]) != binutil.ParseUint16LittleEndian(buf[3:5]) {
			return nil, errors.Wrap(ErrModbusTransport, "crc mismatch")
		}
		klog.V(2).InfoS("Modbus exception response", "slave", df.Slave, "function", functionCode&0x7f, "code", buf[2])
		return nil, &ExceptionError{FunctionCode: functionCode & 0x7f, Code: buf[2]}
	}
	if functionCode != df.FunctionCode {
		return nil, errors.Wrapf(ErrModbusTransport, "unexpected function code %d", functionCode)
	}

	byteDataLength := int(buf[2])
	if byteDataLength != int(df.Quantity)*2 || n < byteDataLength+5 {
		return nil, errors.Wrapf(ErrModbusTransport, "byte count %d does not match %d registers", byteDataLength, df.Quantity)
	}
	sum := crcutil.CheckCrc16sum(buf[:byteDataLength+3])
	crc := binutil.ParseUint16LittleEndian(buf[byteDataLength+3 : byteDataLength+5])
	if sum != crc {
		klog.V(2).InfoS("Failed to check CRC16", "slave", df.Slave)
		return nil, errors.Wrap(ErrModbusTransport, "crc mismatch")
	}
	return binutil.Dup(buf[3 : byteDataLength+3]), nil
}
