package meter

import (
	"math"

	"github.com/pkg/errors"

	"chargepoint/pkg/runtime/constant"
	"chargepoint/pkg/utils/binutil"
)

// Register locates one meter quantity.
type Register struct {
	Address      uint16            `json:"address"`
	FunctionCode uint8             `json:"functionCode,omitempty" validate:"omitempty,oneof=3 4"`
	DataType     constant.DataType `json:"dataType"`
	Scale        float64           `json:"scale,omitempty" validate:"gte=0"`
}

func (r Register) Count() uint16 {
	if w, ok := constant.DataTypeWord[r.DataType]; ok {
		return w
	}
	return 1
}

func (r Register) functionCode() uint8 {
	if r.FunctionCode == 0 {
		return ReadHoldRegister
	}
	return r.FunctionCode
}

// Value applies layout, then scale, then takes the magnitude.
func (r Register) Value(data []byte, layout constant.MemoryLayout) (float64, error) {
	v, err := Decode(data, r.DataType, layout)
	if err != nil {
		return 0, err
	}
	if r.Scale != 0 {
		v = v * r.Scale
	}
	return math.Abs(v), nil
}

// Decode interprets register bytes as the given type and byte order.
func Decode(data []byte, dataType constant.DataType, layout constant.MemoryLayout) (float64, error) {
	words := constant.DataTypeWord[dataType]
	if words == 0 {
		return 0, errors.Errorf("unknown data type %v", dataType)
	}
	if len(data) < int(words)*2 {
		return 0, errors.Errorf("%v needs %d bytes, got %d", dataType, words*2, len(data))
	}

	if words == 1 {
		var v uint16
		switch layout {
		case constant.ABCD, constant.CDAB:
			v = binutil.ParseUint16BigEndian(data)
		case constant.BADC, constant.DCBA:
			v = binutil.ParseUint16LittleEndian(data)
		default:
			return 0, errors.Errorf("unknown memory layout %v", layout)
		}
		if dataType == constant.INT16 {
			return float64(int16(v)), nil
		}
		return float64(v), nil
	}

	var v uint32
	switch layout {
	case constant.ABCD:
		v = binutil.ParseUint32BigEndian(data)
	case constant.BADC:
		v = binutil.ParseUint32BigEndianByteSwap(data)
	case constant.CDAB:
		v = binutil.ParseUint32LittleEndianByteSwap(data)
	case constant.DCBA:
		v = binutil.ParseUint32LittleEndian(data)
	default:
		return 0, errors.Errorf("unknown memory layout %v", layout)
	}
	switch dataType {
	case constant.INT32:
		return float64(int32(v)), nil
	case constant.FLOAT32:
		f := float64(binutil.Float32FromBits(v))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, errors.New("register holds a non-finite float")
		}
		return f, nil
	default:
		return float64(v), nil
	}
}
