package constant

import (
	"encoding/json"
	"fmt"
)

// DataType is the encoding of a meter register value.
type DataType int8

const (
	UINT16 DataType = iota
	INT16
	UINT32
	INT32
	FLOAT32
)

var DataTypeToString = map[DataType]string{
	UINT16:  "uint16",
	INT16:   "int16",
	UINT32:  "uint32",
	INT32:   "int32",
	FLOAT32: "float32",
}

var StringToDataType = map[string]DataType{
	"uint16":  UINT16,
	"int16":   INT16,
	"uint32":  UINT32,
	"int32":   INT32,
	"float32": FLOAT32,
}

// DataTypeWord is the number of 16-bit registers a value occupies.
var DataTypeWord = map[DataType]uint16{
	UINT16:  1,
	INT16:   1,
	UINT32:  2,
	INT32:   2,
	FLOAT32: 2,
}

func (dt DataType) String() string {
	if s, ok := DataTypeToString[dt]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int8(dt))
}

func (dt DataType) MarshalJSON() ([]byte, error) {
	if s, ok := DataTypeToString[dt]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown data type %d", dt)
}

func (dt *DataType) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}
	v, ok := StringToDataType[s]
	if !ok {
		return fmt.Errorf("unknown data type %s", s)
	}
	*dt = v
	return nil
}
