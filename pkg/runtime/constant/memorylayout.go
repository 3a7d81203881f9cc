package constant

import (
	"encoding/json"
	"fmt"
)

// MemoryLayout is the byte order of a multi-register value.
type MemoryLayout byte

const (
	DCBA MemoryLayout = iota // little-endian
	CDAB                     // little-endian byte swap, word swapped
	BADC                     // big-endian byte swap
	ABCD                     // big-endian
)

var MemoryLayoutToString = map[MemoryLayout]string{
	DCBA: "DCBA",
	CDAB: "CDAB",
	BADC: "BADC",
	ABCD: "ABCD",
}

var StringToMemoryLayout = map[string]MemoryLayout{
	"DCBA": DCBA,
	"CDAB": CDAB,
	"BADC": BADC,
	"ABCD": ABCD,
}

func (ml MemoryLayout) String() string {
	if s, ok := MemoryLayoutToString[ml]; ok {
		return s
	}
	return fmt.Sprintf("MemoryLayout(%d)", byte(ml))
}

func (ml MemoryLayout) MarshalJSON() ([]byte, error) {
	if s, ok := MemoryLayoutToString[ml]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown memory layout %d", ml)
}

func (ml *MemoryLayout) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}
	v, ok := StringToMemoryLayout[s]
	if !ok {
		return fmt.Errorf("unknown memory layout %s", s)
	}
	*ml = v
	return nil
}
