package constant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalRegisterOptions(t *testing.T) {
	var target struct {
		Layout   MemoryLayout `json:"layout"`
		Type     DataType     `json:"type"`
		Parity   Parity       `json:"parity"`
		StopBits StopBits     `json:"stopBits"`
	}
	err := json.Unmarshal([]byte(`{"layout":"CDAB","type":"float32","parity":"even","stopBits":2}`), &target)
	require.NoError(t, err)
	assert.Equal(t, CDAB, target.Layout)
	assert.Equal(t, FLOAT32, target.Type)
	assert.Equal(t, EvenParity, target.Parity)
	assert.Equal(t, TwoStopBits, target.StopBits)
}

func TestUnmarshalUnknownLayout(t *testing.T) {
	var ml MemoryLayout
	assert.Error(t, json.Unmarshal([]byte(`"XYZW"`), &ml))
}
