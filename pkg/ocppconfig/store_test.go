package ocppconfig

import (
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	values  map[string]string
	saves   int
	deletes int
}

func (m *memPersister) Load() (map[string]string, bool, error) {
	if m.values == nil {
		return nil, false, nil
	}
	return m.values, true, nil
}

func (m *memPersister) Save(values map[string]string) error {
	m.values = values
	m.saves++
	return nil
}

func (m *memPersister) Delete() error {
	m.values = nil
	m.deletes++
	return nil
}

var testStatic = Static{Identity: "CP001", Vendor: "Acme", Model: "AC22", NumberOfConnectors: 2}

func TestGetAll(t *testing.T) {
	s, err := New(testStatic, nil, nil)
	require.NoError(t, err)

	known, unknown := s.Get(nil)
	assert.Empty(t, unknown)
	assert.Len(t, known, len(defaultDefinitions()))
	assert.Equal(t, HeartbeatInterval, known[0].Key)

	values := map[string]core.ConfigurationKey{}
	for _, k := range known {
		values[k.Key] = k
	}
	assert.Equal(t, "CP001", *values[Identity].Value)
	assert.True(t, values[Identity].Readonly)
	assert.Equal(t, "2", *values[NumberOfConnectors].Value)
	assert.False(t, values[PricePerKWh].Readonly)
}

func TestGetUnknownKeys(t *testing.T) {
	s, err := New(testStatic, nil, nil)
	require.NoError(t, err)

	known, unknown := s.Get([]string{ChargePointVendor, "Bogus", HeartbeatInterval})
	require.Len(t, known, 2)
	assert.Equal(t, "Acme", *known[0].Value)
	assert.Equal(t, []string{"Bogus"}, unknown)
}

func TestSet(t *testing.T) {
	p := &memPersister{}
	s, err := New(testStatic, nil, p)
	require.NoError(t, err)

	var changed []string
	s.OnChange(func(key, value string) { changed = append(changed, key+"="+value) })

	tests := []struct {
		key, value string
		want       core.ConfigurationStatus
	}{
		{HeartbeatInterval, "30", core.ConfigurationStatusAccepted},
		{HeartbeatInterval, "0", core.ConfigurationStatusRejected},
		{HeartbeatInterval, "soon", core.ConfigurationStatusRejected},
		{AuthorizeRemoteTxRequests, "TRUE", core.ConfigurationStatusAccepted},
		{PricePerKWh, "0.42", core.ConfigurationStatusAccepted},
		{PricePerKWh, "-1", core.ConfigurationStatusRejected},
		{ChargePointVendor, "Other", core.ConfigurationStatusRejected},
		{"Bogus", "1", core.ConfigurationStatusNotSupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Set(tt.key, tt.value), "%s=%s", tt.key, tt.value)
	}

	assert.Equal(t, 30*time.Second, s.Seconds(HeartbeatInterval))
	assert.True(t, s.Bool(AuthorizeRemoteTxRequests))
	assert.InDelta(t, 0.42, s.Float(PricePerKWh), 1e-9)
	assert.Equal(t, "Acme", s.String(ChargePointVendor))
	assert.Equal(t, []string{"HeartbeatInterval=30", "AuthorizeRemoteTxRequests=TRUE", "PricePerKWh=0.42"}, changed)

	assert.Equal(t, 3, p.saves)
	assert.Equal(t, "30", p.values[HeartbeatInterval])
	_, ok := p.values[ChargePointVendor]
	assert.False(t, ok)
}

func TestPrecedence(t *testing.T) {
	p := &memPersister{values: map[string]string{HeartbeatInterval: "90", Identity: "evil"}}
	s, err := New(testStatic, map[string]string{HeartbeatInterval: "45", MeterValueSampleInterval: "15"}, p)
	require.NoError(t, err)

	assert.Equal(t, 90, s.Int(HeartbeatInterval))
	assert.Equal(t, 15, s.Int(MeterValueSampleInterval))
	assert.Equal(t, "CP001", s.String(Identity))
}

func TestInvalidOverride(t *testing.T) {
	_, err := New(testStatic, map[string]string{HeartbeatInterval: "-5"}, nil)
	assert.Error(t, err)
}

func TestWritable(t *testing.T) {
	s, err := New(testStatic, nil, nil)
	require.NoError(t, err)
	w := s.Writable()
	assert.Contains(t, w, LocalAuthListEnabled)
	assert.NotContains(t, w, Identity)
	assert.IsIncreasing(t, w)
}

func TestReset(t *testing.T) {
	p := &memPersister{values: map[string]string{HeartbeatInterval: "90"}}
	s, err := New(testStatic, map[string]string{MeterValueSampleInterval: "15"}, p)
	require.NoError(t, err)
	require.Equal(t, core.ConfigurationStatusAccepted, s.Set(MeterValueSampleInterval, "5"))

	var notified []string
	s.OnChange(func(key, value string) { notified = append(notified, key+"="+value) })

	changed, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, []string{HeartbeatInterval, MeterValueSampleInterval}, changed)
	assert.Equal(t, []string{"HeartbeatInterval=60", "MeterValueSampleInterval=15"}, notified)
	assert.Equal(t, 60, s.Int(HeartbeatInterval))
	assert.Equal(t, 15, s.Int(MeterValueSampleInterval))
	assert.Equal(t, 1, p.deletes)
	assert.Nil(t, p.values)

	changed, err = s.Reset()
	require.NoError(t, err)
	assert.Empty(t, changed)
}
