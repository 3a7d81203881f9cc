package meter

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"chargepoint/pkg/runtime/constant"
	"chargepoint/pkg/utils/binutil"
	"chargepoint/pkg/utils/crcutil"
)

// fakeMeter answers read requests from a register map.
type fakeMeter struct {
	slave     uint8
	registers map[uint16]uint16
	delay     atomic.Duration
	err       error
	exception uint8
	corrupt   bool
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	resets    atomic.Int32
	mu        sync.Mutex
}

func (f *fakeMeter) AskAtLeast(request []byte, response []byte, timeout time.Duration) (int, error) {
	cur := f.inFlight.Inc()
	defer f.inFlight.Dec()
	for {
		prev := f.maxFlight.Load()
		if cur <= prev || f.maxFlight.CAS(prev, cur) {
			break
		}
	}
	if delay := f.delay.Load(); delay > 0 {
		if delay > timeout {
			time.Sleep(timeout)
			return 0, ErrModbusTimeout
		}
		time.Sleep(delay)
	}
	if f.err != nil {
		return 0, f.err
	}
	if request[0] != f.slave {
		time.Sleep(timeout)
		return 0, ErrModbusTimeout
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exception != 0 {
		response[0] = request[0]
		response[1] = request[1] | 0x80
		response[2] = f.exception
		binutil.WriteUint16LittleEndian(response[3:], crcutil.CheckCrc16sum(response[:3]))
		return 5, nil
	}
	start := binutil.ParseUint16BigEndian(request[2:])
	qty := binutil.ParseUint16BigEndian(request[4:])
	response[0] = request[0]
	response[1] = request[1]
	response[2] = byte(qty * 2)
	for i := uint16(0); i < qty; i++ {
		binutil.WriteUint16(response[3+i*2:], f.registers[start+i])
	}
	end := 3 + int(qty)*2
	binutil.WriteUint16LittleEndian(response[end:], crcutil.CheckCrc16sum(response[:end]))
	if f.corrupt {
		response[end] ^= 0xFF
	}
	return end + 2, nil
}

func (f *fakeMeter) Reset()          { f.resets.Inc() }
func (f *fakeMeter) Close()          {}
func (f *fakeMeter) Available() bool { return true }

func TestNewReadFrame(t *testing.T) {
	df, err := NewReadFrame(1, ReadHoldRegister, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}, df.DataFrame)
	assert.Len(t, df.ResponseDataFrame, 25)

	_, err = NewReadFrame(1, 6, 0, 1)
	assert.Error(t, err)
	_, err = NewReadFrame(1, ReadInputRegister, 0, 0)
	assert.Error(t, err)
	_, err = NewReadFrame(1, ReadInputRegister, 0, 126)
	assert.Error(t, err)
}

func TestBusRead(t *testing.T) {
	m := &fakeMeter{slave: 7, registers: map[uint16]uint16{100: 0x1234, 101: 0x5678}}
	bus := NewBus(m)
	defer bus.Close()

	data, err := bus.Read(context.Background(), 7, ReadInputRegister, 100, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, data)
}

func TestBusReadTimeout(t *testing.T) {
	m := &fakeMeter{slave: 7, registers: map[uint16]uint16{0: 42}}
	m.delay.Store(time.Second)
	bus := NewBus(m)
	defer bus.Close()

	start := time.Now()
	_, err := bus.Read(context.Background(), 7, ReadHoldRegister, 0, 1, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrModbusTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// the gate is released once the stuck exchange gives up
	m.delay.Store(0)
	require.Eventually(t, func() bool {
		data, err := bus.Read(context.Background(), 7, ReadHoldRegister, 0, 1, 200*time.Millisecond)
		return err == nil && binutil.ParseUint16BigEndian(data) == 42
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBusReadTransportError(t *testing.T) {
	m := &fakeMeter{slave: 1, err: errors.New("line broken")}
	bus := NewBus(m)
	defer bus.Close()

	_, err := bus.Read(context.Background(), 1, ReadHoldRegister, 0, 1, time.Second)
	assert.ErrorIs(t, err, ErrModbusTransport)
	assert.NotErrorIs(t, err, ErrModbusTimeout)
}

func TestBusReadException(t *testing.T) {
	m := &fakeMeter{slave: 1, exception: 2}
	bus := NewBus(m)
	defer bus.Close()

	_, err := bus.Read(context.Background(), 1, ReadHoldRegister, 0, 1, time.Second)
	assert.ErrorIs(t, err, ErrModbusTransport)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.EqualValues(t, 2, exc.Code)
	assert.EqualValues(t, ReadHoldRegister, exc.FunctionCode)
}

func TestBusReadCrcMismatch(t *testing.T) {
	m := &fakeMeter{slave: 1, corrupt: true, registers: map[uint16]uint16{0: 1}}
	bus := NewBus(m)
	defer bus.Close()

	_, err := bus.Read(context.Background(), 1, ReadHoldRegister, 0, 1, time.Second)
	assert.ErrorIs(t, err, ErrModbusTransport)
}

func TestBusReadIsExclusive(t *testing.T) {
	m := &fakeMeter{slave: 1, registers: map[uint16]uint16{0: 1}}
	m.delay.Store(5 * time.Millisecond)
	bus := NewBus(m)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bus.Read(context.Background(), 1, ReadHoldRegister, 0, 1, 2*time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, m.maxFlight.Load())
}

func TestBusClosed(t *testing.T) {
	bus := NewBus(&fakeMeter{slave: 1})
	bus.Close()
	_, err := bus.Read(context.Background(), 1, ReadHoldRegister, 0, 1, time.Second)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestReadSample(t *testing.T) {
	bits := math.Float32bits(-7.5)
	m := &fakeMeter{slave: 3, registers: map[uint16]uint16{
		// energy uint32 ABCD in 0.01 kWh
		0: 0x0001, 1: 0x86A0,
		// power int16, negative delta
		10: uint16(0xFC18),
		// current float32 ABCD
		20: uint16(bits >> 16), 21: uint16(bits),
	}}
	bus := NewBus(m)
	defer bus.Close()

	cfg := Config{
		Address:      3,
		MemoryLayout: constant.ABCD,
		Energy:       Register{Address: 0, DataType: constant.UINT32, Scale: 10},
		Power:        &Register{Address: 10, DataType: constant.INT16},
		Current:      &Register{Address: 20, FunctionCode: ReadInputRegister, DataType: constant.FLOAT32},
	}
	s, err := bus.ReadSample(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1000000.0, s.EnergyWh)
	assert.Equal(t, 1000.0, s.PowerW)
	assert.InDelta(t, 7.5, s.CurrentA, 1e-6)
	assert.False(t, s.ReadAt.IsZero())
}

func TestReadSerialNumber(t *testing.T) {
	reg := uint16(0x40)
	m := &fakeMeter{slave: 1, registers: map[uint16]uint16{
		0x40: 'M'<<8 | 'T', 0x41: '0'<<8 | '1', 0x42: '2'<<8 | 0, 0x43: 0,
	}}
	bus := NewBus(m)
	defer bus.Close()

	sn, err := bus.ReadSerialNumber(context.Background(), Config{Address: 1, SerialNumberRegister: &reg}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "MT012", sn)

	sn, err = bus.ReadSerialNumber(context.Background(), Config{Address: 1}, time.Second)
	require.NoError(t, err)
	assert.Empty(t, sn)
}
