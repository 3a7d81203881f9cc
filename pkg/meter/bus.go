package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"k8s.io/klog/v2"

	"chargepoint/pkg/runtime/constant"
)

// SerialConfig describes the RTU line.
type SerialConfig struct {
	Port     string            `json:"port" validate:"required"`
	BaudRate int               `json:"baudRate" validate:"required,gt=0"`
	DataBits int               `json:"dataBits" validate:"oneof=5 6 7 8"`
	Parity   constant.Parity   `json:"parity"`
	StopBits constant.StopBits `json:"stopBits"`
}

func (c SerialConfig) Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   ParityToParity[c.Parity],
		StopBits: StopBitsToStopBits[c.StopBits],
	}
}

// Bus serializes every register read on one RTU line.
type Bus struct {
	clients *Clients
}

func NewBus(messenger Messenger) *Bus {
	return &Bus{clients: NewClients(messenger)}
}

func NewSerialBus(cfg SerialConfig) *Bus {
	return NewBus(NewSerialClient(cfg.Port, cfg.Mode()))
}

type askResult struct {
	n   int
	err error
}

// Read returns the raw register bytes of count registers at register on the
// slave at address. Waiting for the bus and the exchange share one deadline.
func (b *Bus) Read(ctx context.Context, address uint8, functionCode uint8, register uint16, count uint16, timeout time.Duration) ([]byte, error) {
	df, err := NewReadFrame(address, functionCode, register, count)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	messenger, err := b.clients.GetMessenger(ctx)
	if err != nil {
		if errors.Is(err, constant.ErrDeviceServerClosed) {
			return nil, ErrBusClosed
		}
		return nil, errors.Wrapf(ErrModbusTimeout, "waiting for bus: %v", err)
	}

	remaining := timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	if remaining <= 0 {
		b.clients.ReleaseMessenger(messenger)
		return nil, ErrModbusTimeout
	}

	done := make(chan askResult, 1)
	go func() {
		// the bus stays held until the line is quiet again
		defer b.clients.ReleaseMessenger(messenger)
		defer func() {
			if r := recover(); r != nil {
				messenger.Reset()
				done <- askResult{err: errors.Wrapf(ErrModbusTransport, "panic: %v", r)}
			}
		}()
		n, err := messenger.AskAtLeast(df.DataFrame, df.ResponseDataFrame, remaining)
		done <- askResult{n: n, err: err}
	}()

	var res askResult
	select {
	case res = <-done:
	case <-ctx.Done():
		klog.V(3).InfoS("Modbus read timed out", "slave", address, "register", register)
		return nil, ErrModbusTimeout
	}
	if res.err != nil {
		if errors.Is(res.err, ErrModbusTimeout) {
			return nil, res.err
		}
		if !errors.Is(res.err, ErrModbusTransport) {
			res.err = errors.Wrap(ErrModbusTransport, res.err.Error())
		}
		return nil, res.err
	}
	data, err := df.ValidateMessage(res.n)
	if err != nil {
		klog.V(3).InfoS("Invalid modbus response", "slave", address, "register", register, "err", err)
		return nil, err
	}
	return data, nil
}

func (b *Bus) Close() {
	b.clients.Destroy()
}

// Config is the meter of one connector.
type Config struct {
	Address              uint8                 `json:"address" validate:"gte=1,lte=247"`
	MemoryLayout         constant.MemoryLayout `json:"memoryLayout"`
	Energy               Register              `json:"energy"`
	Power                *Register             `json:"power,omitempty"`
	Current              *Register             `json:"current,omitempty"`
	SerialNumberRegister *uint16               `json:"serialNumberRegister,omitempty"`
}

// Sample is one reading in Wh, W and A.
type Sample struct {
	EnergyWh float64
	PowerW   float64
	CurrentA float64
	ReadAt   time.Time
}

func (s Sample) String() string {
	return fmt.Sprintf("%.1fWh %.1fW %.2fA", s.EnergyWh, s.PowerW, s.CurrentA)
}

func (b *Bus) readRegister(ctx context.Context, cfg Config, r Register, timeout time.Duration) (float64, error) {
	data, err := b.Read(ctx, cfg.Address, r.functionCode(), r.Address, r.Count(), timeout)
	if err != nil {
		return 0, err
	}
	v, err := r.Value(data, cfg.MemoryLayout)
	if err != nil {
		return 0, errors.Wrapf(ErrModbusTransport, "decode register %d: %v", r.Address, err)
	}
	return v, nil
}

// ReadSample reads energy and, when configured, power and current. Each
// register read gets its own timeout.
func (b *Bus) ReadSample(ctx context.Context, cfg Config, timeout time.Duration) (Sample, error) {
	var s Sample
	var err error
	if s.EnergyWh, err = b.readRegister(ctx, cfg, cfg.Energy, timeout); err != nil {
		return Sample{}, err
	}
	if cfg.Power != nil {
		if s.PowerW, err = b.readRegister(ctx, cfg, *cfg.Power, timeout); err != nil {
			return Sample{}, err
		}
	}
	if cfg.Current != nil {
		if s.CurrentA, err = b.readRegister(ctx, cfg, *cfg.Current, timeout); err != nil {
			return Sample{}, err
		}
	}
	s.ReadAt = time.Now()
	return s, nil
}

const serialNumberRegisters = 4

func (b *Bus) ReadSerialNumber(ctx context.Context, cfg Config, timeout time.Duration) (string, error) {
	if cfg.SerialNumberRegister == nil {
		return "", nil
	}
	data, err := b.Read(ctx, cfg.Address, ReadHoldRegister, *cfg.SerialNumberRegister, serialNumberRegisters, timeout)
	if err != nil {
		return "", err
	}
	end := len(data)
	for end > 0 && (data[end-1] == 0 || data[end-1] == ' ') {
		end--
	}
	return string(data[:end]), nil
}
