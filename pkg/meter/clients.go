package meter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"chargepoint/pkg/runtime/constant"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"k8s.io/klog/v2"
)

// Clients hands out messengers to callers. An RTU line carries a single
// messenger (Max = 1), which turns the pool into the exclusive bus gate.
type Clients struct {
	Messengers   *list.List
	Max          int
	Idle         int
	Mux          *sync.Mutex
	ConnRequests map[uint64]chan Messenger
	NextRequest  uint64
	closed       bool
}

func NewClients(messengers ...Messenger) *Clients {
	l := list.New()
	for _, m := range messengers {
		l.PushBack(m)
	}
	return &Clients{
		Messengers:   l,
		Max:          len(messengers),
		Idle:         len(messengers),
		Mux:          &sync.Mutex{},
		ConnRequests: make(map[uint64]chan Messenger),
		NextRequest:  1,
	}
}

func (t *Clients) GetMessenger(ctx context.Context) (Messenger, error) {
	select {
	default:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.Mux.Lock()
	if t.closed {
		t.Mux.Unlock()
		return nil, constant.ErrDeviceServerClosed
	}
	if t.Idle > 0 {
		t.Idle = t.Idle - 1
		front := t.Messengers.Front()
		messenger := front.Value.(Messenger)
		t.Messengers.Remove(front)
		t.Mux.Unlock()
		return messenger, nil
	}

	mCh := make(chan Messenger, 1)
	key := t.nextRequestKey()
	t.ConnRequests[key] = mCh
	t.Mux.Unlock()

	select {
	case <-ctx.Done():
		t.Mux.Lock()
		delete(t.ConnRequests, key)
		t.Mux.Unlock()
		// a release may have raced the cancellation
		select {
		default:
		case m, ok := <-mCh:
			if ok {
				t.ReleaseMessenger(m)
			}
		}
		return nil, ctx.Err()
	case m, ok := <-mCh:
		if !ok {
			return nil, constant.ErrDeviceServerClosed
		}
		return m, nil
	}
}

func (t *Clients) ReleaseMessenger(messenger Messenger) {
	t.Mux.Lock()
	defer t.Mux.Unlock()
	if t.closed {
		messenger.Close()
		return
	}
	if t.Idle == 0 && len(t.ConnRequests) > 0 {
		// hand over in arrival order
		var key uint64
		first := true
		for k := range t.ConnRequests {
			if first || k < key {
				key = k
				first = false
			}
		}
		mCh := t.ConnRequests[key]
		delete(t.ConnRequests, key)
		mCh <- messenger
	} else {
		t.Messengers.PushBack(messenger)
		t.Idle = t.Idle + 1
	}
}

func (t *Clients) Destroy() {
	t.Mux.Lock()
	defer t.Mux.Unlock()
	t.closed = true
	for t.Messengers.Len() > 0 {
		e := t.Messengers.Front()
		m := e.Value.(Messenger)
		m.Close()
		t.Messengers.Remove(e)
	}
	t.Idle = 0

	for key, messengersRequest := range t.ConnRequests {
		close(messengersRequest)
		delete(t.ConnRequests, key)
	}
}

func (t *Clients) nextRequestKey() uint64 {
	next := t.NextRequest
	t.NextRequest++
	return next
}

var _ Messenger = (*SerialClient)(nil)

// Messenger performs one request/response exchange on the line.
type Messenger interface {
	// AskAtLeast writes request and reads into response until it is full,
	// an exception frame is complete or timeout elapses.
	AskAtLeast(request []byte, response []byte, timeout time.Duration) (int, error)
	// Reset drops the underlying connection; the next exchange reopens it.
	Reset()
	Close()
	Available() bool
}

// SerialClient is an RTU messenger on a serial port opened lazily.
type SerialClient struct {
	Address string
	Mode    *serial.Mode
	Port    serial.Port
	open    func(address string, mode *serial.Mode) (serial.Port, error)
}

func NewSerialClient(address string, mode *serial.Mode) *SerialClient {
	return &SerialClient{
		Address: address,
		Mode:    mode,
		open:    serial.Open,
	}
}

func (sc *SerialClient) Available() bool {
	return sc.Port != nil
}

func (sc *SerialClient) Reset() {
	if sc.Port != nil {
		_ = sc.Port.Close()
		sc.Port = nil
	}
}

func (sc *SerialClient) Close() {
	sc.Reset()
}

func (sc *SerialClient) connect() error {
	if sc.Port != nil {
		return nil
	}
	port, err := sc.open(sc.Address, sc.Mode)
	if err != nil {
		klog.V(2).InfoS("Failed to connect serial port", "address", sc.Address, "err", err)
		return errors.Wrapf(ErrModbusTransport, "open %s: %v", sc.Address, err)
	}
	sc.Port = port
	return nil
}

func (sc *SerialClient) AskAtLeast(request []byte, response []byte, timeout time.Duration) (int, error) {
	if err := sc.connect(); err != nil {
		return 0, err
	}
	// drop stale bytes of an exchange that timed out earlier
	_ = sc.Port.ResetInputBuffer()

	rql, err := sc.Port.Write(request)
	if err != nil {
		klog.V(2).InfoS("Failed to write byte to serial port", "error", err)
		sc.Reset()
		return 0, errors.Wrapf(ErrModbusTransport, "write: %v", err)
	}
	klog.V(5).InfoS("Succeed to write byte to serial port", "bytes", request, "length", rql)

	deadline := time.Now().Add(timeout)
	read := 0
	for read < len(response) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err = sc.Port.SetReadTimeout(remaining); err != nil {
			sc.Reset()
			return 0, errors.Wrapf(ErrModbusTransport, "set read timeout: %v", err)
		}
		n, err := sc.Port.Read(response[read:])
		if err != nil {
			klog.V(2).InfoS("Failed to read byte from serial port", "error", err)
			sc.Reset()
			return 0, errors.Wrapf(ErrModbusTransport, "read: %v", err)
		}
		if n == 0 {
			break
		}
		read += n
		if read >= exceptionLength && response[1]&0x80 != 0 {
			return read, nil
		}
	}

	if read == 0 {
		return 0, ErrModbusTimeout
	}
	if read < len(response) {
		klog.V(2).InfoS("Modbus rtu data length not enough", "bytesLength", read, "expect", len(response))
		return read, errors.Wrapf(ErrModbusTransport, "short frame %d of %d bytes", read, len(response))
	}
	return read, nil
}
