package relay

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Actuator drives one physical output identified by handle.
type Actuator interface {
	SetOutput(handle string, on bool) error
}

// Drivers selectable from configuration.
const (
	DriverSysfs  = "sysfs"
	DriverMemory = "memory"
)

func NewActuator(driver string) (Actuator, error) {
	switch driver {
	case DriverSysfs, "":
		return &SysfsActuator{}, nil
	case DriverMemory:
		return NewMemoryActuator(), nil
	default:
		return nil, fmt.Errorf("unsupported relay driver %q", driver)
	}
}

// SysfsActuator writes "1" or "0" into the value file named by the handle,
// e.g. /sys/class/gpio/gpio17/value.
type SysfsActuator struct{}

func (s *SysfsActuator) SetOutput(handle string, on bool) error {
	value := []byte("0")
	if on {
		value = []byte("1")
	}
	if err := os.WriteFile(handle, value, 0644); err != nil {
		return errors.Wrapf(err, "set relay %s", handle)
	}
	klog.V(3).InfoS("Set relay output", "handle", handle, "on", on)
	return nil
}

// MemoryActuator keeps outputs in memory. It backs dry runs and tests.
type MemoryActuator struct {
	mu      sync.Mutex
	outputs map[string]bool
	writes  int
	fail    map[string]error
}

func NewMemoryActuator() *MemoryActuator {
	return &MemoryActuator{
		outputs: make(map[string]bool),
		fail:    make(map[string]error),
	}
}

func (m *MemoryActuator) SetOutput(handle string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[handle]; err != nil {
		return err
	}
	m.outputs[handle] = on
	m.writes++
	return nil
}

// Output reports the last value written to handle.
func (m *MemoryActuator) Output(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs[handle]
}

func (m *MemoryActuator) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailWith makes every following write to handle return err. A nil err clears it.
func (m *MemoryActuator) FailWith(handle string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, handle)
		return
	}
	m.fail[handle] = err
}
