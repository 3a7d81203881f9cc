// Package ocppconfig holds the configuration keys the central system may
// read and change at runtime.
package ocppconfig

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/runtime/constant"
)

// Persister keeps the writable values across restarts.
type Persister interface {
	Load() (map[string]string, bool, error)
	Save(map[string]string) error
	Delete() error
}

// Static carries the read-only identity of the station.
type Static struct {
	Identity           string
	Vendor             string
	Model              string
	NumberOfConnectors int
}

// Listener is told about every accepted change.
type Listener func(key, value string)

type Store struct {
	mu          sync.RWMutex
	definitions map[string]*definition
	order       []string
	persister   Persister
	listeners   []Listener
	// baseline holds the writable values before anything was persisted.
	baseline map[string]string
}

// New builds the store. overrides come from the startup configuration and
// win over built-in defaults; persisted values win over both.
func New(static Static, overrides map[string]string, persister Persister) (*Store, error) {
	s := &Store{
		definitions: make(map[string]*definition),
		persister:   persister,
	}
	for _, d := range defaultDefinitions() {
		d := d
		s.definitions[d.key] = &d
		s.order = append(s.order, d.key)
	}
	s.definitions[Identity].value = static.Identity
	s.definitions[ChargePointVendor].value = static.Vendor
	s.definitions[ChargePointModel].value = static.Model
	s.definitions[NumberOfConnectors].value = strconv.Itoa(static.NumberOfConnectors)

	apply := func(values map[string]string, source string) error {
		for k, v := range values {
			d, ok := s.definitions[k]
			if !ok || d.access != constant.AccessModeReadWrite {
				klog.V(2).InfoS("Ignoring configuration key", "key", k, "source", source)
				continue
			}
			if err := d.validate(v); err != nil {
				return errors.Wrapf(err, "%s %s", source, k)
			}
			d.value = v
		}
		return nil
	}
	if err := apply(overrides, "startup"); err != nil {
		return nil, err
	}
	s.baseline = make(map[string]string)
	for k, d := range s.definitions {
		if d.access == constant.AccessModeReadWrite {
			s.baseline[k] = d.value
		}
	}
	if persister != nil {
		values, ok, err := persister.Load()
		if err != nil {
			klog.ErrorS(err, "Failed to load persisted configuration")
		} else if ok {
			if err := apply(values, "persisted"); err != nil {
				klog.ErrorS(err, "Ignoring invalid persisted configuration")
			}
		}
	}
	return s, nil
}

func (s *Store) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) entry(d *definition) core.ConfigurationKey {
	v := d.value
	return core.ConfigurationKey{Key: d.key, Readonly: d.access == constant.AccessModeReadOnly, Value: &v}
}

// Get answers GetConfiguration. An empty key list returns every key.
func (s *Store) Get(keys []string) (known []core.ConfigurationKey, unknown []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(keys) == 0 {
		for _, k := range s.order {
			known = append(known, s.entry(s.definitions[k]))
		}
		return known, nil
	}
	for _, k := range keys {
		if d, ok := s.definitions[k]; ok {
			known = append(known, s.entry(d))
		} else {
			unknown = append(unknown, k)
		}
	}
	return known, unknown
}

// Set answers ChangeConfiguration.
func (s *Store) Set(key, value string) core.ConfigurationStatus {
	s.mu.Lock()
	d, ok := s.definitions[key]
	switch {
	case !ok:
		s.mu.Unlock()
		return core.ConfigurationStatusNotSupported
	case d.access != constant.AccessModeReadWrite:
		s.mu.Unlock()
		klog.V(2).InfoS("Refusing to change read-only key", "key", key)
		return core.ConfigurationStatusRejected
	}
	if err := d.validate(value); err != nil {
		s.mu.Unlock()
		klog.V(2).InfoS("Refusing invalid configuration value", "key", key, "value", value, "err", err)
		return core.ConfigurationStatusRejected
	}
	d.value = value
	s.persistLocked()
	listeners := s.listeners
	s.mu.Unlock()

	klog.V(2).InfoS("Configuration changed", "key", key, "value", value)
	for _, l := range listeners {
		l(key, value)
	}
	return core.ConfigurationStatusAccepted
}

// Reset drops every persisted change and returns the writable keys to their
// startup values. It returns the keys whose value changed.
func (s *Store) Reset() ([]string, error) {
	s.mu.Lock()
	var changed []string
	for k, v := range s.baseline {
		if d := s.definitions[k]; d.value != v {
			d.value = v
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	var err error
	if s.persister != nil {
		err = errors.Wrap(s.persister.Delete(), "delete persisted configuration")
	}
	listeners := s.listeners
	values := make(map[string]string, len(changed))
	for _, k := range changed {
		values[k] = s.definitions[k].value
	}
	s.mu.Unlock()

	klog.V(2).InfoS("Configuration reset", "changed", changed)
	for _, k := range changed {
		for _, l := range listeners {
			l(k, values[k])
		}
	}
	return changed, err
}

// Values returns every key with its current value.
func (s *Store) Values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]string, len(s.definitions))
	for k, d := range s.definitions {
		values[k] = d.value
	}
	return values
}

// Writable returns the keys the central system may change, sorted.
func (s *Store) Writable() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, d := range s.definitions {
		if d.access == constant.AccessModeReadWrite {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	values := make(map[string]string)
	for k, d := range s.definitions {
		if d.access == constant.AccessModeReadWrite {
			values[k] = d.value
		}
	}
	if err := s.persister.Save(values); err != nil {
		klog.ErrorS(err, "Failed to persist configuration")
	}
}

func (s *Store) String(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.definitions[key]; ok {
		return d.value
	}
	return ""
}

func (s *Store) Int(key string) int {
	n, _ := strconv.Atoi(s.String(key))
	return n
}

func (s *Store) Bool(key string) bool {
	return strings.EqualFold(s.String(key), "true")
}

func (s *Store) Float(key string) float64 {
	f, _ := strconv.ParseFloat(s.String(key), 64)
	return f
}

// Seconds reads an interval key.
func (s *Store) Seconds(key string) time.Duration {
	return time.Duration(s.Int(key)) * time.Second
}
