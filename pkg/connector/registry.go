package connector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/relay"
)

// Config is the static description of one physical connector.
type Config struct {
	ID          int    `json:"id" validate:"gte=1"`
	RelayHandle string `json:"relayHandle" validate:"required"`
}

// Store persists connector records keyed by "<identity>_connector<id>".
type Store interface {
	Load() (map[string]Record, bool, error)
	Save(map[string]Record) error
}

type Option func(*Registry)

func WithStore(store Store, identity string) Option {
	return func(r *Registry) {
		r.store = store
		r.identity = identity
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry owns every connector of the station, connector 0 included.
type Registry struct {
	connectors map[int]*Connector
	ids        []int
	identity   string
	store      Store
	now        func() time.Time

	observerMu sync.RWMutex
	observers  []Observer

	persistMu sync.Mutex
	records   map[string]Record
}

func NewRegistry(cfgs []Config, actuator relay.Actuator, opts ...Option) (*Registry, error) {
	r := &Registry{
		connectors: make(map[int]*Connector, len(cfgs)+1),
		now:        time.Now,
		records:    make(map[string]Record, len(cfgs)+1),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.add(&Connector{id: StationConnectorID, actuator: actuator})
	for _, cfg := range cfgs {
		if cfg.ID <= StationConnectorID {
			return nil, fmt.Errorf("invalid connector id %d", cfg.ID)
		}
		if _, ok := r.connectors[cfg.ID]; ok {
			return nil, fmt.Errorf("duplicate connector id %d", cfg.ID)
		}
		r.add(&Connector{id: cfg.ID, handle: cfg.RelayHandle, actuator: actuator})
	}
	sort.Ints(r.ids)

	var persisted map[string]Record
	if r.store != nil {
		var ok bool
		var err error
		if persisted, ok, err = r.store.Load(); err != nil {
			klog.ErrorS(err, "Failed to load connector state, starting clean")
		} else if ok {
			klog.V(2).InfoS("Loaded connector state", "records", len(persisted))
		}
	}

	for _, id := range r.ids {
		c := r.connectors[id]
		rec, ok := persisted[r.key(id)]
		c.state = r.restore(id, rec, ok)
		r.records[r.key(id)] = c.state.record()
		if c.handle != "" {
			// outputs start off whatever was persisted
			if err := actuator.SetOutput(c.handle, false); err != nil {
				klog.ErrorS(err, "Failed to switch relay off", "connector", id)
				c.relayOn = true
				c.state.FaultCode = PowerSwitchFailure
				if c.state.Transaction == nil {
					c.state.Status = StatusFaulted
				}
			}
		}
	}
	r.save()
	return r, nil
}

func (r *Registry) add(c *Connector) {
	c.registry = r
	r.connectors[c.id] = c
	r.ids = append(r.ids, c.id)
}

func (r *Registry) key(id int) string {
	return fmt.Sprintf("%s_connector%d", r.identity, id)
}

// restore turns a persisted record into a start-up state. An interrupted
// transaction resumes as Finishing so its stop can be reported.
func (r *Registry) restore(id int, rec Record, ok bool) State {
	s := State{ID: id, Status: StatusAvailable, Availability: Operative}
	if !ok {
		return s
	}
	if rec.Availability == Inoperative {
		s.Availability = Inoperative
	}
	s.FaultCode = rec.FaultCode
	if id != StationConnectorID && rec.Transaction != nil {
		s.Status = StatusFinishing
		s.Transaction = rec.Transaction
		s.IdTag = rec.Transaction.IdTag
		s.StopReason = "PowerLoss"
		s.ScheduledAvailability = rec.ScheduledAvailability
		return s
	}
	if id != StationConnectorID && rec.Status == StatusReserved && s.FaultCode == "" &&
		s.Availability == Operative && rec.Reservation != nil && rec.Reservation.ExpiresAt.After(r.now()) {
		s.Status = StatusReserved
		s.Reservation = rec.Reservation
		return s
	}
	s.Status = idle(&s)
	return s
}

func (r *Registry) Get(id int) (*Connector, error) {
	c, ok := r.connectors[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownConnector, "connector %d", id)
	}
	return c, nil
}

// All returns the physical connectors ordered by id, without connector 0.
func (r *Registry) All() []*Connector {
	cs := make([]*Connector, 0, len(r.ids))
	for _, id := range r.ids {
		if id == StationConnectorID {
			continue
		}
		cs = append(cs, r.connectors[id])
	}
	return cs
}

func (r *Registry) Station() *Connector {
	return r.connectors[StationConnectorID]
}

func (r *Registry) FindByTransaction(transactionID int) (*Connector, error) {
	for _, c := range r.All() {
		s := c.Snapshot()
		if s.Transaction != nil && s.Transaction.ID == transactionID {
			return c, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownTransaction, "transaction %d", transactionID)
}

func (r *Registry) Subscribe(o Observer) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) Snapshots() []State {
	states := make([]State, 0, len(r.ids))
	for _, id := range r.ids {
		states = append(states, r.connectors[id].Snapshot())
	}
	return states
}

// committed persists and publishes a transition. It runs under the lock of
// the transitioning connector only.
func (r *Registry) committed(id int, prev, next State) {
	r.persistMu.Lock()
	r.records[r.key(id)] = next.record()
	r.saveLocked()
	r.persistMu.Unlock()

	ev := Event{Previous: prev.clone(), Current: next.clone()}
	r.observerMu.RLock()
	observers := r.observers
	r.observerMu.RUnlock()
	for _, o := range observers {
		o(ev)
	}
}

func (r *Registry) save() {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.saveLocked()
}

func (r *Registry) saveLocked() {
	if r.store == nil {
		return
	}
	records := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		records[k] = v
	}
	if err := r.store.Save(records); err != nil {
		klog.ErrorS(err, "Failed to persist connector state")
	}
}
