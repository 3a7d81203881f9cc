package connector

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/relay"
)

// Connector serializes every transition of one physical socket. Readings are
// guarded separately and never change the status.
type Connector struct {
	id       int
	handle   string
	actuator relay.Actuator
	registry *Registry

	mu      sync.Mutex
	state   State
	relayOn bool

	readingMu sync.RWMutex
	reading   Reading
}

func (c *Connector) ID() int {
	return c.id
}

func (c *Connector) Snapshot() State {
	c.mu.Lock()
	s := c.state.clone()
	c.mu.Unlock()
	s.Reading = c.Reading()
	return s
}

func (c *Connector) Reading() Reading {
	c.readingMu.RLock()
	defer c.readingMu.RUnlock()
	return c.reading
}

func (c *Connector) UpdateReading(energyWh, powerW, currentA float64, at time.Time) {
	c.readingMu.Lock()
	defer c.readingMu.Unlock()
	c.reading = Reading{
		EnergyWh:  energyWh,
		PowerW:    powerW,
		CurrentA:  currentA,
		UpdatedAt: at,
	}
}

func (c *Connector) MarkStale() {
	c.readingMu.Lock()
	defer c.readingMu.Unlock()
	c.reading.Stale = true
}

// idle is the status of a connector without transaction, reservation or start in progress.
func idle(s *State) Status {
	switch {
	case s.FaultCode != "":
		return StatusFaulted
	case s.Availability == Inoperative || s.TelemetryLost:
		return StatusUnavailable
	default:
		return StatusAvailable
	}
}

func (c *Connector) refuse(op string, reason string) error {
	return &TransitionError{Op: op, From: c.state.Status, Reason: reason}
}

// apply runs fn on a copy of the state, drives the relay to match the new
// status and commits. A changed reports whether anything was committed.
func (c *Connector) apply(op string, fn func(s *State) (bool, error)) error {
	next := c.state.clone()
	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}

	var relayErr error
	want := next.Status == StatusCharging
	if want != c.relayOn && c.handle != "" {
		if err := c.actuator.SetOutput(c.handle, want); err != nil {
			klog.ErrorS(err, "Failed to drive relay", "connector", c.id, "op", op, "on", want)
			relayErr = errors.Wrapf(ErrRelayFailure, "connector %d: %v", c.id, err)
			if want {
				// the transaction never started
				next = c.state.clone()
				next.IdTag = ""
				next.PendingReservationID = nil
			}
			next.FaultCode = PowerSwitchFailure
			if next.Transaction == nil {
				next.Status = StatusFaulted
			}
		} else {
			c.relayOn = want
		}
	}
	if c.handle == "" {
		c.relayOn = want
	}

	prev := c.state
	c.state = next
	klog.V(3).InfoS("Connector transition", "connector", c.id, "op", op, "from", prev.Status, "to", next.Status)
	c.registry.committed(c.id, prev, next)
	if relayErr != nil && want {
		return relayErr
	}
	return nil
}

// BeginPreparing starts a session for idTag. A reserved connector only
// accepts the idTag (or parent idTag) of its reservation and consumes it.
func (c *Connector) BeginPreparing(idTag string, parentIdTag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply("BeginPreparing", func(s *State) (bool, error) {
		if c.id == StationConnectorID {
			return false, c.refuse("BeginPreparing", "station connector")
		}
		switch s.Status {
		case StatusAvailable:
		case StatusReserved:
			r := s.Reservation
			if !r.Admits(idTag, parentIdTag) {
				return false, c.refuse("BeginPreparing", "reserved for another idTag")
			}
			id := r.ID
			s.PendingReservationID = &id
			s.Reservation = nil
		default:
			return false, c.refuse("BeginPreparing", "")
		}
		s.Status = StatusPreparing
		s.IdTag = idTag
		return true, nil
	})
}

// Accept engages the relay for the transaction issued by the central system.
func (c *Connector) Accept(transactionID int, meterStartWh int, startedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply("Accept", func(s *State) (bool, error) {
		if s.Status != StatusPreparing {
			return false, c.refuse("Accept", "")
		}
		s.Status = StatusCharging
		s.Transaction = &Transaction{
			ID:            transactionID,
			IdTag:         s.IdTag,
			MeterStartWh:  meterStartWh,
			StartedAt:     startedAt,
			ReservationID: s.PendingReservationID,
		}
		s.PendingReservationID = nil
		return true, nil
	})
}

// Reject ends a start refused by the central system. No-op unless Preparing.
func (c *Connector) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply("Reject", func(s *State) (bool, error) {
		if s.Status != StatusPreparing {
			return false, nil
		}
		s.IdTag = ""
		s.PendingReservationID = nil
		s.Status = idle(s)
		return true, nil
	})
}

// BeginFinishing switches the relay off and records the stop reading. It
// returns the transaction to report, or nil when there is none. changed is
// false when a stop is already in progress.
func (c *Connector) BeginFinishing(meterStopWh int, reason string) (tx *Transaction, changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.apply("BeginFinishing", func(s *State) (bool, error) {
		if s.Transaction == nil {
			return false, nil
		}
		if s.Status == StatusFinishing {
			return false, nil
		}
		if meterStopWh < s.Transaction.MeterStartWh {
			meterStopWh = s.Transaction.MeterStartWh
		}
		s.Status = StatusFinishing
		s.MeterStopWh = &meterStopWh
		s.StopReason = reason
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if c.state.Transaction != nil {
		tx = c.state.clone().Transaction
	}
	return tx, changed, nil
}

// Finish clears the transaction once its stop was reported. No-op unless Finishing.
func (c *Connector) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply("Finish", func(s *State) (bool, error) {
		if s.Status != StatusFinishing {
			return false, nil
		}
		s.Transaction = nil
		s.IdTag = ""
		s.MeterStopWh = nil
		s.StopReason = ""
		if s.ScheduledAvailability != "" {
			s.Availability = s.ScheduledAvailability
			s.ScheduledAvailability = ""
		}
		s.Status = idle(s)
		return true, nil
	})
}

// Reserve holds an Available connector for r. A reservation with the same
// id replaces the current one.
func (c *Connector) Reserve(r Reservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply("Reserve", func(s *State) (bool, error) {
		if c.id == StationConnectorID {
			return false, c.refuse("Reserve", "station connector")
		}
		switch {
		case s.Status == StatusAvailable:
		case s.Status == StatusReserved && s.Reservation.ID == r.ID:
		default:
			return false, c.refuse("Reserve", "")
		}
		s.Status = StatusReserved
		s.Reservation = &r
		return true, nil
	})
}

// CancelReservation releases reservation id. It reports false when the
// connector no longer holds it.
func (c *Connector) CancelReservation(id int) (cancelled bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.apply("CancelReservation", func(s *State) (bool, error) {
		if s.Status != StatusReserved || s.Reservation == nil || s.Reservation.ID != id {
			return false, nil
		}
		s.Reservation = nil
		s.Status = idle(s)
		cancelled = true
		return true, nil
	})
	return cancelled, err
}

// SetAvailability changes the operator availability. Inoperative is refused
// with ErrTransactionActive while a transaction runs; the caller stops it first.
// A faulted connector stays Faulted until recovered.
func (c *Connector) SetAvailability(a Availability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply("SetAvailability", func(s *State) (bool, error) {
		return c.setAvailability(s, a)
	})
}

// ScheduleAvailability applies a at once, or records it for the end of the
// running transaction when a is Inoperative. scheduled reports the latter.
func (c *Connector) ScheduleAvailability(a Availability) (scheduled bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.apply("ScheduleAvailability", func(s *State) (bool, error) {
		changed, err := c.setAvailability(s, a)
		if !errors.Is(err, ErrTransactionActive) {
			return changed, err
		}
		scheduled = true
		if s.ScheduledAvailability == a {
			return false, nil
		}
		s.ScheduledAvailability = a
		return true, nil
	})
	return scheduled, err
}

func (c *Connector) setAvailability(s *State, a Availability) (bool, error) {
	if a == Inoperative && s.Transaction != nil {
		return false, errors.Wrapf(ErrTransactionActive, "connector %d", c.id)
	}
	cleared := s.ScheduledAvailability != ""
	s.ScheduledAvailability = ""
	if s.Availability == a && (a == Operative || s.Status == StatusUnavailable || s.Status == StatusFaulted) {
		return cleared, nil
	}
	s.Availability = a
	switch s.Status {
	case StatusCharging, StatusFinishing:
		// only reachable for Operative
	case StatusPreparing, StatusReserved:
		if a == Inoperative {
			s.IdTag = ""
			s.PendingReservationID = nil
			s.Reservation = nil
			s.Status = idle(s)
		}
	default:
		s.Status = idle(s)
	}
	return true, nil
}

func (c *Connector) Availability() Availability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Availability
}

// ClearFault is the explicit recovery of a Faulted connector.
func (c *Connector) ClearFault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != "" && c.relayOn {
		if err := c.actuator.SetOutput(c.handle, false); err != nil {
			return errors.Wrapf(ErrRelayFailure, "connector %d: %v", c.id, err)
		}
		c.relayOn = false
	}
	return c.apply("ClearFault", func(s *State) (bool, error) {
		if s.FaultCode == "" {
			return false, nil
		}
		s.FaultCode = ""
		if s.Status == StatusFaulted {
			s.Status = idle(s)
		}
		return true, nil
	})
}

// MarkTelemetryLost flags the meter as unreachable. An idle connector
// becomes Unavailable; a running transaction keeps its status.
func (c *Connector) MarkTelemetryLost() error {
	c.MarkStale()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply("MarkTelemetryLost", func(s *State) (bool, error) {
		if s.TelemetryLost {
			return false, nil
		}
		s.TelemetryLost = true
		if s.Status == StatusAvailable {
			s.Status = StatusUnavailable
		}
		return true, nil
	})
}

// RestoreTelemetry undoes MarkTelemetryLost. It reports whether the
// connector had been marked.
func (c *Connector) RestoreTelemetry() (restored bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.apply("RestoreTelemetry", func(s *State) (bool, error) {
		if !s.TelemetryLost {
			return false, nil
		}
		s.TelemetryLost = false
		if s.Status == StatusUnavailable {
			s.Status = idle(s)
		}
		restored = true
		return true, nil
	})
	return restored, err
}

func (c *Connector) TelemetryLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TelemetryLost
}
