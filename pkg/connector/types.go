package connector

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusAvailable   Status = "Available"
	StatusPreparing   Status = "Preparing"
	StatusCharging    Status = "Charging"
	StatusFinishing   Status = "Finishing"
	StatusReserved    Status = "Reserved"
	StatusUnavailable Status = "Unavailable"
	StatusFaulted     Status = "Faulted"
)

type Availability string

const (
	Operative   Availability = "Operative"
	Inoperative Availability = "Inoperative"
)

// ErrorCode is reported with every status notification.
type ErrorCode string

const (
	NoError            ErrorCode = "NoError"
	PowerMeterFailure  ErrorCode = "PowerMeterFailure"
	PowerSwitchFailure ErrorCode = "PowerSwitchFailure"
)

// StationConnectorID addresses the whole station.
const StationConnectorID = 0

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnknownConnector   = errors.New("unknown connector")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrTransactionActive  = errors.New("transaction active")
	ErrRelayFailure       = errors.New("relay failure")
)

// TransitionError reports the status that refused a transition.
type TransitionError struct {
	Op     string
	From   Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s from %s: %s: %v", e.Op, e.From, e.Reason, ErrInvalidTransition)
	}
	return fmt.Sprintf("%s from %s: %v", e.Op, e.From, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type Transaction struct {
	ID            int       `json:"transactionId"`
	IdTag         string    `json:"idTag"`
	MeterStartWh  int       `json:"meterStart"`
	StartedAt     time.Time `json:"startedAt"`
	ReservationID *int      `json:"reservationId,omitempty"`
}

type Reservation struct {
	ID          int       `json:"reservationId"`
	IdTag       string    `json:"idTag"`
	ParentIdTag string    `json:"parentIdTag,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Admits reports whether idTag, or an idTag sharing its parent, may use the
// reserved connector.
func (r *Reservation) Admits(idTag string, parentIdTag string) bool {
	return r.IdTag == idTag || (r.ParentIdTag != "" && r.ParentIdTag == parentIdTag)
}

// Reading is the latest meter sample of a connector.
type Reading struct {
	EnergyWh  float64   `json:"energyWh"`
	PowerW    float64   `json:"powerW"`
	CurrentA  float64   `json:"currentA"`
	UpdatedAt time.Time `json:"lastUpdatedAt"`
	Stale     bool      `json:"stale"`
}

// State is the record of one connector.
type State struct {
	ID           int          `json:"connectorId"`
	Status       Status       `json:"status"`
	Availability Availability `json:"availability"`
	FaultCode    ErrorCode    `json:"faultCode,omitempty"`
	IdTag        string       `json:"idTag,omitempty"`
	Transaction  *Transaction `json:"transaction,omitempty"`
	Reservation  *Reservation `json:"reservation,omitempty"`
	// PendingReservationID is the reservation consumed by the start in progress.
	PendingReservationID *int    `json:"pendingReservationId,omitempty"`
	MeterStopWh          *int    `json:"meterStop,omitempty"`
	StopReason           string  `json:"stopReason,omitempty"`
	TelemetryLost        bool    `json:"telemetryLost,omitempty"`
	Reading              Reading `json:"reading"`

	// ScheduledAvailability takes effect when the running transaction ends.
	ScheduledAvailability Availability `json:"scheduledAvailability,omitempty"`
}

// ErrorCode derives the error code carried by a status notification.
func (s State) ErrorCode() ErrorCode {
	switch {
	case s.Status == StatusFaulted && s.FaultCode != "":
		return s.FaultCode
	case s.TelemetryLost:
		return PowerMeterFailure
	default:
		return NoError
	}
}

func (s State) HasTransaction() bool {
	return s.Transaction != nil
}

func (s State) clone() State {
	c := s
	if s.Transaction != nil {
		tx := *s.Transaction
		if s.Transaction.ReservationID != nil {
			id := *s.Transaction.ReservationID
			tx.ReservationID = &id
		}
		c.Transaction = &tx
	}
	if s.Reservation != nil {
		r := *s.Reservation
		c.Reservation = &r
	}
	if s.PendingReservationID != nil {
		id := *s.PendingReservationID
		c.PendingReservationID = &id
	}
	if s.MeterStopWh != nil {
		v := *s.MeterStopWh
		c.MeterStopWh = &v
	}
	return c
}

// Record is the persisted part of a State.
type Record struct {
	Status       Status       `json:"status"`
	Availability Availability `json:"availability"`
	FaultCode    ErrorCode    `json:"faultCode,omitempty"`
	IdTag        string       `json:"idTag,omitempty"`
	Transaction  *Transaction `json:"transaction,omitempty"`
	Reservation  *Reservation `json:"reservation,omitempty"`

	ScheduledAvailability Availability `json:"scheduledAvailability,omitempty"`
}

func (s State) record() Record {
	c := s.clone()
	return Record{
		Status:       c.Status,
		Availability: c.Availability,
		FaultCode:    c.FaultCode,
		IdTag:        c.IdTag,
		Transaction:  c.Transaction,
		Reservation:  c.Reservation,

		ScheduledAvailability: c.ScheduledAvailability,
	}
}

// Event is delivered to observers after every committed transition.
type Event struct {
	Previous State
	Current  State
}

// StatusChanged reports whether the event is visible to the central system.
func (e Event) StatusChanged() bool {
	return e.Previous.Status != e.Current.Status || e.Previous.ErrorCode() != e.Current.ErrorCode()
}

// Observer runs under the connector lock and must not call back into the connector.
type Observer func(Event)
