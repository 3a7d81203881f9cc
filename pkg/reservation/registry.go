// Package reservation books connectors for an idTag until an expiry date.
package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
)

const DefaultSweepInterval = 60 * time.Second

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry is the only writer of connector reservations. The reservations
// themselves live on the connector records.
type Registry struct {
	mu         sync.Mutex
	connectors *connector.Registry
	now        func() time.Time
}

func New(connectors *connector.Registry, opts ...Option) *Registry {
	r := &Registry{connectors: connectors, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) find(id int) (*connector.Connector, bool) {
	for _, c := range r.connectors.All() {
		if res := c.Snapshot().Reservation; res != nil && res.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Reserve books connectorID. A reservation id already held on another
// connector moves to the new one.
func (r *Registry) Reserve(id, connectorID int, idTag, parentIdTag string, expiresAt time.Time) (reservation.ReservationStatus, error) {
	if connectorID == connector.StationConnectorID {
		return reservation.ReservationStatusRejected, errors.Wrapf(connector.ErrUnknownConnector, "connector %d", connectorID)
	}
	c, err := r.connectors.Get(connectorID)
	if err != nil {
		return reservation.ReservationStatusRejected, err
	}
	if !expiresAt.After(r.now()) {
		klog.V(2).InfoS("Refusing reservation in the past", "reservation", id, "expiresAt", expiresAt)
		return reservation.ReservationStatusRejected, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	previous, held := r.find(id)
	err = c.Reserve(connector.Reservation{ID: id, IdTag: idTag, ParentIdTag: parentIdTag, ExpiresAt: expiresAt})
	if err != nil {
		status := refusal(c.Snapshot())
		klog.V(2).InfoS("Reservation refused", "reservation", id, "connector", connectorID, "status", status, "err", err)
		return status, nil
	}
	if held && previous.ID() != connectorID {
		if _, err := previous.CancelReservation(id); err != nil {
			klog.ErrorS(err, "Failed to release moved reservation", "reservation", id, "connector", previous.ID())
		}
	}
	klog.V(2).InfoS("Connector reserved", "reservation", id, "connector", connectorID, "idTag", idTag, "expiresAt", expiresAt)
	return reservation.ReservationStatusAccepted, nil
}

func refusal(s connector.State) reservation.ReservationStatus {
	switch s.Status {
	case connector.StatusFaulted:
		return reservation.ReservationStatusFaulted
	case connector.StatusUnavailable:
		return reservation.ReservationStatusUnavailable
	case connector.StatusPreparing, connector.StatusCharging, connector.StatusFinishing, connector.StatusReserved:
		return reservation.ReservationStatusOccupied
	default:
		return reservation.ReservationStatusRejected
	}
}

// Cancel releases reservation id. It reports false when no connector holds it.
func (r *Registry) Cancel(id int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.find(id)
	if !ok {
		return false, nil
	}
	cancelled, err := c.CancelReservation(id)
	if cancelled {
		klog.V(2).InfoS("Reservation cancelled", "reservation", id, "connector", c.ID())
	}
	return cancelled, err
}

// Sweep cancels every reservation that expired at or before now and returns
// how many were released.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, c := range r.connectors.All() {
		res := c.Snapshot().Reservation
		if res == nil || res.ExpiresAt.After(now) {
			continue
		}
		cancelled, err := c.CancelReservation(res.ID)
		if err != nil {
			klog.ErrorS(err, "Failed to release expired reservation", "reservation", res.ID, "connector", c.ID())
			continue
		}
		if cancelled {
			released++
			klog.V(2).InfoS("Reservation expired", "reservation", res.ID, "connector", c.ID(), "expiresAt", res.ExpiresAt)
		}
	}
	return released
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	wait.UntilWithContext(ctx, func(context.Context) {
		r.Sweep(r.now())
	}, interval)
}
