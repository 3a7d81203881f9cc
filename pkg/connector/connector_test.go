package connector

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargepoint/pkg/relay"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	saves   int
}

func (m *memStore) Load() (map[string]Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		return nil, false, nil
	}
	return m.records, true, nil
}

func (m *memStore) Save(records map[string]Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	m.saves++
	return nil
}

func (m *memStore) get(key string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key]
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *relay.MemoryActuator) {
	t.Helper()
	actuator := relay.NewMemoryActuator()
	r, err := NewRegistry([]Config{{ID: 1, RelayHandle: "r1"}, {ID: 2, RelayHandle: "r2"}}, actuator, opts...)
	require.NoError(t, err)
	return r, actuator
}

func mustGet(t *testing.T, r *Registry, id int) *Connector {
	t.Helper()
	c, err := r.Get(id)
	require.NoError(t, err)
	return c
}

func TestNewRegistryRejectsBadConfig(t *testing.T) {
	_, err := NewRegistry([]Config{{ID: 0, RelayHandle: "x"}}, relay.NewMemoryActuator())
	assert.Error(t, err)
	_, err = NewRegistry([]Config{{ID: 1, RelayHandle: "x"}, {ID: 1, RelayHandle: "y"}}, relay.NewMemoryActuator())
	assert.Error(t, err)
}

func TestRegistryGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get(3)
	assert.ErrorIs(t, err, ErrUnknownConnector)
	assert.Len(t, r.All(), 2)
	assert.Equal(t, StationConnectorID, r.Station().ID())
	assert.Len(t, r.Snapshots(), 3)
}

func TestSessionLifecycle(t *testing.T) {
	r, actuator := newTestRegistry(t)
	c := mustGet(t, r, 1)

	require.NoError(t, c.BeginPreparing("ABC", ""))
	s := c.Snapshot()
	assert.Equal(t, StatusPreparing, s.Status)
	assert.Equal(t, "ABC", s.IdTag)
	assert.False(t, actuator.Output("r1"))

	now := time.Now()
	require.NoError(t, c.Accept(42, 100, now))
	s = c.Snapshot()
	assert.Equal(t, StatusCharging, s.Status)
	require.NotNil(t, s.Transaction)
	assert.Equal(t, 42, s.Transaction.ID)
	assert.Equal(t, 100, s.Transaction.MeterStartWh)
	assert.True(t, actuator.Output("r1"))

	tx, changed, err := c.BeginFinishing(90, "Remote")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 42, tx.ID)
	s = c.Snapshot()
	assert.Equal(t, StatusFinishing, s.Status)
	assert.Equal(t, 100, *s.MeterStopWh, "meter stop never below meter start")
	assert.False(t, actuator.Output("r1"))

	// a racing second stop is a no-op
	tx, changed, err = c.BeginFinishing(120, "Local")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 42, tx.ID)

	require.NoError(t, c.Finish())
	s = c.Snapshot()
	assert.Equal(t, StatusAvailable, s.Status)
	assert.Nil(t, s.Transaction)
	assert.Empty(t, s.IdTag)

	require.NoError(t, c.Finish())
	tx, changed, err = c.BeginFinishing(0, "Local")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, tx)
}

func TestRejectRevertsToAvailable(t *testing.T) {
	r, actuator := newTestRegistry(t)
	c := mustGet(t, r, 1)
	require.NoError(t, c.BeginPreparing("ABC", ""))
	require.NoError(t, c.Reject())
	s := c.Snapshot()
	assert.Equal(t, StatusAvailable, s.Status)
	assert.Empty(t, s.IdTag)
	assert.Nil(t, s.Transaction)
	assert.False(t, actuator.Output("r1"))
}

func TestInvalidTransitions(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustGet(t, r, 1)

	err := c.Accept(1, 0, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, c.BeginPreparing("A", ""))
	err = c.BeginPreparing("B", "")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPreparing, te.From)

	assert.ErrorIs(t, r.Station().BeginPreparing("A", ""), ErrInvalidTransition)
	assert.ErrorIs(t, r.Station().Reserve(Reservation{ID: 1, IdTag: "A", ExpiresAt: time.Now().Add(time.Hour)}), ErrInvalidTransition)
}

func TestReservation(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustGet(t, r, 1)
	res := Reservation{ID: 7, IdTag: "ABC", ParentIdTag: "GROUP", ExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, c.Reserve(res))
	assert.Equal(t, StatusReserved, c.Snapshot().Status)

	// same id replaces
	res.IdTag = "DEF"
	require.NoError(t, c.Reserve(res))
	assert.Equal(t, "DEF", c.Snapshot().Reservation.IdTag)
	assert.ErrorIs(t, c.Reserve(Reservation{ID: 8, IdTag: "X"}), ErrInvalidTransition)

	assert.ErrorIs(t, c.BeginPreparing("OTHER", ""), ErrInvalidTransition)
	require.NoError(t, c.BeginPreparing("ANY", "GROUP"))
	s := c.Snapshot()
	assert.Equal(t, StatusPreparing, s.Status)
	assert.Nil(t, s.Reservation)
	require.NoError(t, c.Accept(5, 0, time.Now()))
	s = c.Snapshot()
	require.NotNil(t, s.Transaction.ReservationID)
	assert.Equal(t, 7, *s.Transaction.ReservationID)
}

func TestCancelReservation(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustGet(t, r, 1)
	require.NoError(t, c.Reserve(Reservation{ID: 7, IdTag: "ABC", ExpiresAt: time.Now().Add(time.Hour)}))

	ok, err := c.CancelReservation(8)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CancelReservation(7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusAvailable, c.Snapshot().Status)

	ok, err = c.CancelReservation(7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAvailability(t *testing.T) {
	r, actuator := newTestRegistry(t)
	c := mustGet(t, r, 1)

	require.NoError(t, c.BeginPreparing("A", ""))
	require.NoError(t, c.Accept(1, 0, time.Now()))
	assert.ErrorIs(t, c.SetAvailability(Inoperative), ErrTransactionActive)

	_, _, err := c.BeginFinishing(10, "Other")
	require.NoError(t, err)
	require.NoError(t, c.Finish())
	require.NoError(t, c.SetAvailability(Inoperative))
	s := c.Snapshot()
	assert.Equal(t, StatusUnavailable, s.Status)
	assert.Equal(t, Inoperative, s.Availability)
	assert.False(t, actuator.Output("r1"))
	assert.ErrorIs(t, c.BeginPreparing("A", ""), ErrInvalidTransition)

	require.NoError(t, c.SetAvailability(Operative))
	assert.Equal(t, StatusAvailable, c.Snapshot().Status)

	require.NoError(t, c.Reserve(Reservation{ID: 1, IdTag: "A", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, c.SetAvailability(Inoperative))
	s = c.Snapshot()
	assert.Equal(t, StatusUnavailable, s.Status)
	assert.Nil(t, s.Reservation)
}

func TestScheduleAvailability(t *testing.T) {
	r, actuator := newTestRegistry(t)
	c := mustGet(t, r, 1)

	scheduled, err := mustGet(t, r, 2).ScheduleAvailability(Inoperative)
	require.NoError(t, err)
	assert.False(t, scheduled)
	assert.Equal(t, StatusUnavailable, mustGet(t, r, 2).Snapshot().Status)

	require.NoError(t, c.BeginPreparing("A", ""))
	require.NoError(t, c.Accept(1, 0, time.Now()))
	scheduled, err = c.ScheduleAvailability(Inoperative)
	require.NoError(t, err)
	assert.True(t, scheduled)
	s := c.Snapshot()
	assert.Equal(t, StatusCharging, s.Status)
	assert.Equal(t, Operative, s.Availability)
	assert.Equal(t, Inoperative, s.ScheduledAvailability)
	assert.True(t, actuator.Output("r1"))

	// Operative cancels the pending change
	require.NoError(t, c.SetAvailability(Operative))
	assert.Empty(t, c.Snapshot().ScheduledAvailability)

	_, err = c.ScheduleAvailability(Inoperative)
	require.NoError(t, err)
	_, _, err = c.BeginFinishing(10, "Other")
	require.NoError(t, err)
	assert.Equal(t, Operative, c.Availability())
	require.NoError(t, c.Finish())
	s = c.Snapshot()
	assert.Equal(t, StatusUnavailable, s.Status)
	assert.Equal(t, Inoperative, s.Availability)
	assert.Empty(t, s.ScheduledAvailability)
}

func TestScheduledAvailabilitySurvivesRestart(t *testing.T) {
	store := &memStore{}
	r, _ := newTestRegistry(t, WithStore(store, "CP1"))
	c := mustGet(t, r, 1)
	require.NoError(t, c.BeginPreparing("A", ""))
	require.NoError(t, c.Accept(4, 0, time.Now()))
	_, err := c.ScheduleAvailability(Inoperative)
	require.NoError(t, err)
	assert.Equal(t, Inoperative, store.get("CP1_connector1").ScheduledAvailability)

	r2, _ := newTestRegistry(t, WithStore(store, "CP1"))
	c2 := mustGet(t, r2, 1)
	assert.Equal(t, StatusFinishing, c2.Snapshot().Status)
	require.NoError(t, c2.Finish())
	assert.Equal(t, StatusUnavailable, c2.Snapshot().Status)
	assert.Equal(t, Inoperative, c2.Availability())
}

func TestReservationAdmits(t *testing.T) {
	r := &Reservation{IdTag: "OWNER", ParentIdTag: "FLEET"}
	assert.True(t, r.Admits("OWNER", ""))
	assert.True(t, r.Admits("MEMBER", "FLEET"))
	assert.False(t, r.Admits("MEMBER", ""))
	assert.False(t, r.Admits("MEMBER", "OTHER"))
	assert.False(t, (&Reservation{IdTag: "OWNER"}).Admits("MEMBER", ""))
}

func TestRelayFailureOnAcceptFaults(t *testing.T) {
	r, actuator := newTestRegistry(t)
	c := mustGet(t, r, 1)
	actuator.FailWith("r1", errors.New("gpio busy"))

	require.NoError(t, c.BeginPreparing("A", ""))
	err := c.Accept(9, 0, time.Now())
	assert.ErrorIs(t, err, ErrRelayFailure)
	s := c.Snapshot()
	assert.Equal(t, StatusFaulted, s.Status)
	assert.Equal(t, PowerSwitchFailure, s.ErrorCode())
	assert.Nil(t, s.Transaction)

	// faults are never cleared automatically
	require.NoError(t, c.SetAvailability(Operative))
	assert.Equal(t, StatusFaulted, c.Snapshot().Status)
	_, err = c.RestoreTelemetry()
	require.NoError(t, err)
	assert.Equal(t, StatusFaulted, c.Snapshot().Status)

	actuator.FailWith("r1", nil)
	require.NoError(t, c.ClearFault())
	s = c.Snapshot()
	assert.Equal(t, StatusAvailable, s.Status)
	assert.Equal(t, NoError, s.ErrorCode())
}

func TestRelayFailureOnStopFaultsAfterFinish(t *testing.T) {
	r, actuator := newTestRegistry(t)
	c := mustGet(t, r, 1)
	require.NoError(t, c.BeginPreparing("A", ""))
	require.NoError(t, c.Accept(9, 0, time.Now()))

	actuator.FailWith("r1", errors.New("stuck"))
	tx, changed, err := c.BeginFinishing(5, "Local")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, tx)
	assert.Equal(t, StatusFinishing, c.Snapshot().Status)

	require.NoError(t, c.Finish())
	assert.Equal(t, StatusFaulted, c.Snapshot().Status)
	assert.Error(t, c.ClearFault())

	actuator.FailWith("r1", nil)
	require.NoError(t, c.ClearFault())
	assert.Equal(t, StatusAvailable, c.Snapshot().Status)
	assert.False(t, actuator.Output("r1"))
}

func TestTelemetryLoss(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustGet(t, r, 2)
	c.UpdateReading(10, 0, 0, time.Now())

	require.NoError(t, c.MarkTelemetryLost())
	s := c.Snapshot()
	assert.Equal(t, StatusUnavailable, s.Status)
	assert.Equal(t, PowerMeterFailure, s.ErrorCode())
	assert.True(t, s.Reading.Stale)

	restored, err := c.RestoreTelemetry()
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, StatusAvailable, c.Snapshot().Status)

	// an operator hold outlives the telemetry restore
	require.NoError(t, c.MarkTelemetryLost())
	require.NoError(t, c.SetAvailability(Inoperative))
	_, err = c.RestoreTelemetry()
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, c.Snapshot().Status)
}

func TestTelemetryLossDuringTransaction(t *testing.T) {
	r, actuator := newTestRegistry(t)
	c := mustGet(t, r, 1)
	require.NoError(t, c.BeginPreparing("A", ""))
	require.NoError(t, c.Accept(3, 0, time.Now()))

	require.NoError(t, c.MarkTelemetryLost())
	assert.Equal(t, StatusCharging, c.Snapshot().Status)
	assert.True(t, actuator.Output("r1"))

	_, _, err := c.BeginFinishing(0, "Local")
	require.NoError(t, err)
	require.NoError(t, c.Finish())
	assert.Equal(t, StatusUnavailable, c.Snapshot().Status)
}

func TestObserversSeeRelayFirst(t *testing.T) {
	r, actuator := newTestRegistry(t)
	var events []Event
	var relayAtEvent []bool
	r.Subscribe(func(ev Event) {
		events = append(events, ev)
		relayAtEvent = append(relayAtEvent, actuator.Output("r1"))
	})
	c := mustGet(t, r, 1)
	require.NoError(t, c.BeginPreparing("A", ""))
	require.NoError(t, c.Accept(1, 0, time.Now()))
	_, _, err := c.BeginFinishing(1, "Local")
	require.NoError(t, err)
	require.NoError(t, c.Finish())

	require.Len(t, events, 4)
	assert.Equal(t, StatusCharging, events[1].Current.Status)
	assert.True(t, relayAtEvent[1])
	assert.False(t, relayAtEvent[2])
	assert.True(t, events[3].StatusChanged())
	assert.Equal(t, StatusAvailable, events[3].Current.Status)
}

func TestPersistAndRestore(t *testing.T) {
	store := &memStore{}
	r, _ := newTestRegistry(t, WithStore(store, "CP1"))
	c1 := mustGet(t, r, 1)
	require.NoError(t, c1.BeginPreparing("A", ""))
	require.NoError(t, c1.Accept(11, 50, time.Now()))
	c2 := mustGet(t, r, 2)
	require.NoError(t, c2.SetAvailability(Inoperative))

	rec := store.get("CP1_connector1")
	assert.Equal(t, StatusCharging, rec.Status)
	require.NotNil(t, rec.Transaction)
	assert.Equal(t, 11, rec.Transaction.ID)

	r2, actuator := newTestRegistry(t, WithStore(store, "CP1"))
	s1 := mustGet(t, r2, 1).Snapshot()
	assert.Equal(t, StatusFinishing, s1.Status)
	assert.Equal(t, 11, s1.Transaction.ID)
	assert.Equal(t, "PowerLoss", s1.StopReason)
	assert.False(t, actuator.Output("r1"))

	s2 := mustGet(t, r2, 2).Snapshot()
	assert.Equal(t, StatusUnavailable, s2.Status)
	assert.Equal(t, Inoperative, s2.Availability)

	found, err := r2.FindByTransaction(11)
	require.NoError(t, err)
	assert.Equal(t, 1, found.ID())
	_, err = r2.FindByTransaction(12)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestRestoreDropsExpiredReservation(t *testing.T) {
	now := time.Now()
	store := &memStore{records: map[string]Record{
		"CP1_connector1": {Status: StatusReserved, Availability: Operative, Reservation: &Reservation{ID: 1, IdTag: "A", ExpiresAt: now.Add(-time.Minute)}},
		"CP1_connector2": {Status: StatusReserved, Availability: Operative, Reservation: &Reservation{ID: 2, IdTag: "B", ExpiresAt: now.Add(time.Hour)}},
	}}
	r, _ := newTestRegistry(t, WithStore(store, "CP1"), WithClock(func() time.Time { return now }))
	assert.Equal(t, StatusAvailable, mustGet(t, r, 1).Snapshot().Status)
	s := mustGet(t, r, 2).Snapshot()
	assert.Equal(t, StatusReserved, s.Status)
	assert.Equal(t, 2, s.Reservation.ID)
}
