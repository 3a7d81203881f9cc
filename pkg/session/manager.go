// Package session runs charging sessions against the central system: it
// authorizes, opens and closes transactions and reports meter values while
// a connector is charging.
package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
)

var ErrNotAuthorized = errors.New("idTag not authorized")

// CentralSystem is the subset of outbound calls a session needs.
type CentralSystem interface {
	Authorize(ctx context.Context, idTag string) (*core.AuthorizeConfirmation, error)
	StartTransaction(ctx context.Context, req *core.StartTransactionRequest) (*core.StartTransactionConfirmation, error)
	StopTransaction(ctx context.Context, req *core.StopTransactionRequest) (*core.StopTransactionConfirmation, error)
	MeterValues(ctx context.Context, req *core.MeterValuesRequest) (*core.MeterValuesConfirmation, error)
}

// Meter provides the energy snapshot recorded at start and stop.
type Meter interface {
	EnergyWh(ctx context.Context, connectorID int) (float64, error)
}

// Authorizer is the local list and cache.
type Authorizer interface {
	Lookup(idTag string) (types.IdTagInfo, bool)
	Remember(idTag string, info types.IdTagInfo)
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithAuthorizeRemote decides whether remote starts are authorized first.
func WithAuthorizeRemote(fn func() bool) Option {
	return func(m *Manager) {
		m.authorizeRemote = fn
	}
}

// WithOfflineUnknown decides whether an unknown idTag may charge while the
// central system cannot be reached.
func WithOfflineUnknown(fn func() bool) Option {
	return func(m *Manager) {
		m.allowOfflineUnknown = fn
	}
}

// WithSampleInterval sets the MeterValues period. A non-positive interval
// pauses periodic reports.
func WithSampleInterval(fn func() time.Duration) Option {
	return func(m *Manager) {
		m.sampleInterval = fn
	}
}

type Manager struct {
	registry *connector.Registry
	cs       CentralSystem
	meter    Meter
	auth     Authorizer

	now                 func() time.Time
	authorizeRemote     func() bool
	allowOfflineUnknown func() bool
	sampleInterval      func() time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	samplers map[int]context.CancelFunc
	wg       sync.WaitGroup
}

func no() bool { return false }

func NewManager(registry *connector.Registry, cs CentralSystem, meter Meter, auth Authorizer, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:            registry,
		cs:                  cs,
		meter:               meter,
		auth:                auth,
		now:                 time.Now,
		authorizeRemote:     no,
		allowOfflineUnknown: no,
		sampleInterval:      func() time.Duration { return time.Minute },
		ctx:                 ctx,
		cancel:              cancel,
		samplers:            make(map[int]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	registry.Subscribe(m.observe)
	return m
}

// Run blocks until ctx is done and then stops every periodic report.
func (m *Manager) Run(ctx context.Context) error {
	<-ctx.Done()
	m.Close()
	return nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) observe(e connector.Event) {
	was, is := e.Previous.Status == connector.StatusCharging, e.Current.Status == connector.StatusCharging
	switch {
	case is && !was:
		m.startSampler(e.Current.ID)
	case was && !is:
		m.stopSampler(e.Current.ID)
	}
}

// Authorize checks the local list and cache first and asks the central
// system otherwise, caching its answer.
func (m *Manager) Authorize(ctx context.Context, idTag string) (types.IdTagInfo, error) {
	if m.auth != nil {
		if info, ok := m.auth.Lookup(idTag); ok {
			klog.V(3).InfoS("Authorized locally", "idTag", idTag, "status", info.Status)
			return info, nil
		}
	}
	resp, err := m.cs.Authorize(ctx, idTag)
	if err != nil {
		if m.allowOfflineUnknown() {
			klog.V(2).InfoS("Central system unreachable, accepting unknown idTag", "idTag", idTag, "err", err)
			return types.IdTagInfo{Status: types.AuthorizationStatusAccepted}, nil
		}
		return types.IdTagInfo{}, errors.Wrapf(err, "authorize %s", idTag)
	}
	if m.auth != nil {
		m.auth.Remember(idTag, *resp.IdTagInfo)
	}
	return *resp.IdTagInfo, nil
}

// Start opens a transaction on connectorID for idTag and returns the
// transaction id issued by the central system.
func (m *Manager) Start(ctx context.Context, connectorID int, idTag string, remote bool) (int, error) {
	c, err := m.registry.Get(connectorID)
	if err != nil {
		return 0, err
	}
	s := c.Snapshot()
	switch {
	case connectorID == connector.StationConnectorID:
		return 0, errors.Wrapf(connector.ErrUnknownConnector, "connector %d", connectorID)
	case s.Status == connector.StatusAvailable:
	case s.Status == connector.StatusReserved && s.Reservation != nil:
	default:
		return 0, &connector.TransitionError{Op: "Start", From: s.Status}
	}

	var parentIdTag string
	if !remote || m.authorizeRemote() {
		info, err := m.Authorize(ctx, idTag)
		if err != nil {
			return 0, err
		}
		if info.Status != types.AuthorizationStatusAccepted {
			return 0, errors.Wrapf(ErrNotAuthorized, "%s: %s", idTag, info.Status)
		}
		parentIdTag = info.ParentIdTag
	} else {
		parentIdTag = m.ParentIdTag(idTag)
	}

	if err := c.BeginPreparing(idTag, parentIdTag); err != nil {
		return 0, err
	}
	energy, err := m.meter.EnergyWh(ctx, connectorID)
	if err != nil {
		m.reject(c)
		return 0, errors.Wrapf(err, "meter start on connector %d", connectorID)
	}
	meterStart := toWh(energy)
	startedAt := m.now()

	req := &core.StartTransactionRequest{
		ConnectorId:   connectorID,
		IdTag:         idTag,
		MeterStart:    meterStart,
		ReservationId: c.Snapshot().PendingReservationID,
		Timestamp:     types.NewDateTime(startedAt),
	}
	resp, err := m.cs.StartTransaction(ctx, req)
	if err != nil {
		m.reject(c)
		return 0, errors.Wrapf(err, "start transaction on connector %d", connectorID)
	}
	info := types.IdTagInfo{Status: types.AuthorizationStatusInvalid}
	if resp.IdTagInfo != nil {
		info = *resp.IdTagInfo
	}
	if m.auth != nil {
		m.auth.Remember(idTag, info)
	}
	if info.Status != types.AuthorizationStatusAccepted {
		m.reject(c)
		m.abandon(ctx, resp.TransactionId, idTag, meterStart, core.ReasonDeAuthorized)
		return 0, errors.Wrapf(ErrNotAuthorized, "%s: %s", idTag, info.Status)
	}
	if err := c.Accept(resp.TransactionId, meterStart, startedAt); err != nil {
		// the connector changed under us or its relay failed; the issued
		// transaction must still be closed
		m.reject(c)
		m.abandon(ctx, resp.TransactionId, idTag, meterStart, core.ReasonOther)
		return 0, err
	}
	klog.V(2).InfoS("Transaction started", "connector", connectorID, "transaction", resp.TransactionId, "idTag", idTag, "meterStart", meterStart)
	return resp.TransactionId, nil
}

// ParentIdTag returns the parent of idTag known to the local list or cache.
func (m *Manager) ParentIdTag(idTag string) string {
	if m.auth == nil {
		return ""
	}
	info, ok := m.auth.Lookup(idTag)
	if !ok {
		return ""
	}
	return info.ParentIdTag
}

func (m *Manager) reject(c *connector.Connector) {
	if err := c.Reject(); err != nil {
		klog.ErrorS(err, "Failed to revert connector", "connector", c.ID())
	}
}

// abandon closes a transaction the central system issued but the connector
// never charged on. A rejection without a transaction id has nothing to close.
func (m *Manager) abandon(ctx context.Context, transactionID int, idTag string, meterWh int, reason core.Reason) {
	if transactionID == 0 {
		klog.V(2).InfoS("Start rejected without a transaction", "idTag", idTag)
		return
	}
	_, err := m.cs.StopTransaction(ctx, &core.StopTransactionRequest{
		IdTag:         idTag,
		MeterStop:     meterWh,
		Timestamp:     types.NewDateTime(m.now()),
		TransactionId: transactionID,
		Reason:        reason,
	})
	if err != nil {
		klog.ErrorS(err, "Failed to close abandoned transaction", "transaction", transactionID)
	}
}

// Stop ends the active transaction of connectorID. It is a no-op when the
// connector has none or a stop is already in progress.
func (m *Manager) Stop(ctx context.Context, connectorID int, reason core.Reason) error {
	c, err := m.registry.Get(connectorID)
	if err != nil {
		return err
	}
	if !c.Snapshot().HasTransaction() {
		return nil
	}
	energy, err := m.meter.EnergyWh(ctx, connectorID)
	if err != nil {
		klog.V(2).InfoS("No meter reading for stop, using start value", "connector", connectorID, "err", err)
		energy = 0
	}
	tx, changed, err := c.BeginFinishing(toWh(energy), string(reason))
	if err != nil {
		return err
	}
	if tx == nil || !changed {
		return nil
	}
	return m.report(ctx, c)
}

// StopTransaction ends the transaction with the given id.
func (m *Manager) StopTransaction(ctx context.Context, transactionID int, reason core.Reason) error {
	c, err := m.registry.FindByTransaction(transactionID)
	if err != nil {
		return err
	}
	return m.Stop(ctx, c.ID(), reason)
}

// report sends StopTransaction for a Finishing connector and clears it. The
// connector stays Finishing when the central system cannot be reached.
func (m *Manager) report(ctx context.Context, c *connector.Connector) error {
	s := c.Snapshot()
	if s.Status != connector.StatusFinishing || s.Transaction == nil {
		return nil
	}
	meterStop := s.Transaction.MeterStartWh
	if s.MeterStopWh != nil {
		meterStop = *s.MeterStopWh
	}
	reason := core.Reason(s.StopReason)
	if reason == "" {
		reason = core.ReasonOther
	}
	_, err := m.cs.StopTransaction(ctx, &core.StopTransactionRequest{
		IdTag:         s.Transaction.IdTag,
		MeterStop:     meterStop,
		Timestamp:     types.NewDateTime(m.now()),
		TransactionId: s.Transaction.ID,
		Reason:        reason,
	})
	if err != nil {
		return errors.Wrapf(err, "stop transaction %d", s.Transaction.ID)
	}
	klog.V(2).InfoS("Transaction stopped", "connector", s.ID, "transaction", s.Transaction.ID, "meterStop", meterStop, "reason", reason)
	return c.Finish()
}

// ResumeInterrupted reports every transaction left Finishing, either by a
// restart or by a stop the central system did not receive.
func (m *Manager) ResumeInterrupted(ctx context.Context) error {
	var errs []error
	for _, c := range m.registry.All() {
		if err := m.report(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// ReportMeterValues sends the live reading of a charging connector. It is
// skipped when the connector has no transaction.
func (m *Manager) ReportMeterValues(ctx context.Context, connectorID int) error {
	c, err := m.registry.Get(connectorID)
	if err != nil {
		return err
	}
	s := c.Snapshot()
	if s.Transaction == nil {
		return nil
	}
	id := s.Transaction.ID
	return m.sendMeterValues(ctx, connectorID, &id, c.Reading(), types.ReadingContextSamplePeriodic)
}

// TriggerMeterValues answers a TriggerMessage request for MeterValues.
func (m *Manager) TriggerMeterValues(ctx context.Context, connectorID int) error {
	c, err := m.registry.Get(connectorID)
	if err != nil {
		return err
	}
	var id *int
	if s := c.Snapshot(); s.Transaction != nil {
		txID := s.Transaction.ID
		id = &txID
	}
	return m.sendMeterValues(ctx, connectorID, id, c.Reading(), types.ReadingContextTrigger)
}

func (m *Manager) sendMeterValues(ctx context.Context, connectorID int, transactionID *int, r connector.Reading, readingContext types.ReadingContext) error {
	at := r.UpdatedAt
	if at.IsZero() {
		at = m.now()
	}
	_, err := m.cs.MeterValues(ctx, &core.MeterValuesRequest{
		ConnectorId:   connectorID,
		TransactionId: transactionID,
		MeterValue: []types.MeterValue{{
			Timestamp:    types.NewDateTime(at),
			SampledValue: sampledValues(r, readingContext),
		}},
	})
	return errors.Wrapf(err, "meter values for connector %d", connectorID)
}

func toWh(energy float64) int {
	return int(math.Round(energy))
}
