package station

import (
	"context"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
)

// statusQueue delivers the notifications of one connector in order.
type statusQueue struct {
	connectorID int
	ch          chan *core.StatusNotificationRequest
}

func newStatusQueue(connectorID, size int) *statusQueue {
	if size <= 0 {
		size = 64
	}
	return &statusQueue{connectorID: connectorID, ch: make(chan *core.StatusNotificationRequest, size)}
}

func (q *statusQueue) push(req *core.StatusNotificationRequest) bool {
	select {
	case q.ch <- req:
		return true
	default:
		return false
	}
}

func (q *statusQueue) run(ctx context.Context, deliver func(ctx context.Context, req *core.StatusNotificationRequest)) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.ch:
			deliver(ctx, req)
		}
	}
}

// connectorChanged is a connector observer; it only enqueues.
func (s *Station) connectorChanged(e connector.Event) {
	if !e.StatusChanged() {
		return
	}
	s.enqueueStatus(e.Current)
}

func (s *Station) enqueueStatus(st connector.State) {
	q, ok := s.queues[st.ID]
	if !ok {
		return
	}
	if !q.push(statusRequest(st, s.now())) {
		klog.V(2).InfoS("Status queue full, dropping notification", "connector", st.ID, "status", st.Status)
	}
}

// deliverStatus sends one notification. Notifications produced while the
// station is not booted are dropped; the boot sequence reports the current
// status of every connector.
func (s *Station) deliverStatus(ctx context.Context, req *core.StatusNotificationRequest) {
	if !s.booted.Load() {
		klog.V(3).InfoS("Not booted, dropping status notification", "connector", req.ConnectorId, "status", req.Status)
		return
	}
	if _, err := s.cs.StatusNotification(ctx, req); err != nil {
		klog.V(2).InfoS("Failed to send status notification", "connector", req.ConnectorId, "status", req.Status, "err", err)
		return
	}
	klog.V(3).InfoS("Status notification sent", "connector", req.ConnectorId, "status", req.Status, "errorCode", req.ErrorCode)
}

// reportAll queues the current status of the station and every connector.
func (s *Station) reportAll() {
	s.enqueueStatus(s.registry.Station().Snapshot())
	for _, c := range s.registry.All() {
		s.enqueueStatus(c.Snapshot())
	}
}
