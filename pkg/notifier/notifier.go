// Package notifier publishes connector status changes and meter samples to
// message brokers.
package notifier

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
	"chargepoint/pkg/meter"
)

const (
	KindStatus = "status"
	KindMeter  = "meter"

	defaultQueueSize = 256
	timestampLayout  = "2006-01-02T15:04:05.000Z"
)

// Publisher delivers one payload. subject is the topic split into levels;
// each broker joins them with its own separator.
type Publisher interface {
	Publish(subject []string, payload []byte) error
	Close()
}

type Message struct {
	Kind        string  `json:"kind"`
	Identity    string  `json:"identity"`
	ConnectorID int     `json:"connectorId"`
	Timestamp   string  `json:"timestamp"`
	Status      string  `json:"status,omitempty"`
	ErrorCode   string  `json:"errorCode,omitempty"`
	Transaction *int    `json:"transactionId,omitempty"`
	EnergyWh    float64 `json:"energyWh,omitempty"`
	PowerW      float64 `json:"powerW,omitempty"`
	CurrentA    float64 `json:"currentA,omitempty"`
}

type Notifier struct {
	identity   string
	publishers []Publisher
	queue      chan Message
	dropped    atomic.Uint64
	now        func() time.Time
}

func New(identity string, publishers ...Publisher) *Notifier {
	return &Notifier{
		identity:   identity,
		publishers: publishers,
		queue:      make(chan Message, defaultQueueSize),
		now:        time.Now,
	}
}

// Enabled reports whether any broker is configured.
func (n *Notifier) Enabled() bool {
	return len(n.publishers) > 0
}

func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *Notifier) enqueue(m Message) {
	if !n.Enabled() {
		return
	}
	select {
	case n.queue <- m:
	default:
		n.dropped.Inc()
		klog.V(3).InfoS("Notification queue full, dropping", "kind", m.Kind, "connector", m.ConnectorID)
	}
}

// ConnectorChanged is a connector observer; it never blocks.
func (n *Notifier) ConnectorChanged(e connector.Event) {
	if !e.StatusChanged() {
		return
	}
	s := e.Current
	m := Message{
		Kind:        KindStatus,
		Identity:    n.identity,
		ConnectorID: s.ID,
		Timestamp:   n.now().UTC().Format(timestampLayout),
		Status:      string(s.Status),
		ErrorCode:   string(s.ErrorCode()),
	}
	if s.Transaction != nil {
		id := s.Transaction.ID
		m.Transaction = &id
	}
	n.enqueue(m)
}

// Sample publishes a meter reading of connectorID.
func (n *Notifier) Sample(connectorID int, s meter.Sample) {
	n.enqueue(Message{
		Kind:        KindMeter,
		Identity:    n.identity,
		ConnectorID: connectorID,
		Timestamp:   s.ReadAt.UTC().Format(timestampLayout),
		EnergyWh:    s.EnergyWh,
		PowerW:      s.PowerW,
		CurrentA:    s.CurrentA,
	})
}

// Run delivers queued messages until ctx is done and then closes every
// publisher.
func (n *Notifier) Run(ctx context.Context) error {
	defer func() {
		for _, p := range n.publishers {
			p.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-n.queue:
			n.publish(m)
		}
	}
}

func (n *Notifier) publish(m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		klog.ErrorS(err, "Failed to marshal notification", "kind", m.Kind)
		return
	}
	subject := []string{n.identity, "connector", strconv.Itoa(m.ConnectorID), m.Kind}
	for _, p := range n.publishers {
		if err := p.Publish(subject, payload); err != nil {
			klog.V(1).InfoS("Failed to publish notification", "subject", subject, "err", err)
			continue
		}
		klog.V(5).InfoS("Succeed to publish notification", "subject", subject, "data", string(payload))
	}
}
