package telemetry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
	"chargepoint/pkg/meter"
)

// Reader reads one meter sample.
type Reader interface {
	ReadSample(ctx context.Context, cfg meter.Config, timeout time.Duration) (meter.Sample, error)
}

type Config struct {
	Interval         time.Duration
	ReadTimeout      time.Duration
	FailureThreshold int
	DisableWindow    time.Duration
	// ZeroCurrentA and ZeroCurrentGrace drive idle detection; a zero grace disables it.
	ZeroCurrentA     float64
	ZeroCurrentGrace time.Duration
}

func NewDefaultConfig() Config {
	return Config{
		Interval:         2 * time.Second,
		ReadTimeout:      time.Second,
		FailureThreshold: 3,
		DisableWindow:    30 * time.Second,
		ZeroCurrentA:     0.5,
	}
}

// Target binds a connector to its meter.
type Target struct {
	Connector *connector.Connector
	Meter     meter.Config
}

type target struct {
	Target
	breaker   *Breaker
	zeroSince time.Time
	idleFired bool
}

type Option func(*Poller)

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithIdleHandler is called once when a charging connector draws no current
// for the configured grace period.
func WithIdleHandler(fn func(ctx context.Context, connectorID int)) Option {
	return func(p *Poller) {
		p.onIdle = fn
	}
}

// WithSampleHandler receives every successful sample.
func WithSampleHandler(fn func(connectorID int, s meter.Sample)) Option {
	return func(p *Poller) {
		p.onSample = fn
	}
}

type Poller struct {
	reader   Reader
	cfg      Config
	targets  []*target
	byID     map[int]*target
	now      func() time.Time
	onIdle   func(ctx context.Context, connectorID int)
	onSample func(connectorID int, s meter.Sample)
	polls    atomic.Uint64
}

func NewPoller(reader Reader, targets []Target, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		reader: reader,
		cfg:    cfg,
		byID:   make(map[int]*target, len(targets)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, t := range targets {
		tt := &target{Target: t, breaker: NewBreaker(cfg.FailureThreshold, cfg.DisableWindow, p.now)}
		p.targets = append(p.targets, tt)
		p.byID[t.Connector.ID()] = tt
	}
	return p
}

func (p *Poller) Run(ctx context.Context) {
	klog.V(2).InfoS("Starting telemetry poller", "connectors", len(p.targets), "interval", p.cfg.Interval)
	wait.UntilWithContext(ctx, p.Poll, p.cfg.Interval)
	klog.V(2).InfoS("Stopped telemetry poller", "polls", p.polls.Load())
}

// Poll reads every connector whose breaker is closed.
func (p *Poller) Poll(ctx context.Context) {
	p.polls.Inc()
	for _, t := range p.targets {
		if ctx.Err() != nil {
			return
		}
		if !t.breaker.Allow() {
			klog.V(5).InfoS("Skipping connector in disabled window", "connector", t.Connector.ID(), "until", t.breaker.OpenUntil())
			continue
		}
		s, err := p.read(ctx, t)
		if err != nil {
			continue
		}
		p.detectIdle(ctx, t, s)
	}
}

func (p *Poller) read(ctx context.Context, t *target) (meter.Sample, error) {
	id := t.Connector.ID()
	s, err := p.reader.ReadSample(ctx, t.Meter, p.cfg.ReadTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return meter.Sample{}, err
		}
		t.Connector.MarkStale()
		if t.breaker.Failure() {
			klog.V(2).InfoS("Meter unreachable, disabling connector", "connector", id, "failures", t.breaker.Failures(), "window", p.cfg.DisableWindow, "err", err)
			if !t.Connector.TelemetryLost() {
				if err := t.Connector.MarkTelemetryLost(); err != nil {
					klog.ErrorS(err, "Failed to mark telemetry lost", "connector", id)
				}
			}
		} else {
			klog.V(3).InfoS("Meter read failed", "connector", id, "failures", t.breaker.Failures(), "err", err)
		}
		return meter.Sample{}, err
	}

	t.breaker.Success()
	t.Connector.UpdateReading(s.EnergyWh, s.PowerW, s.CurrentA, s.ReadAt)
	if restored, err := t.Connector.RestoreTelemetry(); err != nil {
		klog.ErrorS(err, "Failed to restore connector after telemetry loss", "connector", id)
	} else if restored {
		klog.V(2).InfoS("Meter reachable again", "connector", id)
	}
	if p.onSample != nil {
		p.onSample(id, s)
	}
	return s, nil
}

func (p *Poller) detectIdle(ctx context.Context, t *target, s meter.Sample) {
	if p.cfg.ZeroCurrentGrace <= 0 || t.Meter.Current == nil || p.onIdle == nil {
		return
	}
	if t.Connector.Snapshot().Status != connector.StatusCharging || s.CurrentA > p.cfg.ZeroCurrentA {
		t.zeroSince = time.Time{}
		t.idleFired = false
		return
	}
	now := p.now()
	if t.zeroSince.IsZero() {
		t.zeroSince = now
		return
	}
	if !t.idleFired && now.Sub(t.zeroSince) >= p.cfg.ZeroCurrentGrace {
		t.idleFired = true
		klog.V(2).InfoS("No current drawn, stopping session", "connector", t.Connector.ID(), "since", t.zeroSince)
		p.onIdle(ctx, t.Connector.ID())
	}
}

// EnergyWh returns a fresh energy reading for a start or stop snapshot,
// falling back to the last live reading when the meter cannot be read.
func (p *Poller) EnergyWh(ctx context.Context, connectorID int) (float64, error) {
	t, ok := p.byID[connectorID]
	if !ok {
		return 0, errors.Wrapf(connector.ErrUnknownConnector, "connector %d", connectorID)
	}
	if t.breaker.Allow() {
		if s, err := p.read(ctx, t); err == nil {
			return s.EnergyWh, nil
		}
	}
	r := t.Connector.Reading()
	if r.UpdatedAt.IsZero() {
		return 0, errors.Errorf("no meter reading for connector %d", connectorID)
	}
	klog.V(3).InfoS("Using last meter reading", "connector", connectorID, "energyWh", r.EnergyWh, "at", r.UpdatedAt)
	return r.EnergyWh, nil
}
