package session

import (
	"context"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
)

// idleRecheck is how often a paused sampler looks at the interval again.
const idleRecheck = 10 * time.Second

func sampledValues(r connector.Reading, readingContext types.ReadingContext) []types.SampledValue {
	value := func(v float64, prec int, measurand types.Measurand, unit types.UnitOfMeasure) types.SampledValue {
		return types.SampledValue{
			Value:     strconv.FormatFloat(v, 'f', prec, 64),
			Context:   readingContext,
			Format:    types.ValueFormatRaw,
			Measurand: measurand,
			Location:  types.LocationOutlet,
			Unit:      unit,
		}
	}
	return []types.SampledValue{
		value(r.EnergyWh, 0, types.MeasurandEnergyActiveImportRegister, types.UnitOfMeasureWh),
		value(r.PowerW, 1, types.MeasurandPowerActiveImport, types.UnitOfMeasureW),
		value(r.CurrentA, 2, types.MeasurandCurrentImport, types.UnitOfMeasureA),
	}
}

func (m *Manager) startSampler(connectorID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	if cancel, ok := m.samplers[connectorID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.samplers[connectorID] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sample(ctx, connectorID)
	}()
}

func (m *Manager) stopSampler(connectorID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.samplers[connectorID]; ok {
		cancel()
		delete(m.samplers, connectorID)
	}
}

func (m *Manager) sample(ctx context.Context, connectorID int) {
	klog.V(3).InfoS("Periodic meter values started", "connector", connectorID)
	defer klog.V(3).InfoS("Periodic meter values stopped", "connector", connectorID)
	for {
		interval := m.sampleInterval()
		wait := interval
		if interval <= 0 {
			wait = idleRecheck
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if interval <= 0 {
			continue
		}
		if err := m.ReportMeterValues(ctx, connectorID); err != nil && ctx.Err() == nil {
			klog.V(2).InfoS("Failed to report meter values", "connector", connectorID, "err", err)
		}
	}
}
