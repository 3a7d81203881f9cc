package station

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"k8s.io/klog/v2"
)

const defaultHeartbeatInterval = 60 * time.Second

// connectionLoop keeps a connection to the central system, reconnecting
// with exponential backoff, until ctx is done.
func (s *Station) connectionLoop(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectMin
	b.MaxInterval = s.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	defer s.client.Close()

	for {
		if err := s.client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			klog.V(1).InfoS("Failed to connect to central system", "identity", s.cfg.Identity, "retryIn", wait, "err", err)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		b.Reset()
		klog.V(1).InfoS("Connected to central system", "identity", s.cfg.Identity)
		s.serve(ctx)
		s.booted.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		klog.V(1).InfoS("Connection to central system lost", "identity", s.cfg.Identity)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve runs one connection: boot, then heartbeats until it closes.
func (s *Station) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if !s.boot(ctx) {
		return
	}
	s.reportAll()
	go func() {
		if err := s.sessions.ResumeInterrupted(ctx); err != nil {
			klog.V(2).InfoS("Some interrupted transactions are still unreported", "err", err)
		}
	}()
	s.heartbeat(ctx)
}

// boot repeats BootNotification until it is accepted. It returns false
// when the connection ends first.
func (s *Station) boot(ctx context.Context) bool {
	for {
		resp, err := s.sendBootNotification(ctx)
		retry := s.cfg.BootRetryInterval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return false
			}
			klog.V(1).InfoS("BootNotification failed", "err", err, "retryIn", retry)
		case resp.Status == core.RegistrationStatusAccepted:
			interval := time.Duration(resp.Interval) * time.Second
			if interval <= 0 {
				interval = s.heartbeatInterval.Load()
			}
			if interval <= 0 {
				interval = defaultHeartbeatInterval
			}
			s.heartbeatInterval.Store(interval)
			s.booted.Store(true)
			klog.V(1).InfoS("Boot accepted", "identity", s.cfg.Identity, "heartbeatInterval", interval)
			return true
		default:
			if resp.Interval > 0 {
				retry = time.Duration(resp.Interval) * time.Second
			}
			klog.V(1).InfoS("Boot not accepted", "status", resp.Status, "retryIn", retry)
		}
		if retry <= 0 {
			retry = defaultHeartbeatInterval
		}
		if !sleep(ctx, retry) {
			return false
		}
	}
}

func (s *Station) sendBootNotification(ctx context.Context) (*core.BootNotificationConfirmation, error) {
	return s.cs.BootNotification(ctx, &core.BootNotificationRequest{
		ChargePointVendor:       s.cfg.Vendor,
		ChargePointModel:        s.cfg.Model,
		ChargePointSerialNumber: s.cfg.SerialNumber,
		ChargeBoxSerialNumber:   s.cfg.SerialNumber,
		FirmwareVersion:         s.cfg.FirmwareVersion,
		MeterSerialNumber:       s.meterSerial,
		MeterType:               s.cfg.MeterType,
	})
}

func (s *Station) heartbeat(ctx context.Context) {
	for {
		interval := s.heartbeatInterval.Load()
		if interval <= 0 {
			interval = defaultHeartbeatInterval
		}
		if !sleep(ctx, interval) {
			return
		}
		s.sendHeartbeat(ctx)
	}
}

func (s *Station) sendHeartbeat(ctx context.Context) {
	resp, err := s.cs.Heartbeat(ctx)
	if err != nil {
		klog.V(2).InfoS("Heartbeat failed", "err", err)
		return
	}
	s.lastHeartbeat.Store(s.now().UnixNano())
	if resp.CurrentTime != nil {
		klog.V(4).InfoS("Heartbeat", "currentTime", resp.CurrentTime.Time)
	}
}
