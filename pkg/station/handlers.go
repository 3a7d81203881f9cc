package station

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/localauth"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
	"chargepoint/pkg/diagnostics"
	fw "chargepoint/pkg/firmware"
	"chargepoint/pkg/ocpp"
	"chargepoint/pkg/ocppconfig"
)

// UpdateSettingMessageID is the DataTransfer message that changes a
// configuration key.
const UpdateSettingMessageID = "UpdateSetting"

func (s *Station) registerHandlers() error {
	r := s.client
	registrations := []func() error{
		func() error { return ocpp.Register(r, core.AuthorizeFeatureName, s.onAuthorize) },
		func() error {
			return ocpp.Register(r, core.RemoteStartTransactionFeatureName, s.onRemoteStartTransaction)
		},
		func() error {
			return ocpp.Register(r, core.RemoteStopTransactionFeatureName, s.onRemoteStopTransaction)
		},
		func() error { return ocpp.Register(r, core.ChangeAvailabilityFeatureName, s.onChangeAvailability) },
		func() error { return ocpp.Register(r, core.ChangeConfigurationFeatureName, s.onChangeConfiguration) },
		func() error { return ocpp.Register(r, core.GetConfigurationFeatureName, s.onGetConfiguration) },
		func() error { return ocpp.Register(r, core.UnlockConnectorFeatureName, s.onUnlockConnector) },
		func() error { return ocpp.Register(r, core.ResetFeatureName, s.onReset) },
		func() error { return ocpp.Register(r, core.ClearCacheFeatureName, s.onClearCache) },
		func() error { return ocpp.Register(r, core.DataTransferFeatureName, s.onDataTransfer) },
		func() error { return ocpp.Register(r, reservation.ReserveNowFeatureName, s.onReserveNow) },
		func() error { return ocpp.Register(r, reservation.CancelReservationFeatureName, s.onCancelReservation) },
		func() error { return ocpp.Register(r, remotetrigger.TriggerMessageFeatureName, s.onTriggerMessage) },
		func() error { return ocpp.Register(r, firmware.GetDiagnosticsFeatureName, s.onGetDiagnostics) },
		func() error { return ocpp.Register(r, firmware.UpdateFirmwareFeatureName, s.onUpdateFirmware) },
		func() error { return ocpp.Register(r, localauth.SendLocalListFeatureName, s.onSendLocalList) },
		func() error { return ocpp.Register(r, localauth.GetLocalListVersionFeatureName, s.onGetLocalListVersion) },
		func() error {
			return ocpp.Register(r, smartcharging.SetChargingProfileFeatureName, s.onSetChargingProfile)
		},
		func() error {
			return ocpp.Register(r, smartcharging.GetCompositeScheduleFeatureName, s.onGetCompositeSchedule)
		},
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// async runs fn after the handler answered, bound to the station lifetime.
func (s *Station) async(name string, fn func(ctx context.Context) error) {
	go func() {
		if err := fn(s.ctx); err != nil {
			klog.ErrorS(err, "Background command failed", "command", name)
		}
	}()
}

func (s *Station) onAuthorize(_ context.Context, req *core.AuthorizeRequest) (*core.AuthorizeConfirmation, error) {
	info, ok := s.auth.Lookup(req.IdTag)
	if !ok {
		info = types.IdTagInfo{Status: types.AuthorizationStatusInvalid}
	}
	return &core.AuthorizeConfirmation{IdTagInfo: &info}, nil
}

// startable picks the connector of a remote start: the requested one, or
// the first connector that is free or reserved for idTag or its parent.
func (s *Station) startable(connectorID *int, idTag string) (*connector.Connector, bool) {
	parentIdTag := s.sessions.ParentIdTag(idTag)
	ok := func(st connector.State) bool {
		return st.Status == connector.StatusAvailable ||
			(st.Status == connector.StatusReserved && st.Reservation != nil && st.Reservation.Admits(idTag, parentIdTag))
	}
	if connectorID != nil {
		if *connectorID == connector.StationConnectorID {
			return nil, false
		}
		c, err := s.registry.Get(*connectorID)
		if err != nil {
			return nil, false
		}
		return c, ok(c.Snapshot())
	}
	for _, c := range s.registry.All() {
		if ok(c.Snapshot()) {
			return c, true
		}
	}
	return nil, false
}

func (s *Station) onRemoteStartTransaction(_ context.Context, req *core.RemoteStartTransactionRequest) (*core.RemoteStartTransactionConfirmation, error) {
	c, ok := s.startable(req.ConnectorId, req.IdTag)
	if !ok {
		klog.V(2).InfoS("Remote start rejected", "connector", req.ConnectorId, "idTag", req.IdTag)
		return &core.RemoteStartTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}, nil
	}
	if req.ChargingProfile != nil {
		klog.V(3).InfoS("Ignoring charging profile of remote start", "connector", c.ID())
	}
	id, idTag := c.ID(), req.IdTag
	s.async(core.RemoteStartTransactionFeatureName, func(ctx context.Context) error {
		_, err := s.sessions.Start(ctx, id, idTag, true)
		return err
	})
	return &core.RemoteStartTransactionConfirmation{Status: types.RemoteStartStopStatusAccepted}, nil
}

func (s *Station) onRemoteStopTransaction(_ context.Context, req *core.RemoteStopTransactionRequest) (*core.RemoteStopTransactionConfirmation, error) {
	if _, err := s.registry.FindByTransaction(req.TransactionId); err != nil {
		klog.V(2).InfoS("Remote stop rejected", "transaction", req.TransactionId, "err", err)
		return &core.RemoteStopTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}, nil
	}
	txID := req.TransactionId
	s.async(core.RemoteStopTransactionFeatureName, func(ctx context.Context) error {
		return s.sessions.StopTransaction(ctx, txID, core.ReasonRemote)
	})
	return &core.RemoteStopTransactionConfirmation{Status: types.RemoteStartStopStatusAccepted}, nil
}

func availability(t core.AvailabilityType) (connector.Availability, bool) {
	switch t {
	case core.AvailabilityTypeOperative:
		return connector.Operative, true
	case core.AvailabilityTypeInoperative:
		return connector.Inoperative, true
	}
	return "", false
}

// onChangeAvailability applies at once unless a transaction has to be
// stopped first; then the change is Scheduled on the connector and lands
// when the stop is reported, after a reconnect if need be.
func (s *Station) onChangeAvailability(_ context.Context, req *core.ChangeAvailabilityRequest) (*core.ChangeAvailabilityConfirmation, error) {
	a, ok := availability(req.Type)
	if !ok {
		return &core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatusRejected}, nil
	}
	var targets []*connector.Connector
	if req.ConnectorId == connector.StationConnectorID {
		targets = append([]*connector.Connector{s.registry.Station()}, s.registry.All()...)
	} else {
		c, err := s.registry.Get(req.ConnectorId)
		if err != nil {
			return &core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatusRejected}, nil
		}
		targets = []*connector.Connector{c}
	}

	var busy []int
	for _, c := range targets {
		scheduled, err := c.ScheduleAvailability(a)
		if err != nil {
			klog.ErrorS(err, "Failed to change availability", "connector", c.ID())
			return &core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatusRejected}, nil
		}
		if scheduled {
			busy = append(busy, c.ID())
		}
	}
	if len(busy) == 0 {
		return &core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatusAccepted}, nil
	}
	s.async(core.ChangeAvailabilityFeatureName, func(ctx context.Context) error {
		var errs []error
		for _, id := range busy {
			if err := s.sessions.Stop(ctx, id, core.ReasonOther); err != nil {
				klog.InfoS("Availability change waits for the stop to be reported", "connector", id, "availability", a)
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errors.Errorf("availability change pending: %v", errs)
		}
		return nil
	})
	return &core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatusScheduled}, nil
}

func (s *Station) onChangeConfiguration(_ context.Context, req *core.ChangeConfigurationRequest) (*core.ChangeConfigurationConfirmation, error) {
	return &core.ChangeConfigurationConfirmation{Status: s.settings.Set(req.Key, req.Value)}, nil
}

func (s *Station) onGetConfiguration(_ context.Context, req *core.GetConfigurationRequest) (*core.GetConfigurationConfirmation, error) {
	known, unknown := s.settings.Get(req.Key)
	return &core.GetConfigurationConfirmation{ConfigurationKey: known, UnknownKey: unknown}, nil
}

func (s *Station) onUnlockConnector(_ context.Context, req *core.UnlockConnectorRequest) (*core.UnlockConnectorConfirmation, error) {
	if req.ConnectorId == connector.StationConnectorID {
		return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusUnlockFailed}, nil
	}
	c, err := s.registry.Get(req.ConnectorId)
	if err != nil {
		return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusUnlockFailed}, nil
	}
	if c.Snapshot().HasTransaction() {
		id := c.ID()
		s.async(core.UnlockConnectorFeatureName, func(ctx context.Context) error {
			return s.sessions.Stop(ctx, id, core.ReasonUnlockCommand)
		})
	}
	return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusUnlocked}, nil
}

func (s *Station) onReset(_ context.Context, req *core.ResetRequest) (*core.ResetConfirmation, error) {
	var reason core.Reason
	var command []string
	switch req.Type {
	case core.ResetTypeSoft:
		reason, command = core.ReasonSoftReset, s.cfg.SoftResetCommand
	case core.ResetTypeHard:
		reason, command = core.ReasonHardReset, s.cfg.HardResetCommand
	default:
		return &core.ResetConfirmation{Status: core.ResetStatusRejected}, nil
	}
	s.async(core.ResetFeatureName, func(ctx context.Context) error {
		if !sleep(ctx, s.cfg.ResetDelay) {
			return nil
		}
		return s.reset(ctx, reason, command)
	})
	return &core.ResetConfirmation{Status: core.ResetStatusAccepted}, nil
}

// reset stops every transaction, clears faults and runs the restart command.
func (s *Station) reset(ctx context.Context, reason core.Reason, command []string) error {
	klog.V(1).InfoS("Resetting station", "reason", reason)
	for _, c := range s.registry.All() {
		if err := s.sessions.Stop(ctx, c.ID(), reason); err != nil {
			klog.ErrorS(err, "Failed to stop transaction before reset", "connector", c.ID())
		}
		if err := c.ClearFault(); err != nil {
			klog.ErrorS(err, "Failed to clear fault before reset", "connector", c.ID())
		}
	}
	return s.runCommand(ctx, command)
}

func (s *Station) onClearCache(_ context.Context, _ *core.ClearCacheRequest) (*core.ClearCacheConfirmation, error) {
	if !s.settings.Bool(ocppconfig.AuthorizationCacheEnabled) {
		return &core.ClearCacheConfirmation{Status: core.ClearCacheStatusRejected}, nil
	}
	s.auth.ClearCache()
	return &core.ClearCacheConfirmation{Status: core.ClearCacheStatusAccepted}, nil
}

type updateSetting struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

func (s *Station) onDataTransfer(_ context.Context, req *core.DataTransferRequest) (*core.DataTransferConfirmation, error) {
	if req.VendorId != s.cfg.Vendor {
		return &core.DataTransferConfirmation{Status: core.DataTransferStatusUnknownVendorId}, nil
	}
	if req.MessageId != UpdateSettingMessageID {
		return &core.DataTransferConfirmation{Status: core.DataTransferStatusUnknownMessageId}, nil
	}
	data := req.Data
	if raw, ok := data.(string); ok {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return &core.DataTransferConfirmation{Status: core.DataTransferStatusRejected}, nil
		}
		data = m
	}
	var setting updateSetting
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{WeaklyTypedInput: true, Result: &setting})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(data); err != nil || setting.Key == "" {
		klog.V(2).InfoS("Malformed setting update", "data", req.Data, "err", err)
		return &core.DataTransferConfirmation{Status: core.DataTransferStatusRejected}, nil
	}
	status := s.settings.Set(setting.Key, setting.Value)
	if status != core.ConfigurationStatusAccepted {
		return &core.DataTransferConfirmation{Status: core.DataTransferStatusRejected, Data: string(status)}, nil
	}
	return &core.DataTransferConfirmation{Status: core.DataTransferStatusAccepted, Data: "Setting updated"}, nil
}

func (s *Station) onReserveNow(_ context.Context, req *reservation.ReserveNowRequest) (*reservation.ReserveNowConfirmation, error) {
	if req.ExpiryDate == nil {
		return &reservation.ReserveNowConfirmation{Status: reservation.ReservationStatusRejected}, nil
	}
	status, err := s.reservations.Reserve(req.ReservationId, req.ConnectorId, req.IdTag, req.ParentIdTag, req.ExpiryDate.Time)
	if err != nil {
		klog.V(2).InfoS("Reservation rejected", "reservation", req.ReservationId, "connector", req.ConnectorId, "err", err)
		return &reservation.ReserveNowConfirmation{Status: reservation.ReservationStatusRejected}, nil
	}
	return &reservation.ReserveNowConfirmation{Status: status}, nil
}

func (s *Station) onCancelReservation(_ context.Context, req *reservation.CancelReservationRequest) (*reservation.CancelReservationConfirmation, error) {
	ok, err := s.reservations.Cancel(req.ReservationId)
	if err != nil || !ok {
		return &reservation.CancelReservationConfirmation{Status: reservation.CancelReservationStatusRejected}, nil
	}
	return &reservation.CancelReservationConfirmation{Status: reservation.CancelReservationStatusAccepted}, nil
}

func (s *Station) onTriggerMessage(_ context.Context, req *remotetrigger.TriggerMessageRequest) (*remotetrigger.TriggerMessageConfirmation, error) {
	accepted := &remotetrigger.TriggerMessageConfirmation{Status: remotetrigger.TriggerMessageStatusAccepted}
	rejected := &remotetrigger.TriggerMessageConfirmation{Status: remotetrigger.TriggerMessageStatusRejected}

	var target *connector.Connector
	if req.ConnectorId != nil {
		c, err := s.registry.Get(*req.ConnectorId)
		if err != nil {
			return rejected, nil
		}
		target = c
	}

	switch string(req.RequestedMessage) {
	case core.BootNotificationFeatureName:
		s.async("TriggerBootNotification", func(ctx context.Context) error {
			_, err := s.sendBootNotification(ctx)
			return err
		})
	case core.HeartbeatFeatureName:
		s.async("TriggerHeartbeat", func(ctx context.Context) error {
			s.sendHeartbeat(ctx)
			return nil
		})
	case core.StatusNotificationFeatureName:
		if target == nil {
			s.reportAll()
		} else {
			s.enqueueStatus(target.Snapshot())
		}
	case core.MeterValuesFeatureName:
		ids := []int{}
		if target != nil && target.ID() != connector.StationConnectorID {
			ids = append(ids, target.ID())
		} else {
			for _, c := range s.registry.All() {
				ids = append(ids, c.ID())
			}
		}
		s.async("TriggerMeterValues", func(ctx context.Context) error {
			for _, id := range ids {
				if err := s.sessions.TriggerMeterValues(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
	case firmware.DiagnosticsStatusNotificationFeatureName:
		status := s.diagnostics.Status()
		s.async("TriggerDiagnosticsStatusNotification", func(ctx context.Context) error {
			return s.cs.DiagnosticsStatusNotification(ctx, status)
		})
	case firmware.FirmwareStatusNotificationFeatureName:
		status := s.firmware.Status()
		s.async("TriggerFirmwareStatusNotification", func(ctx context.Context) error {
			return s.cs.FirmwareStatusNotification(ctx, status)
		})
	default:
		return &remotetrigger.TriggerMessageConfirmation{Status: remotetrigger.TriggerMessageStatusNotImplemented}, nil
	}
	return accepted, nil
}

func seconds(v *int) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(*v) * time.Second
}

func value(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func (s *Station) onGetDiagnostics(_ context.Context, req *firmware.GetDiagnosticsRequest) (*firmware.GetDiagnosticsConfirmation, error) {
	r := diagnostics.Request{
		Location:      req.Location,
		Retries:       value(req.Retries),
		RetryInterval: seconds(req.RetryInterval),
	}
	if req.StartTime != nil {
		t := req.StartTime.Time
		r.StartTime = &t
	}
	if req.StopTime != nil {
		t := req.StopTime.Time
		r.StopTime = &t
	}
	name, err := s.diagnostics.Start(s.ctx, r)
	if err != nil {
		klog.ErrorS(err, "Failed to start diagnostics upload", "location", req.Location)
		return &firmware.GetDiagnosticsConfirmation{}, nil
	}
	return &firmware.GetDiagnosticsConfirmation{FileName: name}, nil
}

func (s *Station) onUpdateFirmware(_ context.Context, req *firmware.UpdateFirmwareRequest) (*firmware.UpdateFirmwareConfirmation, error) {
	r := fw.Request{
		Location:      req.Location,
		Retries:       value(req.Retries),
		RetryInterval: seconds(req.RetryInterval),
	}
	if req.RetrieveDate != nil {
		r.RetrieveDate = req.RetrieveDate.Time
	}
	if err := s.firmware.Schedule(s.ctx, r); err != nil {
		klog.V(2).InfoS("Firmware update not scheduled", "location", req.Location, "err", err)
	}
	return &firmware.UpdateFirmwareConfirmation{}, nil
}

func (s *Station) onSendLocalList(_ context.Context, req *localauth.SendLocalListRequest) (*localauth.SendLocalListConfirmation, error) {
	return &localauth.SendLocalListConfirmation{
		Status: s.auth.Update(req.ListVersion, req.UpdateType, req.LocalAuthorizationList),
	}, nil
}

func (s *Station) onGetLocalListVersion(_ context.Context, _ *localauth.GetLocalListVersionRequest) (*localauth.GetLocalListVersionConfirmation, error) {
	if !s.auth.ListEnabled() {
		return &localauth.GetLocalListVersionConfirmation{ListVersion: -1}, nil
	}
	return &localauth.GetLocalListVersionConfirmation{ListVersion: s.auth.Version()}, nil
}

func (s *Station) onSetChargingProfile(_ context.Context, req *smartcharging.SetChargingProfileRequest) (*smartcharging.SetChargingProfileConfirmation, error) {
	klog.V(2).InfoS("Charging profiles are not supported", "connector", req.ConnectorId)
	return &smartcharging.SetChargingProfileConfirmation{Status: smartcharging.ChargingProfileStatusRejected}, nil
}

func (s *Station) onGetCompositeSchedule(_ context.Context, req *smartcharging.GetCompositeScheduleRequest) (*smartcharging.GetCompositeScheduleConfirmation, error) {
	return &smartcharging.GetCompositeScheduleConfirmation{Status: smartcharging.GetCompositeScheduleStatusRejected}, nil
}
