// Package ocpp binds OCPP 1.6 payload types to the rpc client.
package ocpp

import (
	"context"
	"encoding/json"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v9"

	"chargepoint/pkg/ocpp/rpc"
)

// Caller sends one call and waits for its result.
type Caller interface {
	Call(ctx context.Context, action string, req interface{}, resp interface{}) error
}

// Registrar accepts inbound handlers.
type Registrar interface {
	Handle(action string, h rpc.Handler) error
}

// CentralSystem is the typed view of the calls a charge point sends.
type CentralSystem struct {
	caller Caller
}

func NewCentralSystem(caller Caller) *CentralSystem {
	return &CentralSystem{caller: caller}
}

func call[Resp any](ctx context.Context, caller Caller, action string, req interface{}) (*Resp, error) {
	resp := new(Resp)
	if err := caller.Call(ctx, action, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (cs *CentralSystem) BootNotification(ctx context.Context, req *core.BootNotificationRequest) (*core.BootNotificationConfirmation, error) {
	return call[core.BootNotificationConfirmation](ctx, cs.caller, core.BootNotificationFeatureName, req)
}

func (cs *CentralSystem) StatusNotification(ctx context.Context, req *core.StatusNotificationRequest) (*core.StatusNotificationConfirmation, error) {
	return call[core.StatusNotificationConfirmation](ctx, cs.caller, core.StatusNotificationFeatureName, req)
}

func (cs *CentralSystem) Heartbeat(ctx context.Context) (*core.HeartbeatConfirmation, error) {
	return call[core.HeartbeatConfirmation](ctx, cs.caller, core.HeartbeatFeatureName, &core.HeartbeatRequest{})
}

func (cs *CentralSystem) Authorize(ctx context.Context, idTag string) (*core.AuthorizeConfirmation, error) {
	resp, err := call[core.AuthorizeConfirmation](ctx, cs.caller, core.AuthorizeFeatureName, &core.AuthorizeRequest{IdTag: idTag})
	if err != nil {
		return nil, err
	}
	if resp.IdTagInfo == nil {
		return nil, errors.New("authorize result without idTagInfo")
	}
	return resp, nil
}

func (cs *CentralSystem) StartTransaction(ctx context.Context, req *core.StartTransactionRequest) (*core.StartTransactionConfirmation, error) {
	resp, err := call[core.StartTransactionConfirmation](ctx, cs.caller, core.StartTransactionFeatureName, req)
	if err != nil {
		return nil, err
	}
	if resp.IdTagInfo == nil {
		return nil, errors.New("start transaction result without idTagInfo")
	}
	return resp, nil
}

func (cs *CentralSystem) StopTransaction(ctx context.Context, req *core.StopTransactionRequest) (*core.StopTransactionConfirmation, error) {
	return call[core.StopTransactionConfirmation](ctx, cs.caller, core.StopTransactionFeatureName, req)
}

func (cs *CentralSystem) MeterValues(ctx context.Context, req *core.MeterValuesRequest) (*core.MeterValuesConfirmation, error) {
	return call[core.MeterValuesConfirmation](ctx, cs.caller, core.MeterValuesFeatureName, req)
}

func (cs *CentralSystem) FirmwareStatusNotification(ctx context.Context, status firmware.FirmwareStatus) error {
	_, err := call[firmware.FirmwareStatusNotificationConfirmation](ctx, cs.caller, firmware.FirmwareStatusNotificationFeatureName,
		&firmware.FirmwareStatusNotificationRequest{Status: status})
	return err
}

func (cs *CentralSystem) DiagnosticsStatusNotification(ctx context.Context, status firmware.DiagnosticsStatus) error {
	_, err := call[firmware.DiagnosticsStatusNotificationConfirmation](ctx, cs.caller, firmware.DiagnosticsStatusNotificationFeatureName,
		&firmware.DiagnosticsStatusNotificationRequest{Status: status})
	return err
}

// Register installs a typed handler for action. Payloads that do not decode
// into Req are answered with FormationViolation, payloads missing a required
// field or out of range with the matching constraint violation. Unknown enum
// values reach fn, which answers them in the action's own vocabulary.
func Register[Req any, Resp any](r Registrar, action string, fn func(ctx context.Context, req *Req) (*Resp, error)) error {
	return r.Handle(action, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		req := new(Req)
		if err := json.Unmarshal(payload, req); err != nil {
			return nil, rpc.NewCallError(rpc.FormationViolation, "%s: %v", action, err)
		}
		if err := validate(action, req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

func validate(action string, req interface{}) error {
	err := types.Validate.Struct(req)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	for _, fe := range verrs {
		switch fe.ActualTag() {
		case "required":
			return rpc.NewCallError(rpc.OccurrenceConstraintViolation, "%s: field %s is required", action, fe.Namespace())
		case "max", "min", "gte", "gt", "lte", "lt":
			return rpc.NewCallError(rpc.PropertyConstraintViolation, "%s: field %s violates %s=%s", action, fe.Namespace(), fe.ActualTag(), fe.Param())
		case "uri":
			return rpc.NewCallError(rpc.PropertyConstraintViolation, "%s: field %s is not a uri", action, fe.Namespace())
		}
	}
	return nil
}
