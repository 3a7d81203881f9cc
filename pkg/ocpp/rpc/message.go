package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// OCPP-J message types.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

const Subprotocol = "ocpp1.6"

type ErrorCode string

const (
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurrenceConstraintViolation ErrorCode = "OccurenceConstraintViolation"
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	GenericError                  ErrorCode = "GenericError"
)

var (
	ErrRpcTimeout        = errors.New("rpc timeout")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrNotConnected      = errors.New("not connected")
	ErrDuplicateHandler  = errors.New("handler already registered")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrUnexpectedMessage = errors.New("malformed message")
)

// CallError is a CALLERROR received from, or returned to, the peer.
type CallError struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("ocpp call error %s", e.Code)
	}
	return fmt.Sprintf("ocpp call error %s: %s", e.Code, e.Description)
}

func NewCallError(code ErrorCode, format string, args ...interface{}) *CallError {
	return &CallError{Code: code, Description: fmt.Sprintf(format, args...)}
}

var emptyDetails = json.RawMessage("{}")

func encodeCall(id string, action string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCall, id, action, payload})
}

func encodeResult(id string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCallResult, id, payload})
}

func encodeError(id string, code ErrorCode, description string, details json.RawMessage) ([]byte, error) {
	if len(details) == 0 {
		details = emptyDetails
	}
	return json.Marshal([]interface{}{MessageTypeCallError, id, code, description, details})
}

// frame is a decoded envelope of any of the three message types.
type frame struct {
	typ         int
	id          string
	action      string
	payload     json.RawMessage
	code        ErrorCode
	description string
	details     json.RawMessage
}

func decode(data []byte) (*frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errors.Wrap(ErrUnexpectedMessage, err.Error())
	}
	if len(parts) < 3 {
		return nil, errors.Wrapf(ErrUnexpectedMessage, "%d elements", len(parts))
	}
	f := &frame{}
	if err := json.Unmarshal(parts[0], &f.typ); err != nil {
		return nil, errors.Wrap(ErrUnexpectedMessage, "message type")
	}
	if err := json.Unmarshal(parts[1], &f.id); err != nil {
		return nil, errors.Wrap(ErrUnexpectedMessage, "message id")
	}
	switch f.typ {
	case MessageTypeCall:
		if len(parts) != 4 {
			return f, errors.Wrapf(ErrUnexpectedMessage, "call with %d elements", len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.action); err != nil {
			return f, errors.Wrap(ErrUnexpectedMessage, "action")
		}
		f.payload = parts[3]
	case MessageTypeCallResult:
		f.payload = parts[2]
	case MessageTypeCallError:
		if len(parts) < 4 {
			return f, errors.Wrapf(ErrUnexpectedMessage, "call error with %d elements", len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.code); err != nil {
			return f, errors.Wrap(ErrUnexpectedMessage, "error code")
		}
		_ = json.Unmarshal(parts[3], &f.description)
		if len(parts) > 4 {
			f.details = parts[4]
		}
	default:
		return f, errors.Wrapf(ErrUnexpectedMessage, "message type %d", f.typ)
	}
	return f, nil
}
