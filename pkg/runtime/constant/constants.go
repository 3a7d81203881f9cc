package constant

import "errors"

var (
	ErrDeviceServerClosed = errors.New("device server closed")
)
