package ocppconfig

import (
	"fmt"
	"strconv"
	"strings"

	"chargepoint/pkg/runtime/constant"
)

// Configuration keys.
const (
	HeartbeatInterval          = "HeartbeatInterval"
	MeterValueSampleInterval   = "MeterValueSampleInterval"
	ConnectionTimeOut          = "ConnectionTimeOut"
	AuthorizeRemoteTxRequests  = "AuthorizeRemoteTxRequests"
	LocalAuthListEnabled       = "LocalAuthListEnabled"
	AllowOfflineTxForUnknownId = "AllowOfflineTxForUnknownId"
	AuthorizationCacheEnabled  = "AuthorizationCacheEnabled"
	PricePerKWh                = "PricePerKWh"
	WebSocketPingInterval      = "WebSocketPingInterval"

	NumberOfConnectors       = "NumberOfConnectors"
	ChargePointVendor        = "ChargePointVendor"
	ChargePointModel         = "ChargePointModel"
	Identity                 = "Identity"
	SupportedFeatureProfiles = "SupportedFeatureProfiles"
)

type validateFunc func(string) error

type definition struct {
	key      string
	access   constant.AccessMode
	value    string
	validate validateFunc
}

func nonNegativeInt(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%d is negative", n)
	}
	return nil
}

func positiveInt(v string) error {
	if err := nonNegativeInt(v); err != nil {
		return err
	}
	if v == "0" {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func boolean(v string) error {
	switch strings.ToLower(v) {
	case "true", "false":
		return nil
	}
	return fmt.Errorf("%q is not a boolean", v)
}

func nonNegativeFloat(v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	if f < 0 {
		return fmt.Errorf("%v is negative", f)
	}
	return nil
}

func defaultDefinitions() []definition {
	return []definition{
		{key: HeartbeatInterval, access: constant.AccessModeReadWrite, value: "60", validate: positiveInt},
		{key: MeterValueSampleInterval, access: constant.AccessModeReadWrite, value: "60", validate: nonNegativeInt},
		{key: ConnectionTimeOut, access: constant.AccessModeReadWrite, value: "60", validate: nonNegativeInt},
		{key: AuthorizeRemoteTxRequests, access: constant.AccessModeReadWrite, value: "false", validate: boolean},
		{key: LocalAuthListEnabled, access: constant.AccessModeReadWrite, value: "true", validate: boolean},
		{key: AllowOfflineTxForUnknownId, access: constant.AccessModeReadWrite, value: "false", validate: boolean},
		{key: AuthorizationCacheEnabled, access: constant.AccessModeReadWrite, value: "true", validate: boolean},
		{key: PricePerKWh, access: constant.AccessModeReadWrite, value: "0", validate: nonNegativeFloat},
		{key: WebSocketPingInterval, access: constant.AccessModeReadWrite, value: "60", validate: nonNegativeInt},
		{key: NumberOfConnectors, access: constant.AccessModeReadOnly},
		{key: ChargePointVendor, access: constant.AccessModeReadOnly},
		{key: ChargePointModel, access: constant.AccessModeReadOnly},
		{key: Identity, access: constant.AccessModeReadOnly},
		{key: SupportedFeatureProfiles, access: constant.AccessModeReadOnly,
			value: "Core,FirmwareManagement,LocalAuthListManagement,Reservation,RemoteTrigger"},
	}
}
