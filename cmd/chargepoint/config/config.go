package config

import (
	"chargepoint/pkg/meter"
	"chargepoint/pkg/station"
	"chargepoint/pkg/web"
)

// Config holds the runtime objects built from the options.
type Config struct {
	Station *station.Station
	Web     *web.Server
	Bus     *meter.Bus
}
