package options

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	baseoptions "chargepoint/pkg/generic/options"
	"chargepoint/pkg/runtime/constant"
)

func TestDefaultOptionsValid(t *testing.T) {
	o := NewDefaultOptions()
	assert.Empty(t, Validate(o))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(o *Options)
		want   string
	}{
		{"missing identity", func(o *Options) { o.Station.Identity = "" }, "Identity"},
		{"http url", func(o *Options) { o.CentralSystem.URL = "http://cs.example.com/ocpp" }, "centralSystem.url"},
		{"relay driver", func(o *Options) { o.RelayDriver = "gpio" }, "RelayDriver"},
		{"no connectors", func(o *Options) { o.Connectors = nil }, "Connectors"},
		{"duplicate connector", func(o *Options) {
			o.Connectors = append(o.Connectors, o.Connectors[0])
		}, "connectors[1].id"},
		{"meter address", func(o *Options) { o.Connectors[0].Meter.Address = 0 }, "Address"},
		{"reconnect window", func(o *Options) { o.Station.ReconnectMax.Duration = time.Millisecond }, "station.reconnectMax"},
		{"bad override", func(o *Options) { o.Configuration = map[string]string{"HeartbeatInterval": "often"} }, "configuration"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o := NewDefaultOptions()
			c.mutate(o)
			errs := Validate(o)
			require.NotEmpty(t, errs)
			assert.Contains(t, utilerrors.NewAggregate(errs).Error(), c.want)
		})
	}
}

func TestConfigFileWithFlagPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "chargepoint.yaml")
	require.NoError(t, os.WriteFile(file, []byte(strings.TrimSpace(`
port: "8080"
gracefulTimeout: 5s
relayDriver: memory
station:
  identity: CP-YAML
  vendor: Acme
  model: Wallbox
  reconnectMin: 2s
  reconnectMax: 1m
centralSystem:
  url: wss://cs.example.com/ocpp
serial:
  port: /dev/ttyS1
  baudRate: 19200
  dataBits: 8
  parity: even
  stopBits: "1"
connectors:
- id: 1
  relayHandle: /tmp/relay1
  meter:
    address: 3
    memoryLayout: ABCD
    energy:
      address: 342
      functionCode: 4
      dataType: float32
      scale: 1000
- id: 2
  relayHandle: /tmp/relay2
  meter:
    address: 4
    energy:
      address: 342
      dataType: uint32
configuration:
  HeartbeatInterval: "120"
`)), 0600))

	o := NewDefaultOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	args := []string{"--config", file, "--identity", "CP-FLAG"}
	o.AddBaseFlags(&cobra.Command{Use: "chargepoint"}, fs)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, baseoptions.ParseAndApplyConfigFile(o, args))

	assert.Equal(t, "CP-FLAG", o.Station.Identity)
	assert.Equal(t, "8080", o.Port)
	assert.Equal(t, 5*time.Second, o.Wait.Duration)
	assert.Equal(t, constant.EvenParity, o.Serial.Parity)
	require.Len(t, o.Connectors, 2)
	assert.Equal(t, uint8(3), o.Connectors[0].Meter.Address)
	assert.Equal(t, "/tmp/relay2", o.Connectors[1].RelayHandle)
	assert.Equal(t, constant.UINT32, o.Connectors[1].Meter.Energy.DataType)
	assert.Equal(t, "120", o.Configuration["HeartbeatInterval"])
	assert.Empty(t, Validate(o))
}
