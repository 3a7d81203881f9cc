package options

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"chargepoint/cmd/chargepoint/config"
	"chargepoint/pkg/connector"
	"chargepoint/pkg/generic"
	baseoptions "chargepoint/pkg/generic/options"
	"chargepoint/pkg/localauth"
	"chargepoint/pkg/meter"
	"chargepoint/pkg/notifier"
	"chargepoint/pkg/ocpp/rpc"
	"chargepoint/pkg/ocppconfig"
	"chargepoint/pkg/relay"
	"chargepoint/pkg/runtime/constant"
	"chargepoint/pkg/station"
	"chargepoint/pkg/storage"
	"chargepoint/pkg/telemetry"
	"chargepoint/pkg/web"
)

type StationOptions struct {
	Identity               string          `json:"identity" validate:"required,max=48"`
	Vendor                 string          `json:"vendor" validate:"required,max=20"`
	Model                  string          `json:"model" validate:"required,max=20"`
	SerialNumber           string          `json:"serialNumber,omitempty" validate:"max=25"`
	FirmwareVersion        string          `json:"firmwareVersion,omitempty" validate:"max=50"`
	MeterType              string          `json:"meterType,omitempty" validate:"max=25"`
	SoftResetCommand       []string        `json:"softResetCommand,omitempty"`
	HardResetCommand       []string        `json:"hardResetCommand,omitempty"`
	FirmwareInstallCommand []string        `json:"firmwareInstallCommand,omitempty"`
	ReconnectMin           metav1.Duration `json:"reconnectMin"`
	ReconnectMax           metav1.Duration `json:"reconnectMax"`
	BootRetryInterval      metav1.Duration `json:"bootRetryInterval"`
}

type CentralSystemOptions struct {
	URL         string          `json:"url" validate:"required,url"`
	Password    string          `json:"password,omitempty"`
	CallTimeout metav1.Duration `json:"callTimeout"`
}

type TelemetryOptions struct {
	Interval         metav1.Duration `json:"interval"`
	ReadTimeout      metav1.Duration `json:"readTimeout"`
	FailureThreshold int             `json:"failureThreshold" validate:"gte=1"`
	DisableWindow    metav1.Duration `json:"disableWindow"`
	ZeroCurrentA     float64         `json:"zeroCurrentA" validate:"gte=0"`
	ZeroCurrentGrace metav1.Duration `json:"zeroCurrentGrace"`
}

type ConnectorOptions struct {
	connector.Config `json:",inline"`
	Meter            meter.Config `json:"meter"`
}

type Options struct {
	Port          string               `json:"port"`
	Wait          metav1.Duration      `json:"gracefulTimeout"`
	CertFile      string               `json:"certFile,omitempty"`
	KeyFile       string               `json:"keyFile,omitempty"`
	DataDir       string               `json:"dataDir"`
	RelayDriver   string               `json:"relayDriver" validate:"oneof=sysfs memory"`
	Station       StationOptions       `json:"station"`
	CentralSystem CentralSystemOptions `json:"centralSystem"`
	Serial        meter.SerialConfig   `json:"serial"`
	Telemetry     TelemetryOptions     `json:"telemetry"`
	Connectors    []ConnectorOptions   `json:"connectors" validate:"required,min=1,dive"`
	// Configuration overrides the built-in defaults of OCPP configuration keys.
	Configuration map[string]string    `json:"configuration,omitempty"`
	Mqtt          *notifier.MqttConfig `json:"mqtt,omitempty"`
	Nats          *notifier.NatsConfig `json:"nats,omitempty"`
	baseoptions.BaseOptions
}

const (
	_defaultPort = "32200"
	_defaultWait = 15 * time.Second
)

func NewDefaultOptions() *Options {
	stationCfg := station.NewDefaultConfig()
	pollCfg := telemetry.NewDefaultConfig()
	return &Options{
		Port:        _defaultPort,
		Wait:        metav1.Duration{Duration: _defaultWait},
		DataDir:     storage.DefaultStorePath(),
		RelayDriver: relay.DriverSysfs,
		Station: StationOptions{
			Identity:          "CP0001",
			Vendor:            stationCfg.Vendor,
			Model:             stationCfg.Model,
			FirmwareVersion:   stationCfg.FirmwareVersion,
			SoftResetCommand:  []string{"systemctl", "restart", "chargepoint"},
			HardResetCommand:  []string{"systemctl", "reboot"},
			ReconnectMin:      metav1.Duration{Duration: stationCfg.ReconnectMin},
			ReconnectMax:      metav1.Duration{Duration: stationCfg.ReconnectMax},
			BootRetryInterval: metav1.Duration{Duration: stationCfg.BootRetryInterval},
		},
		CentralSystem: CentralSystemOptions{
			URL:         "ws://localhost:9000/ocpp",
			CallTimeout: metav1.Duration{Duration: rpc.NewDefaultConfig().CallTimeout},
		},
		Serial: meter.SerialConfig{
			Port:     "/dev/ttyUSB0",
			BaudRate: 9600,
			DataBits: 8,
			Parity:   constant.NoParity,
			StopBits: constant.OneStopBit,
		},
		Telemetry: TelemetryOptions{
			Interval:         metav1.Duration{Duration: pollCfg.Interval},
			ReadTimeout:      metav1.Duration{Duration: pollCfg.ReadTimeout},
			FailureThreshold: pollCfg.FailureThreshold,
			DisableWindow:    metav1.Duration{Duration: pollCfg.DisableWindow},
			ZeroCurrentA:     pollCfg.ZeroCurrentA,
			ZeroCurrentGrace: metav1.Duration{Duration: 5 * time.Minute},
		},
		Connectors: []ConnectorOptions{{
			Config: connector.Config{ID: 1, RelayHandle: "/sys/class/gpio/gpio17/value"},
			Meter: meter.Config{
				Address:      1,
				MemoryLayout: constant.ABCD,
				Energy:       meter.Register{Address: 0x0156, FunctionCode: meter.ReadInputRegister, DataType: constant.FLOAT32, Scale: 1000},
			},
		}},
		BaseOptions: baseoptions.NewDefaultBaseOptions(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Port, "port", "P", o.Port, "Port of the local HTTP API")
	fs.DurationVar(&o.Wait.Duration, "graceful-timeout", o.Wait.Duration, "The duration for which the server gracefully wait for existing connections to finish - e.g. 15s or 1m")
	fs.StringVar(&o.CertFile, "cert-file", o.CertFile, "TLS certificate of the local HTTP API")
	fs.StringVar(&o.KeyFile, "key-file", o.KeyFile, "TLS key of the local HTTP API")
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir, "Directory holding persisted connector state, configuration and the local authorization list")
	fs.StringVar(&o.RelayDriver, "relay-driver", o.RelayDriver, "Relay driver: sysfs or memory")
	fs.StringVar(&o.Station.Identity, "identity", o.Station.Identity, "Charge point identity presented to the central system")
	fs.StringVar(&o.CentralSystem.URL, "central-system-url", o.CentralSystem.URL, "WebSocket URL of the central system; the identity is appended")
	fs.StringVar(&o.CentralSystem.Password, "central-system-password", o.CentralSystem.Password, "Basic auth password for the central system")
	fs.StringVar(&o.Serial.Port, "serial-port", o.Serial.Port, "Serial device of the Modbus RTU meter bus")
	fs.IntVar(&o.Serial.BaudRate, "baud-rate", o.Serial.BaudRate, "Baud rate of the Modbus RTU meter bus")
}

func (o *Options) stationConfig() station.Config {
	cfg := station.NewDefaultConfig()
	cfg.Identity = o.Station.Identity
	cfg.Vendor = o.Station.Vendor
	cfg.Model = o.Station.Model
	cfg.SerialNumber = o.Station.SerialNumber
	cfg.FirmwareVersion = o.Station.FirmwareVersion
	cfg.MeterType = o.Station.MeterType
	cfg.ReconnectMin = o.Station.ReconnectMin.Duration
	cfg.ReconnectMax = o.Station.ReconnectMax.Duration
	cfg.BootRetryInterval = o.Station.BootRetryInterval.Duration
	cfg.SoftResetCommand = o.Station.SoftResetCommand
	cfg.HardResetCommand = o.Station.HardResetCommand
	cfg.FirmwareInstallCommand = o.Station.FirmwareInstallCommand
	cfg.FirmwareDir = filepath.Join(o.DataDir, "firmware")
	cfg.DiagnosticsDir = filepath.Join(o.DataDir, "diagnostics")
	return cfg
}

func (o *Options) telemetryConfig() telemetry.Config {
	return telemetry.Config{
		Interval:         o.Telemetry.Interval.Duration,
		ReadTimeout:      o.Telemetry.ReadTimeout.Duration,
		FailureThreshold: o.Telemetry.FailureThreshold,
		DisableWindow:    o.Telemetry.DisableWindow.Duration,
		ZeroCurrentA:     o.Telemetry.ZeroCurrentA,
		ZeroCurrentGrace: o.Telemetry.ZeroCurrentGrace.Duration,
	}
}

func (o *Options) publishers() []notifier.Publisher {
	var pubs []notifier.Publisher
	if o.Mqtt != nil {
		if p, err := notifier.NewMqttPublisher(*o.Mqtt, o.Station.Identity); err != nil {
			klog.ErrorS(err, "MQTT publishing disabled", "broker", o.Mqtt.Broker)
		} else {
			pubs = append(pubs, p)
		}
	}
	if o.Nats != nil {
		if p, err := notifier.NewNatsPublisher(*o.Nats, o.Station.Identity); err != nil {
			klog.ErrorS(err, "NATS publishing disabled", "url", o.Nats.URL)
		} else {
			pubs = append(pubs, p)
		}
	}
	return pubs
}

// Config wires the charge point together from the options.
func (o *Options) Config(ctx context.Context) (*config.Config, error) {
	fs, err := storage.NewFsClient(o.DataDir, storage.StoreGroupStation)
	if err != nil {
		return nil, err
	}
	actuator, err := relay.NewActuator(o.RelayDriver)
	if err != nil {
		return nil, err
	}

	cfgs := make([]connector.Config, 0, len(o.Connectors))
	for _, c := range o.Connectors {
		cfgs = append(cfgs, c.Config)
	}
	registry, err := connector.NewRegistry(cfgs, actuator,
		connector.WithStore(generic.NewStore[map[string]connector.Record](fs, storage.Connectors, "state"), o.Station.Identity))
	if err != nil {
		return nil, err
	}

	settings, err := ocppconfig.New(ocppconfig.Static{
		Identity:           o.Station.Identity,
		Vendor:             o.Station.Vendor,
		Model:              o.Station.Model,
		NumberOfConnectors: len(o.Connectors),
	}, o.Configuration, generic.NewStore[map[string]string](fs, storage.Configuration, "keys"))
	if err != nil {
		return nil, err
	}
	auth := localauth.New(generic.NewStore[localauth.Document](fs, storage.LocalAuth, "list"),
		localauth.WithListEnabled(func() bool { return settings.Bool(ocppconfig.LocalAuthListEnabled) }),
		localauth.WithCacheEnabled(func() bool { return settings.Bool(ocppconfig.AuthorizationCacheEnabled) }),
	)

	bus := meter.NewSerialBus(o.Serial)
	targets := make([]telemetry.Target, 0, len(o.Connectors))
	var meterSerial string
	for _, c := range o.Connectors {
		conn, err := registry.Get(c.ID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, telemetry.Target{Connector: conn, Meter: c.Meter})
		if meterSerial == "" && c.Meter.SerialNumberRegister != nil {
			serial, err := bus.ReadSerialNumber(ctx, c.Meter, o.Telemetry.ReadTimeout.Duration)
			if err != nil {
				klog.ErrorS(err, "Failed to read meter serial number", "connector", c.ID)
				continue
			}
			meterSerial = serial
			klog.V(1).InfoS("Meter serial number", "connector", c.ID, "serial", serial)
		}
	}

	events := notifier.New(o.Station.Identity, o.publishers()...)
	var st *station.Station
	poller := telemetry.NewPoller(bus, targets, o.telemetryConfig(),
		telemetry.WithIdleHandler(func(ctx context.Context, connectorID int) { st.ConnectorIdle(ctx, connectorID) }),
		telemetry.WithSampleHandler(events.Sample),
	)

	rpcCfg := rpc.NewDefaultConfig()
	rpcCfg.URL = o.CentralSystem.URL
	rpcCfg.Identity = o.Station.Identity
	rpcCfg.Password = o.CentralSystem.Password
	rpcCfg.CallTimeout = o.CentralSystem.CallTimeout.Duration
	rpcCfg.PingInterval = settings.Seconds(ocppconfig.WebSocketPingInterval)

	st, err = station.New(o.stationConfig(), rpc.NewClient(rpcCfg), registry, poller, settings, auth,
		station.WithPoller(poller),
		station.WithNotifier(events),
		station.WithMeterSerial(meterSerial),
		station.WithStateFiles(fs),
	)
	if err != nil {
		bus.Close()
		return nil, err
	}

	server := web.NewServer(generic.Default(), &generic.Server{
		Port:     o.Port,
		CertFile: o.CertFile,
		KeyFile:  o.KeyFile,
	}, st, o.DataDir)

	return &config.Config{Station: st, Web: server, Bus: bus}, nil
}
