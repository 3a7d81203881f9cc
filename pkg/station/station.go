// Package station ties the charge point together: it keeps the connection
// to the central system, boots, sends heartbeats and status notifications,
// and answers the commands of the central system.
package station

import (
	"context"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"chargepoint/pkg/connector"
	"chargepoint/pkg/diagnostics"
	"chargepoint/pkg/firmware"
	"chargepoint/pkg/localauth"
	"chargepoint/pkg/notifier"
	"chargepoint/pkg/ocpp"
	"chargepoint/pkg/ocppconfig"
	"chargepoint/pkg/reservation"
	"chargepoint/pkg/session"
	"chargepoint/pkg/storage"
)

// Client is the connection to the central system.
type Client interface {
	ocpp.Caller
	ocpp.Registrar
	Connect(ctx context.Context) error
	Done() <-chan struct{}
	Connected() bool
	Close() error
}

// Runner is a background loop such as the telemetry poller.
type Runner interface {
	Run(ctx context.Context)
}

// CommandRunner executes a configured system command.
type CommandRunner func(ctx context.Context, command []string) error

type Config struct {
	Identity        string
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	MeterType       string

	BootRetryInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	SweepInterval     time.Duration
	ResetDelay        time.Duration
	StatusQueueSize   int

	SoftResetCommand []string
	HardResetCommand []string

	FirmwareDir            string
	FirmwareInstallCommand []string
	DiagnosticsDir         string
}

func NewDefaultConfig() Config {
	return Config{
		Vendor:            "Generic",
		Model:             "ChargePoint",
		FirmwareVersion:   "1.0.0",
		BootRetryInterval: 60 * time.Second,
		ReconnectMin:      time.Second,
		ReconnectMax:      time.Minute,
		SweepInterval:     reservation.DefaultSweepInterval,
		ResetDelay:        time.Second,
		StatusQueueSize:   64,
		FirmwareDir:       filepath.Join("data", "firmware"),
		DiagnosticsDir:    filepath.Join("data", "diagnostics"),
	}
}

type Option func(*Station)

// WithPoller runs the telemetry poller alongside the station.
func WithPoller(p Runner) Option {
	return func(s *Station) {
		s.poller = p
	}
}

// WithNotifier publishes connector events to message brokers.
func WithNotifier(n *notifier.Notifier) Option {
	return func(s *Station) {
		s.notifier = n
	}
}

// WithMeterSerial reports the meter serial number at boot.
func WithMeterSerial(serial string) Option {
	return func(s *Station) {
		s.meterSerial = serial
	}
}

// WithStateFiles adds the persisted state files to diagnostics reports.
func WithStateFiles(l storage.Lister) Option {
	return func(s *Station) {
		s.stateFiles = l
	}
}

func WithCommandRunner(run CommandRunner) Option {
	return func(s *Station) {
		s.runCommand = run
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Station) {
		s.now = now
	}
}

type Station struct {
	cfg          Config
	client       Client
	cs           *ocpp.CentralSystem
	registry     *connector.Registry
	settings     *ocppconfig.Store
	auth         *localauth.List
	sessions     *session.Manager
	reservations *reservation.Registry
	firmware     *firmware.Updater
	diagnostics  *diagnostics.Uploader
	poller       Runner
	notifier     *notifier.Notifier

	meterSerial string
	stateFiles  storage.Lister
	runCommand  CommandRunner
	now         func() time.Time

	queues            map[int]*statusQueue
	booted            atomic.Bool
	heartbeatInterval atomic.Duration
	lastHeartbeat     atomic.Int64

	// ctx outlives single connections; set by Run.
	ctx    context.Context
	cancel context.CancelFunc
}

func runCommand(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, command[0], command[1:]...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", command[0], out)
	}
	return nil
}

// New builds the station and registers every inbound handler on client.
func New(cfg Config, client Client, registry *connector.Registry, meter session.Meter,
	settings *ocppconfig.Store, auth *localauth.List, opts ...Option) (*Station, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Station{
		cfg:        cfg,
		client:     client,
		cs:         ocpp.NewCentralSystem(client),
		registry:   registry,
		settings:   settings,
		auth:       auth,
		runCommand: runCommand,
		now:        time.Now,
		queues:     make(map[int]*statusQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sessions = session.NewManager(registry, s.cs, meter, auth,
		session.WithClock(s.now),
		session.WithAuthorizeRemote(func() bool { return settings.Bool(ocppconfig.AuthorizeRemoteTxRequests) }),
		session.WithOfflineUnknown(func() bool { return settings.Bool(ocppconfig.AllowOfflineTxForUnknownId) }),
		session.WithSampleInterval(func() time.Duration { return settings.Seconds(ocppconfig.MeterValueSampleInterval) }),
	)
	s.reservations = reservation.New(registry, reservation.WithClock(s.now))
	s.firmware = firmware.NewUpdater(firmware.Config{
		Dir:            cfg.FirmwareDir,
		InstallCommand: cfg.FirmwareInstallCommand,
	}, s.cs.FirmwareStatusNotification, firmware.WithClock(s.now))
	s.diagnostics = diagnostics.NewUploader(diagnostics.Config{
		Dir:      cfg.DiagnosticsDir,
		Identity: cfg.Identity,
		State:    s.stateFiles,
	}, func() interface{} { return registry.Snapshots() }, s.cs.DiagnosticsStatusNotification)

	s.heartbeatInterval.Store(settings.Seconds(ocppconfig.HeartbeatInterval))
	settings.OnChange(func(key, value string) {
		if key == ocppconfig.HeartbeatInterval {
			s.heartbeatInterval.Store(settings.Seconds(ocppconfig.HeartbeatInterval))
		}
	})

	s.queues[connector.StationConnectorID] = newStatusQueue(connector.StationConnectorID, cfg.StatusQueueSize)
	for _, c := range registry.All() {
		s.queues[c.ID()] = newStatusQueue(c.ID(), cfg.StatusQueueSize)
	}
	registry.Subscribe(s.connectorChanged)
	if s.notifier != nil {
		registry.Subscribe(s.notifier.ConnectorChanged)
	}

	if err := s.registerHandlers(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Run serves until ctx is done.
func (s *Station) Run(ctx context.Context) error {
	defer s.cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.cancel()
		return nil
	})
	if s.poller != nil {
		g.Go(func() error {
			s.poller.Run(ctx)
			return nil
		})
	}
	if s.notifier != nil && s.notifier.Enabled() {
		g.Go(func() error { return s.notifier.Run(ctx) })
	}
	g.Go(func() error { return s.sessions.Run(ctx) })
	g.Go(func() error {
		s.reservations.Run(ctx, s.cfg.SweepInterval)
		return nil
	})
	for _, q := range s.queues {
		q := q
		g.Go(func() error {
			q.run(ctx, s.deliverStatus)
			return nil
		})
	}
	g.Go(func() error { return s.connectionLoop(ctx) })

	err := g.Wait()
	s.firmware.Wait()
	s.diagnostics.Wait()
	klog.V(1).InfoS("Station stopped", "identity", s.cfg.Identity)
	return err
}

// Booted reports whether the central system accepted the current connection.
func (s *Station) Booted() bool {
	return s.booted.Load()
}

func (s *Station) Connected() bool {
	return s.client.Connected()
}

// LastHeartbeat is the time of the last accepted heartbeat, zero before the first.
func (s *Station) LastHeartbeat() time.Time {
	if ns := s.lastHeartbeat.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (s *Station) Registry() *connector.Registry {
	return s.registry
}

func (s *Station) Settings() *ocppconfig.Store {
	return s.settings
}

// StartLocal starts a session for an idTag presented at the connector.
func (s *Station) StartLocal(ctx context.Context, connectorID int, idTag string) (int, error) {
	return s.sessions.Start(ctx, connectorID, idTag, false)
}

func (s *Station) StopLocal(ctx context.Context, connectorID int) error {
	return s.sessions.Stop(ctx, connectorID, core.ReasonLocal)
}

// ConnectorIdle stops a session whose vehicle stopped drawing current.
func (s *Station) ConnectorIdle(ctx context.Context, connectorID int) {
	if err := s.sessions.Stop(ctx, connectorID, core.ReasonEVDisconnected); err != nil {
		klog.ErrorS(err, "Failed to stop idle session", "connector", connectorID)
	}
}

// Recover clears the fault of connectorID.
func (s *Station) Recover(connectorID int) error {
	c, err := s.registry.Get(connectorID)
	if err != nil {
		return err
	}
	return c.ClearFault()
}

func statusRequest(st connector.State, at time.Time) *core.StatusNotificationRequest {
	return &core.StatusNotificationRequest{
		ConnectorId: st.ID,
		ErrorCode:   core.ChargePointErrorCode(st.ErrorCode()),
		Status:      core.ChargePointStatus(st.Status),
		Timestamp:   types.NewDateTime(at),
	}
}
