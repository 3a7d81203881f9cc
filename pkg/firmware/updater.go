// Package firmware downloads and installs firmware images on request of the
// central system.
package firmware

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var ErrUpdateInProgress = errors.New("firmware update in progress")

// StatusFunc reports a FirmwareStatusNotification.
type StatusFunc func(ctx context.Context, status firmware.FirmwareStatus) error

type Config struct {
	Dir             string
	DownloadTimeout time.Duration
	// InstallCommand runs with the image path appended. Empty means the
	// download is the installation.
	InstallCommand []string
	InstallTimeout time.Duration
}

// Request mirrors UpdateFirmware.
type Request struct {
	Location      string
	RetrieveDate  time.Time
	Retries       int
	RetryInterval time.Duration
}

type Option func(*Updater)

func WithClock(now func() time.Time) Option {
	return func(u *Updater) {
		u.now = now
	}
}

type Updater struct {
	cfg    Config
	client *http.Client
	notify StatusFunc
	now    func() time.Time

	mu     sync.Mutex
	status firmware.FirmwareStatus
	busy   bool
	wg     sync.WaitGroup
}

func NewUpdater(cfg Config, notify StatusFunc, opts ...Option) *Updater {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = 10 * time.Minute
	}
	u := &Updater{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.DownloadTimeout},
		notify: notify,
		now:    time.Now,
		status: firmware.FirmwareStatusIdle,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Status is the last reported firmware status.
func (u *Updater) Status() firmware.FirmwareStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Updater) setStatus(ctx context.Context, status firmware.FirmwareStatus) {
	u.mu.Lock()
	u.status = status
	u.mu.Unlock()
	klog.V(2).InfoS("Firmware status", "status", status)
	if u.notify == nil {
		return
	}
	if err := u.notify(ctx, status); err != nil {
		klog.V(2).InfoS("Failed to report firmware status", "status", status, "err", err)
	}
}

// Schedule starts the update at req.RetrieveDate. Only one update runs at a time.
func (u *Updater) Schedule(ctx context.Context, req Request) error {
	u.mu.Lock()
	if u.busy {
		u.mu.Unlock()
		return ErrUpdateInProgress
	}
	u.busy = true
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer func() {
			u.mu.Lock()
			u.busy = false
			u.mu.Unlock()
		}()
		if delay := req.RetrieveDate.Sub(u.now()); delay > 0 {
			klog.V(2).InfoS("Firmware update scheduled", "location", req.Location, "retrieveDate", req.RetrieveDate)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		u.run(ctx, req)
	}()
	return nil
}

// Wait blocks until a scheduled update has finished.
func (u *Updater) Wait() {
	u.wg.Wait()
}

func (u *Updater) run(ctx context.Context, req Request) {
	u.setStatus(ctx, firmware.FirmwareStatusDownloading)
	image, err := u.download(ctx, req)
	if err != nil {
		klog.ErrorS(err, "Failed to download firmware", "location", req.Location)
		u.setStatus(ctx, firmware.FirmwareStatusDownloadFailed)
		return
	}
	u.setStatus(ctx, firmware.FirmwareStatusDownloaded)

	u.setStatus(ctx, firmware.FirmwareStatusInstalling)
	if err := u.install(ctx, image); err != nil {
		klog.ErrorS(err, "Failed to install firmware", "image", image)
		u.setStatus(ctx, firmware.FirmwareStatusInstallationFailed)
		return
	}
	u.setStatus(ctx, firmware.FirmwareStatusInstalled)
}

func (u *Updater) download(ctx context.Context, req Request) (string, error) {
	if err := os.MkdirAll(u.cfg.Dir, 0o755); err != nil {
		return "", err
	}
	name := filepath.Base(req.Location)
	if name == "." || name == "/" || name == "" {
		name = "firmware.bin"
	}
	image := filepath.Join(u.cfg.Dir, name)

	interval := req.RetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	retries := req.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries)), ctx)
	err := backoff.RetryNotify(func() error {
		return u.fetch(ctx, req.Location, image)
	}, policy, func(err error, next time.Duration) {
		klog.V(2).InfoS("Firmware download failed, retrying", "location", req.Location, "next", next, "err", err)
	})
	return image, err
}

func (u *Updater) fetch(ctx context.Context, location, image string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download answered %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(image), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "write firmware image")
	}
	klog.V(2).InfoS("Firmware downloaded", "location", location, "bytes", n)
	return os.Rename(tmp.Name(), image)
}

func (u *Updater) install(ctx context.Context, image string) error {
	if len(u.cfg.InstallCommand) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, u.cfg.InstallTimeout)
	defer cancel()
	args := append(append([]string{}, u.cfg.InstallCommand[1:]...), image)
	out, err := exec.CommandContext(ctx, u.cfg.InstallCommand[0], args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", u.cfg.InstallCommand[0], out)
	}
	klog.V(3).InfoS("Install command finished", "output", string(out))
	return nil
}
