// Package diagnostics builds a diagnostics report and uploads it to the
// location requested by the central system.
package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/storage"
	"chargepoint/pkg/utils/fileutil"
	"chargepoint/pkg/utils/uuidutil"
)

var ErrUnsupportedLocation = errors.New("unsupported diagnostics location")

// StatusFunc reports a DiagnosticsStatusNotification.
type StatusFunc func(ctx context.Context, status firmware.DiagnosticsStatus) error

type Config struct {
	Dir           string
	Identity      string
	UploadTimeout time.Duration
	// State lists the persisted state files included in the report.
	State storage.Lister
}

type Report struct {
	Identity    string      `json:"identity"`
	GeneratedAt time.Time   `json:"generatedAt"`
	StartTime   *time.Time  `json:"startTime,omitempty"`
	StopTime    *time.Time  `json:"stopTime,omitempty"`
	Host        HostInfo    `json:"host"`
	Connectors  interface{} `json:"connectors"`

	StateFiles []*storage.FileInfo `json:"stateFiles,omitempty"`
}

// Request mirrors GetDiagnostics.
type Request struct {
	Location      string
	Retries       int
	RetryInterval time.Duration
	StartTime     *time.Time
	StopTime      *time.Time
}

type Uploader struct {
	cfg       Config
	client    *http.Client
	notify    StatusFunc
	snapshots func() interface{}

	mu     sync.Mutex
	status firmware.DiagnosticsStatus
	wg     sync.WaitGroup
}

func NewUploader(cfg Config, snapshots func() interface{}, notify StatusFunc) *Uploader {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = time.Minute
	}
	return &Uploader{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.UploadTimeout},
		notify:    notify,
		snapshots: snapshots,
		status:    firmware.DiagnosticsStatusIdle,
	}
}

// Status is the last reported upload status.
func (u *Uploader) Status() firmware.DiagnosticsStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Uploader) setStatus(ctx context.Context, status firmware.DiagnosticsStatus) {
	u.mu.Lock()
	u.status = status
	u.mu.Unlock()
	if u.notify == nil {
		return
	}
	if err := u.notify(ctx, status); err != nil {
		klog.V(2).InfoS("Failed to report diagnostics status", "status", status, "err", err)
	}
}

// Start writes the report and uploads it in the background. It returns the
// file name the central system will receive.
func (u *Uploader) Start(ctx context.Context, req Request) (string, error) {
	target, err := url.Parse(req.Location)
	if err != nil {
		return "", errors.Wrap(ErrUnsupportedLocation, err.Error())
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return "", errors.Wrapf(ErrUnsupportedLocation, "scheme %q", target.Scheme)
	}

	name := fmt.Sprintf("diagnostics-%s-%s.json", u.cfg.Identity, uuidutil.ShortUUID())
	report := Report{
		Identity:    u.cfg.Identity,
		GeneratedAt: time.Now().UTC(),
		StartTime:   req.StartTime,
		StopTime:    req.StopTime,
		Host:        CollectHost(ctx, u.cfg.Dir),
	}
	if u.snapshots != nil {
		report.Connectors = u.snapshots()
	}
	if u.cfg.State != nil {
		files, err := u.cfg.State.List("")
		if err != nil {
			klog.V(2).InfoS("Failed to list state files", "err", err)
		}
		report.StateFiles = files
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(u.cfg.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(u.cfg.Dir, name)
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write diagnostics")
	}

	if strings.HasSuffix(target.Path, "/") {
		target.Path += name
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.upload(ctx, target.String(), data, req.Retries, req.RetryInterval)
	}()
	return name, nil
}

// Wait blocks until running uploads finish.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) upload(ctx context.Context, location string, data []byte, retries int, interval time.Duration) {
	u.setStatus(ctx, firmware.DiagnosticsStatusUploading)
	if retries < 0 {
		retries = 0
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries)), ctx)
	err := backoff.RetryNotify(func() error {
		return u.put(ctx, location, data)
	}, policy, func(err error, next time.Duration) {
		klog.V(2).InfoS("Diagnostics upload failed, retrying", "location", location, "next", next, "err", err)
	})
	if err != nil {
		klog.ErrorS(err, "Failed to upload diagnostics", "location", location)
		u.setStatus(ctx, firmware.DiagnosticsStatusUploadFailed)
		return
	}
	klog.V(2).InfoS("Diagnostics uploaded", "location", location, "bytes", len(data))
	u.setStatus(ctx, firmware.DiagnosticsStatusUploaded)
}

func (u *Uploader) put(ctx context.Context, location string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("upload answered %s", resp.Status)
	}
	return nil
}
