// Package web serves the local HTTP API of the charge point: station and
// connector status, local start and stop, fault recovery and configuration.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/gin-gonic/gin"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"chargepoint/pkg/apis"
	"chargepoint/pkg/apis/response"
	"chargepoint/pkg/connector"
	"chargepoint/pkg/diagnostics"
	"chargepoint/pkg/ocpp/rpc"
	"chargepoint/pkg/ocppconfig"
	"chargepoint/pkg/session"
)

// Controller is what the API drives; *station.Station implements it.
type Controller interface {
	Booted() bool
	Connected() bool
	LastHeartbeat() time.Time
	Registry() *connector.Registry
	Settings() *ocppconfig.Store
	StartLocal(ctx context.Context, connectorID int, idTag string) (int, error)
	StopLocal(ctx context.Context, connectorID int) error
	Recover(connectorID int) error
}

type Status struct {
	Identity      string               `json:"identity"`
	Booted        bool                 `json:"booted"`
	Connected     bool                 `json:"connected"`
	LastHeartbeat *time.Time           `json:"lastHeartbeat,omitempty"`
	Station       connector.State      `json:"station"`
	Connectors    []connector.State    `json:"connectors"`
	Host          diagnostics.HostInfo `json:"host"`
}

type startRequest struct {
	IdTag string `json:"idTag" binding:"required,max=20"`
}

type startResponse struct {
	TransactionID int `json:"transactionId"`
}

const requestTimeout = 30 * time.Second

func InstallHandler(group *gin.RouterGroup, ctl Controller, diskPath string) {
	group.GET("/status", getStatus(ctl, diskPath))
	group.GET("/connectors", listConnectors(ctl))
	group.GET("/connectors/:id", getConnector(ctl))
	group.POST("/connectors/:id/start", startSession(ctl))
	group.POST("/connectors/:id/stop", stopSession(ctl))
	group.POST("/connectors/:id/recover", recoverConnector(ctl))
	group.GET("/configuration", getConfiguration(ctl))
	group.PATCH("/configuration", patchConfiguration(ctl))
	group.DELETE("/configuration", resetConfiguration(ctl))
}

func getStatus(ctl Controller, diskPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		registry := ctl.Registry()
		status := Status{
			Identity:   ctl.Settings().String(ocppconfig.Identity),
			Booted:     ctl.Booted(),
			Connected:  ctl.Connected(),
			Station:    registry.Station().Snapshot(),
			Connectors: registry.Snapshots(),
			Host:       diagnostics.CollectHost(c.Request.Context(), diskPath),
		}
		if hb := ctl.LastHeartbeat(); !hb.IsZero() {
			status.LastHeartbeat = &hb
		}
		c.JSON(http.StatusOK, status)
	}
}

func listConnectors(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Registry().Snapshots())
	}
}

// lookup resolves the :id parameter and answers 404 itself.
func lookup(c *gin.Context, ctl Controller) (*connector.Connector, bool) {
	raw := c.Param("id")
	id, err := strconv.Atoi(raw)
	if err == nil && id != connector.StationConnectorID {
		if conn, err := ctl.Registry().Get(id); err == nil {
			return conn, true
		}
	}
	c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrConnectorNotFound(raw)))
	return nil, false
}

func getConnector(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := lookup(c, ctl)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, conn.Snapshot())
	}
}

// sessionError maps a session failure to a status code.
func sessionError(c *gin.Context, err error, idTag string) {
	var callErr *rpc.CallError
	switch {
	case errors.Is(err, session.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, response.NewMultiError(response.ErrNotAuthorized(idTag)))
	case errors.Is(err, connector.ErrUnknownConnector):
		c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrConnectorNotFound(c.Param("id"))))
	case errors.Is(err, connector.ErrInvalidTransition), errors.Is(err, connector.ErrTransactionActive):
		c.JSON(http.StatusConflict, response.NewMultiError(response.ErrInvalidTransition(err)))
	case errors.As(err, &callErr), errors.Is(err, rpc.ErrRpcTimeout), errors.Is(err, rpc.ErrNotConnected),
		errors.Is(err, rpc.ErrConnectionClosed):
		c.JSON(http.StatusBadGateway, response.NewMultiError(response.ErrCentralSystem(err)))
	default:
		klog.ErrorS(err, "Local API request failed", "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, response.NewMultiError(response.ErrInvalidTransition(err)))
	}
}

func startSession(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := lookup(c, ctl)
		if !ok {
			return
		}
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			klog.V(2).InfoS("Failed to parse start request", "err", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrRequestBody(err)))
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		txID, err := ctl.StartLocal(ctx, conn.ID(), req.IdTag)
		if err != nil {
			sessionError(c, err, req.IdTag)
			return
		}
		c.Header(apis.Location, fmt.Sprintf("/api/v1/connectors/%d", conn.ID()))
		c.JSON(http.StatusCreated, startResponse{TransactionID: txID})
	}
}

func stopSession(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := lookup(c, ctl)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		if err := ctl.StopLocal(ctx, conn.ID()); err != nil {
			sessionError(c, err, "")
			return
		}
		c.JSON(http.StatusOK, conn.Snapshot())
	}
}

func recoverConnector(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := lookup(c, ctl)
		if !ok {
			return
		}
		if err := ctl.Recover(conn.ID()); err != nil {
			sessionError(c, err, "")
			return
		}
		c.JSON(http.StatusOK, conn.Snapshot())
	}
}

func configurationTag(values map[string]string) string {
	data, _ := json.Marshal(values)
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
}

func getConfiguration(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		values := ctl.Settings().Values()
		c.Header(apis.ETag, configurationTag(values))
		c.JSON(http.StatusOK, values)
	}
}

// patchConfiguration applies a JSON merge patch over the configuration keys.
// Every changed key goes through the same validation as ChangeConfiguration;
// accepted keys stay applied even when others are rejected.
func patchConfiguration(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := ctl.Settings()
		current := settings.Values()
		if eTag := c.GetHeader(apis.IfMatch); eTag != "" && eTag != configurationTag(current) {
			klog.V(2).InfoS("Configuration changed since read", "err", apis.ErrMismatch)
			c.Status(http.StatusPreconditionFailed)
			return
		}

		patch, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrRequestBody(err)))
			return
		}
		original, err := json.Marshal(current)
		if err != nil {
			c.JSON(http.StatusInternalServerError, response.NewMultiError(response.ErrRequestBody(err)))
			return
		}
		merged, err := jsonpatch.MergePatch(original, patch)
		if err != nil {
			klog.V(2).InfoS("Failed to apply configuration patch", "err", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
			return
		}
		var patched map[string]interface{}
		if err := json.Unmarshal(merged, &patched); err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
			return
		}

		errs := response.NewMultiError()
		for _, key := range sortedKeys(current) {
			if _, ok := patched[key]; !ok {
				errs.Add(response.ErrConfigurationRejected(key, "cannot be removed"))
			}
		}
		for _, key := range sortedKeys(patched) {
			value := stringify(patched[key])
			if old, ok := current[key]; ok && old == value {
				continue
			}
			if status := settings.Set(key, value); status != core.ConfigurationStatusAccepted {
				errs.Add(response.ErrConfigurationRejected(key, string(status)))
			}
		}
		values := settings.Values()
		c.Header(apis.ETag, configurationTag(values))
		if errs.Len() > 0 {
			c.JSON(http.StatusUnprocessableEntity, errs)
			return
		}
		c.JSON(http.StatusOK, values)
	}
}

// resetConfiguration drops the persisted changes and returns the keys to
// their startup values.
func resetConfiguration(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := ctl.Settings()
		if eTag := c.GetHeader(apis.IfMatch); eTag != "" && eTag != configurationTag(settings.Values()) {
			klog.V(2).InfoS("Configuration changed since read", "err", apis.ErrMismatch)
			c.Status(http.StatusPreconditionFailed)
			return
		}
		changed, err := settings.Reset()
		values := settings.Values()
		c.Header(apis.ETag, configurationTag(values))
		if err != nil {
			klog.ErrorS(err, "Failed to reset configuration", "changed", changed)
			c.JSON(http.StatusInternalServerError, response.NewMultiError(response.ErrStorage(err)))
			return
		}
		c.JSON(http.StatusOK, values)
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
