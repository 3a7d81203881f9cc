package station

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargepoint/pkg/connector"
	"chargepoint/pkg/localauth"
	"chargepoint/pkg/ocpp/rpc"
	"chargepoint/pkg/ocppconfig"
	"chargepoint/pkg/relay"
)

// centralSystem is a scripted OCPP-J peer.
type centralSystem struct {
	*httptest.Server
	mu      sync.Mutex
	conn    *websocket.Conn
	actions []string
	results chan json.RawMessage
	nextTx  int
}

func newCentralSystem(t *testing.T) *centralSystem {
	t.Helper()
	cs := &centralSystem{results: make(chan json.RawMessage, 8), nextTx: 500}
	upgrader := websocket.Upgrader{Subprotocols: []string{rpc.Subprotocol}}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conn = conn
		cs.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cs.handle(data)
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *centralSystem) handle(data []byte) {
	var parts []json.RawMessage
	if json.Unmarshal(data, &parts) != nil || len(parts) < 3 {
		return
	}
	var typ int
	_ = json.Unmarshal(parts[0], &typ)
	if typ == 3 {
		cs.results <- parts[2]
		return
	}
	if typ != 2 || len(parts) < 4 {
		return
	}
	var id, action string
	_ = json.Unmarshal(parts[1], &id)
	_ = json.Unmarshal(parts[2], &action)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.actions = append(cs.actions, action)
	var payload interface{} = map[string]interface{}{}
	now := time.Now().UTC().Format(time.RFC3339)
	switch action {
	case core.BootNotificationFeatureName:
		payload = map[string]interface{}{"status": "Accepted", "interval": 300, "currentTime": now}
	case core.HeartbeatFeatureName:
		payload = map[string]interface{}{"currentTime": now}
	case core.StartTransactionFeatureName:
		cs.nextTx++
		payload = map[string]interface{}{"transactionId": cs.nextTx, "idTagInfo": map[string]string{"status": "Accepted"}}
	case core.StopTransactionFeatureName:
		payload = map[string]interface{}{"idTagInfo": map[string]string{"status": "Accepted"}}
	}
	msg, _ := json.Marshal([]interface{}{3, id, payload})
	_ = cs.conn.WriteMessage(websocket.TextMessage, msg)
}

func (cs *centralSystem) call(t *testing.T, id, action string, payload interface{}) json.RawMessage {
	t.Helper()
	msg, err := json.Marshal([]interface{}{2, id, action, payload})
	require.NoError(t, err)
	cs.mu.Lock()
	err = cs.conn.WriteMessage(websocket.TextMessage, msg)
	cs.mu.Unlock()
	require.NoError(t, err)
	select {
	case r := <-cs.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no result for %s", action)
		return nil
	}
}

func (cs *centralSystem) received(action string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, a := range cs.actions {
		if a == action {
			n++
		}
	}
	return n
}

func TestStationAgainstCentralSystem(t *testing.T) {
	cs := newCentralSystem(t)

	registry, err := connector.NewRegistry([]connector.Config{{ID: 1, RelayHandle: "r1"}}, relay.NewMemoryActuator())
	require.NoError(t, err)
	settings, err := ocppconfig.New(ocppconfig.Static{Identity: "CP1", Vendor: "Acme", Model: "Wallbox", NumberOfConnectors: 1}, nil, nil)
	require.NoError(t, err)
	rpcCfg := rpc.NewDefaultConfig()
	rpcCfg.URL = "ws" + strings.TrimPrefix(cs.URL, "http")
	rpcCfg.Identity = "CP1"
	client := rpc.NewClient(rpcCfg)

	st, err := New(testConfig(t), client, registry, &fakeMeter{energy: map[int]float64{1: 42}}, settings, localauth.New(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	require.Eventually(t, st.Booted, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cs.received(core.StatusNotificationFeatureName) >= 2 }, 2*time.Second, 5*time.Millisecond)

	var start core.RemoteStartTransactionConfirmation
	require.NoError(t, json.Unmarshal(cs.call(t, "c1", core.RemoteStartTransactionFeatureName,
		map[string]interface{}{"connectorId": 1, "idTag": "REMOTE"}), &start))
	assert.Equal(t, "Accepted", string(start.Status))
	require.Eventually(t, func() bool {
		c, _ := registry.Get(1)
		return c.Snapshot().Status == connector.StatusCharging
	}, 2*time.Second, 5*time.Millisecond)

	var stop core.RemoteStopTransactionConfirmation
	require.NoError(t, json.Unmarshal(cs.call(t, "c2", core.RemoteStopTransactionFeatureName,
		map[string]interface{}{"transactionId": 501}), &stop))
	assert.Equal(t, "Accepted", string(stop.Status))
	require.Eventually(t, func() bool { return cs.received(core.StopTransactionFeatureName) == 1 }, 2*time.Second, 5*time.Millisecond)

	var get core.GetConfigurationConfirmation
	require.NoError(t, json.Unmarshal(cs.call(t, "c3", core.GetConfigurationFeatureName,
		map[string]interface{}{"key": []string{"Identity"}}), &get))
	require.Len(t, get.ConfigurationKey, 1)
	require.NotNil(t, get.ConfigurationKey[0].Value)
	assert.Equal(t, "CP1", *get.ConfigurationKey[0].Value)
}
