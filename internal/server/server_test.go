package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabular/location-collector/internal/collector"
	"github.com/tabular/location-collector/internal/location"
	"github.com/tabular/location-collector/internal/logging"
	"github.com/tabular/location-collector/internal/sensor"
	"github.com/tabular/location-collector/internal/storage"
)

type noIP struct{}

func (noIP) Lookup(context.Context) (sensor.IPLocation, error) {
	return sensor.IPLocation{}, sensor.ErrProviderUnavailable
}

type testEnv struct {
	srv    *httptest.Server
	col    *collector.Collector
	remote *sensor.Remote
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	remote := sensor.NewRemote()
	col := collector.New(collector.Deps{
		Store:      storage.NewMemoryStore(),
		Sensor:     remote,
		IPProvider: noIP{},
		Logger:     logging.Nop(),
	}, collector.WithClock(func() time.Time {
		return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	}))
	svc := NewService(col, remote, logging.Nop(), "test")
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		col.Close()
	})
	return &testEnv{srv: srv, col: col, remote: remote}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["tracking"])
}

func TestSettings_PatchRecordsConsent(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "PATCH", "/api/v1/settings", `{"collectionEnabled":true,"privacyLevel":"city_level"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s location.Settings
	decode(t, resp, &s)
	assert.True(t, s.CollectionEnabled)
	assert.Equal(t, location.PrivacyCityLevel, s.PrivacyLevel)

	resp = env.do(t, "GET", "/api/v1/consent", "")
	var consent []location.ConsentRecord
	decode(t, resp, &consent)
	require.Len(t, consent, 1)
	assert.Equal(t, location.ChangeGranted, consent[0].ChangeType)

	resp = env.do(t, "PATCH", "/api/v1/settings", `{"collectionEnabled":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImportExportAndClear(t *testing.T) {
	env := newTestEnv(t)

	payload := `{
		"settings": {"collectionEnabled": true, "retentionPeriodDays": 1},
		"history": [
			{"timestamp":"2026-10-17T11:00:00Z","collectedAt":"2026-10-17T11:00:00Z","source":"gps","latitude":37.775,"longitude":-122.419,"accuracy":5},
			{"timestamp":"2026-10-14T11:00:00Z","collectedAt":"2026-10-14T11:00:00Z","source":"ip"}
		]
	}`
	resp := env.do(t, "POST", "/api/v1/import", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", "/api/v1/export?format=csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(string(body), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2026-10-17T11:00:00.000Z,37.775,-122.419,5,gps", lines[1])

	resp = env.do(t, "GET", "/api/v1/export?format=gpx", "")
	assert.Equal(t, "application/gpx+xml", resp.Header.Get("Content-Type"))

	resp = env.do(t, "GET", "/api/v1/export?format=kml", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "POST", "/api/v1/cleanup", "")
	var cleanup map[string]int
	decode(t, resp, &cleanup)
	assert.Equal(t, 1, cleanup["removed"])

	resp = env.do(t, "GET", "/api/v1/stats", "")
	var stats struct {
		Summary collector.Summary `json:"summary"`
	}
	decode(t, resp, &stats)
	assert.Equal(t, 1, stats.Summary.HistoryCount)

	resp = env.do(t, "DELETE", "/api/v1/data", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", "/api/v1/history", "")
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))

	resp = env.do(t, "GET", "/api/v1/analytics", "")
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(body))
}

func TestImport_Malformed(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "POST", "/api/v1/import", `{"history": 12}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]bool
	decode(t, resp, &body)
	assert.False(t, body["imported"])
}

func TestTrackingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/tracking/start", "")
	var start map[string]interface{}
	decode(t, resp, &start)
	assert.Equal(t, false, start["started"], "collection disabled")

	resp = env.do(t, "POST", "/api/v1/visibility", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "POST", "/api/v1/visibility", `{"visible":false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "POST", "/api/v1/tracking/stop", "")
	var st collector.State
	decode(t, resp, &st)
	assert.False(t, st.IsTracking)

	resp = env.do(t, "POST", "/api/v1/tracking/request", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == msgType {
			return msg
		}
	}
}

func TestWebSocket_RemoteSensorFlow(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "permission", "state": "granted"}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	readUntil(t, conn, "pong")

	resp := env.do(t, "PATCH", "/api/v1/settings", `{"collectionEnabled":true,"collectionMethod":"periodic","privacyLevel":"exact"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return env.remote.Watching() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":      "position",
		"latitude":  51.5074,
		"longitude": -0.1278,
		"accuracy":  12,
	}))
	msg := readUntil(t, conn, "locationUpdate")
	record, ok := msg["record"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 51.5074, record["latitude"])
	assert.Equal(t, "gps", record["source"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "error", "code": "timeout", "message": "no fix"}))
	msg = readUntil(t, conn, "locationError")
	assert.Equal(t, "timeout", msg["code"])

	assert.Len(t, env.col.History(), 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "visibility", "visible": false}))
	require.Eventually(t, func() bool { return !env.col.State().IsTracking }, 2*time.Second, 10*time.Millisecond)
}
