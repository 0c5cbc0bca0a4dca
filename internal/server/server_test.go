package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrelay/internal/config"
	"gridrelay/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Journal.Enabled = true
	cfg.Journal.DBPath = filepath.Join(t.TempDir(), "outcomes.db")
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(context.Background(), cfg, "test", testLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func post(t *testing.T, url, category, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("aeg-event-type", category)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_HandshakeBroadcastsToSubscribers(t *testing.T) {
	s, ts := newTestServer(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/hubs/gridevents", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	body := `[{"id":"v1","eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","subject":"","eventTime":"2018-01-25T22:12:19Z","data":{"validationCode":"512d38b6"}}]`
	resp := post(t, ts.URL+"/api/updates", "SubscriptionValidation", body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, map[string]string{"validationResponse": "512d38b6"}, got)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"target":"gridupdate"`)
	assert.Contains(t, string(frame), `"v1"`)
}

func TestServer_NotificationIsJournaled(t *testing.T) {
	s, ts := newTestServer(t, nil)

	body := `[
		{"id":"a","eventType":"Microsoft.Storage.BlobCreated","subject":"/a","data":{}},
		{"id":"b","eventType":"Microsoft.Communication.AdvancedMessageReceived","subject":"/b","data":{"content":"Hi","from":"1"}}
	]`
	resp := post(t, ts.URL+"/api/updates", "Notification", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []journal.Entry
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/outcomes")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		entries = nil
		json.NewDecoder(r.Body).Decode(&entries)
		return len(entries) == 2
	}, 3*time.Second, 20*time.Millisecond)

	byID := map[string]journal.Entry{}
	for _, e := range entries {
		byID[e.EventID] = e
	}
	assert.Equal(t, "skipped", string(byID["a"].ReplyStatus))
	assert.Equal(t, "failed", string(byID["b"].ReplyStatus), "no outbound provider configured")
	assert.NotEmpty(t, byID["b"].RequestID)

	processed := s.Events().Replay("record.processed", time.Time{})
	assert.Len(t, processed, 2)
}

func TestServer_RejectsBadDeliveries(t *testing.T) {
	_, ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/api/updates", "Bogus", `[]`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/api/updates", "Notification", `{"id":"x"}`).StatusCode)
}

func TestServer_Preflight(t *testing.T) {
	_, ts := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/updates", nil)
	req.Header.Set("WebHook-Request-Origin", "eventgrid.azure.net")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("WebHook-Allowed-Rate"))
	assert.Equal(t, "eventgrid.azure.net", resp.Header.Get("WebHook-Allowed-Origin"))
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, []any{"websocket"}, health["transports"])
	assert.Equal(t, true, health["journal"])
}

func TestServer_OutcomesDisabledAndBadLimit(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) { c.Journal.Enabled = false })

	resp, err := http.Get(ts.URL + "/api/outcomes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, ts2 := newTestServer(t, nil)
	resp, err = http.Get(ts2.URL + "/api/outcomes?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_EventsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	post(t, ts.URL+"/api/updates", "Notification", `[{"id":"a","eventType":"T"}, 5]`)

	resp, err := http.Get(ts.URL + "/api/events?type=record.rejected")
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "record.rejected", events[0]["type"])

	bad, err := http.Get(ts.URL + "/api/events?since=yesterday")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	post(t, ts.URL+"/api/updates", "Notification", `[{"id":"a","eventType":"T"}]`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(data), "gridrelay_records_total")
}

func TestServer_WebSocketDisabled(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.Relay.WebSocket.Enabled = false })

	assert.Nil(t, s.hub)
	assert.Equal(t, http.StatusOK, post(t, ts.URL+"/api/updates", "Notification", `[{"id":"a","eventType":"T"}]`).StatusCode)
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

type brokenWriter struct {
	header http.Header
	status int
}

func (b *brokenWriter) Header() http.Header {
	if b.header == nil {
		b.header = http.Header{}
	}
	return b.header
}

func (b *brokenWriter) WriteHeader(code int) { b.status = code }

func (b *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestServer_WriteJSONFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	s := &Server{logger: slog.New(slog.NewTextHandler(&logs, nil))}
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rw := &brokenWriter{}

	s.writeJSON(rw, req, http.StatusOK, map[string]string{"status": "ok"})

	assert.Equal(t, http.StatusOK, rw.status)
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))
	assert.Contains(t, logs.String(), "write response failed")
	assert.Contains(t, logs.String(), "path=/api/events")
	assert.Contains(t, logs.String(), "broken pipe")
}
