package debugserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
	"github.com/odvcencio/swarmchat/pkg/view"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *telemetry.Hub) {
	t.Helper()
	hub := telemetry.NewHub()
	st := store.New(logging.Discard(), hub)
	t.Cleanup(st.Close)
	srv := httptest.NewServer(New(Options{Store: st, Hub: hub}).Handler())
	t.Cleanup(srv.Close)
	return srv, st, hub
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStateReportsScreen(t *testing.T) {
	srv, st, _ := newTestServer(t)
	require.True(t, st.Restore(store.Resumable{
		Phase:   model.PhaseWaiting,
		User:    &model.User{ID: "u1", SessionID: "s1"},
		Session: &model.Session{ID: "s1", Status: model.StatusWaiting},
	}))

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Screen       view.Screen `json:"screen"`
		Phase        model.Phase
		MessageCount int `json:"message_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, view.ScreenWaiting, body.Screen)
	assert.Equal(t, model.PhaseWaiting, body.Phase)
	assert.Zero(t, body.MessageCount)
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	telemetry.FramesReceived.WithLabelValues("chat", "chat:new_message").Inc()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	srv, _, hub := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	// The subscription is live once headers are flushed.
	hub.Publish(telemetry.Event{Type: telemetry.EventPhaseChanged, SessionID: "s1"})

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	var ev telemetry.Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
	assert.Equal(t, telemetry.EventPhaseChanged, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Options{}).Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
