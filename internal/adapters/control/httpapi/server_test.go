package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

type fakeController struct {
	mu      sync.Mutex
	running bool
	label   string
	syncErr error
	syncs   int

	stopErr      error
	stopDeadline bool
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErr = ctx.Err()
	_, f.stopDeadline = ctx.Deadline()
	f.running = false
	return nil
}

func (f *fakeController) SetLabel(l string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.label = l
}

func (f *fakeController) Sync(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.syncErr
}

func (f *fakeController) Status() ports.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "stopped"
	if f.running {
		state = "sampling"
	}
	return ports.Status{DeviceID: "dev-1", State: state, Label: f.label, IntervalHz: 5}
}

func decodeStatus(t *testing.T, res *http.Response) ports.Status {
	t.Helper()
	defer res.Body.Close()
	var st ports.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	return st
}

func TestRouterLifecycleAndLabel(t *testing.T) {
	ctl := &fakeController{}
	srv := httptest.NewServer(NewRouter(ctl, nil, nil))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/v1/start", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "sampling", decodeStatus(t, res).State)

	res, err = http.Post(srv.URL+"/v1/label", "application/json", strings.NewReader(`{"label":"walking"}`))
	require.NoError(t, err)
	assert.Equal(t, "walking", decodeStatus(t, res).Label)

	res, err = http.Post(srv.URL+"/v1/label", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	st := decodeStatus(t, res)
	assert.Equal(t, "dev-1", st.DeviceID)
	assert.Equal(t, 5, st.IntervalHz)

	res, err = http.Post(srv.URL+"/v1/stop", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, "stopped", decodeStatus(t, res).State)

	res, err = http.Get(srv.URL + "/v1/stop")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Contains(t, body.Error, "GET")
}

func TestRouterUnknownPath(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(&fakeController{}, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRouterStopOutlivesClientDisconnect(t *testing.T) {
	ctl := &fakeController{running: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/v1/stop", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	NewRouter(ctl, nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.NoError(t, ctl.stopErr)
	assert.True(t, ctl.stopDeadline)
	assert.False(t, ctl.running)
}

func TestRouterSyncError(t *testing.T) {
	ctl := &fakeController{syncErr: errors.New("no remote")}
	srv := httptest.NewServer(NewRouter(ctl, nil, nil))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/v1/sync", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "no remote", body.Error)
	assert.Equal(t, 1, ctl.syncs)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "proxi_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(NewRouter(&fakeController{}, nil, reg))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "proxi_test_total 1")
}

func TestHubStreamsFlushAndRecords(t *testing.T) {
	hub := NewHub("dev-1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(&fakeController{}, hub, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background()))
	hub.OnDataChanged(&domain.Record{Timestamp: 99, Value: 5})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second StreamEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, "flush", first.Type)
	assert.Equal(t, "dev-1", first.DeviceID)
	assert.Equal(t, "record", second.Type)
	require.NotNil(t, second.Record)
	assert.Equal(t, 5.0, second.Record.Value)
}
