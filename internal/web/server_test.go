package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beerery/internal/config"
	"beerery/internal/controller"
	"beerery/internal/metrics"
	"beerery/internal/output"
	"beerery/internal/sampling"
)

type fakeController struct {
	snap        controller.Snapshot
	invalidated atomic.Int32
}

func (f *fakeController) Snapshot() controller.Snapshot { return f.snap }

func (f *fakeController) Input(name string) (controller.InputStatus, bool) {
	for _, in := range f.snap.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return controller.InputStatus{}, false
}

func (f *fakeController) Output(name string) (controller.OutputStatus, bool) {
	for _, out := range f.snap.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return controller.OutputStatus{}, false
}

func (f *fakeController) Invalidate() { f.invalidated.Add(1) }

type fakeWatcher struct{}

func (fakeWatcher) Snapshot() config.WatcherSnapshot {
	return config.WatcherSnapshot{Interval: "1s", Polls: 3}
}

func newFakeController() *fakeController {
	return &fakeController{snap: controller.Snapshot{
		RunID:       "run-1",
		ConfigState: "current",
		SampleTime:  "5s",
		Iterations:  12,
		Inputs: []controller.InputStatus{
			{Name: "HLT", Type: "thermistor", Reading: &sampling.Reading{Name: "HLT", Value: 151.2}},
		},
		Outputs: []controller.OutputStatus{
			{Name: "HLT", Input: "HLT", Pin: 17, Mode: output.TPC, Kind: output.KindPID, Connected: true},
		},
	}}
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestAPIStatus(t *testing.T) {
	ctl := newFakeController()
	ts := httptest.NewServer(Handler(Deps{Controller: ctl, Watcher: fakeWatcher{}}))
	defer ts.Close()

	var snap StatusResponse
	resp := getJSON(t, ts.URL+"/api/status", &snap)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "beerery", snap.Service)
	assert.Equal(t, "run-1", snap.Controller.RunID)
	assert.Equal(t, uint64(12), snap.Controller.Iterations)
	require.NotNil(t, snap.Watcher)
	assert.Equal(t, uint64(3), snap.Watcher.Polls)
}

func TestAPIInputAndOutput(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{Controller: newFakeController()}))
	defer ts.Close()

	var in controller.InputStatus
	resp := getJSON(t, ts.URL+"/api/inputs/HLT", &in)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, in.Reading)
	assert.Equal(t, 151.2, in.Reading.Value)

	var out controller.OutputStatus
	resp = getJSON(t, ts.URL+"/api/outputs/HLT", &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 17, out.Pin)
	assert.True(t, out.Connected)

	resp = getJSON(t, ts.URL+"/api/inputs/boil", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = getJSON(t, ts.URL+"/api/outputs/boil", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIReload(t *testing.T) {
	ctl := newFakeController()
	ts := httptest.NewServer(Handler(Deps{Controller: ctl}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int32(1), ctl.invalidated.Load())

	resp, err = http.Get(ts.URL + "/api/reload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPIAbout(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{}))
	defer ts.Close()

	var about AboutResponse
	resp := getJSON(t, ts.URL+"/api/about", &about)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "beerery", about.Service)
	assert.NotEmpty(t, about.Build.GoVersion)
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(3)
	_, _ = logs.Write([]byte("one\ntwo\nthr"))
	_, _ = logs.Write([]byte("ee\nfour\n"))

	ts := httptest.NewServer(Handler(Deps{Logs: logs}))
	defer ts.Close()

	var got LogsResponse
	resp := getJSON(t, ts.URL+"/api/logs", &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"two", "three", "four"}, got.Lines)
	assert.Equal(t, uint64(1), got.Dropped)

	resp, err := http.Get(ts.URL + "/api/logs?format=text&tail=1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "[dropped=1]\nfour\n", string(body))

	resp = getJSON(t, ts.URL+"/api/logs?tail=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	m := metrics.New()
	ts := httptest.NewServer(Handler(Deps{Controller: newFakeController(), Metrics: m}))
	defer ts.Close()

	resp := getJSON(t, ts.URL+"/api/outputs/boil", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `beerery_http_requests_total{route="/api/outputs/{name}",status="404"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStreamPushesIterations(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(controller.Iteration{Number: 1})

	ts := httptest.NewServer(Handler(Deps{Stream: b}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var it controller.Iteration
	require.NoError(t, conn.ReadJSON(&it))
	assert.Equal(t, uint64(1), it.Number, "last iteration is replayed on connect")

	b.Publish(controller.Iteration{Number: 2, Inputs: []sampling.Reading{{Name: "HLT", Value: 150}}})
	require.NoError(t, conn.ReadJSON(&it))
	assert.Equal(t, uint64(2), it.Number)
	require.Len(t, it.Inputs, 1)
	assert.Equal(t, 150.0, it.Inputs[0].Value)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamUnavailableWithoutBroadcaster(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{}))
	defer ts.Close()
	resp := getJSON(t, ts.URL+"/api/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	id, ch := b.Subscribe(1)
	b.Publish(controller.Iteration{Number: 1})
	b.Publish(controller.Iteration{Number: 2})

	got := <-ch
	assert.Equal(t, uint64(1), got.Number)
	select {
	case it := <-ch:
		t.Fatalf("unexpected iteration %d", it.Number)
	default:
	}

	b.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())
}
