package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"cutout/internal/logging"
	"cutout/internal/pipeline"
	"cutout/internal/storage"
)

type fakeResults struct {
	ch chan pipeline.Result
}

func (f *fakeResults) Subscribe() (<-chan pipeline.Result, func()) {
	return f.ch, func() {}
}

func startServer(t *testing.T, results Results) (*Server, string) {
	t.Helper()
	st, err := storage.New(storage.DriverPure, filepath.Join(t.TempDir(), "cutout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.RecordRunStart(storage.RunRecord{ID: "run-1", Mode: "parallel/sex", Units: 2}))
	require.NoError(t, st.RecordFieldResult(storage.FieldAttempt{RunID: "run-1", FieldKey: "301/1000/1/27", Status: storage.StatusCompleted, Records: 5}))

	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)
	metrics.Fields.WithLabelValues(storage.StatusCompleted).Inc()

	srv := NewServer("", st, results, reg, logging.Discard())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv, "http://" + lis.Addr().String()
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStatusRoutes(t *testing.T) {
	_, base := startServer(t, nil)

	code, body := get(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, body = get(t, base+"/runs")
	require.Equal(t, http.StatusOK, code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal([]byte(body), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, "parallel/sex", runs[0].Mode)

	code, body = get(t, base+"/runs/run-1/fields")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "301/1000/1/27")

	code, _ = get(t, base+"/runs/nope/fields")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, base+"/runs?limit=zero")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, base+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `cutout_pipeline_fields_total{status="completed"} 1`)

	code, _ = get(t, base+"/stream")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestWebSocketStreamsFieldResults(t *testing.T) {
	results := &fakeResults{ch: make(chan pipeline.Result, 1)}
	srv, base := startServer(t, results)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.hub.count.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	results.ch <- pipeline.Result{
		RunID:    "run-2",
		Field:    "301/1000/1/28",
		Status:   storage.StatusFailed,
		Duration: 1500 * time.Millisecond,
		Error:    errors.New("transient io: giving up"),
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev fieldEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, "301/1000/1/28", ev.Field)
	require.Equal(t, storage.StatusFailed, ev.Status)
	require.Equal(t, int64(1500), ev.DurationMS)
	require.Equal(t, "transient io: giving up", ev.Error)
}
