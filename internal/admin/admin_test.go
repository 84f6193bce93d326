package admin

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/metrics"
	"github.com/gridrepl/gridrepl/internal/tracing"
)

type fakeStatus struct {
	active   int
	channels []channel.Channel
}

func (f fakeStatus) ActiveOperations() int       { return f.active }
func (f fakeStatus) Channels() []channel.Channel { return f.channels }

func TestAdminServer_Health(t *testing.T) {
	server := NewAdminServer(nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestAdminServer_StatusDisabledWithoutSource(t *testing.T) {
	server := NewAdminServer(nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminServer_Status(t *testing.T) {
	server := NewAdminServer(fakeStatus{
		active: 3,
		channels: []channel.Channel{
			{ID: "CERN-PIC", Source: "CERN", Dest: "PIC", Status: channel.StatusActive, QueuedFiles: 4, QueuedSize: 400, Throughput: 100},
			{ID: "CERN-RAL", Source: "CERN", Dest: "RAL", Status: channel.StatusActive, QueuedFiles: 1},
		},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp statusResponse
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.ActiveOperations)
	require.Len(t, resp.Channels, 2)
	require.NotNil(t, resp.Channels[0].TimeToStart)
	assert.InDelta(t, 4.0, *resp.Channels[0].TimeToStart, 1e-9)
	assert.Nil(t, resp.Channels[1].TimeToStart)
}

func TestAdminServer_Metrics(t *testing.T) {
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	defer func() { metrics.Registry = oldRegistry }()

	m := metrics.InitMetrics("test-agent", "1.0.0")
	m.ActiveOperations.Set(2)

	server := NewAdminServer(nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gridrepl_active_operations")
}

func TestAdminServer_Trace(t *testing.T) {
	server := NewAdminServer(nil, zerolog.Nop())

	// Without EnableTrace the endpoint does not exist.
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	r, err := tracing.Start(tracing.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	server.EnableTrace(r)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())

	r.Stop()
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminServer_StartStop(t *testing.T) {
	server := NewAdminServer(nil, zerolog.Nop())
	assert.Empty(t, server.Addr())

	require.NoError(t, server.Start("127.0.0.1:0"))
	defer func() { _ = server.Stop() }()
	require.NotEmpty(t, server.Addr())

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(body))
}

func TestAdminServer_StopWithoutStart(t *testing.T) {
	assert.NoError(t, NewAdminServer(nil, zerolog.Nop()).Stop())
}
