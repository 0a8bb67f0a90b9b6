package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// =============================================================================
// Observer
// =============================================================================

func TestObserver_CountsEvents(t *testing.T) {
	o := NewObserver()
	var _ lbe.Observer = o

	o.StateChanged(lbe.StateActive)
	o.PollIssued()
	o.PollIssued()
	o.PollCompleted(lbe.PollBaseline)
	o.PollCompleted(lbe.PollSampled)
	o.SampleRecorded("LTE", lbe.Sample{RxKbps: 20000, HasRx: true})
	o.CellEvicted(lbe.CellKey{}, "LTE")

	assert.Equal(t, 1.0, testutil.ToFloat64(o.state))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.pollsIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.pollResults.WithLabelValues("sampled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.samples.WithLabelValues("LTE", "rx")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.samples.WithLabelValues("LTE", "tx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.evictions))

	o.StateChanged(lbe.StateIdle)
	assert.Equal(t, 0.0, testutil.ToFloat64(o.state))
}

func TestObserver_Published(t *testing.T) {
	o := NewObserver()
	o.Published(lbe.Estimate{
		TxKbps:   15000,
		RxKbps:   42000,
		TxSource: lbe.SourceCarrierDefault,
		RxSource: lbe.SourceCell,
	}, lbe.ReasonSample)

	assert.Equal(t, 42000.0, testutil.ToFloat64(o.estimateKbps.WithLabelValues("rx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.estimateSource.WithLabelValues("rx", "cell")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.estimateSource.WithLabelValues("rx", "carrier_default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.estimateSource.WithLabelValues("tx", "carrier_default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.publishes.WithLabelValues("sample")))
}

func TestObserver_Registers(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	o := NewObserver()
	require.NoError(t, reg.Register(o))
	o.PollIssued()

	n, err := testutil.GatherAndCount(reg, "lbe_estimator_polls_issued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// Server
// =============================================================================

func TestServer_MetricsEndpoint(t *testing.T) {
	s := NewServer(":0", nil)
	o := NewObserver()
	require.NoError(t, s.Register(o))
	o.PollIssued()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "lbe_estimator_polls_issued_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_Health(t *testing.T) {
	s := NewServer(":0", nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.SetHealthCheck(func() HealthStatus {
		return HealthStatus{Status: "degraded", Details: map[string]string{"modem": "unavailable"}}
	})
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "unavailable", status.Details["modem"])
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	s := NewServer("", nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return strings.TrimSpace(string(b)) == "OK"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
