package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.launched(false)
	m.launched(true)
	m.launched(true)
	m.exited(ExitAbnormal)
	m.launchFailed(ErrBinaryMissing)
	m.launchFailed(&SpawnError{Path: "x"})
	m.binaryEvent("create")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.launches.WithLabelValues("false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.launches.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues("abnormal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchFailures.WithLabelValues("binary_missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchFailures.WithLabelValues("spawn_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.binaryEvents.WithLabelValues("create")))
}

func TestMetricsStateIsExclusive(t *testing.T) {
	m := NewMetrics()
	m.setState(StateBackoff)

	for _, st := range States {
		want := 0.0
		if st == StateBackoff {
			want = 1
		}
		assert.Equal(t, want, testutil.ToFloat64(m.state.WithLabelValues(string(st))), string(st))
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.launched(true)
		m.exited(ExitNormal)
		m.launchFailed(ErrBinaryMissing)
		m.binaryEvent("write")
		m.setState(StateIdle)
		m.refreshUptime()
	})
}

func TestSupervisorFeedsMetrics(t *testing.T) {
	m := NewMetrics()
	l := &scriptedLauncher{results: []LaunchResult{failedWith(ErrBinaryMissing), exitedWith(1), exitedWith(0)}}
	sup := newTestSupervisor(l, &fakeProbe{}, func(o *Options) { o.Metrics = m })

	waitForExit(t, runAsync(context.Background(), sup), 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchFailures.WithLabelValues("binary_missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launches.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launches.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues(string(StateTerminating))))
}

func newTestStatusServer(t *testing.T) (*httptest.Server, *Supervisor, *Metrics) {
	t.Helper()
	m := NewMetrics()
	sup := newTestSupervisor(&scriptedLauncher{results: []LaunchResult{exitedWith(0)}}, &fakeProbe{}, func(o *Options) { o.Metrics = m })
	srv := httptest.NewServer(NewStatusServer("127.0.0.1:0", sup, m, testLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv, sup, m
}

func TestStatusServerHealthz(t *testing.T) {
	srv, _, _ := newTestStatusServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestStatusServerStatus(t *testing.T) {
	srv, sup, _ := newTestStatusServer(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	sup.Run(context.Background())

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, StateTerminating, st.State)
	assert.Equal(t, 1, st.Launches)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode)
}

func TestStatusServerStatusRejectsPost(t *testing.T) {
	srv, _, _ := newTestStatusServer(t)

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusServerMetrics(t *testing.T) {
	srv, _, m := newTestStatusServer(t)
	m.launched(false)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `watchdog_launch_total{restart="false"} 1`)
	assert.Contains(t, string(body), "watchdog_uptime_seconds")
}

func TestStatusServerRunShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := NewMetrics()
	sup := newTestSupervisor(&scriptedLauncher{results: []LaunchResult{exitedWith(0)}}, &fakeProbe{}, nil)
	srv := NewStatusServer(addr, sup, m, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.uptime) > 0 },
		time.Second, 10*time.Millisecond, "uptime is refreshed while serving")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("status server did not shut down")
	}
}
