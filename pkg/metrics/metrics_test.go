// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("get", "ok", time.Millisecond)
		m.RecordApply("upsert", "ok", 1, 1)
		m.RecordWatchCreated()
		m.RecordWatchClosed("cancel")
		m.RecordRaftProposal(true)
		m.RecordHalt()
	})
}

func TestRecordApply(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordApply("upsert", "ok", 7, 3)
	m.RecordApply("upsert", "conflict", 7, 3)

	assert.Equal(t, float64(7), testutil.ToFloat64(m.CurrentSequence))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.KeysTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandsApplied.WithLabelValues("upsert", "conflict")))
}

func TestWatchGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordWatchCreated()
	m.RecordWatchCreated()
	m.RecordWatchClosed("overflow")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveWatches))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WatchClosedTotal.WithLabelValues("overflow")))
}

func TestMetricsServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordRequest("get", "ok", time.Millisecond)

	srv := httptest.NewServer(NewMetricsServer(":0", reg, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "metaembed_api_request_total")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsServerCustomHealth(t *testing.T) {
	ms := NewMetricsServer(":0", prometheus.NewRegistry(), nil)
	ms.SetHealth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	ms.Handle("/readiness", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
