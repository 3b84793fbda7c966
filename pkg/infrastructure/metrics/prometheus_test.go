package metrics

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Counters(t *testing.T) {
	collector := NewPrometheusCollectorWithRegisterer(prometheus.NewRegistry())
	collector.IncrementCounter("flight_streams_total", "dataset", "uk_cities", "status", "ok")
	collector.IncrementCounter("flight_streams_total", "dataset", "uk_cities", "status", "ok")
	collector.AddCounter("flight_rows_sent_total", 2500, "dataset", "uk_cities")

	streams := collector.counters["flight_streams_total"]
	require.NotNil(t, streams)
	assert.Equal(t, float64(2), testutil.ToFloat64(streams.WithLabelValues("uk_cities", "ok")))

	rows := collector.counters["flight_rows_sent_total"]
	assert.Equal(t, float64(2500), testutil.ToFloat64(rows.WithLabelValues("uk_cities")))
}

func TestPrometheusCollector_HistogramAndGauge(t *testing.T) {
	collector := NewPrometheusCollectorWithRegisterer(prometheus.NewRegistry())
	collector.RecordHistogram("flight_stream_duration_seconds", 0.25, "dataset", "uk_cities")
	collector.RecordGauge("arrow_allocated_bytes", 4096)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.histograms["flight_stream_duration_seconds"]))
	assert.Equal(t, 4096.0, testutil.ToFloat64(collector.gauges["arrow_allocated_bytes"].WithLabelValues()))
}

func TestPrometheusCollector_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusCollectorWithRegisterer(reg)
	b := NewPrometheusCollectorWithRegisterer(reg)

	a.IncrementCounter("shared_total", "k", "v")
	assert.NotPanics(t, func() { b.IncrementCounter("shared_total", "k", "v") })
	assert.Equal(t, float64(2), testutil.ToFloat64(a.counters["shared_total"].WithLabelValues("v")))
}

func TestPrometheusCollector_Concurrent(t *testing.T) {
	collector := NewPrometheusCollectorWithRegisterer(prometheus.NewRegistry())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter("concurrent_total", "dataset", "d")
		}()
	}
	wg.Wait()
	assert.Equal(t, float64(20), testutil.ToFloat64(collector.counters["concurrent_total"].WithLabelValues("d")))
}

func TestPrometheusCollector_StartTimer(t *testing.T) {
	timer := NewPrometheusCollectorWithRegisterer(prometheus.NewRegistry()).StartTimer("t")
	time.Sleep(10 * time.Millisecond)
	duration := timer.Stop()
	assert.Greater(t, duration, 0.0)
	assert.Less(t, duration, 1.0)
}

func TestParseLabelPairs(t *testing.T) {
	tests := []struct {
		name       string
		labels     []string
		wantNames  []string
		wantValues []string
	}{
		{"empty labels", []string{}, []string{}, []string{}},
		{"single pair", []string{"key1", "value1"}, []string{"key1"}, []string{"value1"}},
		{"multiple pairs", []string{"key1", "value1", "key2", "value2"}, []string{"key1", "key2"}, []string{"value1", "value2"}},
		{"odd number of labels", []string{"key1", "value1", "key2"}, []string{"key1"}, []string{"value1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, values := parseLabelPairs(tt.labels)
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, tt.wantValues, values)
		})
	}
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewPrometheusCollectorWithRegisterer(reg)
	collector.IncrementCounter("flight_batches_sent_total", "dataset", "uk_cities")

	server := NewMetricsServerForGatherer("127.0.0.1:0", "/metrics", reg)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	require.Eventually(t, func() bool { return server.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + server.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `flight_batches_sent_total{dataset="uk_cities"} 1`))

	require.NoError(t, server.Stop())
	assert.NoError(t, <-errCh)
}
