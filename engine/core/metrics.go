package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Streaming counters kept for the lifetime of the process. The repo worker
// and scheduler feed these; anything with a handle on the registry can
// export them.
type MetricsState struct {
	BytesReceived     prometheus.Counter
	HTTPRequests      prometheus.Counter
	HTTPRetries       prometheus.Counter
	CacheBytesRead    prometheus.Counter
	CacheBytesWritten prometheus.Counter
	LODPending        prometheus.Gauge
	LODProcessing     prometheus.Gauge
}

var onceMetrics sync.Once
var metricsState *MetricsState = nil

func MetricsInitialize(reg prometheus.Registerer) error {
	var err error
	onceMetrics.Do(func() {
		metricsState = &MetricsState{
			BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "remesh_bytes_received_total",
				Help: "Mesh payload bytes received over HTTP.",
			}),
			HTTPRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "remesh_http_requests_total",
				Help: "Mesh fetch HTTP requests issued.",
			}),
			HTTPRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "remesh_http_retries_total",
				Help: "Mesh fetch requests re-enqueued after a retryable failure.",
			}),
			CacheBytesRead: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "remesh_cache_bytes_read_total",
				Help: "Bytes satisfied from the local mesh cache.",
			}),
			CacheBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "remesh_cache_bytes_written_total",
				Help: "Bytes written back to the local mesh cache.",
			}),
			LODPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "remesh_lod_pending",
				Help: "LOD requests waiting at the scheduler.",
			}),
			LODProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "remesh_lod_processing",
				Help: "LOD requests handed to the repo worker.",
			}),
		}
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		for _, c := range []prometheus.Collector{
			metricsState.BytesReceived,
			metricsState.HTTPRequests,
			metricsState.HTTPRetries,
			metricsState.CacheBytesRead,
			metricsState.CacheBytesWritten,
			metricsState.LODPending,
			metricsState.LODProcessing,
		} {
			if regErr := reg.Register(c); regErr != nil {
				err = regErr
				return
			}
		}
	})
	return err
}

func Metrics() *MetricsState {
	if metricsState == nil {
		// Tests and embedders that never exported metrics still get counters.
		_ = MetricsInitialize(prometheus.NewRegistry())
	}
	return metricsState
}

func MetricsAddBytesReceived(n int)     { Metrics().BytesReceived.Add(float64(n)) }
func MetricsAddHTTPRequest()            { Metrics().HTTPRequests.Inc() }
func MetricsAddHTTPRetry()              { Metrics().HTTPRetries.Inc() }
func MetricsAddCacheBytesRead(n int)    { Metrics().CacheBytesRead.Add(float64(n)) }
func MetricsAddCacheBytesWritten(n int) { Metrics().CacheBytesWritten.Add(float64(n)) }
func MetricsLODPendingAdd(delta int)    { Metrics().LODPending.Add(float64(delta)) }
func MetricsLODProcessingAdd(delta int) { Metrics().LODProcessing.Add(float64(delta)) }
