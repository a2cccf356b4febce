// Package metrics exposes the Prometheus collectors the coordinator
// publishes connection, message, and document counters through, plus a
// background sampler for the server process's own CPU/RSS/goroutine
// gauges.
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry wraps the Prometheus collectors used by the server.
type Registry struct {
	Connections ConnectionMetrics
	Messages    MessageMetrics
	Document    DocumentMetrics
	Process     ProcessMetrics
}

// ConnectionMetrics tracks connection lifecycle counts.
type ConnectionMetrics struct {
	Active    prometheus.Gauge
	Accepted  prometheus.Counter
	Rejected  prometheus.Counter
	RateLimited prometheus.Counter
}

// MessageMetrics tracks applied/broadcast operation counts.
type MessageMetrics struct {
	OpsApplied    prometheus.Counter
	OpsRejected   prometheus.Counter
	Broadcast     prometheus.Counter
	BroadcastDrop prometheus.Counter
}

// DocumentMetrics tracks the authoritative document's shape.
type DocumentMetrics struct {
	Sequence   prometheus.Gauge
	Length     prometheus.Gauge
	PieceCount prometheus.Gauge
}

// ProcessMetrics tracks the server process's own resource usage.
type ProcessMetrics struct {
	CPUPercent prometheus.Gauge
	RSSBytes   prometheus.Gauge
	Goroutines prometheus.Gauge
}

// NewRegistry creates the Prometheus collectors used by the server.
func NewRegistry() *Registry {
	return &Registry{
		Connections: ConnectionMetrics{
			Active: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_connections_active",
				Help: "Number of connected clients.",
			}),
			Accepted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_connections_accepted_total",
				Help: "Total connections that completed the handshake.",
			}),
			Rejected: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_connections_rejected_total",
				Help: "Total connections rejected (failed WebSocket upgrade, auth failure).",
			}),
			RateLimited: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_connections_rate_limited_total",
				Help: "Total connections disconnected for exceeding their op rate limit.",
			}),
		},
		Messages: MessageMetrics{
			OpsApplied: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_ops_applied_total",
				Help: "Total operations applied to the authoritative document.",
			}),
			OpsRejected: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_ops_rejected_total",
				Help: "Total operations rejected as out-of-range or malformed.",
			}),
			Broadcast: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_ops_broadcast_total",
				Help: "Total operation deliveries written to peer connections.",
			}),
			BroadcastDrop: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_ops_broadcast_dropped_total",
				Help: "Total operation deliveries dropped due to a full peer send queue.",
			}),
		},
		Document: DocumentMetrics{
			Sequence: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_sequence_number",
				Help: "Most recently assigned operation sequence number.",
			}),
			Length: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_document_length_bytes",
				Help: "Current logical length of the authoritative document.",
			}),
			PieceCount: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_document_piece_count",
				Help: "Current number of pieces in the authoritative piece table.",
			}),
		},
		Process: ProcessMetrics{
			CPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_process_cpu_percent",
				Help: "Server process CPU usage percentage.",
			}),
			RSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_process_rss_bytes",
				Help: "Server process resident set size in bytes.",
			}),
			Goroutines: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_process_goroutines",
				Help: "Current number of goroutines.",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// RunProcessSampler periodically refreshes the process CPU/RSS/goroutine
// gauges until ctx is canceled. Sampling failures (e.g. unsupported
// platform) are ignored; the gauges keep their last good value.
func (r *Registry) RunProcessSampler(ctx context.Context, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
				r.Process.CPUPercent.Set(pct)
			}
			if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
				r.Process.RSSBytes.Set(float64(mem.RSS))
			}
			r.Process.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
