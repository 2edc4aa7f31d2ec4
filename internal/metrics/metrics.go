// Package metrics provides Prometheus instrumentation for the network
// runtime: connection counts, pool occupancy for every bounded resource
// pool (buffers, DB handles, worker backlog, log queue), and message
// throughput/latency. Adapted from the original metrics.go, with the
// whisper_* matchmaking metrics replaced by gauges for the engine's own
// pools (component D/E/F/B) so operators can see backpressure forming
// before a pool actually blocks callers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_ws_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// HTTPConnectionsTotal tracks the current number of open HTTP
	// connections (including idle keep-alive ones).
	HTTPConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_http_connections_total",
		Help: "Current number of open HTTP connections",
	})

	// MessagesTotal counts WebSocket messages processed, labeled by
	// type: "received" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ws_messages_total",
		Help: "Total number of WebSocket messages processed",
	}, []string{"type"})

	// MessageLatency records message dispatch latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_ws_message_latency_seconds",
		Help:    "WebSocket message dispatch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HTTPRequestLatency records request handling latency in seconds.
	HTTPRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_latency_seconds",
		Help:    "HTTP request handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "status"})

	// DBPoolInUse tracks how many database handles are currently
	// checked out of internal/dbpool.
	DBPoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_db_pool_in_use",
		Help: "Number of database handles currently checked out",
	})

	// BufferPoolSize tracks how many buffers currently sit idle in
	// internal/bufpool.
	BufferPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_buffer_pool_idle",
		Help: "Number of idle buffers retained in the buffer pool",
	})

	// WorkerPoolBacklog tracks the current depth of the worker pool's
	// task channel.
	WorkerPoolBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_worker_pool_backlog",
		Help: "Current number of tasks queued in the worker pool",
	})

	// LogQueueDepth tracks the current depth of the async log pipeline's
	// bounded queue.
	LogQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_log_queue_depth",
		Help: "Current number of buffered log lines awaiting the drain thread",
	})

	// RoomsTotal tracks the current number of non-empty WebSocket rooms.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_ws_rooms_total",
		Help: "Current number of non-empty WebSocket rooms",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		HTTPConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		HTTPRequestLatency,
		DBPoolInUse,
		BufferPoolSize,
		WorkerPoolBacklog,
		LogQueueDepth,
		RoomsTotal,
	)
}
