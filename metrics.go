package main

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the delivery core. Scraped via /metrics.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_ws_disconnects_total",
		Help: "Total disconnections by close code",
	}, []string{"code"})

	supersessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_supersessions_total",
		Help: "Total connections evicted because the same user reconnected",
	})

	idleReapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_idle_reaps_total",
		Help: "Total connections closed by the heartbeat idle timer",
	})

	// Delivery metrics
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_ws_deliveries_total",
		Help: "Total deliver calls by outcome (delivered, queued, dropped)",
	}, []string{"outcome"})

	offlineDrainedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_offline_drained_total",
		Help: "Total notifications drained from offline queues on reconnect",
	})

	// Pump metrics
	brokerMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_broker_messages_total",
		Help: "Total messages received on the shared broker channel",
	})

	brokerResubscribesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_broker_resubscribes_total",
		Help: "Total broker subscription re-establishments after failure",
	})

	pendingRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_ws_pending_rows_total",
		Help: "Total pending notification rows processed by the poller",
	}, []string{"result"})

	// Frame metrics
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_frames_sent_total",
		Help: "Total frames sent to clients",
	})

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_frames_received_total",
		Help: "Total frames received from clients",
	})

	rateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_rate_limited_frames_total",
		Help: "Total inbound frames dropped by the per-client rate limiter",
	})

	// Task-worker pool metrics
	taskQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_task_queue_depth",
		Help: "Current number of tasks waiting in the task-worker queue",
	})

	tasksDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_tasks_dropped_total",
		Help: "Total tasks dropped because the task-worker queue was full",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsFailed)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(supersessionsTotal)
	prometheus.MustRegister(idleReapsTotal)

	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(offlineDrainedTotal)

	prometheus.MustRegister(brokerMessagesTotal)
	prometheus.MustRegister(brokerResubscribesTotal)
	prometheus.MustRegister(pendingRowsTotal)

	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(rateLimitedFrames)

	prometheus.MustRegister(taskQueueDepth)
	prometheus.MustRegister(tasksDropped)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(goroutinesActive)
}

// MetricsCollector periodically samples gauges that are not updated on the
// hot path.
type MetricsCollector struct {
	server   *Server
	stopChan chan struct{}
}

func NewMetricsCollector(server *Server) *MetricsCollector {
	return &MetricsCollector{
		server:   server,
		stopChan: make(chan struct{}),
	}
}

// Start begins sampling at the given interval.
func (m *MetricsCollector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *MetricsCollector) Stop() {
	close(m.stopChan)
}

func (m *MetricsCollector) collect() {
	connectionsActive.Set(float64(atomic.LoadInt64(&m.server.stats.CurrentConnections)))

	memoryUsageBytes.Set(float64(atomic.LoadInt64(&m.server.stats.MemoryRSS)))

	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	taskQueueDepth.Set(float64(m.server.workerPool.GetQueueDepth()))
	tasksDropped.Set(float64(m.server.workerPool.GetDroppedTasks()))
}

// handleMetrics serves the Prometheus scrape endpoint.
func handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
