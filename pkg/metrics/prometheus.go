// Package metrics provides Prometheus metrics for the racetrack race engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// leaguePointBuckets covers the full range a single race can award.
var leaguePointBuckets = []float64{-19, -15, -10, -5, 0, 5, 10, 15, 20, 25, 30} //nolint:gochecknoglobals // fixed bucket layout

// Manager manages all Prometheus metrics for the racetrack service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Reconciliation metrics
	samplesIngested      prometheus.Counter
	samplesMalformed     prometheus.Counter
	samplesDuplicate     prometheus.Counter
	samplesIgnored       *prometheus.CounterVec
	staleEvictions       *prometheus.CounterVec
	timestampParseErrors prometheus.Counter
	leaderboardRebuilds  prometheus.Counter
	overtakes            prometheus.Counter

	// Authoritative store polling
	snapshotPolls       prometheus.Counter
	snapshotPollErrors  prometheus.Counter
	snapshotPollLatency prometheus.Histogram

	// Broadcast channel
	broadcastPublished     prometheus.Counter
	broadcastPublishErrors prometheus.Counter
	broadcastDropped       prometheus.Counter
	channelUnavailable     prometheus.Counter

	// Finish and ranking
	finishesRecorded  prometheus.Counter
	finishWriteErrors prometheus.Counter
	leaguePointDeltas prometheus.Histogram
	promotions        *prometheus.CounterVec

	// Metadata lookups
	lookupFailures prometheus.Counter
	lookupLatency  prometheus.Histogram

	// Sessions and relay
	activeSessions prometheus.Gauge
	relayClients   prometheus.Gauge
	racesCreated   prometheus.Counter

	// Queue metrics
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueueRate   prometheus.Counter
	queueDequeueRate   prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Worker metrics
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrorRate         prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec
	errorLatency         *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "racetrack",
		subsystem:        "race",
		histogramBuckets: prometheus.DefBuckets,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	return m.metricPrefix + n
}

func (m *Manager) counter(auto promauto.Factory, name, help string) prometheus.Counter {
	return auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) gauge(auto promauto.Factory, name, help string) prometheus.Gauge {
	return auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(auto promauto.Factory, name, help string, buckets []float64) prometheus.Histogram {
	return auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(auto promauto.Factory, name, help string, labels ...string) *prometheus.CounterVec {
	return auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.samplesIngested = m.counter(auto, "samples_ingested_total", "Remote samples applied to a race view")
	m.samplesMalformed = m.counter(auto, "samples_malformed_total", "Broadcast payloads dropped for missing or invalid fields")
	m.samplesDuplicate = m.counter(auto, "samples_duplicate_total", "Broadcast payloads dropped as redelivered duplicates")
	m.samplesIgnored = m.counterVec(auto, "samples_ignored_total", "Samples ignored by reason", "reason")
	m.staleEvictions = m.counterVec(auto, "stale_evictions_total", "Remote runners evicted for staleness", "phase")
	m.timestampParseErrors = m.counter(auto, "timestamp_parse_errors_total", "Authoritative finish timestamps that failed to parse")
	m.leaderboardRebuilds = m.counter(auto, "leaderboard_rebuilds_total", "Leaderboard projections recomputed")
	m.overtakes = m.counter(auto, "overtakes_total", "Overtake events emitted")

	m.snapshotPolls = m.counter(auto, "snapshot_polls_total", "Authoritative snapshot polls performed")
	m.snapshotPollErrors = m.counter(auto, "snapshot_poll_errors_total", "Authoritative snapshot polls that failed")
	m.snapshotPollLatency = m.histogram(auto, "snapshot_poll_latency_milliseconds", "Authoritative snapshot poll latency in milliseconds", m.histogramBuckets)

	m.broadcastPublished = m.counter(auto, "broadcast_published_total", "Local samples published to the broadcast channel")
	m.broadcastPublishErrors = m.counter(auto, "broadcast_publish_errors_total", "Local sample publishes that failed")
	m.broadcastDropped = m.counter(auto, "broadcast_dropped_total", "Broadcast messages dropped on full subscriber buffers")
	m.channelUnavailable = m.counter(auto, "channel_unavailable_total", "Broadcast subscriptions that could not be established")

	m.finishesRecorded = m.counter(auto, "finishes_recorded_total", "Local finishes written to the authoritative store")
	m.finishWriteErrors = m.counter(auto, "finish_write_errors_total", "Finish or ranked profile writes that failed")
	m.leaguePointDeltas = m.histogram(auto, "league_point_delta", "League point deltas awarded per ranked finish", leaguePointBuckets)
	m.promotions = m.counterVec(auto, "ladder_moves_total", "Ladder division moves by direction", "direction")

	m.lookupFailures = m.counter(auto, "lookup_failures_total", "Profile metadata lookups that failed")
	m.lookupLatency = m.histogram(auto, "lookup_latency_milliseconds", "Profile metadata lookup latency in milliseconds", m.histogramBuckets)

	m.activeSessions = m.gauge(auto, "active_sessions", "Race sessions currently running")
	m.relayClients = m.gauge(auto, "relay_clients", "Websocket clients connected to the relay")
	m.racesCreated = m.counter(auto, "races_created_total", "Races created through the API")

	m.queueSize = m.gauge(auto, "queue_size", "Current number of pending metadata lookups")
	m.queueCapacity = m.gauge(auto, "queue_capacity", "Maximum lookup queue capacity")
	m.queueUtilization = m.gauge(auto, "queue_utilization_ratio", "Lookup queue utilization (size / capacity)")
	m.queueEnqueueRate = m.counter(auto, "queue_enqueue_total", "Lookup requests enqueued")
	m.queueDequeueRate = m.counter(auto, "queue_dequeue_total", "Lookup requests dequeued")
	m.queueEnqueueErrors = m.counter(auto, "queue_enqueue_errors_total", "Lookup requests rejected by the queue")

	m.workerActiveCount = m.gauge(auto, "worker_active_count", "Lookup workers running")
	m.workerProcessingLatency = m.histogram(auto, "worker_processing_latency_milliseconds", "Lookup worker processing latency in milliseconds", m.histogramBuckets)
	m.workerErrorRate = m.counter(auto, "worker_errors_total", "Lookup worker errors")

	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        m.name("http_requests_total"),
			Help:        "Total number of HTTP requests by endpoint and method",
			ConstLabels: m.customLabels,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        m.name("http_request_duration_milliseconds"),
			Help:        "HTTP request duration in milliseconds",
			Buckets:     m.histogramBuckets,
			ConstLabels: m.customLabels,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorRateByComponent = m.counterVec(auto, "errors_by_component_total", "Errors by component and type", "component", "error_type")
	m.errorRateByType = m.counterVec(auto, "errors_by_type_total", "Errors by type and severity", "error_type", "severity")
	m.errorRateByEndpoint = m.counterVec(auto, "errors_by_endpoint_total", "Errors by endpoint, method and type", "endpoint", "method", "error_type")
	m.errorLatency = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        m.name("error_latency_milliseconds"),
			Help:        "Latency of operations that ended in an error",
			Buckets:     m.histogramBuckets,
			ConstLabels: m.customLabels,
		},
		[]string{"component", "error_type"},
	)

	m.systemMemoryUsage = m.gauge(auto, "system_memory_bytes", "Heap memory in use")
	m.systemGoroutineCount = m.gauge(auto, "system_goroutines", "Number of goroutines")
	m.systemGCPauseTime = m.histogram(auto, "system_gc_pause_milliseconds", "Average GC pause in milliseconds", m.histogramBuckets)
}

// Reconciliation.

// RecordSampleIngested increments the applied remote sample counter.
func RecordSampleIngested() { globalManager.samplesIngested.Inc() }

// RecordSampleMalformed increments the malformed payload counter.
func RecordSampleMalformed() { globalManager.samplesMalformed.Inc() }

// RecordSampleDuplicate increments the duplicate payload counter.
func RecordSampleDuplicate() { globalManager.samplesDuplicate.Inc() }

// RecordSampleIgnored counts a sample ignored for reason (self, closed, finished, departed).
func RecordSampleIgnored(reason string) {
	globalManager.samplesIgnored.WithLabelValues(reason).Inc()
}

// RecordStaleEviction counts a runner evicted in the given phase (in_race, post_race).
func RecordStaleEviction(phase string) {
	globalManager.staleEvictions.WithLabelValues(phase).Inc()
}

// RecordTimestampParseError counts an unparseable authoritative finish timestamp.
func RecordTimestampParseError() { globalManager.timestampParseErrors.Inc() }

// RecordLeaderboardRebuild counts a leaderboard projection.
func RecordLeaderboardRebuild() { globalManager.leaderboardRebuilds.Inc() }

// RecordOvertake counts an emitted overtake event.
func RecordOvertake() { globalManager.overtakes.Inc() }

// Polling.

// RecordSnapshotPoll records a completed authoritative poll and its latency.
func RecordSnapshotPoll(latencyMs float64) {
	globalManager.snapshotPolls.Inc()
	globalManager.snapshotPollLatency.Observe(latencyMs)
}

// RecordSnapshotPollError counts a failed authoritative poll.
func RecordSnapshotPollError() { globalManager.snapshotPollErrors.Inc() }

// Broadcast.

// RecordBroadcastPublished counts a published local sample.
func RecordBroadcastPublished() { globalManager.broadcastPublished.Inc() }

// RecordBroadcastPublishError counts a failed publish.
func RecordBroadcastPublishError() { globalManager.broadcastPublishErrors.Inc() }

// RecordBroadcastDropped counts a message dropped for a slow subscriber.
func RecordBroadcastDropped() { globalManager.broadcastDropped.Inc() }

// RecordChannelUnavailable counts a failed broadcast subscription.
func RecordChannelUnavailable() { globalManager.channelUnavailable.Inc() }

// Finish and ranking.

// RecordFinishRecorded counts a finish written to the store.
func RecordFinishRecorded() { globalManager.finishesRecorded.Inc() }

// RecordFinishWriteError counts a failed finish or profile write.
func RecordFinishWriteError() { globalManager.finishWriteErrors.Inc() }

// RecordLeaguePointDelta observes an awarded league point delta.
func RecordLeaguePointDelta(delta int) {
	globalManager.leaguePointDeltas.Observe(float64(delta))
}

// RecordLadderMove counts division moves in a direction (promotion, demotion).
func RecordLadderMove(direction string, steps int) {
	if steps <= 0 {
		return
	}
	globalManager.promotions.WithLabelValues(direction).Add(float64(steps))
}

// Lookups.

// RecordLookupFailure counts a failed metadata lookup.
func RecordLookupFailure() { globalManager.lookupFailures.Inc() }

// RecordLookupLatency observes metadata lookup latency.
func RecordLookupLatency(latencyMs float64) { globalManager.lookupLatency.Observe(latencyMs) }

// Sessions and relay.

// IncActiveSessions marks a session as started.
func IncActiveSessions() { globalManager.activeSessions.Inc() }

// DecActiveSessions marks a session as stopped.
func DecActiveSessions() { globalManager.activeSessions.Dec() }

// UpdateRelayClients sets the number of connected relay clients.
func UpdateRelayClients(count int) { globalManager.relayClients.Set(float64(count)) }

// RecordRaceCreated counts a race created through the API.
func RecordRaceCreated() { globalManager.racesCreated.Inc() }

// Queue.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) { globalManager.queueUtilization.Set(utilization) }

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueueRate.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeueRate.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// Worker.

// UpdateWorkerActiveCount sets the number of active workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActiveCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() { globalManager.workerErrorRate.Inc() }

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorLatency records the latency of an operation that resulted in an error.
func RecordErrorLatency(component, errorType string, latencyMs float64) {
	globalManager.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
}

// System.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
