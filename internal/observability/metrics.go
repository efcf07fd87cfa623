package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	callTransitionsTotal        *prometheus.CounterVec
	signalFramesTotal           *prometheus.CounterVec
	chatConnectionsTotal        prometheus.Counter
	chatMessagesTotal           *prometheus.CounterVec
	sseClientsActive            prometheus.Gauge
	notificationsPublishedTotal *prometheus.CounterVec
	presenceUpdatesTotal        *prometheus.CounterVec
	uploadLatencySeconds        prometheus.Histogram
	uploadRejectedTotal         *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used across the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		callTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "call_transitions_total",
			Help: "Total number of call-request status transitions.",
		}, []string{"to_status"})

		signalFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_frames_total",
			Help: "Total number of signaling frames relayed between peers.",
		}, []string{"type"})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of chat websocket connections accepted.",
		})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of chat messages posted.",
		}, []string{"kind"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sse_clients_active",
			Help: "Number of currently connected notification stream clients.",
		})

		notificationsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Total number of notifications fanned out to subscribers.",
		}, []string{"type"})

		presenceUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_updates_total",
			Help: "Total number of presence recomputations, labelled by result.",
		}, []string{"status"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_latency_seconds",
			Help:    "Latency distribution for attachment uploads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_rejected_total",
			Help: "Total number of rejected attachment uploads by reason.",
		}, []string{"reason"})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			callTransitionsTotal, signalFramesTotal,
			chatConnectionsTotal, chatMessagesTotal,
			sseClientsActive, notificationsPublishedTotal,
			presenceUpdatesTotal,
			uploadLatencySeconds, uploadRejectedTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// CallTransitions exposes the counter for call status transitions.
func CallTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return callTransitionsTotal
}

// SignalFrames exposes the counter for relayed signaling frames.
func SignalFrames() *prometheus.CounterVec {
	RegisterMetrics()
	return signalFramesTotal
}

// ChatConnectionsTotal exposes the counter for accepted chat connections.
func ChatConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatMessagesTotal exposes the counter for posted chat messages.
func ChatMessagesTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// SSEClientsActive exposes the gauge for connected stream clients.
func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}

// NotificationsPublishedTotal exposes the counter for fanned-out notifications.
func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsPublishedTotal
}

// PresenceUpdates exposes the counter for presence recomputations.
func PresenceUpdates() *prometheus.CounterVec {
	RegisterMetrics()
	return presenceUpdatesTotal
}

// UploadLatency exposes the histogram for attachment upload latency.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

// UploadRejected exposes the counter for rejected uploads.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}
