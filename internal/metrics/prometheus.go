package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsight_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callsight_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	IngestConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callsight_ingest_connections_active",
		Help: "Open carrier/native WebSocket connections",
	})

	AudioFramesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsight_audio_frames_published_total",
		Help: "Audio frames published to the bus",
	})

	BusPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsight_bus_publish_errors_total",
		Help: "Failed bus publishes",
	}, []string{"topic"})

	ProviderSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callsight_provider_sessions_active",
		Help: "Open ASR provider sessions",
	})

	ProviderSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsight_provider_sends_total",
		Help: "Audio payloads sent to the ASR provider",
	}, []string{"provider"})

	ProviderSendBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsight_provider_send_bytes_total",
		Help: "Audio bytes sent to the ASR provider",
	})

	SendsBlockedNotReady = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsight_sends_blocked_not_ready_total",
		Help: "Sends aborted because the provider transport was not open",
	})

	ProviderReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsight_provider_reconnects_total",
		Help: "Provider session reopen attempts",
	})

	AggregatorStarvation = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsight_aggregator_starvation_total",
		Help: "First-audio deadline flushes with a partial buffer",
	})

	TranscriptsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsight_transcripts_published_total",
		Help: "Transcript events published to the bus",
	}, []string{"kind"})

	TranscriptsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsight_transcripts_forwarded_total",
		Help: "Transcript fragments forwarded to the app API",
	})

	ForwardDeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callsight_forward_dead_letters",
		Help: "Entries currently held in the forwarder dead-letter queue",
	})

	SSEClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callsight_sse_clients_active",
		Help: "Connected SSE clients",
	})

	SSEClientsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsight_sse_clients_evicted_total",
		Help: "SSE clients evicted by cap overflow, idleness or backpressure",
	}, []string{"reason"})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsight_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"purpose", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callsight_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"purpose"})

	UtterancesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsight_utterances_persisted_total",
		Help: "Utterance rows upserted",
	})
)
