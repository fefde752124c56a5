package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meet_transcriber_active_sessions",
		Help: "Number of transcription sessions that have not reached a terminal state",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_sessions_total",
		Help: "Total number of sessions by terminal status",
	}, []string{"status"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meet_transcriber_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	connectLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meet_transcriber_connect_latency_seconds",
		Help:    "Time to join the conference",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
	}, []string{"status"})

	// Recognizer metrics
	activeRecognizers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meet_transcriber_active_recognizers",
		Help: "Number of attached streaming recognizers",
	})

	transcriptLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_transcript_lines_total",
		Help: "Transcript lines emitted by finality",
	}, []string{"kind"}) // kind: "interim" or "final"

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_audio_frames_dropped_total",
		Help: "Audio frames dropped before reaching the ASR",
	}, []string{"reason"})

	audioBytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meet_transcriber_audio_bytes_total",
		Help: "Audio bytes forwarded to the ASR",
	})

	recognizerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_recognizer_errors_total",
		Help: "Terminal recognizer errors by kind",
	}, []string{"kind"})

	// Broadcast metrics
	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meet_transcriber_subscribers",
		Help: "Number of connected observers",
	})

	broadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_broadcast_dropped_total",
		Help: "Events dropped for slow observers",
	}, []string{"type"})

	// Q&A metrics
	qaRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_qa_requests_total",
		Help: "Total number of Q&A requests",
	}, []string{"trigger", "status"})

	qaLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meet_transcriber_qa_latency_seconds",
		Help:    "Q&A processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Persistence metrics
	storeWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_store_writes_total",
		Help: "Persistence writes by sink and status",
	}, []string{"sink", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meet_transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single transcription session
type SessionMetrics struct {
	sessionID    string
	startTime    time.Time
	connectStart time.Time
	ended        bool
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the terminal status of a session. Only the first call counts.
func (m *SessionMetrics) RecordSessionEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	sessionsTotal.WithLabelValues(status).Inc()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordConnectStart records the start of the conference join
func (m *SessionMetrics) RecordConnectStart() {
	m.mu.Lock()
	m.connectStart = time.Now()
	m.mu.Unlock()
}

// RecordConnectEnd records the end of the conference join
func (m *SessionMetrics) RecordConnectEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	if !m.connectStart.IsZero() {
		connectLatency.WithLabelValues(status).Observe(time.Since(m.connectStart).Seconds())
	}
}

// RecordLine records an emitted transcript line
func (m *SessionMetrics) RecordLine(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	transcriptLines.WithLabelValues(kind).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecognizerAttached adjusts the live recognizer gauge
func RecognizerAttached() {
	activeRecognizers.Inc()
}

// RecognizerDetached adjusts the live recognizer gauge
func RecognizerDetached() {
	activeRecognizers.Dec()
}

// RecordRecognizerError counts a terminal recognizer error
func RecordRecognizerError(kind string) {
	recognizerErrors.WithLabelValues(kind).Inc()
}

// RecordFramesDropped counts frames that never reached the ASR
func RecordFramesDropped(reason string, n int) {
	framesDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordAudioBytes records audio bytes forwarded to the ASR
func RecordAudioBytes(bytes int) {
	audioBytesProcessed.Add(float64(bytes))
}

// SubscriberAdded adjusts the observer gauge
func SubscriberAdded() {
	subscribers.Inc()
}

// SubscriberRemoved adjusts the observer gauge
func SubscriberRemoved() {
	subscribers.Dec()
}

// RecordBroadcastDrop counts an event that an observer could not take
func RecordBroadcastDrop(eventType string) {
	broadcastDropped.WithLabelValues(eventType).Inc()
}

// RecordQA records one Q&A round trip
func RecordQA(trigger string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	qaRequests.WithLabelValues(trigger, status).Inc()
	qaLatency.Observe(latency.Seconds())
}

// RecordStoreWrite records one persistence write
func RecordStoreWrite(sink, status string) {
	storeWrites.WithLabelValues(sink, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
