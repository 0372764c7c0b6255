package metrics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "apexd"
)

var (
	Debug                bool
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	platformRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "platform_request_duration_seconds",
		Help:      "Latency of Salesforce API calls by method",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{
		"method",
	})

	platformErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "platform_errors_total",
		Help:      "Count of Salesforce API errors by method and error code",
	}, []string{
		"method",
		"code",
	})

	platformRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "platform_retries_total",
		Help:      "Count of retried Salesforce API calls",
	}, []string{
		"method",
	})

	cacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cache_requests_total",
		Help:      "Count of cache lookups by result",
	}, []string{
		"result",
	})

	activePollers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_pollers",
		Help:      "Number of test runs currently being polled",
	})

	pollTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "poll_ticks_total",
		Help:      "Count of poller ticks by outcome",
	}, []string{
		"outcome",
	})

	testRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_runs_total",
		Help:      "Count of test runs by final state",
	}, []string{
		"state",
	})

	traceRestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "trace_restores_total",
		Help:      "Count of trace flag restore attempts by result",
	}, []string{
		"result",
	})

	extractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "extraction_duration_seconds",
		Help:      "Duration of analytics extraction for a batch of completed queue items",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	logsExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "logs_extracted_total",
		Help:      "Count of debug logs scanned for analytics markers",
	})

	analyticsEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "analytics_events_total",
		Help:      "Count of analytics events extracted from debug logs",
	})

	markerParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "marker_parse_errors_total",
		Help:      "Count of analytics marker blocks that failed to parse",
	})

	sinkUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "sink_uploads_total",
		Help:      "Count of bulk uploads to the analytics sink by result",
	}, []string{
		"sink",
		"result",
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "notifications_total",
		Help:      "Count of published notifications by event",
	}, []string{
		"event",
	})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "subscribers",
		Help:      "Number of connected notification subscribers",
	})

	subscribersDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "subscribers_dropped_total",
		Help:      "Count of subscribers dropped because their buffer was full",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "http_requests_total",
		Help:      "Count of API requests by route and status code",
	}, []string{
		"route",
		"status_code",
	})
)

func errLabel(err error) string {
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label removing non-alpha chars
func RecordErrorDetails(label string, err error) {
	label = fmt.Sprintf("%s.%s", label, errLabel(err))
	RecordError(label)
}

func RecordPlatformLatency(method string, latency time.Duration) {
	if Debug {
		log.Debug("metric observe",
			"m", "platform_request_duration_seconds",
			"method", method,
			"latency", latency)
	}
	platformRequestDuration.WithLabelValues(method).Observe(latency.Seconds())
}

func RecordPlatformError(method string, code string) {
	if Debug {
		log.Debug("metric inc",
			"m", "platform_errors_total",
			"method", method,
			"code", code)
	}
	platformErrorsTotal.WithLabelValues(method, code).Inc()
}

func RecordPlatformRetry(method string) {
	platformRetriesTotal.WithLabelValues(method).Inc()
}

func RecordCacheHit() {
	cacheRequestsTotal.WithLabelValues("hit").Inc()
}

func RecordCacheMiss() {
	cacheRequestsTotal.WithLabelValues("miss").Inc()
}

func RecordCacheError() {
	cacheRequestsTotal.WithLabelValues("error").Inc()
}

func IncActivePollers() {
	activePollers.Inc()
}

func DecActivePollers() {
	activePollers.Dec()
}

func RecordPollTick(outcome string) {
	if Debug {
		log.Debug("metric inc",
			"m", "poll_ticks_total",
			"outcome", outcome)
	}
	pollTicksTotal.WithLabelValues(outcome).Inc()
}

func RecordTestRun(state string) {
	testRunsTotal.WithLabelValues(state).Inc()
}

func RecordTraceRestore(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	traceRestoresTotal.WithLabelValues(result).Inc()
}

func RecordExtraction(duration time.Duration, logs int, events int) {
	if Debug {
		log.Debug("metric observe",
			"m", "extraction_duration_seconds",
			"duration", duration,
			"logs", logs,
			"events", events)
	}
	extractionDuration.Observe(duration.Seconds())
	logsExtractedTotal.Add(float64(logs))
	analyticsEventsTotal.Add(float64(events))
}

func RecordMarkerParseError() {
	markerParseErrorsTotal.Inc()
}

func RecordSinkUpload(sink string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	sinkUploadsTotal.WithLabelValues(sink, result).Inc()
}

func RecordNotification(event string) {
	notificationsTotal.WithLabelValues(event).Inc()
}

func SetSubscribers(count int) {
	subscribers.Set(float64(count))
}

func RecordSubscriberDropped() {
	subscribersDroppedTotal.Inc()
}

func RecordHTTPRequest(route string, statusCode int) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
}
