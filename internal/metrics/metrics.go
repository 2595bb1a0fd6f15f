// Package metrics provides Prometheus metrics for the document portal.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docportal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docportal_content_bytes_downloaded_total",
			Help: "Total bytes relayed from the drive to clients",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docportal_content_bytes_uploaded_total",
			Help: "Total bytes pushed to the drive",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_content_downloads_total",
			Help: "Total number of file downloads",
		},
		[]string{"category", "status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_content_uploads_total",
			Help: "Total number of uploaded files",
		},
		[]string{"category", "status"},
	)

	// Remote drive metrics
	driveOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docportal_drive_operation_duration_seconds",
			Help:    "Remote drive API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	driveOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_drive_operations_total",
			Help: "Total remote drive API calls",
		},
		[]string{"backend", "operation", "status"},
	)

	tokenExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_token_exchanges_total",
			Help: "Client-credential exchanges against the identity provider",
		},
		[]string{"result"},
	)

	folderCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_folder_cache_lookups_total",
			Help: "Folder resolver cache lookups",
		},
		[]string{"result"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docportal_rate_limit_hits_total",
			Help: "Requests rejected by the login rate limiter",
		},
	)

	contactMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_contact_messages_total",
			Help: "Contact form messages sent",
		},
		[]string{"status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docportal_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docportal_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a file relayed to a client.
func RecordContentDownload(category string, bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(category, status(success)).Inc()
}

// RecordContentUpload records a file pushed to the drive.
func RecordContentUpload(category string, bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(category, status(success)).Inc()
}

// RecordDriveOperation records a remote drive API call.
func RecordDriveOperation(backend, operation string, duration time.Duration, success bool) {
	driveOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	driveOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordTokenExchange records a client-credential exchange.
func RecordTokenExchange(success bool) {
	tokenExchangesTotal.WithLabelValues(status(success)).Inc()
}

// RecordFolderCache records a folder cache hit or miss.
func RecordFolderCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	folderCacheTotal.WithLabelValues(result).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordContactMessage records a contact form dispatch.
func RecordContactMessage(success bool) {
	contactMessagesTotal.WithLabelValues(status(success)).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// It must sit directly outside the ServeMux: the route label comes from
// r.Pattern, which the mux sets on the request it receives.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
