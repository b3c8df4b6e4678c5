package metrics

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/reflash/internal/update"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all reflash metrics.
type Registry struct {
	// Update sessions
	Sessions       *prometheus.CounterVec
	PagesCompared  *prometheus.CounterVec
	PagesSkipped   *prometheus.CounterVec
	PagesWritten   *prometheus.CounterVec
	BytesErased    *prometheus.CounterVec
	RunsFlushed    *prometheus.CounterVec
	ReadFailures   *prometheus.CounterVec
	SessionLatency *prometheus.HistogramVec
	UploadProgress *prometheus.GaugeVec
	ActiveSessions prometheus.Gauge

	// Flash device
	DeviceOps   *prometheus.GaugeVec
	DeviceBytes *prometheus.GaugeVec

	// Captive portal DNS
	DNSQueries *prometheus.CounterVec

	// System
	Uptime      prometheus.Gauge
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_update_sessions_total",
		Help: "Update sessions by region and outcome",
	}, []string{"region", "outcome"})

	r.PagesCompared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_update_pages_compared_total",
		Help: "Erase units compared against stored contents",
	}, []string{"region"})

	r.PagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_update_pages_skipped_total",
		Help: "Erase units left untouched because they already matched",
	}, []string{"region"})

	r.PagesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_update_pages_written_total",
		Help: "Erase units erased and rewritten",
	}, []string{"region"})

	r.BytesErased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_update_bytes_erased_total",
		Help: "Bytes erased by update sessions",
	}, []string{"region"})

	r.RunsFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_update_runs_flushed_total",
		Help: "Contiguous differing runs flushed to storage",
	}, []string{"region"})

	r.ReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_update_read_failures_total",
		Help: "Comparison reads that failed and were treated as differing",
	}, []string{"region"})

	r.SessionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reflash_update_session_duration_seconds",
		Help:    "Wall time of update sessions",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"region"})

	r.UploadProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reflash_upload_progress_bytes",
		Help: "Bytes received by the running session for each region",
	}, []string{"region"})

	r.ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reflash_update_sessions_active",
		Help: "Sessions currently receiving",
	})

	r.DeviceOps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reflash_flash_operations",
		Help: "Operations issued against the flash device since start",
	}, []string{"op"})

	r.DeviceBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reflash_flash_bytes",
		Help: "Bytes moved by flash operations since start",
	}, []string{"op"})

	r.DNSQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_portal_dns_queries_total",
		Help: "Captive portal DNS queries",
	}, []string{"type", "result"})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reflash_uptime_seconds",
		Help: "Seconds since the daemon started",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflash_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reflash_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// Outcome labels a finished session: "complete", or the failure category.
func Outcome(res *update.Result, err error) string {
	if err == nil {
		return "complete"
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, update.ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, update.ErrStreamTimeout):
		return "timeout"
	case errors.Is(err, update.ErrStreamIncomplete):
		return "incomplete"
	case errors.Is(err, update.ErrStorageRead), errors.Is(err, update.ErrStorageErase), errors.Is(err, update.ErrStorageWrite):
		return "storage"
	}
	if res != nil && res.Phase != "" {
		return string(res.Phase)
	}
	return "error"
}

// ObserveResult records a finished session.
func (r *Registry) ObserveResult(res *update.Result, err error) {
	if res == nil {
		return
	}
	region := res.Region
	r.Sessions.WithLabelValues(region, Outcome(res, err)).Inc()
	r.PagesCompared.WithLabelValues(region).Add(float64(res.PagesCompared))
	r.PagesSkipped.WithLabelValues(region).Add(float64(res.PagesSkipped))
	r.PagesWritten.WithLabelValues(region).Add(float64(res.PagesWritten))
	r.BytesErased.WithLabelValues(region).Add(float64(res.BytesErased))
	r.RunsFlushed.WithLabelValues(region).Add(float64(res.RunsFlushed))
	r.ReadFailures.WithLabelValues(region).Add(float64(res.ReadFailures))
	r.SessionLatency.WithLabelValues(region).Observe(float64(res.DurationMS) / 1000)
	r.UploadProgress.DeleteLabelValues(region)
}

// ProgressReporter mirrors session progress into the upload gauge.
func (r *Registry) ProgressReporter() update.Reporter {
	return update.ReporterFunc(func(p update.Progress) {
		if p.State.Terminal() {
			r.UploadProgress.DeleteLabelValues(p.Region)
			return
		}
		r.UploadProgress.WithLabelValues(p.Region).Set(float64(p.BytesReceived))
	})
}

// RecordDNSQuery records a captive-portal lookup.
func (r *Registry) RecordDNSQuery(qtype, result string) {
	r.DNSQueries.WithLabelValues(qtype, result).Inc()
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}
