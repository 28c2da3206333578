// Package metrics holds the Prometheus collectors for the HTTP surface and
// the extraction workers. A nil *Metrics records nothing.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mnemo/internal/models"
)

// JobCounter reports current job counts by status.
type JobCounter interface {
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// Metrics owns a private registry and its collectors.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	uploadsTotal    *prometheus.CounterVec
	uploadBytes     prometheus.Histogram
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	blobsReclaimed  prometheus.Counter
}

// New registers the collectors. jobs may be nil.
func New(jobs JobCounter) *Metrics {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemo_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	uploadsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_uploads_total",
		Help: "Upload attempts by outcome",
	}, []string{"outcome"})

	uploadBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mnemo_upload_size_bytes",
		Help:    "Size of accepted uploads",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	jobsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_extraction_jobs_finished_total",
		Help: "Finished extraction jobs by strategy, status and error kind",
	}, []string{"strategy", "status", "error_kind"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemo_extraction_job_duration_seconds",
		Help:    "Extraction run time by strategy",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"strategy"})

	jobsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mnemo_extraction_jobs_in_flight",
		Help: "Jobs currently held by workers in this process",
	})

	blobsReclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mnemo_blobs_reclaimed_total",
		Help: "Unreferenced blobs whose bytes were deleted",
	})

	registry.MustRegister(requestDuration, requestTotal, uploadsTotal, uploadBytes,
		jobsFinished, jobDuration, jobsInFlight, blobsReclaimed)
	if jobs != nil {
		registry.MustRegister(newQueueCollector(jobs))
	}

	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		uploadsTotal:    uploadsTotal,
		uploadBytes:     uploadBytes,
		jobsFinished:    jobsFinished,
		jobDuration:     jobDuration,
		jobsInFlight:    jobsInFlight,
		blobsReclaimed:  blobsReclaimed,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, route, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, route, labelStatus).Inc()
}

// ObserveUpload records one upload; outcome is "accepted" or an error kind.
func (m *Metrics) ObserveUpload(outcome string, size int64) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		m.uploadBytes.Observe(float64(size))
	}
}

func (m *Metrics) JobStarted(strategy models.Strategy) {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

func (m *Metrics) JobFinished(strategy models.Strategy, status models.JobStatus, kind models.ErrorKind, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
	m.jobsFinished.WithLabelValues(string(strategy), string(status), string(kind)).Inc()
	m.jobDuration.WithLabelValues(string(strategy)).Observe(duration.Seconds())
}

func (m *Metrics) BlobsReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.blobsReclaimed.Add(float64(n))
}

// queueCollector reads job counts from the store at scrape time.
type queueCollector struct {
	jobs JobCounter
	desc *prometheus.Desc
}

func newQueueCollector(jobs JobCounter) *queueCollector {
	return &queueCollector{
		jobs: jobs,
		desc: prometheus.NewDesc("mnemo_extraction_jobs", "Extraction jobs by status", []string{"status"}, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := c.jobs.CountJobsByStatus(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, status := range []models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
