// Package metrics exposes worker and queue instrumentation in Prometheus
// format.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/store"
)

const (
	namespace     = "vidbridge"
	scrapeTimeout = 5 * time.Second
)

// Metrics holds the worker's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	jobsFinished     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	bytesTransferred prometheus.Counter
	inFlight         prometheus.Gauge
	claims           prometheus.Counter
}

// New registers the worker collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that left a worker, by outcome.",
		}, []string{"outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), //nolint:mnd // 1s .. ~4.5h
		}, []string{"outcome"}),
		bytesTransferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Bytes of completed uploads.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently held by this worker.",
		}),
		claims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Successful job claims.",
		}),
	}
}

// JobClaimed counts a claim and marks the job in flight.
func (m *Metrics) JobClaimed() {
	if m == nil {
		return
	}

	m.claims.Inc()
	m.inFlight.Inc()
}

// JobFinished records a job's outcome. bytes is non-zero only for uploads.
func (m *Metrics) JobFinished(outcome string, d time.Duration, bytes int64) {
	if m == nil {
		return
	}

	m.inFlight.Dec()
	m.jobsFinished.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())

	if bytes > 0 {
		m.bytesTransferred.Add(float64(bytes))
	}
}

// QueueSource is what the queue collector reads at scrape time.
type QueueSource interface {
	StatusSummary(ctx context.Context, ownerID string) (store.Summary, error)
}

// QuotaSource is what the quota collector reads at scrape time.
type QuotaSource interface {
	Summary(ctx context.Context, ownerID string) (*quota.Usage, error)
}

// stateCollector reports queue depth per status and shared quota usage by
// querying the store on each scrape.
type stateCollector struct {
	queue  QueueSource
	quota  QuotaSource
	logger *slog.Logger

	jobs      *prometheus.Desc
	quotaUsed *prometheus.Desc
	quotaLeft *prometheus.Desc
}

// RegisterState adds scrape-time queue and quota gauges to reg. quota may
// be nil.
func RegisterState(reg prometheus.Registerer, queue QueueSource, q QuotaSource, logger *slog.Logger) error {
	return reg.Register(&stateCollector{
		queue:  queue,
		quota:  q,
		logger: logger,
		jobs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs in the queue by status.", []string{"status"}, nil),
		quotaUsed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "quota", "used_units"),
			"Quota units used in the current window.", nil, nil),
		quotaLeft: prometheus.NewDesc(prometheus.BuildFQName(namespace, "quota", "remaining_units"),
			"Quota units left in the current window.", nil, nil),
	})
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.quotaUsed
	ch <- c.quotaLeft
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	summary, err := c.queue.StatusSummary(ctx, "")
	if err != nil {
		c.logger.Warn("metrics: reading queue summary", slog.String("error", err.Error()))
	} else {
		for _, st := range store.AllStatuses {
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(summary[st]), string(st))
		}
	}

	if c.quota == nil {
		return
	}

	usage, err := c.quota.Summary(ctx, "")
	if err != nil {
		c.logger.Warn("metrics: reading quota summary", slog.String("error", err.Error()))
		return
	}

	ch <- prometheus.MustNewConstMetric(c.quotaUsed, prometheus.GaugeValue, float64(usage.Used))
	ch <- prometheus.MustNewConstMetric(c.quotaLeft, prometheus.GaugeValue, float64(usage.Remaining))
}

// Handler serves reg's metrics.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
