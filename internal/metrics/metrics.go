// Package metrics exposes scheduler and inventory counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the daemon reports. Register it once at
// startup and pass it down; the scheduler updates it on each pass.
type Collector struct {
	schedulerPasses  prometheus.Counter
	schedulerErrors  prometheus.Counter
	batchesSubmitted *prometheus.CounterVec
	submitFailures   *prometheus.CounterVec
	assetsRequeued   prometheus.Counter
	assetsExhausted  prometheus.Counter
	fetchSkipped     prometheus.Counter
	assetsByStatus   *prometheus.GaugeVec
	productsByStatus *prometheus.GaugeVec
	passDuration     prometheus.Histogram
}

func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		schedulerPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gips_scheduler_passes_total",
			Help: "Total number of scheduler passes run",
		}),
		schedulerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gips_scheduler_errors_total",
			Help: "Total number of scheduler phase errors",
		}),
		batchesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gips_batches_submitted_total",
			Help: "Total number of batches submitted to the task queue",
		}, []string{"op"}),
		submitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gips_batch_submit_failures_total",
			Help: "Total number of batch submissions the backend rejected",
		}, []string{"op"}),
		assetsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gips_assets_requeued_total",
			Help: "Total number of stuck assets requeued by the repair pass",
		}),
		assetsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gips_assets_exhausted_total",
			Help: "Total number of assets failed after exhausting their retry budget",
		}),
		fetchSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gips_fetch_skipped_total",
			Help: "Total number of fetch phases skipped because a prior batch is still alive",
		}),
		assetsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gips_assets",
			Help: "Current number of asset rows by driver and status",
		}, []string{"driver", "status"}),
		productsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gips_products",
			Help: "Current number of product rows by driver and status",
		}, []string{"driver", "status"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gips_scheduler_pass_duration_seconds",
			Help:    "Duration of one full scheduler pass in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.schedulerPasses,
		c.schedulerErrors,
		c.batchesSubmitted,
		c.submitFailures,
		c.assetsRequeued,
		c.assetsExhausted,
		c.fetchSkipped,
		c.assetsByStatus,
		c.productsByStatus,
		c.passDuration,
	)
	return c
}

func (c *Collector) RecordPass(seconds float64) {
	c.schedulerPasses.Inc()
	c.passDuration.Observe(seconds)
}

func (c *Collector) RecordError() {
	c.schedulerErrors.Inc()
}

func (c *Collector) RecordSubmit(op string, ok bool) {
	if ok {
		c.batchesSubmitted.WithLabelValues(op).Inc()
	} else {
		c.submitFailures.WithLabelValues(op).Inc()
	}
}

func (c *Collector) RecordRepair(requeued, exhausted int64) {
	c.assetsRequeued.Add(float64(requeued))
	c.assetsExhausted.Add(float64(exhausted))
}

func (c *Collector) RecordFetchSkipped() {
	c.fetchSkipped.Inc()
}

func (c *Collector) SetAssetCount(driver, status string, n int) {
	c.assetsByStatus.WithLabelValues(driver, status).Set(float64(n))
}

func (c *Collector) SetProductCount(driver, status string, n int) {
	c.productsByStatus.WithLabelValues(driver, status).Set(float64(n))
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
