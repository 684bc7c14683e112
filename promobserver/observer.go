// Package promobserver exports store metrics to Prometheus.
//
//	obs, err := promobserver.New(prometheus.DefaultRegisterer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	db, err := vecstore.Open("./data", vecstore.WithMetricsObserver(obs))
//
//	http.Handle("/metrics", promhttp.Handler())
package promobserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/vecstore"
)

// Namespace prefixes every metric name.
const Namespace = "vecstore"

var _ vecstore.MetricsObserver = (*Observer)(nil)

// Observer implements vecstore.MetricsObserver with Prometheus collectors.
type Observer struct {
	opLatency    *prometheus.HistogramVec
	records      *prometheus.CounterVec
	queryVectors prometheus.Counter
	leaseWait    prometheus.Histogram
	leaseErrors  prometheus.Counter
	replays      prometheus.Counter
	replayed     prometheus.Counter
}

// New creates an observer and registers its collectors with reg.
func New(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of store operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_total",
			Help:      "Records written or read",
		}, []string{"op"}),
		queryVectors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "query_vectors_total",
			Help:      "Query embeddings evaluated",
		}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for the write lease",
			Buckets:   []float64{.0001, .001, .01, .05, .1, .5, 1, 5},
		}),
		leaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lease_errors_total",
			Help:      "Write lease acquisitions that failed",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "segment_replays_total",
			Help:      "Segment logs replayed from disk",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "segment_replayed_entries_total",
			Help:      "Entries replayed from segment logs",
		}),
	}

	for _, c := range []prometheus.Collector{
		o.opLatency, o.records, o.queryVectors, o.leaseWait, o.leaseErrors, o.replays, o.replayed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (o *Observer) OnWrite(op string, records int, d time.Duration, err error) {
	o.opLatency.WithLabelValues(op, status(err)).Observe(d.Seconds())
	if err == nil {
		o.records.WithLabelValues(op).Add(float64(records))
	}
}

func (o *Observer) OnRead(op string, records int, d time.Duration, err error) {
	o.opLatency.WithLabelValues(op, status(err)).Observe(d.Seconds())
	if err == nil {
		o.records.WithLabelValues(op).Add(float64(records))
	}
}

func (o *Observer) OnQuery(queries, _ int, d time.Duration, err error) {
	o.opLatency.WithLabelValues("query", status(err)).Observe(d.Seconds())
	if err == nil {
		o.queryVectors.Add(float64(queries))
	}
}

func (o *Observer) OnLease(wait time.Duration, err error) {
	o.leaseWait.Observe(wait.Seconds())
	if err != nil {
		o.leaseErrors.Inc()
	}
}

// OnReplay counts replays. The collection id is not used as a label to keep
// cardinality bounded.
func (o *Observer) OnReplay(_ string, entries int, _ time.Duration) {
	o.replays.Inc()
	o.replayed.Add(float64(entries))
}
