package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "referralfees"

// Metrics process-wide registry and collectors
type Metrics struct {
	Registry *prometheus.Registry

	PagesFetched     prometheus.Counter
	FetchErrors      prometheus.Counter
	RecordsSeen      prometheus.Counter
	RecordsAppended  prometheus.Counter
	RecordsBeyond    prometheus.Counter
	RecordsRejected  prometheus.Counter
	CheckpointCursor prometheus.Gauge

	AggregateRows    *prometheus.CounterVec // outcome=processed|skipped_no_token|skipped_no_price|malformed|filtered
	Publishes        *prometheus.CounterVec // result=ok|error
	SnapshotUnixTime prometheus.Gauge

	MirrorRows *prometheus.CounterVec // result=ok|error

	HTTPRequests *prometheus.CounterVec // code
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "pages_fetched_total",
			Help: "Upstream pages fetched successfully.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "fetch_errors_total",
			Help: "Upstream fetches that failed.",
		}),
		RecordsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "records_seen_total",
			Help: "Records received from upstream.",
		}),
		RecordsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "records_appended_total",
			Help: "Records appended to the ledger.",
		}),
		RecordsBeyond: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "records_beyond_boundary_total",
			Help: "Records dropped because they are newer than the snapshot boundary.",
		}),
		RecordsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "records_rejected_total",
			Help: "Records the ledger refused to store.",
		}),
		CheckpointCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "checkpoint_cursor",
			Help: "Next upstream page to fetch.",
		}),
		AggregateRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "rows_total",
			Help: "Ledger rows by aggregation outcome.",
		}, []string{"outcome"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publish", Name: "artifacts_total",
			Help: "Snapshot artifact publications by result.",
		}, []string{"result"}),
		SnapshotUnixTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "snapshot_timestamp_seconds",
			Help: "Unix time of the last computed snapshot.",
		}),
		MirrorRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mirror", Name: "rows_total",
			Help: "Rows written to the ClickHouse mirror by result.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "http_requests_total",
			Help: "HTTP requests served by status code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PagesFetched,
		m.FetchErrors,
		m.RecordsSeen,
		m.RecordsAppended,
		m.RecordsBeyond,
		m.RecordsRejected,
		m.CheckpointCursor,
		m.AggregateRows,
		m.Publishes,
		m.SnapshotUnixTime,
		m.MirrorRows,
		m.HTTPRequests,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Push batch runs have no scrape window; empty url -> no-op
func (m *Metrics) Push(ctx context.Context, url, job, instance string) error {
	if url == "" {
		return nil
	}

	p := push.New(url, job).Gatherer(m.Registry)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s, error=%w", url, err)
	}
	return nil
}
