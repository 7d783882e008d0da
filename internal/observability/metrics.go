package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MicroBook.
type Metrics struct {
	// --- Stream processing ---
	DeltasProcessed *prometheus.CounterVec
	DeltasRejected  *prometheus.CounterVec
	DeltaOutcome    *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	BookDepth       *prometheus.GaugeVec
	LastUpdateID    *prometheus.GaugeVec

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	WSMessagesReceived *prometheus.CounterVec
	WSReconnects       *prometheus.CounterVec

	// --- Writer ---
	WriterLinesWritten prometheus.Counter
	WriterBatchSize    prometheus.Histogram
	WriterRotations    prometheus.Counter
	WriterErrors       *prometheus.CounterVec
	WriterRetry        prometheus.Counter

	// --- Audit store ---
	AuditFlushes  prometheus.Counter
	AuditErrors   prometheus.Counter
	AuditFlushDur prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Stream processing
		DeltasProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mdbook_deltas_processed_total",
			Help: "Deltas handed to the stream processor",
		}, []string{"stream"}),

		DeltasRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mdbook_deltas_rejected_total",
			Help: "Raw messages rejected before book apply (bad_json, schema, overflow)",
		}, []string{"stream", "reason"}),

		DeltaOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mdbook_delta_outcome_total",
			Help: "Continuity/book outcome per delta (accepted, gap, duplicate, crossed)",
		}, []string{"stream", "outcome"}),

		ApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdbook_apply_duration_seconds",
			Help:    "Time to normalize and apply a single delta",
			Buckets: applyBuckets,
		}, []string{"stream"}),

		BookDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdbook_book_depth_levels",
			Help: "Current levels held per book side",
		}, []string{"stream", "side"}),

		LastUpdateID: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdbook_last_update_id",
			Help: "Last accepted update id per stream",
		}, []string{"stream"}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdbook_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdbook_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdbook_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mdbook_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}, []string{"stream"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdbook_persist_backpressure_total",
			Help: "Times a stream processor blocked on the persist channel",
		}),

		// Ingestion
		WSMessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mdbook_ws_messages_received_total",
			Help: "Raw websocket messages received",
		}, []string{"stream"}),

		WSReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mdbook_ws_reconnects_total",
			Help: "Websocket reconnect attempts",
		}, []string{"stream"}),

		// Writer
		WriterLinesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdbook_writer_lines_written_total",
			Help: "JSONL lines written",
		}),

		WriterBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdbook_writer_batch_size",
			Help:    "Lines per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		WriterRotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdbook_writer_rotations_total",
			Help: "Minute-bucket file rotations",
		}),

		WriterErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mdbook_writer_errors_total",
			Help: "Writer errors",
		}, []string{"error_type"}),

		WriterRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdbook_writer_retry_total",
			Help: "Writer flush retries",
		}),

		// Audit store
		AuditFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdbook_audit_flushes_total",
			Help: "Audit summaries flushed to Postgres",
		}),

		AuditErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdbook_audit_errors_total",
			Help: "Audit store errors",
		}),

		AuditFlushDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdbook_audit_flush_duration_seconds",
			Help:    "Audit flush duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
