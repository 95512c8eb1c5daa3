package pulse

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Imhermes1/familyhub/internal/pulse"

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_mutations_total",
		Help: "Optimistic mutations by kind, operation and outcome",
	}, []string{"kind", "op", "outcome"})

	checkinsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_checkins_suppressed_total",
		Help: "Automated check-ins dropped because manual-only mode is enabled",
	})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_sync_runs_total",
		Help: "Per-kind reconciliation passes by outcome",
	}, []string{"kind", "outcome"})

	mergeRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_merge_records_total",
		Help: "Fetched records by merge result",
	}, []string{"kind", "result"})

	feedRebuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_feed_rebuild_seconds",
		Help:    "Duration of full feed aggregation",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})

	snapshotWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_snapshot_writes_total",
		Help: "Widget snapshot writes by outcome",
	}, []string{"outcome"})
)

const (
	outcomeOK         = "ok"
	outcomeRolledBack = "rolled_back"
	outcomeError      = "error"
	outcomeSkipped    = "skipped"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
