package mlflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mlflow-go/internal/telemetry"
)

const instrumentationScope = "github.com/ashita-ai/mlflow-go"

// writerInstruments are shared by every RunWriter in the process. They are
// created against the global meter provider, which forwards to whatever
// provider telemetry.Init installs later.
type writerInstruments struct {
	metricsFlushed metric.Int64Counter
	batches        metric.Int64Counter
	flushErrors    metric.Int64Counter
	flushDuration  metric.Float64Histogram
}

var (
	instrumentsOnce sync.Once
	instruments     *writerInstruments
)

func writerMetrics() *writerInstruments {
	instrumentsOnce.Do(func() {
		meter := telemetry.Meter(instrumentationScope)
		wi := &writerInstruments{}
		// Errors here only mean a misconfigured provider; the returned
		// instruments are no-ops in that case.
		wi.metricsFlushed, _ = meter.Int64Counter("mlflow.writer.metrics_flushed",
			metric.WithDescription("Metrics sent by run writers"),
		)
		wi.batches, _ = meter.Int64Counter("mlflow.writer.batches",
			metric.WithDescription("Flush attempts made by run writers"),
		)
		wi.flushErrors, _ = meter.Int64Counter("mlflow.writer.flush_errors",
			metric.WithDescription("Flushes that failed and were not retried"),
		)
		wi.flushDuration, _ = meter.Float64Histogram("mlflow.writer.flush_duration",
			metric.WithDescription("Time spent sending one flush"),
			metric.WithUnit("ms"),
		)
		instruments = wi
	})
	return instruments
}

func (wi *writerInstruments) recordFlush(ctx context.Context, size int, d time.Duration, err error) {
	outcome := attribute.String("outcome", "ok")
	if err != nil {
		outcome = attribute.String("outcome", "error")
		wi.flushErrors.Add(ctx, 1)
	} else {
		wi.metricsFlushed.Add(ctx, int64(size))
	}
	wi.batches.Add(ctx, 1, metric.WithAttributes(outcome))
	wi.flushDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(outcome))
}
