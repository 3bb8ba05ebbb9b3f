package mlflow

import (
	"context"
	"fmt"

	"github.com/ashita-ai/mlflow-go/client"
)

// MetricValue is one key/value pair for LogMetrics. A slice keeps the
// caller's order, which is the order the server records them in.
type MetricValue struct {
	Key   string
	Value float64
}

// Step returns a pointer to n for the optional step argument of the
// metric logging methods.
func Step(n int64) *int64 {
	return &n
}

// Run is a handle to a single tracked execution. Every method on Run talks
// to the server synchronously; see RunWriter for buffered logging.
type Run struct {
	tracker *Tracker
	data    client.Run
}

func newRun(t *Tracker, data client.Run) *Run {
	return &Run{tracker: t, data: data}
}

// ID returns the run ID.
func (r *Run) ID() string { return r.data.Info.RunID }

// Name returns the run name.
func (r *Run) Name() string { return r.data.Info.RunName }

// Data returns the run as last fetched from the server.
func (r *Run) Data() client.Run { return r.data }

// Reload fetches the current state of the run.
func (r *Run) Reload(ctx context.Context) (*Run, error) {
	resp, err := r.tracker.client.GetRun(ctx, r.ID())
	if err != nil {
		return nil, err
	}
	return newRun(r.tracker, resp.Run), nil
}

// Update changes the run's status, end time, or name.
func (r *Run) Update(ctx context.Context, opts client.UpdateRunOptions) error {
	_, err := r.tracker.client.UpdateRun(ctx, r.ID(), opts)
	return err
}

// Delete marks the run as deleted.
func (r *Run) Delete(ctx context.Context) error {
	return r.tracker.client.DeleteRun(ctx, r.ID())
}

// Restore undoes Delete.
func (r *Run) Restore(ctx context.Context) error {
	return r.tracker.client.RestoreRun(ctx, r.ID())
}

// SetTag sets a tag on the run.
func (r *Run) SetTag(ctx context.Context, key, value string) error {
	return r.tracker.client.SetTag(ctx, r.ID(), key, value)
}

// DeleteTag removes a tag from the run.
func (r *Run) DeleteTag(ctx context.Context, key string) error {
	return r.tracker.client.DeleteTag(ctx, r.ID(), key)
}

// LogParam logs a single parameter.
func (r *Run) LogParam(ctx context.Context, key, value string) error {
	return r.tracker.client.LogParam(ctx, r.ID(), key, value)
}

// LogParams flattens values into parameters and logs them in one batch.
// values is encoded as JSON first; nested objects become dotted keys under
// prefix, so a struct {LR float64 `json:"lr"`} with prefix "opt" is logged
// as "opt.lr". An empty prefix omits the leading segment.
func (r *Run) LogParams(ctx context.Context, prefix string, values any) error {
	params, err := flattenParams(prefix, values)
	if err != nil {
		return err
	}
	return r.LogBatch(ctx, nil, params, nil)
}

// LogMetric logs a single metric with an explicit timestamp.
func (r *Run) LogMetric(ctx context.Context, key string, value float64, ts client.Timestamp, step *int64) error {
	return r.tracker.client.LogMetric(ctx, r.ID(), client.Metric{
		Key:       key,
		Value:     value,
		Timestamp: ts,
		Step:      step,
	})
}

// LogMetrics logs several metrics that share the current time and step.
func (r *Run) LogMetrics(ctx context.Context, values []MetricValue, step *int64) error {
	return r.LogBatch(ctx, buildMetrics(values, client.Now(), step), nil, nil)
}

// LogBatch logs metrics, params, and tags. A batch within the server's
// limits is sent as one request; a larger one is split into chunks of
// metrics, then params, then tags, stopping at the first failed chunk.
func (r *Run) LogBatch(ctx context.Context, metrics []client.Metric, params []client.Param, tags []client.RunTag) error {
	total := len(metrics) + len(params) + len(tags)
	if total == 0 {
		return nil
	}
	if total <= client.LogBatchMaxTotal &&
		len(metrics) <= client.LogBatchMaxMetrics &&
		len(params) <= client.LogBatchMaxParams &&
		len(tags) <= client.LogBatchMaxTags {
		return r.tracker.client.LogBatch(ctx, r.ID(), metrics, params, tags)
	}

	for _, chunk := range chunks(metrics, client.LogBatchMaxMetrics) {
		if err := r.tracker.client.LogBatch(ctx, r.ID(), chunk, nil, nil); err != nil {
			return err
		}
	}
	for _, chunk := range chunks(params, client.LogBatchMaxParams) {
		if err := r.tracker.client.LogBatch(ctx, r.ID(), nil, chunk, nil); err != nil {
			return err
		}
	}
	for _, chunk := range chunks(tags, client.LogBatchMaxTags) {
		if err := r.tracker.client.LogBatch(ctx, r.ID(), nil, nil, chunk); err != nil {
			return err
		}
	}
	return nil
}

// LogInputs records the datasets a run consumed.
func (r *Run) LogInputs(ctx context.Context, datasets []client.DatasetInput) error {
	return r.tracker.client.LogInputs(ctx, r.ID(), datasets)
}

// MetricHistory returns every value logged for key, in server order.
func (r *Run) MetricHistory(ctx context.Context, key string) ([]client.Metric, error) {
	var results []client.Metric
	pageToken := ""
	for {
		resp, err := r.tracker.client.GetMetricHistory(ctx, r.ID(), key, client.MetricHistoryPageSize, pageToken)
		if err != nil {
			return nil, fmt.Errorf("mlflow: metric history %q: %w", key, err)
		}
		results = append(results, resp.Metrics...)
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return results, nil
		}
	}
}

// Writer returns a RunWriter that logs to this run. The writer marks the
// run FAILED when it is closed or garbage collected without Finish.
func (r *Run) Writer(ctx context.Context) *RunWriter {
	return newRunWriter(ctx, r)
}

func buildMetrics(values []MetricValue, ts client.Timestamp, step *int64) []client.Metric {
	metrics := make([]client.Metric, len(values))
	for i, v := range values {
		metrics[i] = client.Metric{Key: v.Key, Value: v.Value, Timestamp: ts, Step: step}
	}
	return metrics
}

// chunks splits s into consecutive slices of at most size elements.
// The chunks share s's backing array.
func chunks[T any](s []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(s); start += size {
		end := min(start+size, len(s))
		out = append(out, s[start:end])
	}
	return out
}
