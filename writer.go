package mlflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/mlflow-go/client"
	"github.com/ashita-ai/mlflow-go/internal/telemetry"
)

var (
	// ErrWorkerFailed is returned when the background flush goroutine
	// panicked. The batch it was sending is lost.
	ErrWorkerFailed = errors.New("mlflow: run writer worker failed")

	// ErrWriterFinished is returned by logging calls made after Finish,
	// Kill, or Close.
	ErrWriterFinished = errors.New("mlflow: run writer already finished")
)

// RunWriter logs to a run without blocking the caller on the network.
//
// LogMetric and LogMetrics append to an in-memory queue and make sure a
// single background goroutine is draining it. That goroutine sends the whole
// queue as one batch (split to server limits), and loops until the queue is
// empty. A failed flush is not retried: its error is returned by the next
// call on the writer, or by Finish.
//
// Finish, Kill, and Close set the run's terminal status once and block until
// every queued metric and the status update have been sent. If none of them
// is called, the run is marked FAILED when the writer is garbage collected.
// Prefer defer w.Close() right after StartRun.
//
// All methods are safe for concurrent use.
type RunWriter struct {
	w       *writer
	cleanup runtime.Cleanup
}

// writer is the state shared with the worker goroutine. It is split from
// RunWriter so that the worker's reference does not keep the RunWriter
// reachable, which would prevent the cleanup from ever running.
type writer struct {
	run    *Run
	ctx    context.Context
	logger *slog.Logger

	mu    sync.Mutex
	state writerState
}

// writerState is only touched while holding writer.mu. The lock is never
// held across a network call.
type writerState struct {
	pending []client.Metric
	err     error
	status  client.RunStatus
	endTime client.Timestamp
	ended   bool
	worker  *worker
}

// worker is the handle of the one goroutine allowed to talk to the server
// for a writer. failed is written before done is closed.
type worker struct {
	done   chan struct{}
	failed error
}

func newRunWriter(ctx context.Context, run *Run) *RunWriter {
	w := &writer{
		run:    run,
		ctx:    context.WithoutCancel(ctx),
		logger: run.tracker.logger.With("run_id", run.ID()),
		state:  writerState{status: client.RunStatusRunning},
	}
	rw := &RunWriter{w: w}
	rw.cleanup = runtime.AddCleanup(rw, func(w *writer) {
		// Cleanups share one goroutine; do not block it on the network.
		go w.abandon()
	}, w)
	return rw
}

// Run returns the run this writer logs to.
func (rw *RunWriter) Run() *Run {
	return rw.w.run
}

// LogMetric queues one metric stamped with the current time. It returns the
// error of an earlier background flush, if one has not been reported yet.
func (rw *RunWriter) LogMetric(key string, value float64, step *int64) error {
	defer runtime.KeepAlive(rw)
	return rw.w.enqueue(client.Metric{
		Key:       key,
		Value:     value,
		Timestamp: client.Now(),
		Step:      step,
	})
}

// LogMetrics queues several metrics that share one timestamp and step.
func (rw *RunWriter) LogMetrics(values []MetricValue, step *int64) error {
	defer runtime.KeepAlive(rw)
	return rw.w.enqueue(buildMetrics(values, client.Now(), step)...)
}

// LogParam logs a parameter synchronously.
func (rw *RunWriter) LogParam(ctx context.Context, key, value string) error {
	defer runtime.KeepAlive(rw)
	return rw.w.run.LogParam(ctx, key, value)
}

// LogParams flattens values into parameters and logs them synchronously.
// See Run.LogParams.
func (rw *RunWriter) LogParams(ctx context.Context, prefix string, values any) error {
	defer runtime.KeepAlive(rw)
	return rw.w.run.LogParams(ctx, prefix, values)
}

// SetTag sets a run tag synchronously.
func (rw *RunWriter) SetTag(ctx context.Context, key, value string) error {
	defer runtime.KeepAlive(rw)
	return rw.w.run.SetTag(ctx, key, value)
}

// Finish flushes every queued metric and marks the run FINISHED.
//
// ctx bounds only the wait: if it is done first, Finish returns its error
// and the flush completes in the background. A later Finish, Kill, or Close
// waits for that flush and returns its error; otherwise calling any of them
// again is a no-op that returns nil.
func (rw *RunWriter) Finish(ctx context.Context) error {
	defer runtime.KeepAlive(rw)
	rw.cleanup.Stop()
	return rw.w.end(ctx, client.RunStatusFinished)
}

// Kill flushes every queued metric and marks the run KILLED.
func (rw *RunWriter) Kill(ctx context.Context) error {
	defer runtime.KeepAlive(rw)
	rw.cleanup.Stop()
	return rw.w.end(ctx, client.RunStatusKilled)
}

// Close marks the run FAILED unless Finish or Kill already ran. It exists
// for defer; the returned error is the same one Finish would report.
func (rw *RunWriter) Close() error {
	defer runtime.KeepAlive(rw)
	rw.cleanup.Stop()
	return rw.w.end(context.Background(), client.RunStatusFailed)
}

func (w *writer) enqueue(metrics ...client.Metric) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.status != client.RunStatusRunning {
		return ErrWriterFinished
	}
	w.state.pending = append(w.state.pending, metrics...)
	w.state.reap()
	w.spawnLocked()
	return w.state.takeError()
}

// spawnLocked starts a worker unless one is already alive.
func (w *writer) spawnLocked() {
	if w.state.worker != nil {
		return
	}
	wk := &worker{done: make(chan struct{})}
	w.state.worker = wk
	go w.work(wk)
}

// end runs the finalize protocol at most once per writer. Later calls only
// wait for a worker still running and collect an error nobody has taken.
func (w *writer) end(ctx context.Context, status client.RunStatus) error {
	w.mu.Lock()
	if !w.state.ended {
		w.state.ended = true
		w.state.status = status
		w.state.endTime = client.Now()
		w.state.reap()
		w.spawnLocked()
	}
	wk := w.state.worker
	w.mu.Unlock()

	if wk != nil {
		select {
		case <-wk.done:
		case <-ctx.Done():
			return fmt.Errorf("mlflow: wait for run writer: %w", ctx.Err())
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.reap()
	return w.state.takeError()
}

// abandon is the garbage-collection path. Nobody is left to receive the
// error, so it is logged.
func (w *writer) abandon() {
	if err := w.end(context.Background(), client.RunStatusFailed); err != nil {
		w.logger.Warn("mlflow: finalize abandoned run writer", "error", err)
	}
}

// work drains the queue, then applies the terminal status if one was
// requested. A failed batch is dropped and draining goes on, so the worker
// only exits with an empty queue. The first error of the cycle is kept.
func (w *writer) work(wk *worker) {
	defer close(wk.done)
	defer func() {
		if r := recover(); r != nil {
			wk.failed = fmt.Errorf("%w: %v", ErrWorkerFailed, r)
			w.logger.Error("mlflow: run writer worker panicked", "panic", r)
		}
	}()

	var err error
	for {
		w.mu.Lock()
		if len(w.state.pending) > 0 {
			batch := w.state.pending
			w.state.pending = nil
			w.mu.Unlock()

			if ferr := w.flush(batch); ferr != nil && err == nil {
				err = ferr
			}
			continue
		}

		if w.state.status != client.RunStatusRunning {
			endTime := w.state.endTime
			opts := client.UpdateRunOptions{Status: w.state.status, EndTime: &endTime}
			w.mu.Unlock()

			if uerr := w.finalize(opts); uerr != nil && err == nil {
				err = uerr
			}
			w.mu.Lock()
		}

		w.state.pushError(err)
		if w.state.worker == wk {
			w.state.worker = nil
		}
		w.mu.Unlock()
		return
	}
}

func (w *writer) flush(batch []client.Metric) error {
	ctx, span := telemetry.Tracer(instrumentationScope).Start(w.ctx, "mlflow.writer.flush",
		trace.WithAttributes(
			attribute.String("mlflow.run_id", w.run.ID()),
			attribute.Int("mlflow.batch_size", len(batch)),
		),
	)
	defer span.End()

	start := time.Now()
	err := w.run.LogBatch(ctx, batch, nil, nil)
	duration := time.Since(start)
	writerMetrics().recordFlush(ctx, len(batch), duration, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		w.logger.Error("mlflow: flush failed", "error", err, "batch_size", len(batch))
		return err
	}

	w.logger.Debug("mlflow: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
	return nil
}

func (w *writer) finalize(opts client.UpdateRunOptions) error {
	ctx, span := telemetry.Tracer(instrumentationScope).Start(w.ctx, "mlflow.writer.finalize",
		trace.WithAttributes(
			attribute.String("mlflow.run_id", w.run.ID()),
			attribute.String("mlflow.status", string(opts.Status)),
		),
	)
	defer span.End()

	if err := w.run.Update(ctx, opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update run failed")
		w.logger.Error("mlflow: set terminal status failed", "error", err, "status", opts.Status)
		return err
	}
	w.logger.Debug("mlflow: run finalized", "status", opts.Status)
	return nil
}

// reap clears the handle of a worker that exited without clearing it
// itself, which only happens when it panicked, and keeps its failure.
func (s *writerState) reap() {
	wk := s.worker
	if wk == nil {
		return
	}
	select {
	case <-wk.done:
		s.worker = nil
		s.pushError(wk.failed)
	default:
	}
}

// takeError returns and clears the stored error. Each error is returned at
// most once.
func (s *writerState) takeError() error {
	s.reap()
	err := s.err
	s.err = nil
	return err
}

// pushError keeps the first error until it is taken.
func (s *writerState) pushError(err error) {
	if s.err == nil {
		s.err = err
	}
}
