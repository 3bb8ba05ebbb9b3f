package mlflow

import (
	"context"

	"github.com/ashita-ai/mlflow-go/client"
)

// Experiment is a handle to a named grouping of runs. The snapshot returned
// by Data is not refreshed automatically; call Reload for a fresh copy.
type Experiment struct {
	tracker *Tracker
	data    client.Experiment
}

func newExperiment(t *Tracker, data client.Experiment) *Experiment {
	return &Experiment{tracker: t, data: data}
}

// ID returns the experiment ID.
func (e *Experiment) ID() string { return e.data.ExperimentID }

// Name returns the experiment name.
func (e *Experiment) Name() string { return e.data.Name }

// Data returns the experiment as last fetched from the server.
func (e *Experiment) Data() client.Experiment { return e.data }

// Reload fetches the current state of the experiment.
func (e *Experiment) Reload(ctx context.Context) (*Experiment, error) {
	resp, err := e.tracker.client.GetExperiment(ctx, e.ID())
	if err != nil {
		return nil, err
	}
	return newExperiment(e.tracker, resp.Experiment), nil
}

// Delete marks the experiment and its runs as deleted.
func (e *Experiment) Delete(ctx context.Context) error {
	return e.tracker.client.DeleteExperiment(ctx, e.ID())
}

// Restore undoes Delete.
func (e *Experiment) Restore(ctx context.Context) error {
	return e.tracker.client.RestoreExperiment(ctx, e.ID())
}

// Update renames the experiment.
func (e *Experiment) Update(ctx context.Context, newName string) error {
	return e.tracker.client.UpdateExperiment(ctx, e.ID(), newName)
}

// SetTag sets a tag on the experiment.
func (e *Experiment) SetTag(ctx context.Context, key, value string) error {
	return e.tracker.client.SetExperimentTag(ctx, e.ID(), key, value)
}

// Runs returns all active runs in this experiment.
func (e *Experiment) Runs(ctx context.Context) ([]*Run, error) {
	return e.RunsWith(ctx, client.SearchRunsOptions{})
}

// RunsWith returns all runs in this experiment that match opts.
func (e *Experiment) RunsWith(ctx context.Context, opts client.SearchRunsOptions) ([]*Run, error) {
	var results []*Run
	ids := []string{e.ID()}
	pageToken := ""
	for {
		resp, err := e.tracker.client.SearchRuns(ctx, ids, opts, client.SearchRunsMaxResults, pageToken)
		if err != nil {
			return nil, err
		}
		for _, r := range resp.Runs {
			results = append(results, newRun(e.tracker, r))
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return results, nil
		}
	}
}

// Run returns the run with the given ID, or nil if it does not exist.
func (e *Experiment) Run(ctx context.Context, id string) (*Run, error) {
	return e.tracker.Run(ctx, id)
}

// CreateRun creates a run without a writer. Use StartRun to log the
// currently executing job; RunWriter finalizes the run's status for you.
func (e *Experiment) CreateRun(ctx context.Context, name string, opts client.CreateRunOptions) (*Run, error) {
	resp, err := e.tracker.client.CreateRun(ctx, e.ID(), name, opts)
	if err != nil {
		return nil, err
	}
	return newRun(e.tracker, resp.Run), nil
}

// StartRun creates a run starting now and returns its RunWriter.
func (e *Experiment) StartRun(ctx context.Context, name string) (*RunWriter, error) {
	return e.StartRunWith(ctx, name, client.CreateRunOptions{})
}

// StartRunWith creates a run with opts and returns its RunWriter.
// opts.StartTime defaults to the current time.
//
// The writer's background flushes run with ctx's values but not its
// cancellation, so cancelling ctx does not abort pending writes.
func (e *Experiment) StartRunWith(ctx context.Context, name string, opts client.CreateRunOptions) (*RunWriter, error) {
	if opts.StartTime == nil {
		now := client.Now()
		opts.StartTime = &now
	}
	run, err := e.CreateRun(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return run.Writer(ctx), nil
}
