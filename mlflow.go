// Package mlflow is a Go client for the MLflow tracking service.
//
// A Tracker wraps the REST API in handles that follow the service's object
// model: experiments contain runs, and runs carry metrics, params, and tags.
// Long-running jobs should log through a RunWriter, which buffers metrics
// and sends them from a background goroutine so the training loop never
// waits on the network:
//
//	tracker, err := mlflow.New("http://localhost:5000")
//	if err != nil { ... }
//	exp, err := tracker.CreateExperimentIfNotExists(ctx, "resnet", client.CreateExperimentOptions{})
//	if err != nil { ... }
//	w, err := exp.StartRun(ctx, "baseline")
//	if err != nil { ... }
//	defer w.Close() // marks the run FAILED unless Finish succeeded first
//	for step := range 100 {
//	    if err := w.LogMetric("loss", loss(step), mlflow.Step(int64(step))); err != nil { ... }
//	}
//	if err := w.Finish(ctx); err != nil { ... }
//
// The low-level REST client lives in the client subpackage.
package mlflow

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/mlflow-go/client"
	"github.com/ashita-ai/mlflow-go/internal/config"
)

// Tracker is the entry point to a tracking server.
// All methods are safe for concurrent use.
type Tracker struct {
	client *client.Client
	logger *slog.Logger

	// createGroup collapses concurrent CreateExperimentIfNotExists calls for
	// the same name so one process never races itself into
	// RESOURCE_ALREADY_EXISTS.
	createGroup singleflight.Group
}

// New creates a Tracker for the server at uri (e.g. "http://localhost:5000").
func New(uri string, opts ...Option) (*Tracker, error) {
	o := resolveOptions(opts)
	c, err := client.NewClient(client.Config{
		BaseURL:    uri,
		HTTPClient: o.httpClient,
		Timeout:    o.timeout,
		UserAgent:  o.userAgent,
		Logger:     o.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Tracker{client: c, logger: o.logger}, nil
}

// NewFromEnv creates a Tracker from MLFLOW_TRACKING_URI and
// MLFLOW_HTTP_REQUEST_TIMEOUT. Explicit options take precedence over the
// environment.
func NewFromEnv(opts ...Option) (*Tracker, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithTimeout(cfg.RequestTimeout)}, opts...)
	return New(cfg.TrackingURI, opts...)
}

// Client returns the underlying REST client.
func (t *Tracker) Client() *client.Client {
	return t.client
}

// Experiments returns all active experiments.
func (t *Tracker) Experiments(ctx context.Context) ([]*Experiment, error) {
	return t.ExperimentsWith(ctx, client.SearchExperimentsOptions{})
}

// ExperimentsWith returns every experiment matching opts, following
// pagination until the server stops returning a page token.
func (t *Tracker) ExperimentsWith(ctx context.Context, opts client.SearchExperimentsOptions) ([]*Experiment, error) {
	var results []*Experiment
	pageToken := ""
	for {
		resp, err := t.client.SearchExperiments(ctx, opts, client.SearchExperimentsMaxResults, pageToken)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Experiments {
			results = append(results, newExperiment(t, e))
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return results, nil
		}
	}
}

// Experiment returns the experiment with the given ID, or nil if it does
// not exist.
func (t *Tracker) Experiment(ctx context.Context, id string) (*Experiment, error) {
	resp, err := t.client.GetExperiment(ctx, id)
	if client.IsResourceDoesNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newExperiment(t, resp.Experiment), nil
}

// ExperimentByName returns the experiment with the given name, or nil if it
// does not exist.
func (t *Tracker) ExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	resp, err := t.client.GetExperimentByName(ctx, name)
	if client.IsResourceDoesNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newExperiment(t, resp.Experiment), nil
}

// CreateExperiment creates an experiment and fetches it back so the
// returned handle carries server-assigned fields.
func (t *Tracker) CreateExperiment(ctx context.Context, name string, opts client.CreateExperimentOptions) (*Experiment, error) {
	created, err := t.client.CreateExperiment(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.GetExperiment(ctx, created.ExperimentID)
	if err != nil {
		return nil, err
	}
	return newExperiment(t, resp.Experiment), nil
}

// CreateExperimentIfNotExists returns the experiment named name, creating it
// with opts when it does not exist yet.
func (t *Tracker) CreateExperimentIfNotExists(ctx context.Context, name string, opts client.CreateExperimentOptions) (*Experiment, error) {
	v, err, _ := t.createGroup.Do(name, func() (any, error) {
		e, err := t.ExperimentByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
		e, err = t.CreateExperiment(ctx, name, opts)
		if client.IsResourceAlreadyExists(err) {
			// Another process created it between our lookup and create.
			return t.ExperimentByName(ctx, name)
		}
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("mlflow: get or create experiment %q: %w", name, err)
	}
	e, _ := v.(*Experiment)
	if e == nil {
		return nil, fmt.Errorf("mlflow: experiment %q vanished after creation", name)
	}
	return e, nil
}

// Run returns the run with the given ID in any experiment, or nil if it
// does not exist.
func (t *Tracker) Run(ctx context.Context, id string) (*Run, error) {
	resp, err := t.client.GetRun(ctx, id)
	if client.IsResourceDoesNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newRun(t, resp.Run), nil
}
