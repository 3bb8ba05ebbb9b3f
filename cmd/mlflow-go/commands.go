package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	mlflow "github.com/ashita-ai/mlflow-go"
	"github.com/ashita-ai/mlflow-go/client"
)

// historyFetchLimit caps concurrent metric-history requests for runs --metric.
const historyFetchLimit = 8

// killTimeout bounds the flush after an interrupted log command.
const killTimeout = 30 * time.Second

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

func parseViewType(s string) (client.ViewType, error) {
	switch strings.ToLower(s) {
	case "", "active":
		return client.ViewTypeActiveOnly, nil
	case "deleted":
		return client.ViewTypeDeletedOnly, nil
	case "all":
		return client.ViewTypeAll, nil
	}
	return "", fmt.Errorf("%w: unknown view %q (want active, deleted, or all)", errUsage, s)
}

func (e *env) experiments(ctx context.Context, args []string) error {
	fs := newFlagSet("experiments")
	view := fs.String("view", "active", "active, deleted, or all")
	filter := fs.String("filter", "", "search filter, e.g. \"name LIKE 'resnet%'\"")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	viewType, err := parseViewType(*view)
	if err != nil {
		return err
	}

	exps, err := e.tracker.ExperimentsWith(ctx, client.SearchExperimentsOptions{
		Filter:   *filter,
		ViewType: viewType,
	})
	if err != nil {
		return fmt.Errorf("search experiments: %w", err)
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTAGE")
	for _, exp := range exps {
		d := exp.Data()
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ExperimentID, d.Name, d.LifecycleStage)
	}
	return tw.Flush()
}

func (e *env) lookupExperiment(ctx context.Context, name string) (*mlflow.Experiment, error) {
	exp, err := e.tracker.ExperimentByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get experiment %q: %w", name, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("experiment %q does not exist", name)
	}
	return exp, nil
}

func (e *env) runs(ctx context.Context, args []string) error {
	fs := newFlagSet("runs")
	filter := fs.String("filter", "", "search filter, e.g. \"metrics.loss < 0.1\"")
	metricKey := fs.String("metric", "", "also print the last value of this metric")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: runs takes exactly one experiment name", errUsage)
	}

	exp, err := e.lookupExperiment(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	runs, err := exp.RunsWith(ctx, client.SearchRunsOptions{Filter: *filter})
	if err != nil {
		return fmt.Errorf("search runs: %w", err)
	}

	var last []string
	if *metricKey != "" {
		last, err = lastMetricValues(ctx, runs, *metricKey)
		if err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	header := "RUN ID\tNAME\tSTATUS\tSTART"
	if last != nil {
		header += "\t" + strings.ToUpper(*metricKey)
	}
	fmt.Fprintln(tw, header)
	for i, r := range runs {
		info := r.Data().Info
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s", info.RunID, info.RunName, info.Status,
			info.StartTime.Time().UTC().Format(time.RFC3339))
		if last != nil {
			fmt.Fprintf(tw, "\t%s", last[i])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// lastMetricValues fetches the history of key for every run concurrently and
// returns the latest value per run, or "-" when the run never logged it.
func lastMetricValues(ctx context.Context, runs []*mlflow.Run, key string) ([]string, error) {
	out := make([]string, len(runs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(historyFetchLimit)
	for i, r := range runs {
		g.Go(func() error {
			history, err := r.MetricHistory(ctx, key)
			if err != nil {
				return fmt.Errorf("run %s: %w", r.ID(), err)
			}
			out[i] = "-"
			if n := len(history); n > 0 {
				out[i] = strconv.FormatFloat(history[n-1].Value, 'g', -1, 64)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *env) history(ctx context.Context, args []string) error {
	fs := newFlagSet("history")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: history takes a run ID and a metric key", errUsage)
	}

	run, err := e.tracker.Run(ctx, fs.Arg(0))
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %q does not exist", fs.Arg(0))
	}
	history, err := run.MetricHistory(ctx, fs.Arg(1))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTIMESTAMP\tVALUE")
	for _, m := range history {
		step := "-"
		if m.Step != nil {
			step = strconv.FormatInt(*m.Step, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", step,
			m.Timestamp.Time().UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(m.Value, 'g', -1, 64))
	}
	return tw.Flush()
}

// metricLine is one parsed line of log input.
type metricLine struct {
	key   string
	value float64
	step  *int64
}

// parseMetricLine parses "key value [step]". Blank lines and lines starting
// with '#' yield ok == false and no error.
func parseMetricLine(line string) (m metricLine, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return metricLine{}, false, nil
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return metricLine{}, false, fmt.Errorf("want \"key value [step]\", got %d fields", len(fields))
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return metricLine{}, false, fmt.Errorf("value %q: %w", fields[1], errors.Unwrap(err))
	}
	m = metricLine{key: fields[0], value: value}
	if len(fields) == 3 {
		step, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return metricLine{}, false, fmt.Errorf("step %q: %w", fields[2], errors.Unwrap(err))
		}
		m.step = &step
	}
	return m, true, nil
}

type scanned struct {
	line string
	err  error
}

func (e *env) log(ctx context.Context, args []string) error {
	fs := newFlagSet("log")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: log takes an experiment name and a run name", errUsage)
	}

	exp, err := e.tracker.CreateExperimentIfNotExists(ctx, fs.Arg(0), client.CreateExperimentOptions{})
	if err != nil {
		return err
	}
	w, err := exp.StartRun(ctx, fs.Arg(1))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	defer func() { _ = w.Close() }()
	logger := e.logger.With("run_id", w.Run().ID())
	logger.Info("logging to run", "experiment", exp.Name(), "run_name", w.Run().Name())

	// Scanning happens on its own goroutine so a signal can interrupt a
	// blocked read. The goroutine is abandoned on interrupt.
	lines := make(chan scanned)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(e.stdin)
		for sc.Scan() {
			select {
			case lines <- scanned{line: sc.Text()}:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case lines <- scanned{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	lineNo, logged := 0, 0
	for {
		select {
		case <-ctx.Done():
			logger.Warn("interrupted, killing run", "metrics_logged", logged)
			killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
			defer cancel()
			if err := w.Kill(killCtx); err != nil {
				return fmt.Errorf("kill run: %w", err)
			}
			return ctx.Err()

		case s, open := <-lines:
			if !open {
				if err := w.Finish(ctx); err != nil {
					return fmt.Errorf("finish run: %w", err)
				}
				logger.Info("run finished", "metrics_logged", logged)
				_, err := fmt.Fprintln(e.stdout, w.Run().ID())
				return err
			}
			if s.err != nil {
				logger.Error("read stdin failed, marking run failed", "error", s.err)
				if err := w.Close(); err != nil {
					logger.Error("close run", "error", err)
				}
				return fmt.Errorf("read stdin: %w", s.err)
			}

			lineNo++
			m, ok, err := parseMetricLine(s.line)
			if err != nil {
				logger.Warn("skipping malformed line", "line", lineNo, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if err := w.LogMetric(m.key, m.value, m.step); err != nil {
				// A failed background flush is reported once; later lines
				// keep flowing.
				logger.Error("flush failed", "line", lineNo, "error", err)
			}
			logged++
		}
	}
}
