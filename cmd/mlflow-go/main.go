// mlflow-go is a command-line client for an MLflow tracking server.
//
// It lists experiments and runs, prints metric histories, and streams
// metrics from stdin into a new run:
//
//	train.py | mlflow-go log resnet baseline
//
// Configuration comes from the environment (MLFLOW_TRACKING_URI and
// friends, optionally loaded from a .env file) and can be overridden with
// global flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	mlflow "github.com/ashita-ai/mlflow-go"
	"github.com/ashita-ai/mlflow-go/internal/config"
	"github.com/ashita-ai/mlflow-go/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// errUsage marks errors caused by bad arguments; they exit with status 2.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run0(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run0(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, args, stdin, stdout, stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

// env carries what every command needs.
type env struct {
	tracker *mlflow.Tracker
	logger  *slog.Logger
	stdin   io.Reader
	stdout  io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	// Load .env file if present (non-fatal; most environments won't have one).
	_ = godotenv.Load()

	var (
		trackingURI string
		timeout     time.Duration
		logLevel    string
	)
	flagSet := pflag.NewFlagSet("mlflow-go", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&trackingURI, "tracking-uri", "", "tracking server URL (default $MLFLOW_TRACKING_URI)")
	flagSet.DurationVar(&timeout, "timeout", 0, "per-request timeout (default $MLFLOW_HTTP_REQUEST_TIMEOUT)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error (default $MLFLOW_GO_LOG_LEVEL)")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if trackingURI != "" {
		cfg.TrackingURI = trackingURI
	}
	if timeout != 0 {
		cfg.RequestTimeout = timeout
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	// Logs go to stderr; stdout is for command output.
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	tracker, err := mlflow.New(cfg.TrackingURI,
		mlflow.WithTimeout(cfg.RequestTimeout),
		mlflow.WithLogger(logger),
		mlflow.WithUserAgent("mlflow-go-cli/"+version),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return fmt.Errorf("%w: no command given", errUsage)
	}

	e := &env{tracker: tracker, logger: logger, stdin: stdin, stdout: stdout}
	logger.Debug("mlflow-go starting", "version", version, "command", rest[0], "tracking_uri", cfg.TrackingURI)

	switch rest[0] {
	case "experiments":
		return e.experiments(ctx, rest[1:])
	case "runs":
		return e.runs(ctx, rest[1:])
	case "history":
		return e.history(ctx, rest[1:])
	case "log":
		return e.log(ctx, rest[1:])
	case "version":
		_, err := fmt.Fprintln(stdout, version)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `mlflow-go: command-line client for an MLflow tracking server.

Usage:
  mlflow-go [global flags] <command> [args]

Commands:
  experiments [--view active|deleted|all] [--filter F]
  runs <experiment-name> [--filter F] [--metric KEY]
  history <run-id> <key>
  log <experiment-name> <run-name>     read "key value [step]" lines from stdin
  version

Global flags:
%s`, flagSet.FlagUsages())
}
