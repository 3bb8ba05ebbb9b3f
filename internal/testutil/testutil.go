// Package testutil provides shared test infrastructure for integration tests
// that need a real MLflow tracking server.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartMLflow()
//	    trackingURI = tc.URI
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultImage is the tracking server image used when MLFLOW_TEST_IMAGE is unset.
const DefaultImage = "ghcr.io/mlflow/mlflow:v2.17.2"

// TestContainer wraps a testcontainers container with the tracking URI for
// connecting to it.
type TestContainer struct {
	Container testcontainers.Container
	URI       string
}

// MustStartMLflow starts an MLflow tracking server backed by the container's
// local file store. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartMLflow() *TestContainer {
	ctx := context.Background()

	image := os.Getenv("MLFLOW_TEST_IMAGE")
	if image == "" {
		image = DefaultImage
	}

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"5000/tcp"},
		Cmd:          []string{"mlflow", "server", "--host", "0.0.0.0", "--port", "5000"},
		WaitingFor: wait.ForHTTP("/health").
			WithPort("5000/tcp").
			WithStartupTimeout(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5000")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	return &TestContainer{
		Container: container,
		URI:       fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
