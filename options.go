package mlflow

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Tracker.
type Option func(*resolvedOptions)

// resolvedOptions holds all settings after applying defaults.
// Callers set it through the With* functions.
type resolvedOptions struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

// WithHTTPClient replaces the default OpenTelemetry-instrumented HTTP client.
// When set, WithTimeout is ignored; configure the timeout on the client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.timeout = d }
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(o *resolvedOptions) { o.userAgent = ua }
}

// WithLogger sets the structured logger used by the Tracker and every
// RunWriter it creates. If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

func resolveOptions(opts []Option) resolvedOptions {
	var o resolvedOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
