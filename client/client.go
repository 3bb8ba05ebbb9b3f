package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// apiPrefix is the REST root every endpoint path is resolved against.
const apiPrefix = "/api/2.0/mlflow/"

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "mlflow-go/0.1.0"

// Server-side limits on a single request.
const (
	LogBatchMaxTotal   = 1000
	LogBatchMaxMetrics = 1000
	LogBatchMaxParams  = 100
	LogBatchMaxTags    = 100

	SearchExperimentsMaxResults = 1000
	SearchRunsMaxResults        = 50000
	MetricHistoryPageSize       = 1000
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the tracking server (e.g. "http://localhost:5000").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a client with an
	// OpenTelemetry-instrumented transport and Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// Logger receives debug logs for each request. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an HTTP client for the MLflow tracking REST API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
	logger    *slog.Logger
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or not an absolute http(s) URL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mlflow: BaseURL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("mlflow: parse BaseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mlflow: BaseURL must be http or https, got %q", cfg.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mlflow: BaseURL has no host: %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: userAgent,
		client:    httpClient,
		logger:    logger,
	}, nil
}

// BaseURL returns the tracking server root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ---------------------------------------------------------------------------
// Experiments
// ---------------------------------------------------------------------------

type createExperimentBody struct {
	Name string `json:"name"`
	CreateExperimentOptions
}

// CreateExperiment creates an experiment and returns its ID.
func (c *Client) CreateExperiment(ctx context.Context, name string, opts CreateExperimentOptions) (*CreateExperimentResponse, error) {
	var resp CreateExperimentResponse
	body := createExperimentBody{Name: name, CreateExperimentOptions: opts}
	if err := c.post(ctx, "experiments/create", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type searchExperimentsBody struct {
	MaxResults int    `json:"max_results"`
	PageToken  string `json:"page_token,omitempty"`
	SearchExperimentsOptions
}

// SearchExperiments returns one page of experiments. Pass the previous
// response's NextPageToken to continue; an empty token starts from the top.
func (c *Client) SearchExperiments(ctx context.Context, opts SearchExperimentsOptions, maxResults int, pageToken string) (*SearchExperimentsResponse, error) {
	body := searchExperimentsBody{
		MaxResults:               maxResults,
		PageToken:                pageToken,
		SearchExperimentsOptions: opts,
	}
	var resp SearchExperimentsResponse
	if err := c.post(ctx, "experiments/search", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExperiment retrieves an experiment by ID.
func (c *Client) GetExperiment(ctx context.Context, experimentID string) (*GetExperimentResponse, error) {
	var resp GetExperimentResponse
	q := url.Values{"experiment_id": {experimentID}}
	if err := c.get(ctx, "experiments/get", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExperimentByName retrieves an experiment by its unique name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*GetExperimentResponse, error) {
	var resp GetExperimentResponse
	q := url.Values{"experiment_name": {name}}
	if err := c.get(ctx, "experiments/get-by-name", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteExperiment marks an experiment and its runs as deleted.
func (c *Client) DeleteExperiment(ctx context.Context, experimentID string) error {
	return c.post(ctx, "experiments/delete", map[string]string{"experiment_id": experimentID}, nil)
}

// RestoreExperiment restores a deleted experiment.
func (c *Client) RestoreExperiment(ctx context.Context, experimentID string) error {
	return c.post(ctx, "experiments/restore", map[string]string{"experiment_id": experimentID}, nil)
}

// UpdateExperiment renames an experiment.
func (c *Client) UpdateExperiment(ctx context.Context, experimentID, newName string) error {
	body := map[string]string{"experiment_id": experimentID, "new_name": newName}
	return c.post(ctx, "experiments/update", body, nil)
}

// SetExperimentTag sets a tag on an experiment, replacing any existing value.
func (c *Client) SetExperimentTag(ctx context.Context, experimentID, key, value string) error {
	body := map[string]string{"experiment_id": experimentID, "key": key, "value": value}
	return c.post(ctx, "experiments/set-experiment-tag", body, nil)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type createRunBody struct {
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name,omitempty"`
	CreateRunOptions
}

// CreateRun creates a run in the given experiment.
func (c *Client) CreateRun(ctx context.Context, experimentID, runName string, opts CreateRunOptions) (*GetRunResponse, error) {
	body := createRunBody{ExperimentID: experimentID, RunName: runName, CreateRunOptions: opts}
	var resp GetRunResponse
	if err := c.post(ctx, "runs/create", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRun marks a run as deleted.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	return c.post(ctx, "runs/delete", map[string]string{"run_id": runID}, nil)
}

// RestoreRun restores a deleted run.
func (c *Client) RestoreRun(ctx context.Context, runID string) error {
	return c.post(ctx, "runs/restore", map[string]string{"run_id": runID}, nil)
}

// GetRun retrieves a run with its latest metrics, params, and tags.
func (c *Client) GetRun(ctx context.Context, runID string) (*GetRunResponse, error) {
	var resp GetRunResponse
	if err := c.get(ctx, "runs/get", url.Values{"run_id": {runID}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type updateRunBody struct {
	RunID string `json:"run_id"`
	UpdateRunOptions
}

// UpdateRun updates the status, end time, or name of a run.
func (c *Client) UpdateRun(ctx context.Context, runID string, opts UpdateRunOptions) (*UpdateRunResponse, error) {
	var resp UpdateRunResponse
	body := updateRunBody{RunID: runID, UpdateRunOptions: opts}
	if err := c.post(ctx, "runs/update", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type logMetricBody struct {
	RunID string `json:"run_id"`
	Metric
}

// MarshalJSON merges run_id into the metric's own encoding. Metric has a
// custom marshaler, so plain embedding would drop run_id.
func (b logMetricBody) MarshalJSON() ([]byte, error) {
	m, err := json.Marshal(b.Metric)
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(b.RunID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(m)+len(id)+12)
	out = append(out, `{"run_id":`...)
	out = append(out, id...)
	out = append(out, ',')
	return append(out, m[1:]...), nil
}

// LogMetric logs a single metric.
func (c *Client) LogMetric(ctx context.Context, runID string, m Metric) error {
	return c.post(ctx, "runs/log-metric", logMetricBody{RunID: runID, Metric: m}, nil)
}

type logBatchBody struct {
	RunID   string   `json:"run_id"`
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []RunTag `json:"tags,omitempty"`
}

// LogBatch logs metrics, params, and tags in one request. The caller must
// keep each slice within the LogBatchMax* limits.
func (c *Client) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error {
	body := logBatchBody{RunID: runID, Metrics: metrics, Params: params, Tags: tags}
	return c.post(ctx, "runs/log-batch", body, nil)
}

// LogParam logs a single parameter. Parameters are immutable once set.
func (c *Client) LogParam(ctx context.Context, runID, key, value string) error {
	body := map[string]string{"run_id": runID, "key": key, "value": value}
	return c.post(ctx, "runs/log-parameter", body, nil)
}

type logInputsBody struct {
	RunID    string         `json:"run_id"`
	Datasets []DatasetInput `json:"datasets"`
}

// LogInputs logs dataset inputs for a run.
func (c *Client) LogInputs(ctx context.Context, runID string, datasets []DatasetInput) error {
	return c.post(ctx, "runs/log-inputs", logInputsBody{RunID: runID, Datasets: datasets}, nil)
}

// SetTag sets a tag on a run, replacing any existing value.
func (c *Client) SetTag(ctx context.Context, runID, key, value string) error {
	body := map[string]string{"run_id": runID, "key": key, "value": value}
	return c.post(ctx, "runs/set-tag", body, nil)
}

// DeleteTag removes a tag from a run.
func (c *Client) DeleteTag(ctx context.Context, runID, key string) error {
	return c.post(ctx, "runs/delete-tag", map[string]string{"run_id": runID, "key": key}, nil)
}

// GetMetricHistory returns one page of every value logged for a metric key.
func (c *Client) GetMetricHistory(ctx context.Context, runID, metricKey string, maxResults int, pageToken string) (*GetMetricHistoryResponse, error) {
	q := url.Values{}
	q.Set("run_id", runID)
	q.Set("metric_key", metricKey)
	q.Set("max_results", strconv.Itoa(maxResults))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	var resp GetMetricHistoryResponse
	if err := c.get(ctx, "metrics/get-history", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type searchRunsBody struct {
	ExperimentIDs []string `json:"experiment_ids"`
	MaxResults    int      `json:"max_results"`
	PageToken     string   `json:"page_token,omitempty"`
	SearchRunsOptions
}

// SearchRuns returns one page of runs across the given experiments.
func (c *Client) SearchRuns(ctx context.Context, experimentIDs []string, opts SearchRunsOptions, maxResults int, pageToken string) (*SearchRunsResponse, error) {
	body := searchRunsBody{
		ExperimentIDs:     experimentIDs,
		MaxResults:        maxResults,
		PageToken:         pageToken,
		SearchRunsOptions: opts,
	}
	var resp SearchRunsResponse
	if err := c.post(ctx, "runs/search", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// errorEnvelope is the server's error response body.
type errorEnvelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.request(ctx, http.MethodPost, path, nil, body, dest)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dest any) error {
	return c.request(ctx, http.MethodGet, path, query, nil, dest)
}

// request is the single entry point for every endpoint. A nil dest discards
// the response body.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, dest any) error {
	target := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mlflow: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("mlflow: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mlflow: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("mlflow: request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mlflow: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("mlflow: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.ErrorCode != "" {
		apiErr.Code = envelope.ErrorCode
		apiErr.Message = envelope.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}
