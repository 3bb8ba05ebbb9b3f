package client

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is a Unix timestamp in milliseconds, the unit the tracking
// server uses for every time field.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts t to a Timestamp, truncating to the millisecond.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time returns ts as a time.Time in the local zone.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts))
}

// UnmarshalJSON accepts both a JSON number and a quoted decimal string.
// Protobuf-JSON gateways encode int64 fields as strings.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	n, ok, err := parseInt64(b)
	if err != nil {
		return fmt.Errorf("mlflow: decode timestamp: %w", err)
	}
	if ok {
		*ts = Timestamp(n)
	}
	return nil
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusScheduled RunStatus = "SCHEDULED"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusKilled    RunStatus = "KILLED"
)

// IsTerminal reports whether s is one of FINISHED, FAILED, or KILLED.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

// ViewType selects active, deleted, or all entities in search requests.
// The zero value lets the server apply its default (ACTIVE_ONLY).
type ViewType string

const (
	ViewTypeActiveOnly  ViewType = "ACTIVE_ONLY"
	ViewTypeDeletedOnly ViewType = "DELETED_ONLY"
	ViewTypeAll         ViewType = "ALL"
)

// Metric is a single numeric observation logged against a run.
// Step is nil when the metric was logged without a step.
type Metric struct {
	Key       string
	Value     float64
	Timestamp Timestamp
	Step      *int64
}

// Compare orders metrics by key, value, timestamp, then step. Values are
// compared as a total order: NaN sorts before every other value and equals
// itself. A nil step sorts before any set step.
func (m Metric) Compare(o Metric) int {
	if c := cmp.Compare(m.Key, o.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(m.Value, o.Value); c != 0 {
		return c
	}
	if c := cmp.Compare(m.Timestamp, o.Timestamp); c != 0 {
		return c
	}
	switch {
	case m.Step == nil && o.Step == nil:
		return 0
	case m.Step == nil:
		return -1
	case o.Step == nil:
		return 1
	}
	return cmp.Compare(*m.Step, *o.Step)
}

// Equal reports whether m and o have identical fields, treating NaN values
// as equal.
func (m Metric) Equal(o Metric) bool {
	return m.Compare(o) == 0
}

type metricJSON struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp Timestamp       `json:"timestamp"`
	Step      json.RawMessage `json:"step,omitempty"`
}

// MarshalJSON encodes non-finite values as "NaN", "Infinity", or
// "-Infinity", which the server accepts for double fields.
func (m Metric) MarshalJSON() ([]byte, error) {
	var value []byte
	switch {
	case math.IsNaN(m.Value):
		value = []byte(`"NaN"`)
	case math.IsInf(m.Value, 1):
		value = []byte(`"Infinity"`)
	case math.IsInf(m.Value, -1):
		value = []byte(`"-Infinity"`)
	default:
		value = strconv.AppendFloat(nil, m.Value, 'g', -1, 64)
	}
	out := metricJSON{Key: m.Key, Value: value, Timestamp: m.Timestamp}
	if m.Step != nil {
		out.Step = strconv.AppendInt(nil, *m.Step, 10)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the value as a number or a quoted string.
func (m *Metric) UnmarshalJSON(b []byte) error {
	var in metricJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	m.Key = in.Key
	m.Timestamp = in.Timestamp
	m.Value = 0
	if v := bytes.Trim(in.Value, `"`); len(v) > 0 && string(v) != "null" {
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return fmt.Errorf("mlflow: decode metric %q value: %w", in.Key, err)
		}
		m.Value = f
	}
	m.Step = nil
	step, ok, err := parseInt64(in.Step)
	if err != nil {
		return fmt.Errorf("mlflow: decode metric %q step: %w", in.Key, err)
	}
	if ok {
		m.Step = &step
	}
	return nil
}

// parseInt64 decodes a JSON number or quoted integer. ok is false for an
// empty or null input.
func parseInt64(b []byte) (n int64, ok bool, err error) {
	s := string(bytes.Trim(bytes.TrimSpace(b), `"`))
	if s == "" || s == "null" {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Param is a string-valued run parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunTag is a key/value tag on a run.
type RunTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExperimentTag is a key/value tag on an experiment.
type ExperimentTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// InputTag is a key/value tag on a dataset input.
type InputTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Dataset describes a dataset used as run input.
type Dataset struct {
	Name       string  `json:"name"`
	Digest     string  `json:"digest"`
	SourceType string  `json:"source_type"`
	Source     string  `json:"source"`
	Schema     *string `json:"schema,omitempty"`
	Profile    *string `json:"profile,omitempty"`
}

// DatasetInput links a dataset to a run.
type DatasetInput struct {
	Tags    []InputTag `json:"tags,omitempty"`
	Dataset Dataset    `json:"dataset"`
}

// RunInputs holds the dataset inputs of a run.
type RunInputs struct {
	DatasetInputs []DatasetInput `json:"dataset_inputs,omitempty"`
}

// RunInfo is the metadata of a run.
type RunInfo struct {
	RunID          string     `json:"run_id"`
	RunName        string     `json:"run_name"`
	ExperimentID   string     `json:"experiment_id"`
	Status         RunStatus  `json:"status"`
	StartTime      Timestamp  `json:"start_time"`
	EndTime        *Timestamp `json:"end_time,omitempty"`
	ArtifactURI    string     `json:"artifact_uri"`
	LifecycleStage string     `json:"lifecycle_stage"`
}

// RunData holds the latest metrics, params, and tags of a run.
type RunData struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []RunTag `json:"tags,omitempty"`
}

// Run is a single tracked execution.
type Run struct {
	Info   RunInfo   `json:"info"`
	Data   RunData   `json:"data"`
	Inputs RunInputs `json:"inputs"`
}

// Experiment is a named grouping of runs.
type Experiment struct {
	ExperimentID     string          `json:"experiment_id"`
	Name             string          `json:"name"`
	ArtifactLocation string          `json:"artifact_location"`
	LifecycleStage   string          `json:"lifecycle_stage"`
	LastUpdateTime   Timestamp       `json:"last_update_time"`
	CreationTime     Timestamp       `json:"creation_time"`
	Tags             []ExperimentTag `json:"tags,omitempty"`
}

// FileInfo describes an artifact file or directory.
type FileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize *int64 `json:"file_size,omitempty"`
}

// ---------------------------------------------------------------------------
// Request options
// ---------------------------------------------------------------------------

// CreateExperimentOptions are the optional fields of experiments/create.
type CreateExperimentOptions struct {
	ArtifactLocation string          `json:"artifact_location,omitempty"`
	Tags             []ExperimentTag `json:"tags,omitempty"`
}

// SearchExperimentsOptions are the optional fields of experiments/search.
type SearchExperimentsOptions struct {
	Filter   string   `json:"filter,omitempty"`
	OrderBy  []string `json:"order_by,omitempty"`
	ViewType ViewType `json:"view_type,omitempty"`
}

// CreateRunOptions are the optional fields of runs/create.
type CreateRunOptions struct {
	StartTime *Timestamp `json:"start_time,omitempty"`
	Tags      []RunTag   `json:"tags,omitempty"`
}

// SearchRunsOptions are the optional fields of runs/search.
type SearchRunsOptions struct {
	Filter      string   `json:"filter,omitempty"`
	RunViewType ViewType `json:"run_view_type,omitempty"`
	OrderBy     []string `json:"order_by,omitempty"`
}

// UpdateRunOptions are the optional fields of runs/update. Zero fields are
// left unchanged on the server.
type UpdateRunOptions struct {
	Status  RunStatus  `json:"status,omitempty"`
	EndTime *Timestamp `json:"end_time,omitempty"`
	RunName string     `json:"run_name,omitempty"`
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// CreateExperimentResponse is returned by experiments/create.
type CreateExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

// SearchExperimentsResponse is one page of experiments/search.
type SearchExperimentsResponse struct {
	Experiments   []Experiment `json:"experiments"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

// GetExperimentResponse is returned by experiments/get and experiments/get-by-name.
type GetExperimentResponse struct {
	Experiment Experiment `json:"experiment"`
}

// GetRunResponse is returned by runs/get and runs/create.
type GetRunResponse struct {
	Run Run `json:"run"`
}

// GetMetricHistoryResponse is one page of metrics/get-history.
type GetMetricHistoryResponse struct {
	Metrics       []Metric `json:"metrics"`
	NextPageToken string   `json:"next_page_token,omitempty"`
}

// SearchRunsResponse is one page of runs/search.
type SearchRunsResponse struct {
	Runs          []Run  `json:"runs"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// UpdateRunResponse is returned by runs/update.
type UpdateRunResponse struct {
	RunInfo RunInfo `json:"run_info"`
}
