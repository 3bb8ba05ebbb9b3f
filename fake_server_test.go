package mlflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mlflow-go/client"
)

// fakeServer is an in-memory stand-in for the tracking server's REST API.
// It implements the endpoints the handles use and records enough about
// log-batch traffic to check the writer's batching and concurrency.
type fakeServer struct {
	*httptest.Server

	mu          sync.Mutex
	experiments []*client.Experiment
	runs        map[string]*fakeRun
	nextExpID   int

	// Failure injection: each positive value fails that many upcoming calls.
	failLogBatch atomic.Int32
	failUpdate   atomic.Int32
	// batchDelay slows log-batch so concurrent senders would overlap.
	batchDelay time.Duration
	// pageSize caps every paged response below the client's max_results.
	pageSize int

	inflight    atomic.Int32
	maxInflight atomic.Int32
	batchSizes  []int
	updateCalls []client.UpdateRunOptions
}

type fakeRun struct {
	run     client.Run
	deleted bool
	history map[string][]client.Metric
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		runs: map[string]*fakeRun{},
		experiments: []*client.Experiment{{
			ExperimentID:   "0",
			Name:           "Default",
			LifecycleStage: "active",
			CreationTime:   client.Now(),
			LastUpdateTime: client.Now(),
		}},
		nextExpID: 1,
	}

	mux := http.NewServeMux()
	const p = "/api/2.0/mlflow/"
	mux.HandleFunc("POST "+p+"experiments/create", f.createExperiment)
	mux.HandleFunc("POST "+p+"experiments/search", f.searchExperiments)
	mux.HandleFunc("GET "+p+"experiments/get", f.getExperiment)
	mux.HandleFunc("GET "+p+"experiments/get-by-name", f.getExperimentByName)
	mux.HandleFunc("POST "+p+"experiments/delete", f.setExperimentStage("deleted"))
	mux.HandleFunc("POST "+p+"experiments/restore", f.setExperimentStage("active"))
	mux.HandleFunc("POST "+p+"experiments/update", f.updateExperiment)
	mux.HandleFunc("POST "+p+"experiments/set-experiment-tag", f.setExperimentTag)
	mux.HandleFunc("POST "+p+"runs/create", f.createRun)
	mux.HandleFunc("GET "+p+"runs/get", f.getRun)
	mux.HandleFunc("POST "+p+"runs/update", f.updateRun)
	mux.HandleFunc("POST "+p+"runs/delete", f.setRunDeleted(true))
	mux.HandleFunc("POST "+p+"runs/restore", f.setRunDeleted(false))
	mux.HandleFunc("POST "+p+"runs/search", f.searchRuns)
	mux.HandleFunc("POST "+p+"runs/log-batch", f.logBatch)
	mux.HandleFunc("POST "+p+"runs/log-metric", f.logMetric)
	mux.HandleFunc("POST "+p+"runs/log-parameter", f.logParam)
	mux.HandleFunc("POST "+p+"runs/set-tag", f.setTag)
	mux.HandleFunc("POST "+p+"runs/delete-tag", f.deleteTag)
	mux.HandleFunc("POST "+p+"runs/log-inputs", f.logInputs)
	mux.HandleFunc("GET "+p+"metrics/get-history", f.getMetricHistory)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestTracker(t *testing.T, f *fakeServer, opts ...Option) *Tracker {
	t.Helper()
	tr, err := New(f.URL, append([]Option{WithTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, err)
	return tr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error_code": code, "message": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, client.CodeInvalidParameterValue, err.Error())
		return false
	}
	return true
}

// pageOf returns items[offset:offset+size] and the next token, if any.
func pageOf[T any](items []T, token string, size int) ([]T, string) {
	offset, _ := strconv.Atoi(token)
	if size <= 0 {
		size = len(items)
	}
	offset = min(offset, len(items))
	end := min(offset+size, len(items))
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[offset:end], next
}

func (f *fakeServer) capPage(maxResults int) int {
	if f.pageSize > 0 && (maxResults <= 0 || f.pageSize < maxResults) {
		return f.pageSize
	}
	return maxResults
}

func (f *fakeServer) findExperimentLocked(id string) *client.Experiment {
	for _, e := range f.experiments {
		if e.ExperimentID == id {
			return e
		}
	}
	return nil
}

func (f *fakeServer) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string                 `json:"name"`
		ArtifactLocation string                 `json:"artifact_location"`
		Tags             []client.ExperimentTag `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.experiments {
		if e.Name == req.Name {
			writeError(w, http.StatusBadRequest, client.CodeResourceAlreadyExists, "experiment exists")
			return
		}
	}
	id := strconv.Itoa(f.nextExpID)
	f.nextExpID++
	now := client.Now()
	f.experiments = append(f.experiments, &client.Experiment{
		ExperimentID:     id,
		Name:             req.Name,
		ArtifactLocation: req.ArtifactLocation,
		LifecycleStage:   "active",
		CreationTime:     now,
		LastUpdateTime:   now,
		Tags:             req.Tags,
	})
	writeJSON(w, http.StatusOK, client.CreateExperimentResponse{ExperimentID: id})
}

func viewMatches(view client.ViewType, stage string) bool {
	switch view {
	case client.ViewTypeAll:
		return true
	case client.ViewTypeDeletedOnly:
		return stage == "deleted"
	}
	return stage == "active"
}

func (f *fakeServer) searchExperiments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxResults int             `json:"max_results"`
		PageToken  string          `json:"page_token"`
		ViewType   client.ViewType `json:"view_type"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	var matched []client.Experiment
	for _, e := range f.experiments {
		if viewMatches(req.ViewType, e.LifecycleStage) {
			matched = append(matched, *e)
		}
	}
	f.mu.Unlock()
	page, next := pageOf(matched, req.PageToken, f.capPage(req.MaxResults))
	writeJSON(w, http.StatusOK, client.SearchExperimentsResponse{Experiments: page, NextPageToken: next})
}

func (f *fakeServer) getExperiment(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.findExperimentLocked(r.URL.Query().Get("experiment_id"))
	if e == nil {
		writeError(w, http.StatusNotFound, client.CodeResourceDoesNotExist, "no such experiment")
		return
	}
	writeJSON(w, http.StatusOK, client.GetExperimentResponse{Experiment: *e})
}

func (f *fakeServer) getExperimentByName(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := r.URL.Query().Get("experiment_name")
	for _, e := range f.experiments {
		if e.Name == name {
			writeJSON(w, http.StatusOK, client.GetExperimentResponse{Experiment: *e})
			return
		}
	}
	writeError(w, http.StatusNotFound, client.CodeResourceDoesNotExist, "no such experiment")
}

func (f *fakeServer) setExperimentStage(stage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExperimentID string `json:"experiment_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		e := f.findExperimentLocked(req.ExperimentID)
		if e == nil {
			writeError(w, http.StatusNotFound, client.CodeResourceDoesNotExist, "no such experiment")
			return
		}
		e.LifecycleStage = stage
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (f *fakeServer) updateExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string `json:"experiment_id"`
		NewName      string `json:"new_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.findExperimentLocked(req.ExperimentID)
	if e == nil {
		writeError(w, http.StatusNotFound, client.CodeResourceDoesNotExist, "no such experiment")
		return
	}
	e.Name = req.NewName
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *fakeServer) setExperimentTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string `json:"experiment_id"`
		Key          string `json:"key"`
		Value        string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.findExperimentLocked(req.ExperimentID)
	if e == nil {
		writeError(w, http.StatusNotFound, client.CodeResourceDoesNotExist, "no such experiment")
		return
	}
	e.Tags = append(e.Tags, client.ExperimentTag{Key: req.Key, Value: req.Value})
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *fakeServer) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string            `json:"experiment_id"`
		RunName      string            `json:"run_name"`
		StartTime    *client.Timestamp `json:"start_time"`
		Tags         []client.RunTag   `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findExperimentLocked(req.ExperimentID) == nil {
		writeError(w, http.StatusNotFound, client.CodeResourceDoesNotExist, "no such experiment")
		return
	}
	start := client.Now()
	if req.StartTime != nil {
		start = *req.StartTime
	}
	id := uuid.NewString()
	run := client.Run{
		Info: client.RunInfo{
			RunID:          id,
			RunName:        req.RunName,
			ExperimentID:   req.ExperimentID,
			Status:         client.RunStatusRunning,
			StartTime:      start,
			LifecycleStage: "active",
		},
		Data: client.RunData{Tags: req.Tags},
	}
	f.runs[id] = &fakeRun{run: run, history: map[string][]client.Metric{}}
	writeJSON(w, http.StatusOK, client.GetRunResponse{Run: run})
}

// runLocked returns the run or writes a 404. Callers hold f.mu.
func (f *fakeServer) runLocked(w http.ResponseWriter, id string) *fakeRun {
	fr, ok := f.runs[id]
	if !ok {
		writeError(w, http.StatusNotFound, client.CodeResourceDoesNotExist, "no such run "+id)
		return nil
	}
	return fr
}

func (f *fakeServer) getRun(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.runLocked(w, r.URL.Query().Get("run_id"))
	if fr == nil {
		return
	}
	writeJSON(w, http.StatusOK, client.GetRunResponse{Run: fr.run})
}

func (f *fakeServer) updateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
		client.UpdateRunOptions
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, req.UpdateRunOptions)
	if f.failUpdate.Add(-1) >= 0 {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "injected update failure")
		return
	}
	fr := f.runLocked(w, req.RunID)
	if fr == nil {
		return
	}
	if req.Status != "" {
		fr.run.Info.Status = req.Status
	}
	if req.EndTime != nil {
		fr.run.Info.EndTime = req.EndTime
	}
	if req.RunName != "" {
		fr.run.Info.RunName = req.RunName
	}
	writeJSON(w, http.StatusOK, client.UpdateRunResponse{RunInfo: fr.run.Info})
}

func (f *fakeServer) setRunDeleted(deleted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RunID string `json:"run_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		fr := f.runLocked(w, req.RunID)
		if fr == nil {
			return
		}
		fr.deleted = deleted
		fr.run.Info.LifecycleStage = "active"
		if deleted {
			fr.run.Info.LifecycleStage = "deleted"
		}
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (f *fakeServer) searchRuns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentIDs []string        `json:"experiment_ids"`
		MaxResults    int             `json:"max_results"`
		PageToken     string          `json:"page_token"`
		RunViewType   client.ViewType `json:"run_view_type"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	var matched []client.Run
	for _, fr := range f.runs {
		if slices.Contains(req.ExperimentIDs, fr.run.Info.ExperimentID) &&
			viewMatches(req.RunViewType, fr.run.Info.LifecycleStage) {
			matched = append(matched, fr.run)
		}
	}
	f.mu.Unlock()
	slices.SortFunc(matched, func(a, b client.Run) int {
		if a.Info.StartTime != b.Info.StartTime {
			return int(a.Info.StartTime - b.Info.StartTime)
		}
		if a.Info.RunID < b.Info.RunID {
			return -1
		}
		return 1
	})
	page, next := pageOf(matched, req.PageToken, f.capPage(req.MaxResults))
	writeJSON(w, http.StatusOK, client.SearchRunsResponse{Runs: page, NextPageToken: next})
}

// appendMetricsLocked records history and keeps Data.Metrics as the latest
// value per key, the way the server does.
func (fr *fakeRun) appendMetricsLocked(metrics []client.Metric) {
	for _, m := range metrics {
		fr.history[m.Key] = append(fr.history[m.Key], m)
		replaced := false
		for i, latest := range fr.run.Data.Metrics {
			if latest.Key == m.Key {
				fr.run.Data.Metrics[i] = m
				replaced = true
			}
		}
		if !replaced {
			fr.run.Data.Metrics = append(fr.run.Data.Metrics, m)
		}
	}
}

func (f *fakeServer) logBatch(w http.ResponseWriter, r *http.Request) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxInflight.Load()
		if n <= seen || f.maxInflight.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.batchDelay > 0 {
		time.Sleep(f.batchDelay)
	}

	var req struct {
		RunID   string          `json:"run_id"`
		Metrics []client.Metric `json:"metrics"`
		Params  []client.Param  `json:"params"`
		Tags    []client.RunTag `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Metrics) > client.LogBatchMaxMetrics || len(req.Params) > client.LogBatchMaxParams ||
		len(req.Tags) > client.LogBatchMaxTags {
		writeError(w, http.StatusBadRequest, client.CodeInvalidParameterValue, "batch too large")
		return
	}
	if f.failLogBatch.Add(-1) >= 0 {
		writeError(w, http.StatusServiceUnavailable, "TEMPORARILY_UNAVAILABLE", "injected log-batch failure")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.runLocked(w, req.RunID)
	if fr == nil {
		return
	}
	f.batchSizes = append(f.batchSizes, len(req.Metrics)+len(req.Params)+len(req.Tags))
	fr.appendMetricsLocked(req.Metrics)
	fr.run.Data.Params = append(fr.run.Data.Params, req.Params...)
	fr.run.Data.Tags = append(fr.run.Data.Tags, req.Tags...)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *fakeServer) logMetric(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
		client.Metric
	}
	var raw json.RawMessage
	if !decode(w, r, &raw) {
		return
	}
	if err := json.Unmarshal(raw, &req.Metric); err != nil {
		writeError(w, http.StatusBadRequest, client.CodeInvalidParameterValue, err.Error())
		return
	}
	var id struct {
		RunID string `json:"run_id"`
	}
	_ = json.Unmarshal(raw, &id)
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.runLocked(w, id.RunID)
	if fr == nil {
		return
	}
	fr.appendMetricsLocked([]client.Metric{req.Metric})
	writeJSON(w, http.StatusOK, struct{}{})
}

type keyValueRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (f *fakeServer) logParam(w http.ResponseWriter, r *http.Request) {
	var req keyValueRequest
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.runLocked(w, req.RunID)
	if fr == nil {
		return
	}
	fr.run.Data.Params = append(fr.run.Data.Params, client.Param{Key: req.Key, Value: req.Value})
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *fakeServer) setTag(w http.ResponseWriter, r *http.Request) {
	var req keyValueRequest
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.runLocked(w, req.RunID)
	if fr == nil {
		return
	}
	fr.run.Data.Tags = slices.DeleteFunc(fr.run.Data.Tags, func(t client.RunTag) bool { return t.Key == req.Key })
	fr.run.Data.Tags = append(fr.run.Data.Tags, client.RunTag{Key: req.Key, Value: req.Value})
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *fakeServer) deleteTag(w http.ResponseWriter, r *http.Request) {
	var req keyValueRequest
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.runLocked(w, req.RunID)
	if fr == nil {
		return
	}
	fr.run.Data.Tags = slices.DeleteFunc(fr.run.Data.Tags, func(t client.RunTag) bool { return t.Key == req.Key })
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *fakeServer) logInputs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID    string                `json:"run_id"`
		Datasets []client.DatasetInput `json:"datasets"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.runLocked(w, req.RunID)
	if fr == nil {
		return
	}
	fr.run.Inputs.DatasetInputs = append(fr.run.Inputs.DatasetInputs, req.Datasets...)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *fakeServer) getMetricHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("max_results"))
	f.mu.Lock()
	fr := f.runLocked(w, q.Get("run_id"))
	if fr == nil {
		f.mu.Unlock()
		return
	}
	history := slices.Clone(fr.history[q.Get("metric_key")])
	f.mu.Unlock()
	page, next := pageOf(history, q.Get("page_token"), f.capPage(size))
	writeJSON(w, http.StatusOK, client.GetMetricHistoryResponse{Metrics: page, NextPageToken: next})
}

// runState returns a copy of a run's stored state.
func (f *fakeServer) runState(t *testing.T, id string) client.Run {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.runs[id]
	require.True(t, ok, "run %s not found", id)
	return fr.run
}

func (f *fakeServer) history(id, key string) []client.Metric {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.runs[id].history[key])
}

func (f *fakeServer) recordedBatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.batchSizes)
}
