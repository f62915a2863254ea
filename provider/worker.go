package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"StoryBeat-server/models"
)

// WorkerAdapter 自建推理 worker：POST /v1/generate 提交，GET /v1/jobs/{id} 轮询，DELETE 取消
type WorkerAdapter struct {
	Endpoint   string
	MaxJobs    int
	DefaultFPS int
	HTTPClient *http.Client
}

func NewWorkerAdapter(endpoint string, maxInFlight int) *WorkerAdapter {
	return &WorkerAdapter{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		MaxJobs:    maxInFlight,
		DefaultFPS: 24,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WorkerAdapter) Name() string     { return models.ProviderWorker }
func (w *WorkerAdapter) MaxInFlight() int { return w.MaxJobs }

type workerResult struct {
	ResourceURL   string  `json:"resource_url"`
	FinalFrameURL string  `json:"final_frame_url"`
	Duration      float64 `json:"duration"`
	FileSize      int64   `json:"file_size"`
}

type workerJob struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Status    string       `json:"status"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message"`
	Result    workerResult `json:"result"`
	Error     string       `json:"error"`
	ErrorKind string       `json:"error_kind"`
}

func (w *WorkerAdapter) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request failed: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.Endpoint+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return w.HTTPClient.Do(req)
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2000))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func (w *WorkerAdapter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	fps, format, bitrate := w.DefaultFPS, "mp4", 0
	if o := req.Settings.Options.Worker; o != nil {
		if o.FPS != 0 {
			fps = o.FPS
		}
		if o.Format != "" {
			format = o.Format
		}
		bitrate = o.Bitrate
	}
	body := map[string]any{
		"id":         fmt.Sprintf("%s:%d", req.ProductionID, req.ClipIndex),
		"project_id": req.ProductionID,
		"type":       "video_gen",
		"parameters": map[string]any{
			"clip_index":             req.ClipIndex,
			"prompt":                 req.Prompt,
			"reference_id":           req.ReferenceID,
			"reference_url":          req.ReferenceURL,
			"continuation_frame_url": req.ContinuationFrameURL,
			"duration":               req.Settings.DurationSeconds,
			"resolution":             req.Settings.Resolution,
			"fps":                    fps,
			"format":                 format,
			"bitrate":                bitrate,
		},
	}
	slog.Debug("Submitting clip to worker", "endpoint", w.Endpoint, "production", req.ProductionID, "clip", req.ClipIndex)

	resp, err := w.do(ctx, http.MethodPost, "/v1/generate", body)
	if err != nil {
		return "", Classify(w.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", Classify(w.Name(), readStatusError(resp))
	}
	var job workerJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", Classify(w.Name(), fmt.Errorf("decode response failed: %w", err))
	}
	// 优先返回根节点的 id
	if job.ID != "" {
		return job.ID, nil
	}
	if job.JobID != "" {
		return job.JobID, nil
	}
	return "", Wrap(w.Name(), models.ErrorKindUnknown, fmt.Errorf("response missing 'id'"))
}

func (w *WorkerAdapter) Poll(ctx context.Context, jobID string) (PollResult, error) {
	resp, err := w.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if err != nil {
		return PollResult{}, Classify(w.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, Classify(w.Name(), readStatusError(resp))
	}

	var job workerJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return PollResult{}, Classify(w.Name(), fmt.Errorf("decode job %s failed: %w", jobID, err))
	}

	switch strings.ToLower(job.Status) {
	case "success", "finished", "completed", "succeeded":
		return PollResult{
			Status:          JobSucceeded,
			ResultURL:       job.Result.ResourceURL,
			FinalFrameURL:   job.Result.FinalFrameURL,
			DurationSeconds: job.Result.Duration,
			FileSizeBytes:   job.Result.FileSize,
		}, nil
	case "failed", "error":
		kind := models.ErrorKind(job.ErrorKind)
		if kind == "" {
			kind = models.ErrorKindUnknown
		}
		msg := job.Error
		if msg == "" {
			msg = job.Message
		}
		return PollResult{Status: JobFailed, ErrorKind: kind, Message: msg}, nil
	case "processing", "running":
		return PollResult{Status: JobRunning, Message: job.Message}, nil
	}
	return PollResult{Status: JobQueued, Message: job.Message}, nil
}

func (w *WorkerAdapter) Cancel(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("empty job id")
	}
	resp, err := w.do(ctx, http.MethodDelete, "/v1/jobs/"+jobID, nil)
	if err != nil {
		return false, fmt.Errorf("worker delete request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound, http.StatusConflict:
		// 已结束或不存在
		return false, nil
	}
	return false, fmt.Errorf("worker delete: %w", readStatusError(resp))
}
