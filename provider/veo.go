package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"StoryBeat-server/models"

	"google.golang.org/genai"
)

const defaultVeoModel = "veo-3.0-generate-001"

// videoOperations 对 genai 长任务接口的最小抽象，便于测试替换
type videoOperations interface {
	GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
	GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
}

type genaiOperations struct {
	client *genai.Client
}

func (g genaiOperations) GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	return g.client.Models.GenerateVideos(ctx, model, prompt, image, config)
}

func (g genaiOperations) GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error) {
	return g.client.Operations.GetVideosOperation(ctx, op, config)
}

// VeoAdapter Google Veo，通过 genai 的长任务接口提交与轮询。不支持取消。
type VeoAdapter struct {
	ops        videoOperations
	model      string
	maxJobs    int
	httpClient *http.Client
}

// NewVeoAdapter apiKey 为空时返回错误
func NewVeoAdapter(ctx context.Context, apiKey, model string, maxInFlight int) (*VeoAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("veo: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newVeoAdapter(genaiOperations{client: client}, model, maxInFlight), nil
}

func newVeoAdapter(ops videoOperations, model string, maxInFlight int) *VeoAdapter {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoAdapter{
		ops:        ops,
		model:      model,
		maxJobs:    maxInFlight,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (v *VeoAdapter) Name() string     { return models.ProviderVeo }
func (v *VeoAdapter) MaxInFlight() int { return v.maxJobs }

func (v *VeoAdapter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	model := v.model
	cfg := &genai.GenerateVideosConfig{NumberOfVideos: 1}
	if d := int32(req.Settings.DurationSeconds); d > 0 {
		cfg.DurationSeconds = &d
	}
	if req.Settings.Resolution == "720p" || req.Settings.Resolution == "1080p" {
		cfg.Resolution = req.Settings.Resolution
	}
	if o := req.Settings.Options.Veo; o != nil {
		if o.Model != "" {
			model = o.Model
		}
		cfg.AspectRatio = o.AspectRatio
		cfg.NegativePrompt = o.NegativePrompt
		audio := o.GenerateAudio
		cfg.GenerateAudio = &audio
	}

	// 链式生成以上一分镜末帧作为首帧，否则用角色参考图
	var image *genai.Image
	source := req.ContinuationFrameURL
	if source == "" {
		source = req.ReferenceURL
	}
	if source != "" {
		img, err := v.loadImage(ctx, source)
		if err != nil {
			return "", &models.ProviderPermanentError{Provider: v.Name(), Kind: models.ErrorKindInvalidReference, Err: err}
		}
		image = img
	}

	op, err := v.ops.GenerateVideos(ctx, model, req.Prompt, image, cfg)
	if err != nil {
		return "", v.classify(err)
	}
	if op == nil || op.Name == "" {
		return "", Wrap(v.Name(), models.ErrorKindUnknown, fmt.Errorf("operation without name"))
	}
	slog.Debug("Veo operation started", "operation", op.Name, "production", req.ProductionID, "clip", req.ClipIndex)
	return op.Name, nil
}

func (v *VeoAdapter) Poll(ctx context.Context, jobID string) (PollResult, error) {
	op, err := v.ops.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: jobID}, nil)
	if err != nil {
		return PollResult{}, v.classify(err)
	}
	if !op.Done {
		return PollResult{Status: JobRunning}, nil
	}
	if len(op.Error) > 0 {
		kind, msg := operationError(op.Error)
		return PollResult{Status: JobFailed, ErrorKind: kind, Message: msg}, nil
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		if op.Response != nil && op.Response.RAIMediaFilteredCount > 0 {
			return PollResult{Status: JobFailed, ErrorKind: models.ErrorKindContentRejected,
				Message: strings.Join(op.Response.RAIMediaFilteredReasons, "; ")}, nil
		}
		return PollResult{Status: JobFailed, ErrorKind: models.ErrorKindUnknown, Message: "operation finished without a video"}, nil
	}
	video := op.Response.GeneratedVideos[0].Video
	return PollResult{
		Status:        JobSucceeded,
		ResultURL:     video.URI,
		ResultBytes:   video.VideoBytes,
		MIMEType:      video.MIMEType,
		FileSizeBytes: int64(len(video.VideoBytes)),
	}, nil
}

// Cancel genai 没有取消视频任务的接口
func (v *VeoAdapter) Cancel(context.Context, string) (bool, error) {
	return false, nil
}

func (v *VeoAdapter) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return Classify(v.Name(), &StatusError{Code: apiErr.Code, Body: apiErr.Message})
	}
	return Classify(v.Name(), err)
}

func (v *VeoAdapter) loadImage(ctx context.Context, url string) (*genai.Image, error) {
	if strings.HasPrefix(url, "gs://") {
		return &genai.Image{GCSURI: url}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image %s: status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(b)
	}
	return &genai.Image{ImageBytes: b, MIMEType: mime}, nil
}

// operationError 长任务 error 字段是 google.rpc.Status
func operationError(e map[string]any) (models.ErrorKind, string) {
	msg, _ := e["message"].(string)
	code, _ := e["code"].(float64)
	switch int(code) {
	case 4: // DEADLINE_EXCEEDED
		return models.ErrorKindTimeout, msg
	case 8: // RESOURCE_EXHAUSTED
		return models.ErrorKindRateLimited, msg
	case 13, 14: // INTERNAL, UNAVAILABLE
		return models.ErrorKindProviderUnavailable, msg
	case 3, 9, 11: // INVALID_ARGUMENT, FAILED_PRECONDITION, OUT_OF_RANGE
		return models.ErrorKindInvalidRequest, msg
	case 7: // PERMISSION_DENIED
		return models.ErrorKindContentRejected, msg
	case 1: // CANCELLED
		return models.ErrorKindCancelled, msg
	}
	return models.ErrorKindUnknown, msg
}
