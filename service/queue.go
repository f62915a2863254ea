package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeGenerateClip = "clip:generate"
	clipQueue        = "clips"
)

// AsynqScheduler 通过 Redis 队列分发分镜任务，多个进程可共同消费
type AsynqScheduler struct {
	client      *asynq.Client
	server      *asynq.Server
	taskTimeout time.Duration
}

func NewAsynqScheduler(redis asynq.RedisClientOpt, concurrency int, taskTimeout time.Duration) *AsynqScheduler {
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			clipQueue: 1,
		},
	})
	return &AsynqScheduler{
		client:      asynq.NewClient(redis),
		server:      srv,
		taskTimeout: taskTimeout,
	}
}

// Schedule 入队。任务 ID 由 production/clip/generation 组成，重复入队视为成功。
// 重试在 Orchestrator 内完成，这里关闭 asynq 自身的重试。
func (s *AsynqScheduler) Schedule(ctx context.Context, job ClipJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	task := asynq.NewTask(TypeGenerateClip, payload,
		asynq.TaskID(job.key()),
		asynq.Queue(clipQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(s.taskTimeout),
	)
	info, err := s.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Debug("Clip task already enqueued", "task", job.key())
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	slog.Info("Clip task enqueued", "task", info.ID, "production", job.ProductionID, "clip", job.ClipIndex)
	return nil
}

// Start 启动消费者
func (s *AsynqScheduler) Start(run RunFunc) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateClip, func(ctx context.Context, t *asynq.Task) error {
		var job ClipJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
		return run(ctx, job)
	})
	slog.Info("Starting asynq clip processor", "queue", clipQueue)
	return s.server.Start(mux)
}

// Shutdown 停止消费并关闭客户端
func (s *AsynqScheduler) Shutdown() {
	s.server.Shutdown()
	if err := s.client.Close(); err != nil {
		slog.Warn("Close asynq client failed", "error", err)
	}
}
