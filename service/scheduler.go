package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ClipJob 调度单元：某个 production 中某个分镜的某一代
type ClipJob struct {
	ProductionID string `json:"production_id"`
	ClipIndex    int    `json:"clip_index"`
	Generation   int    `json:"generation"`
	// Resume 进程重启后继续轮询已提交的供应商任务
	Resume bool `json:"resume,omitempty"`
}

func (j ClipJob) key() string {
	k := fmt.Sprintf("clip:%s:%d:%d", j.ProductionID, j.ClipIndex, j.Generation)
	if j.Resume {
		k += ":resume"
	}
	return k
}

// RunFunc 执行一个分镜任务，通常是 Orchestrator.RunClip
type RunFunc func(ctx context.Context, job ClipJob) error

// Scheduler 把分镜任务交给 worker 执行
type Scheduler interface {
	Schedule(ctx context.Context, job ClipJob) error
}

// LocalScheduler 进程内 worker 池，由 errgroup 管理
type LocalScheduler struct {
	workers int
	jobs    chan ClipJob
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	group   *errgroup.Group
}

func NewLocalScheduler(workers, buffer int) *LocalScheduler {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &LocalScheduler{
		workers: workers,
		jobs:    make(chan ClipJob, buffer),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}
}

// Start 启动 worker，ctx 结束后全部退出
func (s *LocalScheduler) Start(ctx context.Context, run RunFunc) {
	g, ctx := errgroup.WithContext(ctx)
	s.group = g
	go func() {
		<-ctx.Done()
		close(s.done)
	}()
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-s.jobs:
					s.forget(job)
					if err := run(ctx, job); err != nil {
						slog.Warn("Clip job ended with error", "production", job.ProductionID, "clip", job.ClipIndex, "error", err)
					}
				}
			}
		})
	}
	slog.Info("Local scheduler started", "workers", s.workers)
}

func (s *LocalScheduler) forget(job ClipJob) {
	s.mu.Lock()
	delete(s.pending, job.key())
	s.mu.Unlock()
}

// Wait 等待所有 worker 退出
func (s *LocalScheduler) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Schedule 入队，不阻塞调用方；同一个 job 排队中时不重复入队
func (s *LocalScheduler) Schedule(ctx context.Context, job ClipJob) error {
	s.mu.Lock()
	if _, dup := s.pending[job.key()]; dup {
		s.mu.Unlock()
		return nil
	}
	s.pending[job.key()] = struct{}{}
	s.mu.Unlock()

	select {
	case s.jobs <- job:
		return nil
	case <-s.done:
		s.forget(job)
		return fmt.Errorf("scheduler stopped")
	case <-ctx.Done():
		s.forget(job)
		return ctx.Err()
	default:
	}
	// 队列满：worker 可能正在调度后继分镜，不能在这里阻塞
	go func() {
		select {
		case s.jobs <- job:
		case <-s.done:
		}
	}()
	return nil
}
