// Package provider 外部视频生成供应商的统一适配层
package provider

import (
	"context"

	"StoryBeat-server/models"
)

// JobStatus 供应商任务状态
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// SubmitRequest 提交一个分镜的生成请求
type SubmitRequest struct {
	ProductionID         string
	ClipIndex            int
	Prompt               string
	ReferenceID          string
	ReferenceURL         string
	ContinuationFrameURL string // 链式生成时上一分镜的末帧
	Settings             models.GenerationSettings
}

// PollResult 轮询结果。Status 为 failed 时 ErrorKind 决定是否重试
type PollResult struct {
	Status          JobStatus
	ResultURL       string
	ResultBytes     []byte // 供应商直接返回内容时使用，由归档写入对象存储
	MIMEType        string
	FinalFrameURL   string
	DurationSeconds float64
	FileSizeBytes   int64
	ErrorKind       models.ErrorKind
	Message         string
}

// Adapter 单个供应商。Submit/Poll 返回的 error 已按错误分类包装
type Adapter interface {
	Name() string
	// MaxInFlight 同时在途任务数上限，<= 0 表示不限
	MaxInFlight() int
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
	// Cancel 尽力取消，不支持时返回 false
	Cancel(ctx context.Context, jobID string) (bool, error)
}
