package models

import (
	"errors"
	"fmt"
)

// 通用哨兵错误，供 errors.Is 判断
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrClipNotRegenerable  = errors.New("clip is not in a regenerable state")
	ErrClipBusy            = errors.New("clip regeneration already in flight")
	ErrProductionCancelled = errors.New("production was cancelled")
	ErrAllocationClosed    = errors.New("credit allocation already closed")
	ErrChainPredecessor    = errors.New("previous chained clip has not succeeded")
)

// ErrorKind 是单个分镜生成失败的分类标签
type ErrorKind string

const (
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindRateLimited         ErrorKind = "rate_limited"
	ErrorKindProviderUnavailable ErrorKind = "provider_unavailable" // 5xx
	ErrorKindNetwork             ErrorKind = "network"
	ErrorKindInvalidReference    ErrorKind = "invalid_reference"
	ErrorKindContentRejected     ErrorKind = "content_rejected"
	ErrorKindInsufficientCredits ErrorKind = "insufficient_credits"
	ErrorKindInvalidRequest      ErrorKind = "invalid_request"
	ErrorKindCancelled           ErrorKind = "cancelled"
	ErrorKindUpstreamFailed      ErrorKind = "upstream_failed"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// Transient 表示该类错误可以重试
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindRateLimited, ErrorKindProviderUnavailable, ErrorKindNetwork:
		return true
	}
	return false
}

// InsufficientCreditsError 在派发前预留额度不足时返回
type InsufficientCreditsError struct {
	AccountID string
	Available int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for account %s: available %d, required %d", e.AccountID, e.Available, e.Required)
}

// InvalidTemplateError 规划阶段模板无法满足
type InvalidTemplateError struct {
	TemplateID string
	ClipIndex  int
	Reason     string
}

func (e *InvalidTemplateError) Error() string {
	if e.ClipIndex < 0 {
		return fmt.Sprintf("invalid template %s: %s", e.TemplateID, e.Reason)
	}
	return fmt.Sprintf("invalid template %s (clip %d): %s", e.TemplateID, e.ClipIndex, e.Reason)
}

// InvalidReferenceError 角色参考图缺失或不合法
type InvalidReferenceError struct {
	CharacterID string
	ReferenceID string
	Reason      string
}

func (e *InvalidReferenceError) Error() string {
	if e.ReferenceID != "" {
		return fmt.Sprintf("invalid reference %s for character %s: %s", e.ReferenceID, e.CharacterID, e.Reason)
	}
	return fmt.Sprintf("invalid reference for character %s: %s", e.CharacterID, e.Reason)
}

// ProviderTransientError 可重试的供应商错误（限流、5xx、网络）
type ProviderTransientError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderTransientError) Error() string {
	return fmt.Sprintf("provider %s transient error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderTransientError) Unwrap() error { return e.Err }

// ProviderPermanentError 不可重试的供应商错误（内容拒绝、非法参考图等）
type ProviderPermanentError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderPermanentError) Error() string {
	return fmt.Sprintf("provider %s permanent error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderPermanentError) Unwrap() error { return e.Err }

// TimeoutError 单个供应商任务超过调用方给定的超时，按可重试处理
type TimeoutError struct {
	Provider string
	JobID    string
	Timeout  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s job %s timed out after %s", e.Provider, e.JobID, e.Timeout)
}

// KindOf 把任意错误映射到 ErrorKind
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return ErrorKindTimeout
	}
	var pt *ProviderTransientError
	if errors.As(err, &pt) {
		return pt.Kind
	}
	var pp *ProviderPermanentError
	if errors.As(err, &pp) {
		return pp.Kind
	}
	var ic *InsufficientCreditsError
	if errors.As(err, &ic) {
		return ErrorKindInsufficientCredits
	}
	var ir *InvalidReferenceError
	if errors.As(err, &ir) {
		return ErrorKindInvalidReference
	}
	return ErrorKindUnknown
}

// IsTransient 判断错误是否应该走重试
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}
