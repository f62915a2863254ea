package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"StoryBeat-server/models"
)

// StatusError 供应商返回了非成功的 HTTP 状态码
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// KindForStatus HTTP 状态码到错误类型
func KindForStatus(code int) models.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return models.ErrorKindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return models.ErrorKindTimeout
	case code >= 500:
		return models.ErrorKindProviderUnavailable
	case code == http.StatusPaymentRequired:
		return models.ErrorKindInsufficientCredits
	case code == http.StatusUnavailableForLegalReasons || code == http.StatusForbidden:
		return models.ErrorKindContentRejected
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusUnprocessableEntity:
		return models.ErrorKindInvalidRequest
	}
	return models.ErrorKindUnknown
}

// Classify 把供应商调用返回的原始错误包装为可重试 / 不可重试错误
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pt *models.ProviderTransientError
	var pp *models.ProviderPermanentError
	var te *models.TimeoutError
	if errors.As(err, &pt) || errors.As(err, &pp) || errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &models.ProviderPermanentError{Provider: provider, Kind: models.ErrorKindCancelled, Err: err}
	}

	kind := models.ErrorKindUnknown
	var se *StatusError
	var ne net.Error
	var ue *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = models.ErrorKindTimeout
	case errors.As(err, &se):
		kind = KindForStatus(se.Code)
	case errors.As(err, &ne):
		kind = models.ErrorKindNetwork
		if ne.Timeout() {
			kind = models.ErrorKindTimeout
		}
	case errors.As(err, &ue):
		kind = models.ErrorKindNetwork
	}
	return Wrap(provider, kind, err)
}

// Wrap 按 kind 是否可重试选择错误类型
func Wrap(provider string, kind models.ErrorKind, err error) error {
	if kind.Transient() {
		return &models.ProviderTransientError{Provider: provider, Kind: kind, Err: err}
	}
	return &models.ProviderPermanentError{Provider: provider, Kind: kind, Err: err}
}
