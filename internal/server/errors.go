package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind 错误类别, 决定状态码以及调用方是否应该重试
type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindAuth        Kind = "AuthError"
	KindNotFound    Kind = "NotFoundError"
	KindQuota       Kind = "QuotaExceededError"
	KindSourceFetch Kind = "SourceFetchError"
	KindRateLimited Kind = "RateLimitedError"
	KindUnavailable Kind = "UnavailableError"
	KindProcessing  Kind = "ProcessingError"
)

var kindStatus = map[Kind]int{
	KindValidation:  http.StatusBadRequest,
	KindAuth:        http.StatusUnauthorized,
	KindNotFound:    http.StatusNotFound,
	KindQuota:       http.StatusPaymentRequired,
	KindSourceFetch: http.StatusBadRequest,
	KindRateLimited: http.StatusTooManyRequests,
	KindUnavailable: http.StatusServiceUnavailable,
	KindProcessing:  http.StatusInternalServerError,
}

// APIError 返回给调用方的错误
type APIError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// Status HTTP 状态码
func (e *APIError) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable 只有处理失败可以原样重试
func (e *APIError) Retryable() bool {
	return e.Kind == KindProcessing
}

func newError(kind Kind, message string, cause error) *APIError {
	return &APIError{Kind: kind, Message: message, Cause: cause}
}

func validationError(message string) *APIError {
	return newError(KindValidation, message, nil)
}

func processingError(cause error) *APIError {
	return newError(KindProcessing, fmt.Sprintf("Failed to apply mask: %v", cause), cause)
}

// asAPIError 未分类的错误按处理失败对待
func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return processingError(err)
}

// abort 写出 {"error": "..."} 并终止后续处理
func abort(c *gin.Context, err error) {
	apiErr := asAPIError(err)
	_ = c.Error(apiErr)
	c.AbortWithStatusJSON(apiErr.Status(), gin.H{"error": apiErr.Message})
}
