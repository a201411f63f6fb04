package model

import (
	"errors"
	"fmt"
	"time"
)

// 稳定的机器可读错误码（对外返回，不要随意改动）
const (
	CodeValidation           = "validation_error"
	CodeUnsupportedOperation = "unsupported_operation"
	CodeRateLimited          = "rate_limited"
	CodeInsufficientCredits  = "insufficient_credits"
	CodeUpstreamError        = "upstream_error"
	CodeNoHealthyKeys        = "no_healthy_keys"
	CodeUnknownTransaction   = "unknown_transaction"
	CodeInternal             = "internal_error"
)

// 错误定义
var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrNoHealthyKeys      = errors.New("no healthy upstream keys")
	ErrAccountNotFound    = errors.New("credit account not found")
)

// ValidationError 请求参数错误
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// UnsupportedOperationError 未知的操作类型
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported operation: %s", e.Operation)
}

// InsufficientCreditsError 余额不足，携带缺口金额供前端提示充值
type InsufficientCreditsError struct {
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

// Shortfall 缺口金额
func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

// RateLimitedError 触发频率限制
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

// UpstreamErrorKind 上游错误分类
type UpstreamErrorKind string

const (
	UpstreamRateLimit UpstreamErrorKind = "rate_limit"
	UpstreamAuth      UpstreamErrorKind = "auth"
	UpstreamTimeout   UpstreamErrorKind = "timeout"
	UpstreamTransient UpstreamErrorKind = "transient"
	UpstreamBadReply  UpstreamErrorKind = "bad_response"
)

// UpstreamError 上游调用失败（消息已脱敏，不包含凭证）
type UpstreamError struct {
	Kind    UpstreamErrorKind
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message           string `json:"message"`
	Type              string `json:"type"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Shortfall         int64  `json:"shortfall,omitempty"`
}
