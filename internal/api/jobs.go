package api

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/gemstudio/internal/core"
	"github.com/xiaopang/gemstudio/internal/model"
)

// JobHandler 任务与余额处理器
type JobHandler struct {
	jobs    *core.JobService
	credits *core.CreditManager
	limiter *core.RateLimiter
}

// NewJobHandler 创建任务处理器
func NewJobHandler(jobs *core.JobService, credits *core.CreditManager, limiter *core.RateLimiter) *JobHandler {
	return &JobHandler{
		jobs:    jobs,
		credits: credits,
		limiter: limiter,
	}
}

// SubmitJob 提交任务
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req model.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &model.ValidationError{Message: "invalid request body: " + err.Error()})
		return
	}

	client := clientInfoFromContext(c)
	result, err := h.jobs.Submit(c.Request.Context(), &req, client)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(200, result)
}

// GetCredits 查询余额
func (h *JobHandler) GetCredits(c *gin.Context) {
	client := clientInfoFromContext(c)

	if err := h.limiter.CheckAndConsume(c.Request.Context(), client.IP, core.ScopeQueryIP); err != nil {
		respondError(c, err)
		return
	}

	acc, err := h.credits.Balance(c.Request.Context(), client.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(200, acc.ToBalanceResponse())
}

// clientInfoFromContext 从 gin.Context 取客户端信息
func clientInfoFromContext(c *gin.Context) *model.ClientInfo {
	if v, ok := c.Get(ClientInfoKey); ok {
		if ci, ok := v.(*model.ClientInfo); ok {
			return ci
		}
	}
	return &model.ClientInfo{IP: c.ClientIP()}
}

// respondError 统一错误响应：稳定错误码 + 人类可读消息
func respondError(c *gin.Context, err error) {
	status := core.StatusForError(err)
	detail := model.ErrorDetail{Message: err.Error()}

	var (
		ve *model.ValidationError
		uo *model.UnsupportedOperationError
		rl *model.RateLimitedError
		ic *model.InsufficientCreditsError
		ue *model.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		detail.Type = "invalid_request_error"
		detail.Code = model.CodeValidation
	case errors.As(err, &uo):
		detail.Type = "invalid_request_error"
		detail.Code = model.CodeUnsupportedOperation
	case errors.As(err, &rl):
		detail.Type = "rate_limit_error"
		detail.Code = model.CodeRateLimited
		seconds := int64(rl.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		detail.RetryAfterSeconds = seconds
		c.Header("Retry-After", fmt.Sprintf("%d", seconds))
	case errors.As(err, &ic):
		detail.Type = "billing_error"
		detail.Code = model.CodeInsufficientCredits
		detail.Shortfall = ic.Shortfall()
	case errors.As(err, &ue):
		detail.Type = "upstream_error"
		detail.Code = model.CodeUpstreamError
	case errors.Is(err, model.ErrNoHealthyKeys):
		detail.Type = "capacity_error"
		detail.Code = model.CodeNoHealthyKeys
	case errors.Is(err, model.ErrUnknownTransaction):
		detail.Type = "internal_error"
		detail.Code = model.CodeUnknownTransaction
	default:
		detail.Type = "internal_error"
		detail.Code = model.CodeInternal
		detail.Message = "Internal server error"
	}

	c.JSON(status, model.ErrorResponse{Error: detail})
}
