package core

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/xiaopang/gemstudio/internal/logger"
	"github.com/xiaopang/gemstudio/internal/model"
	"github.com/xiaopang/gemstudio/internal/store"
)

// Upstream 上游 AI 图片服务
type Upstream interface {
	Submit(ctx context.Context, req *model.SubmitJobRequest, credential string) (*model.JobOutcome, error)
}

// 内置价目表（积分 / 单元），可被配置覆盖
var defaultOperationCosts = map[model.Operation]int64{
	model.OpRetouch:        1,
	model.OpBackgroundSwap: 2,
	model.OpUpscale:        2,
	model.OpSceneCompose:   4,
	model.OpModelWear:      6,
}

// 请求参数上限
const (
	maxPromptLen   = 2000
	maxImageURLLen = 2048
	maxImages      = 8
	maxVariants    = 4
)

// JobService 任务编排器
//
// 单次请求的状态机：限流 → 校验 → 定价 → 预留 → 上游调用 → 确认/退还。
// 预留之后的任何失败路径都必须退还，由 CreditManager 的包装统一保证。
type JobService struct {
	credits  *CreditManager
	limiter  *RateLimiter
	pool     *KeyPool
	upstream Upstream
	store    *store.Store
	costs    map[model.Operation]int64
	timeout  time.Duration
}

// NewJobService 创建任务编排器
//
// costOverrides 以操作名为键覆盖内置价目；store 可为 nil（不落任务日志）。
func NewJobService(credits *CreditManager, limiter *RateLimiter, pool *KeyPool, upstream Upstream, st *store.Store, costOverrides map[string]int64, timeout time.Duration) *JobService {
	costs := make(map[model.Operation]int64, len(defaultOperationCosts))
	for op, c := range defaultOperationCosts {
		costs[op] = c
	}
	for op, c := range costOverrides {
		if c > 0 {
			costs[model.Operation(op)] = c
		}
	}
	return &JobService{
		credits:  credits,
		limiter:  limiter,
		pool:     pool,
		upstream: upstream,
		store:    st,
		costs:    costs,
		timeout:  timeout,
	}
}

// Cost 查询操作单价
func (s *JobService) Cost(op model.Operation) (int64, error) {
	c, ok := s.costs[op]
	if !ok {
		return 0, &model.UnsupportedOperationError{Operation: string(op)}
	}
	return c, nil
}

// Submit 处理一次任务提交
func (s *JobService) Submit(ctx context.Context, req *model.SubmitJobRequest, client *model.ClientInfo) (*model.JobResult, error) {
	start := time.Now()
	requestID := uuid.NewString()

	// 1. 限流：严格先于任何积分操作
	if err := s.limiter.CheckAndConsume(ctx, client.IP, ScopeSubmitIP); err != nil {
		return nil, err
	}
	if err := s.limiter.CheckAndConsume(ctx, client.UserID, ScopeSubmitUser); err != nil {
		return nil, err
	}

	// 2. 校验请求
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// 3. 定价
	unitCost, err := s.Cost(req.Operation)
	if err != nil {
		return nil, err
	}
	units := req.Units()
	reserveAmount := unitCost * int64(units)

	// 4-7. 预留 → 上游调用 → 确认/退还
	var outcome *model.JobOutcome
	var keyHint string
	err = s.credits.WithReservedCredit(ctx, client.UserID, reserveAmount, func(ctx context.Context) (int64, error) {
		credential, release, err := s.pool.Select()
		if err != nil {
			return 0, err
		}
		defer release()
		keyHint = KeyHint(credential)

		// 客户端断连不取消在途的上游调用：结果无论如何都要等到，
		// 才能按完成数正确结算。只保留超时约束。
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		out, callErr := s.upstream.Submit(callCtx, req, credential)
		if callErr != nil {
			norm := normalizeUpstreamError(callErr)
			s.pool.ReportFailure(credential, failureKind(norm))
			return 0, norm
		}
		s.pool.ReportSuccess(credential)

		if out.CompletedUnits <= 0 {
			return 0, &model.UpstreamError{Kind: model.UpstreamBadReply, Message: "no units completed"}
		}
		if out.CompletedUnits > units {
			out.CompletedUnits = units
		}
		outcome = out

		// 部分成功：只对完成的单元计费，剩余预留退还
		return unitCost * int64(out.CompletedUnits), nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		s.logJob(requestID, req, client, units, reserveAmount, 0, 0, latency, keyHint, err)
		return nil, err
	}

	charged := unitCost * int64(outcome.CompletedUnits)
	s.logJob(requestID, req, client, units, reserveAmount, charged, outcome.CompletedUnits, latency, keyHint, nil)

	return &model.JobResult{
		RequestID:      requestID,
		Operation:      req.Operation,
		Images:         outcome.Images,
		RequestedUnits: units,
		CompletedUnits: outcome.CompletedUnits,
		CreditsCharged: charged,
		LatencyMs:      latency,
	}, nil
}

// validateRequest 校验请求参数
func validateRequest(req *model.SubmitJobRequest) error {
	if req.Operation == "" {
		return &model.ValidationError{Field: "operation", Message: "required"}
	}
	if len(req.Prompt) > maxPromptLen {
		return &model.ValidationError{Field: "prompt", Message: "too long"}
	}
	// variants 为 0 时按 1 处理（见 Units）
	if req.Variants < 0 || req.Variants > maxVariants {
		return &model.ValidationError{Field: "variants", Message: "must be between 0 and 4"}
	}
	if len(req.ImageURLs) > maxImages {
		return &model.ValidationError{Field: "image_urls", Message: "too many images"}
	}
	for _, raw := range req.ImageURLs {
		if len(raw) > maxImageURLLen {
			return &model.ValidationError{Field: "image_urls", Message: "url too long"}
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &model.ValidationError{Field: "image_urls", Message: "invalid url: " + raw}
		}
	}

	switch req.Operation {
	case model.OpRetouch, model.OpBackgroundSwap, model.OpUpscale, model.OpModelWear:
		if len(req.ImageURLs) == 0 {
			return &model.ValidationError{Field: "image_urls", Message: "at least one source image required"}
		}
	case model.OpSceneCompose:
		if req.Prompt == "" {
			return &model.ValidationError{Field: "prompt", Message: "required for scene_compose"}
		}
	}
	return nil
}

// normalizeUpstreamError 将上游错误规整为 UpstreamError
func normalizeUpstreamError(err error) error {
	var ue *model.UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.UpstreamError{Kind: model.UpstreamTimeout, Message: "upstream call timed out"}
	}
	return &model.UpstreamError{Kind: model.UpstreamTransient, Message: err.Error()}
}

// failureKind 上游错误到凭证池信号的映射
func failureKind(err error) FailureKind {
	var ue *model.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case model.UpstreamRateLimit:
			return FailRateLimit
		case model.UpstreamAuth:
			return FailAuth
		}
	}
	return FailTransient
}

// StatusForError 错误到 HTTP 状态码的映射
func StatusForError(err error) int {
	if err == nil {
		return 200
	}
	var (
		ve *model.ValidationError
		uo *model.UnsupportedOperationError
		rl *model.RateLimitedError
		ic *model.InsufficientCreditsError
		ue *model.UpstreamError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &uo):
		return 400
	case errors.As(err, &ic):
		return 402
	case errors.As(err, &rl):
		return 429
	case errors.As(err, &ue):
		return 502
	case errors.Is(err, model.ErrNoHealthyKeys):
		return 503
	default:
		return 500
	}
}

// logJob 落任务日志（尽力而为，失败只告警）
func (s *JobService) logJob(requestID string, req *model.SubmitJobRequest, client *model.ClientInfo, units int, reserved, charged int64, completed int, latencyMs int64, keyHint string, jobErr error) {
	if s.store == nil {
		return
	}

	log := &model.JobLog{
		ID:              uuid.NewString(),
		RequestID:       requestID,
		Timestamp:       time.Now().UTC(),
		UserID:          client.UserID,
		Operation:       string(req.Operation),
		RequestedUnits:  units,
		CreditsReserved: reserved,
		CreditsCharged:  charged,
		Success:         jobErr == nil,
		StatusCode:      StatusForError(jobErr),
		CompletedUnits:  completed,
		LatencyMs:       latencyMs,
		ClientIP:        client.IP,
		KeyID:           client.KeyID,
		UpstreamKeyHint: keyHint,
	}
	if jobErr != nil {
		log.Error = jobErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveJobLog(ctx, log); err != nil {
		logger.Warn("save job log failed", "request_id", requestID, "err", err)
	}
}
