// Package upstream 封装对外部 AI 图片服务的调用。
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xiaopang/gemstudio/internal/model"
)

// Client 上游 HTTP 客户端
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient 创建上游客户端
//
// 超时由调用方通过 context 控制，这里不再设置客户端级超时。
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// submitPayload 上游请求体
type submitPayload struct {
	Operation string   `json:"operation"`
	Prompt    string   `json:"prompt,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Variants  int      `json:"variants"`
}

// submitReply 上游响应体
type submitReply struct {
	ID             string              `json:"id"`
	Images         []model.EditedImage `json:"images"`
	CompletedUnits int                 `json:"completed_units"`
	Error          *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Submit 提交一次图片操作
//
// 所有错误都已分类为 UpstreamError，且消息经过脱敏（不含凭证）。
func (c *Client) Submit(ctx context.Context, req *model.SubmitJobRequest, credential string) (*model.JobOutcome, error) {
	payload := submitPayload{
		Operation: string(req.Operation),
		Prompt:    req.Prompt,
		ImageURLs: req.ImageURLs,
		Variants:  req.Units(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &model.UpstreamError{Kind: model.UpstreamBadReply, Message: "encode request: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/images/edits", bytes.NewReader(body))
	if err != nil {
		return nil, &model.UpstreamError{Kind: model.UpstreamTransient, Message: redact(err.Error(), credential)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &model.UpstreamError{Kind: model.UpstreamTimeout, Message: "upstream call timed out"}
		}
		return nil, &model.UpstreamError{Kind: model.UpstreamTransient, Message: redact(err.Error(), credential)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &model.UpstreamError{Kind: model.UpstreamTransient, Message: redact(err.Error(), credential)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody, credential)
	}

	var reply submitReply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, &model.UpstreamError{Kind: model.UpstreamBadReply, Message: "decode response: " + err.Error()}
	}
	if reply.Error != nil {
		return nil, &model.UpstreamError{Kind: model.UpstreamBadReply, Message: redact(reply.Error.Message, credential)}
	}

	outcome := &model.JobOutcome{
		Images:         reply.Images,
		CompletedUnits: reply.CompletedUnits,
		UpstreamID:     reply.ID,
	}
	// 部分实现不回填 completed_units，按返回的图片数推断
	if outcome.CompletedUnits == 0 {
		outcome.CompletedUnits = len(reply.Images)
	}
	return outcome, nil
}

// classifyStatus 非 200 状态码分类
func classifyStatus(status int, body []byte, credential string) *model.UpstreamError {
	msg := redact(snippet(body), credential)
	switch {
	case status == http.StatusTooManyRequests:
		return &model.UpstreamError{Kind: model.UpstreamRateLimit, Message: fmt.Sprintf("status 429: %s", msg)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &model.UpstreamError{Kind: model.UpstreamAuth, Message: fmt.Sprintf("status %d: %s", status, msg)}
	case status >= 500:
		return &model.UpstreamError{Kind: model.UpstreamTransient, Message: fmt.Sprintf("status %d: %s", status, msg)}
	default:
		return &model.UpstreamError{Kind: model.UpstreamBadReply, Message: fmt.Sprintf("status %d: %s", status, msg)}
	}
}

// snippet 截取响应片段用于错误消息
func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// redact 从错误消息中抹去凭证
func redact(msg, credential string) string {
	if credential == "" {
		return msg
	}
	return strings.ReplaceAll(msg, credential, "[redacted]")
}
