package model

// Operation 图片操作类型
type Operation string

const (
	OpRetouch        Operation = "retouch"         // 金属/宝石精修
	OpBackgroundSwap Operation = "background_swap" // 换背景
	OpUpscale        Operation = "upscale"         // 放大增强
	OpSceneCompose   Operation = "scene_compose"   // 场景合成
	OpModelWear      Operation = "model_wear"      // 模特佩戴图
)

// SubmitJobRequest 任务提交请求
type SubmitJobRequest struct {
	Operation Operation `json:"operation"`
	Prompt    string    `json:"prompt,omitempty"`
	ImageURLs []string  `json:"image_urls,omitempty"`
	Variants  int       `json:"variants,omitempty"` // 生成张数，默认 1
}

// Units 计费单元数（每个 variant 计一次费）
func (r *SubmitJobRequest) Units() int {
	if r.Variants <= 0 {
		return 1
	}
	return r.Variants
}

// EditedImage 单张生成结果
type EditedImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// JobOutcome 上游返回的原始结果
//
// CompletedUnits 可能小于请求的单元数（部分成功）；计费按完成数结算，
// 未完成部分的预留退还。
type JobOutcome struct {
	Images         []EditedImage `json:"images"`
	CompletedUnits int           `json:"completed_units"`
	UpstreamID     string        `json:"upstream_id,omitempty"`
}

// JobResult 任务提交响应
type JobResult struct {
	RequestID      string        `json:"request_id"`
	Operation      Operation     `json:"operation"`
	Images         []EditedImage `json:"images"`
	RequestedUnits int           `json:"requested_units"`
	CompletedUnits int           `json:"completed_units"`
	CreditsCharged int64         `json:"credits_charged"`
	LatencyMs      int64         `json:"latency_ms"`
}

// GrantRequest 管理端发放积分请求
type GrantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}
