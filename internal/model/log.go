package model

import "time"

// JobLog 任务日志
type JobLog struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Operation string    `json:"operation"`

	// 请求信息
	RequestedUnits int `json:"requested_units"`

	// 计费信息
	CreditsReserved int64 `json:"credits_reserved"`
	CreditsCharged  int64 `json:"credits_charged"`

	// 响应信息
	Success        bool  `json:"success"`
	StatusCode     int   `json:"status_code"`
	CompletedUnits int   `json:"completed_units"`
	LatencyMs      int64 `json:"latency_ms"`

	// 错误信息
	Error string `json:"error,omitempty"`

	// 客户端信息
	ClientIP string `json:"client_ip,omitempty"`
	KeyID    string `json:"key_id,omitempty"`

	// 使用的上游凭证提示（仅末四位，不落明文）
	UpstreamKeyHint string `json:"upstream_key_hint,omitempty"`
}

// DailyStats 每日统计汇总
type DailyStats struct {
	Date           string  `json:"date"`
	TotalJobs      int     `json:"total_jobs"`
	SuccessRate    float64 `json:"success_rate"`
	CreditsCharged int64   `json:"credits_charged"`
	AvgLatency     float64 `json:"avg_latency_ms"`
}

// OperationStats 按操作类型统计
type OperationStats struct {
	Operation      string  `json:"operation"`
	JobCount       int     `json:"job_count"`
	SuccessRate    float64 `json:"success_rate"`
	CreditsCharged int64   `json:"credits_charged"`
	AvgLatency     float64 `json:"avg_latency_ms"`
}

// LogQuery 日志查询参数
type LogQuery struct {
	UserID    string    `form:"user_id"`
	RequestID string    `form:"request_id"`
	Operation string    `form:"operation"`
	Success   *bool     `form:"success"`
	StartTime time.Time `form:"start_time"`
	EndTime   time.Time `form:"end_time"`
	Limit     int       `form:"limit"`
	Offset    int       `form:"offset"`
}
