package model

import "time"

// UserKey 用户 API 密钥（Bearer key -> 用户身份）
type UserKey struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// ClientInfo 客户端信息（存入 gin.Context）
type ClientInfo struct {
	UserID string // 账户 ID
	KeyID  string // 关联的 API Key ID
	IP     string // 客户端 IP
}
