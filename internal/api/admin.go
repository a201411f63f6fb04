package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/gemstudio/internal/core"
	"github.com/xiaopang/gemstudio/internal/model"
	"github.com/xiaopang/gemstudio/internal/store"
)

// AdminHandler 管理 API 处理器
type AdminHandler struct {
	credits   *core.CreditManager
	pool      *core.KeyPool
	store     *store.Store
	startedAt time.Time
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(credits *core.CreditManager, pool *core.KeyPool, st *store.Store) *AdminHandler {
	return &AdminHandler{
		credits:   credits,
		pool:      pool,
		store:     st,
		startedAt: time.Now(),
	}
}

// === 账户管理 ===

// GetAccount 查询账户
func (h *AdminHandler) GetAccount(c *gin.Context) {
	userID := c.Param("id")
	acc, err := h.credits.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"data": acc})
}

// GrantCredits 发放积分
func (h *AdminHandler) GrantCredits(c *gin.Context) {
	userID := c.Param("id")

	var req model.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &model.ValidationError{Message: "invalid request body: " + err.Error()})
		return
	}
	if req.Amount <= 0 {
		respondError(c, &model.ValidationError{Field: "amount", Message: "must be positive"})
		return
	}

	if err := h.credits.Grant(c.Request.Context(), userID, req.Amount); err != nil {
		respondError(c, err)
		return
	}

	acc, err := h.credits.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"data": acc})
}

// === 用户密钥管理 ===

// CreateKey 创建用户密钥
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &model.ValidationError{Message: "invalid request body: " + err.Error()})
		return
	}
	if req.UserID == "" {
		respondError(c, &model.ValidationError{Field: "user_id", Message: "required"})
		return
	}

	uk, err := h.store.CreateUserKey(c.Request.Context(), req.UserID, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(201, gin.H{"data": uk})
}

// ListKeys 列出用户密钥
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys, err := h.store.ListUserKeys(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"data": keys})
}

// DisableKey 停用用户密钥
func (h *AdminHandler) DisableKey(c *gin.Context) {
	if err := h.store.DisableUserKey(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(404, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Key not found",
				Type:    "not_found_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": "disabled"})
}

// === 上游凭证池 ===

// GetPool 凭证池状态
func (h *AdminHandler) GetPool(c *gin.Context) {
	c.JSON(200, gin.H{"data": h.pool.Snapshot()})
}

// === 日志与统计 ===

// GetLogs 查询任务日志
func (h *AdminHandler) GetLogs(c *gin.Context) {
	var query model.LogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondError(c, &model.ValidationError{Message: "invalid query: " + err.Error()})
		return
	}

	logs, err := h.store.QueryJobLogs(c.Request.Context(), &query)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"data": logs})
}

// GetStats 用量统计
func (h *AdminHandler) GetStats(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days <= 0 {
		days = 7
	}

	daily, err := h.store.GetDailyStats(c.Request.Context(), days)
	if err != nil {
		respondError(c, err)
		return
	}
	ops, err := h.store.GetOperationStats(c.Request.Context(), days)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"data": gin.H{
			"daily":      daily,
			"operations": ops,
		},
	})
}

// GetStatus 服务状态
func (h *AdminHandler) GetStatus(c *gin.Context) {
	c.JSON(200, gin.H{
		"data": gin.H{
			"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
			"pool_size":      h.pool.Size(),
			"pool":           h.pool.Snapshot(),
		},
	})
}
