package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xiaopang/gemstudio/internal/config"
	"github.com/xiaopang/gemstudio/internal/logger"
	"github.com/xiaopang/gemstudio/internal/model"
	"github.com/xiaopang/gemstudio/internal/store"
)

// gin.Context 键
const (
	RequestIDKey  = "request_id"
	ClientInfoKey = "client_info"
)

// UserAuthMiddleware 用户密钥认证中间件（Bearer key -> 用户身份）
func UserAuthMiddleware(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Missing Authorization header",
					Type:    "authentication_error",
					Code:    "missing_api_key",
				},
			})
			c.Abort()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			// 没有 Bearer 前缀，可能直接是 key
			token = auth
		}

		uk, err := st.GetUserKeyByKey(c.Request.Context(), token)
		if err != nil {
			c.JSON(500, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Failed to validate API key",
					Type:    "internal_error",
					Code:    model.CodeInternal,
				},
			})
			c.Abort()
			return
		}
		if uk == nil {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Invalid API key",
					Type:    "authentication_error",
					Code:    "invalid_api_key",
				},
			})
			c.Abort()
			return
		}

		st.TouchUserKey(c.Request.Context(), uk.ID)
		c.Set(ClientInfoKey, &model.ClientInfo{
			UserID: uk.UserID,
			KeyID:  uk.ID,
			IP:     c.ClientIP(),
		})
		c.Next()
	}
}

// AdminAuthMiddleware 管理密钥认证中间件
func AdminAuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 未配置管理密钥则跳过认证
		if apiKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != apiKey {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Invalid admin key",
					Type:    "authentication_error",
					Code:    "invalid_api_key",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware 请求 ID 中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "path", c.Request.URL.Path, "err", err)
				c.JSON(500, model.ErrorResponse{
					Error: model.ErrorDetail{
						Message: "Internal server error",
						Type:    "internal_error",
						Code:    model.CodeInternal,
					},
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"method", c.Request.Method,
			"path", path,
		)
	}
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, jobs *JobHandler, admin *AdminHandler, st *store.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 用户 API（需要用户密钥）
	v1 := r.Group("/v1")
	v1.Use(UserAuthMiddleware(st))
	{
		v1.POST("/jobs", jobs.SubmitJob)
		v1.GET("/credits", jobs.GetCredits)
	}

	// 管理 API
	api := r.Group("/api")
	api.Use(AdminAuthMiddleware(cfg.Server.AdminAPIKey))
	{
		// 账户
		api.GET("/accounts/:id", admin.GetAccount)
		api.POST("/accounts/:id/grant", admin.GrantCredits)

		// 用户密钥
		api.POST("/keys", admin.CreateKey)
		api.GET("/keys", admin.ListKeys)
		api.DELETE("/keys/:id", admin.DisableKey)

		// 上游凭证池
		api.GET("/pool", admin.GetPool)

		// 日志与统计
		api.GET("/logs", admin.GetLogs)
		api.GET("/stats", admin.GetStats)

		// 状态
		api.GET("/status", admin.GetStatus)
	}

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
