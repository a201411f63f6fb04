package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xiaopang/gemstudio/internal/api"
	"github.com/xiaopang/gemstudio/internal/config"
	"github.com/xiaopang/gemstudio/internal/core"
	"github.com/xiaopang/gemstudio/internal/logger"
	"github.com/xiaopang/gemstudio/internal/store"
	"github.com/xiaopang/gemstudio/internal/upstream"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.Info("config loaded", "path", *configPath)

	// 初始化本地存储（用户密钥、任务日志，sqlite 模式下还承担积分账本）
	db, err := store.New(cfg.Database.Path, cfg.Credits.SignupGrant)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()
	logger.Info("database initialized", "path", cfg.Database.Path)

	// 积分账本：单实例走 sqlite，多实例走共享 postgres
	var ledger core.Ledger = db
	if cfg.Database.Driver == "postgres" {
		pg, err := store.NewPostgresLedger(context.Background(), cfg.Database.DSN, cfg.Credits.SignupGrant)
		if err != nil {
			log.Fatalf("Failed to connect credit ledger: %v", err)
		}
		defer pg.Close()
		ledger = pg
		logger.Info("credit ledger backed by postgres")
	}

	// 积分管理器 + 孤儿预留回收
	credits := core.NewCreditManager(ledger,
		time.Duration(cfg.Credits.ReservationTTLMin)*time.Minute,
		time.Duration(cfg.Credits.SweepIntervalSec)*time.Second,
	)
	credits.StartSweeper()
	defer credits.StopSweeper()
	logger.Info("reservation sweeper started",
		"ttl_min", cfg.Credits.ReservationTTLMin,
		"interval_sec", cfg.Credits.SweepIntervalSec,
	)

	// 频率限制：单实例用内存窗口，多实例用 Redis 共享计数
	var windows core.WindowStore
	if cfg.RateLimit.Backend == "redis" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr: cfg.RateLimit.RedisAddr,
			DB:   cfg.RateLimit.RedisDB,
		})
		windows = store.NewRedisWindowStore(rdb)
		logger.Info("rate limit backed by redis", "addr", cfg.RateLimit.RedisAddr)
	} else {
		windows = core.NewMemoryWindowStore()
	}
	limiter := core.NewRateLimiter(windows)
	limiter.SetRule(core.ScopeSubmitIP, cfg.RateLimit.SubmitPerIP, time.Minute)
	limiter.SetRule(core.ScopeSubmitUser, cfg.RateLimit.SubmitPerUser, time.Minute)
	limiter.SetRule(core.ScopeQueryIP, cfg.RateLimit.QueryPerIP, time.Minute)

	// 上游凭证池
	pool := core.NewKeyPool(cfg.Upstream.Keys,
		time.Duration(cfg.Upstream.CooldownBaseSec)*time.Second,
		time.Duration(cfg.Upstream.CooldownMaxSec)*time.Second,
	)
	if pool.Size() == 0 {
		logger.Warn("no upstream keys configured, submissions will fail")
	}
	client := upstream.NewClient(cfg.Upstream.BaseURL)

	// 任务编排器
	jobs := core.NewJobService(credits, limiter, pool, client, db,
		cfg.Credits.OperationCosts,
		time.Duration(cfg.Upstream.TimeoutSec)*time.Second,
	)

	// 任务日志定期清理
	cleanCtx, cleanStop := context.WithCancel(context.Background())
	defer cleanStop()
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-cleanCtx.Done():
				return
			case <-ticker.C:
				if n, err := db.CleanOldLogs(cleanCtx, cfg.Credits.LogRetentionDays); err != nil {
					logger.Warn("log cleanup failed", "err", err)
				} else if n > 0 {
					logger.Info("old job logs cleaned", "count", n)
				}
			}
		}
	}()

	// API 处理器与路由
	jobHandler := api.NewJobHandler(jobs, credits, limiter)
	adminHandler := api.NewAdminHandler(credits, pool, db)
	r := api.SetupRouter(cfg, jobHandler, adminHandler, db)

	// 使用 http.Server 以支持 Graceful Shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// 创建一个 context，监听 SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 在 goroutine 中启动 HTTP server
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("GemStudio starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// 等待信号或服务器错误
	select {
	case err := <-srvErr:
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}

	// 到这里 deferred StopSweeper 和 db.Close() 会正常执行
	logger.Info("server stopped gracefully")
}
