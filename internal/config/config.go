package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Credits   CreditsConfig   `yaml:"credits"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

// DatabaseConfig 数据库配置
//
// Driver 为 sqlite 时使用 Path；为 postgres 时积分账本走 DSN 指向的
// 共享库（多实例部署），任务日志等运营数据仍落本地 sqlite。
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// CreditsConfig 积分配置
type CreditsConfig struct {
	SignupGrant       int64            `yaml:"signup_grant"`        // 新账户初始积分
	ReservationTTLMin int              `yaml:"reservation_ttl_min"` // 孤儿预留回收阈值（分钟）
	SweepIntervalSec  int              `yaml:"sweep_interval_sec"`  // 回收任务周期（秒）
	OperationCosts    map[string]int64 `yaml:"operation_costs"`     // 操作类型 -> 单价，覆盖内置价目表
	LogRetentionDays  int              `yaml:"log_retention_days"`  // 任务日志保留天数
}

// RateLimitConfig 频率限制配置
type RateLimitConfig struct {
	Backend       string `yaml:"backend"` // memory | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	SubmitPerIP   int64  `yaml:"submit_per_ip"`   // 提交接口每 IP 每分钟
	SubmitPerUser int64  `yaml:"submit_per_user"` // 提交接口每用户每分钟
	QueryPerIP    int64  `yaml:"query_per_ip"`    // 查询接口每 IP 每分钟
}

// UpstreamConfig 上游 AI 服务配置
type UpstreamConfig struct {
	BaseURL         string        `yaml:"base_url"`
	TimeoutSec      int           `yaml:"timeout_sec"`
	Keys            []UpstreamKey `yaml:"keys"`
	CooldownBaseSec int           `yaml:"cooldown_base_sec"` // 限流冷却基数（指数退避）
	CooldownMaxSec  int           `yaml:"cooldown_max_sec"`
}

// UpstreamKey 上游凭证
type UpstreamKey struct {
	Key string `yaml:"key"`
	RPM int    `yaml:"rpm"` // 0 = 不限
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	// 支持通过 "auto" 自动生成管理密钥（首次加载后落盘）
	if maybeGenerateKeys(cfg) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

func maybeGenerateKeys(cfg *Config) bool {
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminAPIKey), "auto") {
		cfg.Server.AdminAPIKey = generateAPIKey("gemstudio-admin")
		return true
	}
	return false
}

func generateAPIKey(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// Get 获取全局配置
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18090
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/gemstudio.db"
	}
	if cfg.Credits.SignupGrant == 0 {
		cfg.Credits.SignupGrant = 20
	}
	if cfg.Credits.ReservationTTLMin == 0 {
		cfg.Credits.ReservationTTLMin = 15
	}
	if cfg.Credits.SweepIntervalSec == 0 {
		cfg.Credits.SweepIntervalSec = 60
	}
	if cfg.Credits.LogRetentionDays == 0 {
		cfg.Credits.LogRetentionDays = 30
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.SubmitPerIP == 0 {
		cfg.RateLimit.SubmitPerIP = 5
	}
	if cfg.RateLimit.SubmitPerUser == 0 {
		cfg.RateLimit.SubmitPerUser = 10
	}
	if cfg.RateLimit.QueryPerIP == 0 {
		cfg.RateLimit.QueryPerIP = 60
	}
	if cfg.Upstream.TimeoutSec == 0 {
		cfg.Upstream.TimeoutSec = 120
	}
	if cfg.Upstream.CooldownBaseSec == 0 {
		cfg.Upstream.CooldownBaseSec = 5
	}
	if cfg.Upstream.CooldownMaxSec == 0 {
		cfg.Upstream.CooldownMaxSec = 600
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
