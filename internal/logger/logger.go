// Package logger 是对 zerolog 的轻量封装，保留简单的
// 包级 Info/Warn/Error 接口，避免业务代码直接依赖具体日志库。
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger 结构化日志器
type Logger struct {
	mu sync.RWMutex
	zl zerolog.Logger
}

var defaultLogger = New(os.Stdout)

// New 创建日志器
func New(w io.Writer) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Default 返回包级日志器
func Default() *Logger {
	return defaultLogger
}

// ParseLevel 解析日志级别（大小写不敏感，未知值回落到 info）
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel 设置最低日志级别
func (l *Logger) SetLevel(level zerolog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = l.zl.Level(level)
}

// SetOutput 切换输出
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = zerolog.New(w).With().Timestamp().Logger().Level(l.zl.GetLevel())
}

func (l *Logger) event(ev *zerolog.Event, msg string, kvs ...any) {
	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		switch v := kvs[i+1].(type) {
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case int64:
			ev = ev.Int64(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		case error:
			ev = ev.AnErr(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

func (l *Logger) get() zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

// Debug 记录 debug 日志
func (l *Logger) Debug(msg string, kvs ...any) { zl := l.get(); l.event(zl.Debug(), msg, kvs...) }

// Info 记录 info 日志
func (l *Logger) Info(msg string, kvs ...any) { zl := l.get(); l.event(zl.Info(), msg, kvs...) }

// Warn 记录 warn 日志
func (l *Logger) Warn(msg string, kvs ...any) { zl := l.get(); l.event(zl.Warn(), msg, kvs...) }

// Error 记录 error 日志
func (l *Logger) Error(msg string, kvs ...any) { zl := l.get(); l.event(zl.Error(), msg, kvs...) }

// Infof 记录格式化 info 日志
func (l *Logger) Infof(format string, args ...any) { zl := l.get(); zl.Info().Msgf(format, args...) }

// Warnf 记录格式化 warn 日志
func (l *Logger) Warnf(format string, args ...any) { zl := l.get(); zl.Warn().Msgf(format, args...) }

// Errorf 记录格式化 error 日志
func (l *Logger) Errorf(format string, args ...any) { zl := l.get(); zl.Error().Msgf(format, args...) }

// Debugf 记录格式化 debug 日志
func (l *Logger) Debugf(format string, args ...any) { zl := l.get(); zl.Debug().Msgf(format, args...) }

// 包级便捷函数

func SetLevel(level zerolog.Level)  { defaultLogger.SetLevel(level) }
func Debug(msg string, kvs ...any)  { defaultLogger.Debug(msg, kvs...) }
func Info(msg string, kvs ...any)   { defaultLogger.Info(msg, kvs...) }
func Warn(msg string, kvs ...any)   { defaultLogger.Warn(msg, kvs...) }
func Error(msg string, kvs ...any)  { defaultLogger.Error(msg, kvs...) }
func Infof(format string, args ...any)  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...any)  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...any) { defaultLogger.Errorf(format, args...) }
func Debugf(format string, args ...any) { defaultLogger.Debugf(format, args...) }
