// Package logger 结构化日志
package logger

import (
	"fmt"
	"sync/atomic"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, err := New(config.LogConfig{Level: "info", Encoding: "json"})
	if err != nil {
		panic(err)
	}
	global.Store(l)
}

// New 按配置创建日志实例
func New(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.MessageKey = "msg"

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("日志级别无效: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	return zc.Build()
}

// Init 按配置替换全局日志实例
func Init(cfg config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set 替换全局日志实例
func Set(l *zap.Logger) {
	global.Store(l)
}

// L 获取全局日志实例
func L() *zap.Logger {
	return global.Load()
}
