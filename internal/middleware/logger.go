// Package middleware HTTP 中间件
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
	"go.uber.org/zap"
)

// RequestIDKey 请求 ID 在上下文中的键
const RequestIDKey = "request_id"

// GetLogger 获取日志实例
func GetLogger() *zap.Logger {
	return logger.L()
}

// RequestLogger 带请求 ID 的日志实例
func RequestLogger(c *gin.Context) *zap.Logger {
	if id := c.GetString(RequestIDKey); id != "" {
		return logger.L().With(zap.String(RequestIDKey, id))
	}
	return logger.L()
}

// Logger 日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 生成请求 ID
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		// 记录开始时间
		start := time.Now()
		path := c.Request.URL.Path

		// 处理请求
		c.Next()

		// 记录日志，查询串中含票据，不记录
		logger.L().Info("HTTP 请求",
			zap.String(RequestIDKey, requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Int("body_size", c.Writer.Size()),
		)
	}
}
