package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CleanerConfig 清理任务配置
type CleanerConfig struct {
	Interval   time.Duration
	StartDelay time.Duration
}

// Cleaner 定期清理过期票据的后台任务
type Cleaner struct {
	registry *TicketRegistry
	cfg      CleanerConfig
	logger   *zap.Logger
}

// NewCleaner 创建清理任务
func NewCleaner(registry *TicketRegistry, cfg *CleanerConfig, logger *zap.Logger) *Cleaner {
	c := CleanerConfig{Interval: 2 * time.Minute, StartDelay: 20 * time.Second}
	if cfg != nil {
		if cfg.Interval > 0 {
			c.Interval = cfg.Interval
		}
		if cfg.StartDelay >= 0 {
			c.StartDelay = cfg.StartDelay
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{registry: registry, cfg: c, logger: logger}
}

// Run 阻塞运行，直到 ctx 取消
func (c *Cleaner) Run(ctx context.Context) {
	delay := time.NewTimer(c.cfg.StartDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		c.Clean(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Clean 执行一次清理
func (c *Cleaner) Clean(ctx context.Context) int {
	start := time.Now()
	n, err := c.registry.CleanExpired(ctx)
	if err != nil {
		c.logger.Warn("清理过期票据失败", zap.Int("cleaned", n), zap.Error(err))
		return n
	}
	if n > 0 {
		c.logger.Info("已清理过期票据",
			zap.Int("cleaned", n),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return n
}
