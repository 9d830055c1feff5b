package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 加载配置
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	l := logger.L()
	defer l.Sync()

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, l)
	if err != nil {
		l.Fatal("服务初始化失败", zap.Error(err))
	}
	defer a.Close()

	// 过期票据清理
	if cfg.Ticket.Registry.Cleaner.Enabled {
		cleaner := registry.NewCleaner(a.registry, &registry.CleanerConfig{
			Interval:   cfg.Ticket.Registry.Cleaner.Interval,
			StartDelay: cfg.Ticket.Registry.Cleaner.StartDelay,
		}, l)
		go cleaner.Run(ctx)
	}

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		l.Info("服务启动",
			zap.String("addr", cfg.Server.Addr),
			zap.String("registry", cfg.Ticket.Registry.Type),
			zap.String("services_source", cfg.ServicesSource),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("服务启动失败", zap.Error(err))
			stop()
		}
	}()

	// 等待中断信号
	<-ctx.Done()

	l.Info("正在关闭服务...")

	// 优雅关闭，等待 5 秒
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("服务关闭失败", zap.Error(err))
	}

	l.Info("服务已关闭")
}
