package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-ticket/internal/cipher"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
	"github.com/pu-ac-cn/uac-ticket/internal/handler"
	"github.com/pu-ac-cn/uac-ticket/internal/idgen"
	"github.com/pu-ac-cn/uac-ticket/internal/middleware"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/redis"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
	"github.com/pu-ac-cn/uac-ticket/pkg/response"
	"go.uber.org/zap"
)

// app 组装后的服务实例
type app struct {
	registry *registry.TicketRegistry
	services repository.ServicesManager
	cas      service.CentralAuthenticationService
	router   *gin.Engine
	// closers 按逆序关闭的资源
	closers []func() error
}

// Close 释放所有资源
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// newApp 按配置组装服务
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if needsDatabase(cfg) {
		if err := database.Init(&cfg.Database); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		logger.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver))
	}

	store, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	executor, err := cipher.NewFromConfig(cipher.Config{
		Enabled:       cfg.Ticket.Registry.Crypto.Enabled,
		SigningKey:    cfg.Ticket.Registry.Crypto.SigningKey,
		EncryptionKey: cfg.Ticket.Registry.Crypto.EncryptionKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化票据加密失败: %w", err)
	}
	a.registry = registry.New(registry.NewCipherStore(store, executor), logger)

	if a.services, err = newServicesManager(cfg); err != nil {
		return nil, err
	}

	serviceConfig, err := newCASServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.cas, err = service.NewCASService(a.registry, a.services, serviceConfig, logger); err != nil {
		return nil, err
	}

	if a.router, err = newRouter(cfg, a, logger); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func needsDatabase(cfg *config.Config) bool {
	return cfg.Ticket.Registry.Type == "database" || cfg.ServicesSource == "database"
}

// openStore 按 ticket.registry.type 创建票据存储
func (a *app) openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (registry.Store, error) {
	switch cfg.Ticket.Registry.Type {
	case "", "memory":
		return registry.NewMemoryStore(), nil
	case "redis":
		if err := redis.Init(&cfg.Redis); err != nil {
			return nil, err
		}
		logger.Info("Redis 连接成功", zap.String("addr", cfg.Redis.Addr))
		store := registry.NewRedisStore(redis.GetClient(), &registry.RedisStoreConfig{
			KeyPrefix:    cfg.Redis.KeyPrefix,
			SyncReplicas: cfg.Redis.SyncReplicas,
			SyncTimeout:  cfg.Redis.SyncTimeout,
		}, logger)
		a.closers = append(a.closers, redis.Close)
		return store, nil
	case "database":
		store := registry.NewGormStore(database.GetDB())
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("票据表迁移失败: %w", err)
		}
		return store, nil
	case "leveldb":
		store, err := registry.OpenLevelDBStore(cfg.Ticket.Registry.LevelDB.Path, nil)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("不支持的票据存储类型: %s", cfg.Ticket.Registry.Type)
	}
}

// newServicesManager 按 services_source 创建服务注册表
func newServicesManager(cfg *config.Config) (repository.ServicesManager, error) {
	switch cfg.ServicesSource {
	case "", "memory":
		services := make([]*model.RegisteredService, 0, len(cfg.Services))
		for _, s := range cfg.Services {
			services = append(services, s.Model())
		}
		manager, err := repository.NewMemoryServicesManager(services...)
		if err != nil {
			return nil, err
		}
		return manager, nil
	case "database":
		return repository.NewRegisteredServiceRepository(database.GetDB()), nil
	default:
		return nil, fmt.Errorf("不支持的服务注册来源: %s", cfg.ServicesSource)
	}
}

// newCASServiceConfig 由票据配置构建策略与 ID 生成器
func newCASServiceConfig(cfg *config.Config) (*service.CASServiceConfig, error) {
	t := cfg.Ticket
	var (
		policies service.TicketPolicies
		err      error
	)
	if policies.TicketGrantingTicket, err = t.TGT.Policy(); err != nil {
		return nil, fmt.Errorf("TGT 策略: %w", err)
	}
	if policies.ServiceTicket, err = t.ST.Policy.Policy(); err != nil {
		return nil, fmt.Errorf("ST 策略: %w", err)
	}
	if policies.ProxyGrantingTicket, err = t.PGT.Policy(); err != nil {
		return nil, fmt.Errorf("PGT 策略: %w", err)
	}
	if policies.ProxyTicket, err = t.PT.Policy.Policy(); err != nil {
		return nil, fmt.Errorf("PT 策略: %w", err)
	}

	suffix := t.ID.Suffix
	if suffix == "" {
		suffix = idgen.NodeSuffix()
	}
	lengths := map[model.Kind]int{
		model.KindTicketGrantingTicket: t.TGT.IDLength,
		model.KindServiceTicket:        t.ST.IDLength,
		model.KindProxyGrantingTicket:  t.PGT.IDLength,
		model.KindProxyTicket:          t.PT.IDLength,
	}
	generators := make(service.IDGenerators, len(lengths))
	for kind, length := range lengths {
		if length <= 0 {
			length = service.DefaultIDLength[kind]
		}
		g, err := idgen.New(idgen.Options{Length: length, Suffix: suffix, MinEntropyBits: t.ID.MinEntropyBits})
		if err != nil {
			return nil, fmt.Errorf("%s ID 生成器: %w", kind, err)
		}
		generators[kind] = g
	}

	return &service.CASServiceConfig{
		Policies:                   policies,
		Generators:                 generators,
		RememberMeAttribute:        t.TGT.RememberMe.Attribute,
		OnlyTrackMostRecentSession: t.TGT.OnlyTrackMostRecentSession,
	}, nil
}

// newRouter 创建路由
func newRouter(cfg *config.Config, a *app, logger *zap.Logger) (*gin.Engine, error) {
	casHandler, err := handler.NewCASHandler(a.cas, a.services, &handler.CASHandlerConfig{
		HTTPClient: &http.Client{Timeout: cfg.Server.ProxyCallbackTimeout},
	}, logger)
	if err != nil {
		return nil, err
	}
	ticketHandler := handler.NewTicketHandler(a.cas)

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := gin.H{
			"status":   "ok",
			"time":     time.Now().Format(time.RFC3339),
			"registry": cfg.Ticket.Registry.Type,
			"sync":     string(a.registry.SyncMode()),
		}
		if needsDatabase(cfg) {
			status["database"] = probe(database.Ping())
		}
		if cfg.Ticket.Registry.Type == "redis" {
			status["redis"] = probe(redis.Ping(c.Request.Context()))
		}
		response.Success(c, status)
	})

	// CAS 协议路由
	casHandler.RegisterRoutes(router)

	// 票据 REST 路由
	ticketHandler.RegisterRoutes(router.Group("/v1"))

	return router, nil
}

func probe(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
