package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/redis"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
)

// 清空票据存储的工具：
// - 按 ticket.registry.type 清空全部票据，所有会话随之失效。
// - database 类型删除并重建票据表，加 -services 时一并重建注册服务表。
// 用法：
//   go run ./cmd/resetdb -force
// 可选参数：
//   -config    配置文件路径
//   -services  同时清空注册服务（仅 database）
//   -force     必须为 true 才会执行（安全开关）
func main() {
	configPath := flag.String("config", "", "配置文件路径")
	services := flag.Bool("services", false, "同时清空注册服务表")
	force := flag.Bool("force", false, "确认执行清空操作")
	flag.Parse()

	if !*force {
		log.Fatal("为避免误操作，请加上 -force 参数：go run ./cmd/resetdb -force")
	}

	// 加载配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx := context.Background()

	switch cfg.Ticket.Registry.Type {
	case "database":
		resetDatabase(cfg, *services)
	case "redis":
		if err := redis.Init(&cfg.Redis); err != nil {
			log.Fatalf("初始化 Redis 失败: %v", err)
		}
		defer redis.Close()
		store := registry.NewRedisStore(redis.GetClient(), &registry.RedisStoreConfig{KeyPrefix: cfg.Redis.KeyPrefix}, nil)
		purge(ctx, store)
	case "leveldb":
		store, err := registry.OpenLevelDBStore(cfg.Ticket.Registry.LevelDB.Path, nil)
		if err != nil {
			log.Fatalf("打开票据存储失败: %v", err)
		}
		defer store.Close()
		purge(ctx, store)
	default:
		fmt.Printf("票据存储类型 %q 不持久化，无需清空\n", cfg.Ticket.Registry.Type)
	}

	fmt.Println("完成。")
}

func purge(ctx context.Context, store registry.Store) {
	n, err := registry.New(store, nil).DeleteAll(ctx)
	if err != nil {
		log.Fatalf("清空票据失败: %v", err)
	}
	fmt.Printf("已删除票据: %d\n", n)
}

func resetDatabase(cfg *config.Config, services bool) {
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	m := database.GetDB().Migrator()

	tables := []any{&model.TicketRecord{}}
	if services {
		tables = append(tables, &model.RegisteredService{})
	}

	fmt.Println("开始清空票据相关表...")
	for _, t := range tables {
		if m.HasTable(t) {
			if err := m.DropTable(t); err != nil {
				log.Fatalf("删除表失败: %v", err)
			}
			fmt.Printf("已删除表: %T\n", t)
		}
		if err := m.AutoMigrate(t); err != nil {
			log.Fatalf("创建表失败: %v", err)
		}
		fmt.Printf("已创建表: %T\n", t)
	}
}
