// 向数据库注册 CAS 服务的工具
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	name := flag.String("name", "", "服务名称")
	serviceID := flag.String("service-id", "", "服务地址匹配规则（正则）")
	description := flag.String("description", "", "服务描述")
	sso := flag.Bool("sso", true, "是否参与单点登录")
	proxy := flag.Bool("proxy", false, "是否允许代理")
	disabled := flag.Bool("disabled", false, "注册为停用状态")
	attrs := flag.String("attrs", "", "释放的属性，逗号分隔")
	order := flag.Int("order", 0, "评估顺序，越小越先匹配")
	importConfig := flag.Bool("import", false, "导入配置文件中的 services")
	list := flag.Bool("list", false, "列出已注册服务")
	flag.Parse()

	if !*list && !*importConfig && (*name == "" || *serviceID == "") {
		fmt.Println("用法: register-service -name <名称> -service-id <匹配规则> [-proxy] [-attrs mail,cn]")
		fmt.Println("      register-service -import")
		fmt.Println("      register-service -list")
		os.Exit(1)
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

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	if err := database.AutoMigrate(&model.RegisteredService{}); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}

	ctx := context.Background()
	repo := repository.NewRegisteredServiceRepository(database.GetDB())

	switch {
	case *list:
		services, err := repo.List(ctx)
		if err != nil {
			log.Fatalf("查询服务失败: %v", err)
		}
		for _, s := range services {
			fmt.Printf("%-4d %-20s %-8s proxy=%-5t sso=%-5t %s\n",
				s.EvaluationOrder, s.Name, s.Status, s.AllowedToProxy, s.SSOEnabled, s.ServiceID)
		}
	case *importConfig:
		for _, s := range cfg.Services {
			register(ctx, repo, s)
		}
	default:
		register(ctx, repo, config.ServiceConfig{
			Name:               *name,
			ServiceID:          *serviceID,
			Description:        *description,
			Disabled:           *disabled,
			SSOEnabled:         *sso,
			AllowedToProxy:     *proxy,
			ReleasedAttributes: splitAttrs(*attrs),
			EvaluationOrder:    *order,
		})
	}
}

func register(ctx context.Context, repo repository.RegisteredServiceRepository, s config.ServiceConfig) {
	svc := s.Model()
	err := repo.Create(ctx, svc)
	if errors.Is(err, repository.ErrServiceExists) {
		fmt.Printf("服务 %s 已存在，跳过\n", s.Name)
		return
	}
	if err != nil {
		log.Fatalf("注册服务 %s 失败: %v", s.Name, err)
	}
	fmt.Printf("成功注册服务 %s (%s)，ID: %s\n", svc.Name, svc.ServiceID, svc.ID)
}

func splitAttrs(s string) []string {
	var attrs []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}
