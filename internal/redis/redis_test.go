package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
)

// TestInit 测试 Redis 初始化
func TestInit(t *testing.T) {
	mr := miniredis.RunT(t)

	if err := Init(&config.RedisConfig{Addr: mr.Addr()}); err != nil {
		t.Fatalf("初始化 Redis 失败: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	if GetClient() == nil {
		t.Fatal("GetClient() 返回 nil")
	}
	if err := Ping(context.Background()); err != nil {
		t.Errorf("Ping 失败: %v", err)
	}

	// 客户端可正常读写
	ctx := context.Background()
	if err := GetClient().Set(ctx, "cas:probe", "1", 0).Err(); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if got := mr.Exists("cas:probe"); !got {
		t.Error("期望键已写入 miniredis")
	}
}

// TestInitUnreachable 测试连接失败
func TestInitUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if err := Init(&config.RedisConfig{Addr: addr}); err == nil {
		t.Error("期望返回错误，但没有")
	}
	if GetClient() != nil {
		t.Error("连接失败时不应保留客户端")
	}
}

// TestNotInitialized 测试未初始化时的操作
func TestNotInitialized(t *testing.T) {
	client = nil

	if err := Ping(context.Background()); err == nil {
		t.Error("未初始化时 Ping 应返回错误")
	}
	if err := Close(); err != nil {
		t.Errorf("未初始化时 Close 不应返回错误: %v", err)
	}
}
