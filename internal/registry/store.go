// Package registry 票据存储
//
// Store 是与票据语义无关的键值存储契约，各后端（内存、Redis、数据库、LevelDB）实现它；
// CipherStore 以装饰器方式为任意后端加上签名与加密；TicketRegistry 在其上提供按票据读写、
// 惰性过期与级联删除。
package registry

import (
	"context"
	"iter"
	"time"
)

// SyncMode 存储的集群同步方式
type SyncMode string

// 同步方式常量
const (
	// SyncLocal 单进程存储，不存在跨节点可见性问题
	SyncLocal SyncMode = "local"
	// SyncSynchronous 写操作返回前已对集群所有节点可见
	SyncSynchronous SyncMode = "synchronous"
	// SyncAsynchronous 写操作返回后由存储异步复制到其他节点
	SyncAsynchronous SyncMode = "asynchronous"
)

// Record 存储记录
type Record struct {
	Key       string
	ParentKey string
	Kind      string
	// Version 比较并交换用的版本号，Put 写入后为 1，每次 Update 加 1
	Version int64
	// ExpiresAt 记录可以被物理删除的时刻，零值表示不限
	ExpiresAt time.Time
	Payload   []byte
}

// Store 存储契约
//
// 同一个键上的并发写由 Update 的版本比较保证最多一个成功；
// 失败的一方得到 model.ErrConcurrentModification，需要重新读取后再修改。
// 传输层错误统一包装为 model.ErrRegistryUnavailable，存储内部不做重试。
type Store interface {
	// Put 写入新记录，键已存在时返回 model.ErrTicketExists
	Put(ctx context.Context, rec Record) error
	// Get 读取记录，不存在时返回 model.ErrTicketNotFound
	Get(ctx context.Context, key string) (Record, error)
	// Update 整体覆盖记录，要求存储中的版本号等于 rec.Version，父键不可修改
	Update(ctx context.Context, rec Record) error
	// Delete 删除记录及其子记录索引，不递归删除子记录
	Delete(ctx context.Context, key string) (bool, error)
	// DeleteAll 删除全部记录
	DeleteAll(ctx context.Context) (int64, error)
	// Scan 遍历全部记录，遍历期间的修改不保证可见
	Scan(ctx context.Context) iter.Seq2[Record, error]
	// Children 父键下的子记录键
	Children(ctx context.Context, parentKey string) ([]string, error)
	// SyncMode 当前生效的同步方式
	SyncMode() SyncMode
	Close() error
}

// Keyer 由存储决定票据 ID 对应的存储键
type Keyer interface {
	Key(id string) string
}
