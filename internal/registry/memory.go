package registry

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// MemoryStore 进程内存储，适用于单节点部署与测试
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	children map[string]map[string]struct{}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		children: make(map[string]map[string]struct{}),
	}
}

// Put 写入新记录
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.Key]; exists {
		return fmt.Errorf("%w: %s", model.ErrTicketExists, model.Abbreviate(rec.Key))
	}
	rec.Version = 1
	rec.Payload = bytes.Clone(rec.Payload)
	s.records[rec.Key] = rec
	if rec.ParentKey != "" {
		set, ok := s.children[rec.ParentKey]
		if !ok {
			set = make(map[string]struct{})
			s.children[rec.ParentKey] = set
		}
		set[rec.Key] = struct{}{}
	}
	return nil
}

// Get 读取记录
func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, model.ErrTicketNotFound
	}
	rec.Payload = bytes.Clone(rec.Payload)
	return rec, nil
}

// Update 比较版本号后覆盖记录
func (s *MemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.Key]
	if !ok {
		return model.ErrTicketNotFound
	}
	if current.Version != rec.Version {
		return model.ErrConcurrentModification
	}
	rec.Version++
	rec.ParentKey = current.ParentKey
	rec.Payload = bytes.Clone(rec.Payload)
	s.records[rec.Key] = rec
	return nil
}

// Delete 删除记录
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return false, nil
	}
	delete(s.records, key)
	delete(s.children, key)
	if set, ok := s.children[rec.ParentKey]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.children, rec.ParentKey)
		}
	}
	return true, nil
}

// DeleteAll 清空存储
func (s *MemoryStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.records))
	s.records = make(map[string]Record)
	s.children = make(map[string]map[string]struct{})
	return n, nil
}

// Scan 遍历记录快照
func (s *MemoryStore) Scan(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		s.mu.RLock()
		snapshot := make([]Record, 0, len(s.records))
		for _, rec := range s.records {
			snapshot = append(snapshot, rec)
		}
		s.mu.RUnlock()

		for _, rec := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Record{}, model.Unavailable("memory scan", err))
				return
			}
			rec.Payload = bytes.Clone(rec.Payload)
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Children 子记录键
func (s *MemoryStore) Children(_ context.Context, parentKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.children[parentKey]))
	for k := range s.children[parentKey] {
		keys = append(keys, k)
	}
	return keys, nil
}

// SyncMode 本地存储
func (s *MemoryStore) SyncMode() SyncMode { return SyncLocal }

// Close 无需释放资源
func (s *MemoryStore) Close() error { return nil }
