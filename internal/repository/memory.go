package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// MemoryServicesManager 基于配置文件的服务列表
type MemoryServicesManager struct {
	mu       sync.RWMutex
	services []*model.RegisteredService
}

// NewMemoryServicesManager 创建内存服务列表，注册项按评估顺序排序
func NewMemoryServicesManager(services ...*model.RegisteredService) (*MemoryServicesManager, error) {
	m := &MemoryServicesManager{}
	for _, svc := range services {
		if err := m.Register(svc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register 注册服务
func (m *MemoryServicesManager) Register(svc *model.RegisteredService) error {
	if err := svc.BeforeCreate(nil); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.Name == svc.Name {
			return ErrServiceExists
		}
	}
	m.services = append(m.services, svc)
	slices.SortStableFunc(m.services, func(a, b *model.RegisteredService) int {
		return cmp.Compare(a.EvaluationOrder, b.EvaluationOrder)
	})
	return nil
}

// List 全部服务
func (m *MemoryServicesManager) List(_ context.Context) ([]*model.RegisteredService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.services), nil
}

// FindByService 匹配服务地址
func (m *MemoryServicesManager) FindByService(ctx context.Context, service model.Service) (*model.RegisteredService, error) {
	services, _ := m.List(ctx)
	return match(services, service)
}
