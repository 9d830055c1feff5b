package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"gorm.io/gorm"
)

// 错误定义
var (
	ErrServiceNotFound = errors.New("服务未注册")
	ErrServiceExists   = errors.New("服务名称已存在")
)

// ServicesManager 已注册服务的查询接口
type ServicesManager interface {
	// FindByService 按评估顺序返回第一个匹配的注册项
	FindByService(ctx context.Context, service model.Service) (*model.RegisteredService, error)
	List(ctx context.Context) ([]*model.RegisteredService, error)
}

// RegisteredServiceRepository 已注册服务数据访问接口
type RegisteredServiceRepository interface {
	ServicesManager
	Create(ctx context.Context, svc *model.RegisteredService) error
	GetByID(ctx context.Context, id string) (*model.RegisteredService, error)
	Update(ctx context.Context, svc *model.RegisteredService) error
	Delete(ctx context.Context, id string) error
}

// registeredServiceRepository 已注册服务数据访问实现
type registeredServiceRepository struct {
	db *gorm.DB
}

// NewRegisteredServiceRepository 创建已注册服务数据访问实例
func NewRegisteredServiceRepository(db *gorm.DB) RegisteredServiceRepository {
	return &registeredServiceRepository{db: db}
}

// Create 注册服务
func (r *registeredServiceRepository) Create(ctx context.Context, svc *model.RegisteredService) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.RegisteredService{}).Where("name = ?", svc.Name).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrServiceExists
	}
	return r.db.WithContext(ctx).Create(svc).Error
}

// GetByID 根据 ID 获取服务
func (r *registeredServiceRepository) GetByID(ctx context.Context, id string) (*model.RegisteredService, error) {
	var svc model.RegisteredService
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &svc, nil
}

// Update 更新服务
func (r *registeredServiceRepository) Update(ctx context.Context, svc *model.RegisteredService) error {
	result := r.db.WithContext(ctx).Model(svc).Select(
		"name",
		"service_id",
		"description",
		"status",
		"sso_enabled",
		"allowed_to_proxy",
		"released_attributes",
		"evaluation_order",
	).Updates(svc)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// Delete 删除服务（软删除）
func (r *registeredServiceRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.RegisteredService{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// List 按评估顺序列出全部服务
func (r *registeredServiceRepository) List(ctx context.Context) ([]*model.RegisteredService, error) {
	var services []*model.RegisteredService
	if err := r.db.WithContext(ctx).Order("evaluation_order ASC").Order("name ASC").Find(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

// FindByService 匹配服务地址
func (r *registeredServiceRepository) FindByService(ctx context.Context, service model.Service) (*model.RegisteredService, error) {
	services, err := r.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询已注册服务失败: %w", err)
	}
	return match(services, service)
}

func match(services []*model.RegisteredService, service model.Service) (*model.RegisteredService, error) {
	for _, svc := range services {
		if svc.Matches(service) {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service.ID)
}
