package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "services.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.RegisteredService{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func sampleServices() []*model.RegisteredService {
	return []*model.RegisteredService{
		{Name: "catch-all", ServiceID: `^https://.*`, EvaluationOrder: 100, SSOEnabled: true},
		{Name: "portal", ServiceID: `^https://portal\.example\.com/.*`, EvaluationOrder: 1, SSOEnabled: true, AllowedToProxy: true,
			ReleasedAttributes: model.StringSlice{"mail"}},
	}
}

func TestRegisteredServiceRepository_CRUD(t *testing.T) {
	repo := NewRegisteredServiceRepository(setupDB(t))
	ctx := context.Background()

	for _, svc := range sampleServices() {
		require.NoError(t, repo.Create(ctx, svc))
		assert.NotEmpty(t, svc.ID)
		assert.Equal(t, model.StatusActive, svc.Status)
	}
	assert.ErrorIs(t, repo.Create(ctx, &model.RegisteredService{Name: "portal", ServiceID: ".*"}), ErrServiceExists)

	found, err := repo.FindByService(ctx, model.NewService("https://portal.example.com/app"))
	require.NoError(t, err)
	assert.Equal(t, "portal", found.Name)
	assert.True(t, found.AllowedToProxy)
	assert.Equal(t, model.StringSlice{"mail"}, found.ReleasedAttributes)

	found, err = repo.FindByService(ctx, model.NewService("https://other.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "catch-all", found.Name)

	_, err = repo.FindByService(ctx, model.NewService("http://plain.example.com"))
	assert.ErrorIs(t, err, ErrServiceNotFound)

	found.Status = model.StatusDisabled
	require.NoError(t, repo.Update(ctx, found))
	got, err := repo.GetByID(ctx, found.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())

	require.NoError(t, repo.Delete(ctx, found.ID))
	_, err = repo.GetByID(ctx, found.ID)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, found.ID), ErrServiceNotFound)
}

func TestRegisteredServiceRepository_InvalidPattern(t *testing.T) {
	repo := NewRegisteredServiceRepository(setupDB(t))
	err := repo.Create(context.Background(), &model.RegisteredService{Name: "bad", ServiceID: "(["})
	assert.Error(t, err)
}

func TestMemoryServicesManager(t *testing.T) {
	m, err := NewMemoryServicesManager(sampleServices()...)
	require.NoError(t, err)
	ctx := context.Background()

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "portal", list[0].Name, "按评估顺序排序")

	found, err := m.FindByService(ctx, model.NewService("https://portal.example.com/x"))
	require.NoError(t, err)
	assert.Equal(t, "portal", found.Name)

	_, err = m.FindByService(ctx, model.Service{})
	assert.ErrorIs(t, err, ErrServiceNotFound)

	assert.ErrorIs(t, m.Register(&model.RegisteredService{Name: "portal", ServiceID: ".*"}), ErrServiceExists)
	_, err = NewMemoryServicesManager(&model.RegisteredService{Name: "bad", ServiceID: "(["})
	assert.Error(t, err)
}
