package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"gorm.io/gorm"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// 分页遍历的批大小
const gormScanBatch = 100

// GormStore 关系数据库存储
// 更新通过 "WHERE id = ? AND version = ?" 完成比较并交换。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建数据库存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 创建票据表
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.TicketRecord{})
}

// Put 写入新记录
func (s *GormStore) Put(ctx context.Context, rec Record) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.TicketRecord{}).Where("id = ?", rec.Key).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", model.ErrTicketExists, model.Abbreviate(rec.Key))
		}
		row := toRow(rec)
		row.Version = 1
		return tx.Create(&row).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrTicketExists):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s", model.ErrTicketExists, model.Abbreviate(rec.Key))
	default:
		return model.Unavailable("gorm put", err)
	}
}

// Get 读取记录
func (s *GormStore) Get(ctx context.Context, key string) (Record, error) {
	var row model.TicketRecord
	err := s.db.WithContext(ctx).Where("id = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, model.ErrTicketNotFound
		}
		return Record{}, model.Unavailable("gorm get", err)
	}
	return fromRow(row), nil
}

// Update 比较版本号后覆盖记录
func (s *GormStore) Update(ctx context.Context, rec Record) error {
	row := toRow(rec)
	result := s.db.WithContext(ctx).Model(&model.TicketRecord{}).
		Where("id = ? AND version = ?", rec.Key, rec.Version).
		Updates(map[string]interface{}{
			"kind":       row.Kind,
			"version":    rec.Version + 1,
			"expires_at": row.ExpiresAt,
			"payload":    row.Payload,
		})
	if result.Error != nil {
		return model.Unavailable("gorm update", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.TicketRecord{}).Where("id = ?", rec.Key).Count(&count).Error; err != nil {
		return model.Unavailable("gorm update", err)
	}
	if count == 0 {
		return model.ErrTicketNotFound
	}
	return model.ErrConcurrentModification
}

// Delete 删除记录
// 子记录索引是子记录上的列，随子记录一起删除。
func (s *GormStore) Delete(ctx context.Context, key string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", key).Delete(&model.TicketRecord{})
	if result.Error != nil {
		return false, model.Unavailable("gorm delete", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DeleteAll 清空票据表
func (s *GormStore) DeleteAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.TicketRecord{})
	if result.Error != nil {
		return 0, model.Unavailable("gorm delete all", result.Error)
	}
	return result.RowsAffected, nil
}

// Scan 按主键分页遍历，不在遍历期间持有游标
func (s *GormStore) Scan(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		last := ""
		for {
			var rows []model.TicketRecord
			err := s.db.WithContext(ctx).
				Where("id > ?", last).
				Order("id").
				Limit(gormScanBatch).
				Find(&rows).Error
			if err != nil {
				yield(Record{}, model.Unavailable("gorm scan", err))
				return
			}
			for _, row := range rows {
				if !yield(fromRow(row), nil) {
					return
				}
			}
			if len(rows) < gormScanBatch {
				return
			}
			last = rows[len(rows)-1].ID
		}
	}
}

// Children 子记录键
func (s *GormStore) Children(ctx context.Context, parentKey string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&model.TicketRecord{}).
		Where("parent_id = ?", parentKey).
		Pluck("id", &keys).Error
	if err != nil {
		return nil, model.Unavailable("gorm children", err)
	}
	return keys, nil
}

// SyncMode 写入在事务提交后对所有节点可见
func (s *GormStore) SyncMode() SyncMode { return SyncSynchronous }

// Close 连接由调用方管理
func (s *GormStore) Close() error { return nil }

func toRow(rec Record) model.TicketRecord {
	row := model.TicketRecord{
		ID:       rec.Key,
		ParentID: rec.ParentKey,
		Kind:     rec.Kind,
		Version:  rec.Version,
		Payload:  rec.Payload,
	}
	if !rec.ExpiresAt.IsZero() {
		at := rec.ExpiresAt.UTC()
		row.ExpiresAt = &at
	}
	return row
}

func fromRow(row model.TicketRecord) Record {
	rec := Record{
		Key:       row.ID,
		ParentKey: row.ParentID,
		Kind:      row.Kind,
		Version:   row.Version,
		Payload:   row.Payload,
	}
	if row.ExpiresAt != nil {
		rec.ExpiresAt = model.Normalize(*row.ExpiresAt)
	}
	return rec
}
