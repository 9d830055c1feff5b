package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Redis 哈希字段
const (
	fieldParent  = "parent"
	fieldKind    = "kind"
	fieldVersion = "version"
	fieldExpires = "expires"
	fieldPayload = "payload"
)

// RedisStoreConfig Redis 存储配置
type RedisStoreConfig struct {
	// KeyPrefix 键前缀，默认 "cas:"
	KeyPrefix string
	// SyncReplicas 大于 0 时每次写入后等待指定数量的副本确认
	SyncReplicas int
	// SyncTimeout 等待副本确认的超时时间
	SyncTimeout time.Duration
}

// RedisStore Redis 存储
// 每张票据一个哈希，子票据索引为集合；并发更新通过 WATCH/MULTI 做乐观锁。
type RedisStore struct {
	client *redis.Client
	cfg    RedisStoreConfig
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client, cfg *RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if cfg == nil {
		cfg = &RedisStoreConfig{}
	}
	c := *cfg
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cas:"
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, cfg: c, logger: logger}
}

func (s *RedisStore) ticketKey(key string) string {
	return s.cfg.KeyPrefix + "ticket:" + key
}

func (s *RedisStore) childrenKey(key string) string {
	return s.cfg.KeyPrefix + "children:" + key
}

// Put 写入新记录
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	tk := s.ticketKey(rec.Key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, tk).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", model.ErrTicketExists, model.Abbreviate(rec.Key))
		}

		var parentExpires time.Time
		if rec.ParentKey != "" {
			v, err := tx.HGet(ctx, s.ticketKey(rec.ParentKey), fieldExpires).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			parentExpires = parseMillis(v)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, tk, map[string]interface{}{
				fieldParent:  rec.ParentKey,
				fieldKind:    rec.Kind,
				fieldVersion: 1,
				fieldExpires: formatMillis(rec.ExpiresAt),
				fieldPayload: rec.Payload,
			})
			if !rec.ExpiresAt.IsZero() {
				pipe.PExpireAt(ctx, tk, rec.ExpiresAt)
			}
			if rec.ParentKey != "" {
				ck := s.childrenKey(rec.ParentKey)
				pipe.SAdd(ctx, ck, rec.Key)
				if !parentExpires.IsZero() {
					pipe.PExpireAt(ctx, ck, parentExpires)
				}
			}
			return nil
		})
		return err
	}, tk)
	if err := s.mapError("redis put", err); err != nil {
		return err
	}
	return s.waitReplicas(ctx)
}

// Get 读取记录
func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.ticketKey(key)).Result()
	if err != nil {
		return Record{}, model.Unavailable("redis get", err)
	}
	if len(fields) == 0 {
		return Record{}, model.ErrTicketNotFound
	}
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: 版本号无效: %w", model.ErrIntegrityViolation, err)
	}
	return Record{
		Key:       key,
		ParentKey: fields[fieldParent],
		Kind:      fields[fieldKind],
		Version:   version,
		ExpiresAt: parseMillis(fields[fieldExpires]),
		Payload:   []byte(fields[fieldPayload]),
	}, nil
}

// Update 比较版本号后覆盖记录
func (s *RedisStore) Update(ctx context.Context, rec Record) error {
	tk := s.ticketKey(rec.Key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, tk, fieldVersion).Result()
		if errors.Is(err, redis.Nil) {
			return model.ErrTicketNotFound
		}
		if err != nil {
			return err
		}
		if current, _ := strconv.ParseInt(v, 10, 64); current != rec.Version {
			return model.ErrConcurrentModification
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, tk, map[string]interface{}{
				fieldKind:    rec.Kind,
				fieldVersion: rec.Version + 1,
				fieldExpires: formatMillis(rec.ExpiresAt),
				fieldPayload: rec.Payload,
			})
			ck := s.childrenKey(rec.Key)
			if rec.ExpiresAt.IsZero() {
				pipe.Persist(ctx, tk)
				pipe.Persist(ctx, ck)
			} else {
				pipe.PExpireAt(ctx, tk, rec.ExpiresAt)
				pipe.PExpireAt(ctx, ck, rec.ExpiresAt)
			}
			return nil
		})
		return err
	}, tk)
	if err := s.mapError("redis update", err); err != nil {
		return err
	}
	return s.waitReplicas(ctx)
}

// Delete 删除记录
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	tk := s.ticketKey(key)
	parent, err := s.client.HGet(ctx, tk, fieldParent).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, model.Unavailable("redis delete", err)
	}

	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, tk)
		pipe.Del(ctx, s.childrenKey(key))
		if parent != "" {
			pipe.SRem(ctx, s.childrenKey(parent), key)
		}
		return nil
	})
	if err != nil {
		return false, model.Unavailable("redis delete", err)
	}
	if err := s.waitReplicas(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// DeleteAll 删除前缀下的全部键
func (s *RedisStore) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	for _, pattern := range []string{s.ticketKey("*"), s.childrenKey("*")} {
		it := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		batch := make([]string, 0, 100)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := s.client.Del(ctx, batch...).Result()
			if err != nil {
				return model.Unavailable("redis delete all", err)
			}
			if pattern == s.ticketKey("*") {
				deleted += n
			}
			batch = batch[:0]
			return nil
		}
		for it.Next(ctx) {
			batch = append(batch, it.Val())
			if len(batch) == cap(batch) {
				if err := flush(); err != nil {
					return deleted, err
				}
			}
		}
		if err := it.Err(); err != nil {
			return deleted, model.Unavailable("redis delete all", err)
		}
		if err := flush(); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// Scan 以 SCAN 游标遍历记录，遍历期间过期或被删除的记录会被跳过
func (s *RedisStore) Scan(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		prefix := s.ticketKey("")
		it := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for it.Next(ctx) {
			rec, err := s.Get(ctx, it.Val()[len(prefix):])
			if errors.Is(err, model.ErrTicketNotFound) {
				continue
			}
			if !yield(rec, err) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Record{}, model.Unavailable("redis scan", err))
		}
	}
}

// Children 子记录键
func (s *RedisStore) Children(ctx context.Context, parentKey string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.childrenKey(parentKey)).Result()
	if err != nil {
		return nil, model.Unavailable("redis children", err)
	}
	return keys, nil
}

// SyncMode 配置了副本确认时为同步复制
func (s *RedisStore) SyncMode() SyncMode {
	if s.cfg.SyncReplicas > 0 {
		return SyncSynchronous
	}
	return SyncAsynchronous
}

// Close 连接由调用方管理
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) waitReplicas(ctx context.Context) error {
	if s.cfg.SyncReplicas <= 0 {
		return nil
	}
	acked, err := s.client.Wait(ctx, s.cfg.SyncReplicas, s.cfg.SyncTimeout).Result()
	if err != nil {
		return model.Unavailable("redis wait", err)
	}
	if acked < int64(s.cfg.SyncReplicas) {
		s.logger.Warn("Redis 副本确认数不足",
			zap.Int64("acked", acked),
			zap.Int("required", s.cfg.SyncReplicas),
		)
		return model.Unavailable("redis wait", fmt.Errorf("仅 %d/%d 个副本确认写入", acked, s.cfg.SyncReplicas))
	}
	return nil
}

// mapError 将 Redis 错误映射为票据错误
func (s *RedisStore) mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return model.ErrConcurrentModification
	case errors.Is(err, model.ErrTicketExists),
		errors.Is(err, model.ErrTicketNotFound),
		errors.Is(err, model.ErrConcurrentModification):
		return err
	default:
		return model.Unavailable(op, err)
	}
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return model.Normalize(time.UnixMilli(ms))
}
