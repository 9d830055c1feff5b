package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键前缀
const (
	ldbTicketPrefix   = "t/"
	ldbChildrenPrefix = "c/"
)

// ldbRecord LevelDB 中保存的记录
type ldbRecord struct {
	Parent    string `json:"parent,omitempty"`
	Kind      string `json:"kind"`
	Version   int64  `json:"version"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Payload   []byte `json:"payload"`
}

// LevelDBStore 嵌入式持久化存储
// 票据键为 t/<key>，子票据索引为 c/<parent>/<child>；单进程独占，版本比较在进程内加锁完成。
type LevelDBStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

// OpenLevelDBStore 打开或创建 LevelDB 存储
func OpenLevelDBStore(path string, opts *opt.Options) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("打开 LevelDB 失败: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func ldbTicketKey(key string) []byte {
	return []byte(ldbTicketPrefix + key)
}

func ldbChildrenPrefixOf(parent string) []byte {
	return []byte(ldbChildrenPrefix + parent + "/")
}

func ldbChildKey(parent, child string) []byte {
	return append(ldbChildrenPrefixOf(parent), child...)
}

// Put 写入新记录
func (s *LevelDBStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tk := ldbTicketKey(rec.Key)
	exists, err := s.db.Has(tk, nil)
	if err != nil {
		return model.Unavailable("leveldb put", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", model.ErrTicketExists, model.Abbreviate(rec.Key))
	}

	rec.Version = 1
	value, err := marshalLDB(rec)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(tk, value)
	if rec.ParentKey != "" {
		batch.Put(ldbChildKey(rec.ParentKey, rec.Key), nil)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return model.Unavailable("leveldb put", err)
	}
	return nil
}

// Get 读取记录
func (s *LevelDBStore) Get(_ context.Context, key string) (Record, error) {
	value, err := s.db.Get(ldbTicketKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, model.ErrTicketNotFound
	}
	if err != nil {
		return Record{}, model.Unavailable("leveldb get", err)
	}
	return unmarshalLDB(key, value)
}

// Update 比较版本号后覆盖记录
func (s *LevelDBStore) Update(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(ctx, rec.Key)
	if err != nil {
		return err
	}
	if current.Version != rec.Version {
		return model.ErrConcurrentModification
	}
	rec.Version++
	rec.ParentKey = current.ParentKey
	value, err := marshalLDB(rec)
	if err != nil {
		return err
	}
	if err := s.db.Put(ldbTicketKey(rec.Key), value, nil); err != nil {
		return model.Unavailable("leveldb update", err)
	}
	return nil
}

// Delete 删除记录及其子记录索引
func (s *LevelDBStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, key)
	if errors.Is(err, model.ErrTicketNotFound) {
		return false, nil
	}
	if err != nil && !errors.Is(err, model.ErrIntegrityViolation) {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(ldbTicketKey(key))
	if rec.ParentKey != "" {
		batch.Delete(ldbChildKey(rec.ParentKey, key))
	}
	it := s.db.NewIterator(util.BytesPrefix(ldbChildrenPrefixOf(key)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, model.Unavailable("leveldb delete", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, model.Unavailable("leveldb delete", err)
	}
	return true, nil
}

// DeleteAll 清空存储
func (s *LevelDBStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(nil, nil)
	for it.Next() {
		if bytes.HasPrefix(it.Key(), []byte(ldbTicketPrefix)) {
			deleted++
		}
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, model.Unavailable("leveldb delete all", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, model.Unavailable("leveldb delete all", err)
	}
	return deleted, nil
}

// Scan 在快照上遍历记录
func (s *LevelDBStore) Scan(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		it := s.db.NewIterator(util.BytesPrefix([]byte(ldbTicketPrefix)), nil)
		defer it.Release()

		for it.Next() {
			if err := ctx.Err(); err != nil {
				yield(Record{}, model.Unavailable("leveldb scan", err))
				return
			}
			key := string(it.Key()[len(ldbTicketPrefix):])
			if !yield(unmarshalLDB(key, bytes.Clone(it.Value()))) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Record{}, model.Unavailable("leveldb scan", err))
		}
	}
}

// Children 子记录键
func (s *LevelDBStore) Children(_ context.Context, parentKey string) ([]string, error) {
	prefix := ldbChildrenPrefixOf(parentKey)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, model.Unavailable("leveldb children", err)
	}
	return keys, nil
}

// SyncMode 本地存储
func (s *LevelDBStore) SyncMode() SyncMode { return SyncLocal }

// Close 关闭数据库
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func marshalLDB(rec Record) ([]byte, error) {
	v := ldbRecord{
		Parent:  rec.ParentKey,
		Kind:    rec.Kind,
		Version: rec.Version,
		Payload: rec.Payload,
	}
	if !rec.ExpiresAt.IsZero() {
		v.ExpiresAt = rec.ExpiresAt.UnixMilli()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化记录失败: %w", err)
	}
	return data, nil
}

func unmarshalLDB(key string, data []byte) (Record, error) {
	var v ldbRecord
	if err := json.Unmarshal(data, &v); err != nil {
		return Record{Key: key}, fmt.Errorf("%w: 记录格式错误: %w", model.ErrIntegrityViolation, err)
	}
	rec := Record{
		Key:       key,
		ParentKey: v.Parent,
		Kind:      v.Kind,
		Version:   v.Version,
		Payload:   v.Payload,
	}
	if v.ExpiresAt > 0 {
		rec.ExpiresAt = model.Normalize(time.UnixMilli(v.ExpiresAt))
	}
	return rec, nil
}
