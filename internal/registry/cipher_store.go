package registry

import (
	"context"
	"iter"

	"github.com/pu-ac-cn/uac-ticket/internal/cipher"
)

// CipherStore 在写入前签名加密、读取后解密验签的存储装饰器
// 票据 ID 与父票据 ID 以摘要形式作为存储键，存储中不出现可用的票据 ID。
type CipherStore struct {
	Store
	cipher cipher.Executor
}

// NewCipherStore 包装存储；未启用加密时原样返回
func NewCipherStore(store Store, ex cipher.Executor) Store {
	if ex == nil || !ex.Enabled() {
		return store
	}
	return &CipherStore{Store: store, cipher: ex}
}

// Key 票据 ID 的摘要
func (s *CipherStore) Key(id string) string {
	return cipher.DigestID(id)
}

// Put 编码后写入
func (s *CipherStore) Put(ctx context.Context, rec Record) error {
	payload, err := s.cipher.Encode(rec.Payload)
	if err != nil {
		return err
	}
	rec.Payload = payload
	return s.Store.Put(ctx, rec)
}

// Get 读取后解码
func (s *CipherStore) Get(ctx context.Context, key string) (Record, error) {
	rec, err := s.Store.Get(ctx, key)
	if err != nil {
		return rec, err
	}
	return s.decode(rec)
}

// Update 编码后覆盖
func (s *CipherStore) Update(ctx context.Context, rec Record) error {
	payload, err := s.cipher.Encode(rec.Payload)
	if err != nil {
		return err
	}
	rec.Payload = payload
	return s.Store.Update(ctx, rec)
}

// Scan 遍历并逐条解码，解码失败的记录连同错误一起返回
func (s *CipherStore) Scan(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for rec, err := range s.Store.Scan(ctx) {
			if err == nil {
				rec, err = s.decode(rec)
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (s *CipherStore) decode(rec Record) (Record, error) {
	payload, err := s.cipher.Decode(rec.Payload)
	if err != nil {
		rec.Payload = nil
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}
