package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract 各存储后端共用的契约测试
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("写入与读取", func(t *testing.T) {
		s := open(t)
		expires := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
		require.NoError(t, s.Put(ctx, Record{Key: "TGT-1", Kind: "TGT", ExpiresAt: expires, Payload: []byte("p1")}))

		rec, err := s.Get(ctx, "TGT-1")
		require.NoError(t, err)
		assert.Equal(t, "TGT", rec.Kind)
		assert.Equal(t, int64(1), rec.Version)
		assert.Equal(t, []byte("p1"), rec.Payload)
		assert.True(t, expires.Equal(rec.ExpiresAt))

		err = s.Put(ctx, Record{Key: "TGT-1", Kind: "TGT", Payload: []byte("p2")})
		assert.ErrorIs(t, err, model.ErrTicketExists)

		_, err = s.Get(ctx, "TGT-404")
		assert.ErrorIs(t, err, model.ErrTicketNotFound)
	})

	t.Run("版本比较更新", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, Record{Key: "TGT-1", Kind: "TGT", Payload: []byte("v1")}))

		require.NoError(t, s.Update(ctx, Record{Key: "TGT-1", Kind: "TGT", Version: 1, Payload: []byte("v2")}))
		rec, err := s.Get(ctx, "TGT-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
		assert.Equal(t, []byte("v2"), rec.Payload)

		err = s.Update(ctx, Record{Key: "TGT-1", Kind: "TGT", Version: 1, Payload: []byte("stale")})
		assert.ErrorIs(t, err, model.ErrConcurrentModification)

		err = s.Update(ctx, Record{Key: "TGT-404", Kind: "TGT", Version: 1, Payload: []byte("x")})
		assert.ErrorIs(t, err, model.ErrTicketNotFound)
	})

	t.Run("并发更新只有一个成功", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, Record{Key: "TGT-1", Kind: "TGT", Payload: []byte("v1")}))

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Update(ctx, Record{Key: "TGT-1", Kind: "TGT", Version: 1, Payload: []byte(fmt.Sprint(i))})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, model.ErrConcurrentModification)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)

		rec, err := s.Get(ctx, "TGT-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
	})

	t.Run("子记录索引与删除", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, Record{Key: "TGT-1", Kind: "TGT", Payload: []byte("p")}))
		for i := 1; i <= 3; i++ {
			require.NoError(t, s.Put(ctx, Record{Key: fmt.Sprintf("ST-%d", i), ParentKey: "TGT-1", Kind: "ST", Payload: []byte("c")}))
		}

		children, err := s.Children(ctx, "TGT-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"ST-1", "ST-2", "ST-3"}, children)

		ok, err := s.Delete(ctx, "ST-2")
		require.NoError(t, err)
		assert.True(t, ok)
		children, err = s.Children(ctx, "TGT-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"ST-1", "ST-3"}, children)

		// 更新不改变父键
		require.NoError(t, s.Update(ctx, Record{Key: "ST-1", ParentKey: "other", Kind: "ST", Version: 1, Payload: []byte("c2")}))
		rec, err := s.Get(ctx, "ST-1")
		require.NoError(t, err)
		assert.Equal(t, "TGT-1", rec.ParentKey)

		ok, err = s.Delete(ctx, "ST-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("遍历与清空", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Put(ctx, Record{Key: fmt.Sprintf("ST-%d", i), Kind: "ST", Payload: []byte("x")}))
		}

		var keys []string
		for rec, err := range s.Scan(ctx) {
			require.NoError(t, err)
			keys = append(keys, rec.Key)
		}
		assert.Len(t, keys, 5)

		// 提前结束遍历
		seen := 0
		for range s.Scan(ctx) {
			seen++
			break
		}
		assert.Equal(t, 1, seen)

		n, err := s.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
		for range s.Scan(ctx) {
			t.Fatal("清空后不应再有记录")
		}
	})
}
