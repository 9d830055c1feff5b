package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pu-ac-cn/uac-ticket/internal/cipher"
	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T, store Store) (*TicketRegistry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	return New(store, nil, WithClock(clock.Now)), clock
}

func newTGT(id string) *model.TicketGrantingTicket {
	auth := model.NewAuthentication("casuser", map[string][]string{"mail": {"casuser@example.com"}}, epoch)
	return model.NewTicketGrantingTicket(id, auth, expiration.NewTicketGrantingTicket(8*time.Hour, 2*time.Hour), epoch)
}

func grant(t *testing.T, r *TicketRegistry, tgt *model.TicketGrantingTicket, id string) *model.ServiceTicket {
	t.Helper()
	ctx := context.Background()
	st := tgt.GrantServiceTicket(id, model.NewService("https://app.example.com"),
		expiration.NewMultiTimeUseOrTimeout(1, 10*time.Second), false, false, epoch)
	require.NoError(t, r.AddTicket(ctx, st))
	require.NoError(t, r.UpdateTicket(ctx, tgt))
	return st
}

func TestTicketRegistry_AddAndGet(t *testing.T) {
	r, _ := newRegistry(t, NewMemoryStore())
	ctx := context.Background()

	tgt := newTGT("TGT-1-abc")
	require.NoError(t, r.AddTicket(ctx, tgt))
	assert.Equal(t, int64(1), tgt.Version)

	got, err := r.GetTicket(ctx, "TGT-1-abc", model.KindTicketGrantingTicket)
	require.NoError(t, err)
	assert.Equal(t, tgt, got)

	err = r.AddTicket(ctx, tgt)
	assert.ErrorIs(t, err, model.ErrTicketExists)
}

func TestTicketRegistry_GetTicketErrors(t *testing.T) {
	r, _ := newRegistry(t, NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, r.AddTicket(ctx, newTGT("TGT-1-abc")))

	_, err := r.GetTicket(ctx, "garbage")
	assert.ErrorIs(t, err, model.ErrInvalidTicketFormat)

	_, err = r.GetTicket(ctx, "TGT-1-abc", model.KindServiceTicket)
	assert.ErrorIs(t, err, model.ErrInvalidTicketFormat)

	_, err = r.GetTicket(ctx, "TGT-2-missing")
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
	assert.NotErrorIs(t, err, model.ErrTicketExpired)
}

func TestTicketRegistry_LazyExpiration(t *testing.T) {
	store := NewMemoryStore()
	r, clock := newRegistry(t, store)
	ctx := context.Background()

	tgt := newTGT("TGT-1-abc")
	require.NoError(t, r.AddTicket(ctx, tgt))
	grant(t, r, tgt, "ST-1-abc")

	clock.Advance(3 * time.Hour)
	_, err := r.GetTicket(ctx, "TGT-1-abc")
	assert.ErrorIs(t, err, model.ErrTicketExpired)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)

	// 过期票据已被级联删除
	_, err = store.Get(ctx, "TGT-1-abc")
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
	_, err = store.Get(ctx, "ST-1-abc")
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestTicketRegistry_ThrottledIsNotDeleted(t *testing.T) {
	store := NewMemoryStore()
	r, clock := newRegistry(t, store)
	ctx := context.Background()

	auth := model.NewAuthentication("casuser", nil, epoch)
	tgt := model.NewTicketGrantingTicket("TGT-1-abc", auth, expiration.NewThrottledUseAndTimeout(time.Hour, 5*time.Second), epoch)
	require.NoError(t, r.AddTicket(ctx, tgt))
	tgt.Use(epoch)
	require.NoError(t, r.UpdateTicket(ctx, tgt))

	_, err := r.GetTicket(ctx, "TGT-1-abc")
	assert.ErrorIs(t, err, model.ErrTicketExpired)
	_, err = store.Get(ctx, "TGT-1-abc")
	assert.NoError(t, err, "节流中的票据不应被删除")

	clock.Advance(6 * time.Second)
	_, err = r.GetTicket(ctx, "TGT-1-abc")
	assert.NoError(t, err)
}

func TestTicketRegistry_ThrottledIsCounted(t *testing.T) {
	r, _ := newRegistry(t, NewMemoryStore())
	ctx := context.Background()

	auth := model.NewAuthentication("casuser", nil, epoch)
	tgt := model.NewTicketGrantingTicket("TGT-1-abc", auth, expiration.NewThrottledUseAndTimeout(time.Hour, 5*time.Second), epoch)
	require.NoError(t, r.AddTicket(ctx, tgt))
	tgt.Use(epoch)
	require.NoError(t, r.UpdateTicket(ctx, tgt))
	require.Equal(t, expiration.Throttled, tgt.Status(epoch))

	sessions, err := r.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sessions, "节流中的会话仍然有效")
}

func TestTicketRegistry_ChildExpiresWithParent(t *testing.T) {
	for _, sweep := range []bool{false, true} {
		t.Run(fmt.Sprintf("sweep=%v", sweep), func(t *testing.T) {
			store := NewMemoryStore()
			r, clock := newRegistry(t, store)
			ctx := context.Background()

			tgt := newTGT("TGT-1-abc")
			require.NoError(t, r.AddTicket(ctx, tgt))
			st := tgt.GrantServiceTicket("ST-1-abc", model.NewService("https://app.example.com"),
				expiration.NewTimeout(8*time.Hour), false, false, epoch)
			require.NoError(t, r.AddTicket(ctx, st))
			require.NoError(t, r.UpdateTicket(ctx, tgt))

			// TGT 空闲超过 2 小时，服务票据自身尚未超时
			clock.Advance(3 * time.Hour)
			require.Equal(t, expiration.Valid, st.Status(clock.Now()))

			sts, err := r.ServiceTicketCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), sts)

			if sweep {
				n, err := r.CleanExpired(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, n)
			}

			_, err = r.GetTicket(ctx, "ST-1-abc")
			assert.ErrorIs(t, err, model.ErrTicketNotFound)
			_, err = store.Get(ctx, "ST-1-abc")
			assert.ErrorIs(t, err, model.ErrTicketNotFound)
		})
	}
}

func TestTicketRegistry_OrphanIsExpired(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newRegistry(t, store)
	ctx := context.Background()

	tgt := newTGT("TGT-1-abc")
	st := tgt.GrantServiceTicket("ST-1-abc", model.NewService("https://app.example.com"),
		expiration.NewTimeout(time.Hour), false, false, epoch)
	require.NoError(t, r.AddTicket(ctx, st))

	sts, err := r.ServiceTicketCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sts)

	_, err = r.GetTicket(ctx, "ST-1-abc")
	assert.ErrorIs(t, err, model.ErrTicketExpired)
	_, err = store.Get(ctx, "ST-1-abc")
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestTicketRegistry_ConsumedTombstone(t *testing.T) {
	r, _ := newRegistry(t, NewMemoryStore())
	ctx := context.Background()

	tgt := newTGT("TGT-1-abc")
	require.NoError(t, r.AddTicket(ctx, tgt))
	st := grant(t, r, tgt, "ST-1-abc")

	require.True(t, st.Consume(epoch))
	require.NoError(t, r.UpdateTicket(ctx, st))

	_, err := r.GetTicket(ctx, "ST-1-abc")
	assert.ErrorIs(t, err, model.ErrTicketAlreadyConsumed)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestTicketRegistry_UpdateConflict(t *testing.T) {
	r, _ := newRegistry(t, NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, r.AddTicket(ctx, newTGT("TGT-1-abc")))

	a, err := r.GetTicket(ctx, "TGT-1-abc")
	require.NoError(t, err)
	b, err := r.GetTicket(ctx, "TGT-1-abc")
	require.NoError(t, err)

	a.Base().Use(epoch.Add(time.Second))
	require.NoError(t, r.UpdateTicket(ctx, a))
	assert.Equal(t, int64(2), a.Base().Version)

	b.Base().Use(epoch.Add(time.Second))
	err = r.UpdateTicket(ctx, b)
	assert.ErrorIs(t, err, model.ErrConcurrentModification)

	got, err := r.GetTicket(ctx, "TGT-1-abc")
	require.NoError(t, err)
	assert.Equal(t, 1, got.GetCountOfUses())
}

func TestTicketRegistry_CascadeDelete(t *testing.T) {
	r, _ := newRegistry(t, NewMemoryStore())
	ctx := context.Background()

	tgt := newTGT("TGT-1-abc")
	require.NoError(t, r.AddTicket(ctx, tgt))
	var ids []string
	for i := 1; i <= 3; i++ {
		st := grant(t, r, tgt, fmt.Sprintf("ST-%d-abc", i))
		ids = append(ids, st.ID)
	}

	// 代理链：ST-1 委派出 PGT，PGT 再签发 PT
	st, err := r.GetTicket(ctx, ids[0])
	require.NoError(t, err)
	pgt, err := st.(*model.ServiceTicket).GrantProxyGrantingTicket("PGT-1-abc",
		model.NewAuthentication("https://app.example.com/pgt", nil, epoch), expiration.NewTimeout(time.Hour), epoch)
	require.NoError(t, err)
	require.NoError(t, r.AddTicket(ctx, pgt))
	pt := pgt.GrantServiceTicket("PT-1-abc", model.NewService("https://backend"), expiration.NewTimeout(time.Minute), false, false, epoch)
	require.NoError(t, r.AddTicket(ctx, pt))
	ids = append(ids, pgt.ID, pt.ID)

	deleted, err := r.DeleteTicket(ctx, "TGT-1-abc")
	require.NoError(t, err)
	assert.True(t, deleted)

	for _, id := range append(ids, "TGT-1-abc") {
		_, err := r.GetTicket(ctx, id)
		assert.ErrorIs(t, err, model.ErrTicketNotFound, id)
	}

	deleted, err = r.DeleteTicket(ctx, "TGT-1-abc")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestTicketRegistry_GetTicketsAndCounts(t *testing.T) {
	r, clock := newRegistry(t, NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		tgt := newTGT(fmt.Sprintf("TGT-%d-abc", i))
		require.NoError(t, r.AddTicket(ctx, tgt))
		grant(t, r, tgt, fmt.Sprintf("ST-%d-abc", i))
	}

	var tgts []string
	for tk, err := range r.GetTickets(ctx, func(t model.Ticket) bool { return t.GetKind() == model.KindTicketGrantingTicket }) {
		require.NoError(t, err)
		tgts = append(tgts, tk.GetID())
	}
	assert.ElementsMatch(t, []string{"TGT-1-abc", "TGT-2-abc"}, tgts)

	sessions, err := r.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sessions)
	sts, err := r.ServiceTicketCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sts)

	clock.Advance(time.Minute)
	sts, err = r.ServiceTicketCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sts, "服务票据已过期")
}

func TestTicketRegistry_CleanExpired(t *testing.T) {
	store := NewMemoryStore()
	r, clock := newRegistry(t, store)
	ctx := context.Background()

	tgt := newTGT("TGT-1-abc")
	require.NoError(t, r.AddTicket(ctx, tgt))
	st := grant(t, r, tgt, "ST-1-abc")
	st.Consume(epoch)
	require.NoError(t, r.UpdateTicket(ctx, st))
	grant(t, r, tgt, "ST-2-abc")

	// 已消费的票据在存活期内保留
	n, err := r.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(11 * time.Second)
	n, err = r.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, "TGT-1-abc")
	assert.NoError(t, err)

	clock.Advance(3 * time.Hour)
	n, err = r.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func newCipherRegistry(t *testing.T) (*TicketRegistry, *MemoryStore) {
	t.Helper()
	ex, err := cipher.New([]byte("signing"), []byte("encryption"), nil)
	require.NoError(t, err)
	raw := NewMemoryStore()
	r, _ := newRegistry(t, NewCipherStore(raw, ex))
	return r, raw
}

func TestTicketRegistry_CipherHidesIDs(t *testing.T) {
	r, raw := newCipherRegistry(t)
	ctx := context.Background()

	tgt := newTGT("TGT-1-secret")
	require.NoError(t, r.AddTicket(ctx, tgt))
	grant(t, r, tgt, "ST-1-secret")

	for rec, err := range raw.Scan(ctx) {
		require.NoError(t, err)
		assert.NotContains(t, rec.Key, "secret")
		assert.NotContains(t, rec.ParentKey, "secret")
		assert.NotContains(t, string(rec.Payload), "secret")
		assert.NotContains(t, string(rec.Payload), "casuser")
	}

	got, err := r.GetTicket(ctx, "ST-1-secret")
	require.NoError(t, err)
	assert.Equal(t, "TGT-1-secret", got.GetParentID())

	deleted, err := r.DeleteTicket(ctx, "TGT-1-secret")
	require.NoError(t, err)
	assert.True(t, deleted)
	n, err := raw.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "级联删除应覆盖摘要键下的子票据")
}

func TestTicketRegistry_TamperedPayload(t *testing.T) {
	r, raw := newCipherRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddTicket(ctx, newTGT("TGT-1-abc")))

	key := cipher.DigestID("TGT-1-abc")
	rec, err := raw.Get(ctx, key)
	require.NoError(t, err)
	rec.Payload[len(rec.Payload)/2] ^= 0x01
	require.NoError(t, raw.Update(ctx, rec))

	_, err = r.GetTicket(ctx, "TGT-1-abc")
	assert.ErrorIs(t, err, model.ErrIntegrityViolation)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)

	n, err := r.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "无法校验的记录被清理")
}

func TestTicketRegistry_SwappedPayload(t *testing.T) {
	r, raw := newCipherRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddTicket(ctx, newTGT("TGT-1-abc")))
	require.NoError(t, r.AddTicket(ctx, newTGT("TGT-2-abc")))

	// 把另一张票据的合法载荷挪到本票据的键下
	other, err := raw.Get(ctx, cipher.DigestID("TGT-2-abc"))
	require.NoError(t, err)
	mine, err := raw.Get(ctx, cipher.DigestID("TGT-1-abc"))
	require.NoError(t, err)
	mine.Payload = other.Payload
	require.NoError(t, raw.Update(ctx, mine))

	_, err = r.GetTicket(ctx, "TGT-1-abc")
	assert.ErrorIs(t, err, model.ErrIntegrityViolation)
}

// Property: 经加密存储写入再读出的票据与原票据逐字段相等，篡改任意字节都会被发现
func TestProperty_EncryptedRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()
	seq := 0

	properties.Property("加密往返一致且篡改可检测", prop.ForAll(
		func(principal string, uses int, flip int) bool {
			r, raw := newCipherRegistry(t)
			seq++
			id := fmt.Sprintf("TGT-%d-prop", seq)
			auth := model.NewAuthentication(principal, map[string][]string{"p": {principal}}, epoch)
			tgt := model.NewTicketGrantingTicket(id, auth, expiration.NewTicketGrantingTicket(8*time.Hour, 2*time.Hour), epoch)
			for i := 0; i < uses; i++ {
				tgt.GrantServiceTicket(fmt.Sprintf("ST-%d-prop", i), model.NewService("https://svc"), expiration.NewTimeout(time.Minute), false, false, epoch)
			}
			if err := r.AddTicket(ctx, tgt); err != nil {
				return false
			}
			got, err := r.GetTicket(ctx, id)
			if err != nil {
				return false
			}
			if !assert.ObjectsAreEqual(tgt, got) {
				return false
			}

			rec, err := raw.Get(ctx, cipher.DigestID(id))
			if err != nil {
				return false
			}
			rec.Payload[flip%len(rec.Payload)] ^= 0xff
			if err := raw.Update(ctx, rec); err != nil {
				return false
			}
			_, err = r.GetTicket(ctx, id)
			return errors.Is(err, model.ErrIntegrityViolation)
		},
		gen.Identifier(),
		gen.IntRange(0, 5),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}
