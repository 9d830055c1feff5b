package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"go.uber.org/zap"
)

// TicketRegistry 票据仓库
// 读取时惰性判定过期：过期票据对调用方表现为不存在，并顺带级联删除。
type TicketRegistry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Option 仓库选项
type Option func(*TicketRegistry)

// WithClock 指定时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(r *TicketRegistry) { r.now = now }
}

// New 创建票据仓库
func New(store Store, logger *zap.Logger, opts ...Option) *TicketRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &TicketRegistry{store: store, logger: logger, now: model.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncMode 底层存储的同步方式
func (r *TicketRegistry) SyncMode() SyncMode {
	return r.store.SyncMode()
}

// Close 关闭底层存储
func (r *TicketRegistry) Close() error {
	return r.store.Close()
}

func (r *TicketRegistry) key(id string) string {
	if id == "" {
		return ""
	}
	if k, ok := r.store.(Keyer); ok {
		return k.Key(id)
	}
	return id
}

// AddTicket 写入新票据
func (r *TicketRegistry) AddTicket(ctx context.Context, t model.Ticket) error {
	rec, err := encodeTicket(t, r.key(t.GetID()), r.key(t.GetParentID()))
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("写入票据 %s: %w", model.Abbreviate(t.GetID()), err)
	}
	t.Base().Version = 1
	r.logger.Debug("票据已写入", zap.String("ticket", model.Abbreviate(t.GetID())))
	return nil
}

// GetTicket 读取票据，可限定期望的票据类型
//
// 过期、已消费、完整性校验失败的票据都返回包装了 model.ErrTicketNotFound 的错误，
// 具体原因仍可通过 errors.Is 区分。
func (r *TicketRegistry) GetTicket(ctx context.Context, id string, kinds ...model.Kind) (model.Ticket, error) {
	kind, err := model.KindOf(id)
	if err != nil {
		return nil, err
	}
	if len(kinds) > 0 && !slices.Contains(kinds, kind) {
		return nil, fmt.Errorf("%w: 期望 %v，实际为 %s", model.ErrInvalidTicketFormat, kinds, kind)
	}

	t, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if st, ok := t.(*model.ServiceTicket); ok && st.Consumed {
		return nil, model.NotFound(model.ErrTicketAlreadyConsumed, id)
	}
	switch t.Status(now) {
	case expiration.Valid:
		expired, err := r.ancestorExpired(ctx, t, now)
		if err != nil {
			return nil, err
		}
		if !expired {
			return t, nil
		}
	case expiration.Throttled:
		return nil, model.NotFound(model.ErrTicketExpired, id)
	}
	if _, err := r.DeleteTicket(ctx, id); err != nil {
		r.logger.Warn("删除过期票据失败", zap.String("ticket", model.Abbreviate(id)), zap.Error(err))
	}
	return nil, model.NotFound(model.ErrTicketExpired, id)
}

// maxChainDepth 父票据链的最大深度，超过时视为记录损坏
const maxChainDepth = 32

// ancestorExpired 沿父票据链向上检查
// 任一上级票据已过期或已不存在（被销毁、被存储淘汰）时，下级票据随之过期。
func (r *TicketRegistry) ancestorExpired(ctx context.Context, t model.Ticket, now time.Time) (bool, error) {
	parentID := t.GetParentID()
	for depth := 0; parentID != ""; depth++ {
		if depth >= maxChainDepth {
			return true, nil
		}
		parent, err := r.load(ctx, parentID)
		if errors.Is(err, model.ErrTicketNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if parent.Status(now) == expiration.Expired {
			return true, nil
		}
		parentID = parent.GetParentID()
	}
	return false, nil
}

// load 读取并解码票据，不判定过期
func (r *TicketRegistry) load(ctx context.Context, id string) (model.Ticket, error) {
	rec, err := r.store.Get(ctx, r.key(id))
	switch {
	case errors.Is(err, model.ErrTicketNotFound):
		return nil, fmt.Errorf("%w [%s]", model.ErrTicketNotFound, model.Abbreviate(id))
	case errors.Is(err, model.ErrIntegrityViolation):
		r.logger.Error("票据完整性校验失败", zap.String("ticket", model.Abbreviate(id)), zap.Error(err))
		return nil, model.NotFound(err, id)
	case err != nil:
		return nil, err
	}

	t, err := decodeTicket(rec)
	if err == nil && t.GetID() != id {
		err = fmt.Errorf("%w: 记录内容与票据 ID 不一致", model.ErrIntegrityViolation)
	}
	if err != nil {
		r.logger.Error("票据完整性校验失败", zap.String("ticket", model.Abbreviate(id)), zap.Error(err))
		return nil, model.NotFound(err, id)
	}
	return t, nil
}

// UpdateTicket 整体写回票据
// 票据自读取后被其他请求修改过时返回 model.ErrConcurrentModification，调用方需重新读取。
func (r *TicketRegistry) UpdateTicket(ctx context.Context, t model.Ticket) error {
	rec, err := encodeTicket(t, r.key(t.GetID()), r.key(t.GetParentID()))
	if err != nil {
		return err
	}
	if err := r.store.Update(ctx, rec); err != nil {
		if errors.Is(err, model.ErrTicketNotFound) {
			return fmt.Errorf("%w [%s]", model.ErrTicketNotFound, model.Abbreviate(t.GetID()))
		}
		return fmt.Errorf("更新票据 %s: %w", model.Abbreviate(t.GetID()), err)
	}
	t.Base().Version++
	return nil
}

// DeleteTicket 删除票据并级联删除其签发的全部子票据（包括经由 PGT 签发的票据）
func (r *TicketRegistry) DeleteTicket(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	count, deleted, err := r.deleteTree(ctx, r.key(id))
	if err != nil {
		return false, err
	}
	if count > 0 {
		r.logger.Debug("票据已删除",
			zap.String("ticket", model.Abbreviate(id)),
			zap.Int("cascade", count),
		)
	}
	return deleted, nil
}

// deleteTree 先删除子记录再删除自身，中途失败时父记录仍在，可以重试
func (r *TicketRegistry) deleteTree(ctx context.Context, key string) (int, bool, error) {
	children, err := r.store.Children(ctx, key)
	if err != nil {
		return 0, false, err
	}
	count := 0
	for _, child := range children {
		n, _, err := r.deleteTree(ctx, child)
		count += n
		if err != nil {
			return count, false, err
		}
	}
	deleted, err := r.store.Delete(ctx, key)
	if err != nil {
		return count, false, err
	}
	if deleted {
		count++
	}
	return count, deleted, nil
}

// DeleteAll 删除全部票据
func (r *TicketRegistry) DeleteAll(ctx context.Context) (int64, error) {
	return r.store.DeleteAll(ctx)
}

// GetTickets 遍历满足条件的票据
// 结果是惰性的、有限的，不包含无法解码的记录（以错误形式给出）；遍历期间的修改不保证可见。
// 过期票据也会返回，需要时由调用方用 IsExpired 过滤。
func (r *TicketRegistry) GetTickets(ctx context.Context, predicate func(model.Ticket) bool) iter.Seq2[model.Ticket, error] {
	return func(yield func(model.Ticket, error) bool) {
		for rec, err := range r.store.Scan(ctx) {
			var t model.Ticket
			if err == nil {
				t, err = decodeTicket(rec)
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if predicate != nil && !predicate(t) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// SessionCount 有效的 TGT 数量
func (r *TicketRegistry) SessionCount(ctx context.Context) (int64, error) {
	return r.count(ctx, model.KindTicketGrantingTicket)
}

// ServiceTicketCount 有效的 ST 与 PT 数量
func (r *TicketRegistry) ServiceTicketCount(ctx context.Context) (int64, error) {
	return r.count(ctx, model.KindServiceTicket, model.KindProxyTicket)
}

func (r *TicketRegistry) count(ctx context.Context, kinds ...model.Kind) (int64, error) {
	now := r.now()
	entries, _, err := r.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range entries {
		// 节流中的票据仍属于有效会话
		if !slices.Contains(kinds, e.ticket.GetKind()) || e.ticket.Status(now) == expiration.Expired {
			continue
		}
		if entries.chainExpired(e.parentKey, now) {
			expired, err := r.ancestorExpired(ctx, e.ticket, now)
			if err != nil {
				return n, err
			}
			if expired {
				continue
			}
		}
		n++
	}
	return n, nil
}

// scanEntry 遍历得到的票据及其存储元数据
type scanEntry struct {
	ticket    model.Ticket
	parentKey string
	expiresAt time.Time
}

// scanEntries 以存储键索引的票据快照
type scanEntries map[string]scanEntry

// snapshot 读取全部票据，无法解码的记录键单独返回
func (r *TicketRegistry) snapshot(ctx context.Context) (scanEntries, []string, error) {
	entries := make(scanEntries)
	var corrupted []string
	for rec, err := range r.store.Scan(ctx) {
		if errors.Is(err, model.ErrIntegrityViolation) {
			if rec.Key != "" {
				corrupted = append(corrupted, rec.Key)
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		t, err := decodeTicket(rec)
		if err != nil {
			corrupted = append(corrupted, rec.Key)
			continue
		}
		entries[rec.Key] = scanEntry{ticket: t, parentKey: rec.ParentKey, expiresAt: rec.ExpiresAt}
	}
	return entries, corrupted, nil
}

// chainExpired 按快照判断父票据链是否已失效
// 快照不保证一致，结果为 true 时需要再用 ancestorExpired 从存储确认。
func (e scanEntries) chainExpired(parentKey string, now time.Time) bool {
	for depth := 0; parentKey != ""; depth++ {
		parent, ok := e[parentKey]
		if !ok || depth >= maxChainDepth || parent.ticket.Status(now) == expiration.Expired {
			return true
		}
		parentKey = parent.parentKey
	}
	return false
}

// CleanExpired 清理过期票据
// 只是存储层面的优化，读取路径本身已经保证过期票据不可见。
// 已消费的服务票据保留到其存活期结束，节流中的票据不会被清理。
func (r *TicketRegistry) CleanExpired(ctx context.Context) (int, error) {
	now := r.now()
	entries, corrupted, err := r.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	var expired []string
	for key, e := range entries {
		if st, ok := e.ticket.(*model.ServiceTicket); ok && st.Consumed {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				expired = append(expired, key)
			}
			continue
		}
		if e.ticket.Status(now) == expiration.Expired {
			expired = append(expired, key)
			continue
		}
		// 上级票据已失效的票据在读取路径上同样不可见
		if entries.chainExpired(e.parentKey, now) {
			dead, err := r.ancestorExpired(ctx, e.ticket, now)
			if err != nil {
				return 0, err
			}
			if dead {
				expired = append(expired, key)
			}
		}
	}

	cleaned := 0
	for _, key := range expired {
		n, _, err := r.deleteTree(ctx, key)
		cleaned += n
		if err != nil {
			return cleaned, err
		}
	}
	for _, key := range corrupted {
		r.logger.Error("删除无法校验的票据记录", zap.String("key", model.Abbreviate(key)))
		if ok, err := r.store.Delete(ctx, key); err != nil {
			return cleaned, err
		} else if ok {
			cleaned++
		}
	}
	return cleaned, nil
}
