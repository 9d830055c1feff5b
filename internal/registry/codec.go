package registry

import (
	"encoding/json"
	"fmt"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// encodeTicket 票据序列化为存储记录
func encodeTicket(t model.Ticket, key, parentKey string) (Record, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return Record{}, fmt.Errorf("序列化票据失败: %w", err)
	}
	base := t.Base()
	return Record{
		Key:       key,
		ParentKey: parentKey,
		Kind:      string(base.Kind),
		Version:   base.Version,
		ExpiresAt: base.ExpirationPolicy.ExpiresAt(t),
		Payload:   payload,
	}, nil
}

// decodeTicket 存储记录还原为票据
// 载荷无法解析时视为完整性错误。
func decodeTicket(rec Record) (model.Ticket, error) {
	var t model.Ticket
	switch model.Kind(rec.Kind) {
	case model.KindTicketGrantingTicket, model.KindProxyGrantingTicket:
		t = &model.TicketGrantingTicket{}
	case model.KindServiceTicket, model.KindProxyTicket:
		t = &model.ServiceTicket{}
	default:
		return nil, fmt.Errorf("%w: 未知票据类型 %q", model.ErrIntegrityViolation, rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, t); err != nil {
		return nil, fmt.Errorf("%w: 载荷格式错误: %w", model.ErrIntegrityViolation, err)
	}
	if string(t.GetKind()) != rec.Kind {
		return nil, fmt.Errorf("%w: 票据类型与记录不一致", model.ErrIntegrityViolation)
	}
	t.Base().Version = rec.Version
	return t, nil
}
