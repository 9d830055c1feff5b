// Package model 数据模型定义
package model

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
)

// Kind 票据类型，同时也是票据 ID 的前缀
type Kind string

// 票据类型常量
const (
	KindTicketGrantingTicket Kind = "TGT"
	KindProxyGrantingTicket  Kind = "PGT"
	KindServiceTicket        Kind = "ST"
	KindProxyTicket          Kind = "PT"
)

// IsGranting 是否可以签发下级票据
func (k Kind) IsGranting() bool {
	return k == KindTicketGrantingTicket || k == KindProxyGrantingTicket
}

// IsValid 是否为已知类型
func (k Kind) IsValid() bool {
	switch k {
	case KindTicketGrantingTicket, KindProxyGrantingTicket, KindServiceTicket, KindProxyTicket:
		return true
	}
	return false
}

// KindOf 从票据 ID 前缀解析票据类型
func KindOf(id string) (Kind, error) {
	prefix, rest, ok := strings.Cut(id, "-")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicketFormat, Abbreviate(id))
	}
	k := Kind(prefix)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: 未知前缀 %q", ErrInvalidTicketFormat, prefix)
	}
	return k, nil
}

// Ticket 票据
// 票据之间只通过 ID 互相引用，父票据不持有子票据对象。
type Ticket interface {
	expiration.State
	GetID() string
	GetKind() Kind
	GetParentID() string
	Status(now time.Time) expiration.Status
	IsExpired(now time.Time) bool
	Base() *TicketBase
}

// TicketBase 票据公共字段
type TicketBase struct {
	ID               string            `json:"id"`
	Kind             Kind              `json:"kind"`
	CreationTime     time.Time         `json:"creation_time"`
	LastTimeUsed     time.Time         `json:"last_time_used"`
	PreviousTimeUsed time.Time         `json:"previous_time_used"`
	CountOfUses      int               `json:"count_of_uses"`
	ExpirationPolicy expiration.Policy `json:"expiration_policy"`
	Expired          bool              `json:"expired,omitempty"`

	// Version 存储层版本号，用于比较并交换式更新，不参与序列化
	Version int64 `json:"-"`
}

func newTicketBase(id string, kind Kind, policy expiration.Policy, now time.Time) TicketBase {
	now = Normalize(now)
	return TicketBase{
		ID:               id,
		Kind:             kind,
		CreationTime:     now,
		LastTimeUsed:     now,
		PreviousTimeUsed: now,
		ExpirationPolicy: policy,
	}
}

// Base 返回公共字段
func (b *TicketBase) Base() *TicketBase { return b }

// GetID 票据 ID
func (b *TicketBase) GetID() string { return b.ID }

// GetKind 票据类型
func (b *TicketBase) GetKind() Kind { return b.Kind }

// GetCreationTime 创建时间
func (b *TicketBase) GetCreationTime() time.Time { return b.CreationTime }

// GetLastTimeUsed 最近使用时间
func (b *TicketBase) GetLastTimeUsed() time.Time { return b.LastTimeUsed }

// GetPreviousTimeUsed 上一次使用时间
func (b *TicketBase) GetPreviousTimeUsed() time.Time { return b.PreviousTimeUsed }

// GetCountOfUses 使用次数
func (b *TicketBase) GetCountOfUses() int { return b.CountOfUses }

// Status 按过期策略判定票据状态
func (b *TicketBase) Status(now time.Time) expiration.Status {
	if b.Expired {
		return expiration.Expired
	}
	return b.ExpirationPolicy.Evaluate(b, now)
}

// IsExpired 票据是否已过期
func (b *TicketBase) IsExpired(now time.Time) bool {
	return b.Status(now) != expiration.Valid
}

// MarkExpired 显式标记票据过期
func (b *TicketBase) MarkExpired() {
	b.Expired = true
}

// Use 记录一次使用
// 使用次数只增不减。
func (b *TicketBase) Use(now time.Time) {
	now = Normalize(now)
	b.PreviousTimeUsed = b.LastTimeUsed
	if now.After(b.LastTimeUsed) {
		b.LastTimeUsed = now
	}
	b.CountOfUses++
}

// TicketGrantingTicket 票据授予票据（TGT / PGT）
type TicketGrantingTicket struct {
	TicketBase

	Authentication Authentication `json:"authentication"`
	// ChainedAuthentications 从最初的登录到本票据的认证链，根在前，最后一个是本票据自己的认证
	ChainedAuthentications []Authentication `json:"chained_authentications"`
	// ParentTicketID 仅 PGT 使用：委派时服务票据所属的授予票据
	ParentTicketID string   `json:"parent_ticket_id,omitempty"`
	ProxiedBy      *Service `json:"proxied_by,omitempty"`
	// Services 已签发的子票据，子票据 ID 到服务
	Services map[string]Service `json:"services,omitempty"`
}

// NewTicketGrantingTicket 创建 TGT
func NewTicketGrantingTicket(id string, auth Authentication, policy expiration.Policy, now time.Time) *TicketGrantingTicket {
	return &TicketGrantingTicket{
		TicketBase:             newTicketBase(id, KindTicketGrantingTicket, policy, now),
		Authentication:         auth,
		ChainedAuthentications: []Authentication{auth},
	}
}

// GetParentID 父票据 ID，根 TGT 为空
func (t *TicketGrantingTicket) GetParentID() string { return t.ParentTicketID }

// RootAuthentication 最初的主认证
func (t *TicketGrantingTicket) RootAuthentication() Authentication {
	if len(t.ChainedAuthentications) == 0 {
		return t.Authentication
	}
	return t.ChainedAuthentications[0]
}

// GrantServiceTicket 签发服务票据
// 父票据的使用次数与最近使用时间随签发一起更新，调用方需要把父票据整体写回存储。
// PGT 签发的是代理票据（PT）。
func (t *TicketGrantingTicket) GrantServiceTicket(id string, service Service, policy expiration.Policy,
	credentialsProvided, onlyTrackMostRecentSession bool, now time.Time) *ServiceTicket {
	kind := KindServiceTicket
	fromNewLogin := credentialsProvided || t.CountOfUses == 0
	if t.Kind == KindProxyGrantingTicket {
		kind = KindProxyTicket
		fromNewLogin = false
	}

	t.Use(now)
	if t.Services == nil {
		t.Services = make(map[string]Service)
	}
	if onlyTrackMostRecentSession {
		maps.DeleteFunc(t.Services, func(_ string, s Service) bool { return s.Matches(service) })
	}
	t.Services[id] = service

	return &ServiceTicket{
		TicketBase:             newTicketBase(id, kind, policy, now),
		Service:                service,
		GrantingTicketID:       t.ID,
		FromNewLogin:           fromNewLogin,
		ChainedAuthentications: append([]Authentication(nil), t.ChainedAuthentications...),
	}
}

// ServiceTicket 服务票据（ST / PT）
type ServiceTicket struct {
	TicketBase

	Service          Service `json:"service"`
	GrantingTicketID string  `json:"granting_ticket_id"`
	FromNewLogin     bool    `json:"from_new_login"`
	Consumed         bool    `json:"consumed,omitempty"`
	// GrantedProxyGrantingTicket 每张服务票据最多委派一次
	GrantedProxyGrantingTicket bool `json:"granted_proxy_granting_ticket,omitempty"`
	// ChainedAuthentications 签发时授予票据认证链的副本，根在前
	ChainedAuthentications []Authentication `json:"chained_authentications"`
}

// GetParentID 授予票据 ID
func (s *ServiceTicket) GetParentID() string { return s.GrantingTicketID }

// Status 已消费的票据总是过期
func (s *ServiceTicket) Status(now time.Time) expiration.Status {
	if s.Consumed {
		return expiration.Expired
	}
	return s.TicketBase.Status(now)
}

// IsExpired 票据是否已过期
func (s *ServiceTicket) IsExpired(now time.Time) bool {
	return s.Status(now) != expiration.Valid
}

// IsValidFor 票据是否签发给该服务
func (s *ServiceTicket) IsValidFor(service Service) bool {
	return s.Service.Matches(service)
}

// Consume 记录一次校验使用，使用次数耗尽后标记为已消费
func (s *ServiceTicket) Consume(now time.Time) bool {
	s.Use(now)
	if s.TicketBase.Status(now) == expiration.Expired {
		s.Consumed = true
	}
	return s.Consumed
}

// GrantProxyGrantingTicket 基于服务票据委派出 PGT
func (s *ServiceTicket) GrantProxyGrantingTicket(id string, auth Authentication, policy expiration.Policy, now time.Time) (*TicketGrantingTicket, error) {
	if s.GrantedProxyGrantingTicket {
		return nil, fmt.Errorf("%w: 服务票据已委派过 PGT", ErrTicketAlreadyConsumed)
	}
	s.GrantedProxyGrantingTicket = true

	chain := make([]Authentication, 0, len(s.ChainedAuthentications)+1)
	chain = append(chain, s.ChainedAuthentications...)
	chain = append(chain, auth)
	proxiedBy := s.Service

	return &TicketGrantingTicket{
		TicketBase:             newTicketBase(id, KindProxyGrantingTicket, policy, now),
		Authentication:         auth,
		ChainedAuthentications: chain,
		ParentTicketID:         s.GrantingTicketID,
		ProxiedBy:              &proxiedBy,
	}, nil
}
