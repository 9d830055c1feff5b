// Package service 业务逻辑层
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/idgen"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
	"github.com/pu-ac-cn/uac-ticket/internal/validation"
	"go.uber.org/zap"
)

// 服务层错误
var (
	ErrInvalidAuthentication = errors.New("认证结果缺少主体")
	ErrUpdateConflict        = fmt.Errorf("%w: 重试次数耗尽", model.ErrConcurrentModification)
)

// CentralAuthenticationService 票据签发、委派、校验与注销
type CentralAuthenticationService interface {
	CreateGrantingTicket(ctx context.Context, auth model.Authentication) (string, error)
	GrantServiceTicket(ctx context.Context, grantingTicketID string, service model.Service, opts *GrantOptions) (string, error)
	GrantProxyTicket(ctx context.Context, proxyGrantingTicketID string, service model.Service) (string, error)
	DelegateGrantingTicket(ctx context.Context, serviceTicketID string, auth model.Authentication) (string, error)
	ValidateServiceTicket(ctx context.Context, serviceTicketID string, service model.Service) (*model.Assertion, error)
	ValidateWith(ctx context.Context, serviceTicketID string, service model.Service, spec validation.Specification) (*model.Assertion, error)
	DestroyTicket(ctx context.Context, ticketID string) (bool, error)
	Statistics(ctx context.Context) (*Statistics, error)
}

// GrantOptions 签发服务票据的选项
type GrantOptions struct {
	// PolicyOverride 覆盖默认的服务票据过期策略
	PolicyOverride *expiration.Policy
	// CredentialsProvided 本次请求伴随新的凭证提交
	CredentialsProvided bool
	// Authentication 本次请求产生的新认证，主体必须与会话一致
	Authentication *model.Authentication
	// OnlyTrackMostRecentSession 同一服务只保留最近一次签发记录
	OnlyTrackMostRecentSession bool
}

// Statistics 票据统计
type Statistics struct {
	Sessions       int64 `json:"sessions"`
	ServiceTickets int64 `json:"service_tickets"`
}

// TicketPolicies 各类票据的过期策略
type TicketPolicies struct {
	TicketGrantingTicket expiration.Policy
	ServiceTicket        expiration.Policy
	ProxyGrantingTicket  expiration.Policy
	ProxyTicket          expiration.Policy
}

// IDGenerators 各类票据的 ID 生成器
type IDGenerators map[model.Kind]idgen.Generator

// CASServiceConfig 票据服务配置
type CASServiceConfig struct {
	Policies            TicketPolicies
	Generators          IDGenerators
	RememberMeAttribute string
	// OnlyTrackMostRecentSession 未显式传入选项时的默认值
	OnlyTrackMostRecentSession bool
	MaxUpdateAttempts          int
	Clock                      func() time.Time
}

// DefaultPolicies 默认过期策略
func DefaultPolicies() TicketPolicies {
	tgt := expiration.NewTicketGrantingTicket(8*time.Hour, 2*time.Hour)
	return TicketPolicies{
		TicketGrantingTicket: tgt,
		ServiceTicket:        expiration.NewMultiTimeUseOrTimeout(1, 10*time.Second),
		ProxyGrantingTicket:  tgt,
		ProxyTicket:          expiration.NewMultiTimeUseOrTimeout(1, 10*time.Second),
	}
}

// DefaultIDLength 各类票据随机部分的默认长度
var DefaultIDLength = map[model.Kind]int{
	model.KindTicketGrantingTicket: 50,
	model.KindProxyGrantingTicket:  50,
	model.KindServiceTicket:        20,
	model.KindProxyTicket:          20,
}

// casService 票据服务实现
type casService struct {
	registry *registry.TicketRegistry
	services repository.ServicesManager
	config   *CASServiceConfig
	logger   *zap.Logger
}

// NewCASService 创建票据服务
// services 为 nil 时不做服务授权检查。
func NewCASService(reg *registry.TicketRegistry, services repository.ServicesManager, config *CASServiceConfig, logger *zap.Logger) (CentralAuthenticationService, error) {
	if config == nil {
		config = &CASServiceConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultPolicies()
	if config.Policies.TicketGrantingTicket.Kind == "" {
		config.Policies.TicketGrantingTicket = defaults.TicketGrantingTicket
	}
	if config.Policies.ServiceTicket.Kind == "" {
		config.Policies.ServiceTicket = defaults.ServiceTicket
	}
	if config.Policies.ProxyGrantingTicket.Kind == "" {
		config.Policies.ProxyGrantingTicket = defaults.ProxyGrantingTicket
	}
	if config.Policies.ProxyTicket.Kind == "" {
		config.Policies.ProxyTicket = defaults.ProxyTicket
	}
	for _, p := range []expiration.Policy{
		config.Policies.TicketGrantingTicket,
		config.Policies.ServiceTicket,
		config.Policies.ProxyGrantingTicket,
		config.Policies.ProxyTicket,
	} {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	if config.Generators == nil {
		config.Generators = make(IDGenerators)
	}
	for kind, length := range DefaultIDLength {
		if config.Generators[kind] != nil {
			continue
		}
		g, err := idgen.New(idgen.Options{Length: length, Suffix: idgen.NodeSuffix()})
		if err != nil {
			return nil, err
		}
		config.Generators[kind] = g
	}

	if config.RememberMeAttribute == "" {
		config.RememberMeAttribute = "rememberMe"
	}
	if config.MaxUpdateAttempts <= 0 {
		config.MaxUpdateAttempts = 5
	}
	if config.Clock == nil {
		config.Clock = model.Now
	}

	return &casService{
		registry: reg,
		services: services,
		config:   config,
		logger:   logger,
	}, nil
}

func (s *casService) now() time.Time {
	return model.Normalize(s.config.Clock())
}

func (s *casService) newID(kind model.Kind) (string, error) {
	return s.config.Generators[kind].NewTicketID(string(kind))
}

// CreateGrantingTicket 主登录成功后创建 TGT
func (s *casService) CreateGrantingTicket(ctx context.Context, auth model.Authentication) (string, error) {
	if auth.Principal.ID == "" {
		return "", ErrInvalidAuthentication
	}
	id, err := s.newID(model.KindTicketGrantingTicket)
	if err != nil {
		return "", err
	}

	policy := s.config.Policies.TicketGrantingTicket.Bind(auth.IsRememberMe(s.config.RememberMeAttribute))
	tgt := model.NewTicketGrantingTicket(id, auth, policy, s.now())
	if err := s.registry.AddTicket(ctx, tgt); err != nil {
		return "", err
	}

	s.logger.Info("已创建票据授予票据",
		zap.String("ticket", model.Abbreviate(id)),
		zap.String("principal", auth.Principal.ID),
		zap.String("policy", string(policy.Selected().Kind)),
	)
	return id, nil
}

// authorize 检查服务是否已注册并启用
func (s *casService) authorize(ctx context.Context, service model.Service) (*model.RegisteredService, error) {
	if s.services == nil {
		return nil, nil
	}
	registered, err := s.services.FindByService(ctx, service)
	if err != nil {
		if errors.Is(err, repository.ErrServiceNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrUnauthorizedService, service.ID)
		}
		return nil, err
	}
	if !registered.IsActive() {
		return nil, fmt.Errorf("%w: 服务 %s 已停用", model.ErrUnauthorizedService, registered.Name)
	}
	return registered, nil
}

// GrantServiceTicket 由 TGT 签发 ST，由 PGT 签发 PT
func (s *casService) GrantServiceTicket(ctx context.Context, grantingTicketID string, service model.Service, opts *GrantOptions) (string, error) {
	if opts == nil {
		opts = &GrantOptions{OnlyTrackMostRecentSession: s.config.OnlyTrackMostRecentSession}
	}
	registered, err := s.authorize(ctx, service)
	if err != nil {
		return "", err
	}

	parentKind, err := model.KindOf(grantingTicketID)
	if err != nil {
		return "", err
	}
	if !parentKind.IsGranting() {
		return "", fmt.Errorf("%w: %s 不能签发票据", model.ErrInvalidTicketFormat, parentKind)
	}
	kind := model.KindServiceTicket
	policy := s.config.Policies.ServiceTicket
	if parentKind == model.KindProxyGrantingTicket {
		kind = model.KindProxyTicket
		policy = s.config.Policies.ProxyTicket
	}
	if opts.PolicyOverride != nil {
		policy = *opts.PolicyOverride
	}

	id, err := s.newID(kind)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < s.config.MaxUpdateAttempts; attempt++ {
		t, err := s.registry.GetTicket(ctx, grantingTicketID, model.KindTicketGrantingTicket, model.KindProxyGrantingTicket)
		if err != nil {
			return "", err
		}
		tgt := t.(*model.TicketGrantingTicket)

		if opts.Authentication != nil && opts.Authentication.Principal.ID != tgt.Authentication.Principal.ID {
			return "", fmt.Errorf("%w: 会话主体 %s，本次认证主体 %s",
				model.ErrMixedPrincipal, tgt.Authentication.Principal.ID, opts.Authentication.Principal.ID)
		}
		if registered != nil && !registered.SSOEnabled && !opts.CredentialsProvided && tgt.CountOfUses > 0 {
			return "", fmt.Errorf("%w: 服务 %s 不参与单点登录", model.ErrUnauthorizedService, registered.Name)
		}

		st := tgt.GrantServiceTicket(id, service, policy, opts.CredentialsProvided, opts.OnlyTrackMostRecentSession, s.now())
		if err := s.registry.AddTicket(ctx, st); err != nil {
			return "", err
		}
		err = s.registry.UpdateTicket(ctx, tgt)
		if err == nil {
			s.logger.Info("已签发服务票据",
				zap.String("ticket", model.Abbreviate(id)),
				zap.String("granting_ticket", model.Abbreviate(grantingTicketID)),
				zap.String("service", service.ID),
				zap.Bool("from_new_login", st.FromNewLogin),
			)
			return id, nil
		}

		// 父票据未写回，撤销已写入的子票据
		if _, derr := s.registry.DeleteTicket(ctx, id); derr != nil {
			s.logger.Warn("撤销服务票据失败", zap.String("ticket", model.Abbreviate(id)), zap.Error(derr))
		}
		if !errors.Is(err, model.ErrConcurrentModification) {
			return "", err
		}
	}
	return "", ErrUpdateConflict
}

// GrantProxyTicket 由 PGT 签发 PT
func (s *casService) GrantProxyTicket(ctx context.Context, proxyGrantingTicketID string, service model.Service) (string, error) {
	kind, err := model.KindOf(proxyGrantingTicketID)
	if err != nil {
		return "", err
	}
	if kind != model.KindProxyGrantingTicket {
		return "", fmt.Errorf("%w: 期望 PGT，实际为 %s", model.ErrInvalidTicketFormat, kind)
	}
	return s.GrantServiceTicket(ctx, proxyGrantingTicketID, service, &GrantOptions{})
}

// DelegateGrantingTicket 基于 ST 或 PT 委派出 PGT
// auth 是代理回调地址经过校验后得到的认证。
func (s *casService) DelegateGrantingTicket(ctx context.Context, serviceTicketID string, auth model.Authentication) (string, error) {
	if auth.Principal.ID == "" {
		return "", ErrInvalidAuthentication
	}
	id, err := s.newID(model.KindProxyGrantingTicket)
	if err != nil {
		return "", err
	}
	policy := s.config.Policies.ProxyGrantingTicket.Bind(false)

	for attempt := 0; attempt < s.config.MaxUpdateAttempts; attempt++ {
		t, err := s.registry.GetTicket(ctx, serviceTicketID, model.KindServiceTicket, model.KindProxyTicket)
		if err != nil {
			return "", err
		}
		st := t.(*model.ServiceTicket)

		registered, err := s.authorize(ctx, st.Service)
		if err != nil {
			return "", err
		}
		if registered != nil && !registered.AllowedToProxy {
			return "", fmt.Errorf("%w: %s", model.ErrUnauthorizedProxy, registered.Name)
		}

		pgt, err := st.GrantProxyGrantingTicket(id, auth, policy, s.now())
		if err != nil {
			return "", err
		}
		if err := s.registry.AddTicket(ctx, pgt); err != nil {
			return "", err
		}
		err = s.registry.UpdateTicket(ctx, st)
		if err == nil {
			s.logger.Info("已委派代理授予票据",
				zap.String("ticket", model.Abbreviate(id)),
				zap.String("service_ticket", model.Abbreviate(serviceTicketID)),
				zap.String("proxy", auth.Principal.ID),
				zap.Int("chain", len(pgt.ChainedAuthentications)),
			)
			return id, nil
		}

		if _, derr := s.registry.DeleteTicket(ctx, id); derr != nil {
			s.logger.Warn("撤销代理授予票据失败", zap.String("ticket", model.Abbreviate(id)), zap.Error(derr))
		}
		if !errors.Is(err, model.ErrConcurrentModification) {
			return "", err
		}
	}
	return "", ErrUpdateConflict
}

// ValidateServiceTicket 校验 ST / PT 并生成断言
// 每次校验都记为一次使用；服务不匹配时票据作废。
func (s *casService) ValidateServiceTicket(ctx context.Context, serviceTicketID string, service model.Service) (*model.Assertion, error) {
	if _, err := s.authorize(ctx, service); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.config.MaxUpdateAttempts; attempt++ {
		t, err := s.registry.GetTicket(ctx, serviceTicketID, model.KindServiceTicket, model.KindProxyTicket)
		if err != nil {
			return nil, err
		}
		st := t.(*model.ServiceTicket)

		st.Consume(s.now())
		matched := st.IsValidFor(service)
		if !matched {
			st.Consumed = true
		}

		err = s.registry.UpdateTicket(ctx, st)
		if errors.Is(err, model.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if !matched {
			s.logger.Warn("服务票据与服务不匹配，票据已作废",
				zap.String("ticket", model.Abbreviate(serviceTicketID)),
				zap.String("expected", st.Service.ID),
				zap.String("actual", service.ID),
			)
			return nil, fmt.Errorf("%w: 票据 %s 不是签发给 %s 的",
				model.ErrUnauthorizedService, model.Abbreviate(serviceTicketID), service.ID)
		}

		assertion, err := model.NewAssertion(st.ChainedAuthentications, service, st.FromNewLogin)
		if err != nil {
			return nil, err
		}
		s.logger.Info("服务票据校验通过",
			zap.String("ticket", model.Abbreviate(serviceTicketID)),
			zap.String("service", service.ID),
			zap.String("principal", assertion.PrimaryAuthentication().Principal.ID),
			zap.Bool("consumed", st.Consumed),
		)
		return assertion, nil
	}
	return nil, ErrUpdateConflict
}

// ValidateWith 校验票据并检查断言是否满足协议规范
func (s *casService) ValidateWith(ctx context.Context, serviceTicketID string, service model.Service, spec validation.Specification) (*model.Assertion, error) {
	assertion, err := s.ValidateServiceTicket(ctx, serviceTicketID, service)
	if err != nil {
		return nil, err
	}
	if err := spec.Check(assertion); err != nil {
		s.logger.Info("断言不满足协议规范",
			zap.String("ticket", model.Abbreviate(serviceTicketID)),
			zap.Stringer("specification", spec),
			zap.Error(err),
		)
		return nil, err
	}
	return assertion, nil
}

// DestroyTicket 销毁票据及其签发的全部下级票据
func (s *casService) DestroyTicket(ctx context.Context, ticketID string) (bool, error) {
	if _, err := model.KindOf(ticketID); err != nil {
		return false, err
	}
	deleted, err := s.registry.DeleteTicket(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("票据已销毁", zap.String("ticket", model.Abbreviate(ticketID)))
	}
	return deleted, nil
}

// Statistics 当前有效会话与服务票据数量
func (s *casService) Statistics(ctx context.Context) (*Statistics, error) {
	sessions, err := s.registry.SessionCount(ctx)
	if err != nil {
		return nil, err
	}
	tickets, err := s.registry.ServiceTicketCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Statistics{Sessions: sessions, ServiceTickets: tickets}, nil
}
