package model

import (
	"errors"
	"fmt"
)

// 票据错误分类
// 协议层根据这些错误映射协议相关的失败码，核心只保证每种原因可区分。
var (
	ErrTicketNotFound         = errors.New("票据不存在")
	ErrTicketExpired          = errors.New("票据已过期")
	ErrTicketAlreadyConsumed  = errors.New("票据已被使用")
	ErrUnauthorizedService    = errors.New("服务未授权")
	ErrInvalidTicketFormat    = errors.New("票据格式无效")
	ErrChainValidationFailed  = errors.New("认证链校验失败")
	ErrRegistryUnavailable    = errors.New("票据存储不可用")
	ErrIntegrityViolation     = errors.New("票据完整性校验失败")
	ErrConcurrentModification = errors.New("票据已被并发修改")
	ErrTicketExists           = errors.New("票据已存在")
	ErrMixedPrincipal         = errors.New("认证主体与会话不一致")
)

// ErrUnauthorizedProxy 服务不允许代理
var ErrUnauthorizedProxy = fmt.Errorf("%w: 服务不允许代理", ErrUnauthorizedService)

// NotFound 将读取路径上的具体原因与 ErrTicketNotFound 合并
// 调用方既可以按"不存在"统一处理，也可以用 errors.Is 区分具体原因。
func NotFound(cause error, ticketID string) error {
	return fmt.Errorf("%w: %w [%s]", cause, ErrTicketNotFound, Abbreviate(ticketID))
}

// Unavailable 将存储层的传输错误包装为 ErrRegistryUnavailable
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRegistryUnavailable, op, err)
}

// Abbreviate 截断票据 ID，用于日志与错误信息
func Abbreviate(id string) string {
	const keep = 16
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "..."
}
