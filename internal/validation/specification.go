// Package validation CAS 协议的票据校验规则
package validation

import (
	"fmt"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Protocol 协议版本
type Protocol string

// 协议常量
const (
	// Cas10 CAS 1.0，不允许代理
	Cas10 Protocol = "CAS10"
	// Cas20 CAS 2.0，允许任意代理链
	Cas20 Protocol = "CAS20"
	// Cas20WithoutProxying CAS 2.0 但禁用代理，判定规则与 Cas10 相同
	Cas20WithoutProxying Protocol = "CAS20_NO_PROXY"
)

// Specification 校验规则
// 只依赖断言本身，与票据存储状态无关。
type Specification struct {
	Protocol Protocol
	// Renew 要求票据必须在主登录时签发
	Renew bool
}

// New 创建校验规则
func New(protocol Protocol, renew bool) Specification {
	return Specification{Protocol: protocol, Renew: renew}
}

// IsSatisfiedBy 断言是否满足规则
func (s Specification) IsSatisfiedBy(a *model.Assertion) bool {
	return s.Check(a) == nil
}

// Check 校验断言，不满足时返回包装了 model.ErrChainValidationFailed 的错误
func (s Specification) Check(a *model.Assertion) error {
	if a == nil {
		return fmt.Errorf("%w: 断言为空", model.ErrChainValidationFailed)
	}
	chain := len(a.ChainedAuthentications())
	switch s.Protocol {
	case Cas10, Cas20WithoutProxying:
		if chain != 1 {
			return fmt.Errorf("%w: %s 不允许代理，认证链长度为 %d", model.ErrChainValidationFailed, s.Protocol, chain)
		}
	case Cas20:
	default:
		return fmt.Errorf("%w: 未知协议 %q", model.ErrChainValidationFailed, s.Protocol)
	}
	if s.Renew && !a.IsFromNewLogin() {
		return fmt.Errorf("%w: 要求重新登录，但票据来自已有会话", model.ErrChainValidationFailed)
	}
	return nil
}

// String 规则名称
func (s Specification) String() string {
	if s.Renew {
		return string(s.Protocol) + "+renew"
	}
	return string(s.Protocol)
}
