package model

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Assertion 校验成功后生成的断言
// 构建后不可修改，只在校验时生成，不存储。
type Assertion struct {
	primary      Authentication
	chain        []Authentication
	service      Service
	fromNewLogin bool
}

// NewAssertion 由认证链构建断言
// 认证链根在前，最后一个元素是直接父票据的认证。认证链为空时构建失败。
func NewAssertion(chain []Authentication, service Service, fromNewLogin bool) (*Assertion, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: 认证链为空", ErrChainValidationFailed)
	}
	return &Assertion{
		primary:      chain[len(chain)-1],
		chain:        slices.Clone(chain),
		service:      service,
		fromNewLogin: fromNewLogin,
	}, nil
}

// PrimaryAuthentication 直接父授予票据上记录的认证
func (a *Assertion) PrimaryAuthentication() Authentication { return a.primary }

// RootAuthentication 最初的主登录认证
func (a *Assertion) RootAuthentication() Authentication { return a.chain[0] }

// ChainedAuthentications 认证链副本
func (a *Assertion) ChainedAuthentications() []Authentication { return slices.Clone(a.chain) }

// Service 断言对应的服务
func (a *Assertion) Service() Service { return a.service }

// IsFromNewLogin 票据是否在主登录时签发
func (a *Assertion) IsFromNewLogin() bool { return a.fromNewLogin }

// Proxies 代理链上的服务，按离当前服务由近及远排列
func (a *Assertion) Proxies() []string {
	var proxies []string
	for i := len(a.chain) - 1; i > 0; i-- {
		proxies = append(proxies, a.chain[i].Principal.ID)
	}
	return proxies
}

// Equal 值相等比较
func (a *Assertion) Equal(o *Assertion) bool {
	if a == nil || o == nil {
		return a == o
	}
	return a.fromNewLogin == o.fromNewLogin &&
		a.service == o.service &&
		a.primary.Equal(o.primary) &&
		slices.EqualFunc(a.chain, o.chain, Authentication.Equal)
}

type assertionJSON struct {
	PrimaryAuthentication  Authentication   `json:"primary_authentication"`
	ChainedAuthentications []Authentication `json:"chained_authentications"`
	Service                Service          `json:"service"`
	FromNewLogin           bool             `json:"from_new_login"`
}

// MarshalJSON 序列化断言
func (a *Assertion) MarshalJSON() ([]byte, error) {
	return json.Marshal(assertionJSON{
		PrimaryAuthentication:  a.primary,
		ChainedAuthentications: a.chain,
		Service:                a.service,
		FromNewLogin:           a.fromNewLogin,
	})
}

// UnmarshalJSON 反序列化断言
func (a *Assertion) UnmarshalJSON(data []byte) error {
	var v assertionJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	restored, err := NewAssertion(v.ChainedAuthentications, v.Service, v.FromNewLogin)
	if err != nil {
		return err
	}
	*a = *restored
	return nil
}
