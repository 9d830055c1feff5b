package model

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Principal 认证主体
type Principal struct {
	ID         string              `json:"id"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Authentication 一次认证的结果
// 对票据核心而言是不透明的值，只用于组装断言。
type Authentication struct {
	Principal       Principal           `json:"principal"`
	Attributes      map[string][]string `json:"attributes,omitempty"`
	AuthenticatedAt time.Time           `json:"authenticated_at"`
}

// NewAuthentication 创建认证结果
func NewAuthentication(principalID string, attributes map[string][]string, at time.Time) Authentication {
	if len(attributes) == 0 {
		attributes = nil
	}
	return Authentication{
		Principal:       Principal{ID: principalID},
		Attributes:      attributes,
		AuthenticatedAt: Normalize(at),
	}
}

// IsRememberMe 认证属性中是否带有记住我标记
func (a Authentication) IsRememberMe(attribute string) bool {
	for _, v := range a.Attributes[attribute] {
		if strings.EqualFold(v, "true") {
			return true
		}
	}
	return false
}

// Equal 值相等比较
func (a Authentication) Equal(o Authentication) bool {
	return a.Principal.ID == o.Principal.ID &&
		a.AuthenticatedAt.Equal(o.AuthenticatedAt) &&
		equalAttributes(a.Principal.Attributes, o.Principal.Attributes) &&
		equalAttributes(a.Attributes, o.Attributes)
}

func equalAttributes(a, b map[string][]string) bool {
	return maps.EqualFunc(a, b, func(x, y []string) bool { return slices.Equal(x, y) })
}

// Service 请求票据的客户端应用
type Service struct {
	ID string `json:"id"`
}

// NewService 创建服务
func NewService(id string) Service {
	return Service{ID: strings.TrimSpace(id)}
}

// Matches 两个服务标识是否相同
func (s Service) Matches(o Service) bool {
	return s.ID != "" && s.ID == o.ID
}

// Normalize 去掉单调时钟读数并统一为 UTC，保证序列化往返后时间值完全相等
func Normalize(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// Now 当前时间（已规范化）
func Now() time.Time {
	return Normalize(time.Now())
}
