package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 状态常量
const (
	StatusActive   = "active"   // 启用
	StatusDisabled = "disabled" // 禁用
)

// RegisteredService 已注册的客户端服务
// ServiceID 是匹配服务地址的正则表达式。
type RegisteredService struct {
	ID                 string         `gorm:"type:char(36);primaryKey" json:"id"`
	Name               string         `gorm:"type:varchar(255);not null" json:"name"`
	ServiceID          string         `gorm:"type:varchar(1024);not null" json:"service_id"`
	Description        string         `gorm:"type:text" json:"description"`
	Status             string         `gorm:"type:varchar(20);default:active" json:"status"`
	SSOEnabled         bool           `gorm:"not null" json:"sso_enabled"`
	AllowedToProxy     bool           `gorm:"not null" json:"allowed_to_proxy"`
	ReleasedAttributes StringSlice    `gorm:"type:json" json:"released_attributes"`
	EvaluationOrder    int            `gorm:"index;not null" json:"evaluation_order"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`

	pattern *regexp.Regexp
}

// TableName 指定表名
func (RegisteredService) TableName() string {
	return "registered_services"
}

// BeforeCreate 创建前校验匹配规则并生成 UUID
func (r *RegisteredService) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	_, err := r.compile()
	return err
}

func (r *RegisteredService) compile() (*regexp.Regexp, error) {
	if r.pattern != nil {
		return r.pattern, nil
	}
	p, err := regexp.Compile(r.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("服务匹配规则无效 %q: %w", r.ServiceID, err)
	}
	r.pattern = p
	return p, nil
}

// IsActive 检查服务是否启用
func (r *RegisteredService) IsActive() bool {
	return r.Status == StatusActive
}

// Matches 服务地址是否匹配本注册项
func (r *RegisteredService) Matches(service Service) bool {
	if service.ID == "" {
		return false
	}
	p, err := r.compile()
	if err != nil {
		return false
	}
	return p.MatchString(service.ID)
}

// ReleaseAttributes 按配置筛选要返回给服务的属性，未配置时不返回任何属性
func (r *RegisteredService) ReleaseAttributes(attrs map[string][]string) map[string][]string {
	if len(r.ReleasedAttributes) == 0 || len(attrs) == 0 {
		return nil
	}
	released := make(map[string][]string, len(r.ReleasedAttributes))
	for _, name := range r.ReleasedAttributes {
		if v, ok := attrs[name]; ok {
			released[name] = v
		}
	}
	return released
}

// StringSlice 字符串切片类型，用于 JSON 存储
type StringSlice []string

// Value 实现 driver.Valuer 接口
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (s *StringSlice) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = StringSlice{}
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("无法将值转换为 []byte")
	}
}
