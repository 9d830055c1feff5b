package model

import "time"

// TicketRecord 票据持久化行
// 载荷是序列化（可能已签名加密）后的票据，ParentID 为子票据索引。
type TicketRecord struct {
	ID        string     `gorm:"type:varchar(255);primaryKey"`
	ParentID  string     `gorm:"type:varchar(255);index;not null;default:''"`
	Kind      string     `gorm:"type:varchar(8);index;not null"`
	Version   int64      `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
	Payload   []byte     `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定表名
func (TicketRecord) TableName() string {
	return "tickets"
}
