package model

import "time"

type Department struct {
	Code        string    `gorm:"primaryKey;size:32" json:"code"`
	Name        string    `gorm:"size:160;not null" json:"name"`
	Description *string   `gorm:"type:text" json:"description,omitempty"`
	ManagerID   *uint64   `json:"managerId,omitempty"`
	Active      bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Department) TableName() string { return "departments" }

// All lists every table the service owns, in migration order.
func All() []any {
	return []any{&Department{}, &User{}, &Instructor{}, &OutboxEvent{}}
}
