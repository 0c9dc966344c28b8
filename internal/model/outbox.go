package model

import "time"

// OutboxEvent is a domain event staged in the same transaction as the business write.
type OutboxEvent struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement"`
	Topic          string     `gorm:"type:text;not null;index"`
	Payload        string     `gorm:"type:jsonb;not null"`
	Processed      bool       `gorm:"not null;default:false;index"`
	CreatedAt      time.Time  `gorm:"not null;autoCreateTime"`
	ProcessedAt    *time.Time
	Attempts       int        `gorm:"not null;default:0"`
	LastError      *string    `gorm:"type:text"`
	DeadLetteredAt *time.Time `gorm:"index"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
