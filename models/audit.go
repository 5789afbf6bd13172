package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AuditEventChallengeVerified      = "CHALLENGE_VERIFIED"
	AuditEventChallengeDeadlineSweep = "CHALLENGE_DEADLINE_SWEEP"
)

// AuditEvent is an append-only record of lifecycle transitions.
type AuditEvent struct {
	Id         string         `json:"id" gorm:"primaryKey"`
	EventType  string         `json:"event_type" gorm:"size:48;not null;index"`
	EntityType string         `json:"entity_type" gorm:"size:32;not null"`
	EntityId   string         `json:"entity_id" gorm:"not null"`
	Payload    datatypes.JSON `json:"payload"`
	CreatedAt  time.Time      `json:"created_at" gorm:"index"`
}

func (e *AuditEvent) TableName() string { return "audit_events" }

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.Id == "" {
		e.Id = uuid.NewString()
	}
	return
}
