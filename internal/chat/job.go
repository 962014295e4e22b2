package chat

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a generation queued for the worker.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	ConversationID string `gorm:"type:varchar(36);index;not null"`

	// Request is the wire.GenerateRequest the worker replays.
	Request datatypes.JSON `gorm:"not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *string `gorm:"type:varchar(36);index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
