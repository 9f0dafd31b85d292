package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// RoutingJob is the durable hand-off between the inbound path and the routing engine.
// One row per triggering message.
type RoutingJob struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	MessageID      uint64 `gorm:"uniqueIndex;not null" json:"messageId"`
	ConversationID uint64 `gorm:"index;not null" json:"conversationId"`
	SenderID       uint64 `gorm:"not null" json:"senderId"`
	SenderRole     Role   `gorm:"type:varchar(16);not null" json:"senderRole"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	AutomatedCount int `gorm:"not null;default:0" json:"automatedCount"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
