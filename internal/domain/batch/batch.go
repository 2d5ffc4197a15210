// internal/domain/batch/batch.go
package batch

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies which handler drives a batch. The set is closed; see Types.
type Type string

const (
	TypeBroadcast       Type = "BROADCAST"
	TypeInvite          Type = "INVITE"
	TypeScheduleRemoval Type = "SCHEDULE_REMOVAL"
	TypeChannelCleanup  Type = "CHANNEL_CLEANUP"
	TypeChannelAudit    Type = "CHANNEL_AUDIT"
)

// Types returns every known batch type.
func Types() []Type {
	return []Type{TypeBroadcast, TypeInvite, TypeScheduleRemoval, TypeChannelCleanup, TypeChannelAudit}
}

// Valid reports whether t is one of Types().
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// PerUser reports whether every target of this type must carry a Telegram ID.
// Removal scheduling and channel audits validate their own items.
func (t Type) PerUser() bool {
	return t != TypeScheduleRemoval && t != TypeChannelAudit
}

// TracksBatchRecord is false for types persisted outside the batches table.
func (t Type) TracksBatchRecord() bool {
	return t != TypeChannelAudit
}

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Batch corresponds to a row of the 'background_batches' table.
type Batch struct {
	ID                 uuid.UUID
	Type               Type
	Status             Status
	TotalUsers         int
	SuccessfulSends    int
	FailedSends        int
	SubscriptionTypeID sql.NullInt64
	TargetGroup        sql.NullString
	MessageContent     json.RawMessage // opaque to the engine
	ContextData        json.RawMessage // opaque to the engine
	ErrorDetails       []FailedSendDetail
	ErrorSummary       map[string]int
	CreatedAt          time.Time
	StartedAt          sql.NullTime
	CompletedAt        sql.NullTime
}

// FailedSendDetail records why a single unit of a batch failed.
type FailedSendDetail struct {
	TelegramID   int64  `json:"telegram_id"`
	FullName     string `json:"full_name,omitempty"`
	Username     string `json:"username,omitempty"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	ErrorKey     string `json:"error_key"`
	IsRetryable  bool   `json:"is_retryable"`
}

// Result is the final state written when a batch finishes.
type Result struct {
	Status          Status
	SuccessfulSends int
	FailedSends     int
	ErrorDetails    []FailedSendDetail
	ErrorSummary    map[string]int
}

// Summarize counts error keys across details.
func Summarize(details []FailedSendDetail) map[string]int {
	summary := make(map[string]int, len(details))
	for _, d := range details {
		summary[d.ErrorKey]++
	}
	return summary
}

// FinalStatus is FAILED only when nothing succeeded and something failed.
func FinalStatus(successful, failed int) Status {
	if successful == 0 && failed > 0 {
		return StatusFailed
	}
	return StatusCompleted
}
