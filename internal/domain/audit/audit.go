// internal/domain/audit/audit.go
package audit

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status of a single channel's audit.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ChannelAudit corresponds to the 'channel_audits' table, keyed by
// (AuditUUID, ChannelID).
type ChannelAudit struct {
	AuditUUID           uuid.UUID
	ChannelID           int64
	ChannelName         string
	Status              Status
	TotalMembersAPI     int
	ActiveSubscribersDB int
	InactiveInChannelDB int
	UnidentifiedMembers int
	UsersToRemove       []int64
	UsersToRemoveCount  int
	CheckedUsers        int
	ErrorMessage        sql.NullString
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         sql.NullTime
}

// Counts is the outcome of a finished channel audit.
type Counts struct {
	TotalMembersAPI     int
	ActiveSubscribersDB int
	InactiveInChannelDB int
	UnidentifiedMembers int
	UsersToRemove       []int64
}

// Unidentified estimates members that are neither known active subscribers
// nor confirmed inactive: total - active - inactive, never below zero.
// Member counts and membership checks are not read from one snapshot, so the
// value is an estimate.
func Unidentified(total, active, inactive int) int {
	n := total - active - inactive
	if n < 0 {
		return 0
	}
	return n
}
