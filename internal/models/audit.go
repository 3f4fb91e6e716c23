package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin              = "LOGIN"
	AuditActionSemesterCreate     = "SEMESTER_CREATE"
	AuditActionSemesterSetCurrent = "SEMESTER_SET_CURRENT"
	AuditActionRolloverExecute    = "ROLLOVER_EXECUTE"
	AuditActionLeaveCreate        = "LEAVE_CREATE"
	AuditActionLeaveDecision      = "LEAVE_DECISION"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
