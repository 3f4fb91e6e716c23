package dto

import "time"

// CreateLeaveRequest submits an absence span for a student. Days are derived
// from the span, inclusive of both endpoints.
type CreateLeaveRequest struct {
	StudentID int64     `json:"student_id" validate:"required,gt=0"`
	Type      string    `json:"type" validate:"required,oneof=SICK PERSONAL"`
	StartDate time.Time `json:"start_date" validate:"required"`
	EndDate   time.Time `json:"end_date" validate:"required"`
	Reason    string    `json:"reason" validate:"required,max=500"`
}

// LeaveDecisionRequest approves or rejects a pending request.
type LeaveDecisionRequest struct {
	Status string `json:"status" validate:"required,oneof=APPROVED REJECTED"`
}

// LeaveQuery filters leave listings.
type LeaveQuery struct {
	Status    string `form:"status" validate:"omitempty,oneof=PENDING APPROVED REJECTED"`
	StudentID int64  `form:"student_id" validate:"omitempty,gt=0"`
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
}
