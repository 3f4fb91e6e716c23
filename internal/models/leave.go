package models

import "time"

// LeaveType categorises a leave request.
type LeaveType string

const (
	LeaveTypeSick     LeaveType = "SICK"
	LeaveTypePersonal LeaveType = "PERSONAL"
)

// LeaveStatus tracks the decision workflow.
type LeaveStatus string

const (
	LeaveStatusPending  LeaveStatus = "PENDING"
	LeaveStatusApproved LeaveStatus = "APPROVED"
	LeaveStatusRejected LeaveStatus = "REJECTED"
)

// LeaveRequest records a student absence span and the meal-fee refund it
// earns. RefundAmount is a preview while PENDING and becomes final on
// approval; it stays zero for students on the subsidised nutrition plan.
type LeaveRequest struct {
	ID           int64       `db:"id" json:"id"`
	StudentID    int64       `db:"student_id" json:"student_id"`
	ClassID      int64       `db:"class_id" json:"class_id"`
	Type         LeaveType   `db:"type" json:"type"`
	StartDate    time.Time   `db:"start_date" json:"start_date"`
	EndDate      time.Time   `db:"end_date" json:"end_date"`
	Days         int         `db:"days" json:"days"`
	Reason       string      `db:"reason" json:"reason"`
	Status       LeaveStatus `db:"status" json:"status"`
	RefundAmount int64       `db:"refund_amount" json:"refund_amount"`
	DecidedBy    *string     `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt    *time.Time  `db:"decided_at" json:"decided_at,omitempty"`
	CreatedBy    string      `db:"created_by" json:"created_by"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// LeaveDetail joins the request with student and class context for listings.
type LeaveDetail struct {
	LeaveRequest
	StudentName string `db:"student_name" json:"student_name"`
	StudentNo   string `db:"student_no" json:"student_no"`
	ClassName   string `db:"class_name" json:"class_name"`
}

// StudentBilling is the refund-relevant slice of a student joined with the
// class meal fee.
type StudentBilling struct {
	StudentID       int64  `db:"student_id"`
	StudentName     string `db:"student_name"`
	ClassID         int64  `db:"class_id"`
	IsNutritionMeal bool   `db:"is_nutrition_meal"`
	IsActive        bool   `db:"is_active"`
	MealFee         int64  `db:"meal_fee"`
}

// LeaveFilter scopes list queries. CreatedBy narrows teachers to their own
// submissions; admins leave it empty.
type LeaveFilter struct {
	Status    *LeaveStatus
	StudentID *int64
	CreatedBy string
	Page      int
	PageSize  int
}
