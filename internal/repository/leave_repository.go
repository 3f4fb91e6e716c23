package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/schoolmate-io/psa-api/internal/models"
)

// LeaveRepository persists leave requests and their decision workflow.
type LeaveRepository struct {
	db *sqlx.DB
}

// NewLeaveRepository constructs the repository.
func NewLeaveRepository(db *sqlx.DB) *LeaveRepository {
	return &LeaveRepository{db: db}
}

const leaveDetailColumns = `l.id, l.student_id, l.class_id, l.type, l.start_date, l.end_date, l.days, l.reason,
       l.status, l.refund_amount, l.decided_by, l.decided_at, l.created_by, l.created_at, l.updated_at,
       s.name AS student_name, s.student_no, c.name AS class_name`

// StudentBilling loads the refund inputs for one student.
func (r *LeaveRepository) StudentBilling(ctx context.Context, studentID int64) (*models.StudentBilling, error) {
	const query = `SELECT s.id AS student_id, s.name AS student_name, s.class_id, s.is_nutrition_meal, s.is_active, c.meal_fee
		FROM students s
		JOIN classes c ON c.id = s.class_id
		WHERE s.id = $1`
	var billing models.StudentBilling
	if err := r.db.GetContext(ctx, &billing, query, studentID); err != nil {
		return nil, err
	}
	return &billing, nil
}

// Create inserts a pending request and fills in the generated ID. The unique
// index on (student_id, start_date, end_date) surfaces duplicate spans as a
// pq unique violation, which the caller maps to a conflict.
func (r *LeaveRepository) Create(ctx context.Context, leave *models.LeaveRequest) error {
	now := time.Now().UTC()
	if leave.CreatedAt.IsZero() {
		leave.CreatedAt = now
	}
	leave.UpdatedAt = now
	if leave.Status == "" {
		leave.Status = models.LeaveStatusPending
	}

	const query = `INSERT INTO leave_requests (student_id, class_id, type, start_date, end_date, days, reason, status, refund_amount, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`
	if err := r.db.GetContext(ctx, &leave.ID, query,
		leave.StudentID,
		leave.ClassID,
		leave.Type,
		leave.StartDate,
		leave.EndDate,
		leave.Days,
		leave.Reason,
		leave.Status,
		leave.RefundAmount,
		leave.CreatedBy,
		leave.CreatedAt,
		leave.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create leave request: %w", err)
	}
	return nil
}

// FindDetailByID returns one request joined with student and class context.
func (r *LeaveRepository) FindDetailByID(ctx context.Context, id int64) (*models.LeaveDetail, error) {
	query := fmt.Sprintf(`SELECT %s
		FROM leave_requests l
		JOIN students s ON s.id = l.student_id
		JOIN classes c ON c.id = l.class_id
		WHERE l.id = $1`, leaveDetailColumns)
	var detail models.LeaveDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListDetail returns requests matching the filter, newest first, with total.
func (r *LeaveRepository) ListDetail(ctx context.Context, filter models.LeaveFilter) ([]models.LeaveDetail, int, error) {
	base := `FROM leave_requests l
		JOIN students s ON s.id = l.student_id
		JOIN classes c ON c.id = l.class_id
		WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("l.status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.StudentID != nil {
		conditions = append(conditions, fmt.Sprintf("l.student_id = $%d", len(args)+1))
		args = append(args, *filter.StudentID)
	}
	if filter.CreatedBy != "" {
		conditions = append(conditions, fmt.Sprintf("l.created_by = $%d", len(args)+1))
		args = append(args, filter.CreatedBy)
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY l.created_at DESC, l.id DESC LIMIT %d OFFSET %d", leaveDetailColumns, base, size, offset)
	var details []models.LeaveDetail
	if err := r.db.SelectContext(ctx, &details, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list leave requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count leave requests: %w", err)
	}
	return details, total, nil
}

// LeaveDecisionParams groups the columns a decision writes.
type LeaveDecisionParams struct {
	ID           int64
	Status       models.LeaveStatus
	DecidedBy    string
	DecidedAt    time.Time
	RefundAmount int64
}

// UpdateDecision finalises a pending request. Returns sql.ErrNoRows when the
// request was already decided or does not exist.
func (r *LeaveRepository) UpdateDecision(ctx context.Context, params LeaveDecisionParams) error {
	query := fmt.Sprintf(`UPDATE leave_requests
		SET status = $2, decided_by = $3, decided_at = $4, refund_amount = $5, updated_at = $6
		WHERE id = $1 AND status = '%s'`, models.LeaveStatusPending)
	result, err := r.db.ExecContext(ctx, query, params.ID, params.Status, params.DecidedBy, params.DecidedAt, params.RefundAmount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update leave decision: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check leave decision rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
