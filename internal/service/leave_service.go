package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/schoolmate-io/psa-api/internal/dto"
	"github.com/schoolmate-io/psa-api/internal/models"
	"github.com/schoolmate-io/psa-api/internal/repository"
	appErrors "github.com/schoolmate-io/psa-api/pkg/errors"
)

type leaveRepository interface {
	Create(ctx context.Context, leave *models.LeaveRequest) error
	FindDetailByID(ctx context.Context, id int64) (*models.LeaveDetail, error)
	ListDetail(ctx context.Context, filter models.LeaveFilter) ([]models.LeaveDetail, int, error)
	UpdateDecision(ctx context.Context, params repository.LeaveDecisionParams) error
	StudentBilling(ctx context.Context, studentID int64) (*models.StudentBilling, error)
}

type leaveSemesterReader interface {
	FindCurrent(ctx context.Context) (*models.Semester, error)
}

type leaveAuditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

const pqUniqueViolation = "23505"

// LeaveService handles leave submissions and the meal-fee refund workflow.
// Refunds are previewed at creation from the current semester's school days
// and fixed when an admin approves; rejected requests refund nothing.
type LeaveService struct {
	repo      leaveRepository
	semesters leaveSemesterReader
	audit     leaveAuditLogger
	validator *validator.Validate
	logger    *zap.Logger
	maxDays   int
}

// NewLeaveService constructs the service. maxDays bounds a single request's
// span; non-positive values fall back to 30.
func NewLeaveService(repo leaveRepository, semesters leaveSemesterReader, audit leaveAuditLogger, validate *validator.Validate, logger *zap.Logger, maxDays int) *LeaveService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDays <= 0 {
		maxDays = 30
	}
	return &LeaveService{
		repo:      repo,
		semesters: semesters,
		audit:     audit,
		validator: validate,
		logger:    logger,
		maxDays:   maxDays,
	}
}

// Create stores a pending leave request with a refund preview.
func (s *LeaveService) Create(ctx context.Context, req dto.CreateLeaveRequest, actorID string) (*models.LeaveDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid leave request")
	}

	start := dateOnly(req.StartDate)
	end := dateOnly(req.EndDate)
	if end.Before(start) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end_date must not be before start_date")
	}
	days := int(end.Sub(start)/(24*time.Hour)) + 1
	if days > s.maxDays {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("leave span exceeds the %d day limit", s.maxDays))
	}

	billing, err := s.repo.StudentBilling(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !billing.IsActive {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student is not active")
	}

	semester, err := s.semesters.FindCurrent(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "no current semester configured")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current semester")
	}

	leave := &models.LeaveRequest{
		StudentID:    req.StudentID,
		ClassID:      billing.ClassID,
		Type:         models.LeaveType(req.Type),
		StartDate:    start,
		EndDate:      end,
		Days:         days,
		Reason:       req.Reason,
		Status:       models.LeaveStatusPending,
		RefundAmount: refundAmount(billing.MealFee, semester.SchoolDays, days, billing.IsNutritionMeal),
		CreatedBy:    actorID,
	}
	if err := s.repo.Create(ctx, leave); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return nil, appErrors.Clone(appErrors.ErrConflict, "an identical leave span already exists for this student")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create leave request")
	}

	s.emitAudit(ctx, actorID, models.AuditActionLeaveCreate, leave.ID, nil, leave)

	detail, err := s.repo.FindDetailByID(ctx, leave.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load created leave request")
	}
	return detail, nil
}

// List returns leave requests scoped to the actor's role. Teachers only see
// their own submissions.
func (s *LeaveService) List(ctx context.Context, query dto.LeaveQuery, actor *models.JWTClaims) ([]models.LeaveDetail, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid leave query")
	}

	filter := models.LeaveFilter{
		Page:     query.Page,
		PageSize: query.PageSize,
	}
	if query.Status != "" {
		status := models.LeaveStatus(query.Status)
		filter.Status = &status
	}
	if query.StudentID > 0 {
		studentID := query.StudentID
		filter.StudentID = &studentID
	}

	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleTeacher, models.RoleClassTeacher:
		filter.CreatedBy = actor.UserID
	default:
		return nil, nil, appErrors.ErrForbidden
	}

	details, total, err := s.repo.ListDetail(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list leave requests")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{
		Page:       page,
		PageSize:   size,
		TotalCount: total,
	}
	return details, pagination, nil
}

// Get returns one request, enforcing ownership for teachers.
func (s *LeaveService) Get(ctx context.Context, id int64, actor *models.JWTClaims) (*models.LeaveDetail, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "leave request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load leave request")
	}
	if actor.Role != models.RoleAdmin && detail.CreatedBy != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return detail, nil
}

// Decide finalises a pending request. Approval fixes the refund previewed at
// creation; rejection zeroes it.
func (s *LeaveService) Decide(ctx context.Context, id int64, req dto.LeaveDecisionRequest, actorID string) (*models.LeaveDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision")
	}

	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "leave request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load leave request")
	}
	if detail.Status != models.LeaveStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, "leave request already decided")
	}

	status := models.LeaveStatus(req.Status)
	refund := detail.RefundAmount
	if status == models.LeaveStatusRejected {
		refund = 0
	}

	params := repository.LeaveDecisionParams{
		ID:           id,
		Status:       status,
		DecidedBy:    actorID,
		DecidedAt:    time.Now().UTC(),
		RefundAmount: refund,
	}
	if err := s.repo.UpdateDecision(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "leave request already decided")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update leave request")
	}

	old := detail.LeaveRequest
	updated, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load decided leave request")
	}

	s.emitAudit(ctx, actorID, models.AuditActionLeaveDecision, id, &old, &updated.LeaveRequest)

	s.logger.Info("leave request decided",
		zap.Int64("leave_id", id),
		zap.String("status", string(status)),
		zap.Int64("refund_amount", refund),
		zap.String("decided_by", actorID),
	)
	return updated, nil
}

func (s *LeaveService) emitAudit(ctx context.Context, actorID, action string, leaveID int64, old, current *models.LeaveRequest) {
	if s.audit == nil {
		return
	}
	resourceID := fmt.Sprintf("%d", leaveID)
	entry := &models.AuditLog{
		Action:     action,
		Resource:   "leave_requests",
		ResourceID: &resourceID,
	}
	if actorID != "" {
		entry.UserID = &actorID
	}
	if old != nil {
		if payload, err := json.Marshal(old); err == nil {
			entry.OldValues = payload
		}
	}
	if current != nil {
		if payload, err := json.Marshal(current); err == nil {
			entry.NewValues = payload
		}
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

// refundAmount implements the per-day refund: the class meal fee spread over
// the semester's school days, rounded, times the days absent. Students on the
// subsidised nutrition-meal program are never refunded.
func refundAmount(mealFee int64, schoolDays, days int, nutritionMeal bool) int64 {
	if nutritionMeal || schoolDays <= 0 || days <= 0 {
		return 0
	}
	daily := math.Round(float64(mealFee) / float64(schoolDays))
	return int64(daily) * int64(days)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
