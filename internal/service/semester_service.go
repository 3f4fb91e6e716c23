package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolmate-io/psa-api/internal/models"
	appErrors "github.com/schoolmate-io/psa-api/pkg/errors"
)

type semesterRepository interface {
	List(ctx context.Context, filter models.SemesterFilter) ([]models.Semester, int, error)
	FindByID(ctx context.Context, id int64) (*models.Semester, error)
	FindCurrent(ctx context.Context) (*models.Semester, error)
	ExistsByName(ctx context.Context, name string, excludeID int64) (bool, error)
	Create(ctx context.Context, semester *models.Semester) error
	SetCurrent(ctx context.Context, id int64) error
}

type semesterAuditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateSemesterRequest describes payload for creating semesters.
type CreateSemesterRequest struct {
	Name       string    `json:"name" validate:"required"`
	StartDate  time.Time `json:"start_date" validate:"required"`
	EndDate    time.Time `json:"end_date" validate:"required"`
	SchoolDays int       `json:"school_days" validate:"required,gt=0"`
	IsCurrent  bool      `json:"is_current"`
}

// SemesterService orchestrates semester workflows. Mutations invalidate
// cached rollover previews because they change what a rollover would see.
type SemesterService struct {
	repo      semesterRepository
	audit     semesterAuditLogger
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSemesterService creates a new semester service instance.
func NewSemesterService(repo semesterRepository, audit semesterAuditLogger, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *SemesterService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemesterService{repo: repo, audit: audit, cache: cache, validator: validate, logger: logger}
}

// List returns paginated semesters.
func (s *SemesterService) List(ctx context.Context, filter models.SemesterFilter) ([]models.Semester, *models.Pagination, error) {
	semesters, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list semesters")
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
	return semesters, pagination, nil
}

// Get returns a semester by ID.
func (s *SemesterService) Get(ctx context.Context, id int64) (*models.Semester, error) {
	semester, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "semester not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load semester")
	}
	return semester, nil
}

// GetCurrent returns the semester flagged current.
func (s *SemesterService) GetCurrent(ctx context.Context) (*models.Semester, error) {
	semester, err := s.repo.FindCurrent(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no current semester")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current semester")
	}
	return semester, nil
}

// Create adds a new semester ensuring name uniqueness and date validation.
func (s *SemesterService) Create(ctx context.Context, req CreateSemesterRequest, actorID string) (*models.Semester, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid semester payload")
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_date must be before end_date")
	}

	exists, err := s.repo.ExistsByName(ctx, req.Name, 0)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check semester uniqueness")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "semester name already exists")
	}

	semester := &models.Semester{
		Name:       req.Name,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		SchoolDays: req.SchoolDays,
		IsCurrent:  false,
	}
	if err := s.repo.Create(ctx, semester); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create semester")
	}

	if req.IsCurrent {
		if err := s.repo.SetCurrent(ctx, semester.ID); err != nil {
			s.logger.Error("failed to set current semester after create", zap.Error(err))
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark semester current")
		}
		semester.IsCurrent = true
	}

	s.emitAudit(ctx, actorID, models.AuditActionSemesterCreate, semester)
	s.invalidatePreviews(ctx)
	return semester, nil
}

// SetCurrent flags one semester current and clears the flag everywhere else.
func (s *SemesterService) SetCurrent(ctx context.Context, id int64, actorID string) (*models.Semester, error) {
	semester, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "semester not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load semester")
	}

	if err := s.repo.SetCurrent(ctx, semester.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark semester current")
	}
	semester.IsCurrent = true

	s.emitAudit(ctx, actorID, models.AuditActionSemesterSetCurrent, semester)
	s.invalidatePreviews(ctx)
	return semester, nil
}

func (s *SemesterService) emitAudit(ctx context.Context, actorID, action string, semester *models.Semester) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(semester)
	if err != nil {
		s.logger.Warn("marshal semester audit payload", zap.Error(err))
		return
	}
	resourceID := fmt.Sprintf("%d", semester.ID)
	entry := &models.AuditLog{
		Action:     action,
		Resource:   "semesters",
		ResourceID: &resourceID,
		NewValues:  payload,
	}
	if actorID != "" {
		actor := actorID
		entry.UserID = &actor
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit semester change", zap.Error(err))
	}
}

func (s *SemesterService) invalidatePreviews(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, "rollover:preview:*"); err != nil {
		s.logger.Warn("invalidate rollover previews", zap.Error(err))
	}
}
