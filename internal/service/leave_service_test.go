package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schoolmate-io/psa-api/internal/dto"
	"github.com/schoolmate-io/psa-api/internal/models"
	"github.com/schoolmate-io/psa-api/internal/repository"
	appErrors "github.com/schoolmate-io/psa-api/pkg/errors"
)

type leaveRepoStub struct {
	billing    map[int64]*models.StudentBilling
	leaves     map[int64]*models.LeaveRequest
	nextID     int64
	createErr  error
	lastFilter models.LeaveFilter
	decisions  []repository.LeaveDecisionParams
}

func newLeaveRepoStub() *leaveRepoStub {
	return &leaveRepoStub{
		billing: make(map[int64]*models.StudentBilling),
		leaves:  make(map[int64]*models.LeaveRequest),
	}
}

func (s *leaveRepoStub) StudentBilling(ctx context.Context, studentID int64) (*models.StudentBilling, error) {
	billing, ok := s.billing[studentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return billing, nil
}

func (s *leaveRepoStub) Create(ctx context.Context, leave *models.LeaveRequest) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	leave.ID = s.nextID
	stored := *leave
	s.leaves[leave.ID] = &stored
	return nil
}

func (s *leaveRepoStub) FindDetailByID(ctx context.Context, id int64) (*models.LeaveDetail, error) {
	leave, ok := s.leaves[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	detail := &models.LeaveDetail{LeaveRequest: *leave, StudentNo: "S101", ClassName: "1班"}
	if billing, ok := s.billing[leave.StudentID]; ok {
		detail.StudentName = billing.StudentName
	}
	return detail, nil
}

func (s *leaveRepoStub) ListDetail(ctx context.Context, filter models.LeaveFilter) ([]models.LeaveDetail, int, error) {
	s.lastFilter = filter
	var details []models.LeaveDetail
	for _, leave := range s.leaves {
		if filter.CreatedBy != "" && leave.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != nil && leave.Status != *filter.Status {
			continue
		}
		details = append(details, models.LeaveDetail{LeaveRequest: *leave})
	}
	return details, len(details), nil
}

func (s *leaveRepoStub) UpdateDecision(ctx context.Context, params repository.LeaveDecisionParams) error {
	leave, ok := s.leaves[params.ID]
	if !ok || leave.Status != models.LeaveStatusPending {
		return sql.ErrNoRows
	}
	s.decisions = append(s.decisions, params)
	leave.Status = params.Status
	decidedBy := params.DecidedBy
	decidedAt := params.DecidedAt
	leave.DecidedBy = &decidedBy
	leave.DecidedAt = &decidedAt
	leave.RefundAmount = params.RefundAmount
	return nil
}

type leaveSemesterStub struct {
	current *models.Semester
}

func (s *leaveSemesterStub) FindCurrent(ctx context.Context) (*models.Semester, error) {
	if s.current == nil {
		return nil, sql.ErrNoRows
	}
	return s.current, nil
}

func newLeaveServiceForTest(repo *leaveRepoStub, semesters *leaveSemesterStub, audit *rolloverAuditStub) *LeaveService {
	return NewLeaveService(repo, semesters, audit, nil, zap.NewNop(), 30)
}

func seedLeaveWorld() (*leaveRepoStub, *leaveSemesterStub) {
	repo := newLeaveRepoStub()
	repo.billing[7] = &models.StudentBilling{
		StudentID:   7,
		StudentName: "Wang Xiaoming",
		ClassID:     11,
		IsActive:    true,
		MealFee:     90000,
	}
	semesters := &leaveSemesterStub{current: &models.Semester{ID: 1, Name: "2024-2025", SchoolDays: 180, IsCurrent: true}}
	return repo, semesters
}

func TestLeaveServiceCreateComputesRefund(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	audit := &rolloverAuditStub{}
	svc := newLeaveServiceForTest(repo, semesters, audit)

	detail, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.NoError(t, err)

	assert.Equal(t, 3, detail.Days)
	assert.Equal(t, int64(1500), detail.RefundAmount)
	assert.Equal(t, models.LeaveStatusPending, detail.Status)
	assert.Equal(t, int64(11), detail.ClassID)
	assert.Equal(t, "teacher-1", detail.CreatedBy)
	assert.Equal(t, "Wang Xiaoming", detail.StudentName)

	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionLeaveCreate, audit.logs[0].Action)
}

func TestLeaveServiceCreateSubsidizedStudent(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	repo.billing[7].IsNutritionMeal = true
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	detail, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "PERSONAL",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "family trip",
	}, "teacher-1")
	require.NoError(t, err)
	assert.Zero(t, detail.RefundAmount)
}

func TestLeaveServiceCreateDuplicateSpan(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	repo.createErr = &pq.Error{Code: "23505"}
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	_, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestLeaveServiceCreateValidation(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	_, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC),
		Reason:    "long absence",
	}, "teacher-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "VACATION",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		Reason:    "trip",
	}, "teacher-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestLeaveServiceCreateUnknownStudent(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	_, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 99,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestLeaveServiceCreateNoCurrentSemester(t *testing.T) {
	repo, _ := seedLeaveWorld()
	svc := newLeaveServiceForTest(repo, &leaveSemesterStub{}, &rolloverAuditStub{})

	_, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestLeaveServiceListScopesByRole(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	_, _, err := svc.List(context.Background(), dto.LeaveQuery{}, &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher})
	require.NoError(t, err)
	assert.Equal(t, "teacher-1", repo.lastFilter.CreatedBy)

	_, _, err = svc.List(context.Background(), dto.LeaveQuery{Status: "PENDING"}, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.Empty(t, repo.lastFilter.CreatedBy)
	require.NotNil(t, repo.lastFilter.Status)
	assert.Equal(t, models.LeaveStatusPending, *repo.lastFilter.Status)

	_, _, err = svc.List(context.Background(), dto.LeaveQuery{}, nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestLeaveServiceGetEnforcesOwnership(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	created, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), created.ID, &models.JWTClaims{UserID: "teacher-2", Role: models.RoleTeacher})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	detail, err := svc.Get(context.Background(), created.ID, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, created.ID, detail.ID)

	_, err = svc.Get(context.Background(), 404, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestLeaveServiceDecideApprove(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	audit := &rolloverAuditStub{}
	svc := newLeaveServiceForTest(repo, semesters, audit)

	created, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.NoError(t, err)

	decided, err := svc.Decide(context.Background(), created.ID, dto.LeaveDecisionRequest{Status: "APPROVED"}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.LeaveStatusApproved, decided.Status)
	assert.Equal(t, int64(1500), decided.RefundAmount)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, "admin-1", *decided.DecidedBy)
	assert.NotNil(t, decided.DecidedAt)

	require.Len(t, audit.logs, 2)
	assert.Equal(t, models.AuditActionLeaveDecision, audit.logs[1].Action)
	assert.NotEmpty(t, audit.logs[1].OldValues)
	assert.NotEmpty(t, audit.logs[1].NewValues)
}

func TestLeaveServiceDecideReject(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	created, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.NoError(t, err)
	require.Equal(t, int64(1500), created.RefundAmount)

	decided, err := svc.Decide(context.Background(), created.ID, dto.LeaveDecisionRequest{Status: "REJECTED"}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.LeaveStatusRejected, decided.Status)
	assert.Zero(t, decided.RefundAmount)
}

func TestLeaveServiceDecideTwice(t *testing.T) {
	repo, semesters := seedLeaveWorld()
	svc := newLeaveServiceForTest(repo, semesters, &rolloverAuditStub{})

	created, err := svc.Create(context.Background(), dto.CreateLeaveRequest{
		StudentID: 7,
		Type:      "SICK",
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Reason:    "flu",
	}, "teacher-1")
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), created.ID, dto.LeaveDecisionRequest{Status: "APPROVED"}, "admin-1")
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), created.ID, dto.LeaveDecisionRequest{Status: "REJECTED"}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	require.Len(t, repo.decisions, 1)
}
