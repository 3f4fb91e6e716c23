package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schoolmate-io/psa-api/internal/dto"
	"github.com/schoolmate-io/psa-api/internal/models"
	"github.com/schoolmate-io/psa-api/internal/repository"
	appErrors "github.com/schoolmate-io/psa-api/pkg/errors"
)

type fakeTeacherRecord struct {
	FullName string
	Role     models.UserRole
}

// rolloverStoreFake keeps grades, classes, and students in memory and backs
// both the pool-read and transactional surfaces of the promotion engine.
// WithinTx snapshots the state and restores it when the closure fails.
type rolloverStoreFake struct {
	grades   []models.Grade
	classes  []models.Class
	students []models.Student
	teachers map[string]fakeTeacherRecord
	runs     []models.RolloverRun

	nextGradeID   int64
	nextClassID   int64
	nextStudentID int64

	failGradeName string
	txCount       int
}

type rolloverWorldSnapshot struct {
	grades   []models.Grade
	classes  []models.Class
	students []models.Student
	teachers map[string]fakeTeacherRecord
	runs     []models.RolloverRun

	nextGradeID   int64
	nextClassID   int64
	nextStudentID int64
}

func (f *rolloverStoreFake) snapshot() rolloverWorldSnapshot {
	snap := rolloverWorldSnapshot{
		grades:        append([]models.Grade(nil), f.grades...),
		classes:       append([]models.Class(nil), f.classes...),
		students:      append([]models.Student(nil), f.students...),
		runs:          append([]models.RolloverRun(nil), f.runs...),
		teachers:      make(map[string]fakeTeacherRecord, len(f.teachers)),
		nextGradeID:   f.nextGradeID,
		nextClassID:   f.nextClassID,
		nextStudentID: f.nextStudentID,
	}
	for id, teacher := range f.teachers {
		snap.teachers[id] = teacher
	}
	return snap
}

func (f *rolloverStoreFake) restore(snap rolloverWorldSnapshot) {
	f.grades = snap.grades
	f.classes = snap.classes
	f.students = snap.students
	f.teachers = snap.teachers
	f.runs = snap.runs
	f.nextGradeID = snap.nextGradeID
	f.nextClassID = snap.nextClassID
	f.nextStudentID = snap.nextStudentID
}

func (f *rolloverStoreFake) WithinTx(ctx context.Context, fn func(tx repository.RolloverTx) error) error {
	f.txCount++
	snap := f.snapshot()
	if err := fn(f); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func (f *rolloverStoreFake) GradesBySemester(ctx context.Context, semesterID int64) ([]models.Grade, error) {
	var out []models.Grade
	for _, g := range f.grades {
		if g.SemesterID == semesterID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *rolloverStoreFake) GradesByIDs(ctx context.Context, semesterID int64, ids []int64) ([]models.Grade, error) {
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []models.Grade
	for _, g := range f.grades {
		if g.SemesterID != semesterID {
			continue
		}
		if _, ok := wanted[g.ID]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *rolloverStoreFake) GradeOverviews(ctx context.Context, semesterID int64) ([]models.GradeOverview, error) {
	var out []models.GradeOverview
	for _, g := range f.grades {
		if g.SemesterID != semesterID {
			continue
		}
		overview := models.GradeOverview{ID: g.ID, Name: g.Name, SortOrder: g.SortOrder}
		for _, c := range f.classes {
			if c.GradeID != g.ID {
				continue
			}
			overview.ClassCount++
			for _, s := range f.students {
				if s.ClassID == c.ID && s.IsActive {
					overview.StudentCount++
				}
			}
		}
		out = append(out, overview)
	}
	return out, nil
}

func (f *rolloverStoreFake) ClassesByGrades(ctx context.Context, gradeIDs []int64) ([]models.Class, error) {
	wanted := make(map[int64]struct{}, len(gradeIDs))
	for _, id := range gradeIDs {
		wanted[id] = struct{}{}
	}
	var out []models.Class
	for _, c := range f.classes {
		if _, ok := wanted[c.GradeID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *rolloverStoreFake) ClassTeacherLinks(ctx context.Context, semesterID int64) ([]models.ClassTeacherLink, error) {
	var out []models.ClassTeacherLink
	for _, c := range f.classes {
		if c.SemesterID != semesterID {
			continue
		}
		link := models.ClassTeacherLink{ClassID: c.ID, ClassName: c.Name, GradeName: f.gradeName(c.GradeID)}
		if c.ClassTeacherID != nil {
			id := *c.ClassTeacherID
			link.TeacherID = &id
			if teacher, ok := f.teachers[id]; ok {
				name := teacher.FullName
				link.TeacherName = &name
			}
		}
		out = append(out, link)
	}
	return out, nil
}

func (f *rolloverStoreFake) GraduationBreakdown(ctx context.Context, gradeIDs []int64) ([]models.GraduationClassCount, error) {
	wanted := make(map[int64]struct{}, len(gradeIDs))
	for _, id := range gradeIDs {
		wanted[id] = struct{}{}
	}
	var out []models.GraduationClassCount
	for _, c := range f.classes {
		if _, ok := wanted[c.GradeID]; !ok {
			continue
		}
		row := models.GraduationClassCount{GradeName: f.gradeName(c.GradeID), ClassName: c.Name}
		for _, s := range f.students {
			if s.ClassID == c.ID && s.IsActive {
				row.StudentCount++
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *rolloverStoreFake) StudentNoOverlapCount(ctx context.Context, oldClassID, existingClassID int64) (int, error) {
	existing := make(map[string]struct{})
	for _, s := range f.students {
		if s.ClassID == existingClassID {
			existing[s.StudentNo] = struct{}{}
		}
	}
	count := 0
	for _, s := range f.students {
		if s.ClassID != oldClassID {
			continue
		}
		if _, ok := existing[s.StudentNo]; ok {
			count++
		}
	}
	return count, nil
}

func (f *rolloverStoreFake) RunByID(ctx context.Context, id string) (*models.RolloverRun, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			run := f.runs[i]
			return &run, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *rolloverStoreFake) ListRuns(ctx context.Context, filter models.RolloverRunFilter) ([]models.RolloverRun, int, error) {
	out := append([]models.RolloverRun(nil), f.runs...)
	return out, len(out), nil
}

func (f *rolloverStoreFake) GradeByName(ctx context.Context, semesterID int64, name string) (*models.Grade, error) {
	for i := range f.grades {
		if f.grades[i].SemesterID == semesterID && f.grades[i].Name == name {
			grade := f.grades[i]
			return &grade, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *rolloverStoreFake) InsertGrade(ctx context.Context, grade *models.Grade) error {
	if f.failGradeName != "" && grade.Name == f.failGradeName {
		return errors.New("unique constraint blew up")
	}
	grade.ID = f.nextGradeID
	f.nextGradeID++
	f.grades = append(f.grades, *grade)
	return nil
}

func (f *rolloverStoreFake) ClassByName(ctx context.Context, gradeID int64, name string) (*models.Class, error) {
	for i := range f.classes {
		if f.classes[i].GradeID == gradeID && f.classes[i].Name == name {
			class := f.classes[i]
			return &class, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *rolloverStoreFake) InsertClass(ctx context.Context, class *models.Class) error {
	class.ID = f.nextClassID
	f.nextClassID++
	f.classes = append(f.classes, *class)
	return nil
}

func (f *rolloverStoreFake) StudentsByClass(ctx context.Context, classID int64) ([]models.Student, error) {
	var out []models.Student
	for _, s := range f.students {
		if s.ClassID == classID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *rolloverStoreFake) InsertStudentSkipConflict(ctx context.Context, student *models.Student) (repository.StudentInsertOutcome, error) {
	for _, s := range f.students {
		if s.ClassID == student.ClassID && s.StudentNo == student.StudentNo {
			return repository.StudentSkipped, nil
		}
	}
	student.ID = f.nextStudentID
	f.nextStudentID++
	f.students = append(f.students, *student)
	return repository.StudentInserted, nil
}

func (f *rolloverStoreFake) DeactivateStudentsByClasses(ctx context.Context, classIDs []int64) (int64, error) {
	wanted := make(map[int64]struct{}, len(classIDs))
	for _, id := range classIDs {
		wanted[id] = struct{}{}
	}
	var affected int64
	for i := range f.students {
		if _, ok := wanted[f.students[i].ClassID]; !ok {
			continue
		}
		if f.students[i].IsActive {
			f.students[i].IsActive = false
			affected++
		}
	}
	return affected, nil
}

func (f *rolloverStoreFake) AssignClassTeacher(ctx context.Context, classID int64, teacherID string) error {
	for i := range f.classes {
		if f.classes[i].ID == classID {
			id := teacherID
			f.classes[i].ClassTeacherID = &id
			return nil
		}
	}
	return fmt.Errorf("class %d not found", classID)
}

func (f *rolloverStoreFake) ClearClassTeachers(ctx context.Context, classIDs []int64) error {
	wanted := make(map[int64]struct{}, len(classIDs))
	for _, id := range classIDs {
		wanted[id] = struct{}{}
	}
	for i := range f.classes {
		if _, ok := wanted[f.classes[i].ID]; ok {
			f.classes[i].ClassTeacherID = nil
		}
	}
	return nil
}

func (f *rolloverStoreFake) PromoteUserToClassTeacher(ctx context.Context, userID string) error {
	teacher, ok := f.teachers[userID]
	if !ok {
		return nil
	}
	if teacher.Role == models.RoleTeacher {
		teacher.Role = models.RoleClassTeacher
		f.teachers[userID] = teacher
	}
	return nil
}

func (f *rolloverStoreFake) InsertRun(ctx context.Context, run *models.RolloverRun) error {
	if run.ID == "" {
		run.ID = fmt.Sprintf("run-%d", len(f.runs)+1)
	}
	f.runs = append(f.runs, *run)
	return nil
}

func (f *rolloverStoreFake) gradeName(gradeID int64) string {
	for _, g := range f.grades {
		if g.ID == gradeID {
			return g.Name
		}
	}
	return ""
}

func (f *rolloverStoreFake) classByID(t *testing.T, id int64) models.Class {
	t.Helper()
	for _, c := range f.classes {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("class %d not found", id)
	return models.Class{}
}

func (f *rolloverStoreFake) activeStudents(classID int64) int {
	count := 0
	for _, s := range f.students {
		if s.ClassID == classID && s.IsActive {
			count++
		}
	}
	return count
}

type rolloverSemesterStub struct {
	semesters map[int64]*models.Semester
}

func (s rolloverSemesterStub) FindByID(ctx context.Context, id int64) (*models.Semester, error) {
	if semester, ok := s.semesters[id]; ok {
		return semester, nil
	}
	return nil, sql.ErrNoRows
}

type rolloverAuditStub struct {
	logs []*models.AuditLog
	err  error
}

func (s *rolloverAuditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	s.logs = append(s.logs, log)
	return s.err
}

type cacheRepoStub struct {
	entries map[string][]byte
}

func newCacheRepoStub() *cacheRepoStub {
	return &cacheRepoStub{entries: map[string][]byte{}}
}

func (s *cacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := s.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *cacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.entries[key] = raw
	return nil
}

func (s *cacheRepoStub) DeleteByPattern(ctx context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

// seedPromotionWorld builds a source semester with a first grade (two
// classes, five students each, one homeroom teacher) and a terminal sixth
// grade (one class, three students, homeroom teacher), plus an empty target.
func seedPromotionWorld() (*rolloverStoreFake, rolloverSemesterStub) {
	teacherOne := "t-1"
	teacherSix := "t-6"
	store := &rolloverStoreFake{
		grades: []models.Grade{
			{ID: 1, SemesterID: 1, Name: "一年级", SortOrder: 1},
			{ID: 6, SemesterID: 1, Name: "六年级", SortOrder: 6},
		},
		classes: []models.Class{
			{ID: 11, SemesterID: 1, GradeID: 1, Name: "1班", ClassTeacherID: &teacherOne, MealFee: 35000},
			{ID: 12, SemesterID: 1, GradeID: 1, Name: "2班", MealFee: 35000},
			{ID: 61, SemesterID: 1, GradeID: 6, Name: "1班", ClassTeacherID: &teacherSix, MealFee: 40000},
		},
		teachers: map[string]fakeTeacherRecord{
			"t-1": {FullName: "Chen Wei", Role: models.RoleTeacher},
			"t-6": {FullName: "Li Na", Role: models.RoleTeacher},
		},
		nextGradeID:   100,
		nextClassID:   200,
		nextStudentID: 1000,
	}
	addStudents := func(classID int64, prefix string, count int) {
		for i := 1; i <= count; i++ {
			store.students = append(store.students, models.Student{
				ID:        store.nextStudentID,
				StudentNo: fmt.Sprintf("%s%02d", prefix, i),
				Name:      fmt.Sprintf("Student %s%02d", prefix, i),
				ClassID:   classID,
				IsActive:  true,
			})
			store.nextStudentID++
		}
	}
	addStudents(11, "S1", 5)
	addStudents(12, "S2", 5)
	addStudents(61, "S6", 3)

	semesters := rolloverSemesterStub{semesters: map[int64]*models.Semester{
		1: {ID: 1, Name: "2023-2024"},
		2: {ID: 2, Name: "2024-2025"},
	}}
	return store, semesters
}

func newRolloverServiceForTest(store *rolloverStoreFake, semesters rolloverSemesterStub, audit *rolloverAuditStub, cache *CacheService) *RolloverService {
	return NewRolloverService(store, semesters, audit, cache, nil, nil, zap.NewNop(), RolloverServiceConfig{TerminalGrade: 6, PreviewCacheTTL: time.Minute})
}

func TestRolloverServiceExecuteFirstRun(t *testing.T) {
	store, semesters := seedPromotionWorld()
	audit := &rolloverAuditStub{}
	service := newRolloverServiceForTest(store, semesters, audit, nil)

	data, err := service.Execute(context.Background(), dto.UpgradeRequest{
		SourceSemesterID: 1,
		TargetSemesterID: 2,
		GradeIDs:         []int64{1, 6},
	}, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 1, data.GradesCreated)
	assert.Equal(t, 2, data.ClassesCreated)
	assert.Equal(t, 10, data.StudentsCreated)
	assert.Equal(t, 3, data.GraduatedStudents)
	assert.Equal(t, 0, data.SkippedStudents)
	assert.Empty(t, data.Warnings)
	assert.NotEmpty(t, data.RunID)

	promoted, err := store.GradeByName(context.Background(), 2, "二年级")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted.SortOrder)

	// The terminal grade graduates instead of being copied.
	_, err = store.GradeByName(context.Background(), 2, "七年级")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, 0, store.activeStudents(61))

	newClass := store.classByID(t, 200)
	assert.Equal(t, int64(35000), newClass.MealFee)
	assert.Equal(t, 0, newClass.StudentCount)
	require.NotNil(t, newClass.ClassTeacherID)
	assert.Equal(t, "t-1", *newClass.ClassTeacherID)
	assert.Nil(t, store.classByID(t, 11).ClassTeacherID)
	assert.Equal(t, models.RoleClassTeacher, store.teachers["t-1"].Role)

	// The sixth-grade homeroom link is untouched because its class never
	// materializes in the target semester.
	sixth := store.classByID(t, 61)
	require.NotNil(t, sixth.ClassTeacherID)
	assert.Equal(t, "t-6", *sixth.ClassTeacherID)
	assert.Equal(t, models.RoleTeacher, store.teachers["t-6"].Role)

	require.Len(t, store.runs, 1)
	assert.Equal(t, models.UpgradeModeYear, store.runs[0].Mode)
	assert.Equal(t, "admin-1", store.runs[0].CreatedBy)

	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionRolloverExecute, audit.logs[0].Action)
	require.NotNil(t, audit.logs[0].UserID)
	assert.Equal(t, "admin-1", *audit.logs[0].UserID)
}

func TestRolloverServiceExecuteRerunSkipsDuplicates(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)

	req := dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 2, GradeIDs: []int64{1, 6}}
	_, err := service.Execute(context.Background(), req, "admin-1")
	require.NoError(t, err)

	data, err := service.Execute(context.Background(), req, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 0, data.GradesCreated)
	assert.Equal(t, 0, data.ClassesCreated)
	assert.Equal(t, 0, data.StudentsCreated)
	assert.Equal(t, 0, data.GraduatedStudents)
	assert.Equal(t, 10, data.SkippedStudents)
	require.Len(t, data.Warnings, 10)
	assert.Equal(t, "student_no S101 already exists in class 1班, skipped", data.Warnings[0])
	require.Len(t, store.runs, 2)
}

func TestRolloverServiceExecuteSemesterMode(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)

	data, err := service.Execute(context.Background(), dto.UpgradeRequest{
		SourceSemesterID: 1,
		TargetSemesterID: 2,
		GradeIDs:         []int64{1, 6},
		UpgradeMode:      models.UpgradeModeSemester,
	}, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 2, data.GradesCreated)
	assert.Equal(t, 3, data.ClassesCreated)
	assert.Equal(t, 13, data.StudentsCreated)
	assert.Equal(t, 0, data.GraduatedStudents)

	// Carry-forward keeps names and graduates nobody.
	carried, err := store.GradeByName(context.Background(), 2, "六年级")
	require.NoError(t, err)
	assert.Equal(t, 6, carried.SortOrder)
	assert.Equal(t, 3, store.activeStudents(61))
}

func TestRolloverServiceExecuteRollsBackOnFailure(t *testing.T) {
	store, semesters := seedPromotionWorld()
	store.failGradeName = "二年级"
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)

	_, err := service.Execute(context.Background(), dto.UpgradeRequest{
		SourceSemesterID: 1,
		TargetSemesterID: 2,
		GradeIDs:         []int64{1, 6},
	}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)

	// Everything rolls back, including the graduation that ran before the
	// failing insert.
	assert.Equal(t, 1, store.txCount)
	assert.Len(t, store.grades, 2)
	assert.Len(t, store.classes, 3)
	assert.Len(t, store.students, 13)
	assert.Empty(t, store.runs)
	assert.Equal(t, 3, store.activeStudents(61))
}

func TestRolloverServiceExecuteWithoutTeacherMigration(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)

	preserve := false
	_, err := service.Execute(context.Background(), dto.UpgradeRequest{
		SourceSemesterID:      1,
		TargetSemesterID:      2,
		GradeIDs:              []int64{1},
		PreserveClassTeachers: &preserve,
	}, "admin-1")
	require.NoError(t, err)

	assert.Nil(t, store.classByID(t, 200).ClassTeacherID)
	old := store.classByID(t, 11)
	require.NotNil(t, old.ClassTeacherID)
	assert.Equal(t, "t-1", *old.ClassTeacherID)
	assert.Equal(t, models.RoleTeacher, store.teachers["t-1"].Role)
}

func TestRolloverServiceExecuteValidation(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)
	ctx := context.Background()

	_, err := service.Execute(ctx, dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 2, GradeIDs: []int64{1, 99}}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = service.Execute(ctx, dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 1, GradeIDs: []int64{1}}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = service.Execute(ctx, dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 9, GradeIDs: []int64{1}}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = service.Execute(ctx, dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 2}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	// No transaction may open for rejected requests.
	assert.Equal(t, 0, store.txCount)
}

func TestRolloverServicePreviewYearMode(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)

	preview, fromCache, err := service.Preview(context.Background(), 1, 2, "")
	require.NoError(t, err)
	assert.False(t, fromCache)

	require.Len(t, preview.AvailableGrades, 2)
	first := preview.AvailableGrades[0]
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, "二年级", first.Name)
	require.NotNil(t, first.OriginalName)
	assert.Equal(t, "一年级", *first.OriginalName)
	assert.Equal(t, 2, first.ClassCount)
	assert.Equal(t, 10, first.StudentCount)

	terminal := preview.AvailableGrades[1]
	assert.Equal(t, "七年级", terminal.Name)
	require.NotNil(t, terminal.OriginalName)
	assert.Equal(t, "六年级", *terminal.OriginalName)

	assert.Equal(t, 3, preview.TotalClasses)
	assert.Equal(t, 13, preview.TotalStudents)

	require.Len(t, preview.ClassTeacherPreview, 3)
	assert.True(t, preview.ClassTeacherPreview[0].WillMigrate)
	assert.False(t, preview.ClassTeacherPreview[1].WillMigrate)
	assert.True(t, preview.ClassTeacherPreview[2].WillMigrate)
	require.NotNil(t, preview.ClassTeacherPreview[0].OldTeacherName)
	assert.Equal(t, "Chen Wei", *preview.ClassTeacherPreview[0].OldTeacherName)

	assert.Equal(t, 3, preview.GraduatingStudentsCount)
	require.Len(t, preview.GraduationPreview, 1)
	assert.Equal(t, "六年级", preview.GraduationPreview[0].GradeName)
	assert.Equal(t, "1班", preview.GraduationPreview[0].ClassName)
	assert.Equal(t, 3, preview.GraduationPreview[0].StudentCount)

	assert.Equal(t, 0, preview.ConflictingStudentsCount)
	assert.Equal(t, 0, preview.ConflictingGradesCount)
}

func TestRolloverServicePreviewSemesterMode(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)

	preview, _, err := service.Preview(context.Background(), 1, 2, models.UpgradeModeSemester)
	require.NoError(t, err)

	require.Len(t, preview.AvailableGrades, 2)
	assert.Equal(t, "一年级", preview.AvailableGrades[0].Name)
	assert.Nil(t, preview.AvailableGrades[0].OriginalName)
	assert.Equal(t, 0, preview.GraduatingStudentsCount)
	assert.Empty(t, preview.GraduationPreview)
}

func TestRolloverServicePreviewDetectsConflicts(t *testing.T) {
	store, semesters := seedPromotionWorld()
	store.grades = append(store.grades, models.Grade{ID: 50, SemesterID: 2, Name: "二年级", SortOrder: 2})
	store.classes = append(store.classes, models.Class{ID: 70, SemesterID: 2, GradeID: 50, Name: "1班"})
	store.students = append(store.students, models.Student{ID: 900, StudentNo: "S101", Name: "Earlier Copy", ClassID: 70, IsActive: true})

	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)
	preview, _, err := service.Preview(context.Background(), 1, 2, models.UpgradeModeYear)
	require.NoError(t, err)

	assert.Equal(t, 1, preview.ConflictingGradesCount)
	assert.Equal(t, []string{"二年级"}, preview.ConflictingGradesNames)
	assert.Equal(t, 1, preview.ConflictingStudentsCount)
}

func TestRolloverServicePreviewMatchesExecuteSkips(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)
	ctx := context.Background()
	req := dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 2, GradeIDs: []int64{1, 6}}

	_, err := service.Execute(ctx, req, "admin-1")
	require.NoError(t, err)

	preview, _, err := service.Preview(ctx, 1, 2, models.UpgradeModeYear)
	require.NoError(t, err)

	data, err := service.Execute(ctx, req, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, preview.ConflictingStudentsCount, data.SkippedStudents)
}

func TestRolloverServicePreviewCaches(t *testing.T) {
	store, semesters := seedPromotionWorld()
	cache := NewCacheService(newCacheRepoStub(), nil, time.Minute, zap.NewNop(), true)
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, cache)
	ctx := context.Background()

	first, fromCache, err := service.Preview(ctx, 1, 2, models.UpgradeModeYear)
	require.NoError(t, err)
	assert.False(t, fromCache)

	// A new student must not show up while the preview is cached.
	store.students = append(store.students, models.Student{ID: 999, StudentNo: "S199", Name: "Late Enrollment", ClassID: 11, IsActive: true})
	cached, fromCache, err := service.Preview(ctx, 1, 2, models.UpgradeModeYear)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, first.TotalStudents, cached.TotalStudents)

	// Execution invalidates cached previews.
	_, err = service.Execute(ctx, dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 2, GradeIDs: []int64{1}}, "admin-1")
	require.NoError(t, err)
	fresh, fromCache, err := service.Preview(ctx, 1, 2, models.UpgradeModeYear)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, first.TotalStudents+1, fresh.TotalStudents)
}

func TestRolloverServicePreviewUnknownMode(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)

	_, _, err := service.Preview(context.Background(), 1, 2, "quarterly")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRolloverServiceGetRun(t *testing.T) {
	store, semesters := seedPromotionWorld()
	service := newRolloverServiceForTest(store, semesters, &rolloverAuditStub{}, nil)
	ctx := context.Background()

	data, err := service.Execute(ctx, dto.UpgradeRequest{SourceSemesterID: 1, TargetSemesterID: 2, GradeIDs: []int64{1}}, "admin-1")
	require.NoError(t, err)

	run, err := service.GetRun(ctx, data.RunID)
	require.NoError(t, err)
	assert.Equal(t, data.StudentsCreated, run.StudentsCreated)

	_, err = service.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
