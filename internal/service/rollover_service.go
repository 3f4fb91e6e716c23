package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/schoolmate-io/psa-api/internal/dto"
	"github.com/schoolmate-io/psa-api/internal/models"
	"github.com/schoolmate-io/psa-api/internal/repository"
	appErrors "github.com/schoolmate-io/psa-api/pkg/errors"
)

// rolloverStore is the storage gateway the promotion engine consumes: pool
// reads for previews and run history, WithinTx for the executor.
type rolloverStore interface {
	WithinTx(ctx context.Context, fn func(tx repository.RolloverTx) error) error
	GradesBySemester(ctx context.Context, semesterID int64) ([]models.Grade, error)
	GradesByIDs(ctx context.Context, semesterID int64, ids []int64) ([]models.Grade, error)
	GradeOverviews(ctx context.Context, semesterID int64) ([]models.GradeOverview, error)
	ClassesByGrades(ctx context.Context, gradeIDs []int64) ([]models.Class, error)
	ClassTeacherLinks(ctx context.Context, semesterID int64) ([]models.ClassTeacherLink, error)
	GraduationBreakdown(ctx context.Context, gradeIDs []int64) ([]models.GraduationClassCount, error)
	StudentNoOverlapCount(ctx context.Context, oldClassID, existingClassID int64) (int, error)
	RunByID(ctx context.Context, id string) (*models.RolloverRun, error)
	ListRuns(ctx context.Context, filter models.RolloverRunFilter) ([]models.RolloverRun, int, error)
}

type rolloverSemesterReader interface {
	FindByID(ctx context.Context, id int64) (*models.Semester, error)
}

type rolloverAuditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// RolloverServiceConfig tunes the promotion engine.
type RolloverServiceConfig struct {
	TerminalGrade   int
	PreviewCacheTTL time.Duration
}

// RolloverService owns semester promotion: read-only previews and the
// transactional executor that copies grades, classes, and students from a
// source semester into a target semester.
type RolloverService struct {
	store      rolloverStore
	semesters  rolloverSemesterReader
	audit      rolloverAuditLogger
	cache      *CacheService
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	isTerminal TerminalGradePredicate
	previewTTL time.Duration
}

// NewRolloverService constructs the promotion engine.
func NewRolloverService(store rolloverStore, semesters rolloverSemesterReader, audit rolloverAuditLogger, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg RolloverServiceConfig) *RolloverService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.PreviewCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RolloverService{
		store:      store,
		semesters:  semesters,
		audit:      audit,
		cache:      cache,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		isTerminal: TerminalGradeMatcher(cfg.TerminalGrade),
		previewTTL: ttl,
	}
}

// Preview answers "what would promoting semester S into semester T do?"
// without mutating anything. The boolean reports whether the preview came
// from cache.
func (s *RolloverService) Preview(ctx context.Context, sourceID, targetID int64, mode models.UpgradeMode) (*dto.UpgradePreview, bool, error) {
	mode, err := normalizeUpgradeMode(mode)
	if err != nil {
		return nil, false, err
	}

	cacheKey := fmt.Sprintf("rollover:preview:%d:%d:%s", sourceID, targetID, mode)
	if s.cache != nil {
		var cached dto.UpgradePreview
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	source, target, err := s.resolveSemesters(ctx, sourceID, targetID)
	if err != nil {
		return nil, false, err
	}

	overviews, err := s.store.GradeOverviews(ctx, sourceID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build rollover preview")
	}

	targetGrades, err := s.store.GradesBySemester(ctx, targetID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build rollover preview")
	}
	targetGradeByName := make(map[string]models.Grade, len(targetGrades))
	for _, g := range targetGrades {
		targetGradeByName[g.Name] = g
	}

	year := mode == models.UpgradeModeYear
	preview := &dto.UpgradePreview{
		SourceSemester: *source,
		TargetSemester: *target,
	}

	// projectedNames maps each source grade to the name it would carry in the
	// target semester; under year mode terminal grades graduate instead, so
	// they are left out of the copy projection.
	projectedNames := make(map[int64]string, len(overviews))
	var terminalGradeIDs []int64

	for _, g := range overviews {
		projected := g.Name
		var originalName *string
		if year {
			projected = NextGradeName(g.Name)
			original := g.Name
			originalName = &original
		}

		preview.AvailableGrades = append(preview.AvailableGrades, dto.PreviewGrade{
			ID:           g.ID,
			Name:         projected,
			OriginalName: originalName,
			ClassCount:   g.ClassCount,
			StudentCount: g.StudentCount,
		})
		preview.PreviewData = append(preview.PreviewData, dto.PreviewMapping{
			OldGrade:     g.Name,
			NewGrade:     projected,
			ClassCount:   g.ClassCount,
			StudentCount: g.StudentCount,
		})
		preview.TotalClasses += g.ClassCount
		preview.TotalStudents += g.StudentCount

		if year && s.isTerminal(g.Name) {
			terminalGradeIDs = append(terminalGradeIDs, g.ID)
			continue
		}
		projectedNames[g.ID] = projected

		if year {
			if _, exists := targetGradeByName[projected]; exists {
				preview.ConflictingGradesCount++
				preview.ConflictingGradesNames = append(preview.ConflictingGradesNames, projected)
			}
		}
	}

	links, err := s.store.ClassTeacherLinks(ctx, sourceID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build rollover preview")
	}
	for _, l := range links {
		preview.ClassTeacherPreview = append(preview.ClassTeacherPreview, dto.ClassTeacherPreview{
			OldClassID:     l.ClassID,
			OldClassName:   l.ClassName,
			OldGradeName:   l.GradeName,
			OldTeacherID:   l.TeacherID,
			OldTeacherName: l.TeacherName,
			WillMigrate:    l.TeacherID != nil,
		})
	}

	if len(terminalGradeIDs) > 0 {
		breakdown, err := s.store.GraduationBreakdown(ctx, terminalGradeIDs)
		if err != nil {
			return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build rollover preview")
		}
		for _, b := range breakdown {
			preview.GraduationPreview = append(preview.GraduationPreview, dto.GraduationPreview{
				GradeName:    b.GradeName,
				ClassName:    b.ClassName,
				StudentCount: b.StudentCount,
			})
			preview.GraduatingStudentsCount += b.StudentCount
		}
	}

	conflicts, err := s.countStudentNoConflicts(ctx, projectedNames, targetGradeByName)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build rollover preview")
	}
	preview.ConflictingStudentsCount = conflicts

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, preview, s.previewTTL); err != nil && s.logger != nil {
			s.logger.Warn("cache rollover preview", zap.Error(err))
		}
	}
	return preview, false, nil
}

// countStudentNoConflicts mirrors the executor's skip logic: for every source
// class whose projected target class already exists, count the student
// numbers present on both sides.
func (s *RolloverService) countStudentNoConflicts(ctx context.Context, projectedNames map[int64]string, targetGradeByName map[string]models.Grade) (int, error) {
	if len(projectedNames) == 0 {
		return 0, nil
	}

	sourceGradeIDs := make([]int64, 0, len(projectedNames))
	matchedTargetIDs := make([]int64, 0, len(projectedNames))
	targetIDBySourceID := make(map[int64]int64, len(projectedNames))
	for gradeID, projected := range projectedNames {
		sourceGradeIDs = append(sourceGradeIDs, gradeID)
		if tg, exists := targetGradeByName[projected]; exists {
			matchedTargetIDs = append(matchedTargetIDs, tg.ID)
			targetIDBySourceID[gradeID] = tg.ID
		}
	}
	if len(matchedTargetIDs) == 0 {
		return 0, nil
	}

	sourceClasses, err := s.store.ClassesByGrades(ctx, sourceGradeIDs)
	if err != nil {
		return 0, err
	}
	targetClasses, err := s.store.ClassesByGrades(ctx, matchedTargetIDs)
	if err != nil {
		return 0, err
	}
	targetClassByName := make(map[int64]map[string]int64, len(matchedTargetIDs))
	for _, c := range targetClasses {
		if targetClassByName[c.GradeID] == nil {
			targetClassByName[c.GradeID] = make(map[string]int64)
		}
		targetClassByName[c.GradeID][c.Name] = c.ID
	}

	total := 0
	for _, c := range sourceClasses {
		targetGradeID, matched := targetIDBySourceID[c.GradeID]
		if !matched {
			continue
		}
		targetClassID, exists := targetClassByName[targetGradeID][c.Name]
		if !exists {
			continue
		}
		overlap, err := s.store.StudentNoOverlapCount(ctx, c.ID, targetClassID)
		if err != nil {
			return 0, err
		}
		total += overlap
	}
	return total, nil
}

// Execute performs the promotion atomically. Row-level student_no conflicts
// are tolerated and reported as warnings; every other failure rolls the whole
// transaction back.
func (s *RolloverService) Execute(ctx context.Context, req dto.UpgradeRequest, actorID string) (*dto.UpgradeData, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rollover payload")
	}
	mode, err := normalizeUpgradeMode(req.UpgradeMode)
	if err != nil {
		return nil, err
	}
	if req.SourceSemesterID == req.TargetSemesterID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "source and target semesters must differ")
	}

	if _, _, err := s.resolveSemesters(ctx, req.SourceSemesterID, req.TargetSemesterID); err != nil {
		return nil, err
	}

	gradeIDs := dedupeIDs(req.GradeIDs)
	selected, err := s.store.GradesByIDs(ctx, req.SourceSemesterID, gradeIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve selected grades")
	}
	if len(selected) != len(gradeIDs) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "selected grades do not belong to source semester")
	}

	year := mode == models.UpgradeModeYear
	preserve := req.Preserve()
	data := &dto.UpgradeData{}
	run := &models.RolloverRun{
		SourceSemesterID: req.SourceSemesterID,
		TargetSemesterID: req.TargetSemesterID,
		Mode:             mode,
		CreatedBy:        actorID,
	}

	err = s.store.WithinTx(ctx, func(tx repository.RolloverTx) error {
		if year {
			graduated, err := s.graduate(ctx, tx, req.SourceSemesterID)
			if err != nil {
				return err
			}
			data.GraduatedStudents = graduated
		}

		gradeMap, copyGradeIDs, err := s.materializeGrades(ctx, tx, selected, req.TargetSemesterID, year, data)
		if err != nil {
			return err
		}

		oldClasses, err := tx.ClassesByGrades(ctx, copyGradeIDs)
		if err != nil {
			return err
		}
		classMap, err := s.materializeClasses(ctx, tx, oldClasses, gradeMap, req.TargetSemesterID, data)
		if err != nil {
			return err
		}

		if preserve {
			if err := s.migrateClassTeachers(ctx, tx, oldClasses, classMap); err != nil {
				return err
			}
		}

		if err := s.copyStudents(ctx, tx, oldClasses, classMap, data); err != nil {
			return err
		}

		run.GradesCreated = data.GradesCreated
		run.ClassesCreated = data.ClassesCreated
		run.StudentsCreated = data.StudentsCreated
		run.GraduatedStudents = data.GraduatedStudents
		run.SkippedStudents = data.SkippedStudents
		run.Warnings = pq.StringArray(data.Warnings)
		return tx.InsertRun(ctx, run)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRolloverRun(string(mode), "failed")
		}
		s.logger.Error("semester rollover rolled back",
			zap.Int64("source_semester_id", req.SourceSemesterID),
			zap.Int64("target_semester_id", req.TargetSemesterID),
			zap.String("mode", string(mode)),
			zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "semester rollover failed")
	}

	data.RunID = run.ID
	s.logger.Info("semester rollover committed",
		zap.String("run_id", run.ID),
		zap.Int64("source_semester_id", req.SourceSemesterID),
		zap.Int64("target_semester_id", req.TargetSemesterID),
		zap.String("mode", string(mode)),
		zap.Int("grades_created", data.GradesCreated),
		zap.Int("classes_created", data.ClassesCreated),
		zap.Int("students_created", data.StudentsCreated),
		zap.Int("graduated_students", data.GraduatedStudents),
		zap.Int("skipped_students", data.SkippedStudents))

	if s.metrics != nil {
		s.metrics.RecordRolloverRun(string(mode), "committed")
		s.metrics.AddRolloverRows("grades", data.GradesCreated)
		s.metrics.AddRolloverRows("classes", data.ClassesCreated)
		s.metrics.AddRolloverRows("students", data.StudentsCreated)
		s.metrics.AddRolloverRows("graduated", data.GraduatedStudents)
		s.metrics.AddRolloverRows("skipped", data.SkippedStudents)
	}
	s.emitAudit(ctx, run)
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, "rollover:preview:*"); err != nil && s.logger != nil {
			s.logger.Warn("invalidate rollover previews", zap.Error(err))
		}
	}

	return data, nil
}

// GetRun loads one rollover run.
func (s *RolloverService) GetRun(ctx context.Context, id string) (*models.RolloverRun, error) {
	run, err := s.store.RunByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rollover run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rollover run")
	}
	return run, nil
}

// ListRuns pages through executed rollovers, newest first.
func (s *RolloverService) ListRuns(ctx context.Context, filter models.RolloverRunFilter) ([]models.RolloverRun, int, error) {
	runs, total, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rollover runs")
	}
	return runs, total, nil
}

// graduate deactivates every active student under the source semester's
// terminal grades and returns how many rows flipped.
func (s *RolloverService) graduate(ctx context.Context, tx repository.RolloverTx, sourceSemesterID int64) (int, error) {
	grades, err := tx.GradesBySemester(ctx, sourceSemesterID)
	if err != nil {
		return 0, err
	}
	var terminalIDs []int64
	for _, g := range grades {
		if s.isTerminal(g.Name) {
			terminalIDs = append(terminalIDs, g.ID)
		}
	}
	if len(terminalIDs) == 0 {
		return 0, nil
	}
	classes, err := tx.ClassesByGrades(ctx, terminalIDs)
	if err != nil {
		return 0, err
	}
	classIDs := make([]int64, 0, len(classes))
	for _, c := range classes {
		classIDs = append(classIDs, c.ID)
	}
	graduated, err := tx.DeactivateStudentsByClasses(ctx, classIDs)
	if err != nil {
		return 0, err
	}
	return int(graduated), nil
}

// materializeGrades reuses or inserts target grades for the selected source
// grades and returns the old-to-new grade map plus the grades that actually
// copy forward. Terminal grades graduate under year mode and are skipped.
func (s *RolloverService) materializeGrades(ctx context.Context, tx repository.RolloverTx, selected []models.Grade, targetSemesterID int64, year bool, data *dto.UpgradeData) (map[int64]int64, []int64, error) {
	gradeMap := make(map[int64]int64, len(selected))
	copyGradeIDs := make([]int64, 0, len(selected))

	for _, g := range selected {
		if year && s.isTerminal(g.Name) {
			continue
		}
		name := g.Name
		if year {
			name = NextGradeName(g.Name)
		}

		existing, err := tx.GradeByName(ctx, targetSemesterID, name)
		switch {
		case err == nil:
			gradeMap[g.ID] = existing.ID
		case errors.Is(err, sql.ErrNoRows):
			created := &models.Grade{
				SemesterID: targetSemesterID,
				Name:       name,
				SortOrder:  g.SortOrder,
			}
			if err := tx.InsertGrade(ctx, created); err != nil {
				return nil, nil, err
			}
			gradeMap[g.ID] = created.ID
			data.GradesCreated++
		default:
			return nil, nil, fmt.Errorf("resolve target grade %q: %w", name, err)
		}
		copyGradeIDs = append(copyGradeIDs, g.ID)
	}
	return gradeMap, copyGradeIDs, nil
}

// targetClass is what the executor remembers about each materialized class.
type targetClass struct {
	ID   int64
	Name string
}

// materializeClasses reuses or inserts a same-name class under each mapped
// grade. New classes start without a homeroom teacher and with a zero student
// count; meal_fee copies over.
func (s *RolloverService) materializeClasses(ctx context.Context, tx repository.RolloverTx, oldClasses []models.Class, gradeMap map[int64]int64, targetSemesterID int64, data *dto.UpgradeData) (map[int64]targetClass, error) {
	classMap := make(map[int64]targetClass, len(oldClasses))

	for _, c := range oldClasses {
		newGradeID, mapped := gradeMap[c.GradeID]
		if !mapped {
			return nil, fmt.Errorf("class %d references unmapped grade %d", c.ID, c.GradeID)
		}

		existing, err := tx.ClassByName(ctx, newGradeID, c.Name)
		switch {
		case err == nil:
			classMap[c.ID] = targetClass{ID: existing.ID, Name: existing.Name}
		case errors.Is(err, sql.ErrNoRows):
			created := &models.Class{
				SemesterID: targetSemesterID,
				GradeID:    newGradeID,
				Name:       c.Name,
				MealFee:    c.MealFee,
			}
			if err := tx.InsertClass(ctx, created); err != nil {
				return nil, err
			}
			classMap[c.ID] = targetClass{ID: created.ID, Name: created.Name}
			data.ClassesCreated++
		default:
			return nil, fmt.Errorf("resolve target class %q: %w", c.Name, err)
		}
	}
	return classMap, nil
}

// migrateClassTeachers re-points each homeroom assignment at the new class,
// promotes the user's role, then severs the old links so a teacher still
// homerooms at most one class.
func (s *RolloverService) migrateClassTeachers(ctx context.Context, tx repository.RolloverTx, oldClasses []models.Class, classMap map[int64]targetClass) error {
	var migrated []int64
	for _, c := range oldClasses {
		if c.ClassTeacherID == nil {
			continue
		}
		target := classMap[c.ID]
		if err := tx.AssignClassTeacher(ctx, target.ID, *c.ClassTeacherID); err != nil {
			return err
		}
		if err := tx.PromoteUserToClassTeacher(ctx, *c.ClassTeacherID); err != nil {
			return err
		}
		migrated = append(migrated, c.ID)
	}
	return tx.ClearClassTeachers(ctx, migrated)
}

// copyStudents inserts every student of each mapped class into its target
// class. A (class_id, student_no) conflict is skipped and reported, never
// fatal.
func (s *RolloverService) copyStudents(ctx context.Context, tx repository.RolloverTx, oldClasses []models.Class, classMap map[int64]targetClass, data *dto.UpgradeData) error {
	for _, c := range oldClasses {
		target := classMap[c.ID]
		students, err := tx.StudentsByClass(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, student := range students {
			replica := student
			replica.ID = 0
			replica.ClassID = target.ID
			outcome, err := tx.InsertStudentSkipConflict(ctx, &replica)
			if err != nil {
				return err
			}
			if outcome == repository.StudentSkipped {
				data.SkippedStudents++
				data.Warnings = append(data.Warnings, fmt.Sprintf("student_no %s already exists in class %s, skipped", student.StudentNo, target.Name))
				continue
			}
			data.StudentsCreated++
		}
	}
	return nil
}

func (s *RolloverService) resolveSemesters(ctx context.Context, sourceID, targetID int64) (*models.Semester, *models.Semester, error) {
	source, err := s.semesters.FindByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "source semester not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load source semester")
	}
	target, err := s.semesters.FindByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "target semester not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load target semester")
	}
	return source, target, nil
}

func (s *RolloverService) emitAudit(ctx context.Context, run *models.RolloverRun) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(run)
	if err != nil {
		s.logger.Warn("marshal rollover audit payload", zap.Error(err))
		return
	}
	entry := &models.AuditLog{
		Action:     models.AuditActionRolloverExecute,
		Resource:   "rollover_runs",
		ResourceID: &run.ID,
		NewValues:  payload,
	}
	if run.CreatedBy != "" {
		actor := run.CreatedBy
		entry.UserID = &actor
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit rollover run", zap.Error(err))
	}
}

func normalizeUpgradeMode(mode models.UpgradeMode) (models.UpgradeMode, error) {
	switch mode {
	case "":
		return models.UpgradeModeYear, nil
	case models.UpgradeModeYear, models.UpgradeModeSemester:
		return mode, nil
	default:
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported upgrade mode %q", mode))
	}
}

func dedupeIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
