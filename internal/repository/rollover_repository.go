package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/schoolmate-io/psa-api/internal/models"
)

// StudentInsertOutcome reports what an insert-or-skip attempt actually did.
type StudentInsertOutcome int

const (
	// StudentInserted means a new row was written.
	StudentInserted StudentInsertOutcome = iota
	// StudentSkipped means (class_id, student_no) already existed and the
	// insert was a no-op.
	StudentSkipped
)

// RolloverTx is the transactional surface the promotion executor runs on.
// Every call shares one database transaction; the executor never touches the
// pool directly while a rollover is in flight.
type RolloverTx interface {
	GradesBySemester(ctx context.Context, semesterID int64) ([]models.Grade, error)
	GradeByName(ctx context.Context, semesterID int64, name string) (*models.Grade, error)
	InsertGrade(ctx context.Context, grade *models.Grade) error
	ClassesByGrades(ctx context.Context, gradeIDs []int64) ([]models.Class, error)
	ClassByName(ctx context.Context, gradeID int64, name string) (*models.Class, error)
	InsertClass(ctx context.Context, class *models.Class) error
	StudentsByClass(ctx context.Context, classID int64) ([]models.Student, error)
	InsertStudentSkipConflict(ctx context.Context, student *models.Student) (StudentInsertOutcome, error)
	DeactivateStudentsByClasses(ctx context.Context, classIDs []int64) (int64, error)
	AssignClassTeacher(ctx context.Context, classID int64, teacherID string) error
	ClearClassTeachers(ctx context.Context, classIDs []int64) error
	PromoteUserToClassTeacher(ctx context.Context, userID string) error
	InsertRun(ctx context.Context, run *models.RolloverRun) error
}

// RolloverStore is the storage gateway for the promotion engine: read-only
// preview queries on the pool plus WithinTx for the executor.
type RolloverStore struct {
	db *sqlx.DB
}

// NewRolloverStore instantiates the gateway.
func NewRolloverStore(db *sqlx.DB) *RolloverStore {
	return &RolloverStore{db: db}
}

// WithinTx runs fn inside a single transaction, committing when it returns
// nil and rolling back everything otherwise.
func (s *RolloverStore) WithinTx(ctx context.Context, fn func(tx RolloverTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollover tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&rolloverTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rollover tx: %w", err)
	}
	return nil
}

// GradesBySemester lists a semester's grades ordered by sort order.
func (s *RolloverStore) GradesBySemester(ctx context.Context, semesterID int64) ([]models.Grade, error) {
	return gradesBySemester(ctx, s.db, semesterID)
}

// GradesByIDs resolves the requested grade IDs within the given semester.
// Callers compare result size against the request to detect foreign IDs.
func (s *RolloverStore) GradesByIDs(ctx context.Context, semesterID int64, ids []int64) ([]models.Grade, error) {
	const query = `SELECT id, semester_id, name, sort_order, created_at, updated_at
		FROM grades WHERE semester_id = $1 AND id = ANY($2) ORDER BY sort_order, id`
	var grades []models.Grade
	if err := s.db.SelectContext(ctx, &grades, query, semesterID, pq.Int64Array(ids)); err != nil {
		return nil, fmt.Errorf("grades by ids: %w", err)
	}
	return grades, nil
}

// GradeOverviews annotates each source grade with distinct class and active
// student counts. Grades without classes report zeros.
func (s *RolloverStore) GradeOverviews(ctx context.Context, semesterID int64) ([]models.GradeOverview, error) {
	const query = `SELECT g.id, g.name, g.sort_order,
			COUNT(DISTINCT c.id) AS class_count,
			COUNT(DISTINCT CASE WHEN s.is_active THEN s.id END) AS student_count
		FROM grades g
		LEFT JOIN classes c ON c.grade_id = g.id
		LEFT JOIN students s ON s.class_id = c.id
		WHERE g.semester_id = $1
		GROUP BY g.id, g.name, g.sort_order
		ORDER BY g.sort_order, g.id`
	var rows []models.GradeOverview
	if err := s.db.SelectContext(ctx, &rows, query, semesterID); err != nil {
		return nil, fmt.Errorf("grade overviews: %w", err)
	}
	return rows, nil
}

// ClassesByGrades lists every class under the given grades.
func (s *RolloverStore) ClassesByGrades(ctx context.Context, gradeIDs []int64) ([]models.Class, error) {
	return classesByGrades(ctx, s.db, gradeIDs)
}

// ClassTeacherLinks lists every class of the semester with its homeroom
// assignment, when present.
func (s *RolloverStore) ClassTeacherLinks(ctx context.Context, semesterID int64) ([]models.ClassTeacherLink, error) {
	const query = `SELECT c.id AS class_id, c.name AS class_name, g.name AS grade_name,
			u.id AS teacher_id, u.full_name AS teacher_name
		FROM classes c
		JOIN grades g ON g.id = c.grade_id
		LEFT JOIN users u ON u.id = c.class_teacher_id
		WHERE g.semester_id = $1
		ORDER BY g.sort_order, c.name`
	var rows []models.ClassTeacherLink
	if err := s.db.SelectContext(ctx, &rows, query, semesterID); err != nil {
		return nil, fmt.Errorf("class teacher links: %w", err)
	}
	return rows, nil
}

// GraduationBreakdown counts active students per class under the given
// (terminal) grades.
func (s *RolloverStore) GraduationBreakdown(ctx context.Context, gradeIDs []int64) ([]models.GraduationClassCount, error) {
	const query = `SELECT g.name AS grade_name, c.name AS class_name, COUNT(s.id) AS student_count
		FROM classes c
		JOIN grades g ON g.id = c.grade_id
		LEFT JOIN students s ON s.class_id = c.id AND s.is_active = TRUE
		WHERE c.grade_id = ANY($1)
		GROUP BY g.name, c.name, g.sort_order
		ORDER BY g.sort_order, c.name`
	var rows []models.GraduationClassCount
	if err := s.db.SelectContext(ctx, &rows, query, pq.Int64Array(gradeIDs)); err != nil {
		return nil, fmt.Errorf("graduation breakdown: %w", err)
	}
	return rows, nil
}

// GraduatedStudents lists deactivated students of a semester, joined with
// class and grade names. Terminal-grade filtering happens in the caller since
// grade names are interpreted in Go.
func (s *RolloverStore) GraduatedStudents(ctx context.Context, semesterID int64) ([]models.GraduatedStudent, error) {
	const query = `SELECT g.name AS grade_name, c.name AS class_name, st.student_no, st.name AS student_name, st.gender
		FROM students st
		JOIN classes c ON c.id = st.class_id
		JOIN grades g ON g.id = c.grade_id
		WHERE g.semester_id = $1 AND st.is_active = FALSE
		ORDER BY g.sort_order, c.name, st.student_no`
	var rows []models.GraduatedStudent
	if err := s.db.SelectContext(ctx, &rows, query, semesterID); err != nil {
		return nil, fmt.Errorf("graduated students: %w", err)
	}
	return rows, nil
}

// StudentNoOverlapCount counts student numbers present in both classes, i.e.
// the rows an executor run would skip when copying oldClassID into
// existingClassID.
func (s *RolloverStore) StudentNoOverlapCount(ctx context.Context, oldClassID, existingClassID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM students a
		WHERE a.class_id = $1
		AND EXISTS (SELECT 1 FROM students b WHERE b.class_id = $2 AND b.student_no = a.student_no)`
	var count int
	if err := s.db.GetContext(ctx, &count, query, oldClassID, existingClassID); err != nil {
		return 0, fmt.Errorf("student overlap count: %w", err)
	}
	return count, nil
}

// RunByID loads one rollover run.
func (s *RolloverStore) RunByID(ctx context.Context, id string) (*models.RolloverRun, error) {
	const query = `SELECT id, source_semester_id, target_semester_id, mode, grades_created,
			classes_created, students_created, graduated_students, skipped_students,
			warnings, created_by, created_at
		FROM rollover_runs WHERE id = $1`
	var run models.RolloverRun
	if err := s.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns pages through executed rollovers, newest first.
func (s *RolloverStore) ListRuns(ctx context.Context, filter models.RolloverRunFilter) ([]models.RolloverRun, int, error) {
	base := "FROM rollover_runs WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.SourceSemesterID != nil {
		conditions = append(conditions, fmt.Sprintf("source_semester_id = $%d", len(args)+1))
		args = append(args, *filter.SourceSemesterID)
	}
	if filter.TargetSemesterID != nil {
		conditions = append(conditions, fmt.Sprintf("target_semester_id = $%d", len(args)+1))
		args = append(args, *filter.TargetSemesterID)
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

	query := fmt.Sprintf(`SELECT id, source_semester_id, target_semester_id, mode, grades_created,
			classes_created, students_created, graduated_students, skipped_students,
			warnings, created_by, created_at %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, base, size, offset)

	var runs []models.RolloverRun
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list rollover runs: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count rollover runs: %w", err)
	}

	return runs, total, nil
}

type rolloverTx struct {
	tx *sqlx.Tx
}

func (t *rolloverTx) GradesBySemester(ctx context.Context, semesterID int64) ([]models.Grade, error) {
	return gradesBySemester(ctx, t.tx, semesterID)
}

func (t *rolloverTx) GradeByName(ctx context.Context, semesterID int64, name string) (*models.Grade, error) {
	const query = `SELECT id, semester_id, name, sort_order, created_at, updated_at
		FROM grades WHERE semester_id = $1 AND name = $2`
	var grade models.Grade
	if err := sqlx.GetContext(ctx, t.tx, &grade, query, semesterID, name); err != nil {
		return nil, err
	}
	return &grade, nil
}

func (t *rolloverTx) InsertGrade(ctx context.Context, grade *models.Grade) error {
	now := time.Now().UTC()
	grade.CreatedAt = now
	grade.UpdatedAt = now
	const query = `INSERT INTO grades (semester_id, name, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err := sqlx.GetContext(ctx, t.tx, &grade.ID, query,
		grade.SemesterID, grade.Name, grade.SortOrder, grade.CreatedAt, grade.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert grade: %w", err)
	}
	return nil
}

func (t *rolloverTx) ClassesByGrades(ctx context.Context, gradeIDs []int64) ([]models.Class, error) {
	return classesByGrades(ctx, t.tx, gradeIDs)
}

func (t *rolloverTx) ClassByName(ctx context.Context, gradeID int64, name string) (*models.Class, error) {
	const query = `SELECT id, semester_id, grade_id, name, class_teacher_id, meal_fee, student_count, created_at, updated_at
		FROM classes WHERE grade_id = $1 AND name = $2`
	var class models.Class
	if err := sqlx.GetContext(ctx, t.tx, &class, query, gradeID, name); err != nil {
		return nil, err
	}
	return &class, nil
}

func (t *rolloverTx) InsertClass(ctx context.Context, class *models.Class) error {
	now := time.Now().UTC()
	class.CreatedAt = now
	class.UpdatedAt = now
	const query = `INSERT INTO classes (semester_id, grade_id, name, class_teacher_id, meal_fee, student_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	if err := sqlx.GetContext(ctx, t.tx, &class.ID, query,
		class.SemesterID, class.GradeID, class.Name, class.ClassTeacherID,
		class.MealFee, class.StudentCount, class.CreatedAt, class.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert class: %w", err)
	}
	return nil
}

func (t *rolloverTx) StudentsByClass(ctx context.Context, classID int64) ([]models.Student, error) {
	const query = `SELECT id, student_no, name, gender, class_id, parent_name, parent_phone, address,
			is_nutrition_meal, enrollment_date, is_active, created_at, updated_at
		FROM students WHERE class_id = $1 ORDER BY student_no`
	var students []models.Student
	if err := sqlx.SelectContext(ctx, t.tx, &students, query, classID); err != nil {
		return nil, fmt.Errorf("students by class: %w", err)
	}
	return students, nil
}

// InsertStudentSkipConflict writes the student unless (class_id, student_no)
// already exists, reporting which of the two happened. The conflict is
// absorbed by ON CONFLICT DO NOTHING so it cannot poison the transaction.
func (t *rolloverTx) InsertStudentSkipConflict(ctx context.Context, student *models.Student) (StudentInsertOutcome, error) {
	now := time.Now().UTC()
	const query = `INSERT INTO students (student_no, name, gender, class_id, parent_name, parent_phone, address,
			is_nutrition_meal, enrollment_date, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (class_id, student_no) DO NOTHING`
	res, err := t.tx.ExecContext(ctx, query,
		student.StudentNo, student.Name, student.Gender, student.ClassID,
		student.ParentName, student.ParentPhone, student.Address,
		student.IsNutritionMeal, student.EnrollmentDate, student.IsActive,
		now, now,
	)
	if err != nil {
		return StudentSkipped, fmt.Errorf("insert student: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return StudentSkipped, fmt.Errorf("insert student outcome: %w", err)
	}
	if affected == 0 {
		return StudentSkipped, nil
	}
	return StudentInserted, nil
}

func (t *rolloverTx) DeactivateStudentsByClasses(ctx context.Context, classIDs []int64) (int64, error) {
	if len(classIDs) == 0 {
		return 0, nil
	}
	const query = `UPDATE students SET is_active = FALSE, updated_at = $2
		WHERE class_id = ANY($1) AND is_active = TRUE`
	res, err := t.tx.ExecContext(ctx, query, pq.Int64Array(classIDs), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate students: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate students outcome: %w", err)
	}
	return affected, nil
}

func (t *rolloverTx) AssignClassTeacher(ctx context.Context, classID int64, teacherID string) error {
	const query = `UPDATE classes SET class_teacher_id = $2, updated_at = $3 WHERE id = $1`
	if _, err := t.tx.ExecContext(ctx, query, classID, teacherID, time.Now().UTC()); err != nil {
		return fmt.Errorf("assign class teacher: %w", err)
	}
	return nil
}

func (t *rolloverTx) ClearClassTeachers(ctx context.Context, classIDs []int64) error {
	if len(classIDs) == 0 {
		return nil
	}
	const query = `UPDATE classes SET class_teacher_id = NULL, updated_at = $2 WHERE id = ANY($1)`
	if _, err := t.tx.ExecContext(ctx, query, pq.Int64Array(classIDs), time.Now().UTC()); err != nil {
		return fmt.Errorf("clear class teachers: %w", err)
	}
	return nil
}

func (t *rolloverTx) PromoteUserToClassTeacher(ctx context.Context, userID string) error {
	const query = `UPDATE users SET role = $2, updated_at = $3 WHERE id = $1 AND role = $4`
	if _, err := t.tx.ExecContext(ctx, query, userID, models.RoleClassTeacher, time.Now().UTC(), models.RoleTeacher); err != nil {
		return fmt.Errorf("promote class teacher: %w", err)
	}
	return nil
}

func (t *rolloverTx) InsertRun(ctx context.Context, run *models.RolloverRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO rollover_runs (id, source_semester_id, target_semester_id, mode, grades_created,
			classes_created, students_created, graduated_students, skipped_students, warnings, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := t.tx.ExecContext(ctx, query,
		run.ID, run.SourceSemesterID, run.TargetSemesterID, run.Mode,
		run.GradesCreated, run.ClassesCreated, run.StudentsCreated,
		run.GraduatedStudents, run.SkippedStudents, run.Warnings,
		run.CreatedBy, run.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert rollover run: %w", err)
	}
	return nil
}

func gradesBySemester(ctx context.Context, q sqlx.QueryerContext, semesterID int64) ([]models.Grade, error) {
	const query = `SELECT id, semester_id, name, sort_order, created_at, updated_at
		FROM grades WHERE semester_id = $1 ORDER BY sort_order, id`
	var grades []models.Grade
	if err := sqlx.SelectContext(ctx, q, &grades, query, semesterID); err != nil {
		return nil, fmt.Errorf("grades by semester: %w", err)
	}
	return grades, nil
}

func classesByGrades(ctx context.Context, q sqlx.QueryerContext, gradeIDs []int64) ([]models.Class, error) {
	if len(gradeIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT id, semester_id, grade_id, name, class_teacher_id, meal_fee, student_count, created_at, updated_at
		FROM classes WHERE grade_id = ANY($1) ORDER BY grade_id, name`
	var classes []models.Class
	if err := sqlx.SelectContext(ctx, q, &classes, query, pq.Int64Array(gradeIDs)); err != nil {
		return nil, fmt.Errorf("classes by grades: %w", err)
	}
	return classes, nil
}
