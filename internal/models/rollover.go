package models

import (
	"time"

	"github.com/lib/pq"
)

// UpgradeMode selects how grade names travel into the target semester.
type UpgradeMode string

const (
	// UpgradeModeYear promotes: names are renumbered and the terminal
	// grade graduates instead of being copied.
	UpgradeModeYear UpgradeMode = "year"
	// UpgradeModeSemester carries grades forward unchanged, no graduation.
	UpgradeModeSemester UpgradeMode = "semester"
)

// RolloverRun is the bookkeeping row written inside the executor's
// transaction, one per committed rollover.
type RolloverRun struct {
	ID                string         `db:"id" json:"id"`
	SourceSemesterID  int64          `db:"source_semester_id" json:"source_semester_id"`
	TargetSemesterID  int64          `db:"target_semester_id" json:"target_semester_id"`
	Mode              UpgradeMode    `db:"mode" json:"mode"`
	GradesCreated     int            `db:"grades_created" json:"grades_created"`
	ClassesCreated    int            `db:"classes_created" json:"classes_created"`
	StudentsCreated   int            `db:"students_created" json:"students_created"`
	GraduatedStudents int            `db:"graduated_students" json:"graduated_students_count"`
	SkippedStudents   int            `db:"skipped_students" json:"skipped_count"`
	Warnings          pq.StringArray `db:"warnings" json:"warnings,omitempty"`
	CreatedBy         string         `db:"created_by" json:"created_by"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// GradeOverview is a source-semester grade annotated with aggregate counts
// (distinct classes, distinct active students). Zero-class grades carry
// zeros, they are not errors.
type GradeOverview struct {
	ID           int64  `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	SortOrder    int    `db:"sort_order" json:"sort_order"`
	ClassCount   int    `db:"class_count" json:"class_count"`
	StudentCount int    `db:"student_count" json:"student_count"`
}

// ClassTeacherLink describes one class's homeroom assignment for the
// migration preview.
type ClassTeacherLink struct {
	ClassID     int64   `db:"class_id" json:"class_id"`
	ClassName   string  `db:"class_name" json:"class_name"`
	GradeName   string  `db:"grade_name" json:"grade_name"`
	TeacherID   *string `db:"teacher_id" json:"teacher_id,omitempty"`
	TeacherName *string `db:"teacher_name" json:"teacher_name,omitempty"`
}

// GraduationClassCount is the per-class breakdown of the graduating cohort.
type GraduationClassCount struct {
	GradeName    string `db:"grade_name" json:"grade_name"`
	ClassName    string `db:"class_name" json:"class_name"`
	StudentCount int    `db:"student_count" json:"student_count"`
}

// GraduatedStudent is one deactivated student row for the graduation-list
// export, joined with its class and grade names.
type GraduatedStudent struct {
	GradeName   string  `db:"grade_name" json:"grade_name"`
	ClassName   string  `db:"class_name" json:"class_name"`
	StudentNo   string  `db:"student_no" json:"student_no"`
	StudentName string  `db:"student_name" json:"student_name"`
	Gender      *string `db:"gender" json:"gender,omitempty"`
}

// RolloverRunFilter pages through executed runs.
type RolloverRunFilter struct {
	SourceSemesterID *int64
	TargetSemesterID *int64
	Page             int
	PageSize         int
}
