package dto

import "github.com/schoolmate-io/psa-api/internal/models"

// UpgradeRequest captures POST /semesters/rollover payload.
type UpgradeRequest struct {
	SourceSemesterID      int64              `json:"source_semester_id" validate:"required,gt=0"`
	TargetSemesterID      int64              `json:"target_semester_id" validate:"required,gt=0"`
	GradeIDs              []int64            `json:"grade_ids" validate:"required,min=1,dive,gt=0"`
	UpgradeMode           models.UpgradeMode `json:"upgrade_mode" validate:"omitempty,oneof=year semester"`
	PreserveClassTeachers *bool              `json:"preserve_class_teachers"`
}

// Preserve reports whether homeroom assignments should follow classes into the
// target semester. Defaults to true when the field is omitted.
func (r UpgradeRequest) Preserve() bool {
	return r.PreserveClassTeachers == nil || *r.PreserveClassTeachers
}

// UpgradeData carries the counters of a committed rollover.
type UpgradeData struct {
	RunID             string   `json:"run_id"`
	GradesCreated     int      `json:"grades_created"`
	ClassesCreated    int      `json:"classes_created"`
	StudentsCreated   int      `json:"students_created"`
	GraduatedStudents int      `json:"graduated_students_count"`
	SkippedStudents   int      `json:"skipped_count"`
	Warnings          []string `json:"warnings,omitempty"`
}

// UpgradeResponse is the envelope returned by the rollover endpoint.
type UpgradeResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Data    *UpgradeData `json:"data,omitempty"`
}

// PreviewGrade annotates a source grade with its projected name and aggregates.
// OriginalName is set only under year mode, where Name holds the post-promotion name.
type PreviewGrade struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	OriginalName *string `json:"original_name,omitempty"`
	ClassCount   int     `json:"class_count"`
	StudentCount int     `json:"student_count"`
}

// PreviewMapping describes one old-name to new-name promotion step.
type PreviewMapping struct {
	OldGrade     string `json:"old_grade"`
	NewGrade     string `json:"new_grade"`
	ClassCount   int    `json:"class_count"`
	StudentCount int    `json:"student_count"`
}

// ClassTeacherPreview lists a source class with its homeroom assignment.
type ClassTeacherPreview struct {
	OldClassID     int64   `json:"old_class_id"`
	OldClassName   string  `json:"old_class_name"`
	OldGradeName   string  `json:"old_grade_name"`
	OldTeacherID   *string `json:"old_teacher_id,omitempty"`
	OldTeacherName *string `json:"old_teacher_name,omitempty"`
	WillMigrate    bool    `json:"will_migrate"`
}

// GraduationPreview breaks down the graduating cohort per class.
type GraduationPreview struct {
	GradeName    string `json:"grade_name"`
	ClassName    string `json:"class_name"`
	StudentCount int    `json:"student_count"`
}

// UpgradePreview is the read-only projection of a rollover.
type UpgradePreview struct {
	SourceSemester models.Semester `json:"source_semester"`
	TargetSemester models.Semester `json:"target_semester"`

	AvailableGrades []PreviewGrade   `json:"available_grades"`
	PreviewData     []PreviewMapping `json:"preview_data"`
	TotalClasses    int              `json:"total_classes"`
	TotalStudents   int              `json:"total_students"`

	ClassTeacherPreview []ClassTeacherPreview `json:"class_teacher_preview"`

	GraduatingStudentsCount int                 `json:"graduating_students_count"`
	GraduationPreview       []GraduationPreview `json:"graduation_preview"`

	ConflictingStudentsCount int      `json:"conflicting_students_count"`
	ConflictingGradesCount   int      `json:"conflicting_grades_count,omitempty"`
	ConflictingGradesNames   []string `json:"conflicting_grades_names,omitempty"`
}
