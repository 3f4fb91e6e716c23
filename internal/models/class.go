package models

import "time"

// Class is a homeroom unit under a grade. SemesterID is denormalised and must
// match the owning grade's semester. ClassTeacherID links to the homeroom
// teacher; the wider application guarantees a teacher homerooms at most one
// class at a time. StudentCount is a derived cache maintained by a trigger.
type Class struct {
	ID             int64     `db:"id" json:"id"`
	SemesterID     int64     `db:"semester_id" json:"semester_id"`
	GradeID        int64     `db:"grade_id" json:"grade_id"`
	Name           string    `db:"name" json:"name"`
	ClassTeacherID *string   `db:"class_teacher_id" json:"class_teacher_id,omitempty"`
	MealFee        int64     `db:"meal_fee" json:"meal_fee"`
	StudentCount   int       `db:"student_count" json:"student_count"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
