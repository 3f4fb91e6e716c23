package models

import "time"

// Student belongs to exactly one class. StudentNo is unique per class, NOT
// globally: after a rollover the same number legitimately exists in both the
// source class and its target-semester counterpart. Graduation flips IsActive
// to false; rows are never hard-deleted by the rollover engine.
type Student struct {
	ID              int64      `db:"id" json:"id"`
	StudentNo       string     `db:"student_no" json:"student_no"`
	Name            string     `db:"name" json:"name"`
	Gender          *string    `db:"gender" json:"gender,omitempty"`
	ClassID         int64      `db:"class_id" json:"class_id"`
	ParentName      *string    `db:"parent_name" json:"parent_name,omitempty"`
	ParentPhone     *string    `db:"parent_phone" json:"parent_phone,omitempty"`
	Address         *string    `db:"address" json:"address,omitempty"`
	IsNutritionMeal bool       `db:"is_nutrition_meal" json:"is_nutrition_meal"`
	EnrollmentDate  *time.Time `db:"enrollment_date" json:"enrollment_date,omitempty"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}
