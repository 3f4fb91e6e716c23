package models

import "time"

// Grade is a year level within one semester ("一年级", "Grade 3"). The name
// is a display label, not a numeric key; promotion parses and re-renders it.
// (semester_id, name) is unique, which is what lets the rollover executor
// reuse instead of duplicate.
type Grade struct {
	ID         int64     `db:"id" json:"id"`
	SemesterID int64     `db:"semester_id" json:"semester_id"`
	Name       string    `db:"name" json:"name"`
	SortOrder  int       `db:"sort_order" json:"sort_order"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
