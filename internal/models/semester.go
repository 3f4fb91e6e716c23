package models

import "time"

// Semester is one academic half-year. At most one row is flagged current;
// SemesterService.SetCurrent keeps that invariant.
type Semester struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	StartDate  time.Time `db:"start_date" json:"start_date"`
	EndDate    time.Time `db:"end_date" json:"end_date"`
	SchoolDays int       `db:"school_days" json:"school_days"`
	IsCurrent  bool      `db:"is_current" json:"is_current"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// SemesterFilter defines filters supported by the list endpoint.
type SemesterFilter struct {
	Search    string
	IsCurrent *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
