package dto

import "github.com/schoolmate-io/psa-api/internal/models"

// ReportRequest captures POST /reports payload. RunID parameterises
// rollover_summary; SemesterID parameterises graduation_list and
// semester_summary.
type ReportRequest struct {
	Type       models.ReportType   `json:"type" validate:"required,oneof=rollover_summary graduation_list semester_summary"`
	Format     models.ReportFormat `json:"format" validate:"required,oneof=csv pdf"`
	RunID      *string             `json:"run_id,omitempty"`
	SemesterID *int64              `json:"semester_id,omitempty"`
}

// ReportJobResponse is returned after enqueueing a report.
type ReportJobResponse struct {
	ID       string              `json:"id"`
	Status   models.ReportStatus `json:"status"`
	Progress int                 `json:"progress"`
}

// ReportStatusResponse exposes job progress metadata.
type ReportStatusResponse struct {
	ID        string              `json:"id"`
	Status    models.ReportStatus `json:"status"`
	Progress  int                 `json:"progress"`
	ResultURL *string             `json:"result_url,omitempty"`
	Error     *string             `json:"error,omitempty"`
}
