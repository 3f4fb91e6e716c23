package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/schoolmate-io/psa-api/internal/models"
	"github.com/schoolmate-io/psa-api/pkg/export"
	"github.com/schoolmate-io/psa-api/pkg/storage"
)

type exportRolloverReader interface {
	RunByID(ctx context.Context, id string) (*models.RolloverRun, error)
	GradeOverviews(ctx context.Context, semesterID int64) ([]models.GradeOverview, error)
	GraduatedStudents(ctx context.Context, semesterID int64) ([]models.GraduatedStudent, error)
}

type exportSemesterReader interface {
	FindByID(ctx context.Context, id int64) (*models.Semester, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix     string
	ResultTTL     time.Duration
	TerminalGrade int
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report datasets and persists rendered files. Download
// access goes through HMAC-signed tokens rather than authenticated routes.
type ExportService struct {
	store      exportRolloverReader
	semesters  exportSemesterReader
	storage    fileStorage
	csv        csvRenderer
	pdf        pdfRenderer
	signer     *storage.SignedURLSigner
	logger     *zap.Logger
	isTerminal TerminalGradePredicate
	cfg        ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(store exportRolloverReader, semesters exportSemesterReader, files fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		store:      store,
		semesters:  semesters,
		storage:    files,
		csv:        csv,
		pdf:        pdf,
		signer:     signer,
		logger:     logger,
		isTerminal: TerminalGradeMatcher(cfg.TerminalGrade),
		cfg:        cfg,
	}
}

// Generate builds the dataset for the job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	signedURL := fmt.Sprintf("%s/export/%s", prefix, token)

	s.logger.Info("report export stored",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("file", relPath),
	)
	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl, defaulting to the configured
// ResultTTL when ttl <= 0.
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeRolloverSummary:
		return s.buildRolloverSummary(ctx, job.Params)
	case models.ReportTypeGraduationList:
		return s.buildGraduationList(ctx, job.Params)
	case models.ReportTypeSemesterSummary:
		return s.buildSemesterSummary(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

// buildRolloverSummary rebuilds the per-grade mapping of a committed run from
// the source semester's grades and the run's mode, then closes with the run's
// recorded totals.
func (s *ExportService) buildRolloverSummary(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	if params.RunID == nil || *params.RunID == "" {
		return export.Dataset{}, "", fmt.Errorf("run_id is required for rollover_summary")
	}
	run, err := s.store.RunByID(ctx, *params.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return export.Dataset{}, "", fmt.Errorf("rollover run %s not found", *params.RunID)
		}
		return export.Dataset{}, "", err
	}
	source, err := s.semesters.FindByID(ctx, run.SourceSemesterID)
	if err != nil {
		return export.Dataset{}, "", fmt.Errorf("load source semester: %w", err)
	}
	target, err := s.semesters.FindByID(ctx, run.TargetSemesterID)
	if err != nil {
		return export.Dataset{}, "", fmt.Errorf("load target semester: %w", err)
	}
	overviews, err := s.store.GradeOverviews(ctx, run.SourceSemesterID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	rows := make([]map[string]string, 0, len(overviews)+1)
	for _, grade := range overviews {
		targetName := grade.Name
		outcome := "carried"
		if run.Mode == models.UpgradeModeYear {
			if s.isTerminal(grade.Name) {
				targetName = ""
				outcome = "graduated"
			} else {
				targetName = NextGradeName(grade.Name)
				outcome = "promoted"
			}
		}
		rows = append(rows, map[string]string{
			"Source Grade": grade.Name,
			"Target Grade": targetName,
			"Classes":      fmt.Sprintf("%d", grade.ClassCount),
			"Students":     fmt.Sprintf("%d", grade.StudentCount),
			"Outcome":      outcome,
		})
	}
	rows = append(rows, map[string]string{
		"Source Grade": "TOTAL",
		"Target Grade": "",
		"Classes":      fmt.Sprintf("%d", run.ClassesCreated),
		"Students":     fmt.Sprintf("%d", run.StudentsCreated),
		"Outcome":      fmt.Sprintf("graduated %d, skipped %d", run.GraduatedStudents, run.SkippedStudents),
	})

	dataset := export.Dataset{
		Headers: []string{"Source Grade", "Target Grade", "Classes", "Students", "Outcome"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Rollover %s to %s (%s)", source.Name, target.Name, run.Mode)
	return dataset, title, nil
}

// buildGraduationList exports deactivated students under the terminal grades
// of the given semester.
func (s *ExportService) buildGraduationList(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	if params.SemesterID == nil {
		return export.Dataset{}, "", fmt.Errorf("semester_id is required for graduation_list")
	}
	semester, err := s.semesters.FindByID(ctx, *params.SemesterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return export.Dataset{}, "", fmt.Errorf("semester %d not found", *params.SemesterID)
		}
		return export.Dataset{}, "", err
	}
	students, err := s.store.GraduatedStudents(ctx, semester.ID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	rows := make([]map[string]string, 0, len(students))
	for _, student := range students {
		if !s.isTerminal(student.GradeName) {
			continue
		}
		gender := ""
		if student.Gender != nil {
			gender = *student.Gender
		}
		rows = append(rows, map[string]string{
			"Grade":      student.GradeName,
			"Class":      student.ClassName,
			"Student No": student.StudentNo,
			"Name":       student.StudentName,
			"Gender":     gender,
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Grade", "Class", "Student No", "Name", "Gender"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Graduation List %s", semester.Name)
	return dataset, title, nil
}

// buildSemesterSummary exports per-grade class and active-student totals.
func (s *ExportService) buildSemesterSummary(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	if params.SemesterID == nil {
		return export.Dataset{}, "", fmt.Errorf("semester_id is required for semester_summary")
	}
	semester, err := s.semesters.FindByID(ctx, *params.SemesterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return export.Dataset{}, "", fmt.Errorf("semester %d not found", *params.SemesterID)
		}
		return export.Dataset{}, "", err
	}
	overviews, err := s.store.GradeOverviews(ctx, semester.ID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	rows := make([]map[string]string, 0, len(overviews)+1)
	totalClasses, totalStudents := 0, 0
	for _, grade := range overviews {
		totalClasses += grade.ClassCount
		totalStudents += grade.StudentCount
		rows = append(rows, map[string]string{
			"Grade":           grade.Name,
			"Classes":         fmt.Sprintf("%d", grade.ClassCount),
			"Active Students": fmt.Sprintf("%d", grade.StudentCount),
		})
	}
	rows = append(rows, map[string]string{
		"Grade":           "TOTAL",
		"Classes":         fmt.Sprintf("%d", totalClasses),
		"Active Students": fmt.Sprintf("%d", totalStudents),
	})
	dataset := export.Dataset{
		Headers: []string{"Grade", "Classes", "Active Students"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Semester Summary %s", semester.Name)
	return dataset, title, nil
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	scope := "na"
	switch {
	case job.Params.RunID != nil && *job.Params.RunID != "":
		scope = sanitizeFilename(*job.Params.RunID)
		if len(scope) > 8 {
			scope = scope[:8]
		}
	case job.Params.SemesterID != nil:
		scope = fmt.Sprintf("sem%d", *job.Params.SemesterID)
	}
	return fmt.Sprintf("%s_%s_%s.%s", job.Type, scope, timestamp, job.Params.Format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
