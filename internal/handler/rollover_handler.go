package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/schoolmate-io/psa-api/internal/dto"
	"github.com/schoolmate-io/psa-api/internal/middleware"
	"github.com/schoolmate-io/psa-api/internal/models"
	"github.com/schoolmate-io/psa-api/internal/service"
	appErrors "github.com/schoolmate-io/psa-api/pkg/errors"
	"github.com/schoolmate-io/psa-api/pkg/response"
)

// RolloverHandler exposes the semester promotion endpoints.
type RolloverHandler struct {
	service *service.RolloverService
}

// NewRolloverHandler constructs a rollover handler.
func NewRolloverHandler(svc *service.RolloverService) *RolloverHandler {
	return &RolloverHandler{service: svc}
}

// Preview godoc
// @Summary Preview a semester rollover
// @Description Computes what promoting the source semester into the target would do, without writing anything
// @Tags Rollover
// @Produce json
// @Param source_semester_id query int true "Source semester ID"
// @Param target_semester_id query int true "Target semester ID"
// @Param mode query string false "year (default) or semester"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /rollover/preview [get]
func (h *RolloverHandler) Preview(c *gin.Context) {
	sourceID, err := strconv.ParseInt(c.Query("source_semester_id"), 10, 64)
	if err != nil || sourceID <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid source_semester_id"))
		return
	}
	targetID, err := strconv.ParseInt(c.Query("target_semester_id"), 10, 64)
	if err != nil || targetID <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid target_semester_id"))
		return
	}
	mode := models.UpgradeMode(c.Query("mode"))

	preview, cached, err := h.service.Preview(c.Request.Context(), sourceID, targetID, mode)
	if err != nil {
		response.Error(c, err)
		return
	}

	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, preview, nil, middleware.ExtractMeta(c))
}

// Execute godoc
// @Summary Execute a semester rollover
// @Description Promotes the selected grades atomically; duplicate student numbers are skipped with warnings
// @Tags Rollover
// @Accept json
// @Produce json
// @Param payload body dto.UpgradeRequest true "Rollover payload"
// @Success 200 {object} dto.UpgradeResponse
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /rollover [post]
func (h *RolloverHandler) Execute(c *gin.Context) {
	var req dto.UpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid rollover payload"))
		return
	}

	var actorID string
	if claims := claimsFromContext(c); claims != nil {
		actorID = claims.UserID
	}

	data, err := h.service.Execute(c.Request.Context(), req, actorID)
	if err != nil {
		appErr := appErrors.FromError(err)
		// Validation and not-found failures are rejected before the
		// transaction opens and use the standard error envelope. A rolled
		// back transaction keeps the original success/message contract so
		// callers can surface the failure next to partial-skip warnings.
		if appErr.Code == appErrors.ErrInternal.Code {
			c.JSON(http.StatusOK, dto.UpgradeResponse{Success: false, Message: appErr.Message})
			return
		}
		response.Error(c, err)
		return
	}

	message := "semester rollover completed"
	if data.SkippedStudents > 0 {
		message = "semester rollover completed with skipped students"
	}
	c.JSON(http.StatusOK, dto.UpgradeResponse{Success: true, Message: message, Data: data})
}

// ListRuns godoc
// @Summary List rollover runs
// @Tags Rollover
// @Produce json
// @Param source_semester_id query int false "Filter by source semester"
// @Param target_semester_id query int false "Filter by target semester"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /rollover/runs [get]
func (h *RolloverHandler) ListRuns(c *gin.Context) {
	var filter models.RolloverRunFilter
	if raw := c.Query("source_semester_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.SourceSemesterID = &id
		}
	}
	if raw := c.Query("target_semester_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.TargetSemesterID = &id
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	runs, total, err := h.service.ListRuns(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	response.JSON(c, http.StatusOK, runs, pagination)
}

// GetRun godoc
// @Summary Get one rollover run
// @Tags Rollover
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /rollover/runs/{id} [get]
func (h *RolloverHandler) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run, nil)
}
