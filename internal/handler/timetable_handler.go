package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetable-api/internal/dto"
	"github.com/noah-isme/timetable-api/internal/middleware"
	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/service"
	"github.com/noah-isme/timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
	"github.com/noah-isme/timetable-api/pkg/response"
)

type timetableGenerator interface {
	Generate(ctx context.Context, req dto.GenerateTimetableRequest, requestedBy string) (*dto.GenerateTimetableResponse, error)
	Commit(ctx context.Context, req dto.CommitTimetableRequest) (*dto.CommitTimetableResponse, error)
	Enqueue(ctx context.Context, req dto.GenerateTimetableRequest, requestedBy string) (*dto.GenerationRunResponse, error)
	RunStatus(ctx context.Context, id string) (*dto.GenerationRunResponse, error)
	Stats(ctx context.Context, sessionID string) (*dto.SessionStatsResponse, error)
	Assignments(ctx context.Context, query dto.AssignmentQuery) ([]models.Assignment, *models.Pagination, error)
	GroupSchedule(ctx context.Context, groupID string) (*timetable.GroupSchedule, error)
	ValidateEdit(ctx context.Context, req dto.SlotEditRequest) (*dto.SlotEditResponse, error)
}

type timetableExporter interface {
	Export(ctx context.Context, sessionID string, req dto.ExportRequest) (*dto.ExportResponse, error)
	ResolveDownload(token string) (*service.ExportDownload, error)
}

// TimetableHandler exposes timetable generation endpoints.
type TimetableHandler struct {
	generator timetableGenerator
	exports   timetableExporter
}

// NewTimetableHandler constructs the handler. A nil export service disables
// the export routes.
func NewTimetableHandler(generator *service.TimetableGeneratorService, exports *service.ExportService) *TimetableHandler {
	h := &TimetableHandler{generator: generator}
	if exports != nil {
		h.exports = exports
	}
	return h
}

// Generate godoc
// @Summary Generate a session timetable
// @Description Runs the generator synchronously. The result is kept as a proposal unless commit is set.
// @Tags Timetables
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.GenerateTimetableRequest true "Generation payload"
// @Success 200 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /timetables/generate [post]
func (h *TimetableHandler) Generate(c *gin.Context) {
	var req dto.GenerateTimetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid generate payload"))
		return
	}
	result, err := h.generator.Generate(c.Request.Context(), req, requesterID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	mode := "preview"
	if result.Committed {
		mode = "committed"
	}
	middleware.SetMeta(c, "mode", mode)
	response.JSON(c, http.StatusOK, result, nil, middleware.ExtractMeta(c))
}

// Commit godoc
// @Summary Commit a timetable proposal
// @Tags Timetables
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.CommitTimetableRequest true "Commit payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /timetables/commit [post]
func (h *TimetableHandler) Commit(c *gin.Context) {
	var req dto.CommitTimetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid commit payload"))
		return
	}
	result, err := h.generator.Commit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// EnqueueRun godoc
// @Summary Queue an asynchronous generation run
// @Tags Timetables
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.GenerateTimetableRequest true "Generation payload"
// @Success 202 {object} response.Envelope
// @Router /timetables/runs [post]
func (h *TimetableHandler) EnqueueRun(c *gin.Context) {
	var req dto.GenerateTimetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid generate payload"))
		return
	}
	run, err := h.generator.Enqueue(c.Request.Context(), req, requesterID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("%s/%s", c.Request.URL.Path, run.ID))
	response.Accepted(c, run)
}

// RunStatus godoc
// @Summary Get a generation run
// @Tags Timetables
// @Produce json
// @Security BearerAuth
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /timetables/runs/{id} [get]
func (h *TimetableHandler) RunStatus(c *gin.Context) {
	run, err := h.generator.RunStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run, nil)
}

// Stats godoc
// @Summary Completion statistics of a committed session
// @Tags Timetables
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /timetables/sessions/{sessionId}/stats [get]
func (h *TimetableHandler) Stats(c *gin.Context) {
	stats, err := h.generator.Stats(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, stats.CacheHit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// Assignments godoc
// @Summary List committed assignments
// @Description Group view with groupId, trainer view with trainer (slot key).
// @Tags Timetables
// @Produce json
// @Security BearerAuth
// @Param sessionId query string true "Session ID"
// @Param groupId query string false "Group ID"
// @Param moduleId query string false "Module ID"
// @Param trainer query string false "Trainer slot key"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /timetables/assignments [get]
func (h *TimetableHandler) Assignments(c *gin.Context) {
	var query dto.AssignmentQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	rows, pagination, err := h.generator.Assignments(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rows, pagination)
}

// GroupSchedule godoc
// @Summary Get the calendar of a group across sessions
// @Tags Timetables
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /timetables/groups/{groupId} [get]
func (h *TimetableHandler) GroupSchedule(c *gin.Context) {
	schedule, err := h.generator.GroupSchedule(c.Request.Context(), c.Param("groupId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, schedule, nil)
}

// ValidateEdit godoc
// @Summary Check a manual cell edit for trainer conflicts
// @Tags Timetables
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.SlotEditRequest true "Edit payload"
// @Success 200 {object} response.Envelope
// @Router /timetables/edits/validate [post]
func (h *TimetableHandler) ValidateEdit(c *gin.Context) {
	var req dto.SlotEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid edit payload"))
		return
	}
	result, err := h.generator.ValidateEdit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Export godoc
// @Summary Export a committed session timetable
// @Tags Timetables
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Param payload body dto.ExportRequest false "Export options"
// @Success 201 {object} response.Envelope
// @Router /timetables/sessions/{sessionId}/exports [post]
func (h *TimetableHandler) Export(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrPreconditionFailed, "exports are disabled"))
		return
	}
	var req dto.ExportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export payload"))
			return
		}
	}
	result, err := h.exports.Export(c.Request.Context(), c.Param("sessionId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Download godoc
// @Summary Download an export through its signed link
// @Tags Timetables
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /timetables/exports/download [get]
func (h *TimetableHandler) Download(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrPreconditionFailed, "exports are disabled"))
		return
	}
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	download, err := h.exports.ResolveDownload(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", download.Filename),
		"Cache-Control":       "no-store",
	}
	c.DataFromReader(http.StatusOK, download.Size, download.ContentType, download.File, headers)
}

// requesterID returns the user id set by the JWT middleware, if any.
func requesterID(c *gin.Context) string {
	value, ok := c.Get(middleware.ContextUserKey)
	if !ok {
		return ""
	}
	if claims, ok := value.(*models.JWTClaims); ok {
		return claims.UserID
	}
	return ""
}
