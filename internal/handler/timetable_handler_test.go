package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-api/internal/dto"
	internalmiddleware "github.com/noah-isme/timetable-api/internal/middleware"
	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/service"
	"github.com/noah-isme/timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
)

type timetableGeneratorMock struct {
	generateReq dto.GenerateTimetableRequest
	requestedBy string
	query       dto.AssignmentQuery
	generateErr error
}

func (m *timetableGeneratorMock) Generate(ctx context.Context, req dto.GenerateTimetableRequest, requestedBy string) (*dto.GenerateTimetableResponse, error) {
	m.generateReq = req
	m.requestedBy = requestedBy
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return &dto.GenerateTimetableResponse{ProposalID: "proposal-1", SessionID: req.SessionID, Committed: req.Commit}, nil
}

func (m *timetableGeneratorMock) Commit(ctx context.Context, req dto.CommitTimetableRequest) (*dto.CommitTimetableResponse, error) {
	if req.ProposalID != "proposal-1" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "proposal not found or expired")
	}
	return &dto.CommitTimetableResponse{ProposalID: req.ProposalID, AssignmentsSaved: 20}, nil
}

func (m *timetableGeneratorMock) Enqueue(ctx context.Context, req dto.GenerateTimetableRequest, requestedBy string) (*dto.GenerationRunResponse, error) {
	m.requestedBy = requestedBy
	return &dto.GenerationRunResponse{ID: "run-1", SessionID: req.SessionID, Status: string(models.GenerationRunQueued)}, nil
}

func (m *timetableGeneratorMock) RunStatus(ctx context.Context, id string) (*dto.GenerationRunResponse, error) {
	if id != "run-1" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "generation run not found")
	}
	return &dto.GenerationRunResponse{ID: id, Status: string(models.GenerationRunSucceeded)}, nil
}

func (m *timetableGeneratorMock) Stats(ctx context.Context, sessionID string) (*dto.SessionStatsResponse, error) {
	return &dto.SessionStatsResponse{SessionID: sessionID, CacheHit: true}, nil
}

func (m *timetableGeneratorMock) Assignments(ctx context.Context, query dto.AssignmentQuery) ([]models.Assignment, *models.Pagination, error) {
	m.query = query
	return []models.Assignment{{SessionID: query.SessionID, GroupID: "pe1"}}, &models.Pagination{Page: 1, PageSize: 100, TotalCount: 1}, nil
}

func (m *timetableGeneratorMock) GroupSchedule(ctx context.Context, groupID string) (*timetable.GroupSchedule, error) {
	return &timetable.GroupSchedule{GroupID: groupID}, nil
}

func (m *timetableGeneratorMock) ValidateEdit(ctx context.Context, req dto.SlotEditRequest) (*dto.SlotEditResponse, error) {
	return &dto.SlotEditResponse{Valid: true, Conflicts: []dto.SlotEditConflict{}}, nil
}

type timetableExporterMock struct {
	path string
}

func (m *timetableExporterMock) Export(ctx context.Context, sessionID string, req dto.ExportRequest) (*dto.ExportResponse, error) {
	return &dto.ExportResponse{ExportID: "export-1", Format: "csv", DownloadURL: "/api/v1/timetables/exports/download?token=t"}, nil
}

func (m *timetableExporterMock) ResolveDownload(token string) (*service.ExportDownload, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	file, err := os.Open(m.path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	return &service.ExportDownload{File: file, Filename: "timetable_s1.csv", ContentType: "text/csv", Size: info.Size()}, nil
}

func newTimetableRouter(t *testing.T, gen *timetableGeneratorMock, role models.UserRole) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "timetable_s1.csv")
	require.NoError(t, os.WriteFile(path, []byte("Group,Date\npe1,2025-09-01\n"), 0o644))

	h := &TimetableHandler{generator: gen, exports: &timetableExporterMock{path: path}}
	r := gin.New()
	r.Use(internalmiddleware.WithResponseMeta())
	r.GET("/timetables/exports/download", h.Download)
	secured := r.Group("/timetables", func(c *gin.Context) {
		c.Set(internalmiddleware.ContextUserKey, &models.JWTClaims{UserID: "user-1", Role: role})
		c.Next()
	})
	secured.GET("/runs/:id", h.RunStatus)
	secured.GET("/sessions/:sessionId/stats", h.Stats)
	secured.GET("/assignments", h.Assignments)
	secured.GET("/groups/:groupId", h.GroupSchedule)
	mutations := secured.Group("", internalmiddleware.RequireRoles(models.RoleAdmin, models.RolePlanner))
	mutations.POST("/generate", h.Generate)
	mutations.POST("/commit", h.Commit)
	mutations.POST("/runs", h.EnqueueRun)
	mutations.POST("/sessions/:sessionId/exports", h.Export)
	return r
}

func serveJSON(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func TestTimetableHandlerGeneratePreview(t *testing.T) {
	gen := &timetableGeneratorMock{}
	r := newTimetableRouter(t, gen, models.RolePlanner)

	w := serveJSON(r, http.MethodPost, "/timetables/generate", []byte(`{"sessionId":"s1","seed":42}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", gen.generateReq.SessionID)
	require.NotNil(t, gen.generateReq.Seed)
	assert.Equal(t, int64(42), *gen.generateReq.Seed)
	assert.Equal(t, "user-1", gen.requestedBy)
	envelope := decodeEnvelope(t, w)
	assert.Equal(t, "preview", envelope["meta"].(map[string]interface{})["mode"])
}

func TestTimetableHandlerGenerateInfeasible(t *testing.T) {
	failure := &timetable.SchedulingFailure{Kind: timetable.FailureInfeasible, BottleneckModuleID: "2", Attempts: 3, Reason: "no trainer left"}
	gen := &timetableGeneratorMock{
		generateErr: appErrors.WithDetails(appErrors.Wrap(failure, appErrors.ErrSchedulingInfeasible.Code, appErrors.ErrSchedulingInfeasible.Status, failure.Reason), failure),
	}
	r := newTimetableRouter(t, gen, models.RoleAdmin)

	w := serveJSON(r, http.MethodPost, "/timetables/generate", []byte(`{"sessionId":"s1"}`))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, appErrors.ErrSchedulingInfeasible.Code, errBody["code"])
	assert.NotNil(t, errBody["details"])
}

func TestTimetableHandlerGenerateBadJSON(t *testing.T) {
	r := newTimetableRouter(t, &timetableGeneratorMock{}, models.RolePlanner)

	w := serveJSON(r, http.MethodPost, "/timetables/generate", []byte(`{"sessionId":`))

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimetableHandlerViewerCannotMutate(t *testing.T) {
	r := newTimetableRouter(t, &timetableGeneratorMock{}, models.RoleViewer)

	assert.Equal(t, http.StatusForbidden, serveJSON(r, http.MethodPost, "/timetables/generate", []byte(`{"sessionId":"s1"}`)).Code)
	assert.Equal(t, http.StatusOK, serveJSON(r, http.MethodGet, "/timetables/groups/pe1", nil).Code)
}

func TestTimetableHandlerCommit(t *testing.T) {
	r := newTimetableRouter(t, &timetableGeneratorMock{}, models.RolePlanner)

	assert.Equal(t, http.StatusOK, serveJSON(r, http.MethodPost, "/timetables/commit", []byte(`{"proposalId":"proposal-1"}`)).Code)
	assert.Equal(t, http.StatusNotFound, serveJSON(r, http.MethodPost, "/timetables/commit", []byte(`{"proposalId":"other"}`)).Code)
}

func TestTimetableHandlerRuns(t *testing.T) {
	gen := &timetableGeneratorMock{}
	r := newTimetableRouter(t, gen, models.RolePlanner)

	w := serveJSON(r, http.MethodPost, "/timetables/runs", []byte(`{"sessionId":"s1","commit":true}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/timetables/runs/run-1", w.Header().Get("Location"))

	assert.Equal(t, http.StatusOK, serveJSON(r, http.MethodGet, "/timetables/runs/run-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, serveJSON(r, http.MethodGet, "/timetables/runs/run-9", nil).Code)
}

func TestTimetableHandlerAssignmentsQuery(t *testing.T) {
	gen := &timetableGeneratorMock{}
	r := newTimetableRouter(t, gen, models.RoleViewer)

	w := serveJSON(r, http.MethodGet, "/timetables/assignments?sessionId=s1&trainer=m2-t1&page=2", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", gen.query.SessionID)
	assert.Equal(t, "m2-t1", gen.query.Trainer)
	assert.Equal(t, 2, gen.query.Page)
	assert.NotNil(t, decodeEnvelope(t, w)["pagination"])
}

func TestTimetableHandlerStatsReportsCacheHit(t *testing.T) {
	r := newTimetableRouter(t, &timetableGeneratorMock{}, models.RoleViewer)

	w := serveJSON(r, http.MethodGet, "/timetables/sessions/s1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w)
	meta := envelope["meta"].(map[string]interface{})
	assert.Equal(t, true, meta["cache_hit"])
	assert.Contains(t, meta, "processing_time_ms")
	assert.NotContains(t, envelope["data"], "CacheHit")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestTimetableHandlerExportAndDownload(t *testing.T) {
	r := newTimetableRouter(t, &timetableGeneratorMock{}, models.RolePlanner)

	w := serveJSON(r, http.MethodPost, "/timetables/sessions/s1/exports", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = serveJSON(r, http.MethodGet, "/timetables/exports/download?token=good", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "timetable_s1.csv")
	assert.Contains(t, w.Body.String(), "pe1,2025-09-01")

	assert.Equal(t, http.StatusForbidden, serveJSON(r, http.MethodGet, "/timetables/exports/download?token=bad", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serveJSON(r, http.MethodGet, "/timetables/exports/download", nil).Code)
}

func TestMetricsHandlerReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(service.NewMetricsService(), map[string]ReadinessCheck{
		"database": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	})
	r := gin.New()
	r.GET("/ready", h.Ready)
	r.GET("/health", h.Health)

	w := serveJSON(r, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeEnvelope(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "ok", body["checks"].(map[string]interface{})["database"])

	w = serveJSON(r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeEnvelope(t, w), "metrics")
}
