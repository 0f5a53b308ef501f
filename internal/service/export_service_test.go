package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/internal/dto"
	"github.com/noah-isme/timetable-api/internal/models"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
	"github.com/noah-isme/timetable-api/pkg/storage"
)

type exportAssignmentsStub struct {
	rows []models.Assignment
	err  error
}

func (s exportAssignmentsStub) ListBySession(ctx context.Context, sessionID string) ([]models.Assignment, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.Assignment, 0, len(s.rows))
	for _, row := range s.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

type exportModulesStub struct{}

func (exportModulesStub) List(ctx context.Context) ([]models.Module, error) {
	return []models.Module{{ID: "math", Name: "Mathematics"}, {ID: "law", Name: "Labour law"}}, nil
}

type exportTrainersStub struct{}

func (exportTrainersStub) ListSlots(ctx context.Context) ([]models.TrainerSlot, error) {
	name := "A. Petrova"
	return []models.TrainerSlot{{SlotKey: "math_1", ModuleID: "math", DisplayName: &name}}, nil
}

func exportRows() []models.Assignment {
	day := time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)
	return []models.Assignment{
		{SessionID: "s1", GroupID: "welders_2", ModuleID: "law", TrainerSlotKey: "law_1", DayIndex: 0, Hour: 1, DayDate: day},
		{SessionID: "s1", GroupID: "welders_1", ModuleID: "math", TrainerSlotKey: "math_1", DayIndex: 0, Hour: 0, DayDate: day},
		{SessionID: "s1", GroupID: "welders_1", ModuleID: "revision", DayIndex: 0, Hour: 1, DayDate: day},
	}
}

func newExportServiceForTest(t *testing.T, rows []models.Assignment) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	svc := NewExportService(exportAssignmentsStub{rows: rows}, exportModulesStub{}, exportTrainersStub{}, store, signer, cfg, zap.NewNop())
	return svc, store
}

func tokenFromURL(t *testing.T, raw string) string {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	return parsed.Query().Get("token")
}

func TestExportServiceGroupViewCSV(t *testing.T) {
	svc, _ := newExportServiceForTest(t, exportRows())

	result, err := svc.Export(context.Background(), "s1", dto.ExportRequest{Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, "csv", result.Format)
	assert.Equal(t, 3, result.Rows)
	assert.True(t, strings.HasPrefix(result.DownloadURL, "/api/v1/timetables/exports/download?token="))

	download, err := svc.ResolveDownload(tokenFromURL(t, result.DownloadURL))
	require.NoError(t, err)
	defer download.File.Close() //nolint:errcheck
	assert.Equal(t, "text/csv", download.ContentType)
	assert.Greater(t, download.Size, int64(0))

	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Group,Date,Hour,Module,Trainer", strings.TrimSpace(lines[0]))
	assert.Contains(t, lines[1], "welders_1,2024-09-02,1,Mathematics,A. Petrova")
	assert.Contains(t, lines[2], "welders_1,2024-09-02,2,Revision,-")
	assert.Contains(t, lines[3], "welders_2,2024-09-02,2,Labour law,law_1")
}

func TestExportServiceTrainerViewSkipsFiller(t *testing.T) {
	svc, _ := newExportServiceForTest(t, exportRows())

	result, err := svc.Export(context.Background(), "s1", dto.ExportRequest{Format: "xlsx", View: ExportViewTrainer})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rows)

	download, err := svc.ResolveDownload(tokenFromURL(t, result.DownloadURL))
	require.NoError(t, err)
	defer download.File.Close() //nolint:errcheck
	assert.Contains(t, download.Filename, "_trainer_")
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", download.ContentType)
}

func TestExportServicePDF(t *testing.T) {
	svc, _ := newExportServiceForTest(t, exportRows())

	result, err := svc.Export(context.Background(), "s1", dto.ExportRequest{Format: "pdf"})
	require.NoError(t, err)

	download, err := svc.ResolveDownload(tokenFromURL(t, result.DownloadURL))
	require.NoError(t, err)
	defer download.File.Close() //nolint:errcheck
	assert.Equal(t, "application/pdf", download.ContentType)
}

func TestExportServiceRejectsEmptySession(t *testing.T) {
	svc, _ := newExportServiceForTest(t, exportRows())

	_, err := svc.Export(context.Background(), "s2", dto.ExportRequest{})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.Status)
}

func TestExportServiceRejectsUnknownFormat(t *testing.T) {
	svc, _ := newExportServiceForTest(t, exportRows())

	_, err := svc.Export(context.Background(), "s1", dto.ExportRequest{Format: "docx"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestExportServiceResolveDownloadErrors(t *testing.T) {
	svc, _ := newExportServiceForTest(t, exportRows())

	_, err := svc.ResolveDownload("garbage")
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusForbidden, appErr.Status)

	expired := storage.NewSignedURLSigner("secret", time.Nanosecond)
	token, _, err := expired.Generate("exp-1", "timetable_s1.csv")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = svc.ResolveDownload(token)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusGone, appErr.Status)
}

func TestExportServiceResolveDownloadMissingFile(t *testing.T) {
	svc, store := newExportServiceForTest(t, exportRows())

	result, err := svc.Export(context.Background(), "s1", dto.ExportRequest{})
	require.NoError(t, err)
	token := tokenFromURL(t, result.DownloadURL)

	removed, err := store.CleanupOlderThan(-time.Minute)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	_, err = svc.ResolveDownload(token)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.Status)
}

func TestExportServiceCleanup(t *testing.T) {
	svc, _ := newExportServiceForTest(t, exportRows())

	_, err := svc.Export(context.Background(), "s1", dto.ExportRequest{})
	require.NoError(t, err)

	removed, err := svc.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)

	time.Sleep(10 * time.Millisecond)
	removed, err = svc.Cleanup(time.Nanosecond)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "na", sanitizeFilename(""))
	assert.Equal(t, "autumn_2024-a", sanitizeFilename("autumn 2024/a"))
	assert.NotContains(t, sanitizeFilename("../../etc"), "..")
}
