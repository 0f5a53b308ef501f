package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/internal/dto"
	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
	"github.com/noah-isme/timetable-api/pkg/export"
	"github.com/noah-isme/timetable-api/pkg/storage"
)

// Export views.
const (
	ExportViewGroup   = "group"
	ExportViewTrainer = "trainer"
)

type sessionAssignmentReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Assignment, error)
}

type moduleLister interface {
	List(ctx context.Context) ([]models.Module, error)
}

type trainerSlotLister interface {
	ListSlots(ctx context.Context) ([]models.TrainerSlot, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type downloadSigner interface {
	Generate(exportID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (storage.DownloadClaims, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix       string
	ResultTTL       time.Duration
	CleanupInterval time.Duration
}

// ExportDownload aggregates a resolved download.
type ExportDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	Size        int64
	ExpiresAt   time.Time
}

// ExportService renders persisted session timetables into files.
type ExportService struct {
	assignments sessionAssignmentReader
	modules     moduleLister
	trainers    trainerSlotLister
	storage     fileStorage
	signer      downloadSigner
	validator   *validator.Validate
	logger      *zap.Logger
	cfg         ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(assignments sessionAssignmentReader, modules moduleLister, trainers trainerSlotLister, store fileStorage, signer downloadSigner, cfg ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ExportService{
		assignments: assignments,
		modules:     modules,
		trainers:    trainers,
		storage:     store,
		signer:      signer,
		validator:   validator.New(),
		logger:      logger,
		cfg:         cfg,
	}
}

// Export renders the assignments of a session and returns a signed link.
func (s *ExportService) Export(ctx context.Context, sessionID string, req dto.ExportRequest) (*dto.ExportResponse, error) {
	if sessionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "sessionId is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export payload")
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	renderer, err := export.NewRenderer(format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	rows, err := s.assignments.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}
	if len(rows) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("session %s has no committed timetable", sessionID))
	}
	moduleNames, trainerNames, err := s.lookups(ctx)
	if err != nil {
		return nil, err
	}

	view := req.View
	if view == "" {
		view = ExportViewGroup
	}
	dataset := buildTimetableDataset(sessionID, view, rows, moduleNames, trainerNames)
	payload, err := renderer.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	exportID := uuid.NewString()
	filename := fmt.Sprintf("timetable_%s_%s_%s.%s", sanitizeFilename(sessionID), view, time.Now().UTC().Format("20060102_150405"), format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}
	token, expiresAt, err := s.signer.Generate(exportID, relPath)
	if err != nil {
		_ = s.storage.Delete(relPath)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign export link")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	s.logger.Info("timetable exported",
		zap.String("export_id", exportID),
		zap.String("session_id", sessionID),
		zap.String("format", string(format)),
		zap.Int("rows", len(dataset.Rows)),
	)
	return &dto.ExportResponse{
		ExportID:    exportID,
		Format:      string(format),
		Rows:        len(dataset.Rows),
		DownloadURL: fmt.Sprintf("%s/timetables/exports/download?token=%s", prefix, token),
		ExpiresAt:   expiresAt,
	}, nil
}

// ResolveDownload verifies a token and opens the referenced file.
func (s *ExportService) ResolveDownload(token string) (*ExportDownload, error) {
	claims, err := s.signer.Parse(token, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrExpired, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	file, err := s.storage.Open(claims.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	var size int64
	if info, statErr := file.Stat(); statErr == nil {
		size = info.Size()
	}
	filename := filepath.Base(claims.Path)
	return &ExportDownload{
		File:        file,
		Filename:    filename,
		ContentType: contentTypeFor(filename),
		Size:        size,
		ExpiresAt:   claims.ExpiresAt,
	}, nil
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

// StartCleanup purges expired exports periodically until ctx is done.
func (s *ExportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Cleanup(0)
				if err != nil {
					s.logger.Sugar().Warnw("export cleanup failed", "error", err)
					continue
				}
				if len(removed) > 0 {
					s.logger.Sugar().Infow("expired exports removed", "count", len(removed))
				}
			}
		}
	}()
}

func (s *ExportService) lookups(ctx context.Context) (map[string]string, map[string]string, error) {
	modules, err := s.modules.List(ctx)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load modules")
	}
	slots, err := s.trainers.ListSlots(ctx)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load trainer names")
	}
	moduleNames := make(map[string]string, len(modules))
	for _, module := range modules {
		moduleNames[module.ID] = module.Name
	}
	trainerNames := make(map[string]string, len(slots))
	for _, slot := range slots {
		if slot.DisplayName != nil && strings.TrimSpace(*slot.DisplayName) != "" {
			trainerNames[slot.SlotKey] = strings.TrimSpace(*slot.DisplayName)
		}
	}
	return moduleNames, trainerNames, nil
}

func buildTimetableDataset(sessionID, view string, rows []models.Assignment, moduleNames, trainerNames map[string]string) export.Dataset {
	moduleLabel := func(id string) string {
		if id == timetable.FillerModuleID {
			return "Revision"
		}
		if name := moduleNames[id]; name != "" {
			return name
		}
		return id
	}
	trainerLabel := func(key string) string {
		if key == "" {
			return "-"
		}
		if name := trainerNames[key]; name != "" {
			return name
		}
		return key
	}

	sorted := make([]models.Assignment, len(rows))
	copy(sorted, rows)
	if view == ExportViewTrainer {
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := sorted[i], sorted[j]
			if ta, tb := trainerLabel(a.TrainerSlotKey), trainerLabel(b.TrainerSlotKey); ta != tb {
				return ta < tb
			}
			if a.DayIndex != b.DayIndex {
				return a.DayIndex < b.DayIndex
			}
			return a.Hour < b.Hour
		})
		data := export.Dataset{
			Title:   fmt.Sprintf("Trainer timetable %s", sessionID),
			Headers: []string{"Trainer", "Date", "Hour", "Module", "Group"},
		}
		for _, row := range sorted {
			if row.TrainerSlotKey == "" {
				continue
			}
			data.Rows = append(data.Rows, []string{
				trainerLabel(row.TrainerSlotKey),
				row.DayDate.Format("2006-01-02"),
				strconv.Itoa(row.Hour + 1),
				moduleLabel(row.ModuleID),
				row.GroupID,
			})
		}
		return data
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		if a.DayIndex != b.DayIndex {
			return a.DayIndex < b.DayIndex
		}
		return a.Hour < b.Hour
	})
	data := export.Dataset{
		Title:   fmt.Sprintf("Group timetable %s", sessionID),
		Headers: []string{"Group", "Date", "Hour", "Module", "Trainer"},
	}
	for _, row := range sorted {
		data.Rows = append(data.Rows, []string{
			row.GroupID,
			row.DayDate.Format("2006-01-02"),
			strconv.Itoa(row.Hour + 1),
			moduleLabel(row.ModuleID),
			trainerLabel(row.TrainerSlotKey),
		})
	}
	return data
}

func contentTypeFor(filename string) string {
	format, err := export.ParseFormat(strings.TrimPrefix(filepath.Ext(filename), "."))
	if err != nil {
		return "application/octet-stream"
	}
	renderer, err := export.NewRenderer(format)
	if err != nil {
		return "application/octet-stream"
	}
	return renderer.ContentType()
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
