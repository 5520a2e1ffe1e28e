package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/storage/jsonfile"
)

// LegacyRecord — запись из экспорта старой схемы клиента.
// status и size необязательны, url — единственная подсказка о расположении.
type LegacyRecord struct {
	FileID      string  `json:"fileId"`
	Key         string  `json:"key"`
	Status      *string `json:"status"`
	Size        *int64  `json:"size"`
	URL         *string `json:"url"`
	PublishDate *string `json:"publishDate"`
	Title       *string `json:"title"`
	AuthorName  *string `json:"authorName"`
	AuthorUser  *string `json:"authorUser"`
	ContentType *string `json:"contentType"`
	Description *string `json:"description"`
	LocalPath   *string `json:"localPath"`
}

// LegacyImportResult — итог импорта.
type LegacyImportResult struct {
	Imported int
	Skipped  int
}

// ImportLegacy переносит записи старой схемы из JSON-экспорта в store.
// Известные поля существующих записей не перезаписываются.
// Вызывается только по явному запросу (DE_LEGACY_IMPORT_PATH).
func ImportLegacy(ctx context.Context, store Store, path string, parseDate func(string) *time.Time, logger *slog.Logger) (LegacyImportResult, error) {
	logger = logger.With(slog.String("component", "legacy_import"))

	var legacy []LegacyRecord
	if err := jsonfile.Read(path, &legacy); err != nil {
		return LegacyImportResult{}, fmt.Errorf("ошибка чтения экспорта %s: %w", path, err)
	}

	var res LegacyImportResult
	for _, lr := range legacy {
		if lr.FileID == "" {
			res.Skipped++
			continue
		}

		current, err := store.Get(ctx, lr.FileID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return res, err
		}

		patch := legacyPatch(lr, parseDate)
		if current != nil {
			patch = onlyMissing(current, patch)
			if patch.IsEmpty() {
				res.Skipped++
				continue
			}
		}

		if _, err := store.Upsert(ctx, patch); err != nil {
			return res, err
		}
		res.Imported++
	}

	logger.Info("Импорт записей старой схемы завершён",
		slog.String("path", path),
		slog.Int("imported", res.Imported),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

// legacyPatch переводит запись старой схемы в патч.
// Downloaded без существующего локального файла становится Queued,
// Downloading без активной передачи — Failed (transient), чтобы
// пользователь мог повторить скачивание.
func legacyPatch(lr LegacyRecord, parseDate func(string) *time.Time) *model.FilePatch {
	p := &model.FilePatch{
		FileID:      lr.FileID,
		Size:        lr.Size,
		RemoteURL:   lr.URL,
		Title:       lr.Title,
		AuthorName:  lr.AuthorName,
		AuthorUser:  lr.AuthorUser,
		ContentType: lr.ContentType,
		Description: lr.Description,
	}
	if lr.Key != "" {
		p.Key = model.Ptr(lr.Key)
	}
	if lr.PublishDate != nil && parseDate != nil {
		p.PublishDate = parseDate(*lr.PublishDate)
	}

	status := model.StatusQueued
	if lr.Status != nil {
		switch strings.ToLower(strings.TrimSpace(*lr.Status)) {
		case "downloaded":
			if lr.LocalPath != nil && fileExists(*lr.LocalPath) {
				status = model.StatusDownloaded
				p.LocalPath = lr.LocalPath
			}
		case "downloading":
			status = model.StatusFailed
			p.Failure = &model.Failure{
				Kind:    model.FailureTransient,
				Reason:  model.ReasonCanceled,
				Message: "передача прервана при переходе со старой схемы",
			}
		case "failed":
			status = model.StatusFailed
			p.Failure = &model.Failure{Kind: model.FailureTransient, Reason: model.ReasonNetwork}
		}
	}
	p.Status = model.Ptr(status)
	return p
}

// onlyMissing оставляет в патче только поля, которых нет в записи.
func onlyMissing(cur *model.FileRecord, p *model.FilePatch) *model.FilePatch {
	out := &model.FilePatch{FileID: p.FileID}
	if cur.Key == "" {
		out.Key = p.Key
	}
	if cur.PublishDate == nil {
		out.PublishDate = p.PublishDate
	}
	if cur.Size == nil {
		out.Size = p.Size
	}
	if cur.RemoteURL == "" {
		out.RemoteURL = p.RemoteURL
	}
	if cur.Title == "" {
		out.Title = p.Title
	}
	if cur.AuthorName == "" {
		out.AuthorName = p.AuthorName
	}
	if cur.AuthorUser == "" {
		out.AuthorUser = p.AuthorUser
	}
	if cur.ContentType == "" {
		out.ContentType = p.ContentType
	}
	if cur.Description == "" {
		out.Description = p.Description
	}
	return out
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
