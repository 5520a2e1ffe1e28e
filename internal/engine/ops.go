package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/storage/recordstore"
)

// ErrNotRetryable — повтор возможен только для Failed-записи с известной ссылкой.
var ErrNotRetryable = errors.New("повтор скачивания недоступен")

// RecoverResult — итог восстановления после рестарта.
type RecoverResult struct {
	// Resumed — передачи, продолженные по журналу
	Resumed int
	// Restarted — передачи, начатые заново (нет частичных данных)
	Restarted int
	// Discarded — записи журнала без Downloading-записи
	Discarded int
}

// Get возвращает запись файла.
func (e *Engine) Get(ctx context.Context, fileID string) (*model.FileRecord, error) {
	return e.store.Get(ctx, fileID)
}

// List возвращает все записи (новые первыми).
func (e *Engine) List(ctx context.Context) ([]*model.FileRecord, error) {
	return e.store.List(ctx)
}

// Delete отменяет передачу, удаляет payload и затем запись.
// Отсутствие записи не является ошибкой.
func (e *Engine) Delete(ctx context.Context, fileID string) error {
	_, err := e.submit(ctx, fileID, func(ctx context.Context) (*model.FileRecord, error) {
		e.transfers.Cancel(fileID)
		e.clearTransfer(fileID)
		e.transfers.Discard(fileID)

		rec, err := e.lookup(ctx, fileID)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.LocalPath != "" && e.files.Owns(rec.LocalPath) {
			if err := e.files.Remove(rec.LocalPath); err != nil {
				return nil, &model.StorageError{Op: "delete_payload", FileID: fileID, Err: err}
			}
		}
		if err := e.store.Delete(ctx, fileID); err != nil {
			return nil, err
		}
		e.live.Forget(fileID)
		if rec != nil {
			e.logger.Info("Файл удалён", slog.String("file_id", fileID))
		}
		return nil, nil
	})
	return err
}

// PurgeAll удаляет все записи, передачи и payload (выход пользователя).
func (e *Engine) PurgeAll(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.purgeMu.Lock()
	defer e.purgeMu.Unlock()

	records, err := e.store.List(ctx)
	if err != nil {
		return err
	}

	ids := make(map[string]struct{})
	e.mu.Lock()
	for id := range e.current {
		ids[id] = struct{}{}
	}
	clear(e.current)
	e.mu.Unlock()
	for _, r := range records {
		if r.Status == model.StatusDownloading {
			ids[r.FileID] = struct{}{}
		}
	}
	for id := range ids {
		e.transfers.Cancel(id)
	}

	if err := e.store.PurgeAll(ctx); err != nil {
		return err
	}

	pending, err := e.transfers.Pending()
	if err != nil {
		e.logger.Warn("Ошибка чтения журнала при очистке", slog.String("error", err.Error()))
	}
	for _, entry := range pending {
		e.transfers.Discard(entry.FileID)
	}

	removed, err := e.files.Purge()
	if err != nil {
		return &model.StorageError{Op: "purge_payload", Err: err}
	}
	e.live.Purge()

	e.logger.Info("Все данные удалены",
		slog.Int("records", len(records)),
		slog.Int("files", removed),
	)
	return nil
}

// Retry повторяет скачивание Failed-файла по сохранённой ссылке
// (внешний повтор: повторный DownloadReady).
func (e *Engine) Retry(ctx context.Context, fileID string) (*model.FileRecord, error) {
	return e.submit(ctx, fileID, func(ctx context.Context) (*model.FileRecord, error) {
		rec, err := e.lookup(ctx, fileID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, recordstore.ErrNotFound
		}
		if rec.Status != model.StatusFailed {
			return nil, fmt.Errorf("%w: статус %s", ErrNotRetryable, rec.Status)
		}
		if rec.RemoteURL == "" {
			return nil, fmt.Errorf("%w: ссылка неизвестна", ErrNotRetryable)
		}
		var size int64
		if rec.Size != nil {
			size = *rec.Size
		}
		e.logger.Info("Повтор скачивания", slog.String("file_id", fileID))
		return e.apply(ctx, model.DownloadReadyEvent(fileID, rec.RemoteURL, size))
	})
}

type recoverOutcome int

const (
	outcomeNone recoverOutcome = iota
	outcomeResumed
	outcomeRestarted
	outcomeDiscarded
)

// Recover продолжает передачи, оставшиеся в журнале после рестарта.
// Записи журнала без Downloading-записи удаляются вместе с частичными данными.
func (e *Engine) Recover(ctx context.Context) (RecoverResult, error) {
	var res RecoverResult

	entries, err := e.transfers.Pending()
	if err != nil {
		return res, &model.StorageError{Op: "recover_journal", Err: err}
	}

	for _, entry := range entries {
		fileID := entry.FileID
		var outcome recoverOutcome
		_, err := e.submit(ctx, fileID, func(ctx context.Context) (*model.FileRecord, error) {
			rec, err := e.lookup(ctx, fileID)
			if err != nil {
				return nil, err
			}
			if rec == nil || rec.Status != model.StatusDownloading {
				e.transfers.Discard(fileID)
				outcome = outcomeDiscarded
				return rec, nil
			}

			t, err := e.transfers.ResumeAfterRestart(ctx, fileID)
			if err != nil {
				e.logger.Warn("Передача не продолжена по журналу",
					slog.String("file_id", fileID),
					slog.String("error", err.Error()),
				)
				e.transfers.Discard(fileID)
			}
			if t != nil {
				e.setTransfer(fileID, t.ID)
				outcome = outcomeResumed
				return rec, nil
			}
			outcome = outcomeRestarted
			return e.restart(ctx, rec)
		})
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeResumed:
			res.Resumed++
		case outcomeRestarted:
			res.Restarted++
		case outcomeDiscarded:
			res.Discarded++
		}
	}

	e.logger.Info("Восстановление после рестарта завершено",
		slog.Int("resumed", res.Resumed),
		slog.Int("restarted", res.Restarted),
		slog.Int("discarded", res.Discarded),
	)
	return res, nil
}

// Restart запускает заново Downloading-файл без передачи.
// Возвращает false, если у файла есть передача или он не в Downloading.
func (e *Engine) Restart(ctx context.Context, fileID string) (bool, error) {
	restarted := false
	_, err := e.submit(ctx, fileID, func(ctx context.Context) (*model.FileRecord, error) {
		rec, err := e.lookup(ctx, fileID)
		if err != nil || rec == nil || rec.Status != model.StatusDownloading {
			return rec, err
		}
		if e.tracked(fileID) {
			return rec, nil
		}
		if _, ok := e.transfers.Active(fileID); ok {
			return rec, nil
		}
		restarted = true
		return e.restart(ctx, rec)
	})
	return restarted, err
}

// restart запускает передачу Downloading-записи с нуля.
// Выполняется в почтовом ящике rec.FileID.
func (e *Engine) restart(ctx context.Context, rec *model.FileRecord) (*model.FileRecord, error) {
	if existing := e.files.FinalPath(rec.FileID, extFor(rec, rec.RemoteURL)); e.files.Exists(existing) {
		return e.completeExisting(ctx, rec, existing)
	}
	if rec.RemoteURL == "" {
		return e.apply(ctx, model.FailedEvent(rec.FileID, "", model.Failure{
			Kind:    model.FailurePermanent,
			Reason:  model.ReasonNotFound,
			Message: "нет ссылки для продолжения передачи",
		}))
	}
	var size int64
	if rec.Size != nil {
		size = *rec.Size
	}
	e.logger.Info("Передача начата заново", slog.String("file_id", rec.FileID))
	if failed, err := e.startTransfer(ctx, rec, rec.RemoteURL, size); failed != nil || err != nil {
		return failed, err
	}
	return rec, nil
}

// RepairPayload переводит Downloaded-файл без корректного payload в Failed
// и удаляет повреждённый файл. Повтор возможен через Retry.
func (e *Engine) RepairPayload(ctx context.Context, fileID, reason string) (bool, error) {
	repaired := false
	_, err := e.submit(ctx, fileID, func(ctx context.Context) (*model.FileRecord, error) {
		rec, err := e.lookup(ctx, fileID)
		if err != nil || rec == nil || rec.Status != model.StatusDownloaded {
			return rec, err
		}
		if rec.LocalPath != "" && e.files.Owns(rec.LocalPath) {
			if err := e.files.Remove(rec.LocalPath); err != nil {
				return nil, &model.StorageError{Op: "repair_payload", FileID: fileID, Err: err}
			}
		}

		failure := model.Failure{Kind: model.FailurePermanent, Reason: model.ReasonStorage, Message: reason}
		rec, err = e.store.Upsert(ctx, &model.FilePatch{
			FileID:    fileID,
			Status:    model.Ptr(model.StatusFailed),
			LocalPath: model.Ptr(""),
			Checksum:  model.Ptr(""),
			Failure:   &failure,
		})
		if err != nil {
			return nil, err
		}
		repaired = true
		transitionsTotal.WithLabelValues(string(model.StatusDownloaded), string(model.StatusFailed)).Inc()
		e.logger.Warn("Payload повреждён или отсутствует, файл переведён в Failed",
			slog.String("file_id", fileID),
			slog.String("reason", reason),
		)
		e.live.Publish(sinkUpdate(rec, model.StatusFailed, reason))
		return rec, nil
	})
	return repaired, err
}
