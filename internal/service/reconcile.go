// reconcile.go — сервис фоновой сверки записей, payload и журнала передач.
//
// Обнаруживает и исправляет:
//   - missing_payload: Downloaded-запись без файла на диске → Failed
//   - checksum_mismatch: payload не совпадает с сохранённым checksum → Failed
//   - stuck_downloading: Downloading-запись без активной передачи → перезапуск
//   - orphaned_partial: частичный файл без передачи и журнала → удаление
//   - stale_journal: запись журнала без Downloading-записи → удаление
//
// Первый проход выполняется при старте после восстановления передач
// по журналу, далее с периодом DE_RECONCILE_INTERVAL.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/storage/journal"
)

// Prometheus метрики Reconciliation
var (
	// reconcileRunsTotal — количество запусков reconciliation.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_reconcile_runs_total",
		Help: "Общее количество запусков reconciliation",
	})

	// reconcileIssuesTotal — количество обнаруженных проблем по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_engine_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных reconciliation",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность выполнения reconciliation.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "download_engine_reconcile_duration_seconds",
		Help:    "Длительность выполнения reconciliation в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IssueType — тип проблемы reconciliation.
type IssueType string

const (
	IssueMissingPayload   IssueType = "missing_payload"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
	IssueStuckDownloading IssueType = "stuck_downloading"
	IssueOrphanedPartial  IssueType = "orphaned_partial"
	IssueStaleJournal     IssueType = "stale_journal"
)

// ReconcileIssue — обнаруженная проблема.
type ReconcileIssue struct {
	Type        IssueType `json:"type"`
	FileID      string    `json:"file_id"`
	Description string    `json:"description"`
	// Repaired — проблема исправлена в этом проходе
	Repaired bool `json:"repaired"`
}

// ReconcileResult — итог одного прохода.
type ReconcileResult struct {
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
	FilesChecked int              `json:"files_checked"`
	Issues       []ReconcileIssue `json:"issues"`
}

// Lifecycle — операции движка, используемые при сверке (engine.Engine).
type Lifecycle interface {
	List(ctx context.Context) ([]*model.FileRecord, error)
	RepairPayload(ctx context.Context, fileID, reason string) (bool, error)
	Restart(ctx context.Context, fileID string) (bool, error)
}

// PayloadFiles — хранилище payload (payload.Store).
type PayloadFiles interface {
	Exists(fullPath string) bool
	ComputeChecksum(fullPath string) (string, error)
	ListPartials() ([]string, error)
}

// TransferState — состояние передач (transfer.Coordinator).
type TransferState interface {
	Active(fileID string) (*model.Transfer, bool)
	Pending() ([]*journal.Entry, error)
	Discard(fileID string)
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	engine          Lifecycle
	files           PayloadFiles
	transfers       TransferState
	interval        time.Duration
	verifyChecksums bool
	logger          *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool       // reconciliation в процессе выполнения
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис reconciliation.
// verifyChecksums включает пересчёт SHA-256 всех скачанных файлов.
func NewReconcileService(
	engine Lifecycle,
	files PayloadFiles,
	transfers TransferState,
	interval time.Duration,
	verifyChecksums bool,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		engine:          engine,
		files:           files,
		transfers:       transfers,
		interval:        interval,
		verifyChecksums: verifyChecksums,
		logger:          logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину reconciliation с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Reconciliation запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновый процесс reconciliation.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Reconciliation остановлена")
}

// IsInProgress возвращает true, если reconciliation выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// run — основной цикл фоновой горутины.
func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл reconciliation.
// Потокобезопасен: если reconciliation уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Reconciliation уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	res := &ReconcileResult{StartedAt: time.Now().UTC()}
	rs.logger.Info("Reconciliation начата")

	records, err := rs.engine.List(ctx)
	if err != nil {
		rs.logger.Error("Ошибка чтения записей", slog.String("error", err.Error()))
		records = nil
	}
	res.FilesChecked = len(records)

	downloading := make(map[string]bool)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		switch rec.Status {
		case model.StatusDownloaded:
			if issue, ok := rs.checkPayload(ctx, rec); ok {
				res.Issues = append(res.Issues, issue)
			}
		case model.StatusDownloading:
			downloading[rec.FileID] = true
			if issue, ok := rs.checkStuck(ctx, rec); ok {
				res.Issues = append(res.Issues, issue)
			}
		}
	}

	// Журнал и частичные файлы проверяются только при успешном чтении записей
	if err == nil && ctx.Err() == nil {
		res.Issues = append(res.Issues, rs.checkJournal(downloading)...)
		res.Issues = append(res.Issues, rs.checkPartials()...)
	}

	res.CompletedAt = time.Now().UTC()
	duration := res.CompletedAt.Sub(res.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range res.Issues {
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}

	rs.logger.Info("Reconciliation завершена",
		slog.Int("files_checked", res.FilesChecked),
		slog.Int("issues", len(res.Issues)),
		slog.Duration("duration", duration),
	)
	return res, false
}

// checkPayload проверяет наличие и целостность payload Downloaded-записи.
func (rs *ReconcileService) checkPayload(ctx context.Context, rec *model.FileRecord) (ReconcileIssue, bool) {
	issue := ReconcileIssue{FileID: rec.FileID}

	switch {
	case rec.LocalPath == "" || !rs.files.Exists(rec.LocalPath):
		issue.Type = IssueMissingPayload
		issue.Description = "Скачанный файл отсутствует на диске"

	case rs.verifyChecksums && rec.Checksum != "":
		actual, err := rs.files.ComputeChecksum(rec.LocalPath)
		if err != nil {
			rs.logger.Warn("Ошибка вычисления checksum",
				slog.String("file_id", rec.FileID),
				slog.String("error", err.Error()),
			)
			return issue, false
		}
		if actual == rec.Checksum {
			return issue, false
		}
		issue.Type = IssueChecksumMismatch
		issue.Description = "Checksum файла на диске не совпадает с записью"

	default:
		return issue, false
	}

	repaired, err := rs.engine.RepairPayload(ctx, rec.FileID, issue.Description)
	if err != nil {
		rs.logger.Error("Ошибка исправления записи",
			slog.String("file_id", rec.FileID),
			slog.String("type", string(issue.Type)),
			slog.String("error", err.Error()),
		)
	}
	issue.Repaired = repaired
	return issue, true
}

// checkStuck перезапускает Downloading-запись без активной передачи.
func (rs *ReconcileService) checkStuck(ctx context.Context, rec *model.FileRecord) (ReconcileIssue, bool) {
	if _, ok := rs.transfers.Active(rec.FileID); ok {
		return ReconcileIssue{}, false
	}
	restarted, err := rs.engine.Restart(ctx, rec.FileID)
	if err != nil {
		rs.logger.Error("Ошибка перезапуска передачи",
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)
	}
	if !restarted && err == nil {
		// Терминальное событие передачи ещё не обработано
		return ReconcileIssue{}, false
	}
	return ReconcileIssue{
		Type:        IssueStuckDownloading,
		FileID:      rec.FileID,
		Description: "Запись в Downloading без активной передачи",
		Repaired:    restarted,
	}, true
}

// checkJournal удаляет записи журнала файлов, которые больше не скачиваются.
func (rs *ReconcileService) checkJournal(downloading map[string]bool) []ReconcileIssue {
	entries, err := rs.transfers.Pending()
	if err != nil {
		rs.logger.Warn("Ошибка чтения журнала передач", slog.String("error", err.Error()))
		return nil
	}

	var issues []ReconcileIssue
	for _, e := range entries {
		if downloading[e.FileID] {
			continue
		}
		if _, ok := rs.transfers.Active(e.FileID); ok {
			continue
		}
		rs.transfers.Discard(e.FileID)
		issues = append(issues, ReconcileIssue{
			Type:        IssueStaleJournal,
			FileID:      e.FileID,
			Description: "Запись журнала без скачиваемого файла",
			Repaired:    true,
		})
	}
	return issues
}

// checkPartials удаляет частичные файлы без передачи и записи журнала.
func (rs *ReconcileService) checkPartials() []ReconcileIssue {
	ids, err := rs.files.ListPartials()
	if err != nil {
		rs.logger.Warn("Ошибка чтения частичных файлов", slog.String("error", err.Error()))
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	journaled := make(map[string]bool)
	entries, err := rs.transfers.Pending()
	if err != nil {
		rs.logger.Warn("Ошибка чтения журнала передач", slog.String("error", err.Error()))
		return nil
	}
	for _, e := range entries {
		journaled[e.FileID] = true
	}

	var issues []ReconcileIssue
	for _, id := range ids {
		if journaled[id] {
			continue
		}
		if _, ok := rs.transfers.Active(id); ok {
			continue
		}
		rs.transfers.Discard(id)
		issues = append(issues, ReconcileIssue{
			Type:        IssueOrphanedPartial,
			FileID:      id,
			Description: "Частичный файл без передачи",
			Repaired:    true,
		})
	}
	return issues
}
