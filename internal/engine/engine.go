// Пакет engine — движок жизненного цикла скачиваний.
//
// Связывает хранилище записей, конечный автомат, координатор передач
// и Live Progress Sink. События одного file_id обрабатываются строго
// последовательно (почтовый ящик на file_id), разные file_id — параллельно.
//
// Обработка события:
//  1. чтение текущей записи
//  2. lifecycle.Decide
//  3. durable Upsert патча (ошибка — никаких побочных действий)
//  4. действия: отмена/запуск передачи, публикация в sink
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/download-engine/internal/domain/lifecycle"
	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/notification"
	"github.com/bigkaa/download-engine/internal/sink"
	"github.com/bigkaa/download-engine/internal/storage/journal"
	"github.com/bigkaa/download-engine/internal/storage/payload"
	"github.com/bigkaa/download-engine/internal/storage/recordstore"
	"github.com/bigkaa/download-engine/internal/transfer"
)

// ErrClosed — движок остановлен.
var ErrClosed = errors.New("движок остановлен")

const (
	// terminalRetryBase — первая задержка повторной обработки терминального
	// события передачи, запись которого не сохранилась
	terminalRetryBase = time.Second
	// terminalRetryMax — предел задержки повторной обработки
	terminalRetryMax = time.Minute
)

// Transfers — координатор передач.
type Transfers interface {
	SetReporter(r transfer.Reporter)
	Start(ctx context.Context, fileID, rawURL string, expectedSize int64, opts ...transfer.StartOption) (*model.Transfer, error)
	ResumeAfterRestart(ctx context.Context, fileID string) (*model.Transfer, error)
	Cancel(fileID string)
	Pause()
	Resume()
	Paused() bool
	Active(fileID string) (*model.Transfer, bool)
	Pending() ([]*journal.Entry, error)
	Discard(fileID string)
	Close()
}

// Publisher — Live Progress Sink.
type Publisher interface {
	Publish(u sink.Update)
	Remember(fileID, title, authorName string)
	Forget(fileID string)
	Purge()
}

// Engine — движок жизненного цикла.
type Engine struct {
	store     recordstore.Store
	transfers Transfers
	files     *payload.Store
	live      Publisher
	logger    *slog.Logger

	// purgeMu: задачи почтовых ящиков выполняются под RLock, PurgeAll — под Lock
	purgeMu sync.RWMutex

	mu      sync.Mutex
	boxes   map[string]*mailbox
	current map[string]string // file_id → transfer_id текущей передачи
	closed  bool
	stopped bool
	wg      sync.WaitGroup

	retryBase time.Duration
}

// New создаёт движок и подписывает его на события координатора.
func New(store recordstore.Store, transfers Transfers, files *payload.Store, live Publisher, logger *slog.Logger) *Engine {
	e := &Engine{
		store:     store,
		transfers: transfers,
		files:     files,
		live:      live,
		logger:    logger.With(slog.String("component", "engine")),
		boxes:     make(map[string]*mailbox),
		current:   make(map[string]string),
		retryBase: terminalRetryBase,
	}
	transfers.SetReporter(e)
	return e
}

// HandleNotification разбирает push-уведомление и обрабатывает событие.
// Возвращает управление после durable записи, поэтому вызывающий
// может подтверждать доставку уведомления.
func (e *Engine) HandleNotification(ctx context.Context, payload map[string]any) error {
	ev, err := notification.Interpret(payload)
	if err != nil {
		notificationsTotal.WithLabelValues("malformed").Inc()
		e.logger.Warn("Некорректное push-уведомление", slog.String("error", err.Error()))
		return err
	}
	notificationsTotal.WithLabelValues(string(ev.Kind)).Inc()
	_, err = e.Dispatch(ctx, ev)
	return err
}

// Dispatch синхронно обрабатывает событие и возвращает запись после перехода.
func (e *Engine) Dispatch(ctx context.Context, ev model.Event) (*model.FileRecord, error) {
	if ev.FileID == "" {
		return nil, &model.MalformedNotificationError{Reason: "событие без file_id"}
	}
	return e.submit(ctx, ev.FileID, func(ctx context.Context) (*model.FileRecord, error) {
		return e.apply(ctx, ev)
	})
}

// Report принимает событие координатора передач. Не блокируется.
func (e *Engine) Report(ev model.Event) {
	e.report(ev, 0)
}

// report ставит событие передачи в почтовый ящик. Терминальное событие,
// запись которого не сохранилась, обрабатывается повторно с растущей
// задержкой: передача остаётся текущей, пока исход не записан.
func (e *Engine) report(ev model.Event, attempt int) {
	ok := e.enqueue(ev.FileID, false, func() {
		e.purgeMu.RLock()
		defer e.purgeMu.RUnlock()
		_, err := e.apply(context.Background(), ev)
		if err == nil {
			return
		}
		e.logger.Error("Ошибка обработки события передачи",
			slog.String("file_id", ev.FileID),
			slog.String("transfer_id", ev.TransferID),
			slog.String("kind", string(ev.Kind)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if ev.Kind != model.EventProgress && e.isCurrent(ev.FileID, ev.TransferID) {
			terminalRetriesTotal.Inc()
			time.AfterFunc(e.retryDelay(attempt), func() { e.report(ev, attempt+1) })
		}
	})
	if !ok {
		e.logger.Warn("Событие передачи после остановки движка отброшено",
			slog.String("file_id", ev.FileID),
			slog.String("kind", string(ev.Kind)),
		)
	}
}

// retryDelay — retryBase·2^attempt, не больше terminalRetryMax.
func (e *Engine) retryDelay(attempt int) time.Duration {
	d := e.retryBase
	for i := 0; i < attempt && d < terminalRetryMax; i++ {
		d *= 2
	}
	return min(d, terminalRetryMax)
}

// SetSessionValid приостанавливает (false) или возобновляет (true) передачи.
func (e *Engine) SetSessionValid(valid bool) {
	if valid {
		sessionValid.Set(1)
		e.transfers.Resume()
		return
	}
	sessionValid.Set(0)
	e.transfers.Pause()
}

// Close останавливает передачи (журнал сохраняется) и дожидается
// обработки уже принятых событий.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.transfers.Close()
	e.wg.Wait()

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.logger.Info("Движок остановлен")
}

// submit выполняет fn в почтовом ящике fileID и ждёт результата.
// Отмена ctx прекращает ожидание, но не обработку.
func (e *Engine) submit(ctx context.Context, fileID string, fn func(context.Context) (*model.FileRecord, error)) (*model.FileRecord, error) {
	type result struct {
		rec *model.FileRecord
		err error
	}
	ch := make(chan result, 1)
	work := context.WithoutCancel(ctx)

	ok := e.enqueue(fileID, true, func() {
		e.purgeMu.RLock()
		defer e.purgeMu.RUnlock()
		rec, err := fn(work)
		ch <- result{rec, err}
	})
	if !ok {
		return nil, ErrClosed
	}

	select {
	case r := <-ch:
		return r.rec, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apply — один шаг обработки события. Выполняется в почтовом ящике ev.FileID.
func (e *Engine) apply(ctx context.Context, ev model.Event) (*model.FileRecord, error) {
	started := time.Now()
	defer func() {
		eventDuration.WithLabelValues(string(ev.Kind)).Observe(time.Since(started).Seconds())
	}()

	// Терминальное событие текущей передачи снимает её с учёта только
	// после успешной записи исхода
	terminal := false
	if ev.TransferID != "" {
		if !e.isCurrent(ev.FileID, ev.TransferID) {
			staleTotal.Inc()
			e.logger.Debug("Событие устаревшей передачи отброшено",
				slog.String("file_id", ev.FileID),
				slog.String("transfer_id", ev.TransferID),
				slog.String("kind", string(ev.Kind)),
			)
			return e.lookup(ctx, ev.FileID)
		}
		terminal = ev.Kind != model.EventProgress
	}

	cur, err := e.lookup(ctx, ev.FileID)
	if err != nil {
		return nil, err
	}

	d := lifecycle.Decide(cur, ev)
	if d.Ignored {
		if terminal {
			e.clearTransfer(ev.FileID)
		}
		ignoredTotal.WithLabelValues(d.Err.Code).Inc()
		e.logger.Debug("Событие проигнорировано",
			slog.String("file_id", ev.FileID),
			slog.String("kind", string(ev.Kind)),
			slog.String("code", d.Err.Code),
			slog.String("reason", d.Err.Message),
		)
		return cur, nil
	}

	rec := cur
	if d.Patch != nil {
		rec, err = e.store.Upsert(ctx, d.Patch)
		if err != nil {
			e.logger.Error("Запись не сохранена, побочные действия отменены",
				slog.String("file_id", ev.FileID),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
	}
	if terminal {
		e.clearTransfer(ev.FileID)
	}
	if d.Current != d.Next {
		transitionsTotal.WithLabelValues(statusLabel(d.Current), statusLabel(d.Next)).Inc()
		e.logger.Info("Статус файла изменён",
			slog.String("file_id", ev.FileID),
			slog.String("from", statusLabel(d.Current)),
			slog.String("to", string(d.Next)),
			slog.String("event", string(ev.Kind)),
		)
	}

	for _, a := range d.Actions {
		switch a.Kind {
		case lifecycle.ActionCancelTransfer:
			e.transfers.Cancel(rec.FileID)
			e.clearTransfer(rec.FileID)

		case lifecycle.ActionStartTransfer:
			// Payload уже на диске: передача не нужна
			if existing := e.files.FinalPath(rec.FileID, extFor(rec, a.URL)); e.files.Exists(existing) {
				e.publish(rec, lifecycle.Action{Kind: lifecycle.ActionPublish, Status: model.StatusDownloading})
				return e.completeExisting(ctx, rec, existing)
			}
			if failed, err := e.startTransfer(ctx, rec, a.URL, a.Size); failed != nil || err != nil {
				return failed, err
			}

		case lifecycle.ActionPublish:
			e.publish(rec, a)

		case lifecycle.ActionRemember:
			e.live.Remember(rec.FileID, rec.Title, rec.AuthorName)
		}
	}
	return rec, nil
}

// startTransfer запускает передачу. Если запуск не удался, сразу
// обрабатывается Failed, чтобы запись не осталась в Downloading без передачи.
// Возвращает запись после Failed (nil — передача запущена).
func (e *Engine) startTransfer(ctx context.Context, rec *model.FileRecord, rawURL string, size int64) (*model.FileRecord, error) {
	opt := transfer.WithExtension(extFor(rec, rawURL))
	t, err := e.transfers.Start(ctx, rec.FileID, rawURL, size, opt)

	var conflict *model.TransferConflictError
	if errors.As(err, &conflict) {
		// Передача осталась от прежнего состояния записи: заменяем
		e.logger.Warn("Замена оставшейся передачи",
			slog.String("file_id", rec.FileID),
			slog.String("transfer_id", conflict.ActiveTransferID),
		)
		e.transfers.Cancel(rec.FileID)
		t, err = e.transfers.Start(ctx, rec.FileID, rawURL, size, opt)
	}
	if err == nil {
		e.setTransfer(rec.FileID, t.ID)
		return nil, nil
	}
	if errors.Is(err, transfer.ErrClosed) {
		// Запись остаётся Downloading и будет продолжена после рестарта
		e.logger.Warn("Передача не запущена: координатор остановлен", slog.String("file_id", rec.FileID))
		return nil, nil
	}

	startFailuresTotal.Inc()
	failure := model.Failure{Kind: model.FailurePermanent, Reason: model.ReasonStorage, Message: err.Error()}
	var tf *model.TransferFailedError
	if errors.As(err, &tf) {
		failure = tf.Failure
	}
	e.logger.Error("Не удалось запустить передачу",
		slog.String("file_id", rec.FileID),
		slog.String("error", err.Error()),
	)
	return e.apply(ctx, model.FailedEvent(rec.FileID, "", failure))
}

// completeExisting завершает файл, payload которого уже лежит на диске.
func (e *Engine) completeExisting(ctx context.Context, rec *model.FileRecord, path string) (*model.FileRecord, error) {
	sum, err := e.files.ComputeChecksum(path)
	if err != nil {
		e.logger.Warn("Не удалось вычислить checksum существующего payload",
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)
	}
	e.logger.Info("Payload уже на диске, передача не требуется",
		slog.String("file_id", rec.FileID),
		slog.String("path", path),
	)
	ev := model.CompletedEvent(rec.FileID, "", path)
	ev.Checksum = sum
	return e.apply(ctx, ev)
}

func (e *Engine) publish(rec *model.FileRecord, a lifecycle.Action) {
	u := sinkUpdate(rec, a.Status, a.ErrorMessage)
	u.Percent = a.Percent
	e.live.Publish(u)
}

func sinkUpdate(rec *model.FileRecord, status model.FileStatus, errMsg string) sink.Update {
	return sink.Update{
		FileID:       rec.FileID,
		Status:       status,
		Title:        rec.Title,
		AuthorName:   rec.AuthorName,
		ErrorMessage: errMsg,
	}
}

// lookup возвращает запись или nil, если её нет.
func (e *Engine) lookup(ctx context.Context, fileID string) (*model.FileRecord, error) {
	rec, err := e.store.Get(ctx, fileID)
	if errors.Is(err, recordstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение записи %s: %w", fileID, err)
	}
	return rec, nil
}

func (e *Engine) isCurrent(fileID, transferID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current[fileID] == transferID
}

func (e *Engine) setTransfer(fileID, transferID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current[fileID] = transferID
}

func (e *Engine) clearTransfer(fileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.current, fileID)
}

// tracked возвращает true, если у файла есть передача, терминальное
// событие которой ещё не обработано.
func (e *Engine) tracked(fileID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.current[fileID]
	return ok
}

// extFor выбирает расширение payload: из ключа файла, иначе из URL.
func extFor(rec *model.FileRecord, rawURL string) string {
	if ext := payload.ExtFromName(rec.Key); ext != "" {
		return ext
	}
	return payload.ExtFromName(rawURL)
}

func statusLabel(s model.FileStatus) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
