package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/storage/journal"
	"github.com/bigkaa/download-engine/internal/storage/payload"
)

// ErrClosed — координатор остановлен, новые передачи не принимаются.
var ErrClosed = errors.New("координатор передач остановлен")

// Причины отмены контекста передачи (context.Cause).
var (
	errCanceled = errors.New("передача отменена")
	errPaused   = errors.New("сессия невалидна, передача приостановлена")
	errStalled  = errors.New("нет данных дольше таймаута неактивности")
	errClosing  = errors.New("координатор останавливается")
)

const copyBufferSize = 32 << 10

// Reporter — получатель событий передачи (Progress, Completed, Failed).
// Report не должен блокироваться.
type Reporter interface {
	Report(ev model.Event)
}

// Config — параметры координатора.
type Config struct {
	// ProgressInterval — минимальный интервал между событиями Progress
	ProgressInterval time.Duration
	// StallTimeout — таймаут неактивности передачи (0 — без ограничения)
	StallTimeout time.Duration
}

// StartOption — опция запуска передачи.
type StartOption func(*startOptions)

type startOptions struct {
	ext string
}

// WithExtension задаёт расширение постоянного файла payload.
func WithExtension(ext string) StartOption {
	return func(o *startOptions) { o.ext = ext }
}

// job — одна передача. Поля cancel/done/parked/ended защищены Coordinator.mu,
// lastTick/lastPct принадлежат горутине передачи.
type job struct {
	id        string
	fileID    string
	url       string
	ext       string
	startedAt time.Time

	received     atomic.Int64
	expected     atomic.Int64
	lastActivity atomic.Int64
	validator    atomic.Pointer[string]

	cancel context.CancelCauseFunc
	done   chan struct{}
	parked bool
	ended  bool

	// terminated закрывается, когда передача снята с учёта
	terminated chan struct{}

	lastTick time.Time
	lastPct  int

	once sync.Once
}

func (j *job) touch(now time.Time) {
	j.lastActivity.Store(now.UnixNano())
}

func (j *job) getValidator() string {
	if v := j.validator.Load(); v != nil {
		return *v
	}
	return ""
}

func (j *job) setValidator(v string) {
	j.validator.Store(&v)
}

// Coordinator — координатор передач: не более одной передачи на file_id.
type Coordinator struct {
	client  *Client
	files   *payload.Store
	journal *journal.Journal
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	reporter Reporter
	active   map[string]*job
	paused   bool
	closed   bool
	wg       sync.WaitGroup
}

// NewCoordinator создаёт координатор передач.
func NewCoordinator(client *Client, files *payload.Store, jr *journal.Journal, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client:  client,
		files:   files,
		journal: jr,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "transfer")),
		now:     time.Now,
		active:  make(map[string]*job),
	}
}

// SetReporter задаёт получателя событий. Вызывается один раз при сборке движка.
func (c *Coordinator) SetReporter(r Reporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporter = r
}

// Start запускает передачу для fileID.
// Запись журнала создаётся до первого запроса. Если сессия невалидна,
// передача регистрируется приостановленной и стартует при Resume.
func (c *Coordinator) Start(ctx context.Context, fileID, rawURL string, expectedSize int64, opts ...StartOption) (*model.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := startOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if cur, ok := c.active[fileID]; ok {
		return nil, &model.TransferConflictError{FileID: fileID, ActiveTransferID: cur.id}
	}

	j := &job{
		id:         uuid.NewString(),
		fileID:     fileID,
		url:        rawURL,
		ext:        payload.SanitizeExt(o.ext),
		startedAt:  c.now().UTC(),
		lastPct:    -1,
		terminated: make(chan struct{}),
	}
	j.expected.Store(max(expectedSize, 0))

	if err := c.journal.Put(c.entryOf(j, c.paused)); err != nil {
		return nil, failedError(fileID, storageFailure(err), err)
	}
	c.register(j)

	c.logger.Info("Передача запущена",
		slog.String("file_id", fileID),
		slog.String("transfer_id", j.id),
		slog.String("host", hostOf(rawURL)),
		slog.Int64("expected_size", expectedSize),
		slog.Bool("paused", j.parked),
	)
	return c.snapshot(j), nil
}

// ResumeAfterRestart восстанавливает передачу по записи журнала
// и частично скачанным данным. Возвращает nil, nil если продолжать нечего.
func (c *Coordinator) ResumeAfterRestart(ctx context.Context, fileID string) (*model.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := c.journal.Get(fileID)
	if errors.Is(err, journal.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, failedError(fileID, storageFailure(err), err)
	}
	if entry.URL == "" {
		c.Discard(fileID)
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if cur, ok := c.active[fileID]; ok {
		return nil, &model.TransferConflictError{FileID: fileID, ActiveTransferID: cur.id}
	}

	id := entry.TransferID
	if id == "" {
		id = uuid.NewString()
	}
	startedAt := entry.StartedAt
	if startedAt.IsZero() {
		startedAt = c.now().UTC()
	}
	j := &job{
		id:         id,
		fileID:     fileID,
		url:        entry.URL,
		ext:        payload.SanitizeExt(entry.Ext),
		startedAt:  startedAt,
		lastPct:    -1,
		terminated: make(chan struct{}),
	}

	// Журнал обновляется реже, чем пишется файл: берём меньшее смещение
	offset := min(entry.BytesReceived, c.files.PartialSize(fileID))
	j.received.Store(max(offset, 0))
	j.expected.Store(max(entry.BytesExpected, 0))
	if offset > 0 {
		j.setValidator(entry.Validator)
	}
	c.register(j)

	c.logger.Info("Передача возобновлена после рестарта",
		slog.String("file_id", fileID),
		slog.String("transfer_id", j.id),
		slog.Int64("offset", offset),
		slog.Bool("paused", j.parked),
	)
	return c.snapshot(j), nil
}

// Cancel отменяет передачу. Идемпотентен.
// Если передача ещё не завершилась, отправляется единственный
// терминальный Failed{transient, canceled}. После возврата fileID
// свободен для Start.
func (c *Coordinator) Cancel(fileID string) {
	c.mu.Lock()
	j, ok := c.active[fileID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if j.ended {
		// Терминальный исход уже доставляется, ждём снятия с учёта
		terminated := j.terminated
		c.mu.Unlock()
		<-terminated
		return
	}
	cancel, done := j.cancel, j.done
	if cancel == nil {
		// Приостановленная передача не должна стартовать при Resume
		j.ended = true
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel(errCanceled)
		<-done
		return
	}

	if done != nil {
		<-done
	}
	c.terminate(j, model.FailedEvent(j.fileID, j.id, canceledFailure()))
}

// Pause останавливает HTTP-запросы всех передач.
// Частичные данные и журнал сохраняются, терминальных событий нет.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	if c.paused || c.closed {
		c.mu.Unlock()
		return
	}
	c.paused = true

	var waits []chan struct{}
	for _, j := range c.active {
		if j.ended {
			continue
		}
		if j.cancel != nil {
			j.cancel(errPaused)
			j.cancel = nil
			waits = append(waits, j.done)
		}
		if !j.parked {
			j.parked = true
			pausedTransfers.Inc()
		}
	}
	c.mu.Unlock()

	for _, d := range waits {
		<-d
	}
	c.logger.Info("Передачи приостановлены", slog.Int("count", len(waits)))
}

// Resume перезапускает приостановленные передачи запросом Range
// с сохранённого смещения.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paused || c.closed {
		return
	}
	c.paused = false

	n := 0
	for _, j := range c.active {
		if j.parked && !j.ended {
			c.launch(j)
			n++
		}
	}
	c.logger.Info("Передачи возобновлены", slog.Int("count", n))
}

// Paused возвращает true, если передачи приостановлены.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Active возвращает копию состояния активной передачи.
func (c *Coordinator) Active(fileID string) (*model.Transfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.active[fileID]
	if !ok || j.ended {
		return nil, false
	}
	return c.snapshot(j), true
}

// ActiveCount возвращает количество активных передач.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, j := range c.active {
		if !j.ended {
			n++
		}
	}
	return n
}

// AbortStalled прерывает передачи без прогресса дольше StallTimeout.
// Приостановленные передачи не проверяются. Возвращает число прерванных.
func (c *Coordinator) AbortStalled(now time.Time) int {
	if c.cfg.StallTimeout <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, j := range c.active {
		if j.ended || j.cancel == nil {
			continue
		}
		idle := now.Sub(time.Unix(0, j.lastActivity.Load()))
		if idle <= c.cfg.StallTimeout {
			continue
		}
		c.logger.Warn("Передача без прогресса, прерывание",
			slog.String("file_id", j.fileID),
			slog.String("transfer_id", j.id),
			slog.Duration("idle", idle),
		)
		j.cancel(errStalled)
		stalledTotal.Inc()
		n++
	}
	return n
}

// Pending возвращает записи журнала, оставшиеся от прошлого запуска.
func (c *Coordinator) Pending() ([]*journal.Entry, error) {
	return c.journal.RecoverPending()
}

// Discard удаляет запись журнала и частичные данные неактивной передачи.
func (c *Coordinator) Discard(fileID string) {
	c.mu.Lock()
	_, busy := c.active[fileID]
	c.mu.Unlock()
	if busy {
		return
	}
	if err := c.files.RemovePartial(fileID); err != nil {
		c.logger.Warn("Не удалось удалить частичный файл",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
	if err := c.journal.Remove(fileID); err != nil {
		c.logger.Warn("Не удалось удалить запись журнала",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}

// Close останавливает все передачи без терминальных событий.
// Журнал сохраняется для продолжения после рестарта.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, j := range c.active {
		if j.cancel != nil && !j.ended {
			j.cancel(errClosing)
			j.cancel = nil
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Координатор передач остановлен")
}

// register добавляет передачу и запускает её, если сессия валидна.
// Вызывается под c.mu.
func (c *Coordinator) register(j *job) {
	c.active[j.fileID] = j
	activeTransfers.Inc()
	if c.paused {
		j.parked = true
		pausedTransfers.Inc()
		return
	}
	c.launch(j)
}

// launch запускает горутину передачи. Вызывается под c.mu.
func (c *Coordinator) launch(j *job) {
	ctx, cancel := context.WithCancelCause(context.Background())
	prev := j.done
	done := make(chan struct{})
	j.cancel, j.done = cancel, done
	if j.parked {
		j.parked = false
		pausedTransfers.Dec()
	}
	j.touch(c.now())

	c.wg.Add(1)
	go c.run(ctx, j, prev, done)
}

// run — горутина передачи: скачивание и терминальный исход.
func (c *Coordinator) run(ctx context.Context, j *job, prev, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	// Предыдущая горутина этой передачи могла ещё не выйти после паузы
	if prev != nil {
		<-prev
	}

	res, err := c.download(ctx, j)
	if err == nil {
		ev := model.CompletedEvent(j.fileID, j.id, res.Path)
		ev.Checksum = res.Checksum
		ev.Bytes = res.Size
		c.terminate(j, ev)
		return
	}

	cause := context.Cause(ctx)
	var failure model.Failure
	switch {
	case errors.Is(cause, errPaused), errors.Is(cause, errClosing):
		c.suspend(j, errors.Is(cause, errPaused))
		return
	case errors.Is(err, ErrTokenUnavailable):
		if c.Paused() {
			c.suspend(j, true)
			return
		}
		failure = model.Failure{Kind: model.FailureTransient, Reason: model.ReasonSession, Message: err.Error()}
	case errors.Is(cause, errCanceled):
		failure = canceledFailure()
	case errors.Is(cause, errStalled):
		failure = model.Failure{
			Kind:    model.FailureTransient,
			Reason:  model.ReasonTimeout,
			Message: fmt.Sprintf("%s (%s)", errStalled, c.cfg.StallTimeout),
		}
	default:
		var tf *model.TransferFailedError
		if errors.As(err, &tf) {
			failure = tf.Failure
		} else {
			failure = classifyError(err)
		}
	}
	c.terminate(j, model.FailedEvent(j.fileID, j.id, failure))
}

// download выполняет один HTTP-запрос и перемещает payload в постоянный путь.
func (c *Coordinator) download(ctx context.Context, j *job) (*payload.Result, error) {
	offset := j.received.Load()

	resp, err := c.client.Fetch(ctx, j.url, offset, j.getValidator())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		// продолжение с offset
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if offset > 0 {
			c.logger.Info("Источник не поддержал продолжение, передача начата заново",
				slog.String("file_id", j.fileID),
				slog.Int64("offset", offset),
			)
		}
		offset = 0
		j.received.Store(0)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 && offset == j.expected.Load():
		// Все данные уже получены до рестарта
		return c.finalize(j)
	default:
		return nil, failedError(j.fileID, classifyStatus(resp.StatusCode), nil)
	}

	if v := validatorOf(resp); v != "" {
		j.setValidator(v)
	}
	if j.expected.Load() <= 0 && resp.ContentLength > 0 {
		j.expected.Store(offset + resp.ContentLength)
	}

	f, err := c.files.OpenPartial(j.fileID, offset)
	if err != nil {
		return nil, failedError(j.fileID, storageFailure(err), err)
	}
	c.saveJournal(j, false)

	copyErr := c.copyBody(j, f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return nil, copyErr
	}
	if closeErr != nil {
		return nil, failedError(j.fileID, storageFailure(closeErr), closeErr)
	}

	if exp := j.expected.Load(); exp > 0 && j.received.Load() != exp {
		return nil, failedError(j.fileID, model.Failure{
			Kind:    model.FailurePermanent,
			Reason:  model.ReasonSizeMismatch,
			Message: fmt.Sprintf("получено %d байт, ожидалось %d", j.received.Load(), exp),
		}, nil)
	}
	return c.finalize(j)
}

func (c *Coordinator) finalize(j *job) (*payload.Result, error) {
	res, err := c.files.Finalize(j.fileID, j.ext)
	if err != nil {
		return nil, failedError(j.fileID, storageFailure(err), err)
	}
	return res, nil
}

// copyBody копирует тело ответа в частичный файл, учитывая прогресс.
// Ошибка записи на диск — storage, ошибка чтения — сетевая.
func (c *Coordinator) copyBody(j *job, f *os.File, body io.Reader) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return failedError(j.fileID, storageFailure(werr), werr)
			}
			j.received.Add(int64(n))
			j.touch(c.now())
			bytesReceivedTotal.Add(float64(n))
			c.tick(j)
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// tick обновляет журнал и отправляет Progress не чаще ProgressInterval.
// 100% через Progress не отправляется, только через Completed.
func (c *Coordinator) tick(j *job) {
	now := c.now()
	if !j.lastTick.IsZero() && now.Sub(j.lastTick) < c.cfg.ProgressInterval {
		return
	}
	j.lastTick = now
	c.saveJournal(j, false)

	exp := j.expected.Load()
	if exp <= 0 {
		return
	}
	pct := int(j.received.Load() * 100 / exp)
	if pct >= 100 {
		pct = 99
	}
	if pct == j.lastPct {
		return
	}
	j.lastPct = pct
	c.report(model.ProgressEvent(j.fileID, j.id, pct))
}

// suspend фиксирует в журнале смещение остановленной передачи.
func (c *Coordinator) suspend(j *job, paused bool) {
	c.saveJournal(j, paused)
	c.logger.Info("Передача остановлена без завершения",
		slog.String("file_id", j.fileID),
		slog.String("transfer_id", j.id),
		slog.Int64("bytes_received", j.received.Load()),
		slog.Bool("paused", paused),
	)
}

// terminate доставляет единственный терминальный исход передачи.
// Частичные данные и журнал удаляются до снятия передачи с учёта.
func (c *Coordinator) terminate(j *job, ev model.Event) {
	j.once.Do(func() {
		c.mu.Lock()
		j.ended = true
		c.mu.Unlock()

		if ev.Kind != model.EventCompleted {
			if err := c.files.RemovePartial(j.fileID); err != nil {
				c.logger.Warn("Не удалось удалить частичный файл",
					slog.String("file_id", j.fileID),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := c.journal.Remove(j.fileID); err != nil {
			c.logger.Warn("Не удалось удалить запись журнала",
				slog.String("file_id", j.fileID),
				slog.String("error", err.Error()),
			)
		}

		c.mu.Lock()
		if c.active[j.fileID] == j {
			delete(c.active, j.fileID)
		}
		if j.parked {
			j.parked = false
			pausedTransfers.Dec()
		}
		c.mu.Unlock()
		close(j.terminated)

		activeTransfers.Dec()
		transferDuration.Observe(c.now().Sub(j.startedAt).Seconds())

		if ev.Kind == model.EventCompleted {
			outcomesTotal.WithLabelValues("completed", "").Inc()
			c.logger.Info("Передача завершена",
				slog.String("file_id", j.fileID),
				slog.String("transfer_id", j.id),
				slog.Int64("size", ev.Bytes),
				slog.String("checksum", ev.Checksum),
			)
		} else {
			outcomesTotal.WithLabelValues(string(ev.Failure.Kind), string(ev.Failure.Reason)).Inc()
			c.logger.Warn("Передача завершилась ошибкой",
				slog.String("file_id", j.fileID),
				slog.String("transfer_id", j.id),
				slog.String("kind", string(ev.Failure.Kind)),
				slog.String("reason", string(ev.Failure.Reason)),
				slog.String("error", ev.Failure.Message),
			)
		}
		c.report(ev)
	})
}

func canceledFailure() model.Failure {
	return model.Failure{Kind: model.FailureTransient, Reason: model.ReasonCanceled, Message: errCanceled.Error()}
}

func (c *Coordinator) report(ev model.Event) {
	c.mu.Lock()
	r := c.reporter
	c.mu.Unlock()
	if r != nil {
		r.Report(ev)
	}
}

func (c *Coordinator) saveJournal(j *job, paused bool) {
	if err := c.journal.Put(c.entryOf(j, paused)); err != nil {
		c.logger.Warn("Не удалось обновить журнал передачи",
			slog.String("file_id", j.fileID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) entryOf(j *job, paused bool) *journal.Entry {
	return &journal.Entry{
		TransferID:    j.id,
		FileID:        j.fileID,
		URL:           j.url,
		Ext:           j.ext,
		PartialPath:   c.files.PartialPath(j.fileID),
		BytesReceived: j.received.Load(),
		BytesExpected: j.expected.Load(),
		Validator:     j.getValidator(),
		Paused:        paused,
		StartedAt:     j.startedAt,
	}
}

// snapshot возвращает копию состояния передачи. Вызывается под c.mu.
func (c *Coordinator) snapshot(j *job) *model.Transfer {
	return &model.Transfer{
		ID:            j.id,
		FileID:        j.fileID,
		URL:           j.url,
		BytesReceived: j.received.Load(),
		BytesExpected: j.expected.Load(),
		ResumeToken:   j.getValidator(),
		StartedAt:     j.startedAt,
		Paused:        j.parked,
	}
}
