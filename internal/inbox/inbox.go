// Пакет inbox — приём push-уведомлений через директорию.
//
// Каждый *.json файл в директории — одно уведомление. Успешно
// обработанный файл удаляется, некорректный перемещается в failed/.
// Файл с ошибкой хранилища остаётся на месте и обрабатывается при
// следующем сканировании.
//
// Файлы кладутся атомарно: запись во временный файл без суффикса .json
// и rename.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/notification"
)

const (
	failedDirName = "failed"
	fileSuffix    = ".json"
)

var inboxFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "download_engine_inbox_files_total",
	Help: "Количество обработанных файлов inbox по результату",
}, []string{"result"})

// Handler — получатель уведомлений (engine.Engine).
type Handler interface {
	HandleNotification(ctx context.Context, payload map[string]any) error
}

// Watcher следит за директорией inbox.
type Watcher struct {
	dir       string
	failedDir string
	handler   Handler
	rescan    time.Duration
	logger    *slog.Logger

	mu     sync.Mutex // один проход обработки одновременно
	cancel context.CancelFunc
	done   chan struct{}
}

// New создаёт Watcher и директории inbox.
// rescan — период повторного сканирования (0 — только события fsnotify).
func New(dir string, handler Handler, rescan time.Duration, logger *slog.Logger) (*Watcher, error) {
	failedDir := filepath.Join(dir, failedDirName)
	if err := os.MkdirAll(failedDir, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории inbox %s: %w", failedDir, err)
	}
	return &Watcher{
		dir:       dir,
		failedDir: failedDir,
		handler:   handler,
		rescan:    rescan,
		logger:    logger.With(slog.String("component", "inbox")),
	}, nil
}

// Start подписывается на события директории, обрабатывает уже лежащие
// файлы и запускает фоновую горутину.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ошибка создания fsnotify watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("ошибка подписки на %s: %w", w.dir, err)
	}

	wCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	w.Scan(wCtx)
	go w.run(wCtx, fw)

	w.logger.Info("Inbox запущен", slog.String("dir", w.dir))
	return nil
}

// Stop останавливает наблюдение и дожидается выхода горутины.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("Inbox остановлен")
}

// Scan обрабатывает все файлы уведомлений в порядке имён.
// Возвращает количество обработанных файлов.
func (w *Watcher) Scan(ctx context.Context) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(w.dir, "*"+fileSuffix))
	if err != nil {
		w.logger.Error("Ошибка сканирования inbox", slog.String("error", err.Error()))
		return 0
	}
	sort.Strings(matches)

	n := 0
	for _, path := range matches {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, path) {
			n++
		}
	}
	return n
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()

	var tick <-chan time.Time
	if w.rescan > 0 {
		t := time.NewTicker(w.rescan)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, fileSuffix) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.mu.Lock()
				w.process(ctx, ev.Name)
				w.mu.Unlock()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			// Переполнение очереди событий: досканируем директорию
			w.logger.Warn("Ошибка fsnotify", slog.String("error", err.Error()))
			w.Scan(ctx)
		case <-tick:
			w.Scan(ctx)
		}
	}
}

// process обрабатывает один файл. Вызывается под w.mu.
// Возвращает true, если файл снят из inbox.
func (w *Watcher) process(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Уже обработан предыдущим событием
		return false
	}
	if err != nil {
		w.logger.Warn("Ошибка чтения файла inbox",
			slog.String("file", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	if len(data) == 0 {
		// Файл создан, но ещё не записан: дождёмся Write
		return false
	}

	payload, err := notification.DecodeJSON(data)
	if err == nil {
		err = w.handler.HandleNotification(ctx, payload)
	}

	switch {
	case err == nil:
		inboxFilesTotal.WithLabelValues("ok").Inc()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			w.logger.Warn("Не удалось удалить файл inbox",
				slog.String("file", path),
				slog.String("error", rmErr.Error()),
			)
		}
		w.logger.Debug("Уведомление из inbox обработано", slog.String("file", filepath.Base(path)))
		return true

	case errors.Is(err, model.ErrMalformedNotification):
		inboxFilesTotal.WithLabelValues("malformed").Inc()
		dst := filepath.Join(w.failedDir, filepath.Base(path))
		if mvErr := os.Rename(path, dst); mvErr != nil {
			w.logger.Error("Не удалось переместить файл в failed",
				slog.String("file", path),
				slog.String("error", mvErr.Error()),
			)
			return false
		}
		w.logger.Warn("Некорректное уведомление перемещено в failed",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		return true

	default:
		inboxFilesTotal.WithLabelValues("retry").Inc()
		w.logger.Error("Уведомление не обработано, файл оставлен для повтора",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		return false
	}
}
