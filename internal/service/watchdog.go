// watchdog.go — сервис контроля зависших передач.
//
// Watchdog периодически проверяет активные передачи и прерывает те,
// у которых не было принятых байт дольше DE_STALL_TIMEOUT. Прерванная
// передача завершается Failed{transient, timeout}. Приостановленные
// (невалидная сессия) передачи не проверяются.
//
// Запускается как горутина с периодическим тикером (DE_STALL_CHECK_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики watchdog
var (
	// watchdogRunsTotal — количество проверок.
	watchdogRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_watchdog_runs_total",
		Help: "Общее количество проверок зависших передач",
	})

	// watchdogAbortedTotal — количество прерванных передач.
	watchdogAbortedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_watchdog_aborted_total",
		Help: "Общее количество передач, прерванных watchdog",
	})
)

// StallChecker — источник передач для проверки (transfer.Coordinator).
type StallChecker interface {
	AbortStalled(now time.Time) int
}

// WatchdogService — сервис прерывания зависших передач.
type WatchdogService struct {
	checker  StallChecker
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatchdogService создаёт сервис watchdog.
func NewWatchdogService(checker StallChecker, interval time.Duration, logger *slog.Logger) *WatchdogService {
	return &WatchdogService{
		checker:  checker,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "watchdog")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (w *WatchdogService) Start(ctx context.Context) {
	wCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(wCtx)

	w.logger.Info("Watchdog запущен",
		slog.String("interval", w.interval.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается его выхода.
func (w *WatchdogService) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("Watchdog остановлен")
}

// run — основной цикл фоновой горутины.
func (w *WatchdogService) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce выполняет одну проверку. Возвращает число прерванных передач.
func (w *WatchdogService) RunOnce() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	aborted := w.checker.AbortStalled(w.now())

	watchdogRunsTotal.Inc()
	watchdogAbortedTotal.Add(float64(aborted))

	if aborted > 0 {
		w.logger.Warn("Прерваны зависшие передачи", slog.Int("aborted", aborted))
	} else {
		w.logger.Debug("Зависших передач нет")
	}
	return aborted
}
