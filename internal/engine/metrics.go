package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики движка
var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_engine_notifications_total",
		Help: "Принятые push-уведомления по типу события",
	}, []string{"kind"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_engine_transitions_total",
		Help: "Переходы статусов файлов",
	}, []string{"from", "to"})

	ignoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_engine_events_ignored_total",
		Help: "Проигнорированные события по коду причины",
	}, []string{"code"})

	staleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_stale_transfer_events_total",
		Help: "События заменённых или отменённых передач",
	})

	terminalRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_terminal_event_retries_total",
		Help: "Повторные обработки терминальных событий передач после ошибки записи",
	})

	startFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_transfer_start_failures_total",
		Help: "Неудачные запуски передач",
	})

	eventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "download_engine_event_duration_seconds",
		Help:    "Длительность обработки события",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})

	mailboxesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_engine_mailboxes_active",
		Help: "Почтовые ящики file_id с необработанными задачами",
	})

	mailboxDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "download_engine_mailbox_depth",
		Help:    "Глубина очереди почтового ящика при добавлении задачи",
		Buckets: []float64{1, 2, 4, 8, 16, 64, 256},
	})

	sessionValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_engine_session_valid",
		Help: "Валидность сессии (1 — валидна)",
	})
)
