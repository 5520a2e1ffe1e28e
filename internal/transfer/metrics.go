package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики передач
var (
	// activeTransfers — количество зарегистрированных передач (включая приостановленные).
	activeTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_engine_transfers_active",
		Help: "Количество активных передач",
	})

	// pausedTransfers — количество передач, приостановленных из-за сессии.
	pausedTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_engine_transfers_paused",
		Help: "Количество приостановленных передач",
	})

	// bytesReceivedTotal — принятые байты payload.
	bytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_transfer_bytes_total",
		Help: "Общее количество принятых байт payload",
	})

	// outcomesTotal — терминальные исходы передач.
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_engine_transfer_outcomes_total",
		Help: "Терминальные исходы передач по классу и причине",
	}, []string{"outcome", "reason"})

	// transferDuration — длительность передачи от старта до терминального исхода.
	transferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "download_engine_transfer_duration_seconds",
		Help:    "Длительность передачи в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	})

	// stalledTotal — передачи, прерванные по таймауту неактивности.
	stalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_transfer_stalled_total",
		Help: "Передачи, прерванные по таймауту неактивности",
	})
)
