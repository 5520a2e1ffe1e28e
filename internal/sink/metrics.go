package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики Live Progress Sink.
var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_engine_sink_deliveries_total",
		Help: "Доставки обновлений по поверхностям и результату",
	}, []string{"surface", "result"})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_sink_coalesced_total",
		Help: "Промежуточные обновления, вытесненные более свежими",
	})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_sink_dropped_total",
		Help: "Обновления, отброшенные после остановки Sink",
	})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_sink_cache_hits_total",
		Help: "Попадания в кэш отображаемых полей",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_engine_sink_cache_misses_total",
		Help: "Промахи кэша отображаемых полей",
	})

	hubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_engine_live_subscribers",
		Help: "Количество подключённых WebSocket-подписчиков",
	})
)
