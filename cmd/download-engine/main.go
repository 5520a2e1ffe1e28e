// Точка входа Download Engine — движка жизненного цикла скачиваний.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/download-engine/internal/api/handlers"
	"github.com/bigkaa/download-engine/internal/api/middleware"
	"github.com/bigkaa/download-engine/internal/config"
	"github.com/bigkaa/download-engine/internal/engine"
	"github.com/bigkaa/download-engine/internal/inbox"
	"github.com/bigkaa/download-engine/internal/notification"
	"github.com/bigkaa/download-engine/internal/server"
	"github.com/bigkaa/download-engine/internal/service"
	"github.com/bigkaa/download-engine/internal/session"
	"github.com/bigkaa/download-engine/internal/sink"
	"github.com/bigkaa/download-engine/internal/storage/datalock"
	"github.com/bigkaa/download-engine/internal/storage/journal"
	"github.com/bigkaa/download-engine/internal/storage/payload"
	"github.com/bigkaa/download-engine/internal/storage/recordstore"
	"github.com/bigkaa/download-engine/internal/transfer"
)

const (
	// jwksClientTimeout — таймаут HTTP-клиента JWKS
	jwksClientTimeout = 10 * time.Second
	// sinkSendTimeout — таймаут доставки обновления на одну поверхность
	sinkSendTimeout = 5 * time.Second
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Download Engine запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("store", recordstore.Backend(cfg.StoreDSN)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Download Engine остановлен с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Download Engine остановлен")
}

// run собирает компоненты, запускает фоновые процессы и HTTP-сервер,
// блокируется до отмены ctx и останавливает всё в обратном порядке.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Инициализация компонентов ---

	// 0. Эксклюзивный доступ к директории данных
	lock, err := datalock.Acquire(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("блокировка директории данных: %w", err)
	}
	defer lock.Release()

	// 1. Хранилище записей
	store, err := recordstore.Open(ctx, cfg.StoreDSN, logger)
	if err != nil {
		return fmt.Errorf("инициализация хранилища записей: %w", err)
	}
	defer store.Close()

	// 1.1 Импорт legacy-базы (только по явному DE_LEGACY_IMPORT_PATH)
	if cfg.LegacyImportPath != "" {
		res, err := recordstore.ImportLegacy(ctx, store, cfg.LegacyImportPath, notification.ParseDate, logger)
		if err != nil {
			return fmt.Errorf("импорт legacy-базы: %w", err)
		}
		logger.Info("Legacy-база импортирована",
			slog.Int("imported", res.Imported),
			slog.Int("skipped", res.Skipped),
		)
	}

	// 2. Payload и журнал передач
	files, err := payload.New(filepath.Join(cfg.DataDir, "files"))
	if err != nil {
		return fmt.Errorf("инициализация хранилища payload: %w", err)
	}
	jr, err := journal.New(cfg.JournalDir, logger)
	if err != nil {
		return fmt.Errorf("инициализация журнала передач: %w", err)
	}

	// 3. Сессия
	sess, err := session.New(session.Config{
		JWKSURL:         cfg.JWKSURL,
		CACertPath:      cfg.JWKSCACert,
		Leeway:          cfg.JWTLeeway,
		RefreshInterval: cfg.JWKSRefreshInterval,
		ClientTimeout:   jwksClientTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("инициализация сессии: %w", err)
	}
	defer sess.Close()
	if cfg.SessionToken != "" {
		if err := sess.SetToken(ctx, cfg.SessionToken); err != nil {
			logger.Warn("Начальный токен сессии отклонён", slog.String("error", err.Error()))
		}
	}

	// 4. Координатор передач
	client, err := transfer.NewClient(cfg.OriginCACert, cfg.TransferTimeout, sess.Token, logger)
	if err != nil {
		return fmt.Errorf("инициализация HTTP-клиента передач: %w", err)
	}
	coord := transfer.NewCoordinator(client, files, jr, transfer.Config{
		ProgressInterval: cfg.ProgressInterval,
		StallTimeout:     cfg.StallTimeout,
	}, logger)

	// 5. Live Progress Sink: лог, WebSocket, AMQP (опционально)
	hub := sink.NewHub(logger)
	defer hub.Close()
	surfaces := []sink.Surface{sink.NewLogSurface(logger), hub}
	if cfg.AMQPURL != "" {
		amqpSurface, err := sink.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			// Недоступный брокер не мешает скачиваниям
			logger.Warn("AMQP недоступен, live-поток только через WebSocket",
				slog.String("error", err.Error()),
			)
		} else {
			defer amqpSurface.Close()
			surfaces = append(surfaces, amqpSurface)
		}
	}
	live := sink.New(sink.Config{
		CacheSize:   cfg.SinkCacheSize,
		CacheTTL:    cfg.SinkCacheTTL,
		SendTimeout: sinkSendTimeout,
	}, logger, surfaces...)
	defer live.Close()

	// 6. Движок
	eng := engine.New(store, coord, files, live, logger)
	defer eng.Close()
	sess.OnChange(eng.SetSessionValid)
	eng.SetSessionValid(sess.Valid())

	// --- Восстановление после рестарта ---

	// Сначала журнал: Downloading-записи с resume-токеном продолжаются, а не
	// перезапускаются сверкой с нуля
	recovered, err := eng.Recover(ctx)
	if err != nil {
		logger.Error("Ошибка восстановления передач", slog.String("error", err.Error()))
	} else {
		logger.Info("Передачи восстановлены",
			slog.Int("resumed", recovered.Resumed),
			slog.Int("restarted", recovered.Restarted),
			slog.Int("discarded", recovered.Discarded),
		)
	}

	reconcileSvc := service.NewReconcileService(eng, files, coord, cfg.ReconcileInterval, cfg.ReconcileVerifyChecksums, logger)
	reconcileSvc.RunOnce(ctx)

	// --- Фоновые процессы ---

	// Сверка хранилища и диска
	reconcileSvc.Start(ctx)
	defer reconcileSvc.Stop()

	// Watchdog зависших передач
	if cfg.StallTimeout > 0 {
		watchdog := service.NewWatchdogService(coord, cfg.StallCheckInterval, logger)
		watchdog.Start(ctx)
		defer watchdog.Stop()
	}

	// Inbox push-уведомлений
	if cfg.InboxDir != "" {
		watcher, err := inbox.New(cfg.InboxDir, eng, cfg.InboxRescanInterval, logger)
		if err != nil {
			return fmt.Errorf("инициализация inbox: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("запуск inbox: %w", err)
		}
		defer watcher.Stop()
	}

	// topologymetrics — мониторинг зависимостей
	deps := service.Dependencies{JWKSURL: cfg.JWKSURL}
	if pg, ok := store.(*recordstore.PostgresStore); ok {
		db := stdlib.OpenDBFromPool(pg.Pool())
		defer db.Close()
		deps.DB = db
		deps.PostgresURL = cfg.StoreDSN
	}
	if dephealthSvc := startDephealth(ctx, cfg, deps, logger); dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	// --- HTTP API ---

	downloadSvc := service.NewDownloadService(eng, files, logger)
	apiHandler := handlers.NewAPIHandler(
		handlers.NewFilesHandler(eng, downloadSvc),
		handlers.NewNotificationsHandler(eng),
		handlers.NewSessionHandler(sess, eng),
		handlers.NewSystemHandler(recordstore.Backend(cfg.StoreDSN), coord, sess, hub, diskUsageFn(cfg.DataDir)),
		handlers.NewMaintenanceHandler(reconcileSvc),
		handlers.NewHealthHandler(cfg.DataDir, cfg.JournalDir, store),
		hub,
	)

	var auth func(http.Handler) http.Handler
	if cfg.APIAuth {
		auth = middleware.NewJWTAuth(sess.Keyfunc(), cfg.JWTLeeway, logger).Middleware()
		logger.Info("JWT аутентификация API включена", slog.String("jwks_url", cfg.JWKSURL))
	}

	srv := server.New(server.Config{
		Port:            cfg.Port,
		ReadTimeout:     cfg.HTTPReadTimeout,
		WriteTimeout:    cfg.HTTPWriteTimeout,
		IdleTimeout:     cfg.HTTPIdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger, apiHandler, auth,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)

	err = srv.Run(ctx)

	// Отложенные вызовы выполняются в обратном порядке: фоновые процессы,
	// движок (журнал передач сохраняется), sink, сессия, хранилище
	logger.Info("Остановка фоновых процессов...")
	return err
}

// startDephealth запускает мониторинг зависимостей.
// Ошибки не фатальны: сервис работает без метрик зависимостей.
func startDephealth(ctx context.Context, cfg *config.Config, deps service.Dependencies, logger *slog.Logger) *service.DephealthService {
	svc, err := service.NewDephealthService(
		resolveServiceID(cfg.DephealthName),
		cfg.DephealthGroup,
		deps,
		cfg.DephealthCheckInterval,
		logger,
	)
	if errors.Is(err, service.ErrNoDependencies) {
		logger.Info("topologymetrics: нет зависимостей для мониторинга")
		return nil
	}
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		slog.Bool("postgres", deps.DB != nil),
		slog.Bool("jwks", deps.JWKSURL != ""),
	)
	return svc
}
