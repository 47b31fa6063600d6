// application/bootstrap/app.go
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"crypto-market-sync/application/scheduler"
	"crypto-market-sync/internal/config"
	"crypto-market-sync/internal/coordination"
	"crypto-market-sync/internal/core/domain/indicator"
	okx "crypto-market-sync/internal/infrastructure/api/exchanges/okx"
	"crypto-market-sync/internal/infrastructure/api/exchanges/okx/ws"
	redis_service "crypto-market-sync/internal/infrastructure/cache/redis"
	"crypto-market-sync/internal/infrastructure/persistence/postgres"
	"crypto-market-sync/internal/infrastructure/persistence/postgres/database"
	"crypto-market-sync/internal/infrastructure/persistence/postgres/repository/candles"
	"crypto-market-sync/internal/infrastructure/persistence/redis_storage/candle_storage"
	"crypto-market-sync/internal/infrastructure/transport/event_bus"
	syncer "crypto-market-sync/internal/sync"
	"crypto-market-sync/pkg/logger"
)

// App собирает и запускает все сервисы синхронизатора в правильном порядке:
// шина событий -> Redis -> хранилище серий -> блокировки -> PostgreSQL ->
// писатель -> клиент биржи -> сервис синхронизации -> WS-поток -> планировщик.
// Остановка идет в обратном порядке.
type App struct {
	cfg *config.Config

	bus     *event_bus.EventBus
	redis   *redis_service.RedisService
	storage *candle_storage.Storage
	locks   *coordination.LockManager
	db      *database.DatabaseService
	writer  *candles.Writer
	syncSvc *syncer.Service
	watcher *ws.CandleWatcher
	sched   *scheduler.Scheduler

	// схема базы приводится к конфигурации один раз; до поднятия базы
	// попытка повторяется задачей проверки писателя
	migrated bool

	withStream    bool
	withScheduler bool
}

// Option настраивает состав приложения
type Option func(*App)

// WithoutStream отключает WS-поток независимо от конфигурации
// (разовые команды вроде дозагрузки истории поток не нужен)
func WithoutStream() Option {
	return func(a *App) { a.withStream = false }
}

// WithoutScheduler отключает планировщик периодических задач
func WithoutScheduler() Option {
	return func(a *App) { a.withScheduler = false }
}

// NewApp создает приложение с полным составом сервисов
func NewApp(cfg *config.Config, opts ...Option) *App {
	a := &App{
		cfg:           cfg,
		withStream:    cfg.Stream.Enabled,
		withScheduler: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start поднимает сервисы. Redis обязателен: без кэша системе негде жить.
// PostgreSQL опционален: недоступная база оставляет писатель выключенным,
// его включит периодическая проверка, когда база поднимется.
func (a *App) Start() error {
	ctx := context.Background()

	a.bus = event_bus.NewEventBus()
	logMonitor := event_bus.NewLogSubscriber()
	for _, t := range []event_bus.EventType{
		event_bus.EventCandleMerged,
		event_bus.EventGapDetected,
		event_bus.EventGapFilled,
		event_bus.EventWriterStateChanged,
		event_bus.EventStreamConnected,
		event_bus.EventStreamDisconnected,
		event_bus.EventSyncError,
	} {
		a.bus.Subscribe(t, logMonitor)
	}
	a.bus.Start()

	a.redis = redis_service.NewRedisService(a.cfg)
	if err := a.redis.Start(); err != nil {
		a.bus.Stop()
		return fmt.Errorf("redis: %w", err)
	}

	storage, err := candle_storage.NewStorage(a.redis, a.cfg.Sync.MaxSeriesLen)
	if err != nil {
		a.redis.Stop()
		a.bus.Stop()
		return fmt.Errorf("candle storage: %w", err)
	}
	a.storage = storage

	a.locks = coordination.NewLockManager(a.redis.GetCache())

	if a.cfg.Writer.Enabled {
		a.db = database.NewDatabaseService(a.cfg)
		if err := a.db.Start(); err != nil {
			a.redis.Stop()
			a.bus.Stop()
			return fmt.Errorf("database: %w", err)
		}
		a.writer = candles.NewWriter(a.db.GetDB(), &a.cfg.Writer)
		if a.writer.HealthCheck(ctx) {
			a.ensureMigrations()
		}
	} else {
		// писатель над пустым соединением: Enabled() всегда false,
		// HealthCheck не трогает базу
		a.writer = candles.NewWriter(nil, &a.cfg.Writer)
		logger.Info("💾 Запись в PostgreSQL отключена конфигурацией")
	}

	client := okx.NewClient(&a.cfg.Exchange)
	a.syncSvc = syncer.NewService(&a.cfg.Sync, client, a.storage, a.writer, indicator.NewEngine(), a.locks, a.bus)

	if a.withStream {
		a.watcher = ws.NewCandleWatcher(a.storage, a.cfg)
		a.watcher.SetEventBus(a.bus)
		if err := a.watcher.Start(); err != nil {
			a.stopInfra()
			return fmt.Errorf("candle watcher: %w", err)
		}
	}

	if a.withScheduler {
		a.sched = scheduler.New(time.Second)
		a.registerJobs()
		a.sched.Start()
	}

	a.publishState(event_bus.EventServiceStarted)
	return nil
}

// Stop останавливает сервисы в обратном порядке: сначала источники работы
// (планировщик, поток), затем инфраструктура
func (a *App) Stop() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.publishState(event_bus.EventServiceStopped)
	a.stopInfra()
}

// stopInfra гасит шину и соединения; переживает частично собранное приложение
func (a *App) stopInfra() {
	if a.bus != nil {
		a.bus.Stop()
	}
	if a.db != nil {
		if err := a.db.Stop(); err != nil {
			logger.Warn("⚠️ Остановка базы данных: %v", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Stop(); err != nil {
			logger.Warn("⚠️ Остановка Redis: %v", err)
		}
	}
}

// registerJobs регистрирует периодические задачи синхронизатора
func (a *App) registerJobs() {
	a.sched.Register(&scheduler.Job{
		Name:        "sync-pass",
		Description: "проход REST-синхронизации по всем парам",
		Schedule:    scheduler.Every(a.cfg.Sync.PollTick),
		Timeout:     15 * time.Minute,
		Handler:     a.syncSvc.RunTick,
	})

	a.sched.Register(&scheduler.Job{
		Name:        "gap-rescan",
		Description: "дозагрузка зарегистрированных дыр и обход серий",
		Schedule:    scheduler.Every(a.cfg.Sync.GapRescanInterval),
		Timeout:     10 * time.Minute,
		Handler:     a.syncSvc.RescanGaps,
	})

	if a.cfg.Writer.Enabled {
		a.sched.Register(&scheduler.Job{
			Name:        "writer-health",
			Description: "проверка доступности PostgreSQL",
			Schedule:    scheduler.Every(a.cfg.Writer.HealthCheckInterval),
			Handler: func(ctx context.Context) error {
				if err := a.syncSvc.CheckWriterHealth(ctx); err != nil {
					return err
				}
				if a.writer.Enabled() {
					a.ensureMigrations()
				}
				return nil
			},
		})
	}

	a.sched.Register(&scheduler.Job{
		Name:        "status-report",
		Description: "сводка счётчиков синхронизации",
		Schedule:    scheduler.Every(a.cfg.Sync.StatusInterval),
		Handler: func(ctx context.Context) error {
			if err := a.syncSvc.ReportStatus(ctx); err != nil {
				return err
			}
			for _, js := range a.sched.Jobs() {
				if js.LastErr != nil {
					logger.Warn("⚠️ Задача %s: последний запуск с ошибкой: %v (отказов %d из %d)",
						js.Name, js.LastErr, js.Fails, js.Runs)
				}
			}
			return nil
		},
	})
}

// ensureMigrations приводит схему базы к конфигурации. Вызывается до старта
// планировщика и затем из задачи writer-health, гонок между вызовами нет.
func (a *App) ensureMigrations() {
	if a.migrated || a.db == nil {
		return
	}
	migrator := postgres.NewMigrator(a.db.GetDB())
	if err := migrator.EnsureCandleTables(a.cfg.Sync.Symbols); err != nil {
		logger.Warn("⚠️ Схема базы не готова: %v — повтор при следующей проверке", err)
		return
	}
	a.migrated = true
}

// publishState сообщает шине о запуске/остановке приложения
func (a *App) publishState(t event_bus.EventType) {
	if a.bus == nil {
		return
	}
	data := event_bus.ServiceStateData{
		Symbols:       len(a.cfg.Sync.Symbols),
		Timeframes:    len(a.cfg.Sync.Timeframes),
		StreamEnabled: a.withStream,
		WriterEnabled: a.cfg.Writer.Enabled,
	}
	if t == event_bus.EventServiceStopped {
		// синхронно: шина останавливается сразу после
		_ = a.bus.PublishSync(event_bus.Event{Type: t, Source: "app", Data: data})
		return
	}
	_ = a.bus.Publish(event_bus.Event{Type: t, Source: "app", Data: data})
}

// Sync возвращает сервис синхронизации (для разовых команд)
func (a *App) Sync() *syncer.Service {
	return a.syncSvc
}

// Storage возвращает хранилище серий
func (a *App) Storage() *candle_storage.Storage {
	return a.storage
}

// Scheduler возвращает планировщик (nil, если отключен)
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}
