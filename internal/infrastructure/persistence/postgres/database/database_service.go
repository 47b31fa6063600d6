// internal/infrastructure/persistence/postgres/database/database_service.go
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/pkg/logger"
)

// DatabaseService сервис для работы с базой данных
type DatabaseService struct {
	config *config.Config
	db     *sqlx.DB
	mu     sync.RWMutex
	state  ServiceState
}

// ServiceState состояние сервиса
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateError    ServiceState = "error"
)

// NewDatabaseService создает новый сервис базы данных
func NewDatabaseService(cfg *config.Config) *DatabaseService {
	return &DatabaseService{
		config: cfg,
		state:  StateStopped,
	}
}

// Start запускает сервис базы данных
func (ds *DatabaseService) Start() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state == StateRunning {
		return fmt.Errorf("database service already running")
	}

	logger.Info("🔄 Запуск сервиса базы данных...")
	ds.state = StateStarting

	dbConfig := ds.config.Database

	logger.Info("📡 Подключение к PostgreSQL: %s:%d/%s",
		dbConfig.Host, dbConfig.Port, dbConfig.Name)

	db, err := sqlx.Open("postgres", ds.config.GetPostgresDSN())
	if err != nil {
		ds.state = StateError
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	// Настраиваем пул соединений
	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)
	db.SetConnMaxIdleTime(dbConfig.ConnMaxIdleTime)

	// Проверяем подключение с таймаутом. Недоступная база — не повод падать:
	// пул ленивый и восстановится сам, а писатель до этого момента выключен.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Warn("⚠️ PostgreSQL недоступен на старте: %v — продолжаем без записи в базу", err)
	} else {
		logger.Info("✅ Подключение к PostgreSQL установлено")
	}

	ds.db = db
	ds.state = StateRunning

	logger.Info("   • Host: %s:%d", dbConfig.Host, dbConfig.Port)
	logger.Info("   • Database: %s", dbConfig.Name)
	logger.Info("   • User: %s", dbConfig.User)
	logger.Info("   • Pool: %d/%d connections",
		dbConfig.MaxIdleConns, dbConfig.MaxOpenConns)

	return nil
}

// Stop останавливает сервис базы данных
func (ds *DatabaseService) Stop() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state != StateRunning {
		return fmt.Errorf("database service is not running")
	}

	logger.Info("🛑 Остановка сервиса базы данных...")
	ds.state = StateStopping

	if ds.db != nil {
		if err := ds.db.Close(); err != nil {
			ds.state = StateError
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	ds.db = nil
	ds.state = StateStopped
	logger.Info("✅ Сервис базы данных остановлен")

	return nil
}

// GetDB возвращает соединение с базой данных
func (ds *DatabaseService) GetDB() *sqlx.DB {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.db
}

// State возвращает состояние сервиса
func (ds *DatabaseService) State() ServiceState {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.state
}

// IsRunning сообщает, запущен ли сервис
func (ds *DatabaseService) IsRunning() bool {
	return ds.State() == StateRunning
}

// HealthCheck проверяет здоровье базы данных
func (ds *DatabaseService) HealthCheck() bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.state != StateRunning || ds.db == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ds.db.PingContext(ctx); err != nil {
		logger.Warn("⚠️ Проверка базы данных не прошла: %v", err)
		return false
	}

	return true
}

// TestConnection тестирует подключение к базе данных
func (ds *DatabaseService) TestConnection() error {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.state != StateRunning || ds.db == nil {
		return fmt.Errorf("database service is not running")
	}

	var result int
	if err := ds.db.Get(&result, "SELECT 1"); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	return nil
}

// GetStats возвращает статистику базы данных
func (ds *DatabaseService) GetStats() map[string]interface{} {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	stats := map[string]interface{}{
		"state":     ds.state,
		"connected": ds.db != nil,
	}

	if ds.db != nil {
		stats["open_connections"] = ds.db.Stats().OpenConnections
		stats["in_use"] = ds.db.Stats().InUse
		stats["idle"] = ds.db.Stats().Idle
		stats["wait_count"] = ds.db.Stats().WaitCount
		stats["wait_duration"] = ds.db.Stats().WaitDuration.String()
	}

	return stats
}

// Name возвращает имя сервиса
func (ds *DatabaseService) Name() string {
	return "database"
}
