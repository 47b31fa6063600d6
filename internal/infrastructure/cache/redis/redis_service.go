// internal/infrastructure/cache/redis/redis_service.go
package redis

import (
	"context"
	"fmt"
	"time"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// RedisService сервис для работы с Redis
type RedisService struct {
	config *config.Config
	client *redis.Client
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

// NewRedisService создает новый Redis сервис
func NewRedisService(cfg *config.Config) *RedisService {
	return &RedisService{
		config: cfg,
		state:  StateStopped,
	}
}

// Start запускает Redis сервис
func (rs *RedisService) Start() error {
	if rs.state == StateRunning {
		return fmt.Errorf("Redis service already running")
	}

	logger.Info("🔄 Запуск Redis сервиса...")
	rs.state = StateStarting

	redisConfig := rs.config.Redis

	options := &redis.Options{
		Addr:     rs.config.GetRedisAddress(),
		Password: redisConfig.Password,
		DB:       redisConfig.DB,

		// Настройки пула соединений
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConns,

		// Таймауты
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
		PoolTimeout:  redisConfig.PoolTimeout,
		IdleTimeout:  redisConfig.IdleTimeout,

		// Повторные попытки
		MaxRetries:      redisConfig.MaxRetries,
		MinRetryBackoff: redisConfig.MinRetryBackoff,
		MaxRetryBackoff: redisConfig.MaxRetryBackoff,
	}

	rs.client = redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("📡 Подключение к Redis: %s (DB: %d)", options.Addr, redisConfig.DB)

	if _, err := rs.client.Ping(ctx).Result(); err != nil {
		rs.client.Close()
		rs.state = StateError
		logger.Error("❌ Не удалось подключиться к Redis: %v (адрес: %s)", err, options.Addr)
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rs.state = StateRunning

	logger.Info("✅ Redis подключен")
	logger.Info("   • Адрес: %s", options.Addr)
	logger.Info("   • База: %d", redisConfig.DB)
	logger.Info("   • Пул: %d (min idle: %d)", redisConfig.PoolSize, redisConfig.MinIdleConns)

	return nil
}

// Stop останавливает Redis сервис
func (rs *RedisService) Stop() error {
	if rs.state != StateRunning {
		return fmt.Errorf("Redis service is not running")
	}

	logger.Info("🛑 Остановка Redis сервиса...")
	rs.state = StateStopping

	if rs.client != nil {
		if err := rs.client.Close(); err != nil {
			rs.state = StateError
			logger.Error("❌ Не удалось закрыть Redis клиент: %v", err)
			return fmt.Errorf("failed to close Redis client: %w", err)
		}
	}

	rs.client = nil
	rs.state = StateStopped
	logger.Info("✅ Redis сервис остановлен")

	return nil
}

// GetClient возвращает клиент Redis
func (rs *RedisService) GetClient() *redis.Client {
	return rs.client
}

// GetCache возвращает обёртку кэша поверх текущего клиента
func (rs *RedisService) GetCache() *Cache {
	if rs.client == nil {
		return nil
	}
	return NewCacheWithClient(rs.client)
}

// State возвращает состояние сервиса
func (rs *RedisService) State() ServiceState {
	return rs.state
}

// IsRunning возвращает true если сервис запущен
func (rs *RedisService) IsRunning() bool {
	return rs.State() == StateRunning
}

// HealthCheck проверяет здоровье Redis
func (rs *RedisService) HealthCheck() bool {
	if rs.state != StateRunning || rs.client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := rs.client.Ping(ctx).Result(); err != nil {
		logger.Warn("⚠️ Redis health check провален: %v", err)
		return false
	}

	return true
}

// TestConnection тестирует подключение к Redis
func (rs *RedisService) TestConnection() error {
	if rs.state != StateRunning || rs.client == nil {
		return fmt.Errorf("Redis service is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := rs.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("Redis connection test failed: %w", err)
	}

	return nil
}

// GetStats возвращает статистику Redis
func (rs *RedisService) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"state":     rs.state,
		"connected": rs.client != nil,
	}

	if rs.client != nil {
		poolStats := rs.client.PoolStats()

		stats["pool_hits"] = poolStats.Hits
		stats["pool_misses"] = poolStats.Misses
		stats["pool_timeouts"] = poolStats.Timeouts
		stats["pool_total_conns"] = poolStats.TotalConns
		stats["pool_idle_conns"] = poolStats.IdleConns
		stats["pool_stale_conns"] = poolStats.StaleConns
	}

	return stats
}

// Name возвращает имя сервиса
func (rs *RedisService) Name() string {
	return "RedisService"
}
