// config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"crypto-market-sync/pkg/timeframe"
)

// ============================================================
// Секции конфигурации
// ============================================================

// RedisConfig — конфигурация Redis (кэш, серии, блокировки)
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	PoolSize        int
	MinIdleConns    int
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
}

// DatabaseConfig — конфигурация PostgreSQL (долговременное хранилище)
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ExchangeConfig — конфигурация клиента биржи
type ExchangeConfig struct {
	RESTBaseURL    string
	WSURL          string
	RequestTimeout time.Duration
	PageLimit      int           // максимум свечей за один REST-запрос
	MaxRetries     int           // попытки при rate-limit
	RetryBaseDelay time.Duration // базовая задержка, удваивается на каждой попытке
	RequestsPerSec float64       // пейсинг исходящих запросов
	RequestBurst   int
}

// StreamConfig — конфигурация потокового клиента
type StreamConfig struct {
	Enabled           bool          // false — работаем только опросом REST
	SaveInterval      time.Duration // троттлинг записи "текущей" свечи по символу
	PingInterval      time.Duration
	StatusInterval    time.Duration // период отчёта со сбросом счётчиков
	ReconnectCooldown time.Duration // фиксированная пауза перед переподключением
}

// SyncConfig — конфигурация цикла синхронизации
type SyncConfig struct {
	Symbols             []string
	Timeframes          []string
	MaxSeriesLen        int
	WarmUpCandles       int
	MinIndicatorCandles int
	PollTick            time.Duration
	BoundaryFetchLimit  int
	RefreshFetchLimit   int
	BackfillMaxCandles  int
	GapRescanInterval   time.Duration
	StatusInterval      time.Duration
	LockTTL             time.Duration
}

// WriterConfig — конфигурация долговременного писателя
type WriterConfig struct {
	Enabled             bool
	MaxRetries          int
	RetryBaseDelay      time.Duration
	HealthCheckInterval time.Duration
}

// Config — структура конфигурации приложения
type Config struct {
	Redis    RedisConfig
	Database DatabaseConfig
	Exchange ExchangeConfig
	Stream   StreamConfig
	Sync     SyncConfig
	Writer   WriterConfig

	// Logging
	LogLevel string
	LogFile  string
	Debug    bool

	// Export
	ExportDir string
}

// LoadConfig загружает конфигурацию из .env файла и окружения
func LoadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
	}

	cfg := &Config{}

	// Redis
	cfg.Redis.Host = getEnvString("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnvInt("REDIS_PORT", 6379)
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", 10)
	cfg.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", 5)
	cfg.Redis.MaxRetries = getEnvInt("REDIS_MAX_RETRIES", 3)
	cfg.Redis.MinRetryBackoff = getEnvDuration("REDIS_MIN_RETRY_BACKOFF", 8*time.Millisecond)
	cfg.Redis.MaxRetryBackoff = getEnvDuration("REDIS_MAX_RETRY_BACKOFF", 512*time.Millisecond)
	cfg.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	cfg.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second)
	cfg.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second)
	cfg.Redis.PoolTimeout = getEnvDuration("REDIS_POOL_TIMEOUT", 4*time.Second)
	cfg.Redis.IdleTimeout = getEnvDuration("REDIS_IDLE_TIMEOUT", 5*time.Minute)

	// PostgreSQL
	cfg.Database.Host = getEnvString("POSTGRES_HOST", "localhost")
	cfg.Database.Port = getEnvInt("POSTGRES_PORT", 5432)
	cfg.Database.User = getEnvString("POSTGRES_USER", "")
	cfg.Database.Password = getEnvString("POSTGRES_PASSWORD", "")
	cfg.Database.Name = getEnvString("POSTGRES_DB", "market_data")
	cfg.Database.SSLMode = getEnvString("POSTGRES_SSLMODE", "disable")
	cfg.Database.MaxOpenConns = getEnvInt("POSTGRES_MAX_OPEN_CONNS", 10)
	cfg.Database.MaxIdleConns = getEnvInt("POSTGRES_MAX_IDLE_CONNS", 5)
	cfg.Database.ConnMaxLifetime = getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.Database.ConnMaxIdleTime = getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", 5*time.Minute)

	// Биржа
	cfg.Exchange.RESTBaseURL = getEnvString("OKX_API_URL", "https://www.okx.com")
	cfg.Exchange.WSURL = getEnvString("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/business")
	cfg.Exchange.RequestTimeout = getEnvDuration("OKX_REQUEST_TIMEOUT", 10*time.Second)
	cfg.Exchange.PageLimit = getEnvInt("OKX_PAGE_LIMIT", 300)
	cfg.Exchange.MaxRetries = getEnvInt("OKX_MAX_RETRIES", 5)
	cfg.Exchange.RetryBaseDelay = getEnvDuration("OKX_RETRY_BASE_DELAY", 1*time.Second)
	cfg.Exchange.RequestsPerSec = getEnvFloat("OKX_REQUESTS_PER_SEC", 10)
	cfg.Exchange.RequestBurst = getEnvInt("OKX_REQUEST_BURST", 5)

	// Потоковый клиент
	cfg.Stream.Enabled = getEnvBool("STREAM_ENABLED", true)
	cfg.Stream.SaveInterval = getEnvDuration("STREAM_SAVE_INTERVAL", 5*time.Second)
	cfg.Stream.PingInterval = getEnvDuration("STREAM_PING_INTERVAL", 20*time.Second)
	cfg.Stream.StatusInterval = getEnvDuration("STREAM_STATUS_INTERVAL", 300*time.Second)
	cfg.Stream.ReconnectCooldown = getEnvDuration("STREAM_RECONNECT_COOLDOWN", 5*time.Second)

	// Синхронизация
	cfg.Sync.Symbols = parseList(getEnvString("SYNC_SYMBOLS", "BTC-USDT-SWAP,ETH-USDT-SWAP"))
	cfg.Sync.Timeframes = parseList(getEnvString("SYNC_TIMEFRAMES", "1m,5m,30m,1h,4h,1d"))
	cfg.Sync.MaxSeriesLen = getEnvInt("SYNC_MAX_SERIES_LEN", 3000)
	cfg.Sync.WarmUpCandles = getEnvInt("SYNC_WARMUP_CANDLES", 199)
	cfg.Sync.MinIndicatorCandles = getEnvInt("SYNC_MIN_INDICATOR_CANDLES", 30)
	cfg.Sync.PollTick = getEnvDuration("SYNC_POLL_TICK", 1*time.Second)
	cfg.Sync.BoundaryFetchLimit = getEnvInt("SYNC_BOUNDARY_FETCH_LIMIT", 100)
	cfg.Sync.RefreshFetchLimit = getEnvInt("SYNC_REFRESH_FETCH_LIMIT", 10)
	cfg.Sync.BackfillMaxCandles = getEnvInt("SYNC_BACKFILL_MAX_CANDLES", 1000)
	cfg.Sync.GapRescanInterval = getEnvDuration("SYNC_GAP_RESCAN_INTERVAL", 10*time.Minute)
	cfg.Sync.StatusInterval = getEnvDuration("SYNC_STATUS_INTERVAL", 300*time.Second)
	cfg.Sync.LockTTL = getEnvDuration("SYNC_LOCK_TTL", 60*time.Second)

	// Писатель
	cfg.Writer.Enabled = getEnvBool("WRITER_ENABLED", true)
	cfg.Writer.MaxRetries = getEnvInt("WRITER_MAX_RETRIES", 3)
	cfg.Writer.RetryBaseDelay = getEnvDuration("WRITER_RETRY_BASE_DELAY", 1*time.Second)
	cfg.Writer.HealthCheckInterval = getEnvDuration("WRITER_HEALTHCHECK_INTERVAL", 60*time.Second)

	// Логирование
	cfg.LogLevel = getEnvString("LOG_LEVEL", "INFO")
	cfg.LogFile = getEnvString("LOG_FILE", "logs/sync.log")
	cfg.Debug = getEnvBool("DEBUG", false)

	// Экспорт
	cfg.ExportDir = getEnvString("EXPORT_DIR", "export")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации. Собирает все проблемы сразу:
// процесс с неполной конфигурацией не должен стартовать.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Sync.Symbols) == 0 {
		problems = append(problems, "SYNC_SYMBOLS: нужен хотя бы один символ")
	}
	if len(c.Sync.Timeframes) == 0 {
		problems = append(problems, "SYNC_TIMEFRAMES: нужен хотя бы один таймфрейм")
	}
	for _, tf := range c.Sync.Timeframes {
		if !timeframe.IsValid(tf) {
			problems = append(problems, fmt.Sprintf("SYNC_TIMEFRAMES: неизвестный таймфрейм %q", tf))
		}
	}
	if c.Sync.MaxSeriesLen < 1 {
		problems = append(problems, "SYNC_MAX_SERIES_LEN должен быть положительным")
	}
	if c.Sync.MinIndicatorCandles < 1 {
		problems = append(problems, "SYNC_MIN_INDICATOR_CANDLES должен быть положительным")
	}
	if c.Sync.PollTick < time.Second {
		problems = append(problems, "SYNC_POLL_TICK не может быть меньше секунды")
	}

	if c.Redis.Host == "" {
		problems = append(problems, "REDIS_HOST обязателен")
	}

	if c.Writer.Enabled {
		if c.Database.User == "" {
			problems = append(problems, "POSTGRES_USER обязателен при включенном писателе")
		}
		if c.Database.Password == "" {
			problems = append(problems, "POSTGRES_PASSWORD обязателен при включенном писателе")
		}
	}

	if c.Exchange.RESTBaseURL == "" || c.Exchange.WSURL == "" {
		problems = append(problems, "OKX_API_URL и OKX_WS_URL обязательны")
	}
	if c.Exchange.MaxRetries < 1 {
		problems = append(problems, "OKX_MAX_RETRIES должен быть хотя бы 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("конфигурация некорректна:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// GetPostgresDSN возвращает DSN для подключения к PostgreSQL
func (c *Config) GetPostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRedisAddress возвращает адрес Redis
func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// PrintSummary печатает сводку конфигурации при старте
func (c *Config) PrintSummary() {
	log.Printf("📋 Конфигурация:")
	log.Printf("   • Символы: %s", strings.Join(c.Sync.Symbols, ", "))
	log.Printf("   • Таймфреймы: %s", strings.Join(c.Sync.Timeframes, ", "))
	log.Printf("   • Окно серии: %d свечей (+%d прогревочных)", c.Sync.MaxSeriesLen, c.Sync.WarmUpCandles)
	log.Printf("   • Redis: %s:%d (DB: %d, Pool: %d)", c.Redis.Host, c.Redis.Port, c.Redis.DB, c.Redis.PoolSize)
	if c.Writer.Enabled {
		log.Printf("   • PostgreSQL: %s:%d/%s (ретраи: %d, базовая задержка: %v)",
			c.Database.Host, c.Database.Port, c.Database.Name, c.Writer.MaxRetries, c.Writer.RetryBaseDelay)
	} else {
		log.Printf("   • PostgreSQL: отключен")
	}
	log.Printf("   • OKX REST: %s (лимит страницы: %d)", c.Exchange.RESTBaseURL, c.Exchange.PageLimit)
	if c.Stream.Enabled {
		log.Printf("   • OKX WS: %s (троттлинг записи: %v)", c.Exchange.WSURL, c.Stream.SaveInterval)
	} else {
		log.Printf("   • OKX WS: отключен, только REST-опрос")
	}
}

// ============================================================
// Хелперы чтения окружения
// ============================================================

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseList разбирает список значений через запятую
func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
