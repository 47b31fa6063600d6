// internal/infrastructure/persistence/postgres/repository/candles/repository.go
package candles

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/pkg/logger"
)

// колонок в одной строке upsert-а; при серии в 3000 свечей
// параметры укладываются в лимит Postgres (65535)
const upsertCols = 12

// DBTX — узкий интерфейс базы, достаточный писателю.
// Реализуется *sqlx.DB, в тестах подменяется фейком.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	PingContext(ctx context.Context) error
}

// Writer пишет свечи в PostgreSQL батчевыми insert-or-update запросами.
// Кэш остаётся источником данных для вычислений: при недоступной базе
// писатель выключается и записи тихо пропускаются до следующей проверки.
type Writer struct {
	db  DBTX
	cfg *config.WriterConfig

	maxRetries  int
	retryBase   time.Duration
	healthEvery time.Duration
	sleep       func(time.Duration) // подменяется в тестах

	mu           sync.Mutex
	enabled      bool
	lastCheck    time.Time
	successCount int64
	failureCount int64
	lastFailure  time.Time
}

// NewWriter создает писатель свечей. Писатель стартует выключенным,
// включает его первая успешная проверка доступности базы.
func NewWriter(db DBTX, cfg *config.WriterConfig) *Writer {
	w := &Writer{
		db:          db,
		cfg:         cfg,
		maxRetries:  cfg.MaxRetries,
		retryBase:   cfg.RetryBaseDelay,
		healthEvery: cfg.HealthCheckInterval,
		sleep:       time.Sleep,
	}

	if w.maxRetries <= 0 {
		w.maxRetries = 3
	}
	if w.retryBase <= 0 {
		w.retryBase = time.Second
	}
	if w.healthEvery <= 0 {
		w.healthEvery = time.Minute
	}

	return w
}

// TableName возвращает имя таблицы свечей символа ("BTC-USDT-SWAP" -> "candles_btc_usdt")
func TableName(symbol string) string {
	return "candles_" + candle.NormalizeSymbol(symbol)
}

// Enabled сообщает, включена ли запись
func (w *Writer) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// HealthCheck проверяет доступность базы не чаще healthEvery и
// переключает состояние писателя. Возвращает текущее состояние.
func (w *Writer) HealthCheck(ctx context.Context) bool {
	if !w.cfg.Enabled {
		return false
	}

	w.mu.Lock()
	if time.Since(w.lastCheck) < w.healthEvery {
		enabled := w.enabled
		w.mu.Unlock()
		return enabled
	}
	w.lastCheck = time.Now()
	w.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := w.db.PingContext(pingCtx)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		if w.enabled {
			logger.Warn("⚠️ CandleWriter: база недоступна, запись отключена: %v", err)
		}
		w.enabled = false
		return false
	}

	if !w.enabled {
		logger.Info("✅ CandleWriter: база доступна, запись включена")
	}
	w.enabled = true
	return true
}

// Upsert сохраняет свечи батчем с ключом (time, timeframe).
// Выключенный писатель и пустой батч - no-op без ошибки.
func (w *Writer) Upsert(ctx context.Context, symbol, tf string, candles []candle.AugmentedCandle) error {
	if len(candles) == 0 {
		return nil
	}

	w.mu.Lock()
	enabled := w.enabled
	w.mu.Unlock()
	if !enabled {
		return nil
	}

	query, args := buildUpsert(TableName(symbol), tf, candles)
	return w.execWithRetry(ctx, query, args)
}

// execWithRetry выполняет запрос, повторяя только ошибки соединения
// с нарастающей задержкой. Остальные ошибки отдаются сразу: битые
// данные повтором не лечатся.
func (w *Writer) execWithRetry(ctx context.Context, query string, args []interface{}) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		_, err := w.db.ExecContext(ctx, query, args...)
		if err == nil {
			w.recordSuccess()
			return nil
		}

		w.recordFailure()
		if !isConnectionError(err) {
			return err
		}

		lastErr = err
		if attempt >= w.maxRetries {
			break
		}

		delay := w.retryBase * time.Duration(1<<attempt)
		logger.Warn("⚠️ CandleWriter: ошибка соединения, повтор через %v (попытка %d/%d): %v",
			delay, attempt+1, w.maxRetries, err)
		w.sleep(delay)
	}

	// соединение потеряно: выключаемся до следующей успешной проверки
	w.mu.Lock()
	w.enabled = false
	w.mu.Unlock()
	logger.Error("❌ CandleWriter: повторы исчерпаны, запись отключена: %v", lastErr)

	return lastErr
}

// GetStats возвращает счётчики писателя
func (w *Writer) GetStats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := map[string]interface{}{
		"enabled":       w.enabled,
		"success_count": w.successCount,
		"failure_count": w.failureCount,
	}
	if !w.lastFailure.IsZero() {
		stats["last_failure"] = w.lastFailure.Format(time.RFC3339)
	}
	return stats
}

func (w *Writer) recordSuccess() {
	w.mu.Lock()
	w.successCount++
	w.mu.Unlock()
}

func (w *Writer) recordFailure() {
	w.mu.Lock()
	w.failureCount++
	w.lastFailure = time.Now()
	w.mu.Unlock()
}

// buildUpsert собирает батчевый insert-or-update по ключу (time, timeframe).
// Цены и объёмы передаются как decimal, отсутствующие индикаторы - как NULL.
func buildUpsert(table, tf string, rows []candle.AugmentedCandle) (string, []interface{}) {
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*upsertCols)

	for i, r := range rows {
		base := i * upsertCols
		ph := make([]string, upsertCols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")

		args = append(args,
			r.Timestamp,
			tf,
			decimal.NewFromFloat(r.Open),
			decimal.NewFromFloat(r.High),
			decimal.NewFromFloat(r.Low),
			decimal.NewFromFloat(r.Close),
			decimal.NewFromFloat(r.Volume),
			nullDecimal(r.RSI),
			nullDecimal(r.MAShort),
			nullDecimal(r.MALong),
			r.Trend,
			r.TrendHTF,
		)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (time, timeframe, open, high, low, close, volume, rsi, ma_short, ma_long, trend, trend_htf)
	VALUES %s
	ON CONFLICT (time, timeframe) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		rsi = EXCLUDED.rsi,
		ma_short = EXCLUDED.ma_short,
		ma_long = EXCLUDED.ma_long,
		trend = EXCLUDED.trend,
		trend_htf = EXCLUDED.trend_htf,
		updated_at = NOW()`,
		table, strings.Join(values, ", "))

	return query, args
}

func nullDecimal(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return decimal.NewFromFloat(*v)
}

// isConnectionError отличает потерю соединения от остальных ошибок.
// Повторяются только они: класс 08 Postgres, оборванный сокет, сетевые ошибки.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
