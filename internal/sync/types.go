// internal/sync/types.go
package sync

import (
	"context"
	"time"

	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/internal/infrastructure/persistence/redis_storage/candle_storage"
)

// exchangeClient — узкий интерфейс биржевого клиента.
// Реализуется okx.Client, в тестах подменяется фейком.
type exchangeClient interface {
	// FetchCandles возвращает последние limit свечей (от старых к новым)
	FetchCandles(ctx context.Context, symbol, tf string, limit int) ([]candle.Candle, error)
	// FetchCandlesPaginated набирает до target свечей листанием истории назад
	FetchCandlesPaginated(ctx context.Context, symbol, tf string, target int) ([]candle.Candle, error)
	// FetchCandlesRange набирает свечи окна [fromTS, toTS]
	FetchCandlesRange(ctx context.Context, symbol, tf string, fromTS, toTS int64) ([]candle.Candle, error)
}

// seriesStore — подмножество хранилища серий, нужное синхронизации
type seriesStore interface {
	GetRaw(ctx context.Context, symbol, tf string) ([]candle.Candle, error)
	Merge(ctx context.Context, symbol, tf string, incoming []candle.Candle, warmUp int) (candle_storage.MergeResult, error)
	GetIndicator(ctx context.Context, symbol, tf string) ([]candle.AugmentedCandle, error)
	SaveIndicator(ctx context.Context, symbol, tf string, candles []candle.AugmentedCandle) error
	GetCurrent(ctx context.Context, symbol, tf string) (*candle_storage.CurrentCandle, error)
	SetCurrent(ctx context.Context, symbol, tf string, c candle.Candle) error
	RecordGap(ctx context.Context, symbol, tf string, g candle.Gap) error
	GetGap(ctx context.Context, symbol, tf string) (*candle_storage.GapMarker, error)
	ClearGap(ctx context.Context, symbol, tf string) error
	ListGapKeys(ctx context.Context) ([]string, error)
}

// durableWriter — долговременный писатель свечей.
// Реализуется candles.Writer; его отказ никогда не валит проход синхронизации.
type durableWriter interface {
	Upsert(ctx context.Context, symbol, tf string, candles []candle.AugmentedCandle) error
	HealthCheck(ctx context.Context) bool
	Enabled() bool
	GetStats() map[string]interface{}
}

// locker — распределённые блокировки поверх кэша.
// Отказ в захвате — нормальный сигнал пропуска, не ошибка.
type locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// Stats — счётчики одного периода работы сервиса, обнуляются при отчёте
type Stats struct {
	Passes       int64 `json:"passes"`
	Skipped      int64 `json:"skipped"` // блокировка занята другим процессом
	Merged       int64 `json:"merged"`  // новых свечей слито в серии
	GapsDetected int64 `json:"gaps_detected"`
	GapsFilled   int64 `json:"gaps_filled"`
	Writes       int64 `json:"writes"` // успешных батчей в долговременное хранилище
	Errors       int64 `json:"errors"`
}
