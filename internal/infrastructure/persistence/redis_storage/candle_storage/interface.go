// internal/infrastructure/persistence/redis_storage/candle_storage/interface.go
package candle_storage

import (
	"context"
	"time"

	"crypto-market-sync/internal/core/domain/candle"
)

// SeriesStore — канонические серии свечей на кэше.
// Обе репрезентации (сырая и индикаторная) идут параллельно по одной паре
// (символ, таймфрейм); серии отсортированы, дедуплицированы и ограничены окном.
type SeriesStore interface {
	// GetRaw возвращает сырую серию; отсутствие ключа — пустая серия, не ошибка
	GetRaw(ctx context.Context, symbol, tf string) ([]candle.Candle, error)
	// SaveRaw персистит сырую серию, обрезав её до окна хранения
	SaveRaw(ctx context.Context, symbol, tf string, candles []candle.Candle) error
	// Merge сливает новые свечи в сырую серию: последняя запись побеждает,
	// результат отсортирован. Возвращается серия с прогревочным хвостом
	// (до maxLen+warmUp), персистится не больше maxLen.
	Merge(ctx context.Context, symbol, tf string, incoming []candle.Candle, warmUp int) (MergeResult, error)

	GetIndicator(ctx context.Context, symbol, tf string) ([]candle.AugmentedCandle, error)
	SaveIndicator(ctx context.Context, symbol, tf string, candles []candle.AugmentedCandle) error

	// Текущая свеча — отдельный слот с высокочастотной перезаписью
	GetCurrent(ctx context.Context, symbol, tf string) (*CurrentCandle, error)
	SetCurrent(ctx context.Context, symbol, tf string, c candle.Candle) error

	// Маркеры незакрытых дыр
	RecordGap(ctx context.Context, symbol, tf string, g candle.Gap) error
	GetGap(ctx context.Context, symbol, tf string) (*GapMarker, error)
	ClearGap(ctx context.Context, symbol, tf string) error
	ListGapKeys(ctx context.Context) ([]string, error)
}

// kvCache — минимальный контракт кэша, который нужен хранилищу.
// Позволяет подменять Redis фейком в тестах.
type kvCache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}
