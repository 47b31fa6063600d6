// internal/infrastructure/persistence/redis_storage/candle_storage/structs.go
package candle_storage

import (
	"fmt"

	"crypto-market-sync/internal/core/domain/candle"
)

// CurrentCandle — последняя незакрытая свеча пары (символ, таймфрейм).
// Хранится отдельно от серии и перезаписывается с высокой частотой.
type CurrentCandle struct {
	candle.Candle
	UpdatedAt int64 `json:"updated_at"`
}

// GapMarker — явная отметка о незакрытой дыре. Дозагрузка шире лимита
// оставляет маркер, чтобы плановый пересканер мог вернуться к дыре,
// а не терять историю молча.
type GapMarker struct {
	candle.Gap
	DetectedAt int64 `json:"detected_at"`
	Attempts   int   `json:"attempts"`
}

// MergeResult — итог слияния новых свечей в серию
type MergeResult struct {
	// Series — объединённая серия с прогревочным хвостом (для индикаторов)
	Series []candle.Candle
	// Added — сколько новых timestamp появилось
	Added int
	// Skipped — сколько входных свечей отбраковано валидацией
	Skipped int
}

// Ключи кэша
func rawKey(symbol, tf string) string {
	return fmt.Sprintf("candles:raw:%s:%s", symbol, tf)
}

func indicatorKey(symbol, tf string) string {
	return fmt.Sprintf("candles:ind:%s:%s", symbol, tf)
}

func currentKey(symbol, tf string) string {
	return fmt.Sprintf("candles:current:%s:%s", symbol, tf)
}

func gapKey(symbol, tf string) string {
	return fmt.Sprintf("gap:%s:%s", symbol, tf)
}
