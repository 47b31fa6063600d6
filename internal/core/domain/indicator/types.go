// internal/core/domain/indicator/types.go

package indicator

import (
	"errors"

	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/pkg/timeframe"
)

// Минимальные требования к входной серии
const (
	// MinCandles — минимум свечей для любого расчёта
	MinCandles = 30
	// StableCandles — столько свечей нужно, чтобы длинная MA вышла на рабочий режим
	StableCandles = 199
)

// Периоды индикаторов
const (
	RSIPeriod     = 14
	MAShortPeriod = 30
	MALongPeriod  = 199
)

// Tренд-состояния
const (
	TrendUp      = 1
	TrendNeutral = 0
	TrendDown    = -1
)

// ErrNotEnoughCandles — вызывающий обязан сначала добрать историю
var ErrNotEnoughCandles = errors.New("недостаточно свечей для расчёта индикаторов")

// Engine — чистая функция над упорядоченной серией: свечи → свечи с индикаторами.
// Слой синхронизации работает через этот интерфейс, чтобы подменять движок фейком.
type Engine interface {
	// Compute не мутирует вход. higher — уже рассчитанная серия старшего
	// таймфрейма того же символа (может быть nil или короткой).
	Compute(candles []candle.Candle, higher []candle.AugmentedCandle) ([]candle.AugmentedCandle, error)
	// MinRequired — минимальная длина входа, ниже которой Compute не вызывают
	MinRequired() int
	// WarmUp — сколько дополнительных свечей стоит запросить для стабилизации
	WarmUp() int
}

// dependencyCode — таймфрейм, с которого серия берёт старший тренд.
// Пустая строка означает, что зависимости нет и TrendHTF остаётся нейтральным.
var dependencyCode = map[string]string{
	timeframe.Code1m:  timeframe.Code30m,
	timeframe.Code3m:  timeframe.Code30m,
	timeframe.Code5m:  timeframe.Code30m,
	timeframe.Code15m: timeframe.Code1h,
	timeframe.Code30m: timeframe.Code4h,
	timeframe.Code1h:  timeframe.Code4h,
	timeframe.Code4h:  timeframe.Code1d,
	timeframe.Code6h:  timeframe.Code1d,
	timeframe.Code12h: timeframe.Code1d,
	timeframe.Code1d:  "",
}

// DependencyCode возвращает старший таймфрейм-источник тренда для кода
func DependencyCode(code string) string {
	return dependencyCode[code]
}
