// internal/core/domain/candle/series.go

package candle

import (
	"sort"

	"crypto-market-sync/pkg/timeframe"
)

// MaxSeriesLen — дефолтная длина окна хранения серии
const MaxSeriesLen = 3000

// gapFactor: дыра фиксируется, если расстояние превышает 1.5 интервала.
// Считаем в целых числах: dist*2 > interval*3.
func exceedsGap(dist, intervalSec int64) bool {
	return dist*2 > intervalSec*3
}

// Merge объединяет существующую серию с новыми свечами по timestamp.
// Последняя запись побеждает, результат отсортирован по возрастанию.
// Возвращает объединённую серию и число добавленных (новых) timestamp.
func Merge(existing, incoming []Candle) ([]Candle, int) {
	if len(incoming) == 0 {
		return existing, 0
	}

	byTS := make(map[int64]Candle, len(existing)+len(incoming))
	for _, c := range existing {
		byTS[c.Timestamp] = c
	}

	added := 0
	for _, c := range incoming {
		if _, ok := byTS[c.Timestamp]; !ok {
			added++
		}
		byTS[c.Timestamp] = c
	}

	merged := make([]Candle, 0, len(byTS))
	for _, c := range byTS {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	return merged, added
}

// Trim обрезает серию до max последних свечей, отбрасывая самые старые
func Trim(candles []Candle, max int) []Candle {
	if max <= 0 || len(candles) <= max {
		return candles
	}
	return candles[len(candles)-max:]
}

// Tail возвращает последние n свечей
func Tail(candles []Candle, n int) []Candle {
	if n <= 0 || len(candles) == 0 {
		return nil
	}
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

// LastCompleted возвращает последнюю закрытую свечу серии
func LastCompleted(candles []Candle) (Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if !candles[i].IsCurrent {
			return candles[i], true
		}
	}
	return Candle{}, false
}

// DetectGap сравнивает последний известный timestamp с самым свежим
// доступным. Дыра фиксируется при расстоянии больше 1.5 интервала.
func DetectGap(lastTS, newestTS int64, tfMinutes int) *Gap {
	if lastTS <= 0 || newestTS <= lastTS {
		return nil
	}
	interval := timeframe.IntervalSeconds(tfMinutes)
	if !exceedsGap(newestTS-lastTS, interval) {
		return nil
	}
	return &Gap{StartTS: lastTS, EndTS: newestTS}
}

// InternalGaps находит все дыры внутри отсортированной серии
func InternalGaps(candles []Candle, tfMinutes int) []Gap {
	if len(candles) < 2 {
		return nil
	}
	interval := timeframe.IntervalSeconds(tfMinutes)

	var gaps []Gap
	for i := 1; i < len(candles); i++ {
		dist := candles[i].Timestamp - candles[i-1].Timestamp
		if exceedsGap(dist, interval) {
			gaps = append(gaps, Gap{StartTS: candles[i-1].Timestamp, EndTS: candles[i].Timestamp})
		}
	}
	return gaps
}

// ClampBackfill ограничивает окно дозагрузки дыры жёстким лимитом свечей.
// Возвращает окно для запроса и признак, что дыра шире лимита.
func ClampBackfill(g Gap, tfMinutes int, maxCandles int) (Gap, bool) {
	interval := timeframe.IntervalSeconds(tfMinutes)
	want := g.Width() / interval
	if maxCandles <= 0 || want <= int64(maxCandles) {
		return g, false
	}
	return Gap{StartTS: g.EndTS - int64(maxCandles)*interval, EndTS: g.EndTS}, true
}
