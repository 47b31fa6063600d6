// internal/core/domain/indicator/engine.go

package indicator

import (
	"fmt"

	"crypto-market-sync/internal/core/domain/candle"
)

// engine — стандартный набор: RSI-осциллятор, короткая и длинная SMA,
// тренд-состояние плюс тренд старшего таймфрейма
type engine struct {
	rsiPeriod int
	maShort   int
	maLong    int
	min       int
	warmUp    int
}

// NewEngine создаёт движок с дефолтными периодами
func NewEngine() Engine {
	return &engine{
		rsiPeriod: RSIPeriod,
		maShort:   MAShortPeriod,
		maLong:    MALongPeriod,
		min:       MinCandles,
		warmUp:    StableCandles,
	}
}

func (e *engine) MinRequired() int { return e.min }

func (e *engine) WarmUp() int { return e.warmUp }

// Compute рассчитывает индикаторы по всей серии. Вход короче минимума —
// ошибка контракта: историю добирают до вызова, а не внутри.
func (e *engine) Compute(candles []candle.Candle, higher []candle.AugmentedCandle) ([]candle.AugmentedCandle, error) {
	if len(candles) < e.min {
		return nil, fmt.Errorf("%w: %d < %d", ErrNotEnoughCandles, len(candles), e.min)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi := calcRSI(closes, e.rsiPeriod)
	maShort := calcSMA(closes, e.maShort)
	maLong := calcSMA(closes, e.maLong)
	htf := higherTrend(higher, e.min)

	out := make([]candle.AugmentedCandle, len(candles))
	for i, c := range candles {
		a := candle.AugmentedCandle{Candle: c}
		a.RSI = rsi[i]
		a.MAShort = maShort[i]
		a.MALong = maLong[i]
		a.Trend = trendState(c.Close, maShort[i], maLong[i])
		a.TrendHTF = htf
		a.WithDisplayTimes()
		out[i] = a
	}

	return out, nil
}

// trendState: цена и короткая MA по одну сторону от длинной MA.
// Пока длинной MA нет, опираемся на короткую.
func trendState(close float64, maShort, maLong *float64) int {
	ref := maLong
	if ref == nil {
		ref = maShort
	}
	if ref == nil {
		return TrendNeutral
	}

	switch {
	case close > *ref && (maLong == nil || maShort == nil || *maShort > *maLong):
		return TrendUp
	case close < *ref && (maLong == nil || maShort == nil || *maShort < *maLong):
		return TrendDown
	default:
		return TrendNeutral
	}
}

// higherTrend берёт тренд последней закрытой свечи старшей серии.
// Короткая зависимость — нейтральный дефолт, а не ошибка всего расчёта.
func higherTrend(higher []candle.AugmentedCandle, min int) int {
	if len(higher) < min {
		return TrendNeutral
	}
	for i := len(higher) - 1; i >= 0; i-- {
		if !higher[i].IsCurrent {
			return higher[i].Trend
		}
	}
	return TrendNeutral
}

// calcSMA — простая скользящая средняя; nil, пока окно не заполнено
func calcSMA(closes []float64, period int) []*float64 {
	out := make([]*float64, len(closes))
	if period <= 0 || len(closes) < period {
		return out
	}

	var sum float64
	for i, v := range closes {
		sum += v
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			avg := sum / float64(period)
			out[i] = &avg
		}
	}
	return out
}

// calcRSI — RSI со сглаживанием Уайлдера; nil для первых period свечей
func calcRSI(closes []float64, period int) []*float64 {
	out := make([]*float64, len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		diff := closes[i] - closes[i-1]
		if diff > 0 {
			avgGain += diff
		} else {
			avgLoss -= diff
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) *float64 {
	v := 100.0
	if avgLoss > 0 {
		rs := avgGain / avgLoss
		v = 100.0 - 100.0/(1.0+rs)
	}
	return &v
}
