// internal/core/domain/candle/types.go

package candle

import (
	"fmt"
	"math"
	"strings"
	"time"

	"crypto-market-sync/pkg/timeframe"
)

// Candle — одна OHLCV-свеча. Timestamp хранится в секундах и обязан быть
// выровнен по границе таймфрейма (timestamp % (минуты*60) == 0).
type Candle struct {
	Timestamp int64   `json:"ts"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
	IsCurrent bool    `json:"cur,omitempty"`
}

// AugmentedCandle — свеча с индикаторами. Человекочитаемые времена нужны
// только для наблюдаемости, сортировка всегда идёт по Timestamp.
type AugmentedCandle struct {
	Candle

	RSI     *float64 `json:"rsi,omitempty"`
	MAShort *float64 `json:"ma_short,omitempty"`
	MALong  *float64 `json:"ma_long,omitempty"`
	Trend   int      `json:"trend"`
	// TrendHTF — тренд старшего таймфрейма; 0 пока у зависимости мало истории
	TrendHTF int `json:"trend_htf"`

	TimeUTC   string `json:"time_utc,omitempty"`
	TimeLocal string `json:"time_local,omitempty"`
}

// Gap — дыра в серии, вычисляется на лету и не персистится
type Gap struct {
	StartTS int64 `json:"start_ts"`
	EndTS   int64 `json:"end_ts"`
}

// Width возвращает ширину дыры в секундах
func (g Gap) Width() int64 {
	return g.EndTS - g.StartTS
}

// displayLocation — фиксированная витринная таймзона для логов и отчётов
var displayLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// WithDisplayTimes заполняет человекочитаемые времена свечи
func (a *AugmentedCandle) WithDisplayTimes() {
	t := time.Unix(a.Timestamp, 0)
	a.TimeUTC = t.UTC().Format("2006-01-02 15:04:05")
	a.TimeLocal = t.In(displayLocation).Format("2006-01-02 15:04:05")
}

// StartTime возвращает момент открытия свечи
func (c Candle) StartTime() time.Time {
	return time.Unix(c.Timestamp, 0).UTC()
}

// Validate проверяет поля свечи. Невалидная свеча пропускается,
// обработка остальных продолжается.
func Validate(c Candle, tfMinutes int) error {
	if c.Timestamp <= 0 {
		return fmt.Errorf("свеча без timestamp")
	}
	if c.Timestamp%timeframe.IntervalSeconds(tfMinutes) != 0 {
		return fmt.Errorf("timestamp %d не выровнен по границе %dm", c.Timestamp, tfMinutes)
	}
	for name, v := range map[string]float64{
		"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close, "volume": c.Volume,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("поле %s не является числом", name)
		}
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("неположительная цена")
	}
	if c.High < c.Low {
		return fmt.Errorf("high %.8f < low %.8f", c.High, c.Low)
	}
	if c.Volume < 0 {
		return fmt.Errorf("отрицательный объем")
	}
	return nil
}

// NormalizeSymbol приводит биржевой инструмент к каноническому имени:
// "ETH-USDT-SWAP" → "eth_usdt". Используется для имён таблиц и ключей.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, "-SWAP")
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ToLower(s)
}
