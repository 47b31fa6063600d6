// internal/infrastructure/persistence/redis_storage/candle_storage/codec.go
package candle_storage

import (
	"errors"
	"fmt"

	"crypto-market-sync/internal/core/domain/candle"
)

// Версии кодеков. Формат значения в кэше фиксирован и версионирован:
// эволюция схемы не должна молча портить старые записи.
const (
	rawCodecVersion       = 1
	indicatorCodecVersion = 1
)

// ErrCodecVersion — запись в кэше сделана неизвестной версией кодека
var ErrCodecVersion = errors.New("неизвестная версия кодека серии")

// rawEnvelope — компактное представление сырой серии: по одной строке
// [ts, open, high, low, close, volume(, isCurrent)] на свечу
type rawEnvelope struct {
	Version int         `json:"v"`
	Rows    [][]float64 `json:"rows"`
}

// indicatorEnvelope — богатое представление серии с индикаторами
type indicatorEnvelope struct {
	Version int                      `json:"v"`
	Candles []candle.AugmentedCandle `json:"candles"`
}

func encodeRaw(candles []candle.Candle) rawEnvelope {
	rows := make([][]float64, len(candles))
	for i, c := range candles {
		row := []float64{float64(c.Timestamp), c.Open, c.High, c.Low, c.Close, c.Volume}
		if c.IsCurrent {
			row = append(row, 1)
		}
		rows[i] = row
	}
	return rawEnvelope{Version: rawCodecVersion, Rows: rows}
}

func decodeRaw(env rawEnvelope) ([]candle.Candle, error) {
	if env.Version != rawCodecVersion {
		return nil, fmt.Errorf("%w: raw v%d", ErrCodecVersion, env.Version)
	}

	candles := make([]candle.Candle, 0, len(env.Rows))
	for i, row := range env.Rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("строка %d сырой серии повреждена: %d полей", i, len(row))
		}
		c := candle.Candle{
			Timestamp: int64(row[0]),
			Open:      row[1],
			High:      row[2],
			Low:       row[3],
			Close:     row[4],
			Volume:    row[5],
		}
		if len(row) > 6 && row[6] > 0 {
			c.IsCurrent = true
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func encodeIndicator(candles []candle.AugmentedCandle) indicatorEnvelope {
	return indicatorEnvelope{Version: indicatorCodecVersion, Candles: candles}
}

func decodeIndicator(env indicatorEnvelope) ([]candle.AugmentedCandle, error) {
	if env.Version != indicatorCodecVersion {
		return nil, fmt.Errorf("%w: indicator v%d", ErrCodecVersion, env.Version)
	}
	return env.Candles, nil
}
