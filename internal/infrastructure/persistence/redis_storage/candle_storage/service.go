// internal/infrastructure/persistence/redis_storage/candle_storage/service.go
package candle_storage

import (
	"context"
	"fmt"
	"time"

	"crypto-market-sync/internal/core/domain/candle"
	redis_service "crypto-market-sync/internal/infrastructure/cache/redis"
	"crypto-market-sync/pkg/logger"
	"crypto-market-sync/pkg/timeframe"
)

// Storage — хранилище серий свечей на кэше
type Storage struct {
	cache  kvCache
	maxLen int
}

// NewStorage создает хранилище поверх запущенного Redis сервиса
func NewStorage(redisService *redis_service.RedisService, maxLen int) (*Storage, error) {
	if redisService == nil {
		return nil, fmt.Errorf("сервис Redis не инициализирован")
	}

	cache := redisService.GetCache()
	if cache == nil {
		return nil, fmt.Errorf("клиент Redis недоступен")
	}

	return NewStorageWithCache(cache, maxLen), nil
}

// NewStorageWithCache создает хранилище поверх готового кэша (для тестов)
func NewStorageWithCache(cache kvCache, maxLen int) *Storage {
	if maxLen <= 0 {
		maxLen = candle.MaxSeriesLen
	}
	return &Storage{cache: cache, maxLen: maxLen}
}

// GetRaw возвращает сырую серию. Отсутствие ключа — пустая серия.
func (s *Storage) GetRaw(ctx context.Context, symbol, tf string) ([]candle.Candle, error) {
	var env rawEnvelope
	if err := s.cache.Get(ctx, rawKey(symbol, tf), &env); err != nil {
		if redis_service.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("чтение сырой серии %s %s: %w", symbol, tf, err)
	}

	candles, err := decodeRaw(env)
	if err != nil {
		// Запись чужой версии не читаем: серия будет перезалита заново
		logger.Warn("⚠️ Сырая серия %s %s нечитаема: %v", symbol, tf, err)
		return nil, nil
	}
	return candles, nil
}

// SaveRaw персистит сырую серию, обрезанную до окна хранения
func (s *Storage) SaveRaw(ctx context.Context, symbol, tf string, candles []candle.Candle) error {
	trimmed := candle.Trim(candles, s.maxLen)
	if err := s.cache.Set(ctx, rawKey(symbol, tf), encodeRaw(trimmed), 0); err != nil {
		return fmt.Errorf("запись сырой серии %s %s: %w", symbol, tf, err)
	}
	return nil
}

// Merge сливает новые свечи в сырую серию пары (символ, таймфрейм).
// Невалидные свечи отбраковываются, слияние идёт по timestamp (последняя
// запись побеждает). Возвращаемая серия несёт до maxLen+warmUp свечей для
// расчёта индикаторов; в кэш уходит не больше maxLen.
func (s *Storage) Merge(ctx context.Context, symbol, tf string, incoming []candle.Candle, warmUp int) (MergeResult, error) {
	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		return MergeResult{}, fmt.Errorf("слияние %s: %w", symbol, err)
	}

	valid := make([]candle.Candle, 0, len(incoming))
	skipped := 0
	for _, c := range incoming {
		if verr := candle.Validate(c, tfMinutes); verr != nil {
			skipped++
			logger.Warn("⚠️ Свеча %s %s отбракована: %v", symbol, tf, verr)
			continue
		}
		valid = append(valid, c)
	}

	existing, err := s.GetRaw(ctx, symbol, tf)
	if err != nil {
		return MergeResult{}, err
	}

	merged, added := candle.Merge(existing, valid)
	merged = candle.Trim(merged, s.maxLen+warmUp)

	if err := s.SaveRaw(ctx, symbol, tf, merged); err != nil {
		return MergeResult{}, err
	}

	return MergeResult{Series: merged, Added: added, Skipped: skipped}, nil
}

// GetIndicator возвращает индикаторную серию
func (s *Storage) GetIndicator(ctx context.Context, symbol, tf string) ([]candle.AugmentedCandle, error) {
	var env indicatorEnvelope
	if err := s.cache.Get(ctx, indicatorKey(symbol, tf), &env); err != nil {
		if redis_service.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("чтение индикаторной серии %s %s: %w", symbol, tf, err)
	}

	candles, err := decodeIndicator(env)
	if err != nil {
		logger.Warn("⚠️ Индикаторная серия %s %s нечитаема: %v", symbol, tf, err)
		return nil, nil
	}
	return candles, nil
}

// SaveIndicator персистит индикаторную серию (прогревочные головы уже исключены)
func (s *Storage) SaveIndicator(ctx context.Context, symbol, tf string, candles []candle.AugmentedCandle) error {
	if len(candles) > s.maxLen {
		candles = candles[len(candles)-s.maxLen:]
	}
	if err := s.cache.Set(ctx, indicatorKey(symbol, tf), encodeIndicator(candles), 0); err != nil {
		return fmt.Errorf("запись индикаторной серии %s %s: %w", symbol, tf, err)
	}
	return nil
}

// GetCurrent возвращает текущую свечу; nil, если слот пуст
func (s *Storage) GetCurrent(ctx context.Context, symbol, tf string) (*CurrentCandle, error) {
	var cur CurrentCandle
	if err := s.cache.Get(ctx, currentKey(symbol, tf), &cur); err != nil {
		if redis_service.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("чтение текущей свечи %s %s: %w", symbol, tf, err)
	}
	return &cur, nil
}

// SetCurrent перезаписывает слот текущей свечи
func (s *Storage) SetCurrent(ctx context.Context, symbol, tf string, c candle.Candle) error {
	cur := CurrentCandle{Candle: c, UpdatedAt: time.Now().Unix()}
	// Слот живёт два интервала: протухшая "текущая" свеча хуже отсутствующей
	ttl := 2 * timeframe.Duration(tf)
	if err := s.cache.Set(ctx, currentKey(symbol, tf), cur, ttl); err != nil {
		return fmt.Errorf("запись текущей свечи %s %s: %w", symbol, tf, err)
	}
	return nil
}

// RecordGap сохраняет маркер незакрытой дыры, наращивая счётчик попыток
func (s *Storage) RecordGap(ctx context.Context, symbol, tf string, g candle.Gap) error {
	marker := GapMarker{Gap: g, DetectedAt: time.Now().Unix(), Attempts: 1}

	if prev, err := s.GetGap(ctx, symbol, tf); err == nil && prev != nil {
		marker.DetectedAt = prev.DetectedAt
		marker.Attempts = prev.Attempts + 1
	}

	if err := s.cache.Set(ctx, gapKey(symbol, tf), marker, 0); err != nil {
		return fmt.Errorf("запись маркера дыры %s %s: %w", symbol, tf, err)
	}
	return nil
}

// GetGap возвращает маркер дыры; nil, если дыр не числится
func (s *Storage) GetGap(ctx context.Context, symbol, tf string) (*GapMarker, error) {
	var marker GapMarker
	if err := s.cache.Get(ctx, gapKey(symbol, tf), &marker); err != nil {
		if redis_service.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("чтение маркера дыры %s %s: %w", symbol, tf, err)
	}
	return &marker, nil
}

// ClearGap снимает маркер дыры
func (s *Storage) ClearGap(ctx context.Context, symbol, tf string) error {
	return s.cache.Delete(ctx, gapKey(symbol, tf))
}

// ListGapKeys возвращает ключи всех зарегистрированных дыр
func (s *Storage) ListGapKeys(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx, "gap:*")
}
