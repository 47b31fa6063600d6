// internal/sync/gap.go
package sync

import (
	"context"
	"fmt"
	"strings"

	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/internal/infrastructure/transport/event_bus"
	"crypto-market-sync/pkg/logger"
	"crypto-market-sync/pkg/timeframe"
)

// maxGapAttempts — после стольких неудачных заходов маркер снимается:
// биржа эту историю уже не отдаст
const maxGapAttempts = 10

// fillGap дозагружает дыру ограниченным окном от свежего края, сливает
// результат в серию и пересчитывает индикаторы по починенному участку.
// Возвращает незакрытый остаток (nil — дыра закрыта целиком); маркером
// остатка распоряжается вызывающий.
func (s *Service) fillGap(ctx context.Context, symbol, tf string, tfMinutes int, g candle.Gap) (*candle.Gap, error) {
	s.bumpStats(func(st *Stats) { st.GapsDetected++ })

	interval := timeframe.IntervalSeconds(tfMinutes)
	window, clamped := candle.ClampBackfill(g, tfMinutes, s.cfg.BackfillMaxCandles)

	s.publish(event_bus.EventGapDetected, event_bus.GapData{
		Symbol: symbol, Timeframe: tf, FromTS: g.StartTS, ToTS: g.EndTS, Clamped: clamped,
	})

	// левый край настоящей дыры — последняя имеющаяся свеча, её не перезапрашиваем;
	// у обрезанного окна обе границы лежат внутри дыры
	fetchFrom := window.StartTS
	if !clamped {
		fetchFrom += interval
	}

	logger.Warn("🕳️ Дыра %s %s: ~%d свечей, дозагрузка [%d..%d]",
		symbol, tf, g.Width()/interval-1, fetchFrom, window.EndTS)

	fetched, ferr := s.client.FetchCandlesRange(ctx, symbol, tf, fetchFrom, window.EndTS)
	if len(fetched) > 0 {
		res, err := s.store.Merge(ctx, symbol, tf, fetched, s.cfg.WarmUpCandles)
		if err != nil {
			return &g, err
		}
		// починенный участок должен дойти и до базы: штатный проход пишет
		// только свежий хвост и старую середину не тронет
		if aerr := s.augment(ctx, symbol, tf, res.Series, nil, fetched[0].Timestamp); aerr != nil {
			logger.Warn("⚠️ Пересчёт после дозагрузки %s %s: %v", symbol, tf, aerr)
		}
	}
	if ferr != nil {
		rem := g
		if len(fetched) > 0 {
			rem = candle.Gap{StartTS: g.StartTS, EndTS: fetched[0].Timestamp}
		}
		return &rem, fmt.Errorf("дозагрузка дыры %s %s: %w", symbol, tf, ferr)
	}

	if clamped {
		rem := candle.Gap{StartTS: g.StartTS, EndTS: window.StartTS}
		logger.Info("⏳ Дыра %s %s шире лимита %d: окно залито, остаток [%d..%d] в маркере",
			symbol, tf, s.cfg.BackfillMaxCandles, rem.StartTS, rem.EndTS)
		return &rem, nil
	}

	s.bumpStats(func(st *Stats) { st.GapsFilled++ })
	s.publish(event_bus.EventGapFilled, event_bus.GapData{
		Symbol: symbol, Timeframe: tf, FromTS: g.StartTS, ToTS: g.EndTS,
	})
	logger.Info("✅ Дыра %s %s закрыта: [%d..%d]", symbol, tf, g.StartTS, g.EndTS)

	return nil, nil
}

// RescanGaps — плановый ремонт истории: обходит маркеры незакрытых дыр,
// затем подметает серии на предмет внутренних пропусков. Каждая пара
// обрабатывается под своей блокировкой дозагрузки.
func (s *Service) RescanGaps(ctx context.Context) error {
	keys, err := s.store.ListGapKeys(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		symbol, tf, ok := parseGapKey(key)
		if !ok {
			logger.Warn("⚠️ Непонятный ключ маркера дыры: %q", key)
			continue
		}
		s.runBackfillLocked(ctx, symbol, tf, func(ctx context.Context) error {
			return s.rescanPair(ctx, symbol, tf)
		})
	}

	for _, symbol := range s.cfg.Symbols {
		for _, tf := range s.cfg.Timeframes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sym, code := symbol, tf
			s.runBackfillLocked(ctx, sym, code, func(ctx context.Context) error {
				return s.sweepPair(ctx, sym, code)
			})
		}
	}

	return nil
}

// runBackfillLocked выполняет fn под блокировкой дозагрузки пары.
// Занятая блокировка и ошибка пары — не повод прерывать общий обход.
func (s *Service) runBackfillLocked(ctx context.Context, symbol, tf string, fn func(context.Context) error) {
	ran, err := s.locks.WithLock(ctx, backfillLockKey(symbol, tf), s.cfg.LockTTL, fn)
	if err != nil {
		s.bumpStats(func(st *Stats) { st.Errors++ })
		logger.Error("❌ Ремонт истории %s %s: %v", symbol, tf, err)
		s.publish(event_bus.EventSyncError, event_bus.SyncErrorData{
			Symbol: symbol, Timeframe: tf, Stage: "backfill", Error: err.Error(),
		})
		return
	}
	if !ran {
		s.bumpStats(func(st *Stats) { st.Skipped++ })
	}
}

// rescanPair пробует закрыть дыру из маркера пары
func (s *Service) rescanPair(ctx context.Context, symbol, tf string) error {
	marker, err := s.store.GetGap(ctx, symbol, tf)
	if err != nil {
		return err
	}
	if marker == nil {
		return nil
	}

	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		return err
	}

	raw, err := s.store.GetRaw(ctx, symbol, tf)
	if err != nil {
		return err
	}

	// маркер пережил сброс кэша: серию перезальёт первичная загрузка
	if len(raw) == 0 {
		logger.Info("🧹 Маркер дыры %s %s без серии, снят", symbol, tf)
		return s.store.ClearGap(ctx, symbol, tf)
	}

	// дыра старше окна хранения ремонту не подлежит
	interval := timeframe.IntervalSeconds(tfMinutes)
	retentionStart := raw[len(raw)-1].Timestamp - int64(s.cfg.MaxSeriesLen)*interval
	if marker.EndTS <= retentionStart {
		logger.Info("🧹 Дыра %s %s вышла за окно хранения, маркер снят", symbol, tf)
		return s.store.ClearGap(ctx, symbol, tf)
	}

	if marker.Attempts >= maxGapAttempts {
		logger.Warn("🪦 Дыра %s %s не закрылась за %d попыток, маркер снят: история [%d..%d] недоступна",
			symbol, tf, marker.Attempts, marker.StartTS, marker.EndTS)
		return s.store.ClearGap(ctx, symbol, tf)
	}

	// дыру могли закрыть другие пути (поток, подметание) — проверяем по факту
	if !hasHoleWithin(raw, marker.Gap, tfMinutes) {
		logger.Info("✅ Дыра %s %s уже закрыта, маркер снят", symbol, tf)
		return s.store.ClearGap(ctx, symbol, tf)
	}

	rem, err := s.fillGap(ctx, symbol, tf, tfMinutes, marker.Gap)
	if err != nil {
		if rem != nil {
			if rerr := s.store.RecordGap(ctx, symbol, tf, *rem); rerr != nil {
				logger.Warn("⚠️ Маркер дыры %s %s не обновлён: %v", symbol, tf, rerr)
			}
		}
		return err
	}
	if rem != nil {
		return s.store.RecordGap(ctx, symbol, tf, *rem)
	}

	return s.store.ClearGap(ctx, symbol, tf)
}

// sweepPair ищет внутренние дыры серии — страховку от частично слитых
// страниц и пропавших маркеров — и закрывает их от свежих к старым
func (s *Service) sweepPair(ctx context.Context, symbol, tf string) error {
	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		return err
	}

	raw, err := s.store.GetRaw(ctx, symbol, tf)
	if err != nil {
		return err
	}

	holes := candle.InternalGaps(raw, tfMinutes)
	if len(holes) == 0 {
		return nil
	}

	logger.Info("🔍 %s %s: найдено внутренних дыр: %d", symbol, tf, len(holes))

	// свежий край важнее: его читают индикаторы
	for i := len(holes) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rem, err := s.fillGap(ctx, symbol, tf, tfMinutes, holes[i])
		if rem != nil {
			// слот маркера один на пару, чужой остаток не затираем
			if cur, gerr := s.store.GetGap(ctx, symbol, tf); gerr == nil && cur == nil {
				if rerr := s.store.RecordGap(ctx, symbol, tf, *rem); rerr != nil {
					logger.Warn("⚠️ Маркер дыры %s %s не записан: %v", symbol, tf, rerr)
				}
			}
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Backfill единоразово дозагружает произвольное окно истории пары и
// пересчитывает индикаторы. Широкое окно обрабатывается кусками лимита
// дозагрузки, от свежего края к старому. Возвращает число новых свечей.
func (s *Service) Backfill(ctx context.Context, symbol, tf string, fromTS, toTS int64) (int, error) {
	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		return 0, err
	}
	interval := timeframe.IntervalSeconds(tfMinutes)

	from := timeframe.Align(fromTS*1000, tfMinutes)
	to := timeframe.Align(toTS*1000, tfMinutes)
	if to <= from {
		return 0, fmt.Errorf("пустое окно дозагрузки: from=%d to=%d", from, to)
	}

	chunk := int64(s.cfg.BackfillMaxCandles)
	if chunk <= 0 {
		chunk = 1000
	}

	total := 0
	hi := to
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		lo := hi - (chunk-1)*interval
		if lo < from {
			lo = from
		}

		logger.Info("📥 Дозагрузка %s %s: окно [%d..%d]", symbol, tf, lo, hi)
		fetched, ferr := s.client.FetchCandlesRange(ctx, symbol, tf, lo, hi)
		if len(fetched) > 0 {
			res, merr := s.store.Merge(ctx, symbol, tf, fetched, s.cfg.WarmUpCandles)
			if merr != nil {
				return total, merr
			}
			total += res.Added
		}
		if ferr != nil {
			return total, fmt.Errorf("дозагрузка окна [%d..%d]: %w", lo, hi, ferr)
		}

		if lo == from {
			break
		}
		hi = lo - interval
	}

	s.bumpStats(func(st *Stats) { st.Merged += int64(total) })

	raw, err := s.store.GetRaw(ctx, symbol, tf)
	if err != nil {
		return total, err
	}
	if err := s.augment(ctx, symbol, tf, raw, nil, from); err != nil {
		return total, err
	}

	return total, nil
}

// hasHoleWithin сообщает, пересекается ли хоть одна внутренняя дыра серии
// с диапазоном g
func hasHoleWithin(candles []candle.Candle, g candle.Gap, tfMinutes int) bool {
	for _, hole := range candle.InternalGaps(candles, tfMinutes) {
		if hole.EndTS > g.StartTS && hole.StartTS < g.EndTS {
			return true
		}
	}
	return false
}

// parseGapKey разбирает ключ маркера вида "gap:SYMBOL:TF"
func parseGapKey(key string) (symbol, tf string, ok bool) {
	rest, found := strings.CutPrefix(key, "gap:")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
