// internal/sync/service.go
package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/internal/core/domain/indicator"
	"crypto-market-sync/internal/infrastructure/transport/event_bus"
	"crypto-market-sync/pkg/logger"
	"crypto-market-sync/pkg/timeframe"
)

// Service — цикл синхронизации серий: загрузка свежих свечей, слияние,
// ремонт дыр, расчёт индикаторов и двойная запись (кэш + база).
// Кэш обновляется всегда; отказ долговременного писателя только логируется.
type Service struct {
	cfg    *config.SyncConfig
	client exchangeClient
	store  seriesStore
	writer durableWriter
	engine indicator.Engine
	locks  locker
	bus    *event_bus.EventBus

	// кэденс обновления текущей свечи; живёт в памяти процесса:
	// лишний refresh от соседнего воркера безопасен (слияние идемпотентно)
	mu          sync.Mutex
	lastRefresh map[string]time.Time

	statsMu sync.Mutex
	stats   Stats

	now func() time.Time // подменяется в тестах
}

// NewService создает сервис синхронизации
func NewService(
	cfg *config.SyncConfig,
	client exchangeClient,
	store seriesStore,
	writer durableWriter,
	eng indicator.Engine,
	locks locker,
	bus *event_bus.EventBus,
) *Service {
	return &Service{
		cfg:         cfg,
		client:      client,
		store:       store,
		writer:      writer,
		engine:      eng,
		locks:       locks,
		bus:         bus,
		lastRefresh: make(map[string]time.Time),
		now:         time.Now,
	}
}

// RunTick выполняет один проход по всей матрице символ x таймфрейм.
// Каждая пара гейтится распределённой блокировкой: при нескольких экземплярах
// воркера пару обрабатывает ровно один, остальные видят отказ и идут дальше.
// Ошибка одной пары не прерывает проход по остальным.
func (s *Service) RunTick(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		for _, tf := range s.cfg.Timeframes {
			// остановка проверяется на границе итерации, не внутри пары
			if ctx.Err() != nil {
				return ctx.Err()
			}

			sym, code := symbol, tf
			ran, err := s.locks.WithLock(ctx, syncLockKey(sym, code), s.cfg.LockTTL, func(ctx context.Context) error {
				return s.SyncPair(ctx, sym, code)
			})
			if err != nil {
				s.bumpStats(func(st *Stats) { st.Errors++ })
				logger.Error("❌ Синхронизация %s %s: %v", sym, code, err)
				s.publish(event_bus.EventSyncError, event_bus.SyncErrorData{
					Symbol: sym, Timeframe: code, Stage: "sync", Error: err.Error(),
				})
				continue
			}
			if !ran {
				s.bumpStats(func(st *Stats) { st.Skipped++ })
			}
		}
	}
	return nil
}

// SyncPair — один проход по паре: решить, что пора загружать (первичная
// история / закрытие свечи / обновление текущей), загрузить, слить,
// починить дыру и пересчитать индикаторы.
func (s *Service) SyncPair(ctx context.Context, symbol, tf string) error {
	start := s.now()

	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		return err
	}

	existing, err := s.store.GetRaw(ctx, symbol, tf)
	if err != nil {
		return err
	}

	limit, reason := s.planFetch(existing, tfMinutes, symbol, tf)
	if reason == fetchNone {
		return nil
	}

	var fetched []candle.Candle
	if reason == fetchInitial {
		logger.Info("📥 Первичная загрузка %s %s: до %d свечей", symbol, tf, limit)
		fetched, err = s.client.FetchCandlesPaginated(ctx, symbol, tf, limit)
	} else {
		fetched, err = s.client.FetchCandles(ctx, symbol, tf, limit)
	}
	if err != nil {
		if len(fetched) == 0 {
			return fmt.Errorf("загрузка %s %s: %w", symbol, tf, err)
		}
		// часть страниц получена: сливаем собранное, остальное доберут следующие проходы
		logger.Warn("⚠️ Загрузка %s %s оборвалась на %d свечах: %v", symbol, tf, len(fetched), err)
	}

	completed, current := splitCurrent(fetched)

	// дыра между известным краем серии и свежими данными
	if last, ok := candle.LastCompleted(existing); ok && len(completed) > 0 {
		newest := completed[len(completed)-1].Timestamp
		if gap := candle.DetectGap(last.Timestamp, newest, tfMinutes); gap != nil {
			rem, gerr := s.fillGap(ctx, symbol, tf, tfMinutes, *gap)
			if rem != nil {
				// остаток фиксируется маркером: пересканер вернётся к нему
				if rerr := s.store.RecordGap(ctx, symbol, tf, *rem); rerr != nil {
					logger.Warn("⚠️ Маркер дыры %s %s не записан: %v", symbol, tf, rerr)
				}
			}
			if gerr != nil {
				s.bumpStats(func(st *Stats) { st.Errors++ })
				logger.Error("❌ Дозагрузка дыры %s %s: %v", symbol, tf, gerr)
			}
		}
	}

	res, err := s.store.Merge(ctx, symbol, tf, completed, s.cfg.WarmUpCandles)
	if err != nil {
		return err
	}

	if current != nil {
		if serr := s.store.SetCurrent(ctx, symbol, tf, *current); serr != nil {
			logger.Warn("⚠️ Слот текущей свечи %s %s не обновлён: %v", symbol, tf, serr)
		}
	}

	if err := s.augment(ctx, symbol, tf, res.Series, current, oldestTimestamp(completed)); err != nil {
		return err
	}

	s.bumpStats(func(st *Stats) {
		st.Passes++
		st.Merged += int64(res.Added)
	})
	if res.Added > 0 {
		s.publish(event_bus.EventCandleMerged, event_bus.CandleMergedData{
			Symbol: symbol, Timeframe: tf, Added: res.Added, SeriesLen: len(res.Series),
		})
	}
	logger.Sync(symbol, tf, res.Added, s.now().Sub(start))

	return nil
}

type fetchReason int

const (
	fetchNone     fetchReason = iota // серия актуальна, загрузка не нужна
	fetchInitial                     // серии ещё нет: набрать полное окно с прогревом
	fetchBoundary                    // граница таймфрейма пройдена: закрылась новая свеча
	fetchRefresh                     // обновление формирующейся свечи между границами
)

// planFetch решает, что и сколько загружать для пары на этом тике
func (s *Service) planFetch(existing []candle.Candle, tfMinutes int, symbol, tf string) (int, fetchReason) {
	if len(existing) == 0 {
		return s.cfg.MaxSeriesLen + s.cfg.WarmUpCandles, fetchInitial
	}

	now := s.now()
	last, ok := candle.LastCompleted(existing)
	if !ok {
		return s.cfg.BoundaryFetchLimit, fetchBoundary
	}

	// свеча last закрылась в last+interval; следующая закрывается ещё через interval
	interval := timeframe.IntervalSeconds(tfMinutes)
	if now.Unix() >= last.Timestamp+2*interval {
		return s.cfg.BoundaryFetchLimit, fetchBoundary
	}

	if s.refreshDue(symbol, tf, tfMinutes, now) {
		return s.cfg.RefreshFetchLimit, fetchRefresh
	}

	return 0, fetchNone
}

// refreshDue проверяет и продвигает кэденс обновления текущей свечи
func (s *Service) refreshDue(symbol, tf string, tfMinutes int, now time.Time) bool {
	every := refreshInterval(tfMinutes)
	key := symbol + ":" + tf

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastRefresh[key]; ok && now.Sub(last) < every {
		return false
	}
	s.lastRefresh[key] = now
	return true
}

// refreshInterval — период обновления формирующейся свечи.
// Младшие таймфреймы обновляются чаще: 1/60 интервала в пределах [5с, 5м].
func refreshInterval(tfMinutes int) time.Duration {
	d := time.Duration(tfMinutes) * time.Minute / 60
	if d < 5*time.Second {
		d = 5 * time.Second
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// augment пересчитывает индикаторы по окну серии и персистит результат:
// индикаторную серию в кэш, изменённый хвост — в долговременное хранилище.
// Текущая свеча участвует только в расчёте и не попадает в базу.
func (s *Service) augment(ctx context.Context, symbol, tf string, window []candle.Candle, current *candle.Candle, changedSince int64) error {
	if min := s.minIndicatorLen(); len(window) < min {
		// историю добирают до вызова движка; у свежелистнутой пары её может не быть вовсе
		logger.Debug("⏳ %s %s: %d свечей — мало для индикаторов (минимум %d)",
			symbol, tf, len(window), min)
		return nil
	}

	if current == nil {
		if cur, err := s.store.GetCurrent(ctx, symbol, tf); err == nil && cur != nil {
			c := cur.Candle
			current = &c
		}
	}
	if current != nil && current.Timestamp > window[len(window)-1].Timestamp {
		window = append(append([]candle.Candle(nil), window...), *current)
	}

	var higher []candle.AugmentedCandle
	if dep := indicator.DependencyCode(tf); dep != "" {
		h, err := s.store.GetIndicator(ctx, symbol, dep)
		if err != nil {
			// без старшей серии тренд старшего ТФ останется нейтральным
			logger.Warn("⚠️ Старшая серия %s %s недоступна: %v", symbol, dep, err)
		} else {
			higher = h
		}
	}

	augmented, err := s.engine.Compute(window, higher)
	if err != nil {
		return fmt.Errorf("индикаторы %s %s: %w", symbol, tf, err)
	}

	if err := s.store.SaveIndicator(ctx, symbol, tf, augmented); err != nil {
		return err
	}

	s.persistDurable(ctx, symbol, tf, augmented, changedSince)
	return nil
}

// minIndicatorLen — порог запуска движка. Настройка может поднять минимум
// выше контрактного, опустить — нет: Compute короче своего минимума не работает.
func (s *Service) minIndicatorLen() int {
	if s.cfg.MinIndicatorCandles > s.engine.MinRequired() {
		return s.cfg.MinIndicatorCandles
	}
	return s.engine.MinRequired()
}

// persistDurable пишет изменённый хвост индикаторной серии в базу.
// Отказ не прерывает синхронизацию: кэш уже обновлён и остаётся
// источником для чтений, база догонит после восстановления.
func (s *Service) persistDurable(ctx context.Context, symbol, tf string, augmented []candle.AugmentedCandle, changedSince int64) {
	if changedSince <= 0 || !s.writer.Enabled() {
		return
	}

	batch := make([]candle.AugmentedCandle, 0, len(augmented))
	for _, a := range augmented {
		if a.IsCurrent || a.Timestamp < changedSince {
			continue
		}
		batch = append(batch, a)
	}
	if len(batch) == 0 {
		return
	}

	if err := s.writer.Upsert(ctx, symbol, tf, batch); err != nil {
		s.bumpStats(func(st *Stats) { st.Errors++ })
		logger.Error("❌ Запись %s %s в базу не удалась (%d свечей): %v", symbol, tf, len(batch), err)
		s.publish(event_bus.EventSyncError, event_bus.SyncErrorData{
			Symbol: symbol, Timeframe: tf, Stage: "durable_write", Error: err.Error(),
		})
		return
	}

	s.bumpStats(func(st *Stats) { st.Writes++ })
}

// CheckWriterHealth — плановая проверка писателя; смена состояния уходит в шину
func (s *Service) CheckWriterHealth(ctx context.Context) error {
	was := s.writer.Enabled()
	enabled := s.writer.HealthCheck(ctx)

	if was != enabled {
		stats := s.writer.GetStats()
		data := event_bus.WriterStateData{Enabled: enabled}
		if v, ok := stats["success_count"].(int64); ok {
			data.SuccessCount = v
		}
		if v, ok := stats["failure_count"].(int64); ok {
			data.FailureCount = v
		}
		s.publish(event_bus.EventWriterStateChanged, data)
	}
	return nil
}

// ReportStatus пишет сводку периода и обнуляет счётчики
func (s *Service) ReportStatus(context.Context) error {
	st := s.SnapshotStats(true)

	logger.Status("Синхронизация за период", map[string]string{
		"проходов":          strconv.FormatInt(st.Passes, 10),
		"пропущено (локи)":  strconv.FormatInt(st.Skipped, 10),
		"слито свечей":      strconv.FormatInt(st.Merged, 10),
		"дыр найдено":       strconv.FormatInt(st.GapsDetected, 10),
		"дыр закрыто":       strconv.FormatInt(st.GapsFilled, 10),
		"записей в базу":    strconv.FormatInt(st.Writes, 10),
		"ошибок":            strconv.FormatInt(st.Errors, 10),
		"писатель включен":  strconv.FormatBool(s.writer.Enabled()),
	})
	return nil
}

// SnapshotStats возвращает счётчики; reset обнуляет период
func (s *Service) SnapshotStats(reset bool) Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st := s.stats
	if reset {
		s.stats = Stats{}
	}
	return st
}

func (s *Service) bumpStats(fn func(*Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *Service) publish(t event_bus.EventType, data interface{}) {
	if s.bus == nil {
		return
	}
	// мониторинг не тормозит путь данных: переполнение шины игнорируется
	_ = s.bus.Publish(event_bus.Event{Type: t, Source: "sync", Data: data})
}

// syncLockKey — ключ блокировки прохода синхронизации пары
func syncLockKey(symbol, tf string) string {
	return fmt.Sprintf("sync:%s:%s", candle.NormalizeSymbol(symbol), tf)
}

// backfillLockKey — ключ блокировки дозагрузки дыры пары
func backfillLockKey(symbol, tf string) string {
	return fmt.Sprintf("backfill:%s:%s", candle.NormalizeSymbol(symbol), tf)
}

// splitCurrent отделяет формирующуюся свечу от закрытых
func splitCurrent(candles []candle.Candle) ([]candle.Candle, *candle.Candle) {
	completed := make([]candle.Candle, 0, len(candles))
	var current *candle.Candle

	for _, c := range candles {
		if c.IsCurrent {
			// у биржи формирующаяся свеча всегда последняя, но на всякий случай
			// берём самую свежую из помеченных
			if current == nil || c.Timestamp > current.Timestamp {
				cur := c
				current = &cur
			}
			continue
		}
		completed = append(completed, c)
	}

	return completed, current
}

func oldestTimestamp(candles []candle.Candle) int64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[0].Timestamp
}
