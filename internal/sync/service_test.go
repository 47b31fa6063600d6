package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/internal/infrastructure/persistence/redis_storage/candle_storage"
	"crypto-market-sync/internal/infrastructure/transport/event_bus"
)

// hourTS выровнен по границе часа
const hourTS = int64(1700002800)

// fakeKV — кэш на map с той же JSON-семантикой, что у Redis-обёртки
type fakeKV struct {
	data map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

func (f *fakeKV) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := f.data[key]
	if !ok {
		return redis.Nil
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context, pattern string) ([]string, error) {
	prefix := pattern
	if i := len(pattern) - 1; i >= 0 && pattern[i] == '*' {
		prefix = pattern[:i]
	}
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// fakeExchange отдаёт заготовленные ответы и запоминает вызовы
type fakeExchange struct {
	fetchFn     func(symbol, tf string, limit int) ([]candle.Candle, error)
	paginatedFn func(symbol, tf string, target int) ([]candle.Candle, error)
	rangeFn     func(symbol, tf string, fromTS, toTS int64) ([]candle.Candle, error)

	fetchCalls     int
	paginatedCalls int
	rangeCalls     [][2]int64
}

func (f *fakeExchange) FetchCandles(_ context.Context, symbol, tf string, limit int) ([]candle.Candle, error) {
	f.fetchCalls++
	if f.fetchFn == nil {
		return nil, nil
	}
	return f.fetchFn(symbol, tf, limit)
}

func (f *fakeExchange) FetchCandlesPaginated(_ context.Context, symbol, tf string, target int) ([]candle.Candle, error) {
	f.paginatedCalls++
	if f.paginatedFn == nil {
		return nil, nil
	}
	return f.paginatedFn(symbol, tf, target)
}

func (f *fakeExchange) FetchCandlesRange(_ context.Context, symbol, tf string, fromTS, toTS int64) ([]candle.Candle, error) {
	f.rangeCalls = append(f.rangeCalls, [2]int64{fromTS, toTS})
	if f.rangeFn == nil {
		return nil, nil
	}
	return f.rangeFn(symbol, tf, fromTS, toTS)
}

// fakeWriter копит принятые батчи
type fakeWriter struct {
	enabled   bool
	health    bool
	upsertErr error
	batches   [][]candle.AugmentedCandle
}

func (f *fakeWriter) Upsert(_ context.Context, _, _ string, rows []candle.AugmentedCandle) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeWriter) HealthCheck(context.Context) bool {
	f.enabled = f.health
	return f.health
}

func (f *fakeWriter) Enabled() bool { return f.enabled }

func (f *fakeWriter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"success_count": int64(len(f.batches)),
		"failure_count": int64(0),
	}
}

// fakeEngine помечает свечи вместо настоящего расчёта
type fakeEngine struct {
	min       int
	computed  int
	gotHigher int
	err       error
}

func (f *fakeEngine) Compute(candles []candle.Candle, higher []candle.AugmentedCandle) ([]candle.AugmentedCandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.computed++
	f.gotHigher = len(higher)

	out := make([]candle.AugmentedCandle, len(candles))
	for i, c := range candles {
		out[i] = candle.AugmentedCandle{Candle: c, Trend: 1}
	}
	return out, nil
}

func (f *fakeEngine) MinRequired() int {
	if f.min > 0 {
		return f.min
	}
	return 3
}

func (f *fakeEngine) WarmUp() int { return 0 }

// grantLocks всегда отдаёт блокировку
type grantLocks struct{}

func (grantLocks) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(context.Context) error) (bool, error) {
	return true, fn(ctx)
}

// busyLocks имитирует блокировку, занятую другим процессом
type busyLocks struct{}

func (busyLocks) WithLock(context.Context, string, time.Duration, func(context.Context) error) (bool, error) {
	return false, nil
}

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		Symbols:            []string{"BTC-USDT-SWAP"},
		Timeframes:         []string{"1h"},
		MaxSeriesLen:       100,
		WarmUpCandles:      5,
		BoundaryFetchLimit: 10,
		RefreshFetchLimit:  3,
		BackfillMaxCandles: 4,
		PollTick:           time.Second,
		LockTTL:            time.Minute,
	}
}

func newTestService(cfg *config.SyncConfig, ex *fakeExchange, w *fakeWriter, lk locker, bus *event_bus.EventBus) (*Service, *candle_storage.Storage) {
	st := candle_storage.NewStorageWithCache(newFakeKV(), cfg.MaxSeriesLen)
	return NewService(cfg, ex, st, w, &fakeEngine{min: 3}, lk, bus), st
}

func hourly(ts int64, close float64) candle.Candle {
	return candle.Candle{Timestamp: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 5}
}

func hourlyRange(fromTS, toTS int64) []candle.Candle {
	var out []candle.Candle
	for ts := fromTS; ts <= toTS; ts += 3600 {
		out = append(out, hourly(ts, float64(ts%100000)/10))
	}
	return out
}

func TestSyncPairInitialLoad(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	var gotTarget int
	ex := &fakeExchange{
		paginatedFn: func(_, _ string, target int) ([]candle.Candle, error) {
			gotTarget = target
			series := hourlyRange(hourTS, hourTS+39*3600)
			cur := hourly(hourTS+40*3600, 99)
			cur.IsCurrent = true
			return append(series, cur), nil
		},
	}
	w := &fakeWriter{enabled: true}
	svc, st := newTestService(cfg, ex, w, grantLocks{}, nil)
	svc.now = func() time.Time { return time.Unix(hourTS+40*3600+60, 0) }

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	// первичная загрузка целится в окно хранения плюс прогрев
	assert.Equal(t, cfg.MaxSeriesLen+cfg.WarmUpCandles, gotTarget)
	assert.Equal(t, 1, ex.paginatedCalls)

	raw, err := st.GetRaw(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Len(t, raw, 40) // формирующаяся свеча в серию не попадает

	cur, err := st.GetCurrent(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, hourTS+40*3600, cur.Timestamp)
	assert.True(t, cur.IsCurrent)

	// формирующаяся свеча участвует в расчёте индикаторов
	ind, err := st.GetIndicator(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	require.Len(t, ind, 41)
	assert.True(t, ind[len(ind)-1].IsCurrent)

	// в базу идут только закрытые свечи
	require.Len(t, w.batches, 1)
	assert.Len(t, w.batches[0], 40)
}

func TestSyncPairBoundaryFillsGap(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	ex := &fakeExchange{
		fetchFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			cur := hourly(hourTS+8*3600, 20)
			cur.IsCurrent = true
			return []candle.Candle{hourly(hourTS+7*3600, 18), cur}, nil
		},
		rangeFn: func(_, _ string, fromTS, toTS int64) ([]candle.Candle, error) {
			return hourlyRange(fromTS, toTS), nil
		},
	}
	svc, st := newTestService(cfg, ex, &fakeWriter{enabled: true}, grantLocks{}, nil)
	svc.now = func() time.Time { return time.Unix(hourTS+8*3600+30, 0) }

	// серия заканчивается на hourTS+4h, биржа уже на hourTS+7h
	_, err := st.Merge(ctx, "BTC-USDT-SWAP", "1h", hourlyRange(hourTS, hourTS+4*3600), 0)
	require.NoError(t, err)

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	raw, err := st.GetRaw(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Len(t, raw, 8)
	assert.Empty(t, candle.InternalGaps(raw, 60))

	// дозагрузка не перезапрашивает имеющийся левый край
	require.Len(t, ex.rangeCalls, 1)
	assert.Equal(t, [2]int64{hourTS + 5*3600, hourTS + 7*3600}, ex.rangeCalls[0])

	marker, err := st.GetGap(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Nil(t, marker)

	stats := svc.SnapshotStats(false)
	assert.Equal(t, int64(1), stats.GapsDetected)
	assert.Equal(t, int64(1), stats.GapsFilled)
}

func TestWideGapLeavesMarkerAndRescanHeals(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig() // лимит дозагрузки 4 свечи

	ex := &fakeExchange{
		fetchFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			return []candle.Candle{hourly(hourTS+10*3600, 30)}, nil
		},
		rangeFn: func(_, _ string, fromTS, toTS int64) ([]candle.Candle, error) {
			return hourlyRange(fromTS, toTS), nil
		},
	}
	svc, st := newTestService(cfg, ex, &fakeWriter{}, grantLocks{}, nil)
	svc.now = func() time.Time { return time.Unix(hourTS+11*3600, 0) }

	_, err := st.Merge(ctx, "BTC-USDT-SWAP", "1h", []candle.Candle{hourly(hourTS, 1)}, 0)
	require.NoError(t, err)

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	// дыра шире лимита: окно у свежего края залито, остаток в маркере
	marker, err := st.GetGap(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, hourTS, marker.StartTS)
	assert.Equal(t, hourTS+6*3600, marker.EndTS)

	// пересканер добирает остаток за конечное число проходов
	for i := 0; i < 4 && marker != nil; i++ {
		require.NoError(t, svc.RescanGaps(ctx))
		marker, err = st.GetGap(ctx, "BTC-USDT-SWAP", "1h")
		require.NoError(t, err)
	}
	assert.Nil(t, marker)

	raw, err := st.GetRaw(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Len(t, raw, 11)
	assert.Empty(t, candle.InternalGaps(raw, 60))
}

func TestRefreshCadenceThrottlesMidCandlePolls(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	ex := &fakeExchange{
		fetchFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			cur := hourly(hourTS+3600, 11)
			cur.IsCurrent = true
			return []candle.Candle{hourly(hourTS, 10), cur}, nil
		},
	}
	svc, st := newTestService(cfg, ex, &fakeWriter{}, grantLocks{}, nil)
	svc.now = func() time.Time { return time.Unix(hourTS+3600+600, 0) }

	_, err := st.Merge(ctx, "BTC-USDT-SWAP", "1h", hourlyRange(hourTS-5*3600, hourTS), 0)
	require.NoError(t, err)

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))
	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	// второй проход внутри каденса обновления на биржу не ходит
	assert.Equal(t, 1, ex.fetchCalls)
	assert.Equal(t, 0, ex.paginatedCalls)
}

func TestRunTickSkipsPairWhenLockBusy(t *testing.T) {
	cfg := testSyncConfig()
	ex := &fakeExchange{}
	svc, _ := newTestService(cfg, ex, &fakeWriter{}, busyLocks{}, nil)

	require.NoError(t, svc.RunTick(context.Background()))

	stats := svc.SnapshotStats(false)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(0), stats.Passes)
	assert.Equal(t, 0, ex.fetchCalls+ex.paginatedCalls)
}

func TestDurableWriteFailureDoesNotBlockCache(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	ex := &fakeExchange{
		paginatedFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			return hourlyRange(hourTS, hourTS+9*3600), nil
		},
	}
	w := &fakeWriter{enabled: true, upsertErr: errors.New("база недоступна")}
	svc, st := newTestService(cfg, ex, w, grantLocks{}, nil)
	svc.now = func() time.Time { return time.Unix(hourTS+10*3600, 0) }

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	// кэш обновлён несмотря на отказ писателя
	raw, err := st.GetRaw(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Len(t, raw, 10)

	ind, err := st.GetIndicator(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Len(t, ind, 10)

	assert.Equal(t, int64(1), svc.SnapshotStats(false).Errors)
}

func TestIndicatorSkippedBelowMinimum(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	ex := &fakeExchange{
		paginatedFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			return hourlyRange(hourTS, hourTS+3600), nil // 2 свечи — меньше минимума
		},
	}
	w := &fakeWriter{enabled: true}
	svc, st := newTestService(cfg, ex, w, grantLocks{}, nil)

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	ind, err := st.GetIndicator(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Empty(t, ind)
	assert.Empty(t, w.batches)
}

func TestConfigRaisesIndicatorMinimum(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()
	cfg.MinIndicatorCandles = 20 // выше минимума движка

	ex := &fakeExchange{
		paginatedFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			return hourlyRange(hourTS, hourTS+9*3600), nil // 10 свечей
		},
	}
	svc, st := newTestService(cfg, ex, &fakeWriter{enabled: true}, grantLocks{}, nil)

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	ind, err := st.GetIndicator(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Empty(t, ind, "поднятый настройкой порог откладывает расчёт")
}

func TestAugmentPassesHigherTimeframeSeries(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	ex := &fakeExchange{
		paginatedFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			return hourlyRange(hourTS, hourTS+9*3600), nil
		},
	}
	st := candle_storage.NewStorageWithCache(newFakeKV(), cfg.MaxSeriesLen)
	eng := &fakeEngine{min: 3}
	svc := NewService(cfg, ex, st, &fakeWriter{enabled: true}, eng, grantLocks{}, nil)

	// у 1h старший тренд читается из 4h
	higher := []candle.AugmentedCandle{
		{Candle: hourly(hourTS, 1), Trend: 1},
		{Candle: hourly(hourTS+4*3600, 2), Trend: 1},
	}
	require.NoError(t, st.SaveIndicator(ctx, "BTC-USDT-SWAP", "4h", higher))

	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	assert.Equal(t, 1, eng.computed)
	assert.Equal(t, len(higher), eng.gotHigher)
}

func TestPartialFetchStillMerged(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	ex := &fakeExchange{
		paginatedFn: func(_, _ string, _ int) ([]candle.Candle, error) {
			return hourlyRange(hourTS, hourTS+5*3600), errors.New("too many requests")
		},
	}
	svc, st := newTestService(cfg, ex, &fakeWriter{}, grantLocks{}, nil)

	// обрыв листания не теряет уже собранные свечи
	require.NoError(t, svc.SyncPair(ctx, "BTC-USDT-SWAP", "1h"))

	raw, err := st.GetRaw(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Len(t, raw, 6)
}

func TestBackfillWalksWideWindowInChunks(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()

	ex := &fakeExchange{
		rangeFn: func(_, _ string, fromTS, toTS int64) ([]candle.Candle, error) {
			return hourlyRange(fromTS, toTS), nil
		},
	}
	svc, st := newTestService(cfg, ex, &fakeWriter{enabled: true}, grantLocks{}, nil)

	added, err := svc.Backfill(ctx, "BTC-USDT-SWAP", "1h", hourTS, hourTS+10*3600)
	require.NoError(t, err)
	assert.Equal(t, 11, added)

	// окно идёт кусками лимита от свежего края к старому
	require.Len(t, ex.rangeCalls, 3)
	assert.Equal(t, [2]int64{hourTS + 7*3600, hourTS + 10*3600}, ex.rangeCalls[0])
	assert.Equal(t, [2]int64{hourTS + 3*3600, hourTS + 6*3600}, ex.rangeCalls[1])
	assert.Equal(t, [2]int64{hourTS, hourTS + 2*3600}, ex.rangeCalls[2])

	raw, err := st.GetRaw(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Len(t, raw, 11)
	assert.Empty(t, candle.InternalGaps(raw, 60))
}

func TestRescanDropsMarkerBeyondRetention(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig() // окно хранения 100 свечей

	ex := &fakeExchange{}
	svc, st := newTestService(cfg, ex, &fakeWriter{}, grantLocks{}, nil)

	_, err := st.Merge(ctx, "BTC-USDT-SWAP", "1h", hourlyRange(hourTS+199*3600, hourTS+200*3600), 0)
	require.NoError(t, err)
	require.NoError(t, st.RecordGap(ctx, "BTC-USDT-SWAP", "1h", candle.Gap{StartTS: hourTS, EndTS: hourTS + 50*3600}))

	require.NoError(t, svc.RescanGaps(ctx))

	marker, err := st.GetGap(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.Nil(t, marker)
	assert.Empty(t, ex.rangeCalls)
}

type captureSubscriber struct {
	events chan event_bus.Event
}

func (c *captureSubscriber) HandleEvent(e event_bus.Event) error {
	c.events <- e
	return nil
}

func (c *captureSubscriber) GetName() string { return "capture" }

func TestWriterHealthFlipPublishesEvent(t *testing.T) {
	bus := event_bus.NewEventBus()
	bus.Start()
	defer bus.Stop()

	capture := &captureSubscriber{events: make(chan event_bus.Event, 4)}
	bus.Subscribe(event_bus.EventWriterStateChanged, capture)

	w := &fakeWriter{enabled: false, health: true}
	svc, _ := newTestService(testSyncConfig(), &fakeExchange{}, w, grantLocks{}, bus)

	require.NoError(t, svc.CheckWriterHealth(context.Background()))

	select {
	case e := <-capture.events:
		data, ok := e.Data.(event_bus.WriterStateData)
		require.True(t, ok)
		assert.True(t, data.Enabled)
	case <-time.After(2 * time.Second):
		t.Fatal("событие смены состояния писателя не пришло")
	}

	// повторная проверка без смены состояния событий не публикует
	require.NoError(t, svc.CheckWriterHealth(context.Background()))
	select {
	case e := <-capture.events:
		t.Fatalf("неожиданное событие: %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
