// internal/infrastructure/api/exchanges/okx/ws/candle_watcher.go
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/internal/core/domain/candle"
	okx "crypto-market-sync/internal/infrastructure/api/exchanges/okx"
	"crypto-market-sync/internal/infrastructure/persistence/redis_storage/candle_storage"
	"crypto-market-sync/internal/infrastructure/transport/event_bus"
	"crypto-market-sync/pkg/logger"
	"crypto-market-sync/pkg/timeframe"
)

const subscribeBatchSize = 10

// seriesStore — узкий интерфейс записи свечей в кэш.
// Реализуется candle_storage.Storage.
type seriesStore interface {
	Merge(ctx context.Context, symbol, tf string, incoming []candle.Candle, warmUp int) (candle_storage.MergeResult, error)
	SetCurrent(ctx context.Context, symbol, tf string, c candle.Candle) error
}

// pendingCurrent — последняя полученная формирующаяся свеча пары символ/таймфрейм
type pendingCurrent struct {
	symbol string
	tf     string
	c      candle.Candle
}

// CandleWatcher держит одно WS-соединение с OKX, подписывается на свечные
// каналы всех пар символ/таймфрейм и пишет данные в кэш:
// закрытые свечи сливаются в серию сразу, текущие - батчем раз в saveInterval.
type CandleWatcher struct {
	store      seriesStore
	bus        *event_bus.EventBus
	wsURL      string
	symbols    []string
	timeframes []string
	warmUp     int

	saveInterval      time.Duration
	pingInterval      time.Duration
	statusInterval    time.Duration
	reconnectCooldown time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	// последняя текущая свеча по ключу символ:таймфрейм, сбрасывается flushLoop
	pendingMu sync.Mutex
	pending   map[string]pendingCurrent

	// счётчики статуса, обнуляются при каждом отчёте
	statsMu    sync.Mutex
	received   int
	merged     int
	written    int
	reconnects int
}

// NewCandleWatcher создает наблюдатель свечных каналов OKX
func NewCandleWatcher(store seriesStore, cfg *config.Config) *CandleWatcher {
	w := &CandleWatcher{
		store:             store,
		wsURL:             cfg.Exchange.WSURL,
		symbols:           cfg.Sync.Symbols,
		timeframes:        cfg.Sync.Timeframes,
		warmUp:            cfg.Sync.WarmUpCandles,
		saveInterval:      cfg.Stream.SaveInterval,
		pingInterval:      cfg.Stream.PingInterval,
		statusInterval:    cfg.Stream.StatusInterval,
		reconnectCooldown: cfg.Stream.ReconnectCooldown,
		stopCh:            make(chan struct{}),
		pending:           make(map[string]pendingCurrent),
	}

	// защита тикеров от нулевых интервалов из пустого окружения
	if w.saveInterval <= 0 {
		w.saveInterval = 5 * time.Second
	}
	if w.pingInterval <= 0 {
		w.pingInterval = 20 * time.Second
	}
	if w.statusInterval <= 0 {
		w.statusInterval = 5 * time.Minute
	}
	if w.reconnectCooldown <= 0 {
		w.reconnectCooldown = 5 * time.Second
	}

	return w
}

// SetEventBus подключает шину событий; без неё наблюдатель просто не публикует
func (w *CandleWatcher) SetEventBus(bus *event_bus.EventBus) {
	w.bus = bus
}

// publishState сообщает шине о смене состояния соединения
func (w *CandleWatcher) publishState(eventType event_bus.EventType) {
	if w.bus == nil {
		return
	}
	w.statsMu.Lock()
	reconnects := w.reconnects
	w.statsMu.Unlock()

	_ = w.bus.Publish(event_bus.Event{
		Type:   eventType,
		Source: "stream",
		Data: event_bus.StreamStateData{
			URL:           w.wsURL,
			Subscriptions: len(w.symbols) * len(w.timeframes),
			Reconnects:    reconnects,
		},
	})
}

// Start запускает горутины соединения, сброса текущих свечей и отчёта
func (w *CandleWatcher) Start() error {
	if len(w.symbols) == 0 || len(w.timeframes) == 0 {
		return fmt.Errorf("candle watcher: no symbols or timeframes configured")
	}

	w.wg.Add(1)
	go w.connectLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.wg.Add(1)
	go w.statusLoop()

	logger.Info("🌊 CandleWatcher: запущен, подписок: %d (%d символов x %d таймфреймов)",
		len(w.symbols)*len(w.timeframes), len(w.symbols), len(w.timeframes))
	return nil
}

// Stop останавливает все горутины и ждёт их завершения
func (w *CandleWatcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	logger.Info("🛑 CandleWatcher: остановлен")
}

// connectLoop — WS-соединение с фиксированной паузой перед переподключением.
// Пауза не нарастает: поток свечей важнее щадящего режима, а сервер
// и так отсекает лишние подключения.
func (w *CandleWatcher) connectLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		logger.Info("🔌 CandleWatcher: подключение к OKX WS")
		err := w.runConnection()

		select {
		case <-w.stopCh:
			return
		default:
		}

		if err != nil {
			logger.Warn("⚠️ CandleWatcher: соединение прервано: %v, повтор через %v", err, w.reconnectCooldown)
		}
		w.publishState(event_bus.EventStreamDisconnected)

		w.statsMu.Lock()
		w.reconnects++
		w.statsMu.Unlock()

		select {
		case <-time.After(w.reconnectCooldown):
		case <-w.stopCh:
			return
		}
	}
}

// runConnection устанавливает одно WS-соединение, подписывается и читает пуши
func (w *CandleWatcher) runConnection() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := websocket.Dial(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("ошибка подключения: %w", err)
	}
	defer conn.CloseNow()

	logger.Info("✅ CandleWatcher: WS-соединение установлено")

	if err := w.subscribeAll(ctx, conn); err != nil {
		return fmt.Errorf("ошибка подписки: %w", err)
	}
	w.publishState(event_bus.EventStreamConnected)

	// Пинг-горутина: сервер рвёт соединение после 30 секунд тишины
	pingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	defer close(pingStop)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // нормальная остановка
			default:
				return fmt.Errorf("ошибка чтения: %w", err)
			}
		}

		// ответ на heartbeat приходит сырым текстом, не JSON
		if string(data) == "pong" {
			logger.Debug("🏓 CandleWatcher: получен pong")
			continue
		}

		w.handleMessage(ctx, data)
	}
}

// subscribeAll подписывается на канал свечей каждой пары символ/таймфрейм,
// отправляя аргументы батчами
func (w *CandleWatcher) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	args := make([]subscribeArg, 0, len(w.symbols)*len(w.timeframes))
	for _, sym := range w.symbols {
		for _, tf := range w.timeframes {
			args = append(args, subscribeArg{Channel: ChannelCandle(tf), InstID: sym})
		}
	}

	for i := 0; i < len(args); i += subscribeBatchSize {
		end := i + subscribeBatchSize
		if end > len(args) {
			end = len(args)
		}

		msg := wsSubscribeMsg{Op: "subscribe", Args: args[i:end]}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return err
		}
		// Небольшая пауза между батчами
		time.Sleep(50 * time.Millisecond)
	}

	logger.Info("📡 CandleWatcher: подписан на %d каналов", len(args))
	return nil
}

// handleMessage обрабатывает входящее сообщение
func (w *CandleWatcher) handleMessage(ctx context.Context, raw []byte) {
	// Событийные ответы сервера (подтверждение подписки / ошибка)
	var ev wsEventMsg
	if err := json.Unmarshal(raw, &ev); err == nil && ev.Event != "" {
		switch ev.Event {
		case "subscribe":
			logger.Debug("✅ CandleWatcher: подписка подтверждена: %s %s", ev.Arg.Channel, ev.Arg.InstID)
		case "error":
			logger.Warn("⚠️ CandleWatcher: ошибка сервера %s: %s", ev.Code, ev.Msg)
		}
		return
	}

	var msg candleMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Arg.Channel, "candle") || msg.Arg.InstID == "" || len(msg.Data) == 0 {
		return
	}

	symbol := msg.Arg.InstID
	tf := timeframeFromChannel(msg.Arg.Channel)
	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		logger.Warn("⚠️ CandleWatcher: неизвестный канал %s", msg.Arg.Channel)
		return
	}

	w.statsMu.Lock()
	w.received += len(msg.Data)
	w.statsMu.Unlock()

	var completed []candle.Candle
	var current *candle.Candle
	for _, row := range msg.Data {
		parsed, err := okx.ParseRow(row, tfMinutes)
		if err != nil {
			logger.Warn("⚠️ CandleWatcher: пропущена строка %s %s: %v", symbol, tf, err)
			continue
		}
		if parsed.IsCurrent {
			cur := parsed
			current = &cur
		} else {
			completed = append(completed, parsed)
		}
	}

	// Закрытые свечи сливаются в серию сразу: слияние идемпотентно,
	// дубли с REST-опросом безопасны
	if len(completed) > 0 {
		if _, err := w.store.Merge(ctx, symbol, tf, completed, w.warmUp); err != nil {
			logger.Error("❌ CandleWatcher: ошибка слияния %s %s: %v", symbol, tf, err)
		} else {
			w.statsMu.Lock()
			w.merged += len(completed)
			w.statsMu.Unlock()
		}
	}

	// Текущая свеча откладывается до ближайшего сброса, побеждает последняя
	if current != nil {
		key := symbol + ":" + tf
		w.pendingMu.Lock()
		w.pending[key] = pendingCurrent{symbol: symbol, tf: tf, c: *current}
		w.pendingMu.Unlock()
	}
}

// flushLoop раз в saveInterval записывает накопленные текущие свечи в кэш
func (w *CandleWatcher) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.stopCh:
			return
		}
	}
}

// flush пишет последнюю текущую свечу каждой пары и очищает буфер
func (w *CandleWatcher) flush() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]pendingCurrent)
	w.pendingMu.Unlock()

	ctx := context.Background()
	written := 0
	for _, p := range batch {
		if err := w.store.SetCurrent(ctx, p.symbol, p.tf, p.c); err != nil {
			logger.Error("❌ CandleWatcher: ошибка записи текущей свечи %s %s: %v", p.symbol, p.tf, err)
			continue
		}
		written++
	}

	w.statsMu.Lock()
	w.written += written
	w.statsMu.Unlock()
}

// statusLoop периодически пишет сводку работы потока
func (w *CandleWatcher) statusLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.reportStatus()
		case <-w.stopCh:
			return
		}
	}
}

// reportStatus пишет счётчики за период и обнуляет их
func (w *CandleWatcher) reportStatus() {
	w.statsMu.Lock()
	received, merged, written, reconnects := w.received, w.merged, w.written, w.reconnects
	w.received, w.merged, w.written, w.reconnects = 0, 0, 0, 0
	w.statsMu.Unlock()

	logger.Info("📊 CandleWatcher: за %v получено %d свечей, закрытых слито %d, текущих записано %d, переподключений %d",
		w.statusInterval, received, merged, written, reconnects)
}
