package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"crypto-market-sync/application/bootstrap"
	"crypto-market-sync/internal/config"
	"crypto-market-sync/pkg/logger"
	"crypto-market-sync/pkg/timeframe"
)

// Разовая дозагрузка исторического окна одной пары символ/таймфрейм.
// Работает через тот же стек, что и основной синхронизатор, но без
// WS-потока и планировщика: команда отрабатывает и выходит.
func main() {
	symbol := flag.String("symbol", "", "символ инструмента (например BTC-USDT-SWAP)")
	tf := flag.String("tf", "1h", "таймфрейм: 1m, 5m, 30m, 1h, 4h, 1d")
	from := flag.String("from", "", "начало окна: YYYY-MM-DD или RFC3339")
	to := flag.String("to", "", "конец окна, по умолчанию текущий момент")
	flag.Parse()

	if *symbol == "" || *from == "" {
		flag.Usage()
		log.Fatalf("обязательные флаги: -symbol и -from")
	}
	if !timeframe.IsValid(*tf) {
		log.Fatalf("неизвестный таймфрейм %q", *tf)
	}

	fromTS, err := parseTime(*from)
	if err != nil {
		log.Fatalf("не удалось разобрать -from: %v", err)
	}
	toTS := time.Now().Unix()
	if *to != "" {
		if toTS, err = parseTime(*to); err != nil {
			log.Fatalf("не удалось разобрать -to: %v", err)
		}
	}

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Не удалось загрузить конфигурацию: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Некорректная конфигурация: %v", err)
	}
	if err := logger.InitGlobal(cfg.LogFile, cfg.LogLevel, cfg.Debug); err != nil {
		log.Fatalf("Не удалось открыть файл журнала: %v", err)
	}

	app := bootstrap.NewApp(cfg, bootstrap.WithoutStream(), bootstrap.WithoutScheduler())
	if err := app.Start(); err != nil {
		log.Fatalf("Не удалось запустить приложение: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	added, err := app.Sync().Backfill(ctx, *symbol, *tf, fromTS, toTS)
	app.Stop()

	if err != nil {
		log.Fatalf("Дозагрузка прервана после %d свечей: %v", added, err)
	}
	fmt.Printf("✅ Дозагружено %d новых свечей %s %s за %v\n",
		added, *symbol, *tf, time.Since(start).Round(time.Millisecond))
}

// parseTime принимает дату или полный штамп времени, возвращает unix-секунды
func parseTime(s string) (int64, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Unix(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("ожидается YYYY-MM-DD или RFC3339: %w", err)
	}
	return t.Unix(), nil
}
