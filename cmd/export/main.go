package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/internal/export"
	redis_service "crypto-market-sync/internal/infrastructure/cache/redis"
	"crypto-market-sync/internal/infrastructure/persistence/redis_storage/candle_storage"
	"crypto-market-sync/pkg/logger"
	"crypto-market-sync/pkg/timeframe"
)

// Выгрузка серии свечей из кэша в parquet-файл для офлайн-анализа.
// Команде нужен только Redis: ни биржа, ни база не трогаются.
func main() {
	symbol := flag.String("symbol", "", "символ инструмента (например BTC-USDT-SWAP)")
	tf := flag.String("tf", "1h", "таймфрейм: 1m, 5m, 30m, 1h, 4h, 1d")
	out := flag.String("out", "", "путь файла выгрузки (по умолчанию EXPORT_DIR/символ_таймфрейм_дата.parquet)")
	flag.Parse()

	if *symbol == "" {
		flag.Usage()
		log.Fatalf("обязательный флаг: -symbol")
	}
	if !timeframe.IsValid(*tf) {
		log.Fatalf("неизвестный таймфрейм %q", *tf)
	}

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Не удалось загрузить конфигурацию: %v", err)
	}
	if err := logger.InitGlobal(cfg.LogFile, cfg.LogLevel, cfg.Debug); err != nil {
		log.Fatalf("Не удалось открыть файл журнала: %v", err)
	}

	redisService := redis_service.NewRedisService(cfg)
	if err := redisService.Start(); err != nil {
		log.Fatalf("Redis недоступен: %v", err)
	}
	defer redisService.Stop()

	storage, err := candle_storage.NewStorage(redisService, cfg.Sync.MaxSeriesLen)
	if err != nil {
		log.Fatalf("Не удалось создать хранилище: %v", err)
	}

	ctx := context.Background()
	candles, err := storage.GetRaw(ctx, *symbol, *tf)
	if err != nil {
		log.Fatalf("Чтение серии %s %s: %v", *symbol, *tf, err)
	}

	path := *out
	if path == "" {
		path = export.FileName(cfg.ExportDir, *symbol, *tf, time.Now())
	}

	if err := export.WriteSeries(path, *symbol, *tf, candles); err != nil {
		log.Fatalf("Выгрузка не удалась: %v", err)
	}
	fmt.Printf("✅ %d свечей %s %s выгружено в %s\n", len(candles), *symbol, *tf, path)
}
