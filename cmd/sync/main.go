package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crypto-market-sync/application/bootstrap"
	"crypto-market-sync/internal/config"
	"crypto-market-sync/pkg/logger"
)

func main() {
	// Загружаем конфигурацию
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

	printHeader("СИНХРОНИЗАТОР РЫНОЧНЫХ ДАННЫХ OKX")
	cfg.PrintSummary()
	fmt.Println()

	startTime := time.Now()

	app := bootstrap.NewApp(cfg)
	if err := app.Start(); err != nil {
		log.Fatalf("Не удалось запустить приложение: %v", err)
	}

	fmt.Printf("🚀 Синхронизатор запущен: %d пар (%d символов x %d таймфреймов)\n",
		len(cfg.Sync.Symbols)*len(cfg.Sync.Timeframes),
		len(cfg.Sync.Symbols), len(cfg.Sync.Timeframes))
	fmt.Println("🎮 Управление:")
	fmt.Println("   Ctrl+C - Остановить синхронизатор")
	fmt.Println()

	// Обработка сигналов для graceful shutdown
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan

	fmt.Println()
	printHeader("Завершение работы")

	app.Stop()

	// Счётчики с момента последнего периодического отчёта
	stats := app.Sync().SnapshotStats(false)
	fmt.Printf("⏱️  Время работы: %s\n", formatDuration(time.Since(startTime)))
	fmt.Printf("🔄 Проходов с последнего отчёта: %d (пропущено из-за блокировок: %d)\n",
		stats.Passes, stats.Skipped)
	fmt.Printf("📊 Слито свечей: %d, записей в базу: %d\n", stats.Merged, stats.Writes)
	fmt.Printf("🕳️  Дыр обнаружено: %d, закрыто: %d\n", stats.GapsDetected, stats.GapsFilled)
	if stats.Errors > 0 {
		fmt.Printf("❌ Ошибок: %d\n", stats.Errors)
	}

	fmt.Println("✅ Синхронизатор остановлен корректно")
}

func printHeader(text string) {
	width := 80
	padding := (width - len(text)) / 2

	if padding < 0 {
		padding = 0
	}

	fmt.Println(strings.Repeat("═", width))
	fmt.Printf("%s%s%s\n",
		strings.Repeat(" ", padding),
		text,
		strings.Repeat(" ", width-len(text)-padding))
	fmt.Println(strings.Repeat("═", width))
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	}
	return fmt.Sprintf("%dс", seconds)
}
