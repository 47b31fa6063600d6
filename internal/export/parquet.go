// internal/export/parquet.go
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/pkg/logger"
)

// candleRow — строка parquet-выгрузки одной свечи
type candleRow struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Timeframe string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, encoding=DELTA_BINARY_PACKED"`
	Date      string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Open      float64 `parquet:"name=open, type=DOUBLE, encoding=PLAIN"`
	High      float64 `parquet:"name=high, type=DOUBLE, encoding=PLAIN"`
	Low       float64 `parquet:"name=low, type=DOUBLE, encoding=PLAIN"`
	Close     float64 `parquet:"name=close, type=DOUBLE, encoding=PLAIN"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE, encoding=PLAIN"`
}

// WriteSeries выгружает серию свечей в parquet-файл по пути path.
// Файл сжимается GZIP: выгрузки читаются пакетно, скорость записи не важна.
func WriteSeries(path, symbol, tf string, candles []candle.Candle) error {
	if len(candles) == 0 {
		return fmt.Errorf("серия %s %s пуста, выгружать нечего", symbol, tf)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("создание каталога выгрузки: %w", err)
		}
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("создание файла выгрузки: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(candleRow), 4)
	if err != nil {
		return fmt.Errorf("создание parquet-писателя: %w", err)
	}

	pw.CompressionType = parquet.CompressionCodec_GZIP
	// крупные row group лучше сжимаются
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024

	for _, c := range candles {
		row := candleRow{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: c.Timestamp,
			Date:      time.Unix(c.Timestamp, 0).UTC().Format("2006-01-02"),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("запись строки %d: %w", c.Timestamp, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("финализация parquet-файла: %w", err)
	}

	logger.Info("💾 Выгружено %d свечей %s %s в %s", len(candles), symbol, tf, path)
	return nil
}

// FileName строит имя файла выгрузки в каталоге dir:
// "BTC-USDT-SWAP" 1h -> dir/btc_usdt_1h_20260102.parquet
func FileName(dir, symbol, tf string, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.parquet",
		candle.NormalizeSymbol(symbol), tf, now.UTC().Format("20060102"))
	return filepath.Join(dir, name)
}
