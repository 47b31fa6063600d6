// internal/infrastructure/persistence/postgres/migrator.go
package postgres

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"crypto-market-sync/internal/infrastructure/persistence/postgres/repository/candles"
	"crypto-market-sync/pkg/logger"
)

// Migrator приводит схему базы к актуальному виду.
// Таблицы свечей создаются по одной на символ, поэтому статические
// SQL-файлы не подходят: набор таблиц зависит от конфигурации.
type Migrator struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewMigrator создает новый мигратор
func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger.GetLogger(),
	}
}

// EnsureCandleTables создает таблицы свечей для всех настроенных символов
func (m *Migrator) EnsureCandleTables(symbols []string) error {
	m.logger.Info("🚀 Проверка схемы базы данных...")

	created := 0
	for _, symbol := range symbols {
		table := candles.TableName(symbol)
		if err := m.ensureCandleTable(table); err != nil {
			return fmt.Errorf("failed to ensure table %s: %w", table, err)
		}
		created++
	}

	m.logger.Info("✅ Схема готова: %d таблиц свечей", created)
	return nil
}

// ensureCandleTable создает таблицу свечей и уникальный индекс (time, timeframe).
// Запрос идемпотентен и выполняется при каждом старте.
func (m *Migrator) ensureCandleTable(table string) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		time BIGINT NOT NULL,
		timeframe VARCHAR(8) NOT NULL,
		open NUMERIC(24,12) NOT NULL,
		high NUMERIC(24,12) NOT NULL,
		low NUMERIC(24,12) NOT NULL,
		close NUMERIC(24,12) NOT NULL,
		volume NUMERIC(30,12) NOT NULL,
		rsi NUMERIC(24,12),
		ma_short NUMERIC(24,12),
		ma_long NUMERIC(24,12),
		trend SMALLINT NOT NULL DEFAULT 0,
		trend_htf SMALLINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_time_tf ON %[1]s(time, timeframe);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_timeframe ON %[1]s(timeframe);
	`, table)

	if _, err := m.db.Exec(query); err != nil {
		return err
	}

	m.logger.Debug("📄 Таблица готова: %s", table)
	return nil
}
