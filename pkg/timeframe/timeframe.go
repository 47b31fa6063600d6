// pkg/timeframe/timeframe.go
package timeframe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToMinutes конвертирует строковый код таймфрейма в минуты
func ToMinutes(code string) (int, error) {
	code = strings.ToLower(strings.TrimSpace(code))

	switch code {
	case Code1m:
		return Minutes1, nil
	case Code3m:
		return Minutes3, nil
	case Code5m:
		return Minutes5, nil
	case Code15m:
		return Minutes15, nil
	case Code30m:
		return Minutes30, nil
	case Code1h:
		return Minutes60, nil
	case Code4h:
		return Minutes240, nil
	case Code6h:
		return Minutes360, nil
	case Code12h:
		return Minutes720, nil
	case Code1d:
		return Minutes1440, nil
	default:
		// Пробуем распарсить как число с суффиксом m/h/d
		if n, ok := parseSuffixed(code, "m", 1); ok {
			return n, nil
		}
		if n, ok := parseSuffixed(code, "h", 60); ok {
			return n, nil
		}
		if n, ok := parseSuffixed(code, "d", 1440); ok {
			return n, nil
		}
		return 0, fmt.Errorf("неизвестный формат таймфрейма: %s", code)
	}
}

func parseSuffixed(code, suffix string, mult int) (int, bool) {
	if !strings.HasSuffix(code, suffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(code, suffix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}

// ToCode конвертирует минуты в строковый код таймфрейма.
// Неизвестные значения сводятся к часовому коду "Nh" и не считаются ошибкой.
func ToCode(minutes int) string {
	switch minutes {
	case Minutes1:
		return Code1m
	case Minutes3:
		return Code3m
	case Minutes5:
		return Code5m
	case Minutes15:
		return Code15m
	case Minutes30:
		return Code30m
	case Minutes60:
		return Code1h
	case Minutes240:
		return Code4h
	case Minutes360:
		return Code6h
	case Minutes720:
		return Code12h
	case Minutes1440:
		return Code1d
	default:
		return fmt.Sprintf("%dh", minutes/60)
	}
}

// Align приводит миллисекундный timestamp к началу свечи таймфрейма.
// Возвращает секунды: каждый timestamp обязан пройти через Align до попадания в серию.
func Align(tsMs int64, minutes int) int64 {
	bucketMs := int64(minutes) * 60_000
	return tsMs / bucketMs * int64(minutes) * 60
}

// IntervalSeconds возвращает длину свечи таймфрейма в секундах
func IntervalSeconds(minutes int) int64 {
	return int64(minutes) * 60
}

// Duration конвертирует строковый код в time.Duration (без ошибки)
func Duration(code string) time.Duration {
	minutes, err := ToMinutes(code)
	if err != nil {
		return DefaultDuration
	}
	return time.Duration(minutes) * time.Minute
}

// IsValid проверяет, поддерживается ли код таймфрейма
func IsValid(code string) bool {
	_, err := ToMinutes(code)
	return err == nil
}

// IsStandard проверяет, входит ли код в фиксированный набор
func IsStandard(code string) bool {
	for _, std := range AllCodes {
		if code == std {
			return true
		}
	}
	return false
}

// NextBoundary возвращает момент открытия следующей свечи таймфрейма
func NextBoundary(t time.Time, minutes int) time.Time {
	aligned := Align(t.UnixMilli(), minutes)
	return time.Unix(aligned+IntervalSeconds(minutes), 0).UTC()
}

// BucketStart возвращает момент открытия свечи, в которую попадает t
func BucketStart(t time.Time, minutes int) time.Time {
	return time.Unix(Align(t.UnixMilli(), minutes), 0).UTC()
}
