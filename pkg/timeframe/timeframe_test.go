package timeframe

import (
	"testing"
	"time"
)

func TestToCodeToMinutesRoundTrip(t *testing.T) {
	for _, m := range AllMinutes {
		code := ToCode(m)
		got, err := ToMinutes(code)
		if err != nil {
			t.Fatalf("ToMinutes(%q): unexpected error: %v", code, err)
		}
		if got != m {
			t.Errorf("round trip for %d minutes: got %d via %q", m, got, code)
		}
	}
}

func TestToCode(t *testing.T) {
	tests := []struct {
		minutes int
		want    string
	}{
		{1, "1m"},
		{5, "5m"},
		{60, "1h"},
		{240, "4h"},
		{1440, "1d"},
		// нестандартные значения сводятся к часам, а не к ошибке
		{120, "2h"},
		{480, "8h"},
	}

	for _, tt := range tests {
		if got := ToCode(tt.minutes); got != tt.want {
			t.Errorf("ToCode(%d) = %q, want %q", tt.minutes, got, tt.want)
		}
	}
}

func TestToMinutesFallbackAndErrors(t *testing.T) {
	tests := []struct {
		code    string
		want    int
		wantErr bool
	}{
		{"2h", 120, false},
		{"8h", 480, false},
		{"45m", 45, false},
		{"2d", 2880, false},
		{" 1H ", 60, false}, // регистр и пробелы не важны
		{"", 0, true},
		{"abc", 0, true},
		{"-5m", 0, true},
		{"0m", 0, true},
	}

	for _, tt := range tests {
		got, err := ToMinutes(tt.code)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ToMinutes(%q): expected error, got %d", tt.code, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ToMinutes(%q): unexpected error: %v", tt.code, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ToMinutes(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAlign(t *testing.T) {
	// 2023-11-14 22:13:20.500 UTC
	const tsMs = int64(1700000000500)

	tests := []struct {
		minutes int
		want    int64
	}{
		{1, 1699999980},  // 22:13:00
		{5, 1699999800},  // 22:10:00
		{60, 1699999200}, // 22:00:00
		{1440, 1699920000},
	}

	for _, tt := range tests {
		got := Align(tsMs, tt.minutes)
		if got != tt.want {
			t.Errorf("Align(%d, %d) = %d, want %d", tsMs, tt.minutes, got, tt.want)
		}
		if got%IntervalSeconds(tt.minutes) != 0 {
			t.Errorf("Align(%d, %d) = %d is not on a %dm boundary", tsMs, tt.minutes, got, tt.minutes)
		}
	}
}

func TestAlignIdempotent(t *testing.T) {
	const tsMs = int64(1700000000500)

	for _, m := range AllMinutes {
		once := Align(tsMs, m)
		twice := Align(once*1000, m)
		if once != twice {
			t.Errorf("Align not idempotent for %dm: %d != %d", m, once, twice)
		}
	}
}

func TestDuration(t *testing.T) {
	if d := Duration("4h"); d != 4*time.Hour {
		t.Errorf("Duration(4h) = %v, want 4h", d)
	}
	if d := Duration("мусор"); d != DefaultDuration {
		t.Errorf("Duration on garbage = %v, want default %v", d, DefaultDuration)
	}
}

func TestNextBoundary(t *testing.T) {
	// 22:13:20 UTC → следующая часовая свеча открывается в 23:00:00
	at := time.Unix(1700000000, 0).UTC()
	next := NextBoundary(at, 60)
	if got := next.Unix(); got != 1700002800 {
		t.Errorf("NextBoundary hour = %d, want 1700002800", got)
	}
	if !BucketStart(at, 60).Equal(time.Unix(1699999200, 0).UTC()) {
		t.Errorf("BucketStart hour = %v", BucketStart(at, 60))
	}
}
