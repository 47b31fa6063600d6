package candle

import (
	"math"
	"testing"
)

func mk(ts int64, close float64) Candle {
	return Candle{Timestamp: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 10}
}

func TestMergeLastWriteWins(t *testing.T) {
	existing := []Candle{mk(3600, 100), mk(7200, 101)}

	// та же свеча с новыми значениями не должна увеличивать серию
	merged, added := Merge(existing, []Candle{mk(7200, 200)})

	if added != 0 {
		t.Errorf("added = %d, want 0 (timestamp уже был)", added)
	}
	if len(merged) != 2 {
		t.Fatalf("len = %d, want 2", len(merged))
	}
	if merged[1].Close != 200 {
		t.Errorf("close = %v, want 200 (последняя запись побеждает)", merged[1].Close)
	}
}

func TestMergeOutOfOrder(t *testing.T) {
	// часовые свечи приходят в произвольном порядке
	base := int64(1700002800)
	incoming := []Candle{mk(base+7200, 3), mk(base, 1), mk(base+3600, 2)}

	merged, added := Merge(nil, incoming)

	if added != 3 || len(merged) != 3 {
		t.Fatalf("added=%d len=%d, want 3/3", added, len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].Timestamp <= merged[i-1].Timestamp {
			t.Errorf("серия не отсортирована: %d после %d", merged[i].Timestamp, merged[i-1].Timestamp)
		}
	}
	if merged[0].Close != 1 || merged[2].Close != 3 {
		t.Errorf("порядок значений нарушен: %v", merged)
	}
}

func TestMergeIdempotent(t *testing.T) {
	existing := []Candle{mk(60, 1), mk(120, 2)}

	merged, added := Merge(existing, []Candle{mk(60, 1), mk(120, 2)})

	if added != 0 || len(merged) != len(existing) {
		t.Errorf("повторное слияние изменило серию: added=%d len=%d", added, len(merged))
	}
}

func TestTrim(t *testing.T) {
	candles := make([]Candle, 10)
	for i := range candles {
		candles[i] = mk(int64((i+1)*60), float64(i))
	}

	trimmed := Trim(candles, 4)

	if len(trimmed) != 4 {
		t.Fatalf("len = %d, want 4", len(trimmed))
	}
	// отбрасываются самые старые
	if trimmed[0].Timestamp != 7*60 {
		t.Errorf("первый после trim = %d, want %d", trimmed[0].Timestamp, 7*60)
	}

	if got := Trim(candles, 100); len(got) != 10 {
		t.Errorf("trim с запасом не должен менять серию")
	}
}

func TestDetectGap(t *testing.T) {
	const tf = 60 // 1h, интервал 3600с

	tests := []struct {
		name    string
		last    int64
		newest  int64
		wantGap bool
	}{
		{"соседние свечи", 3600, 7200, false},
		{"ровно 1.5 интервала — ещё не дыра", 3600, 3600 + 5400, false},
		{"чуть больше 1.5 интервала", 3600, 3600 + 5401, true},
		{"двое суток", 3600, 3600 + 48*3600, true},
		{"новых нет", 7200, 7200, false},
		{"пустая серия", 0, 7200, false},
	}

	for _, tt := range tests {
		g := DetectGap(tt.last, tt.newest, tf)
		if (g != nil) != tt.wantGap {
			t.Errorf("%s: gap=%v, want %v", tt.name, g, tt.wantGap)
		}
		if g != nil && (g.StartTS != tt.last || g.EndTS != tt.newest) {
			t.Errorf("%s: границы %+v", tt.name, g)
		}
	}
}

func TestInternalGaps(t *testing.T) {
	// дыра между 2-й и 3-й свечой: 3 пропущенных часа
	series := []Candle{mk(3600, 1), mk(7200, 2), mk(7200+4*3600, 3)}

	gaps := InternalGaps(series, 60)

	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	if gaps[0].StartTS != 7200 || gaps[0].EndTS != 7200+4*3600 {
		t.Errorf("границы дыры: %+v", gaps[0])
	}
}

func TestClampBackfill(t *testing.T) {
	g := Gap{StartTS: 0, EndTS: 5000 * 3600}

	clamped, wasClamped := ClampBackfill(g, 60, 1000)

	if !wasClamped {
		t.Fatal("дыра шире лимита должна быть ограничена")
	}
	if clamped.EndTS != g.EndTS {
		t.Errorf("окно должно прижиматься к свежему краю: %+v", clamped)
	}
	if clamped.Width() != 1000*3600 {
		t.Errorf("ширина окна = %d, want %d", clamped.Width(), 1000*3600)
	}

	small := Gap{StartTS: 0, EndTS: 10 * 3600}
	if _, c := ClampBackfill(small, 60, 1000); c {
		t.Error("маленькая дыра не должна ограничиваться")
	}
}

func TestValidate(t *testing.T) {
	valid := mk(3600, 100)
	if err := Validate(valid, 60); err != nil {
		t.Fatalf("валидная свеча отклонена: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Candle)
	}{
		{"нет timestamp", func(c *Candle) { c.Timestamp = 0 }},
		{"невыровненный timestamp", func(c *Candle) { c.Timestamp = 3601 }},
		{"NaN в close", func(c *Candle) { c.Close = math.NaN() }},
		{"Inf в high", func(c *Candle) { c.High = math.Inf(1) }},
		{"high < low", func(c *Candle) { c.High = 1; c.Low = 2 }},
		{"нулевая цена", func(c *Candle) { c.Open = 0 }},
		{"отрицательный объем", func(c *Candle) { c.Volume = -1 }},
	}

	for _, tt := range tests {
		c := valid
		tt.mutate(&c)
		if err := Validate(c, 60); err == nil {
			t.Errorf("%s: ошибка не обнаружена", tt.name)
		}
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ETH-USDT-SWAP", "eth_usdt"},
		{"BTC-USDT-SWAP", "btc_usdt"},
		{"BTC-USDT", "btc_usdt"},
		{"sol-usdt-swap", "sol_usdt"},
		{" BTC-USDT-SWAP ", "btc_usdt"},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLastCompleted(t *testing.T) {
	cur := mk(7200, 2)
	cur.IsCurrent = true
	series := []Candle{mk(3600, 1), cur}

	last, ok := LastCompleted(series)
	if !ok || last.Timestamp != 3600 {
		t.Errorf("LastCompleted = %+v ok=%v, want ts=3600", last, ok)
	}

	if _, ok := LastCompleted([]Candle{cur}); ok {
		t.Error("серия из одной текущей свечи не имеет закрытых")
	}
}
