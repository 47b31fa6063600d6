package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-market-sync/internal/config"
)

func testConfig(baseURL string) *config.ExchangeConfig {
	return &config.ExchangeConfig{
		RESTBaseURL:    baseURL,
		RequestTimeout: 5 * time.Second,
		PageLimit:      3,
		MaxRetries:     5,
		RetryBaseDelay: 10 * time.Millisecond,
		RequestsPerSec: 0, // без пейсинга в тестах
		RequestBurst:   1,
	}
}

func candlePayload(rows ...[]string) string {
	resp := candleResponse{Code: CodeOK, Data: rows}
	b, _ := json.Marshal(resp)
	return string(b)
}

// historyRow строит закрытую часовую свечу в формате API (время в миллисекундах)
func historyRow(ts int64, close float64) []string {
	return []string{
		strconv.FormatInt(ts*1000, 10),
		fmt.Sprintf("%g", close),
		fmt.Sprintf("%g", close+1),
		fmt.Sprintf("%g", close-1),
		fmt.Sprintf("%g", close),
		"5", "0", "0", "1",
	}
}

func TestFetchCandlesParsesAndOrders(t *testing.T) {
	rows := [][]string{
		{"1700010000000", "101", "103", "100", "102", "7", "0", "0", "0"}, // ещё формируется
		{"1700006400000", "100", "102", "99", "101", "5", "0", "0", "1"},
		{"not-a-number", "1", "1", "1", "1", "1"}, // битая строка
		{"1700002800000", "99", "101", "98", "100", "4", "0", "0", "1"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointCandles, r.URL.Path)
		assert.Equal(t, "BTC-USDT-SWAP", r.URL.Query().Get("instId"))
		assert.Equal(t, "1H", r.URL.Query().Get("bar"))
		fmt.Fprint(w, candlePayload(rows...))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))

	got, err := client.FetchCandles(context.Background(), "BTC-USDT-SWAP", "1h", 3)
	require.NoError(t, err)
	require.Len(t, got, 3, "битая строка пропускается")

	assert.Equal(t, int64(1700002800), got[0].Timestamp, "порядок от старых к новым, время в секундах")
	assert.Equal(t, int64(1700006400), got[1].Timestamp)
	assert.Equal(t, int64(1700010000), got[2].Timestamp)
	assert.Equal(t, 100.0, got[0].Close)
	assert.False(t, got[1].IsCurrent)
	assert.True(t, got[2].IsCurrent, "confirm=0 помечает формирующуюся свечу")
}

func TestFetchCandlesRateLimitRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, candlePayload(historyRow(1700002800, 100)))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	var sleeps []time.Duration
	client.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	got, err := client.FetchCandles(context.Background(), "BTC-USDT-SWAP", "1h", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeps,
		"задержка удваивается на каждой попытке")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestFetchCandlesRateLimitExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	var sleeps []time.Duration
	client.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	_, err := client.FetchCandles(context.Background(), "BTC-USDT-SWAP", "1h", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited, "после исчерпания попыток ошибка отдаётся наверх")
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
	assert.Len(t, sleeps, 4)
}

func TestFetchCandlesAPIErrorNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	var sleeps []time.Duration
	client.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	_, err := client.FetchCandles(context.Background(), "NOPE-USDT-SWAP", "1h", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "51001")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "ошибки кроме rate-limit не повторяются")
	assert.Empty(t, sleeps)
}

// hourAgo возвращает выровненное по часу время i часов назад от базы
func hourAgo(i int) int64 {
	const base = int64(1699999200)
	return base - int64(i)*3600
}

func pagedServer(t *testing.T, olderPages map[string]string, firstPage string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case EndpointCandles:
			fmt.Fprint(w, firstPage)
		case EndpointHistoryCandles:
			page, ok := olderPages[r.URL.Query().Get("after")]
			if !ok {
				fmt.Fprint(w, candlePayload())
				return
			}
			fmt.Fprint(w, page)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
}

func afterKey(ts int64) string {
	return strconv.FormatInt(ts*1000, 10)
}

func TestFetchCandlesPaginatedStopsAtTarget(t *testing.T) {
	first := candlePayload(historyRow(hourAgo(0), 10), historyRow(hourAgo(1), 11), historyRow(hourAgo(2), 12))
	older := map[string]string{
		afterKey(hourAgo(2)): candlePayload(historyRow(hourAgo(3), 13), historyRow(hourAgo(4), 14), historyRow(hourAgo(5), 15)),
		afterKey(hourAgo(5)): candlePayload(historyRow(hourAgo(6), 16), historyRow(hourAgo(7), 17), historyRow(hourAgo(8), 18)),
	}

	srv := pagedServer(t, older, first)
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))

	got, err := client.FetchCandlesPaginated(context.Background(), "BTC-USDT-SWAP", "1h", 8)
	require.NoError(t, err)
	require.Len(t, got, 9)

	for i := 1; i < len(got); i++ {
		assert.Equal(t, int64(3600), got[i].Timestamp-got[i-1].Timestamp, "серия плотная и отсортирована")
	}
	assert.Equal(t, hourAgo(8), got[0].Timestamp)
	assert.Equal(t, hourAgo(0), got[len(got)-1].Timestamp)
}

func TestFetchCandlesPaginatedStopsOnNoNew(t *testing.T) {
	first := candlePayload(historyRow(hourAgo(0), 10), historyRow(hourAgo(1), 11), historyRow(hourAgo(2), 12))
	repeat := candlePayload(historyRow(hourAgo(3), 13), historyRow(hourAgo(4), 14), historyRow(hourAgo(5), 15))
	older := map[string]string{
		afterKey(hourAgo(2)): repeat,
		// история исчерпана, биржа повторяет тот же хвост
		afterKey(hourAgo(5)): repeat,
	}

	srv := pagedServer(t, older, first)
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))

	got, err := client.FetchCandlesPaginated(context.Background(), "BTC-USDT-SWAP", "1h", 100)
	require.NoError(t, err)
	assert.Len(t, got, 6, "повторная страница без новых свечей останавливает листание")
}

func TestFetchCandlesRange(t *testing.T) {
	older := map[string]string{
		afterKey(hourAgo(1)): candlePayload(historyRow(hourAgo(2), 12), historyRow(hourAgo(3), 13), historyRow(hourAgo(4), 14)),
		afterKey(hourAgo(4)): candlePayload(historyRow(hourAgo(5), 15), historyRow(hourAgo(6), 16), historyRow(hourAgo(7), 17)),
	}

	srv := pagedServer(t, older, candlePayload())
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))

	got, err := client.FetchCandlesRange(context.Background(), "BTC-USDT-SWAP", "1h", hourAgo(5), hourAgo(2))
	require.NoError(t, err)
	require.Len(t, got, 4, "свечи вне окна отбрасываются")

	assert.Equal(t, hourAgo(5), got[0].Timestamp)
	assert.Equal(t, hourAgo(2), got[len(got)-1].Timestamp)
}
