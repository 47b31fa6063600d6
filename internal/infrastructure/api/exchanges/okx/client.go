// internal/infrastructure/api/exchanges/okx/client.go
package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"crypto-market-sync/internal/config"
	"crypto-market-sync/internal/core/domain/candle"
	"crypto-market-sync/pkg/logger"
	"crypto-market-sync/pkg/timeframe"
)

// Client - REST-клиент для работы с API OKX
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	pageLimit  int
	maxRetries int
	retryBase  time.Duration
	sleep      func(time.Duration) // подменяется в тестах
}

// NewClient создает новый REST-клиент для работы с API OKX
func NewClient(cfg *config.ExchangeConfig) *Client {
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 || pageLimit > MaxPageLimit {
		pageLimit = MaxPageLimit
	}

	pace := rate.Limit(cfg.RequestsPerSec)
	if cfg.RequestsPerSec <= 0 {
		pace = rate.Inf
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(pace, cfg.RequestBurst),
		baseURL:    cfg.RESTBaseURL,
		pageLimit:  pageLimit,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		sleep:      time.Sleep,
	}
}

// sendPublicRequest отправляет публичный запрос к API
func (c *Client) sendPublicRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	apiURL := c.baseURL + endpoint
	if len(params) > 0 {
		apiURL = apiURL + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CryptoMarketSync/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	// Проверяем код ошибки в ответе API
	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Code != CodeOK {
		if apiResp.Code == CodeRateLimited {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, apiResp.Msg)
		}
		return nil, fmt.Errorf("API error %s: %s", apiResp.Code, apiResp.Msg)
	}

	return body, nil
}

// fetchWithRetry повторяет запрос с экспоненциальной задержкой при rate-limit.
// Остальные ошибки отдаются сразу, без повторов.
func (c *Client) fetchWithRetry(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		body, err := c.sendPublicRequest(ctx, endpoint, params)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}

		lastErr = err
		if attempt == c.maxRetries-1 {
			break
		}

		delay := c.retryBase * time.Duration(1<<attempt)
		logger.Warn("⚠️ OKX rate limit, повтор через %v (попытка %d/%d)", delay, attempt+1, c.maxRetries)
		c.sleep(delay)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// FetchCandles получает последние limit свечей символа
func (c *Client) FetchCandles(ctx context.Context, symbol, tf string, limit int) ([]candle.Candle, error) {
	return c.fetchCandles(ctx, EndpointCandles, symbol, tf, 0, limit)
}

// FetchCandlesBefore получает до limit свечей строго старше beforeTS (unix-секунды)
func (c *Client) FetchCandlesBefore(ctx context.Context, symbol, tf string, beforeTS int64, limit int) ([]candle.Candle, error) {
	return c.fetchCandles(ctx, EndpointHistoryCandles, symbol, tf, beforeTS, limit)
}

func (c *Client) fetchCandles(ctx context.Context, endpoint, symbol, tf string, beforeTS int64, limit int) ([]candle.Candle, error) {
	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > c.pageLimit {
		limit = c.pageLimit
	}

	params := url.Values{}
	params.Set("instId", symbol)
	params.Set("bar", BarCode(tf))
	params.Set("limit", strconv.Itoa(limit))
	if beforeTS > 0 {
		// параметр after отдаёт записи старше указанного времени
		params.Set("after", strconv.FormatInt(beforeTS*1000, 10))
	}

	body, err := c.fetchWithRetry(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	var resp candleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse candle response: %w", err)
	}

	return parseCandles(resp.Data, tfMinutes), nil
}

// FetchCandlesPaginated набирает серию листанием истории назад.
// Останавливается, когда собрано target свечей или очередная страница
// не добавила ничего нового. При ошибке возвращает уже собранное вместе с ошибкой.
func (c *Client) FetchCandlesPaginated(ctx context.Context, symbol, tf string, target int) ([]candle.Candle, error) {
	page, err := c.FetchCandles(ctx, symbol, tf, c.pageLimit)
	if err != nil {
		return nil, err
	}

	var series []candle.Candle
	for len(page) > 0 {
		merged, added := candle.Merge(series, page)
		series = merged
		if added == 0 || len(series) >= target {
			break
		}

		page, err = c.FetchCandlesBefore(ctx, symbol, tf, series[0].Timestamp, c.pageLimit)
		if err != nil {
			return series, err
		}
	}

	return series, nil
}

// FetchCandlesRange набирает свечи окна [fromTS, toTS] листанием истории назад.
// При ошибке возвращает уже собранное вместе с ошибкой.
func (c *Client) FetchCandlesRange(ctx context.Context, symbol, tf string, fromTS, toTS int64) ([]candle.Candle, error) {
	tfMinutes, err := timeframe.ToMinutes(tf)
	if err != nil {
		return nil, err
	}

	var series []candle.Candle
	cursor := toTS + int64(tfMinutes)*60

	for {
		page, err := c.FetchCandlesBefore(ctx, symbol, tf, cursor, c.pageLimit)
		if err != nil {
			return filterRange(series, fromTS, toTS), err
		}
		if len(page) == 0 {
			break
		}

		merged, added := candle.Merge(series, page)
		series = merged
		if added == 0 {
			break
		}

		cursor = page[0].Timestamp
		if cursor <= fromTS {
			break
		}
	}

	return filterRange(series, fromTS, toTS), nil
}

// GetServerTime получает время сервера OKX (unix-секунды)
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.sendPublicRequest(ctx, EndpointServerTime, nil)
	if err != nil {
		return 0, err
	}

	var resp serverTimeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse server time response: %w", err)
	}
	if len(resp.Data) == 0 {
		return 0, fmt.Errorf("empty server time response")
	}

	tsMs, err := strconv.ParseInt(resp.Data[0].TS, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse server time: %w", err)
	}

	return tsMs / 1000, nil
}

// TestConnection тестирует подключение к API
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.GetServerTime(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// Name возвращает имя биржи
func (c *Client) Name() string {
	return "okx"
}

// parseCandles разбирает строки API в свечи, битые строки пропускаются.
// API отдаёт свечи от новых к старым, результат отсортирован от старых к новым.
func parseCandles(rows [][]string, tfMinutes int) []candle.Candle {
	candles := make([]candle.Candle, 0, len(rows))

	for _, row := range rows {
		parsed, err := ParseRow(row, tfMinutes)
		if err != nil {
			logger.Warn("⚠️ Пропущена строка свечи: %v", err)
			continue
		}
		candles = append(candles, parsed)
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp < candles[j].Timestamp
	})

	return candles
}

// ParseRow разбирает одну строку свечи из формата API.
// Используется и REST-клиентом, и потоковым наблюдателем.
func ParseRow(row []string, tfMinutes int) (candle.Candle, error) {
	if len(row) < 6 {
		return candle.Candle{}, fmt.Errorf("short row: %d fields", len(row))
	}

	tsMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("bad timestamp %q: %w", row[0], err)
	}

	var values [5]float64
	for i, field := range row[1:6] {
		d, err := decimal.NewFromString(field)
		if err != nil {
			return candle.Candle{}, fmt.Errorf("bad value %q: %w", field, err)
		}
		values[i], _ = d.Float64()
	}

	parsed := candle.Candle{
		Timestamp: timeframe.Align(tsMs, tfMinutes),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}

	// последнее поле confirm: "0" - свеча ещё формируется
	if len(row) >= 9 && row[8] == "0" {
		parsed.IsCurrent = true
	}

	return parsed, nil
}

func filterRange(candles []candle.Candle, fromTS, toTS int64) []candle.Candle {
	if len(candles) == 0 {
		return candles
	}

	out := make([]candle.Candle, 0, len(candles))
	for _, c := range candles {
		if c.Timestamp >= fromTS && c.Timestamp <= toTS {
			out = append(out, c)
		}
	}
	return out
}
