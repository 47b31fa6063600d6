// internal/infrastructure/api/exchanges/okx/types.go
package okx

import "errors"

const (
	EndpointCandles        = "/api/v5/market/candles"
	EndpointHistoryCandles = "/api/v5/market/history-candles"
	EndpointServerTime     = "/api/v5/public/time"

	// Коды ошибок API
	CodeOK          = "0"
	CodeRateLimited = "50011"

	// Биржа отдаёт не больше 300 строк за один запрос
	MaxPageLimit = 300
)

// ErrRateLimited возвращается при превышении лимита запросов (HTTP 429 или код 50011)
var ErrRateLimited = errors.New("okx: rate limited")

// candleResponse - ответ API на запрос свечей.
// Data содержит строки вида [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm],
// все значения - строки, ts в миллисекундах, порядок от новых к старым.
type candleResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// apiResponse - базовый ответ API для проверки кода ошибки
type apiResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// serverTimeResponse - ответ на запрос времени сервера
type serverTimeResponse struct {
	Code string `json:"code"`
	Data []struct {
		TS string `json:"ts"`
	} `json:"data"`
}

// BarCode преобразует код таймфрейма в параметр bar API OKX.
// Минутные интервалы совпадают, часовые и дневные пишутся в верхнем регистре.
func BarCode(timeframe string) string {
	switch timeframe {
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "6h":
		return "6H"
	case "12h":
		return "12H"
	case "1d":
		return "1D"
	default:
		return timeframe
	}
}
