// internal/infrastructure/api/exchanges/okx/ws/types.go
package ws

import (
	"strings"

	okx "crypto-market-sync/internal/infrastructure/api/exchanges/okx"
)

// subscribeArg — аргумент подписки на канал свечей
type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// wsSubscribeMsg — исходящее сообщение подписки
type wsSubscribeMsg struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

// wsEventMsg — событийный ответ сервера (event: "subscribe" / "error")
type wsEventMsg struct {
	Event string       `json:"event,omitempty"`
	Code  string       `json:"code,omitempty"`
	Msg   string       `json:"msg,omitempty"`
	Arg   subscribeArg `json:"arg,omitempty"`
}

// candleMsg — входящий пуш канала candle{bar}.
// Data содержит те же строки, что и REST-ответ: [ts, o, h, l, c, vol, ..., confirm]
type candleMsg struct {
	Arg  subscribeArg `json:"arg"`
	Data [][]string   `json:"data"`
}

// ChannelCandle возвращает имя канала свечей для таймфрейма ("5m" -> "candle5m", "1h" -> "candle1H")
func ChannelCandle(tf string) string {
	return "candle" + okx.BarCode(tf)
}

// timeframeFromChannel извлекает код таймфрейма из имени канала ("candle1H" -> "1h")
func timeframeFromChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(channel, "candle"))
}
