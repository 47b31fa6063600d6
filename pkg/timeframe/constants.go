package timeframe

import "time"

// Поддерживаемые таймфреймы в минутах
const (
	Minutes1    = 1
	Minutes3    = 3
	Minutes5    = 5
	Minutes15   = 15
	Minutes30   = 30
	Minutes60   = 60   // 1 час
	Minutes240  = 240  // 4 часа
	Minutes360  = 360  // 6 часов
	Minutes720  = 720  // 12 часов
	Minutes1440 = 1440 // 1 день
)

// Поддерживаемые строковые коды
const (
	Code1m  = "1m"
	Code3m  = "3m"
	Code5m  = "5m"
	Code15m = "15m"
	Code30m = "30m"
	Code1h  = "1h"
	Code4h  = "4h"
	Code6h  = "6h"
	Code12h = "12h"
	Code1d  = "1d"
)

// Все поддерживаемые коды по возрастанию
var AllCodes = []string{
	Code1m,
	Code3m,
	Code5m,
	Code15m,
	Code30m,
	Code1h,
	Code4h,
	Code6h,
	Code12h,
	Code1d,
}

// Все поддерживаемые таймфреймы в минутах по возрастанию
var AllMinutes = []int{
	Minutes1,
	Minutes3,
	Minutes5,
	Minutes15,
	Minutes30,
	Minutes60,
	Minutes240,
	Minutes360,
	Minutes720,
	Minutes1440,
}

// Дефолтные значения
const (
	DefaultCode     = Code5m
	DefaultMinutes  = Minutes5
	DefaultDuration = 5 * time.Minute
)
