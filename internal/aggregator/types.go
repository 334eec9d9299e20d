// internal/aggregator/types.go
package aggregator

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe — ширина корзины агрегации.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// ParseTimeframe валидирует строковое представление таймфрейма.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(s) {
	case "1m":
		return TF1m, nil
	case "5m":
		return TF5m, nil
	case "15m":
		return TF15m, nil
	case "1h":
		return TF1h, nil
	case "1d":
		return TF1d, nil
	default:
		return "", fmt.Errorf("invalid timeframe: %s", s)
	}
}

// Duration возвращает длительность интервала.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Align округляет время вниз до начала интервала.
func (tf Timeframe) Align(ts time.Time) time.Time {
	return ts.Truncate(tf.Duration())
}

// TimeframeList валидирует список таймфреймов из config.
func TimeframeList(raw []string) ([]Timeframe, error) {
	result := make([]Timeframe, 0, len(raw))
	seen := make(map[Timeframe]struct{}, len(raw))
	for _, s := range raw {
		tf, err := ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[tf]; dup {
			continue
		}
		seen[tf] = struct{}{}
		result = append(result, tf)
	}
	return result, nil
}

// Tick — одно ценовое событие по инструменту. Неизменяемый после создания.
type Tick struct {
	Symbol      string
	Price       float64
	VolumeDelta int64
	ServerTime  time.Time // метка сервера, определяет границу бара
	ReceivedAt  time.Time // локальное время приёма
}

// Candle — агрегированный OHLCV-бар.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"` // всегда выровнен по границе таймфрейма
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Closed    bool      `json:"closed"`
}

// Valid проверяет инвариант low <= open,close <= high и неотрицательный объём.
func (c Candle) Valid() bool {
	if c.Volume < 0 {
		return false
	}
	if c.Low > c.High {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	return true
}

// equalValues сравнивает ценовые поля и объём (без флага Closed).
func (c Candle) equalValues(other Candle) bool {
	return c.Open == other.Open &&
		c.High == other.High &&
		c.Low == other.Low &&
		c.Close == other.Close &&
		c.Volume == other.Volume
}

// update вносит тик в открытый бар.
func (c *Candle) update(price float64, volumeDelta int64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volumeDelta
}

// newCandle открывает бар на границе boundary с первой точкой.
func newCandle(symbol string, tf Timeframe, boundary time.Time, price float64, volumeDelta int64) Candle {
	return Candle{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  boundary,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volumeDelta,
		Closed:    false,
	}
}
