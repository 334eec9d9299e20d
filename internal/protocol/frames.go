// internal/protocol/frames.go
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/YaganovValera/market-stream/internal/aggregator"
)

// Kind — закрытое множество видов входящих сообщений.
type Kind int

const (
	KindUnknown Kind = iota
	KindPriceUpdate
	KindCandleUpdate
	KindSubscriptionAck
	KindUnsubscriptionAck
	KindPong
	KindHeartbeat
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindPriceUpdate:
		return "price_update"
	case KindCandleUpdate:
		return "candle_update"
	case KindSubscriptionAck:
		return "subscription_ack"
	case KindUnsubscriptionAck:
		return "unsubscription_ack"
	case KindPong:
		return "pong"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ControlFrame — исходящий управляющий кадр.
type ControlFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

func SubscribeFrame(symbol string) ControlFrame {
	return ControlFrame{Type: "subscribe", Symbol: symbol}
}

func UnsubscribeFrame(symbol string) ControlFrame {
	return ControlFrame{Type: "unsubscribe", Symbol: symbol}
}

func PingFrame() ControlFrame {
	return ControlFrame{Type: "ping"}
}

// ServerError — полезная нагрузка кадра "error".
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event — декодированное входящее сообщение. Ровно одно из полей
// Tick/Candle/ServerErr заполнено в зависимости от Kind.
type Event struct {
	Kind       Kind
	Symbol     string
	Timeframe  string
	ServerTime time.Time
	ReceivedAt time.Time

	Tick      *aggregator.Tick
	Candle    *aggregator.Candle
	ServerErr *ServerError
}

// envelope — сырой входящий кадр (§ wire contract).
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	Symbol    string          `json:"symbol,omitempty"`
	Timeframe string          `json:"timeframe,omitempty"`
}

// priceData — полезная нагрузка price_update / signal_update / market_data.
type priceData struct {
	Symbol string      `json:"symbol"`
	Price  json.Number `json:"price"`
	Volume json.Number `json:"volume"`
}

// candleData — полезная нагрузка chart_update.
type candleData struct {
	Time   int64       `json:"time"` // unix seconds, начало бара
	Open   json.Number `json:"open"`
	High   json.Number `json:"high"`
	Low    json.Number `json:"low"`
	Close  json.Number `json:"close"`
	Volume json.Number `json:"volume"`
	Symbol string      `json:"symbol"`
}

// Decode разбирает входящий кадр в типизированный Event.
// Неразбираемый кадр — ошибка, а не паника: диспетчер логирует и отбрасывает.
func Decode(data []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	evt := Event{
		Symbol:     env.Symbol,
		Timeframe:  env.Timeframe,
		ReceivedAt: receivedAt,
	}
	if env.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, env.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("protocol: bad timestamp %q: %w", env.Timestamp, err)
		}
		evt.ServerTime = ts
	} else {
		evt.ServerTime = receivedAt
	}

	switch env.Type {
	case "price_update", "signal_update", "market_data":
		tick, err := decodeTick(env, evt.ServerTime, receivedAt)
		if err != nil {
			return Event{}, err
		}
		evt.Kind = KindPriceUpdate
		evt.Symbol = tick.Symbol
		evt.Tick = tick

	case "chart_update":
		candle, err := decodeCandle(env)
		if err != nil {
			return Event{}, err
		}
		evt.Kind = KindCandleUpdate
		evt.Symbol = candle.Symbol
		evt.Candle = candle

	case "subscription_confirmed":
		evt.Kind = KindSubscriptionAck

	case "unsubscription_confirmed":
		evt.Kind = KindUnsubscriptionAck

	case "pong":
		evt.Kind = KindPong

	case "heartbeat":
		evt.Kind = KindHeartbeat

	case "error":
		var se ServerError
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &se); err != nil {
				return Event{}, fmt.Errorf("protocol: decode error payload: %w", err)
			}
		}
		evt.Kind = KindError
		evt.ServerErr = &se

	default:
		return Event{}, fmt.Errorf("protocol: unknown frame type %q", env.Type)
	}

	return evt, nil
}

func decodeTick(env envelope, serverTime, receivedAt time.Time) (*aggregator.Tick, error) {
	var pd priceData
	if err := json.Unmarshal(env.Data, &pd); err != nil {
		return nil, fmt.Errorf("protocol: decode price data: %w", err)
	}
	symbol := pd.Symbol
	if symbol == "" {
		symbol = env.Symbol
	}
	if symbol == "" {
		return nil, fmt.Errorf("protocol: price frame without symbol")
	}
	price, err := pd.Price.Float64()
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid price %q: %w", pd.Price, err)
	}
	var volume int64
	if pd.Volume != "" {
		volume, err = pd.Volume.Int64()
		if err != nil {
			return nil, fmt.Errorf("protocol: invalid volume %q: %w", pd.Volume, err)
		}
	}
	if volume < 0 {
		return nil, fmt.Errorf("protocol: negative volume delta %d", volume)
	}
	return &aggregator.Tick{
		Symbol:      symbol,
		Price:       price,
		VolumeDelta: volume,
		ServerTime:  serverTime,
		ReceivedAt:  receivedAt,
	}, nil
}

func decodeCandle(env envelope) (*aggregator.Candle, error) {
	var cd candleData
	if err := json.Unmarshal(env.Data, &cd); err != nil {
		return nil, fmt.Errorf("protocol: decode candle data: %w", err)
	}
	symbol := cd.Symbol
	if symbol == "" {
		symbol = env.Symbol
	}
	if symbol == "" {
		return nil, fmt.Errorf("protocol: candle frame without symbol")
	}
	tf, err := aggregator.ParseTimeframe(env.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("protocol: candle frame: %w", err)
	}

	var c aggregator.Candle
	c.Symbol = symbol
	c.Timeframe = tf
	c.OpenTime = time.Unix(cd.Time, 0).UTC()
	if c.Open, err = cd.Open.Float64(); err != nil {
		return nil, fmt.Errorf("protocol: invalid open %q: %w", cd.Open, err)
	}
	if c.High, err = cd.High.Float64(); err != nil {
		return nil, fmt.Errorf("protocol: invalid high %q: %w", cd.High, err)
	}
	if c.Low, err = cd.Low.Float64(); err != nil {
		return nil, fmt.Errorf("protocol: invalid low %q: %w", cd.Low, err)
	}
	if c.Close, err = cd.Close.Float64(); err != nil {
		return nil, fmt.Errorf("protocol: invalid close %q: %w", cd.Close, err)
	}
	if cd.Volume != "" {
		if c.Volume, err = cd.Volume.Int64(); err != nil {
			return nil, fmt.Errorf("protocol: invalid volume %q: %w", cd.Volume, err)
		}
	}
	if !c.Valid() {
		return nil, fmt.Errorf("protocol: candle invariant violated: low=%v high=%v", c.Low, c.High)
	}
	return &c, nil
}
