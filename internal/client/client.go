// internal/client/client.go
package client

import (
	"context"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/internal/dispatcher"
	"github.com/YaganovValera/market-stream/internal/poller"
	"github.com/YaganovValera/market-stream/internal/protocol"
	"github.com/YaganovValera/market-stream/internal/subscription"
	"github.com/YaganovValera/market-stream/internal/transport/stream"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// TickHandler получает живые тики одного инструмента.
type TickHandler func(tick aggregator.Tick)

// CandleHandler получает серверные бары одного инструмента.
type CandleHandler func(c aggregator.Candle)

// Client — фасад потребителя: связывает транспорт, реестр подписок,
// диспетчер, агрегатор и REST-фолбэк в один API.
type Client struct {
	mgr  *stream.Manager
	reg  *subscription.Registry
	disp *dispatcher.Dispatcher
	agg  *aggregator.Manager
	poll *poller.Coordinator
	log  *logger.Logger
}

// New собирает фасад и прошивает внутренние связи:
// replay подписок после reconnect-а, pong в keepalive,
// тики и серверные бары — в агрегатор.
func New(
	mgr *stream.Manager,
	reg *subscription.Registry,
	disp *dispatcher.Dispatcher,
	agg *aggregator.Manager,
	poll *poller.Coordinator,
	log *logger.Logger,
) *Client {
	c := &Client{
		mgr:  mgr,
		reg:  reg,
		disp: disp,
		agg:  agg,
		poll: poll,
		log:  log.Named("client"),
	}

	mgr.OnConnected(func(context.Context) { reg.ReplayAll() })

	disp.On(protocol.KindPong, func(protocol.Event) { mgr.NotePong() })

	disp.On(protocol.KindPriceUpdate, func(evt protocol.Event) {
		if evt.Tick == nil {
			return
		}
		agg.IngestTick(context.Background(), *evt.Tick)
	})

	// Серверный бар — снапшот из одного элемента: те же правила слияния,
	// что и у REST-фолбэка.
	disp.On(protocol.KindCandleUpdate, func(evt protocol.Event) {
		if evt.Candle == nil {
			return
		}
		if err := agg.IngestSnapshot(context.Background(),
			evt.Candle.Symbol, evt.Candle.Timeframe,
			[]aggregator.Candle{*evt.Candle}); err != nil {
			c.log.Sugar().Warnw("server candle merge failed",
				"symbol", evt.Candle.Symbol, "err", err)
		}
	})

	disp.On(protocol.KindError, func(evt protocol.Event) {
		if evt.ServerErr == nil {
			return
		}
		c.log.Sugar().Warnw("server error frame",
			"code", evt.ServerErr.Code, "message", evt.ServerErr.Message)
	})

	return c
}

// Subscribe подписывает потребителя на инструмент: wire-подписка (refcount),
// агрегация и REST-фолбэк по всем таймфреймам.
func (c *Client) Subscribe(symbol string) {
	c.agg.Track(symbol)
	for _, tf := range c.agg.Timeframes() {
		c.poll.Track(poller.Key{Symbol: symbol, Timeframe: tf})
	}
	count := c.reg.Subscribe(symbol)
	c.log.Sugar().Infow("subscribed", "symbol", symbol, "refcount", count)
}

// Unsubscribe снимает одну ссылку потребителя. Ресурсы инструмента
// освобождаются только на переходе refcount 1→0.
func (c *Client) Unsubscribe(symbol string) {
	count := c.reg.Unsubscribe(symbol)
	if count > 0 {
		c.log.Sugar().Debugw("unsubscribed, still referenced",
			"symbol", symbol, "refcount", count)
		return
	}
	for _, tf := range c.agg.Timeframes() {
		c.poll.Untrack(poller.Key{Symbol: symbol, Timeframe: tf})
	}
	c.agg.Untrack(symbol)
	c.log.Sugar().Infow("unsubscribed", "symbol", symbol)
}

// OnTick регистрирует листенер живых тиков инструмента.
// Возвращает функцию снятия листенера.
func (c *Client) OnTick(symbol string, fn TickHandler) func() {
	return c.disp.On(protocol.KindPriceUpdate, func(evt protocol.Event) {
		if evt.Tick == nil || evt.Tick.Symbol != symbol {
			return
		}
		fn(*evt.Tick)
	})
}

// OnCandle регистрирует листенер серверных баров инструмента.
func (c *Client) OnCandle(symbol string, fn CandleHandler) func() {
	return c.disp.On(protocol.KindCandleUpdate, func(evt protocol.Event) {
		if evt.Candle == nil || evt.Candle.Symbol != symbol {
			return
		}
		fn(*evt.Candle)
	})
}

// Candles возвращает копию серии баров.
func (c *Client) Candles(symbol string, tf aggregator.Timeframe) []aggregator.Candle {
	return c.agg.Candles(symbol, tf)
}

// LatestPrice возвращает close самого свежего бара.
func (c *Client) LatestPrice(symbol string, tf aggregator.Timeframe) (float64, bool) {
	return c.agg.LatestPrice(symbol, tf)
}

// IsRealTime сообщает, идут ли данные по живому каналу.
// В false данные обновляет только REST-фолбэк.
func (c *Client) IsRealTime() bool { return c.mgr.Connected() }

// State возвращает состояние соединения.
func (c *Client) State() stream.State { return c.mgr.State() }

// Unreachable сообщает, исчерпаны ли автоматические reconnect-попытки.
func (c *Client) Unreachable() bool { return c.mgr.Unreachable() }

// Reconnect — ручной перезапуск цикла подключения после unreachable
// или явного Disconnect.
func (c *Client) Reconnect(ctx context.Context) error { return c.mgr.Connect(ctx) }

// Active возвращает список инструментов с живой wire-подпиской.
func (c *Client) Active() []string { return c.reg.Active() }
