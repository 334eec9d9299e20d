// internal/app/handlers_test.go
package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/internal/client"
	"github.com/YaganovValera/market-stream/internal/dispatcher"
	"github.com/YaganovValera/market-stream/internal/poller"
	"github.com/YaganovValera/market-stream/internal/subscription"
	"github.com/YaganovValera/market-stream/internal/transport/stream"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

func newTestClient(t *testing.T) (*client.Client, *aggregator.Manager, *logger.Logger) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	mgr, err := stream.NewManager(stream.Config{URL: "ws://127.0.0.1:1/ws"}, log)
	if err != nil {
		t.Fatalf("stream.NewManager: %v", err)
	}
	agg, err := aggregator.NewManager(aggregator.Config{Timeframes: []string{"1m"}}, nil, log)
	if err != nil {
		t.Fatalf("aggregator.NewManager: %v", err)
	}
	poll, err := poller.NewCoordinator(poller.Config{BaseURL: "http://127.0.0.1:1"}, agg, log)
	if err != nil {
		t.Fatalf("poller.NewCoordinator: %v", err)
	}
	reg := subscription.NewRegistry(mgr, log)
	disp := dispatcher.New(log)
	return client.New(mgr, reg, disp, agg, poll, log), agg, log
}

func TestCandlesHandler(t *testing.T) {
	cl, agg, log := newTestClient(t)
	cl.Subscribe("NIFTY")

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	agg.IngestTick(context.Background(), aggregator.Tick{
		Symbol: "NIFTY", Price: 100, VolumeDelta: 5, ServerTime: base, ReceivedAt: base,
	})
	agg.IngestTick(context.Background(), aggregator.Tick{
		Symbol: "NIFTY", Price: 104, VolumeDelta: 3, ServerTime: base.Add(time.Minute), ReceivedAt: base.Add(time.Minute),
	})

	h := candlesHandler(cl, log)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/candles?symbol=NIFTY&timeframe=1m", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var resp candlesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if resp.Symbol != "NIFTY" || resp.Timeframe != "1m" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Count != 2 || len(resp.Data) != 2 {
		t.Fatalf("count = %d; want 2", resp.Count)
	}
	if !resp.Data[0].Closed || resp.Data[1].Closed {
		t.Errorf("closed flags = %v, %v; want true, false", resp.Data[0].Closed, resp.Data[1].Closed)
	}
	if resp.LatestPrice != 104 {
		t.Errorf("latest_price = %v; want 104", resp.LatestPrice)
	}
	if resp.RealTime {
		t.Error("real_time = true without a connection")
	}
}

func TestCandlesHandlerLimit(t *testing.T) {
	cl, agg, log := newTestClient(t)
	cl.Subscribe("NIFTY")

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		agg.IngestTick(context.Background(), aggregator.Tick{
			Symbol: "NIFTY", Price: 100 + float64(i), VolumeDelta: 1, ServerTime: ts, ReceivedAt: ts,
		})
	}

	h := candlesHandler(cl, log)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/candles?symbol=NIFTY&timeframe=1m&limit=2", nil))

	var resp candlesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d; want 2", resp.Count)
	}
	// Лимит срезает историю с хвоста: остаются самые свежие бары.
	if resp.Data[1].Close != 104 {
		t.Errorf("last close = %v; want 104", resp.Data[1].Close)
	}
}

func TestCandlesHandlerValidation(t *testing.T) {
	cl, _, log := newTestClient(t)
	h := candlesHandler(cl, log)

	cases := []string{
		"/api/v1/candles?timeframe=1m",              // нет symbol
		"/api/v1/candles?symbol=NIFTY",              // нет timeframe
		"/api/v1/candles?symbol=NIFTY&timeframe=4h", // неподдерживаемый таймфрейм
		"/api/v1/candles?symbol=NIFTY&timeframe=1m&limit=-1",
	}
	for _, target := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		if rec.Code != 400 {
			t.Errorf("%s: status = %d; want 400", target, rec.Code)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	cl, agg, _ := newTestClient(t)
	cl.Subscribe("NIFTY")
	cl.Subscribe("BANKNIFTY")

	h := statusHandler(cl, agg.Timeframes())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if resp.State != "disconnected" {
		t.Errorf("state = %q", resp.State)
	}
	if resp.Unreachable || resp.RealTime {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Subscriptions) != 2 || resp.Subscriptions[0] != "BANKNIFTY" {
		t.Errorf("subscriptions = %v", resp.Subscriptions)
	}
	if len(resp.Timeframes) != 1 || resp.Timeframes[0] != "1m" {
		t.Errorf("timeframes = %v", resp.Timeframes)
	}
}
