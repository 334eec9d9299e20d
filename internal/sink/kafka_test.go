// internal/sink/kafka_test.go
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
	err   error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topic, p.key, p.value = topic, key, value
	return nil
}
func (p *fakeProducer) Ping() error  { return nil }
func (p *fakeProducer) Close() error { return nil }

func TestFlushCandle(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	prod := &fakeProducer{}
	s, err := NewCandleSink(prod, "candles.closed", log)
	if err != nil {
		t.Fatalf("NewCandleSink: %v", err)
	}

	c := aggregator.Candle{
		Symbol:    "NIFTY",
		Timeframe: aggregator.TF1m,
		OpenTime:  time.Unix(60, 0).UTC(),
		Open:      100, High: 105, Low: 99, Close: 104,
		Volume: 12,
		Closed: true,
	}
	if err := s.FlushCandle(context.Background(), c); err != nil {
		t.Fatalf("FlushCandle: %v", err)
	}

	if prod.topic != "candles.closed" {
		t.Errorf("topic = %s", prod.topic)
	}
	if string(prod.key) != "NIFTY" {
		t.Errorf("key = %s; want NIFTY", prod.key)
	}
	var got aggregator.Candle
	if err := json.Unmarshal(prod.value, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if !got.OpenTime.Equal(c.OpenTime) {
		t.Errorf("OpenTime = %v; want %v", got.OpenTime, c.OpenTime)
	}
	got.OpenTime = c.OpenTime
	if got != c {
		t.Errorf("payload = %+v; want %+v", got, c)
	}
}

func TestFlushCandlePublishError(t *testing.T) {
	log, _ := logger.New(logger.Config{Level: "debug", DevMode: true})
	prod := &fakeProducer{err: errors.New("broker down")}
	s, _ := NewCandleSink(prod, "candles.closed", log)

	if err := s.FlushCandle(context.Background(), aggregator.Candle{Symbol: "X"}); err == nil {
		t.Error("expected error when producer fails")
	}
}

func TestNewCandleSinkRequiresTopic(t *testing.T) {
	log, _ := logger.New(logger.Config{Level: "debug", DevMode: true})
	if _, err := NewCandleSink(&fakeProducer{}, "", log); err == nil {
		t.Error("expected error for empty topic")
	}
}
