// internal/sink/kafka.go
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/pkg/kafka"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// CandleSink публикует закрытые бары в Kafka-топик. Ключ сообщения — символ,
// чтобы бары одного инструмента попадали в одну партицию.
type CandleSink struct {
	prod  kafka.Producer
	topic string
	log   *logger.Logger
}

// NewCandleSink создаёт sink поверх готового продьюсера.
func NewCandleSink(prod kafka.Producer, topic string, log *logger.Logger) (*CandleSink, error) {
	if topic == "" {
		return nil, fmt.Errorf("sink: topic is required")
	}
	return &CandleSink{prod: prod, topic: topic, log: log.Named("candle-sink")}, nil
}

// FlushCandle сериализует бар в JSON и публикует его.
func (s *CandleSink) FlushCandle(ctx context.Context, c aggregator.Candle) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("sink: marshal candle: %w", err)
	}
	if err := s.prod.Publish(ctx, s.topic, []byte(c.Symbol), b); err != nil {
		return fmt.Errorf("sink: publish candle: %w", err)
	}
	s.log.WithContext(ctx).Debugw("candle flushed",
		"symbol", c.Symbol, "timeframe", string(c.Timeframe), "open_time", c.OpenTime)
	return nil
}
