// internal/aggregator/manager.go
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

var tracer = otel.Tracer("marketstream/aggregator")

// FlushSink принимает закрытые бары (например, Kafka-публикация).
type FlushSink interface {
	FlushCandle(ctx context.Context, c Candle) error
}

// Config задаёт параметры агрегации.
type Config struct {
	Timeframes []string `mapstructure:"timeframes"`
	Retention  int      `mapstructure:"retention"` // число баров на серию
}

func (c *Config) applyDefaults() {
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"1m"}
	}
	if c.Retention <= 0 {
		c.Retention = 500
	}
}

type key struct {
	symbol string
	tf     Timeframe
}

// Manager владеет всеми CandleSeries. Агрегируются только инструменты,
// явно добавленные через Track: тики по остальным отбрасываются со счётчиком.
type Manager struct {
	mu         sync.RWMutex
	series     map[key]*series
	tracked    map[string]struct{}
	timeframes []Timeframe
	retention  int
	sink       FlushSink
	log        *logger.Logger
	now        func() time.Time
}

// NewManager создаёт и валидирует Manager. sink может быть nil.
func NewManager(cfg Config, sink FlushSink, log *logger.Logger) (*Manager, error) {
	cfg.applyDefaults()
	tfs, err := TimeframeList(cfg.Timeframes)
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	return &Manager{
		series:     make(map[key]*series),
		tracked:    make(map[string]struct{}),
		timeframes: tfs,
		retention:  cfg.Retention,
		sink:       sink,
		log:        log.Named("aggregator"),
		now:        time.Now,
	}, nil
}

// Timeframes возвращает список отслеживаемых таймфреймов.
func (m *Manager) Timeframes() []Timeframe {
	out := make([]Timeframe, len(m.timeframes))
	copy(out, m.timeframes)
	return out
}

// Track включает агрегацию для инструмента. Идемпотентно.
func (m *Manager) Track(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[symbol] = struct{}{}
}

// Untrack выключает агрегацию и освобождает серии инструмента.
func (m *Manager) Untrack(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, symbol)
	for _, tf := range m.timeframes {
		delete(m.series, key{symbol: symbol, tf: tf})
	}
}

// Tracked возвращает снимок множества отслеживаемых инструментов.
func (m *Manager) Tracked() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tracked))
	for s := range m.tracked {
		out = append(out, s)
	}
	return out
}

// seriesFor возвращает серию, создавая её при первом обращении.
// Вызывается под m.mu.
func (m *Manager) seriesFor(k key) *series {
	s, ok := m.series[k]
	if !ok {
		s = newSeries(m.retention)
		m.series[k] = s
	}
	return s
}

// IngestTick вносит живой тик в рабочий бар каждого таймфрейма.
func (m *Manager) IngestTick(ctx context.Context, tick Tick) {
	ctx, span := tracer.Start(ctx, "Aggregator.IngestTick",
		trace.WithAttributes(attribute.String("symbol", tick.Symbol)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tracked[tick.Symbol]; !ok {
		metrics.UntrackedTicksDropped.Inc()
		m.log.WithContext(ctx).Debugw("tick for untracked instrument dropped",
			"symbol", tick.Symbol)
		return
	}

	for _, tf := range m.timeframes {
		boundary := tf.Align(tick.ServerTime)
		s := m.seriesFor(key{symbol: tick.Symbol, tf: tf})
		last := s.last()

		switch {
		case last == nil:
			s.append(newCandle(tick.Symbol, tf, boundary, tick.Price, tick.VolumeDelta))

		case boundary.After(last.OpenTime):
			m.sealCandle(ctx, tf, last)
			s.append(newCandle(tick.Symbol, tf, boundary, tick.Price, tick.VolumeDelta))

		case boundary.Equal(last.OpenTime):
			last.update(tick.Price, tick.VolumeDelta)

		default:
			// Поздний тик старше рабочего бара: не должен портить новый бар.
			metrics.StaleTicksDropped.Inc()
			m.log.WithContext(ctx).Debugw("stale tick dropped",
				"symbol", tick.Symbol,
				"timeframe", string(tf),
				"tick_ts", tick.ServerTime,
				"open_time", last.OpenTime)
			continue
		}
		metrics.TicksTotal.WithLabelValues(string(tf)).Inc()
	}
}

// sealCandle помечает бар закрытым и отдаёт его в sink.
// Вызывается под m.mu.
func (m *Manager) sealCandle(ctx context.Context, tf Timeframe, c *Candle) {
	if c.Closed {
		return
	}
	c.Closed = true
	metrics.CandlesClosed.WithLabelValues(string(tf)).Inc()
	if m.sink == nil {
		return
	}
	if err := m.sink.FlushCandle(ctx, *c); err != nil {
		metrics.SinkErrors.Inc()
		m.log.WithContext(ctx).Warnw("candle sink flush failed",
			"symbol", c.Symbol, "timeframe", string(tf), "error", err)
	}
}

// IngestSnapshot реконсилирует REST-снапшот с локальной серией.
// Правила слияния:
//   - нет локального бара на этот OpenTime — вставляем;
//   - локальный бар закрыт — снапшот авторитетен, заменяем при расхождении;
//   - локальный бар открыт — цены снапшота игнорируются, объём
//     поднимается только вверх (объём монотонен).
func (m *Manager) IngestSnapshot(ctx context.Context, symbol string, tf Timeframe, candles []Candle) error {
	ctx, span := tracer.Start(ctx, "Aggregator.IngestSnapshot",
		trace.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("timeframe", string(tf)),
			attribute.Int("candles", len(candles)),
		))
	defer span.End()

	if _, err := ParseTimeframe(string(tf)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tracked[symbol]; !ok {
		m.log.WithContext(ctx).Debugw("snapshot for untracked instrument ignored",
			"symbol", symbol)
		return nil
	}

	s := m.seriesFor(key{symbol: symbol, tf: tf})
	now := m.now()

	for _, in := range candles {
		in.Symbol = symbol
		in.Timeframe = tf
		in.OpenTime = tf.Align(in.OpenTime)

		if !in.Valid() {
			metrics.SnapshotRejected.Inc()
			m.log.WithContext(ctx).Warnw("invalid snapshot candle dropped",
				"symbol", symbol,
				"timeframe", string(tf),
				"open_time", in.OpenTime)
			continue
		}

		local := s.at(in.OpenTime)
		switch {
		case local == nil:
			in.Closed = !now.Before(in.OpenTime.Add(tf.Duration()))
			s.insert(in)
			metrics.SnapshotMerged.WithLabelValues("inserted").Inc()

		case local.Closed:
			if local.equalValues(in) {
				metrics.SnapshotMerged.WithLabelValues("ignored").Inc()
				continue
			}
			in.Closed = true
			*local = in
			metrics.SnapshotMerged.WithLabelValues("replaced").Inc()

		default:
			// Рабочий бар: живые тики свежее медленного REST-опроса.
			if in.Volume > local.Volume {
				local.Volume = in.Volume
				metrics.SnapshotMerged.WithLabelValues("volume_corrected").Inc()
			} else {
				metrics.SnapshotMerged.WithLabelValues("ignored").Inc()
			}
		}
	}
	return nil
}

// Candles возвращает read-only копию серии, упорядоченную по OpenTime.
func (m *Manager) Candles(symbol string, tf Timeframe) []Candle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[key{symbol: symbol, tf: tf}]
	if !ok {
		return nil
	}
	return s.snapshot()
}

// LatestPrice возвращает close самого свежего бара (открытого или закрытого).
func (m *Manager) LatestPrice(symbol string, tf Timeframe) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[key{symbol: symbol, tf: tf}]
	if !ok {
		return 0, false
	}
	last := s.last()
	if last == nil {
		return 0, false
	}
	return last.Close, true
}

// SetNow подменяет источник времени. Только для тестов.
func (m *Manager) SetNow(now func() time.Time) { m.now = now }
