// internal/poller/poller.go
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// Key идентифицирует один опрашиваемый ряд.
type Key struct {
	Symbol    string
	Timeframe aggregator.Timeframe
}

// Config задаёт параметры REST-фолбэка.
type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	Interval       time.Duration `mapstructure:"interval"`        // период опроса
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // таймаут одного запроса
	Limit          int           `mapstructure:"limit"`           // сколько баров запрашивать
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Limit <= 0 {
		c.Limit = 100
	}
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("poller: BaseURL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("poller: invalid BaseURL %q: %w", c.BaseURL, err)
	}
	return nil
}

// SnapshotSink принимает результат опроса (CandleAggregator).
type SnapshotSink interface {
	IngestSnapshot(ctx context.Context, symbol string, tf aggregator.Timeframe, candles []aggregator.Candle) error
}

type flight struct {
	cancel context.CancelFunc
}

// Coordinator периодически подтягивает REST-снапшот по каждому активному
// ключу и отдаёт его агрегатору. Запросы single-flight per key: тик таймера,
// заставший запрос в полёте, молча пропускается. Сам координатор свечей
// не хранит.
type Coordinator struct {
	cfg    Config
	sink   SnapshotSink
	log    *logger.Logger
	client *http.Client

	mu       sync.Mutex
	tracked  map[Key]struct{}
	inflight map[Key]*flight
}

// NewCoordinator создаёт координатор без активных ключей.
func NewCoordinator(cfg Config, sink SnapshotSink, log *logger.Logger) (*Coordinator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:  cfg,
		sink: sink,
		log:  log.Named("poller"),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		tracked:  make(map[Key]struct{}),
		inflight: make(map[Key]*flight),
	}, nil
}

// Track добавляет ключ в опрос. Идемпотентно.
func (c *Coordinator) Track(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[k] = struct{}{}
}

// Untrack убирает ключ и отменяет его in-flight запрос: устаревший результат
// не должен примениться после отмены.
func (c *Coordinator) Untrack(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, k)
	if f, ok := c.inflight[k]; ok {
		f.cancel()
		delete(c.inflight, k)
	}
}

// Tracked возвращает снимок активных ключей.
func (c *Coordinator) Tracked() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.tracked))
	for k := range c.tracked {
		out = append(out, k)
	}
	return out
}

// Run запускает цикл опроса до отмены контекста. Ошибки отдельных запросов
// восстановимы и не прерывают цикл.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Первый проход сразу: back-fill не ждёт целого интервала.
	c.pollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.pollAll(ctx)
		}
	}
}

func (c *Coordinator) pollAll(ctx context.Context) {
	for _, k := range c.Tracked() {
		c.mu.Lock()
		if _, busy := c.inflight[k]; busy {
			c.mu.Unlock()
			metrics.PollSkipped.Inc()
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		f := &flight{cancel: cancel}
		c.inflight[k] = f
		c.mu.Unlock()

		go c.fetch(fetchCtx, k, f)
	}
}

// snapshotResponse — форма ответа REST-эндпоинта свечей.
type snapshotResponse struct {
	Symbol      string        `json:"symbol"`
	Timeframe   string        `json:"timeframe"`
	Date        string        `json:"date"`
	Data        []snapshotRow `json:"data"`
	Count       int           `json:"count"`
	DataSource  string        `json:"data_source"`
	LatestPrice float64       `json:"latest_price"`
	RealTime    bool          `json:"real_time"`
	TickCount   int64         `json:"tick_count"`
}

type snapshotRow struct {
	Time     int64   `json:"time"` // unix seconds, начало бара
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
}

func (c *Coordinator) fetch(ctx context.Context, k Key, f *flight) {
	defer func() {
		f.cancel()
		c.mu.Lock()
		if c.inflight[k] == f {
			delete(c.inflight, k)
		}
		c.mu.Unlock()
	}()

	metrics.PollsTotal.Inc()
	start := time.Now()

	reqURL := fmt.Sprintf("%s/api/v1/candles?symbol=%s&timeframe=%s&limit=%d",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.QueryEscape(k.Symbol), url.QueryEscape(string(k.Timeframe)), c.cfg.Limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		metrics.PollErrors.Inc()
		c.log.Sugar().Warnw("snapshot request build failed", "key", k, "err", err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Таймаут и сетевые сбои восстановимы: следующий тик пойдёт штатно.
		metrics.PollErrors.Inc()
		c.log.Sugar().Warnw("snapshot poll failed",
			"symbol", k.Symbol, "timeframe", string(k.Timeframe), "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.PollErrors.Inc()
		c.log.Sugar().Warnw("snapshot poll bad status",
			"symbol", k.Symbol, "timeframe", string(k.Timeframe), "status", resp.StatusCode)
		return
	}

	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.PollErrors.Inc()
		c.log.Sugar().Warnw("snapshot decode failed",
			"symbol", k.Symbol, "timeframe", string(k.Timeframe), "err", err)
		return
	}

	candles := make([]aggregator.Candle, 0, len(body.Data))
	for _, row := range body.Data {
		candles = append(candles, aggregator.Candle{
			Symbol:    k.Symbol,
			Timeframe: k.Timeframe,
			OpenTime:  time.Unix(row.Time, 0).UTC(),
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		})
	}

	// Отменённый (Untrack) или просроченный запрос результат не применяет.
	if ctx.Err() != nil {
		c.log.Sugar().Debugw("snapshot result discarded after cancellation",
			"symbol", k.Symbol, "timeframe", string(k.Timeframe))
		return
	}

	if err := c.sink.IngestSnapshot(ctx, k.Symbol, k.Timeframe, candles); err != nil {
		metrics.PollErrors.Inc()
		c.log.Sugar().Warnw("snapshot merge failed",
			"symbol", k.Symbol, "timeframe", string(k.Timeframe), "err", err)
		return
	}

	metrics.PollLatency.Observe(time.Since(start).Seconds())
	c.log.Sugar().Debugw("snapshot merged",
		"symbol", k.Symbol,
		"timeframe", string(k.Timeframe),
		"candles", len(candles),
		"source", body.DataSource,
		"real_time", body.RealTime)
}
