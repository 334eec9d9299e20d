// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/internal/client"
	"github.com/YaganovValera/market-stream/internal/config"
	"github.com/YaganovValera/market-stream/internal/dispatcher"
	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/poller"
	"github.com/YaganovValera/market-stream/internal/sink"
	"github.com/YaganovValera/market-stream/internal/subscription"
	"github.com/YaganovValera/market-stream/internal/transport/stream"
	"github.com/YaganovValera/market-stream/pkg/httpserver"
	"github.com/YaganovValera/market-stream/pkg/kafka"
	"github.com/YaganovValera/market-stream/pkg/logger"
	"github.com/YaganovValera/market-stream/pkg/telemetry"
)

// Run собирает все компоненты и блокируется до отмены контекста.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)

	// Трассировка.
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)

	// 1) Опциональная публикация закрытых баров в Kafka.
	var flushSink aggregator.FlushSink
	var kafkaProd kafka.Producer
	if cfg.Kafka.Enabled {
		kafkaProd, err = kafka.New(ctx, cfg.Kafka.Producer, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdownSafe(ctx, "kafka-producer", kafkaProd.Close, log)

		flushSink, err = sink.NewCandleSink(kafkaProd, cfg.Kafka.Topic, log)
		if err != nil {
			return fmt.Errorf("candle sink init: %w", err)
		}
	}

	// 2) Агрегатор.
	agg, err := aggregator.NewManager(cfg.Aggregator, flushSink, log)
	if err != nil {
		return fmt.Errorf("aggregator init: %w", err)
	}

	// 3) Транспорт, реестр подписок, диспетчер, REST-фолбэк.
	mgr, err := stream.NewManager(cfg.Stream, log)
	if err != nil {
		return fmt.Errorf("stream manager init: %w", err)
	}
	defer mgr.Disconnect()

	reg := subscription.NewRegistry(mgr, log)
	disp := dispatcher.New(log)

	poll, err := poller.NewCoordinator(cfg.Polling, agg, log)
	if err != nil {
		return fmt.Errorf("poller init: %w", err)
	}

	// 4) Фасад потребителя: прошивает replay, pong и маршруты данных.
	cl := client.New(mgr, reg, disp, agg, poll, log)

	// 5) HTTP: метрики, health и read-only API поверх локальных серий.
	readiness := func() error {
		if mgr.Unreachable() {
			return errors.New("stream unreachable, reconnect attempts exhausted")
		}
		return nil
	}
	routes := map[string]http.Handler{
		"/api/v1/candles": candlesHandler(cl, log),
		"/api/v1/status":  statusHandler(cl, agg.Timeframes()),
	}
	httpSrv, err := httpserver.New(cfg.HTTP, readiness, log, routes)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	// 6) Стартовые подписки.
	for _, symbol := range cfg.Symbols {
		cl.Subscribe(symbol)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return httpSrv.Start(ctx) })
	g.Go(func() error { return disp.Run(ctx, mgr.Messages()) })
	g.Go(func() error { return poll.Run(ctx) })
	g.Go(func() error {
		if err := mgr.Connect(ctx); err != nil {
			return fmt.Errorf("stream connect: %w", err)
		}
		<-ctx.Done()
		return ctx.Err()
	})

	log.Info("service started",
		zap.String("stream_url", cfg.Stream.URL),
		zap.Strings("symbols", cfg.Symbols),
		zap.Bool("kafka", cfg.Kafka.Enabled),
	)

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("service stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием.
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Infof("%s: shutting down", name)
	if err := fn(); err != nil {
		log.WithContext(ctx).Errorw(fmt.Sprintf("%s shutdown error", name), "error", err)
	} else {
		log.WithContext(ctx).Infof("%s: shutdown complete", name)
	}
}
