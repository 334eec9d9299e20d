// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// FramesTotal — общее число кадров, принятых из WebSocket.
	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "ws",
		Name:      "frames_total",
		Help:      "Total number of frames received from the duplex channel",
	})

	// ParseErrors — число кадров, отброшенных из-за ошибок декодирования.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "ws",
		Name:      "parse_errors_total",
		Help:      "Total number of inbound frames dropped as unparsable",
	})

	// BufferDrops — число кадров, отброшенных из-за переполнения буфера.
	BufferDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "ws",
		Name:      "buffer_drops_total",
		Help:      "Number of frames dropped because the channel buffer was full",
	})

	// ReconnectsTotal — число переподключений к каналу.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "ws",
		Name:      "reconnects_total",
		Help:      "Number of reconnect cycles of the duplex channel",
	})

	// PongTimeouts — число keepalive-разрывов из-за отсутствия pong.
	PongTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "ws",
		Name:      "pong_timeouts_total",
		Help:      "Number of connections dropped after a missing keepalive pong",
	})

	// ActiveSubscriptions — текущее число активных wire-подписок.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketstream",
		Subsystem: "subscriptions",
		Name:      "active",
		Help:      "Number of active wire subscriptions",
	})

	// TicksTotal — число тиков, принятых агрегатором, по таймфреймам.
	TicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "aggregator",
		Name:      "ticks_total",
		Help:      "Number of ticks ingested into the working candle",
	}, []string{"timeframe"})

	// StaleTicksDropped — число тиков, отброшенных как устаревшие.
	StaleTicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "aggregator",
		Name:      "stale_ticks_dropped_total",
		Help:      "Number of ticks older than the open candle boundary",
	})

	// UntrackedTicksDropped — тики по инструментам без активной подписки.
	UntrackedTicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "aggregator",
		Name:      "untracked_ticks_dropped_total",
		Help:      "Number of ticks for instruments that are not tracked",
	})

	// CandlesClosed — число закрытых баров, по таймфреймам.
	CandlesClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "aggregator",
		Name:      "candles_closed_total",
		Help:      "Number of candles sealed at a timeframe boundary",
	}, []string{"timeframe"})

	// SnapshotMerged — число баров, принятых из REST-снапшота.
	SnapshotMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "aggregator",
		Name:      "snapshot_merged_total",
		Help:      "Number of snapshot candles merged into series",
	}, []string{"outcome"}) // inserted | replaced | volume_corrected | ignored

	// SnapshotRejected — число снапшот-баров, отброшенных как некорректные.
	SnapshotRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "aggregator",
		Name:      "snapshot_rejected_total",
		Help:      "Number of snapshot candles dropped for invariant violations",
	})

	// PollsTotal — число выполненных REST-опросов.
	PollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Number of REST snapshot requests issued",
	})

	// PollErrors — число неуспешных REST-опросов (включая таймауты).
	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "poller",
		Name:      "poll_errors_total",
		Help:      "Number of failed REST snapshot requests",
	})

	// PollSkipped — число тиков таймера, пропущенных из-за in-flight запроса.
	PollSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "poller",
		Name:      "polls_skipped_total",
		Help:      "Number of timer ticks skipped because a request was in flight",
	})

	// PollLatency — гистограмма длительности REST-опроса.
	PollLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketstream",
		Subsystem: "poller",
		Name:      "poll_latency_seconds",
		Help:      "Latency of REST snapshot requests (seconds)",
		Buckets:   prometheus.DefBuckets,
	})

	// SinkErrors — ошибки публикации закрытых баров во внешний sink.
	SinkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketstream",
		Subsystem: "sink",
		Name:      "flush_errors_total",
		Help:      "Number of errors publishing closed candles to the sink",
	})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать с nil, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FramesTotal,
			ParseErrors,
			BufferDrops,
			ReconnectsTotal,
			PongTimeouts,
			ActiveSubscriptions,
			TicksTotal,
			StaleTicksDropped,
			UntrackedTicksDropped,
			CandlesClosed,
			SnapshotMerged,
			SnapshotRejected,
			PollsTotal,
			PollErrors,
			PollSkipped,
			PollLatency,
			SinkErrors,
		)
	})
}
