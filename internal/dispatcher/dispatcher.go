// internal/dispatcher/dispatcher.go
package dispatcher

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/protocol"
	"github.com/YaganovValera/market-stream/internal/transport/stream"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

var tracer = otel.Tracer("marketstream/dispatcher")

// Handler — колбэк на типизированное событие.
type Handler func(evt protocol.Event)

type entry struct {
	id uint64
	fn Handler
}

// Dispatcher разбирает входящие кадры и маршрутизирует их по виду события.
// Доставка синхронная, в порядке регистрации листенеров. Неразбираемые кадры
// логируются и отбрасываются — уронить диспетчер они не могут.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[protocol.Kind][]entry
	log      *logger.Logger
}

// New создаёт диспетчер без листенеров.
func New(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Kind][]entry),
		log:      log.Named("dispatcher"),
	}
}

// On регистрирует листенер и возвращает функцию, снимающую ровно его.
func (d *Dispatcher) On(kind protocol.Kind, fn Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], entry{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.handlers[kind]
		for i, e := range list {
			if e.id == id {
				d.handlers[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Run — основной цикл: кадр за кадром, строго в порядке прихода.
func (d *Dispatcher) Run(ctx context.Context, in <-chan stream.RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg stream.RawMessage) {
	evt, err := protocol.Decode(msg.Data, msg.ReceivedAt)
	if err != nil {
		metrics.ParseErrors.Inc()
		d.log.WithContext(ctx).Warnw("unparsable frame dropped",
			"err", err, "raw", string(msg.Data))
		return
	}

	_, span := tracer.Start(ctx, "Dispatcher.handle",
		trace.WithAttributes(
			attribute.String("kind", evt.Kind.String()),
			attribute.String("symbol", evt.Symbol),
		))
	defer span.End()

	d.mu.Lock()
	list := d.handlers[evt.Kind]
	snapshot := make([]entry, len(list))
	copy(snapshot, list)
	d.mu.Unlock()

	// Колбэки зовём вне мьютекса: листенер вправе регистрировать и снимать
	// других листенеров из своего тела.
	for _, e := range snapshot {
		e.fn(evt)
	}
}
