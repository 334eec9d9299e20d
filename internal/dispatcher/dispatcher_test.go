// internal/dispatcher/dispatcher_test.go
package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/YaganovValera/market-stream/internal/protocol"
	"github.com/YaganovValera/market-stream/internal/transport/stream"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return New(log)
}

func raw(s string) stream.RawMessage {
	return stream.RawMessage{Data: []byte(s), ReceivedAt: time.Now()}
}

// runFrames прогоняет кадры через Run и дожидается завершения цикла.
func runFrames(t *testing.T, d *Dispatcher, frames ...string) {
	t.Helper()
	in := make(chan stream.RawMessage, len(frames))
	for _, f := range frames {
		in <- raw(f)
	}
	close(in)
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDeliveryByKind(t *testing.T) {
	d := newTestDispatcher(t)

	var prices []float64
	d.On(protocol.KindPriceUpdate, func(evt protocol.Event) {
		prices = append(prices, evt.Tick.Price)
	})
	var pongs int
	d.On(protocol.KindPong, func(evt protocol.Event) { pongs++ })

	runFrames(t, d,
		`{"type":"price_update","data":{"symbol":"NIFTY","price":100}}`,
		`{"type":"pong"}`,
		`{"type":"price_update","data":{"symbol":"NIFTY","price":105}}`,
	)

	if len(prices) != 2 || prices[0] != 100 || prices[1] != 105 {
		t.Errorf("prices = %v; want [100 105] in arrival order", prices)
	}
	if pongs != 1 {
		t.Errorf("pongs = %d; want 1", pongs)
	}
}

// Листенеры одного вида зовутся в порядке регистрации.
func TestInsertionOrder(t *testing.T) {
	d := newTestDispatcher(t)

	var order []string
	d.On(protocol.KindHeartbeat, func(protocol.Event) { order = append(order, "a") })
	d.On(protocol.KindHeartbeat, func(protocol.Event) { order = append(order, "b") })
	d.On(protocol.KindHeartbeat, func(protocol.Event) { order = append(order, "c") })

	runFrames(t, d, `{"type":"heartbeat"}`)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v; want [a b c]", order)
	}
}

// off() снимает ровно свой листенер; остальные продолжают получать события.
func TestOffRemovesExactlyOne(t *testing.T) {
	d := newTestDispatcher(t)

	var first, second int
	off := d.On(protocol.KindHeartbeat, func(protocol.Event) { first++ })
	d.On(protocol.KindHeartbeat, func(protocol.Event) { second++ })

	runFrames(t, d, `{"type":"heartbeat"}`)
	off()
	off() // повторный вызов безвреден
	runFrames(t, d, `{"type":"heartbeat"}`)

	if first != 1 {
		t.Errorf("first = %d; want 1 (removed after first frame)", first)
	}
	if second != 2 {
		t.Errorf("second = %d; want 2", second)
	}
}

// Неразбираемые кадры отбрасываются, не прерывая цикл.
func TestUnparsableDropped(t *testing.T) {
	d := newTestDispatcher(t)

	var ticks int
	d.On(protocol.KindPriceUpdate, func(protocol.Event) { ticks++ })

	runFrames(t, d,
		`{"type":"price_update","data":{"symbol":"NIFTY","price":100}}`,
		`garbage`,
		`{"type":"no_such_kind"}`,
		`{"type":"price_update","data":{"symbol":"NIFTY","price":101}}`,
	)

	if ticks != 2 {
		t.Errorf("ticks = %d; want 2 (garbage skipped, loop alive)", ticks)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := newTestDispatcher(t)
	in := make(chan stream.RawMessage)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, in) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v; want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
