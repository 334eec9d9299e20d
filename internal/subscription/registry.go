// internal/subscription/registry.go
package subscription

import (
	"sync"

	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/protocol"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// Wire — то, что реестру нужно от ConnectionManager-а.
type Wire interface {
	Connected() bool
	Send(v interface{}) error
}

// Registry хранит refcount-ы wire-подписок. Несколько потребителей делят одну
// подписку; кадр unsubscribe уходит только при падении счётчика до нуля.
// Интенты, накопленные в отключённом состоянии, досылает ReplayAll.
type Registry struct {
	mu   sync.Mutex
	refs map[string]int
	wire Wire
	log  *logger.Logger
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(wire Wire, log *logger.Logger) *Registry {
	return &Registry{
		refs: make(map[string]int),
		wire: wire,
		log:  log.Named("subscriptions"),
	}
}

// Subscribe увеличивает refcount и возвращает его новое значение.
// На переходе 0→1 при открытом канале сразу уходит кадр subscribe;
// иначе интент удовлетворит post-reconnect replay.
func (r *Registry) Subscribe(symbol string) int {
	r.mu.Lock()
	r.refs[symbol]++
	count := r.refs[symbol]
	if count == 1 {
		metrics.ActiveSubscriptions.Inc()
	}
	r.mu.Unlock()

	if count == 1 && r.wire.Connected() {
		if err := r.wire.Send(protocol.SubscribeFrame(symbol)); err != nil {
			// Канал успел упасть: replay после reconnect-а закроет дыру.
			r.log.Sugar().Warnw("subscribe frame not delivered, will replay",
				"symbol", symbol, "err", err)
		}
	}
	return count
}

// Unsubscribe уменьшает refcount и возвращает остаток. На переходе 1→0
// подписка снимается и при открытом канале уходит кадр unsubscribe.
func (r *Registry) Unsubscribe(symbol string) int {
	r.mu.Lock()
	count, ok := r.refs[symbol]
	if !ok {
		r.mu.Unlock()
		r.log.Sugar().Warnw("unsubscribe for unknown instrument", "symbol", symbol)
		return 0
	}
	count--
	if count <= 0 {
		delete(r.refs, symbol)
		count = 0
		metrics.ActiveSubscriptions.Dec()
	} else {
		r.refs[symbol] = count
	}
	r.mu.Unlock()

	if count == 0 && r.wire.Connected() {
		if err := r.wire.Send(protocol.UnsubscribeFrame(symbol)); err != nil {
			r.log.Sugar().Warnw("unsubscribe frame not delivered",
				"symbol", symbol, "err", err)
		}
	}
	return count
}

// ReplayAll повторно шлёт subscribe для каждой активной подписки.
// Порядок не специфицирован, важна полнота. Вызывается после reconnect-а.
func (r *Registry) ReplayAll() {
	r.mu.Lock()
	symbols := make([]string, 0, len(r.refs))
	for s := range r.refs {
		symbols = append(symbols, s)
	}
	r.mu.Unlock()

	for _, s := range symbols {
		if err := r.wire.Send(protocol.SubscribeFrame(s)); err != nil {
			r.log.Sugar().Warnw("subscription replay failed", "symbol", s, "err", err)
		}
	}
	r.log.Sugar().Infow("subscriptions replayed", "count", len(symbols))
}

// Active возвращает снимок активных инструментов.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.refs))
	for s := range r.refs {
		out = append(out, s)
	}
	return out
}

// Count возвращает текущий refcount инструмента.
func (r *Registry) Count(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[symbol]
}
