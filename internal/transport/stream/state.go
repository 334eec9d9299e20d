// internal/transport/stream/state.go
package stream

// State — фаза жизненного цикла соединения. Ровно одно значение в момент
// времени; переходы управляют keepalive-ом и replay-ем подписок.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed // только явный shutdown, без авто-ретраев
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}
