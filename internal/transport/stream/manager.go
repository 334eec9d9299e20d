// internal/transport/stream/manager.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/protocol"
	"github.com/YaganovValera/market-stream/pkg/backoff"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// ErrNotConnected возвращается из Send, когда канал не в состоянии CONNECTED.
// Доставка не произошла, и вызывающий обязан об этом узнать.
var ErrNotConnected = errors.New("stream: not connected")

// RawMessage несёт один входящий кадр и время его приёма.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// StatusFunc уведомляет наблюдателей о смене состояния.
// unreachable взводится после исчерпания reconnect-попыток.
type StatusFunc func(state State, unreachable bool)

// ConnectedFunc вызывается после каждого успешного подключения
// (replay активных подписок).
type ConnectedFunc func(ctx context.Context)

// Config задаёт параметры подключения к duplex-каналу.
type Config struct {
	URL          string         `mapstructure:"url"`
	Token        string         `mapstructure:"token"`         // bearer-токен, уходит query-параметром
	PingInterval time.Duration  `mapstructure:"ping_interval"` // период keepalive-пинга
	PongTimeout  time.Duration  `mapstructure:"pong_timeout"`  // окно ожидания pong после ping
	WriteTimeout time.Duration  `mapstructure:"write_timeout"`
	BufferSize   int            `mapstructure:"buffer_size"`
	Backoff      backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("stream: URL is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("stream: invalid URL %q: %w", c.URL, err)
	}
	return nil
}

// Manager владеет единственным wire-соединением и его state machine.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu          sync.Mutex
	state       State
	unreachable bool
	conn        *websocket.Conn
	cancelRun   context.CancelFunc
	running     bool
	runDone     chan struct{}
	lastPong    time.Time

	writeMu sync.Mutex // у gorilla один писатель на соединение

	out chan RawMessage

	onConnected ConnectedFunc
	onStatus    StatusFunc
}

// NewManager создаёт Manager в состоянии DISCONNECTED.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:   cfg,
		log:   log.Named("stream"),
		state: StateDisconnected,
		out:   make(chan RawMessage, cfg.BufferSize),
	}, nil
}

// OnConnected задаёт hook, вызываемый после каждого успешного подключения.
// Устанавливается до Connect.
func (m *Manager) OnConnected(fn ConnectedFunc) { m.onConnected = fn }

// OnStatus задаёт наблюдателя смены состояний. Устанавливается до Connect.
func (m *Manager) OnStatus(fn StatusFunc) { m.onStatus = fn }

// Messages возвращает канал входящих кадров.
func (m *Manager) Messages() <-chan RawMessage { return m.out }

// State возвращает текущее состояние.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected сообщает, открыт ли канал.
func (m *Manager) Connected() bool { return m.State() == StateConnected }

// Unreachable сообщает, исчерпаны ли reconnect-попытки.
func (m *Manager) Unreachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unreachable
}

// Connect запускает цикл подключения. Допустим из DISCONNECTED, из CLOSED
// (явный reopen) и из RECONNECTING с взведённым unreachable (ручной ретрай).
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("stream: connect loop already running")
	}
	switch m.state {
	case StateDisconnected, StateClosed:
	case StateReconnecting:
		if !m.unreachable {
			m.mu.Unlock()
			return fmt.Errorf("stream: connect not allowed in state %s", m.state)
		}
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("stream: connect not allowed in state %s", state)
	}
	m.unreachable = false
	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	m.running = true
	done := make(chan struct{})
	m.runDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(runCtx)
	}()
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if first {
			m.setState(StateConnecting)
		}

		// Подключаемся с бэкоффом; лимит попыток задаёт Config.Backoff.MaxRetries.
		var conn *websocket.Conn
		err := backoff.Execute(ctx, m.cfg.Backoff, m.log, func(ctxTry context.Context) error {
			var dialErr error
			conn, _, dialErr = websocket.DefaultDialer.DialContext(ctxTry, m.dialURL(), nil)
			return dialErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Попытки исчерпаны: unreachable до явного ручного Connect.
			m.latchUnreachable()
			m.log.Sugar().Errorw("ws: gave up reconnecting", "err", err)
			return
		}

		if !first {
			metrics.ReconnectsTotal.Inc()
		}
		first = false

		m.mu.Lock()
		m.conn = conn
		m.state = StateConnected
		m.lastPong = time.Now()
		m.mu.Unlock()
		m.notifyStatus()
		m.log.Sugar().Infow("ws: connected", "url", m.cfg.URL)

		// Replay активных подписок на каждом подключении.
		if m.onConnected != nil {
			m.onConnected(ctx)
		}

		connCtx, cancelConn := context.WithCancel(ctx)
		go m.keepalive(connCtx, conn)
		go func() {
			// Закрываем сокет при отмене, чтобы ReadMessage вернулся.
			<-connCtx.Done()
			conn.Close()
		}()

		m.readLoop(conn)
		cancelConn()

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		m.setState(StateReconnecting)
	}
}

// readLoop читает кадры до ошибки соединения.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.log.Sugar().Warnw("ws: read error, connection lost", "err", err)
			return
		}
		metrics.FramesTotal.Inc()
		select {
		case m.out <- RawMessage{Data: data, ReceivedAt: time.Now()}:
		default:
			metrics.BufferDrops.Inc()
			m.log.Sugar().Warnw("ws: buffer full, dropping frame")
		}
	}
}

// keepalive шлёт прикладной ping-кадр и следит за свежестью pong.
// Отсутствие pong в окне PingInterval+PongTimeout — потеря соединения.
func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			last := m.lastPong
			m.mu.Unlock()
			if time.Since(last) > m.cfg.PingInterval+m.cfg.PongTimeout {
				metrics.PongTimeouts.Inc()
				m.log.Sugar().Warnw("ws: pong timeout, dropping connection",
					"last_pong", last)
				conn.Close()
				return
			}
			if err := m.writeJSON(conn, protocol.PingFrame()); err != nil {
				m.log.Sugar().Warnw("ws: ping failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}

// NotePong фиксирует приход pong-кадра (вызывается диспетчером).
func (m *Manager) NotePong() {
	m.mu.Lock()
	m.lastPong = time.Now()
	m.mu.Unlock()
}

// Send отправляет кадр, если канал открыт. Иначе — предупреждение в лог и
// ErrNotConnected: молчаливой очереди здесь нет, это забота подписок.
func (m *Manager) Send(v interface{}) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		state := m.state
		m.mu.Unlock()
		m.log.Sugar().Warnw("ws: send skipped, not connected", "state", state.String())
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()
	return m.writeJSON(conn, v)
}

func (m *Manager) writeJSON(conn *websocket.Conn, v interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// Disconnect закрывает канал из любого состояния: CLOSED, таймеры остановлены,
// счётчики ретраев сброшены. Дожидается остановки цикла подключения, поэтому
// следующий Connect разрешён сразу. Повторное открытие — только явный Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancelRun
	conn := m.conn
	done := m.runDone
	m.cancelRun = nil
	m.runDone = nil
	m.conn = nil
	m.state = StateClosed
	m.unreachable = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	m.notifyStatus()
	m.log.Sugar().Infow("ws: closed")
}

func (m *Manager) dialURL() string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL // validate не пропустит сюда кривой URL
	}
	if m.cfg.Token != "" {
		q := u.Query()
		q.Set("token", m.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.notifyStatus()
}

func (m *Manager) latchUnreachable() {
	m.mu.Lock()
	m.state = StateReconnecting
	m.unreachable = true
	m.mu.Unlock()
	m.notifyStatus()
}

func (m *Manager) notifyStatus() {
	if m.onStatus == nil {
		return
	}
	m.mu.Lock()
	state := m.state
	unreachable := m.unreachable
	m.mu.Unlock()
	m.onStatus(state, unreachable)
}
