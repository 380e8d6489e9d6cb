package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatwire/model"
)

// State is the client connection lifecycle. Exactly one Manager (and so one
// logical connection) exists per client process.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateError        State = "error"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseInterval = time.Second
	defaultMaxInterval  = 30 * time.Second

	defaultDialTimeout = 3 * time.Second

	eventQueueSize = 256
	stateQueueSize = 32
)

var (
	ErrNotConnected = errors.New("not connected")
)

type (
	// Transport is one established bidirectional channel.
	Transport interface {
		ReadMessage() ([]byte, error)
		WriteMessage(payload []byte) error
		Close() error
	}

	// Dialer establishes transports. The default dials a websocket; tests
	// substitute their own.
	Dialer interface {
		Dial(ctx context.Context, url string) (Transport, error)
	}

	Config struct {
		Logger       *zerolog.Logger
		URL          string
		Identity     model.UserJoin
		MaxAttempts  int
		BaseInterval time.Duration
		MaxInterval  time.Duration
		Dialer       Dialer
	}

	// Manager owns the transport lifecycle: connect, read, disconnect and
	// reconnect with exponential backoff. A reconnect re-sends the full join
	// identity; the server treats it as a brand-new user.
	Manager struct {
		logger zerolog.Logger

		url          string
		identity     model.UserJoin
		maxAttempts  int
		baseInterval time.Duration
		maxInterval  time.Duration
		dialer       Dialer

		mx             sync.Mutex
		state          State
		attempts       int
		tr             Transport
		reconnectTimer *time.Timer
		gen            int

		events chan model.Outbound
		states chan State
	}
)

func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:       cfg.Logger.With().Str("component", "conn-manager").Logger(),
		url:          cfg.URL,
		identity:     cfg.Identity,
		maxAttempts:  cfg.MaxAttempts,
		baseInterval: cfg.BaseInterval,
		maxInterval:  cfg.MaxInterval,
		dialer:       cfg.Dialer,
		state:        StateDisconnected,
		events:       make(chan model.Outbound, eventQueueSize),
		states:       make(chan State, stateQueueSize),
	}
	if m.maxAttempts == 0 {
		m.maxAttempts = defaultMaxAttempts
	}
	if m.baseInterval == 0 {
		m.baseInterval = defaultBaseInterval
	}
	if m.maxInterval == 0 {
		m.maxInterval = defaultMaxInterval
	}
	if m.dialer == nil {
		m.dialer = &wsDialer{}
	}
	return m
}

// Events delivers decoded server frames. Best-effort: a full queue drops.
func (m *Manager) Events() <-chan model.Outbound { return m.events }

// States delivers every state transition in order.
func (m *Manager) States() <-chan State { return m.states }

func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Connect starts a connection attempt. No-op when already connected or a
// connect is in flight.
func (m *Manager) Connect(ctx context.Context) {
	m.mx.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mx.Unlock()
		return
	}
	m.cancelTimerLocked()
	m.setStateLocked(StateConnecting)
	gen := m.gen
	m.mx.Unlock()

	go m.dial(ctx, gen)
}

// Reset zeroes the attempt counter and retries. This is the manual escape
// from the failed and error states.
func (m *Manager) Reset(ctx context.Context) {
	m.mx.Lock()
	m.attempts = 0
	m.mx.Unlock()
	m.Connect(ctx)
}

// Logout synchronously tears the connection down: the transport is closed,
// any pending reconnect timer is canceled and the attempt counter is zeroed
// before Logout returns. No reconnect is scheduled.
func (m *Manager) Logout() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.gen++
	m.cancelTimerLocked()
	if m.tr != nil {
		_ = m.tr.Close()
		m.tr = nil
	}
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.logger.Info().Msg("logged out")
}

// Send encodes and writes one event frame. Fails when not connected.
func (m *Manager) Send(event string, data any) error {
	m.mx.Lock()
	tr := m.tr
	state := m.state
	m.mx.Unlock()
	if state != StateConnected || tr == nil {
		return ErrNotConnected
	}
	payload, err := model.Encode(event, data)
	if err != nil {
		return err
	}
	return tr.WriteMessage(payload)
}

func (m *Manager) dial(ctx context.Context, gen int) {
	tr, err := m.dialer.Dial(ctx, m.url)

	m.mx.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mx.Unlock()
		if err == nil {
			_ = tr.Close()
		}
		return
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("connect failed")
		m.setStateLocked(StateError)
		m.scheduleReconnectLocked(ctx)
		m.mx.Unlock()
		return
	}

	m.tr = tr
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.mx.Unlock()

	// A (re)connect is a fresh join; there is no session to resume.
	if sendErr := m.Send(model.EventUserJoin, m.identity); sendErr != nil {
		m.logger.Error().Err(sendErr).Msg("failed to send join identity")
	}

	go m.readLoop(ctx, gen, tr)
}

func (m *Manager) readLoop(ctx context.Context, gen int, tr Transport) {
	for {
		payload, err := tr.ReadMessage()
		if err != nil {
			m.handleDrop(ctx, gen, err)
			return
		}
		ev, decErr := model.DecodeOutbound(payload)
		if decErr != nil {
			m.logger.Debug().Err(decErr).Msg("dropping server frame")
			continue
		}
		select {
		case m.events <- ev:
		default:
			m.logger.Warn().Msg("event queue full, frame dropped")
		}
	}
}

func (m *Manager) handleDrop(ctx context.Context, gen int, err error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.gen != gen {
		// Teardown already happened (logout); this loop is stale.
		return
	}
	m.logger.Warn().Err(err).Msg("connection dropped")
	if m.tr != nil {
		_ = m.tr.Close()
		m.tr = nil
	}
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked(ctx)
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// pending one. Once maxAttempts is exhausted the state becomes failed and
// nothing further is scheduled until Reset.
func (m *Manager) scheduleReconnectLocked(ctx context.Context) {
	if m.attempts >= m.maxAttempts {
		m.setStateLocked(StateFailed)
		m.logger.Error().Int("attempts", m.attempts).Msg("reconnect attempts exhausted")
		return
	}
	delay := backoffDelay(m.baseInterval, m.maxInterval, m.attempts)
	m.attempts++
	m.setStateLocked(StateReconnecting)
	m.cancelTimerLocked()

	gen := m.gen
	m.logger.Info().
		Dur("delay", delay).
		Int("attempt", m.attempts).
		Msg("reconnect scheduled")
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mx.Lock()
		if m.gen != gen || m.state != StateReconnecting {
			m.mx.Unlock()
			return
		}
		m.setStateLocked(StateConnecting)
		m.mx.Unlock()
		m.dial(ctx, gen)
	})
}

func (m *Manager) cancelTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	select {
	case m.states <- s:
	default:
	}
}

// backoffDelay doubles per consecutive failed attempt up to the ceiling.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

type wsDialer struct{}

func (d *wsDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	c, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	return payload, err
}

func (t *wsTransport) WriteMessage(payload []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
