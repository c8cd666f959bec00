package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
	"github.com/gaspardpetit/lifecycle-bridge/internal/reconnect"
)

// ConnState is the connection manager state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Listener receives state changes. err is the cause of a drop, if any.
type Listener func(state ConnState, err error)

// Options configures a Manager.
type Options struct {
	URL        string
	Header     http.Header
	MaxRetries int
	Backoff    reconnect.Backoff
	// AutoReconnect re-dials with backoff after an unexpected drop.
	AutoReconnect bool
	ClientInfo    mcp.Implementation
}

// Manager owns the WebSocket to the bridge and its Protocol.
type Manager struct {
	opts  Options
	proto *Protocol

	mu        sync.Mutex
	state     ConnState
	ws        *websocket.Conn
	attempts  int
	listeners map[int]Listener
	nextID    int
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager returns a disconnected manager.
func NewManager(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = mcp.Implementation{Name: "lifecycle-ctl", Version: "dev"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{opts: opts, listeners: map[int]Listener{}, ctx: ctx, cancel: cancel}
	m.proto = NewProtocol(m.write, opts.ClientInfo)
	return m
}

// Protocol returns the handler bound to this connection.
func (m *Manager) Protocol() *Protocol { return m.proto }

// State returns the current state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryAttempts is the number of failed attempts in the current retry run.
func (m *Manager) RetryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// MaxRetries is the retry bound used by ConnectWithRetry.
func (m *Manager) MaxRetries() int { return m.opts.MaxRetries }

// AddListener registers l and returns an id for RemoveListener.
func (m *Manager) AddListener(l Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners[m.nextID] = l
	return m.nextID
}

// RemoveListener unregisters a listener.
func (m *Manager) RemoveListener(id int) {
	m.mu.Lock()
	delete(m.listeners, id)
	m.mu.Unlock()
}

// Connect dials once and initialises the session.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting, nil)
	ws, _, err := websocket.Dial(ctx, m.opts.URL, &websocket.DialOptions{HTTPHeader: m.opts.Header})
	if err != nil {
		m.setState(StateDisconnected, err)
		return fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	ws.SetReadLimit(16 << 20)
	m.mu.Lock()
	m.ws = ws
	life := m.ctx
	m.mu.Unlock()
	go m.readLoop(ws, life)

	if _, err := m.proto.Initialize(ctx); err != nil {
		m.mu.Lock()
		if m.ws == ws {
			m.ws = nil
		}
		m.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "initialize failed")
		m.setState(StateDisconnected, err)
		return err
	}
	m.setState(StateConnected, nil)
	logx.Log.Info().Str("url", m.opts.URL).Msg("connected to bridge")
	return nil
}

// ConnectWithRetry calls Connect until it succeeds, waiting a capped
// exponential backoff between attempts, and gives up after MaxRetries
// failed retries.
func (m *Manager) ConnectWithRetry(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := m.Connect(ctx)
		if err == nil {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			return nil
		}
		m.mu.Lock()
		m.attempts = attempt + 1
		m.mu.Unlock()
		if attempt >= m.opts.MaxRetries {
			return fmt.Errorf("connect: giving up after %d attempts: %w", attempt+1, err)
		}
		delay := m.opts.Backoff.Delay(attempt)
		logx.Log.Warn().Err(err).Int("attempt", attempt+1).Int("max_retries", m.opts.MaxRetries).Dur("delay", delay).Msg("connect failed; retrying")
		m.setState(StateReconnecting, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			m.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Disconnect closes the socket, fails pending requests and stops any
// automatic reconnect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()
	m.proto.Reset()
	var err error
	if ws != nil {
		err = ws.Close(websocket.StatusNormalClosure, "disconnect")
	}
	m.setState(StateDisconnected, nil)
	return err
}

func (m *Manager) write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// readLoop feeds frames to the protocol until the socket fails. Only a drop
// of an established session triggers the automatic reconnect; a failure
// during Connect is reported to its caller instead.
func (m *Manager) readLoop(ws *websocket.Conn, life context.Context) {
	var err error
	for {
		var data []byte
		_, data, err = ws.Read(life)
		if err != nil {
			break
		}
		m.proto.HandleMessage(data)
	}
	m.mu.Lock()
	current := m.ws == ws
	wasConnected := m.state == StateConnected
	if current {
		m.ws = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}
	m.proto.Reset()
	if !wasConnected {
		return
	}
	if life.Err() != nil || !m.opts.AutoReconnect {
		m.setState(StateDisconnected, err)
		return
	}
	logx.Log.Warn().Err(err).Msg("connection to bridge lost; reconnecting")
	m.setState(StateReconnecting, err)
	go func() {
		if err := m.ConnectWithRetry(life); err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Error().Err(err).Msg("reconnect failed")
		}
	}()
}

func (m *Manager) setState(s ConnState, cause error) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()
	if !changed {
		return
	}
	for _, l := range ls {
		notifyListener(l, s, cause)
	}
}

func notifyListener(l Listener, s ConnState, cause error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Str("state", s.String()).Msg("connection listener panicked")
		}
	}()
	l(s, cause)
}
