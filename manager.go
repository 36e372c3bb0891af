package wsmux

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type sinkKey struct {
	label string
	addr  string
}

// Manager owns the connection pool and the session registry. Sessions bound
// to the same address share one Connection. It is safe for concurrent use.
type Manager struct {
	opts   options
	logger *zap.Logger
	dials  singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	bySink   map[sinkKey]string
	conns    map[string]*Connection
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	o := newOptions(opts)
	return &Manager{
		opts:     o,
		logger:   o.logger,
		sessions: make(map[string]*Session),
		bySink:   make(map[sinkKey]string),
		conns:    make(map[string]*Connection),
	}
}

// AddClient binds sink to host:port and returns the session id. The
// connection to the address is shared with other sinks. A sink that already
// has a session for the address gets its existing id back. If the address
// cannot be reached no session is created and the error is a *ConnectError.
// A nil sink yields ErrNilSink and an invalid config ErrInvalidConfig.
func (m *Manager) AddClient(ctx context.Context, sink Sink, host string, port int) (string, error) {
	if sink == nil {
		return "", ErrNilSink
	}
	if m.opts.cfgErr != nil {
		return "", m.opts.cfgErr
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	key := sinkKey{label: sink.Label(), addr: addr}

	for {
		m.mu.RLock()
		id, exists := m.bySink[key]
		conn := m.conns[addr]
		m.mu.RUnlock()
		if exists {
			return id, nil
		}

		if conn == nil {
			c, err := m.connect(ctx, addr)
			if err != nil {
				return "", err
			}
			conn = c
		}

		m.mu.Lock()
		if id, exists := m.bySink[key]; exists {
			m.mu.Unlock()
			return id, nil
		}
		if m.conns[addr] != conn {
			// Evicted between lookup and registration.
			m.mu.Unlock()
			continue
		}
		s := newSession(conn, sink, &m.opts)
		m.sessions[s.id] = s
		m.bySink[key] = s.id
		m.updateGauges()
		m.mu.Unlock()

		m.logger.Info("session added",
			zap.String("session", s.id),
			zap.String("label", key.label),
			zap.String("addr", addr),
		)
		return s.id, nil
	}
}

// connect opens and pools a Connection for addr. Concurrent callers for the
// same address share one dial.
func (m *Manager) connect(ctx context.Context, addr string) (*Connection, error) {
	v, err, _ := m.dials.Do(addr, func() (any, error) {
		m.mu.RLock()
		existing := m.conns[addr]
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		opts := []Option{
			WithConfig(m.opts.cfg),
			WithDialer(m.opts.dialer),
			WithLogger(m.logger),
			WithMetrics(m.opts.metrics),
			WithOnError(func(err error) {
				m.broadcastError(addr, err)
			}),
		}
		conn := NewConnection(addr, opts...)
		if err := conn.Connect(ctx); err != nil {
			m.logger.Warn("connect failed", zap.String("addr", addr), zap.Error(err))
			return nil, err
		}

		m.mu.Lock()
		m.conns[addr] = conn
		m.updateGauges()
		m.mu.Unlock()

		go m.dispatch(conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// dispatch routes frames from conn to the sessions bound to its address
// until the connection closes.
func (m *Manager) dispatch(conn *Connection) {
	ctx := context.Background()
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			m.connectionGone(conn, err)
			return
		}
		m.route(conn.Addr(), frame)
	}
}

func (m *Manager) route(addr string, frame []byte) {
	env, err := DecodeFrame(frame)
	if err != nil {
		var decErr *DecodeError
		kind := KindOther
		if errors.As(err, &decErr) {
			kind = decErr.Kind
		}
		m.opts.metrics.decodeFailed(kind)
		m.logger.Error("dropping undecodable frame", zap.String("addr", addr), zap.Error(err))
		return
	}
	m.opts.metrics.frameReceived(env.Kind)
	if m.opts.onReceive != nil {
		m.opts.onReceive(env)
	}

	switch env.Kind {
	case KindPush:
		for _, s := range m.sessionsFor(addr) {
			s.handlePush(env.Push)
		}
	case KindResponse:
		for _, s := range m.sessionsFor(addr) {
			if s.handleResponse(env.Response) {
				return
			}
		}
		m.logger.Debug("response without pending request",
			zap.String("addr", addr),
			zap.String("sequence", env.Response.Sequence),
		)
	case KindRequest:
		for _, s := range m.sessionsFor(addr) {
			s.handleRequest(env.Request)
		}
	default:
		m.logger.Debug("dropping frame of unknown kind",
			zap.String("addr", addr),
			zap.Int("bytes", len(frame)),
		)
	}
}

// connectionGone evicts conn after its stream ended and tells the sessions
// still bound to it.
func (m *Manager) connectionGone(conn *Connection, cause error) {
	addr := conn.Addr()

	m.mu.Lock()
	if m.conns[addr] != conn {
		// Already evicted by RemoveClient or CloseAll.
		m.mu.Unlock()
		return
	}
	delete(m.conns, addr)
	var bound []*Session
	for id, s := range m.sessions {
		if s.conn == conn {
			bound = append(bound, s)
			delete(m.sessions, id)
			delete(m.bySink, sinkKey{label: s.label, addr: addr})
		}
	}
	m.updateGauges()
	m.mu.Unlock()

	m.logger.Warn("connection gone",
		zap.String("addr", addr),
		zap.Int("sessions", len(bound)),
		zap.Error(cause),
	)
	for _, s := range bound {
		s.close(cause)
	}
}

func (m *Manager) broadcastError(addr string, err error) {
	for _, s := range m.sessionsFor(addr) {
		s.handleError(err)
	}
}

func (m *Manager) sessionsFor(addr string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.addr == addr {
			out = append(out, s)
		}
	}
	return out
}

// RemoveClient unregisters a session. The shared connection is closed in the
// background once no session uses its address any more.
func (m *Manager) RemoveClient(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.bySink, sinkKey{label: s.label, addr: s.addr})
	m.updateGauges()
	m.mu.Unlock()

	s.close(nil)
	m.logger.Info("session removed", zap.String("session", id), zap.String("addr", s.addr))

	go m.release(s.conn)
	return nil
}

// release disconnects conn when no session references it. The count and the
// eviction happen under one lock so AddClient never binds to an evicted
// connection.
func (m *Manager) release(conn *Connection) {
	addr := conn.Addr()

	m.mu.Lock()
	if m.conns[addr] != conn {
		m.mu.Unlock()
		return
	}
	for _, s := range m.sessions {
		if s.conn == conn {
			m.mu.Unlock()
			return
		}
	}
	delete(m.conns, addr)
	m.updateGauges()
	m.mu.Unlock()

	m.logger.Info("closing idle connection", zap.String("addr", addr))
	if err := conn.Disconnect(context.Background()); err != nil {
		m.logger.Warn("disconnect failed", zap.String("addr", addr), zap.Error(err))
	}
}

// Request issues a request on the session with the given id.
func (m *Manager) Request(ctx context.Context, id, url string, body Body) (any, error) {
	s, ok := m.Session(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Request(ctx, url, body)
}

// CloseAll disconnects every pooled connection and drops all sessions.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	conns := m.conns
	sessions := m.sessions
	m.conns = make(map[string]*Connection)
	m.sessions = make(map[string]*Session)
	m.bySink = make(map[sinkKey]string)
	m.updateGauges()
	m.mu.Unlock()

	for _, s := range sessions {
		s.close(ErrClosed)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			return conn.Disconnect(ctx)
		})
	}
	return g.Wait()
}

// Session returns the session with the given id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the number of registered sessions.
func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Connection returns the pooled connection for addr (host:port).
func (m *Manager) Connection(addr string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[addr]
	return c, ok
}

// Connections returns the number of pooled connections.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// updateGauges must be called with m.mu held.
func (m *Manager) updateGauges() {
	m.opts.metrics.setPool(len(m.conns), len(m.sessions))
}
