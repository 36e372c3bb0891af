package wsmux

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// half is one direction of the current transport. The read loop holds the
// read half while blocked in Read; senders and the heartbeat hold the write
// half for one frame.
type half struct {
	mu sync.Mutex
	t  Transport
}

// reconnectOp is the single in-flight reconnection of a Connection.
type reconnectOp struct {
	done chan struct{}
	err  error
}

// Connection owns the physical transport to one address and keeps it alive.
// It is safe for concurrent use by multiple goroutines.
type Connection struct {
	addr    string
	cfg     Config
	dialer  Dialer
	logger  *zap.Logger
	metrics *Metrics
	onError func(error)
	cfgErr  error
	rng     *rand.Rand

	reader half
	writer half

	// mu guards the fields below. Lock order: reader.mu, writer.mu, mu.
	mu       sync.Mutex
	state    State
	cur      Transport
	gen      uint64
	op       *reconnectOp
	closeErr error

	lastBeat atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	frames     chan []byte
	framesOnce sync.Once
}

// NewConnection creates an unconnected Connection for addr (host:port).
func NewConnection(addr string, opts ...Option) *Connection {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		addr:    addr,
		cfg:     o.cfg,
		dialer:  o.dialer,
		logger:  o.logger.With(zap.String("addr", addr)),
		metrics: o.metrics,
		onError: o.onError,
		cfgErr:  o.cfgErr,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:     ctx,
		cancel:  cancel,
		frames:  make(chan []byte, max(o.cfg.FrameBuffer, 0)),
	}
}

// Addr returns the remote address.
func (c *Connection) Addr() string {
	return c.addr
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation counts transports: 1 after Connect, incremented by every
// successful reconnect.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// LastHeartbeat returns when traffic was last seen on the transport.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}

// Err returns why the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Connection) touch() {
	c.lastBeat.Store(time.Now().UnixNano())
}

func (c *Connection) notify(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Connection) closeFrames() {
	c.framesOnce.Do(func() {
		close(c.frames)
	})
}

// Connect dials the address and starts the read loop and heartbeat.
// A failed first connect is not retried.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return ErrInvalidState
	}
	if c.cfgErr != nil {
		c.state = StateClosed
		c.closeErr = c.cfgErr
		c.mu.Unlock()
		c.cancel()
		c.closeFrames()
		return c.cfgErr
	}
	c.state = StateConnecting
	c.mu.Unlock()

	t, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		var connErr *ConnectError
		if !errors.As(err, &connErr) {
			err = &ConnectError{Op: "connect", Addr: c.addr, Err: err}
		}
		c.mu.Lock()
		c.state = StateClosed
		c.closeErr = err
		c.mu.Unlock()
		c.cancel()
		c.closeFrames()
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnected while dialing.
		c.mu.Unlock()
		_ = t.CloseNow()
		c.closeFrames()
		return ErrClosed
	}
	c.reader.t = t
	c.writer.t = t
	c.cur = t
	c.gen = 1
	c.state = StateConnected
	c.wg.Add(2)
	c.mu.Unlock()

	c.touch()
	go c.readLoop()
	go c.heartbeat()

	c.logger.Debug("connected")
	return nil
}

// Send writes one frame. On a write failure it drives (or joins) one
// reconnection and retries the frame once.
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	gen, err := c.write(ctx, frame)
	if err == nil {
		c.metrics.sent(nil)
		return nil
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrInvalidState) || ctx.Err() != nil {
		c.metrics.sent(err)
		return err
	}

	c.logger.Warn("write failed", zap.Error(err))
	if rerr := c.recoverTransport(ctx, gen, err); rerr != nil {
		c.metrics.sent(rerr)
		if errors.Is(rerr, ErrClosed) && !errors.Is(rerr, ErrReconnectExhausted) {
			return rerr
		}
		return &SendError{Op: "reconnect", Err: rerr}
	}

	if _, err := c.write(ctx, frame); err != nil {
		c.metrics.sent(err)
		return &SendError{Op: "write", Err: err}
	}
	c.metrics.sent(nil)
	return nil
}

func (c *Connection) write(ctx context.Context, frame []byte) (uint64, error) {
	c.writer.mu.Lock()
	defer c.writer.mu.Unlock()

	c.mu.Lock()
	state, gen := c.state, c.gen
	c.mu.Unlock()

	switch state {
	case StateClosing, StateClosed:
		return gen, ErrClosed
	case StateInit, StateConnecting:
		return gen, ErrInvalidState
	}

	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return gen, c.writer.t.Write(ctx, frame)
}

func (c *Connection) ping() (uint64, error) {
	c.writer.mu.Lock()
	defer c.writer.mu.Unlock()

	c.mu.Lock()
	state, gen := c.state, c.gen
	c.mu.Unlock()
	if state != StateConnected {
		return gen, nil
	}

	ctx := c.ctx
	if c.cfg.PingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PingTimeout)
		defer cancel()
	}
	return gen, c.writer.t.Ping(ctx)
}

// Receive returns the next inbound frame in arrival order. Once the
// connection is closed and buffered frames are drained it returns the close
// cause, which always matches ErrClosed.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.frames:
		if !ok {
			return nil, c.closedErr()
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) closedErr() error {
	err := c.Err()
	if err == nil || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, err)
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer c.closeFrames()

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.reader.mu.Lock()
		t := c.reader.t
		gen := c.Generation()
		data, err := t.Read(c.ctx)
		c.reader.mu.Unlock()

		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if s := c.State(); s == StateClosing || s == StateClosed {
				return
			}
			c.logger.Debug("read failed", zap.Error(err), zap.Uint64("generation", gen))
			if err := c.recoverTransport(c.ctx, gen, err); err != nil {
				return
			}
			continue
		}

		c.touch()
		select {
		case c.frames <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) heartbeat() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if c.State() != StateConnected {
			continue
		}
		if time.Since(c.LastHeartbeat()) < c.cfg.KeepAlive {
			continue
		}

		gen, err := c.ping()
		if err == nil {
			c.touch()
			continue
		}
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("heartbeat failed", zap.Error(err))
		if err := c.recoverTransport(c.ctx, gen, err); err != nil && c.ctx.Err() != nil {
			return
		}
	}
}

// recoverTransport reconnects after a failure observed on transport generation gen.
// Only one reconnection runs at a time; other callers wait for it. If gen
// has already been replaced it returns immediately.
func (c *Connection) recoverTransport(ctx context.Context, gen uint64, cause error) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return c.closedErr()
	}
	op := c.op
	if op == nil {
		if c.gen != gen {
			c.mu.Unlock()
			return nil
		}
		op = &reconnectOp{done: make(chan struct{})}
		c.op = op
		c.state = StateReconnecting
		old := c.cur
		c.wg.Add(1)
		c.mu.Unlock()

		c.logger.Warn("connection lost, reconnecting", zap.Error(cause))
		c.notify(cause)
		// Unblocks a reader still waiting on the dead transport.
		if old != nil {
			_ = old.CloseNow()
		}
		go c.runReconnect(op)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) runReconnect(op *reconnectOp) {
	defer c.wg.Done()

	err := c.reconnect()
	if err != nil && !errors.Is(err, ErrClosed) {
		c.fail(err)
	}

	// Cleared only after the state left Reconnecting, so no caller can start
	// a second reconnection in between.
	c.mu.Lock()
	c.op = nil
	c.mu.Unlock()

	if err != nil {
		err = c.closedErr()
	}

	op.err = err
	close(op.done)
}

func (c *Connection) reconnect() error {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		delay := nextBackoff(c.cfg.Backoff, attempt, c.rng)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}

		t, err := c.dialer.Dial(c.ctx, c.addr)
		if err != nil {
			c.metrics.reconnectAttempt(false)
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.ReconnectAttempts),
				zap.Error(err),
			)
			continue
		}
		c.metrics.reconnectAttempt(true)

		if !c.swap(t) {
			_ = t.CloseNow()
			return ErrClosed
		}
		c.logger.Info("reconnected", zap.Int("attempt", attempt))
		return nil
	}
	return ErrReconnectExhausted
}

// swap installs t as the current transport under both half locks.
func (c *Connection) swap(t Transport) bool {
	c.reader.mu.Lock()
	defer c.reader.mu.Unlock()
	c.writer.mu.Lock()
	defer c.writer.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReconnecting {
		return false
	}
	c.reader.t = t
	c.writer.t = t
	c.cur = t
	c.gen++
	c.state = StateConnected
	c.touch()
	return true
}

// fail moves the connection to Closed after reconnection gave up.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.closeErr = err
	cur := c.cur
	c.mu.Unlock()

	c.cancel()
	if cur != nil {
		_ = cur.CloseNow()
	}
	c.logger.Error("connection closed", zap.Error(err))
	c.notify(err)
}

// Disconnect closes the connection: background tasks stop and a close frame
// is sent best effort. It is idempotent.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return nil
	case StateInit:
		c.state = StateClosed
		c.closeErr = ErrClosed
		c.mu.Unlock()
		c.cancel()
		c.closeFrames()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.writer.mu.Lock()
	if t := c.writer.t; t != nil {
		if err := t.Close(); err != nil {
			c.logger.Debug("close frame failed", zap.Error(err))
		}
	}
	c.writer.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.state = StateClosed
	if c.closeErr == nil {
		c.closeErr = ErrClosed
	}
	c.mu.Unlock()

	c.logger.Debug("disconnected")
	return nil
}
