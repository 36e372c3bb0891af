package wsmux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errPipeClosed = errors.New("pipe closed")
	errDialFailed = errors.New("connection refused")
)

// pipeTransport implements Transport in memory. Frames the client writes
// land on out; frames pushed with deliver are returned by Read.
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writeErr error
	pingErr  error
	pings    atomic.Int32
	graceful atomic.Bool
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 100),
		out:    make(chan []byte, 100),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, errPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Write(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	err := p.writeErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return errPipeClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Ping(ctx context.Context) error {
	p.pings.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingErr
}

func (p *pipeTransport) Close() error {
	p.graceful.Store(true)
	return p.CloseNow()
}

func (p *pipeTransport) CloseNow() error {
	p.once.Do(func() {
		close(p.closed)
	})
	return nil
}

func (p *pipeTransport) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pipeTransport) setWriteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *pipeTransport) setPingErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingErr = err
}

// deliver sends msg to the client as if the peer wrote it.
func (p *pipeTransport) deliver(t *testing.T, msg Message) {
	t.Helper()
	frame, err := EncodeFrame(msg)
	if err != nil {
		t.Fatalf("EncodeFrame error: %v", err)
	}
	p.in <- frame
}

// waitForRequest returns the next request the client wrote.
func (p *pipeTransport) waitForRequest(t *testing.T, timeout time.Duration) *Request {
	t.Helper()
	select {
	case frame := <-p.out:
		env, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame error: %v", err)
		}
		if env.Kind != KindRequest {
			t.Fatalf("Kind = %v, want request", env.Kind)
		}
		return env.Request
	case <-time.After(timeout):
		t.Fatal("timeout waiting for request")
		return nil
	}
}

// scriptedDialer hands out pipe transports. Dial N fails when script[N] is
// non-nil; dials past the end of the script fail when failRest is set.
type scriptedDialer struct {
	mu       sync.Mutex
	script   []error
	failRest bool
	dials    int
	pipes    []*pipeTransport
}

func newScriptedDialer(script ...error) *scriptedDialer {
	return &scriptedDialer{script: script}
}

func (d *scriptedDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.dials
	d.dials++
	if i < len(d.script) && d.script[i] != nil {
		return nil, d.script[i]
	}
	if i >= len(d.script) && d.failRest {
		return nil, errDialFailed
	}

	p := newPipeTransport()
	d.pipes = append(d.pipes, p)
	return p, nil
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptedDialer) pipe(i int) *pipeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipes[i]
}

func (d *scriptedDialer) last() *pipeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipes[len(d.pipes)-1]
}

// recordingSink collects events in delivery order.
type recordingSink struct {
	label string

	mu     sync.Mutex
	events []Event
	notify chan Event
}

func newRecordingSink(label string) *recordingSink {
	return &recordingSink{label: label, notify: make(chan Event, 100)}
}

func (s *recordingSink) Label() string {
	return s.label
}

func (s *recordingSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- ev:
	default:
	}
}

func (s *recordingSink) kinds(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitForEvent returns the next event of the given kind.
func (s *recordingSink) waitForEvent(t *testing.T, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-s.notify:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
			return Event{}
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

// testConfig keeps reconnects fast and the heartbeat out of the way.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatTick = time.Hour
	cfg.KeepAlive = time.Hour
	cfg.RequestTimeout = time.Second
	cfg.Backoff = BackoffConfig{Interval: time.Millisecond, Multiplier: 1}
	return cfg
}
