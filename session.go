package wsmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errStatusMissing = errors.New("wsmux: response status missing")

// reply is what settles a request's promise.
type reply struct {
	body   Body
	status Status
	reason Reason
	err    error
}

// Session is one logical subscriber bound to a shared Connection. It owns
// the table of outstanding requests. It is safe for concurrent use.
type Session struct {
	id      string
	addr    string
	label   string
	conn    *Connection
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
	onSend  func(*Request)

	mu      sync.Mutex
	pending map[string]*Promise[reply]
	closed  bool
}

func newSession(conn *Connection, sink Sink, o *options) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		addr:    conn.Addr(),
		label:   sink.Label(),
		conn:    conn,
		sink:    sink,
		timeout: o.cfg.RequestTimeout,
		logger:  o.logger.With(zap.String("session", id), zap.String("addr", conn.Addr())),
		metrics: o.metrics,
		onSend:  o.onSend,
		pending: make(map[string]*Promise[reply]),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Addr returns the address the session is bound to.
func (s *Session) Addr() string {
	return s.addr
}

// Label returns the subscriber label of the session's sink.
func (s *Session) Label() string {
	return s.label
}

// Pending returns the number of outstanding requests.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Request sends url and body to the peer and waits for the matching
// response. A successful response yields its decoded body. Every other
// outcome is a *RequestError whose Value carries the rejection body.
func (s *Session) Request(ctx context.Context, url string, body Body) (any, error) {
	seq := uuid.NewString()
	req := NewRequest(seq, url, body)

	frame, err := EncodeFrame(req)
	if err != nil {
		s.metrics.requestDone(string(ReasonEncode))
		return nil, &RequestError{Reason: ReasonEncode, Value: "data error", Err: err}
	}

	p, err := s.register(seq)
	if err != nil {
		s.metrics.requestDone(string(ReasonClosed))
		return nil, &RequestError{Reason: ReasonClosed, Value: err.Error(), Err: err}
	}

	if s.onSend != nil {
		s.onSend(req)
	}
	s.logger.Debug("sending request", zap.String("url", url), zap.String("sequence", seq))

	if err := s.conn.Send(ctx, frame); err != nil {
		s.logger.Warn("request send failed", zap.String("sequence", seq), zap.Error(err))
		if p := s.take(seq); p != nil {
			p.Reject(reply{
				body:   StringBody(fmt.Sprintf("request error: %v", err)),
				reason: ReasonSend,
				err:    err,
			})
		}
	} else {
		s.emit(Event{Kind: EventRequestSent, URL: url, Request: req})
		timer := time.AfterFunc(s.timeout, func() {
			if p := s.take(seq); p != nil {
				p.Reject(reply{body: StringBody("timeout"), reason: ReasonTimeout, err: ErrTimeout})
			}
		})
		defer timer.Stop()
	}

	res, err := p.Await(ctx)
	if err != nil {
		// The caller gave up; the id must not be answered later.
		s.take(seq)
		s.metrics.requestDone(string(ReasonCanceled))
		return nil, &RequestError{Reason: ReasonCanceled, Value: err.Error(), Err: err}
	}

	return s.result(res)
}

func (s *Session) result(res Result[reply]) (any, error) {
	value, derr := res.Value.body.Any()
	if !res.Rejected {
		if derr != nil {
			s.metrics.requestDone(string(ReasonDecode))
			return nil, &RequestError{Reason: ReasonDecode, Status: res.Value.status, Value: res.Value.body.Value, Err: derr}
		}
		s.metrics.requestDone("ok")
		return value, nil
	}

	if derr != nil {
		value = res.Value.body.Value
	}
	s.metrics.requestDone(string(res.Value.reason))
	return nil, &RequestError{
		Reason: res.Value.reason,
		Status: res.Value.status,
		Value:  value,
		Err:    res.Value.err,
	}
}

// register inserts a pending promise for seq.
func (s *Session) register(seq string) (*Promise[reply], error) {
	p := NewPromise[reply]()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.pending[seq] = p
	return p, nil
}

// take removes and returns the promise for seq. Removal is the single point
// that decides who settles a request, so at most one caller gets it.
func (s *Session) take(seq string) *Promise[reply] {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[seq]
	if !ok {
		return nil
	}
	delete(s.pending, seq)
	return p
}

// handleResponse settles the promise for resp.Sequence. It reports false
// when the id is not outstanding here.
func (s *Session) handleResponse(resp *Response) bool {
	p := s.take(resp.Sequence)
	if p == nil {
		return false
	}

	body := NullBody()
	if resp.Data != nil {
		body = *resp.Data
	}

	switch resp.Status {
	case StatusOK:
		p.Resolve(reply{body: body, status: resp.Status})
	case StatusUnset:
		s.logger.Info("response status is unset", zap.String("sequence", resp.Sequence))
		p.Reject(reply{body: body, status: resp.Status, reason: ReasonRejected, err: errStatusMissing})
	default:
		p.Reject(reply{body: body, status: resp.Status, reason: ReasonRejected})
	}

	s.emit(Event{Kind: EventResponse, Response: resp})
	return true
}

func (s *Session) handlePush(push *Push) {
	s.emit(Event{Kind: EventPush, Push: push})
}

func (s *Session) handleRequest(req *Request) {
	s.emit(Event{Kind: EventRequest, URL: req.URL, Request: req})
}

func (s *Session) handleError(err error) {
	s.emit(Event{Kind: EventError, Err: err})
}

// close rejects every outstanding request and reports the session closed.
func (s *Session) close(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*Promise[reply])
	s.mu.Unlock()

	for _, p := range pending {
		p.Reject(reply{body: StringBody("session closed"), reason: ReasonClosed, err: ErrSessionClosed})
	}

	s.emit(Event{Kind: EventClosed, Err: cause})
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.id
	ev.Addr = s.addr
	s.sink.Emit(ev)
}
