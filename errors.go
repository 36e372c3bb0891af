package wsmux

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed             = errors.New("wsmux: connection closed")
	ErrTimeout            = errors.New("wsmux: operation timed out")
	ErrReconnectExhausted = errors.New("wsmux: reconnect attempts exhausted")
	ErrInvalidState       = errors.New("wsmux: invalid connection state")
	ErrSessionNotFound    = errors.New("wsmux: session not found")
	ErrSessionClosed      = errors.New("wsmux: session closed")
	ErrEmptyFrame         = errors.New("wsmux: empty frame")
	ErrInvalidConfig      = errors.New("wsmux: invalid config")
	ErrNilSink            = errors.New("wsmux: nil sink")
)

// ConnectError represents a failure to establish a transport.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("wsmux: %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("wsmux: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError represents a write failure that survived the reconnect-and-retry cycle.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("wsmux: send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// DecodeError represents a malformed frame or payload.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wsmux: decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reason classifies why a request did not resolve successfully.
type Reason string

const (
	ReasonRejected Reason = "rejected"
	ReasonTimeout  Reason = "timeout"
	ReasonSend     Reason = "send"
	ReasonEncode   Reason = "encode"
	ReasonDecode   Reason = "decode"
	ReasonClosed   Reason = "closed"
	ReasonCanceled Reason = "canceled"
)

// RequestError is returned by Request when its promise was rejected.
// Value holds the decoded rejection body.
type RequestError struct {
	Reason Reason
	Status Status
	Value  any
	Err    error
}

func (e *RequestError) Error() string {
	if e.Reason == ReasonRejected {
		return fmt.Sprintf("wsmux: request rejected [%d]: %v", e.Status, e.Value)
	}
	return fmt.Sprintf("wsmux: request %s: %v", e.Reason, e.Value)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
