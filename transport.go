package wsmux

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one physical framed byte stream. Read is called by a single
// reader at a time; Write, Ping and the Close methods may be called
// concurrently with Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	// Close sends a close frame, best effort, and releases the stream.
	Close() error
	// CloseNow releases the stream without a close handshake.
	CloseNow() error
}

// Dialer opens transports to a host:port address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (Transport, error) {
	return f(ctx, addr)
}

// WebSocketDialer dials binary WebSocket transports.
type WebSocketDialer struct {
	Config Config

	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

// Dial connects to addr using the configured scheme and path.
func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	url := d.Config.URL(addr)

	dialOpts := &websocket.DialOptions{}
	if d.HTTPHeader != nil {
		dialOpts.HTTPHeader = d.HTTPHeader.Clone()
	}
	if d.HTTPClient != nil {
		dialOpts.HTTPClient = d.HTTPClient
	}

	if d.Config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Config.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, &ConnectError{Op: "dial", Addr: url, Err: err}
	}

	if d.Config.ReadLimit > 0 {
		conn.SetReadLimit(d.Config.ReadLimit)
	}

	return &wsTransport{conn: conn}, nil
}

// wsTransport implements Transport over WebSocket binary messages.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *wsTransport) CloseNow() error {
	return t.conn.CloseNow()
}
