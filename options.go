package wsmux

import (
	"fmt"

	"go.uber.org/zap"
)

// Option configures a Manager or a Connection.
type Option func(*options)

type options struct {
	cfg       Config
	dialer    Dialer
	logger    *zap.Logger
	metrics   *Metrics
	onError   func(error)
	onSend    func(*Request)
	onReceive func(Envelope)

	// cfgErr is reported by Connect and AddClient.
	cfgErr error
}

func newOptions(opts []Option) options {
	o := options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.dialer == nil {
		o.dialer = &WebSocketDialer{Config: o.cfg}
	}
	if err := o.cfg.Validate(); err != nil {
		o.cfgErr = fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return o
}

// WithConfig replaces the default configuration. Start from DefaultConfig;
// a config that fails Validate makes Connect and AddClient return
// ErrInvalidConfig.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithDialer sets the dialer used for the initial connect and for reconnects.
// The default dials WebSockets using the configured scheme and path.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithLogger sets a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records Prometheus metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithOnError sets a callback invoked when a Connection loses its transport
// and when it gives up reconnecting. A Manager installs its own observer on
// the connections it creates and ignores this option.
func WithOnError(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// WithOnSend sets a callback invoked before each session request is sent.
func WithOnSend(fn func(*Request)) Option {
	return func(o *options) {
		o.onSend = fn
	}
}

// WithOnReceive sets a callback invoked for every decoded inbound frame.
func WithOnReceive(fn func(Envelope)) Option {
	return func(o *options) {
		o.onReceive = fn
	}
}
