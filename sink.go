package wsmux

// EventKind identifies what a session reports to its sink.
type EventKind string

const (
	EventRequestSent EventKind = "request"
	EventResponse    EventKind = "response"
	EventPush        EventKind = "push"
	EventRequest     EventKind = "peer_request"
	EventError       EventKind = "error"
	EventClosed      EventKind = "close"
)

// Event is delivered to a Sink. Only the field matching Kind is set.
type Event struct {
	Kind      EventKind
	SessionID string
	Addr      string
	URL       string
	Push      *Push
	Request   *Request
	Response  *Response
	Err       error
}

// Sink receives a session's events, typically one UI window. Emit is called
// from the connection's dispatch goroutine and should not block; events for
// one address arrive in frame order.
type Sink interface {
	// Label identifies the subscriber. A subscriber gets at most one
	// session per address.
	Label() string
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	Name string
	Fn   func(Event)
}

// Label returns s.Name.
func (s SinkFunc) Label() string {
	return s.Name
}

// Emit calls s.Fn when set.
func (s SinkFunc) Emit(ev Event) {
	if s.Fn != nil {
		s.Fn(ev)
	}
}
