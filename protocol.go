package wsmux

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the leading tag byte of every frame.
type Kind byte

const (
	KindOther    Kind = '0'
	KindPush     Kind = '1'
	KindRequest  Kind = '2'
	KindResponse Kind = '3'
)

// KindOf maps a raw tag byte to a Kind; unknown bytes are KindOther.
func KindOf(b byte) Kind {
	switch Kind(b) {
	case KindPush, KindRequest, KindResponse:
		return Kind(b)
	default:
		return KindOther
	}
}

func (k Kind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "other"
	}
}

// Status is the outcome code carried by responses and pushes.
type Status int32

const (
	StatusUnset               Status = 0
	StatusOK                  Status = 200
	StatusBadRequest          Status = 400
	StatusNotFound            Status = 404
	StatusInternalServerError Status = 500
)

// --- Records ---

// Request is a client or peer initiated call.
type Request struct {
	Sequence string
	Type     string
	URL      string
	Data     *Body
	SendTime float32
}

// Response answers the Request with the same Sequence.
type Response struct {
	Sequence string
	Type     string
	Status   Status
	Data     *Body
	SendTime float32
}

// Push is an unsolicited server event.
type Push struct {
	Event    string
	Status   Status
	Data     *Body
	SendTime float32
}

// Message is implemented by the three framed record types.
type Message interface {
	Kind() Kind
	appendPayload(b []byte) []byte
}

func (*Request) Kind() Kind  { return KindRequest }
func (*Response) Kind() Kind { return KindResponse }
func (*Push) Kind() Kind     { return KindPush }

// NewRequest creates a request record stamped with the current time.
func NewRequest(sequence, url string, data Body) *Request {
	return &Request{
		Sequence: sequence,
		Type:     "request",
		URL:      url,
		Data:     &data,
		SendTime: nowMillis(),
	}
}

// NewResponse creates a response record stamped with the current time.
func NewResponse(sequence string, status Status, data *Body) *Response {
	return &Response{
		Sequence: sequence,
		Type:     "response",
		Status:   status,
		Data:     data,
		SendTime: nowMillis(),
	}
}

// NewPush creates a push record stamped with the current time.
func NewPush(event string, status Status, data Body) *Push {
	return &Push{
		Event:    event,
		Status:   status,
		Data:     &data,
		SendTime: nowMillis(),
	}
}

func nowMillis() float32 {
	return float32(time.Now().UnixMilli())
}

// --- Envelope ---

// Envelope is a decoded frame. Exactly one of Push, Request or Response is
// set for a recognized kind; Raw holds the payload for KindOther.
type Envelope struct {
	Kind     Kind
	Push     *Push
	Request  *Request
	Response *Response
	Raw      []byte
}

// EncodeFrame serializes msg and prefixes its tag byte.
func EncodeFrame(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("wsmux: encode nil message")
	}
	out := make([]byte, 1, 64)
	out[0] = byte(msg.Kind())
	return msg.appendPayload(out), nil
}

// DecodeFrame splits the tag byte from the payload and decodes the payload.
func DecodeFrame(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, &DecodeError{Kind: KindOther, Err: ErrEmptyFrame}
	}
	kind := KindOf(frame[0])
	payload := frame[1:]
	env := Envelope{Kind: kind}

	var err error
	switch kind {
	case KindPush:
		env.Push = &Push{}
		err = env.Push.unmarshal(payload)
	case KindRequest:
		env.Request = &Request{}
		err = env.Request.unmarshal(payload)
	case KindResponse:
		env.Response = &Response{}
		err = env.Response.unmarshal(payload)
	default:
		env.Raw = payload
	}
	if err != nil {
		return Envelope{Kind: kind}, &DecodeError{Kind: kind, Err: err}
	}
	return env, nil
}

// --- protobuf wire encoding ---
//
// Field numbers:
//
//	Body     { 1: type enum, 2: value string }
//	Request  { 1: sequence, 2: type, 3: url, 4: data Body, 5: send_time float }
//	Response { 1: sequence, 2: type, 3: status enum, 4: data Body, 5: send_time float }
//	Push     { 1: event, 2: status enum, 3: data Body, 4: send_time float }
//
// Body.type and the status fields have explicit presence: an absent body type
// decodes as null and an absent status as StatusUnset.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func appendBody(b []byte, num protowire.Number, body *Body) []byte {
	if body == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body.appendPayload(nil))
}

func (body *Body) appendPayload(b []byte) []byte {
	b = appendEnum(b, 1, int32(body.Type))
	return appendString(b, 2, body.Value)
}

func (r *Request) appendPayload(b []byte) []byte {
	b = appendString(b, 1, r.Sequence)
	b = appendString(b, 2, r.Type)
	b = appendString(b, 3, r.URL)
	b = appendBody(b, 4, r.Data)
	return appendFloat(b, 5, r.SendTime)
}

func (r *Response) appendPayload(b []byte) []byte {
	b = appendString(b, 1, r.Sequence)
	b = appendString(b, 2, r.Type)
	if r.Status != StatusUnset {
		b = appendEnum(b, 3, int32(r.Status))
	}
	b = appendBody(b, 4, r.Data)
	return appendFloat(b, 5, r.SendTime)
}

func (p *Push) appendPayload(b []byte) []byte {
	b = appendString(b, 1, p.Event)
	if p.Status != StatusUnset {
		b = appendEnum(b, 2, int32(p.Status))
	}
	b = appendBody(b, 3, p.Data)
	return appendFloat(b, 4, p.SendTime)
}

// fieldFunc consumes the value of one field and returns the bytes used.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields iterates over the fields of a protobuf message. Fields the
// callback does not claim (n == 0) are skipped.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func wantType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("field %d: wire type %d, want %d", num, got, want)
	}
	return nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, out *string) (int, error) {
	if err := wantType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = v
	return n, nil
}

func consumeEnum(num protowire.Number, typ protowire.Type, b []byte, out *int32) (int, error) {
	if err := wantType(num, typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = int32(v)
	return n, nil
}

func consumeFloat(num protowire.Number, typ protowire.Type, b []byte, out *float32) (int, error) {
	if err := wantType(num, typ, protowire.Fixed32Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = math.Float32frombits(v)
	return n, nil
}

func consumeBody(num protowire.Number, typ protowire.Type, b []byte, out **Body) (int, error) {
	if err := wantType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	body := &Body{}
	if err := body.unmarshal(v); err != nil {
		return 0, fmt.Errorf("field %d: %w", num, err)
	}
	*out = body
	return n, nil
}

func (body *Body) unmarshal(b []byte) error {
	typ := int32(TypeNull)
	body.Value = ""
	err := walkFields(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeEnum(num, wt, b, &typ)
		case 2:
			return consumeString(num, wt, b, &body.Value)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if typ < int32(TypeString) || typ > int32(TypeNull) {
		typ = int32(TypeNull)
	}
	body.Type = DataType(typ)
	return nil
}

func (r *Request) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(num, typ, b, &r.Sequence)
		case 2:
			return consumeString(num, typ, b, &r.Type)
		case 3:
			return consumeString(num, typ, b, &r.URL)
		case 4:
			return consumeBody(num, typ, b, &r.Data)
		case 5:
			return consumeFloat(num, typ, b, &r.SendTime)
		}
		return 0, nil
	})
}

func (r *Response) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(num, typ, b, &r.Sequence)
		case 2:
			return consumeString(num, typ, b, &r.Type)
		case 3:
			return consumeEnum(num, typ, b, (*int32)(&r.Status))
		case 4:
			return consumeBody(num, typ, b, &r.Data)
		case 5:
			return consumeFloat(num, typ, b, &r.SendTime)
		}
		return 0, nil
	})
}

func (p *Push) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(num, typ, b, &p.Event)
		case 2:
			return consumeEnum(num, typ, b, (*int32)(&p.Status))
		case 3:
			return consumeBody(num, typ, b, &p.Data)
		case 4:
			return consumeFloat(num, typ, b, &p.SendTime)
		}
		return 0, nil
	})
}
