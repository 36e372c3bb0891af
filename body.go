package wsmux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DataType tags the dynamic value carried by a Body.
type DataType int32

const (
	TypeString DataType = 0
	TypeNumber DataType = 1
	TypeBool   DataType = 2
	TypeArray  DataType = 3
	TypeObject DataType = 4
	TypeNull   DataType = 5
)

func (t DataType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("DataType(%d)", int32(t))
	}
}

// Body is the protocol's self-describing value. String bodies carry the raw
// string; every other type carries its canonical JSON text. Null carries nothing.
type Body struct {
	Type  DataType
	Value string
}

// NewBody builds a Body from any JSON-encodable value.
func NewBody(v any) (Body, error) {
	if s, ok := v.(string); ok {
		return StringBody(s), nil
	}
	if v == nil {
		return NullBody(), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Body{}, fmt.Errorf("wsmux: body: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return NullBody(), nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Body{}, fmt.Errorf("wsmux: body: %w", err)
		}
		return StringBody(s), nil
	case 'n':
		return NullBody(), nil
	case 't', 'f':
		return Body{Type: TypeBool, Value: string(data)}, nil
	case '[':
		return Body{Type: TypeArray, Value: string(data)}, nil
	case '{':
		return Body{Type: TypeObject, Value: string(data)}, nil
	default:
		return Body{Type: TypeNumber, Value: string(data)}, nil
	}
}

// MustBody is like NewBody but panics on error. Intended for literals.
func MustBody(v any) Body {
	b, err := NewBody(v)
	if err != nil {
		panic(err)
	}
	return b
}

// StringBody returns a string Body.
func StringBody(s string) Body {
	return Body{Type: TypeString, Value: s}
}

// NullBody returns a null Body.
func NullBody() Body {
	return Body{Type: TypeNull}
}

// Any decodes the body into string, int64, uint64, float64, bool, []any,
// map[string]any or nil. Integral numbers stay exact: int64, or uint64 above
// the int64 range. Other numbers are float64. Nested numbers follow the same
// rule.
func (b Body) Any() (any, error) {
	switch b.Type {
	case TypeString:
		return b.Value, nil
	case TypeNull:
		return nil, nil
	case TypeNumber:
		var n json.Number
		if err := decodeJSON(b.Value, &n); err != nil {
			return nil, fmt.Errorf("wsmux: body number: %w", err)
		}
		return parseNumber(n)
	case TypeBool:
		var v bool
		if err := decodeJSON(b.Value, &v); err != nil {
			return nil, fmt.Errorf("wsmux: body bool: %w", err)
		}
		return v, nil
	case TypeArray:
		var v []any
		if err := decodeJSON(b.Value, &v); err != nil {
			return nil, fmt.Errorf("wsmux: body array: %w", err)
		}
		if v == nil {
			v = []any{}
		}
		return exactNumbers(v)
	case TypeObject:
		var v map[string]any
		if err := decodeJSON(b.Value, &v); err != nil {
			return nil, fmt.Errorf("wsmux: body object: %w", err)
		}
		if v == nil {
			v = map[string]any{}
		}
		return exactNumbers(v)
	default:
		return nil, fmt.Errorf("wsmux: body: unknown type %d", int32(b.Type))
	}
}

// Decode unmarshals the body into out using encoding/json semantics.
// Numbers landing in an interface value are json.Number.
func (b Body) Decode(out any) error {
	data, err := b.MarshalJSON()
	if err != nil {
		return err
	}
	return decodeJSON(string(data), out)
}

// decodeJSON is json.Unmarshal with UseNumber.
func decodeJSON(text string, out any) error {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid character after top-level value")
	}
	return nil
}

func parseNumber(n json.Number) (any, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("wsmux: body number: %w", err)
	}
	return f, nil
}

// exactNumbers replaces every json.Number in v, in place.
func exactNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return parseNumber(t)
	case []any:
		for i, e := range t {
			n, err := exactNumbers(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	case map[string]any:
		for k, e := range t {
			n, err := exactNumbers(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

// MarshalJSON renders the dynamic value, not the tagged struct.
func (b Body) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case TypeString:
		return json.Marshal(b.Value)
	case TypeNull:
		return []byte("null"), nil
	case TypeNumber, TypeBool, TypeArray, TypeObject:
		if !json.Valid([]byte(b.Value)) {
			return nil, fmt.Errorf("wsmux: body %s: invalid json", b.Type)
		}
		return []byte(b.Value), nil
	default:
		return nil, fmt.Errorf("wsmux: body: unknown type %d", int32(b.Type))
	}
}

// UnmarshalJSON classifies arbitrary JSON into a Body.
func (b *Body) UnmarshalJSON(data []byte) error {
	var v any
	if err := decodeJSON(string(data), &v); err != nil {
		return err
	}
	nb, err := NewBody(v)
	if err != nil {
		return err
	}
	*b = nb
	return nil
}

// ParseBody classifies raw JSON text. Text that is not valid JSON becomes a
// string body, which matches how command arguments are typed by hand.
func ParseBody(text string) Body {
	var b Body
	if err := b.UnmarshalJSON([]byte(text)); err != nil {
		return StringBody(text)
	}
	return b
}
