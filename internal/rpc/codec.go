package rpc

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMalformedCall = errors.New("rpc: malformed call")
	ErrArgIndex      = errors.New("rpc: argument index out of range")
)

// encMode uses core deterministic encoding so equal replies encode to
// equal bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: cbor encoder init: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: cbor decoder init: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Call is the request carried in a frame body.
type Call struct {
	Method string            `cbor:"method"`
	Args   []cbor.RawMessage `cbor:"args,omitempty"`
}

// Reply is the response carried in a frame body. Exactly one of Result or
// Error is meaningful.
type Reply struct {
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  string          `cbor:"error,omitempty"`
}

// Args are the positional, still-encoded call arguments.
type Args []cbor.RawMessage

func (a Args) Len() int { return len(a) }

// Bind decodes argument i into v.
func (a Args) Bind(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: %d of %d", ErrArgIndex, i, len(a))
	}
	if err := Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("rpc: bind arg %d: %w", i, err)
	}
	return nil
}

// NewArgs encodes values as positional arguments.
func NewArgs(values ...any) (Args, error) {
	out := make(Args, 0, len(values))
	for i, v := range values {
		b, err := Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("rpc: encode arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func EncodeCall(method string, values ...any) ([]byte, error) {
	args, err := NewArgs(values...)
	if err != nil {
		return nil, err
	}
	return Marshal(Call{Method: method, Args: args})
}

func DecodeCall(body []byte) (Call, error) {
	var c Call
	if err := Unmarshal(body, &c); err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	if c.Method == "" {
		return Call{}, fmt.Errorf("%w: missing method", ErrMalformedCall)
	}
	return c, nil
}

// EncodeResult encodes a successful reply body.
func EncodeResult(v any) ([]byte, error) {
	result, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode result: %w", err)
	}
	return Marshal(Reply{Result: result})
}

// EncodeError encodes a failed reply body.
func EncodeError(err error) []byte {
	b, mErr := Marshal(Reply{Error: err.Error()})
	if mErr != nil {
		// a struct of one string cannot fail to encode
		panic("rpc: encode error reply: " + mErr.Error())
	}
	return b
}

func DecodeReply(body []byte) (Reply, error) {
	var r Reply
	if err := Unmarshal(body, &r); err != nil {
		return Reply{}, fmt.Errorf("rpc: decode reply: %w", err)
	}
	return r, nil
}

// Bind decodes a successful reply result into v.
func (r Reply) Bind(v any) error {
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return Unmarshal(r.Result, v)
}
