package farm

import (
	"github.com/fxamacker/cbor/v2"

	"taskfarm/errs"
	"taskfarm/farm/rpc"
)

// Result is the outcome of one input. Err is an ItemError when the input
// failed; Value is then empty.
type Result struct {
	Index int
	Value []byte
	Err   error
}

func (r Result) Failed() bool { return r.Err != nil }

// Typed adapts a function over Go values into a Func over cbor payloads.
func Typed[In, Out any](fn func(In) (Out, error)) Func {
	return func(input []byte) ([]byte, error) {
		var in In
		if err := cbor.Unmarshal(input, &in); err != nil {
			return nil, errs.ItemError.New("decode input: %v", err)
		}
		out, err := fn(in)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(out)
	}
}

// RegisterTyped registers a typed function; see Typed.
func RegisterTyped[In, Out any](name string, fn func(In) (Out, error)) {
	Register(name, Typed(fn))
}

// TypedTask builds a Task whose parameters are the cbor encoding of params.
func TypedTask[P any](name string, params P) (Task, error) {
	b, err := rpc.Marshal(params)
	if err != nil {
		return Task{}, err
	}
	return Task{Name: name, Params: b}, nil
}

// RegisterTypedFactory registers a family of typed functions built from decoded parameters.
func RegisterTypedFactory[P, In, Out any](name string, build func(P) (func(In) (Out, error), error)) {
	RegisterFactory(name, func(raw []byte) (Func, error) {
		var p P
		if err := cbor.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		fn, err := build(p)
		if err != nil {
			return nil, err
		}
		return Typed(fn), nil
	})
}

// EncodeAll serializes a batch of inputs for Map and IMap.
func EncodeAll[T any](values []T) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := rpc.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// DecodeResult returns r's value decoded as T, or r.Err if the input failed.
func DecodeResult[T any](r Result) (T, error) {
	var v T
	if r.Err != nil {
		return v, r.Err
	}
	if err := cbor.Unmarshal(r.Value, &v); err != nil {
		return v, errs.ProtocolError.New("decode result %d: %v", r.Index, err)
	}
	return v, nil
}
