package composable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ArgKind tags an argument as literal or runtime resolved.
type ArgKind int

const (
	ArgLiteral ArgKind = iota
	ArgRuntime
)

func (k ArgKind) String() string {
	switch k {
	case ArgLiteral:
		return "literal"
	case ArgRuntime:
		return "runtime"
	default:
		return fmt.Sprintf("ArgKind(%d)", int(k))
	}
}

// Arg is one call argument: exactly one of Literal or Ref is meaningful,
// selected by Kind. Type is the ABI type it was encoded as.
type Arg struct {
	Kind    ArgKind
	Type    string
	Literal any
	Ref     *RuntimeRef
}

// Literal wraps a value known at build time.
func Literal(v any) Arg {
	return Arg{Kind: ArgLiteral, Literal: v}
}

// Runtime wraps a runtime reference.
func Runtime(ref RuntimeRef) Arg {
	r := ref
	return Arg{Kind: ArgRuntime, Ref: &r}
}

// IsRuntime reports whether the argument is resolved at execution time.
func (a Arg) IsRuntime() bool {
	return a.Kind == ArgRuntime
}

// toArg accepts an Arg, a RuntimeRef (or pointer) or a raw literal.
func toArg(v any) Arg {
	switch x := v.(type) {
	case Arg:
		return x
	case *Arg:
		if x == nil {
			return Literal(nil)
		}
		return *x
	case RuntimeRef:
		return Runtime(x)
	case *RuntimeRef:
		if x == nil {
			return Literal(nil)
		}
		return Runtime(*x)
	default:
		return Literal(v)
	}
}

func (a Arg) clone() Arg {
	out := a
	if a.Ref != nil {
		r := *a.Ref
		out.Ref = &r
	}
	if b, ok := a.Literal.(*big.Int); ok && b != nil {
		out.Literal = new(big.Int).Set(b)
	}
	if b, ok := a.Literal.([]byte); ok {
		out.Literal = common.CopyBytes(b)
	}
	return out
}

type argJSON struct {
	Kind    string      `json:"kind"`
	Type    string      `json:"type,omitempty"`
	Literal any         `json:"literal,omitempty"`
	Ref     *RuntimeRef `json:"ref,omitempty"`
}

// MarshalJSON keeps instruction payloads inspectable before execution.
func (a Arg) MarshalJSON() ([]byte, error) {
	out := argJSON{Kind: a.Kind.String(), Type: a.Type, Ref: a.Ref}
	if a.Kind == ArgLiteral {
		out.Literal = literalJSON(a.Literal)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores an argument and, when Type is present, coerces the
// literal back into the Go type the ABI packer expects.
func (a *Arg) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind    string          `json:"kind"`
		Type    string          `json:"type"`
		Literal json.RawMessage `json:"literal"`
		Ref     *RuntimeRef     `json:"ref"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case ArgRuntime.String():
		if raw.Ref == nil {
			return fmt.Errorf("runtime argument without ref")
		}
		*a = Arg{Kind: ArgRuntime, Type: raw.Type, Ref: raw.Ref}
		return nil
	case ArgLiteral.String(), "":
	default:
		return fmt.Errorf("unknown argument kind %q", raw.Kind)
	}

	var v any
	if len(raw.Literal) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw.Literal))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return err
		}
	}
	if raw.Type != "" && v != nil {
		t, err := abi.NewType(raw.Type, "", nil)
		if err != nil {
			return err
		}
		if v, err = coerce(t, v); err != nil {
			return err
		}
	}
	*a = Arg{Kind: ArgLiteral, Type: raw.Type, Literal: v}
	return nil
}

func literalJSON(v any) any {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case []byte:
		return hexutil.Encode(x)
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		raw := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(raw), rv)
		return hexutil.Encode(raw)
	}
	return v
}
