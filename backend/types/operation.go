package types

import (
	"golang.org/x/xerrors"
)

// Operation is the atomic unit of change: a name plus zero or more
// positional arguments. Arguments are restricted to plain structural data
// (strings, booleans, nil, integers, floats, and nested arrays/records of
// the same) and are deep-copied at construction, so an Operation can be
// shared freely once built.
type Operation struct {
	name string
	args []any
}

// NewOperation builds an immutable operation. Arguments that are not plain
// structural data are rejected.
func NewOperation(name string, args ...any) (Operation, error) {
	if name == "" {
		return Operation{}, xerrors.New("operation name must be non-empty")
	}
	frozen := make([]any, len(args))
	for i, arg := range args {
		v, err := freezeArg(arg)
		if err != nil {
			return Operation{}, xerrors.Errorf("operation %s arg %d: %v", name, i, err)
		}
		frozen[i] = v
	}
	return Operation{name: name, args: frozen}, nil
}

// MustOperation is NewOperation for literals; it panics on invalid input.
func MustOperation(name string, args ...any) Operation {
	op, err := NewOperation(name, args...)
	if err != nil {
		panic(err)
	}
	return op
}

// Name returns the operation name.
func (o Operation) Name() string {
	return o.name
}

// ArgCount returns the number of arguments.
func (o Operation) ArgCount() int {
	return len(o.args)
}

// Arg returns a deep copy of the i-th argument, so container values can
// never reach back into the operation.
func (o Operation) Arg(i int) any {
	return copyArg(o.args[i])
}

// Args returns a deep copy of the argument list.
func (o Operation) Args() []any {
	out := make([]any, len(o.args))
	for i, a := range o.args {
		out[i] = copyArg(a)
	}
	return out
}

// Equals reports strict value equality of name and argument sequences.
func (o Operation) Equals(other Operation) bool {
	if o.name != other.name || len(o.args) != len(other.args) {
		return false
	}
	for i := range o.args {
		if !argEqual(o.args[i], other.args[i]) {
			return false
		}
	}
	return true
}

// Weight returns an approximate size estimate, used by batching heuristics.
func (o Operation) Weight() int {
	w := len(o.name)
	for _, a := range o.args {
		w += argWeight(a)
	}
	return w
}

// freezeArg normalizes and deep-copies a single argument. Numeric values
// are normalized (all integer kinds to int64, float kinds to float64) so
// that equality is strict by value regardless of how the caller spelled the
// literal.
func freezeArg(arg any) (any, error) {
	switch v := arg.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case bool:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			f, err := freezeArg(e)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			f, err := freezeArg(e)
			if err != nil {
				return nil, err
			}
			out[k] = f
		}
		return out, nil
	default:
		return nil, xerrors.Errorf("unsupported argument type %T", arg)
	}
}

// intArg reads a count argument, accepting the float64 form JSON decoding
// produces as long as the value is integral.
func intArg(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func copyArg(arg any) any {
	switch v := arg.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = copyArg(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = copyArg(e)
		}
		return out
	default:
		return v
	}
}

func argEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !argEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			be, exists := bv[k]
			if !exists || !argEqual(e, be) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func argWeight(arg any) int {
	switch v := arg.(type) {
	case nil:
		return 1
	case string:
		return len(v)
	case []any:
		w := 2
		for _, e := range v {
			w += argWeight(e)
		}
		return w
	case map[string]any:
		w := 2
		for k, e := range v {
			w += len(k) + argWeight(e)
		}
		return w
	default:
		// bools and numbers
		return 8
	}
}
