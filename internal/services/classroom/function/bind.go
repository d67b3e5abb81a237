package function

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
)

// Bind maps positional then keyword arguments onto desc's parameters and
// returns the positional argument list to pass to the callable. Omitted
// optional parameters receive their defaults. Values are checked against the
// declared types but never converted.
func Bind(desc Descriptor, args []any, kwargs map[string]any) ([]any, error) {
	if desc.Variadic && len(desc.Params) == 0 {
		if len(kwargs) > 0 {
			return nil, badArgs(desc.Name, "does not accept keyword arguments")
		}
		return append([]any(nil), args...), nil
	}

	n := len(desc.Params)
	if len(args) > n && !desc.Variadic {
		return nil, badArgs(desc.Name, fmt.Sprintf("takes at most %d positional arguments (%d given)", n, len(args)))
	}

	bound := make([]any, n)
	set := make([]bool, n)
	for i := 0; i < len(args) && i < n; i++ {
		bound[i] = args[i]
		set[i] = true
	}

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		idx := paramIndex(desc.Params, key)
		if idx < 0 {
			return nil, badArgs(desc.Name, fmt.Sprintf("unexpected keyword argument %q", key))
		}
		if set[idx] {
			return nil, badArgs(desc.Name, fmt.Sprintf("got multiple values for argument %q", key))
		}
		bound[idx] = kwargs[key]
		set[idx] = true
	}

	for i, p := range desc.Params {
		if !set[i] {
			if p.Required {
				return nil, badArgs(desc.Name, fmt.Sprintf("missing required argument %q", p.Name))
			}
			bound[i] = p.Default
			continue
		}
		if !matchesType(p.Type, bound[i]) {
			return nil, badArgs(desc.Name, fmt.Sprintf("argument %q must be %s, got %s", p.Name, p.Type, typeName(bound[i])))
		}
	}

	if len(args) > n {
		bound = append(bound, args[n:]...)
	}
	return bound, nil
}

func paramIndex(params []Param, name string) int {
	for i, p := range params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func badArgs(fn, msg string) error {
	return apperrors.WithMetadata(apperrors.CodeBadArguments, fn+"() "+msg, map[string]string{"function": fn})
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "", TypeAny:
		return true
	case TypeNumber:
		_, ok := Float(v)
		return ok
	case TypeInteger:
		_, ok := Int(v)
		return ok
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return TypeBool
	case string:
		return TypeString
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	}
	if _, ok := Float(v); ok {
		return TypeNumber
	}
	return fmt.Sprintf("%T", v)
}

// Float returns v as a float64 when it is any numeric value.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Int returns v as an int64 when it is an integer or an integral float.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	f, ok := Float(v)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}
