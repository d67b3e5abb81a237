// Package luamodule loads instructor functions written in Lua.
//
// A module is a .lua file that returns a table. Each string key names an
// exported function and maps either to a Lua function (untyped, variadic) or
// to a spec table:
//
//	return {
//	  square = {
//	    fn = function(x) return x * x end,
//	    params = { { name = "x", type = "number" } },
//	    returns = "number",
//	    doc = "x squared",
//	  },
//	  echo = function(...) return ... end,
//	}
//
// Params are either bare names (required, untyped) or tables with name, type,
// default and required fields. A param with a default is optional unless it
// sets required = true.
package luamodule

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/Shopify/go-lua"

	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
)

const maxDepth = 64

// Loader loads .lua modules.
type Loader struct{}

// Ext implements function.Loader.
func (Loader) Ext() string { return ".lua" }

// Load runs the file in a fresh state and returns its exported entries. The
// state stays alive for as long as any returned entry is referenced.
func (Loader) Load(path string) ([]function.Entry, error) {
	m, err := open(path)
	if err != nil {
		return nil, err
	}
	return m.entries()
}

// module owns one Lua state. go-lua states are not safe for concurrent use,
// so calls into the same module run one at a time while holding sem. A
// running Lua call cannot be interrupted; callers still queued behind it give
// up when their context ends.
type module struct {
	sem   chan struct{}
	state *lua.State
	table int
}

func (m *module) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *module) release() { <-m.sem }

func open(path string) (*module, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.LoadFile(state, path, ""); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run %s: %w", path, err)
	}
	if state.TypeOf(-1) != lua.TypeTable {
		return nil, fmt.Errorf("%s must return a table of functions", path)
	}
	return &module{sem: make(chan struct{}, 1), state: state, table: state.AbsIndex(-1)}, nil
}

func (m *module) entries() ([]function.Entry, error) {
	m.sem <- struct{}{}
	defer m.release()

	state := m.state
	var names []string
	state.PushNil()
	for state.Next(m.table) {
		if state.TypeOf(-2) == lua.TypeString {
			name, _ := state.ToString(-2)
			names = append(names, name)
		}
		state.Pop(1)
	}
	sort.Strings(names)

	entries := make([]function.Entry, 0, len(names))
	for _, name := range names {
		entry, err := m.describe(name)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

// describe reads the export called name. Non-function values are skipped.
func (m *module) describe(name string) (*function.Entry, error) {
	state := m.state
	base := state.Top()
	defer state.SetTop(base)

	state.Field(m.table, name)
	switch state.TypeOf(-1) {
	case lua.TypeFunction:
		return &function.Entry{
			Descriptor: function.Descriptor{Name: name, Variadic: true},
			Func:       m.caller(name, false),
		}, nil
	case lua.TypeTable:
	default:
		return nil, nil
	}

	spec := state.AbsIndex(-1)
	state.Field(spec, "fn")
	if state.TypeOf(-1) != lua.TypeFunction {
		return nil, fmt.Errorf("%s: fn must be a function", name)
	}
	state.Pop(1)

	desc := function.Descriptor{
		Name:       name,
		ReturnHint: stringField(state, spec, "returns"),
		Doc:        stringField(state, spec, "doc"),
	}
	state.Field(spec, "variadic")
	desc.Variadic = state.ToBoolean(-1)
	state.Pop(1)

	params, err := readParams(state, spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	desc.Params = params
	return &function.Entry{Descriptor: desc, Func: m.caller(name, true)}, nil
}

func readParams(state *lua.State, spec int) ([]function.Param, error) {
	state.Field(spec, "params")
	defer state.Pop(1)
	switch state.TypeOf(-1) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeTable:
	default:
		return nil, fmt.Errorf("params must be a list")
	}

	list := state.AbsIndex(-1)
	n := state.RawLength(list)
	params := make([]function.Param, 0, n)
	for i := 1; i <= n; i++ {
		state.RawGetInt(list, i)
		p, err := readParam(state, state.AbsIndex(-1))
		state.Pop(1)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		params = append(params, p)
	}
	return params, nil
}

func readParam(state *lua.State, idx int) (function.Param, error) {
	switch state.TypeOf(idx) {
	case lua.TypeString:
		name, _ := state.ToString(idx)
		return function.Param{Name: name, Required: true}, nil
	case lua.TypeTable:
	default:
		return function.Param{}, fmt.Errorf("must be a name or a table")
	}

	p := function.Param{
		Name: stringField(state, idx, "name"),
		Type: stringField(state, idx, "type"),
	}
	if p.Name == "" {
		return p, fmt.Errorf("name is required")
	}
	if !function.ValidType(p.Type) {
		return p, fmt.Errorf("unknown type %q", p.Type)
	}

	state.Field(idx, "default")
	hasDefault := state.TypeOf(-1) != lua.TypeNil
	if hasDefault {
		value, err := toGo(state, -1, 0)
		if err != nil {
			state.Pop(1)
			return p, fmt.Errorf("default: %w", err)
		}
		p.Default = value
	}
	state.Pop(1)

	state.Field(idx, "required")
	if state.TypeOf(-1) == lua.TypeBoolean {
		p.Required = state.ToBoolean(-1)
	} else {
		p.Required = !hasDefault
	}
	state.Pop(1)
	return p, nil
}

func stringField(state *lua.State, idx int, key string) string {
	state.Field(idx, key)
	defer state.Pop(1)
	if state.TypeOf(-1) != lua.TypeString {
		return ""
	}
	s, _ := state.ToString(-1)
	return s
}

// caller returns a Func that calls export name with the bound arguments and
// converts its first return value back to Go.
func (m *module) caller(name string, wrapped bool) function.Func {
	return func(ctx context.Context, args []any) (any, error) {
		if err := m.acquire(ctx); err != nil {
			return nil, err
		}
		defer m.release()

		state := m.state
		base := state.Top()
		defer state.SetTop(base)

		state.Field(m.table, name)
		if wrapped {
			if state.TypeOf(-1) != lua.TypeTable {
				return nil, function.Raise("LuaError", "%s is no longer a function spec", name)
			}
			state.Field(-1, "fn")
		}
		if state.TypeOf(-1) != lua.TypeFunction {
			return nil, function.Raise("LuaError", "%s is not callable", name)
		}
		for _, arg := range args {
			if err := push(state, arg, 0); err != nil {
				return nil, function.Raise("TypeError", "%s: %v", name, err)
			}
		}
		if err := state.ProtectedCall(len(args), 1, 0); err != nil {
			return nil, function.Raise("LuaError", "%v", err)
		}
		result, err := toGo(state, -1, 0)
		if err != nil {
			return nil, function.Raise("TypeError", "%s result: %v", name, err)
		}
		return result, nil
	}
}

func push(state *lua.State, v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("value nested too deeply")
	}
	switch value := v.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(value)
	case string:
		state.PushString(value)
	case []any:
		state.CreateTable(len(value), 0)
		for i, item := range value {
			if err := push(state, item, depth+1); err != nil {
				return err
			}
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.CreateTable(0, len(value))
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := push(state, value[k], depth+1); err != nil {
				return err
			}
			state.SetField(-2, k)
		}
	default:
		f, ok := function.Float(v)
		if !ok {
			return fmt.Errorf("unsupported value of type %T", v)
		}
		state.PushNumber(f)
	}
	return nil
}

func toGo(state *lua.State, index, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("table nested too deeply")
	}
	switch state.TypeOf(index) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeBoolean:
		return state.ToBoolean(index), nil
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return normalizeNumber(value), nil
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value, nil
	case lua.TypeTable:
		return tableToGo(state, state.AbsIndex(index), depth)
	default:
		return nil, fmt.Errorf("cannot convert %s", lua.TypeNameOf(state, index))
	}
}

// tableToGo turns a sequence 1..n into a list and anything else into an
// object. Empty tables become empty lists.
func tableToGo(state *lua.State, index, depth int) (any, error) {
	isArray := true
	maxIndex, count := 0, 0
	state.PushNil()
	for state.Next(index) {
		count++
		if isArray {
			if state.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if n, _ := state.ToNumber(-2); n >= 1 && n == math.Trunc(n) && n <= math.MaxInt32 {
				if idx := int(n); idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		state.Pop(1)
	}

	if isArray && maxIndex == count {
		out := make([]any, 0, count)
		for i := 1; i <= maxIndex; i++ {
			state.RawGetInt(index, i)
			value, err := toGo(state, -1, depth+1)
			if err != nil {
				return nil, err
			}
			state.Pop(1)
			out = append(out, value)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	state.PushNil()
	for state.Next(index) {
		var key string
		switch state.TypeOf(-2) {
		case lua.TypeString:
			key, _ = state.ToString(-2)
		case lua.TypeNumber:
			n, _ := state.ToNumber(-2)
			key = fmt.Sprint(normalizeNumber(n))
		default:
			return nil, fmt.Errorf("unsupported table key type %s", lua.TypeNameOf(state, -2))
		}
		value, err := toGo(state, -1, depth+1)
		if err != nil {
			return nil, err
		}
		state.Pop(1)
		out[key] = value
	}
	return out, nil
}

func normalizeNumber(value float64) any {
	if value == math.Trunc(value) && math.Abs(value) < 1<<53 {
		return int64(value)
	}
	return value
}
