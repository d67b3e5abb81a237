package luamodule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
)

const mathModule = `
local function helper(x) return x * 2 end

return {
  square = {
    fn = function(x) return x * x end,
    params = { { name = "x", type = "number" } },
    returns = "number",
    doc = "x squared",
  },
  rosenbrock = {
    fn = function(x, y, a, b) return (a - x)^2 + b * (y - x^2)^2 end,
    params = {
      { name = "x", type = "number" },
      { name = "y", type = "number" },
      { name = "a", type = "number", default = 1 },
      { name = "b", type = "number", default = 100 },
    },
  },
  sum = function(...)
    local total = 0
    for _, v in ipairs({...}) do total = total + v end
    return total
  end,
  stats = {
    fn = function(xs) return { n = #xs, doubled = { helper(xs[1]), helper(xs[2]) } } end,
    params = { { name = "xs", type = "array" } },
  },
  explode = { fn = function() error("samples must be positive") end },
  _private = function() return 1 end,
  version = "1.0",
}
`

func loadModule(t *testing.T, source string) *function.Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "math.lua"), []byte(source), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	reg, err := function.Load(function.Config{Name: "test", Dir: dir, Loaders: []function.Loader{Loader{}}})
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func TestLoadDescribesExports(t *testing.T) {
	t.Parallel()

	reg := loadModule(t, mathModule)
	var names []string
	for _, d := range reg.Describe() {
		names = append(names, d.Name)
	}
	want := []string{"explode", "rosenbrock", "square", "stats", "sum"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}

	square, _ := reg.Lookup("square")
	if square.ReturnHint != "number" || square.Doc != "x squared" || square.Module != "math.lua" {
		t.Fatalf("square descriptor = %+v", square.Descriptor)
	}
	if len(square.Params) != 1 || !square.Params[0].Required || square.Params[0].Type != function.TypeNumber {
		t.Fatalf("square params = %+v", square.Params)
	}

	rosen, _ := reg.Lookup("rosenbrock")
	if rosen.Params[2].Required || rosen.Params[2].Default != int64(1) {
		t.Fatalf("rosenbrock a param = %+v", rosen.Params[2])
	}

	sum, _ := reg.Lookup("sum")
	if !sum.Variadic {
		t.Fatal("expected bare function to be variadic")
	}
}

func TestInvokeLuaFunctions(t *testing.T) {
	t.Parallel()

	reg := loadModule(t, mathModule)
	ctx := context.Background()

	got, err := reg.Invoke(ctx, "square", []any{7.0}, nil)
	if err != nil {
		t.Fatalf("square: %v", err)
	}
	if got != int64(49) {
		t.Fatalf("square(7) = %v (%T), want 49", got, got)
	}

	got, err = reg.Invoke(ctx, "rosenbrock", []any{1.0, 1.0}, nil)
	if err != nil {
		t.Fatalf("rosenbrock: %v", err)
	}
	if got != int64(0) {
		t.Fatalf("rosenbrock(1,1) = %v, want 0", got)
	}

	got, err = reg.Invoke(ctx, "sum", []any{1.0, 2.0, 3.5}, nil)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if got != 6.5 {
		t.Fatalf("sum = %v, want 6.5", got)
	}

	got, err = reg.Invoke(ctx, "stats", nil, map[string]any{"xs": []any{2.0, 3.0}})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := map[string]any{"n": int64(2), "doubled": []any{int64(4), int64(6)}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("stats = %#v, want %#v", got, want)
	}
}

func TestInvokeLuaErrorBecomesInvocationError(t *testing.T) {
	t.Parallel()

	reg := loadModule(t, mathModule)
	_, err := reg.Invoke(context.Background(), "explode", nil, nil)
	if !apperrors.IsCode(err, apperrors.CodeInvocationError) {
		t.Fatalf("err = %v, want INVOCATION_ERROR", err)
	}

	// The state stays usable after a raised error.
	if _, err := reg.Invoke(context.Background(), "square", []any{2.0}, nil); err != nil {
		t.Fatalf("square after error: %v", err)
	}
}

func TestLoadRejectsNonTableModule(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.lua")
	if err := os.WriteFile(path, []byte("return 42"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	if _, err := (Loader{}).Load(path); err == nil {
		t.Fatal("expected error for module returning a number")
	}
}

func TestLoadRejectsUnknownParamType(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.lua")
	src := `return { f = { fn = function(x) return x end, params = { { name = "x", type = "matrix" } } } }`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	if _, err := (Loader{}).Load(path); err == nil {
		t.Fatal("expected error for unknown param type")
	}
}

func TestSyntaxErrorModuleIsSkipped(t *testing.T) {
	t.Parallel()

	reg := loadModule(t, "return {")
	if reg.Len() != 0 {
		t.Fatalf("Len = %d, want 0", reg.Len())
	}
}

func TestNonIntegralKeysKeepTableAsObject(t *testing.T) {
	t.Parallel()

	reg := loadModule(t, `
return {
  mixed = function() return { [2] = "x", [1.5] = "y" } end,
  seq = function() return { [1] = "a", [2] = "b" } end,
}
`)
	ctx := context.Background()

	got, err := reg.Invoke(ctx, "mixed", nil, nil)
	if err != nil {
		t.Fatalf("mixed: %v", err)
	}
	want := map[string]any{"2": "x", "1.5": "y"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mixed = %#v, want %#v", got, want)
	}

	got, err = reg.Invoke(ctx, "seq", nil, nil)
	if err != nil {
		t.Fatalf("seq: %v", err)
	}
	if !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Fatalf("seq = %#v, want [a b]", got)
	}
}

func TestQueuedCallGivesUpWhenContextEnds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "busy.lua")
	if err := os.WriteFile(path, []byte(`return { one = function() return 1 end }`), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	m, err := open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	call := m.caller("one", false)

	// Hold the state as a long-running call would.
	m.sem <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("queued call err = %v, want context.Canceled", err)
	}
	m.release()

	got, err := call(context.Background(), nil)
	if err != nil {
		t.Fatalf("call after release: %v", err)
	}
	if got != int64(1) {
		t.Fatalf("one() = %v (%T), want 1", got, got)
	}
}
