package builtin

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
)

func init() {
	Register("examples",
		unary("square", "x squared", func(x float64) float64 { return x * x }),
		unary("cubic", "x cubed", func(x float64) float64 { return x * x * x }),
		function.Entry{
			Descriptor: function.Descriptor{
				Name: "rosenbrock",
				Doc:  "Rosenbrock function (a-x)^2 + b(y-x^2)^2",
				Params: []function.Param{
					number("x"), number("y"),
					{Name: "a", Type: function.TypeNumber, Default: 1.0},
					{Name: "b", Type: function.TypeNumber, Default: 100.0},
				},
				ReturnHint: function.TypeNumber,
			},
			Func: func(_ context.Context, args []any) (any, error) {
				x, y, a, b := floatArg(args, 0), floatArg(args, 1), floatArg(args, 2), floatArg(args, 3)
				return (a-x)*(a-x) + b*(y-x*x)*(y-x*x), nil
			},
		},
		function.Entry{
			Descriptor: function.Descriptor{
				Name:       "quadratic",
				Doc:        "a*x^2 + b*x + c",
				Params:     []function.Param{number("a"), number("b"), number("c"), number("x")},
				ReturnHint: function.TypeNumber,
			},
			Func: func(_ context.Context, args []any) (any, error) {
				a, b, c, x := floatArg(args, 0), floatArg(args, 1), floatArg(args, 2), floatArg(args, 3)
				return a*x*x + b*x + c, nil
			},
		},
		function.Entry{
			Descriptor: function.Descriptor{
				Name:       "estimate_pi",
				Doc:        "Monte Carlo estimate of pi",
				Params:     []function.Param{{Name: "samples", Type: function.TypeInteger, Default: int64(10000)}},
				ReturnHint: function.TypeNumber,
			},
			Func: estimatePi,
		},
		function.Entry{
			Descriptor: function.Descriptor{Name: "echo", Doc: "returns its arguments", Variadic: true},
			Func: func(_ context.Context, args []any) (any, error) {
				if len(args) == 1 {
					return args[0], nil
				}
				return append([]any{}, args...), nil
			},
		},
	)
}

// maxPiSamples bounds a single estimate_pi call.
const maxPiSamples = 10_000_000

func estimatePi(ctx context.Context, args []any) (any, error) {
	samples, _ := function.Int(args[0])
	if samples <= 0 {
		return nil, function.Raise("ValueError", "samples must be positive")
	}
	if samples > maxPiSamples {
		return nil, function.Raise("ValueError", "samples must be at most %d", maxPiSamples)
	}
	inside := 0
	for i := int64(0); i < samples; i++ {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		x, y := rand.Float64(), rand.Float64()
		if x*x+y*y <= 1 {
			inside++
		}
	}
	return 4 * float64(inside) / float64(samples), nil
}

func unary(name, doc string, fn func(float64) float64) function.Entry {
	return function.Entry{
		Descriptor: function.Descriptor{
			Name:       name,
			Doc:        doc,
			Params:     []function.Param{number("x")},
			ReturnHint: function.TypeNumber,
		},
		Func: func(_ context.Context, args []any) (any, error) {
			v := fn(floatArg(args, 0))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, function.Raise("OverflowError", "%s result out of range", name)
			}
			return v, nil
		},
	}
}

func number(name string) function.Param {
	return function.Param{Name: name, Type: function.TypeNumber, Required: true}
}

func floatArg(args []any, i int) float64 {
	f, _ := function.Float(args[i])
	return f
}
