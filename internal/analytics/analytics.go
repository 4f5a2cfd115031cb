// Package analytics provides the built-in operations every deployment
// starts with. Handlers are pure functions over the canonical payload: no
// ambient I/O, no shared state, warnings instead of failures when part of a
// series is unusable.
package analytics

import (
	"context"
	"math"
	"time"

	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/payload"
	"github.com/shisetsu-ai/bunki/internal/registry"
)

var precisionParam = model.ParameterSpec{
	Name:        "precision",
	Type:        "integer",
	Default:     float64(defaultPrecision),
	Description: "Decimal places for reported values.",
}

var unitParam = model.ParameterSpec{
	Name:        "unit",
	Type:        "string",
	Description: "Unit label echoed into the metrics.",
}

// RegisterBuiltins adds the standard operations to reg. Called once at
// startup, before any dynamic functions reload, so built-in names always
// win a collision.
func RegisterBuiltins(reg *registry.Registry) error {
	added := time.Now().UTC()
	for _, b := range []struct {
		desc    model.FunctionDescriptor
		handler registry.Handler
	}{
		{
			desc: model.FunctionDescriptor{
				Name:        "current_value",
				Description: "Latest reading of each series with its timestamp.",
				Patterns:    []string{"current value", "latest reading", "most recent"},
				Parameters:  []model.ParameterSpec{unitParam},
			},
			handler: currentValue,
		},
		{
			desc: model.FunctionDescriptor{
				Name:        "average",
				Description: "Arithmetic mean of each series.",
				Patterns:    []string{"average", "mean"},
				Parameters:  []model.ParameterSpec{precisionParam, unitParam},
			},
			handler: average,
		},
		{
			desc: model.FunctionDescriptor{
				Name:        "minimum",
				Description: "Smallest reading of each series with the time it occurred.",
				Patterns:    []string{"minimum", "lowest", "min"},
				Parameters:  []model.ParameterSpec{precisionParam, unitParam},
			},
			handler: minimum,
		},
		{
			desc: model.FunctionDescriptor{
				Name:        "maximum",
				Description: "Largest reading of each series with the time it occurred.",
				Patterns:    []string{"maximum", "highest", "peak", "max"},
				Parameters:  []model.ParameterSpec{precisionParam, unitParam},
			},
			handler: maximum,
		},
		{
			desc: model.FunctionDescriptor{
				Name:        "sum",
				Description: "Total of all readings in each series.",
				Patterns:    []string{"sum", "total"},
				Parameters:  []model.ParameterSpec{precisionParam, unitParam},
			},
			handler: sum,
		},
		{
			desc: model.FunctionDescriptor{
				Name:        "count",
				Description: "Number of readings in each series with the covered time range.",
				Patterns:    []string{"count", "how many readings", "number of readings"},
			},
			handler: count,
		},
		{
			desc: model.FunctionDescriptor{
				Name:        "standard_deviation",
				Description: "Population standard deviation of each series.",
				Patterns:    []string{"standard deviation", "variability", "spread"},
				Parameters:  []model.ParameterSpec{precisionParam, unitParam},
			},
			handler: standardDeviation,
		},
		{
			desc: model.FunctionDescriptor{
				Name:        "rate_of_change",
				Description: "Per-hour rate of change between the first and last readings of each series.",
				Patterns:    []string{"rate of change", "trend", "slope"},
				Parameters:  []model.ParameterSpec{precisionParam, unitParam},
			},
			handler: rateOfChange,
		},
	} {
		b.desc.Added = added
		if err := reg.Register(b.desc, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func currentValue(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	for _, name := range c.SeriesNames() {
		readings := c.Series[name]
		latest := readings[len(readings)-1]
		res.Metrics[name] = withUnit(map[string]any{
			"value":     latest.Value,
			"timestamp": latest.Timestamp.Format(time.RFC3339),
		}, params)
	}
	return res, nil
}

func average(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	prec := intParam(params, "precision", defaultPrecision)
	forEachNumericSeries(c, res, func(name string, nums []numericReading) {
		total := 0.0
		for _, n := range nums {
			total += n.value
		}
		res.Metrics[name] = withUnit(map[string]any{
			"average": round(total/float64(len(nums)), prec),
			"count":   len(nums),
		}, params)
	})
	return res, nil
}

func minimum(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	prec := intParam(params, "precision", defaultPrecision)
	forEachNumericSeries(c, res, func(name string, nums []numericReading) {
		best := nums[0]
		for _, n := range nums[1:] {
			if n.value < best.value {
				best = n
			}
		}
		res.Metrics[name] = withUnit(map[string]any{
			"minimum":   round(best.value, prec),
			"timestamp": best.ts.Format(time.RFC3339),
		}, params)
	})
	return res, nil
}

func maximum(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	prec := intParam(params, "precision", defaultPrecision)
	forEachNumericSeries(c, res, func(name string, nums []numericReading) {
		best := nums[0]
		for _, n := range nums[1:] {
			if n.value > best.value {
				best = n
			}
		}
		res.Metrics[name] = withUnit(map[string]any{
			"maximum":   round(best.value, prec),
			"timestamp": best.ts.Format(time.RFC3339),
		}, params)
	})
	return res, nil
}

func sum(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	prec := intParam(params, "precision", defaultPrecision)
	forEachNumericSeries(c, res, func(name string, nums []numericReading) {
		total := 0.0
		for _, n := range nums {
			total += n.value
		}
		res.Metrics[name] = withUnit(map[string]any{
			"sum":   round(total, prec),
			"count": len(nums),
		}, params)
	})
	return res, nil
}

// count counts every reading regardless of value type, so it never skips
// or warns.
func count(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	for _, name := range c.SeriesNames() {
		readings := c.Series[name]
		res.Metrics[name] = map[string]any{
			"count": len(readings),
			"first": readings[0].Timestamp.Format(time.RFC3339),
			"last":  readings[len(readings)-1].Timestamp.Format(time.RFC3339),
		}
	}
	return res, nil
}

func standardDeviation(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	prec := intParam(params, "precision", defaultPrecision)
	forEachNumericSeries(c, res, func(name string, nums []numericReading) {
		mean := 0.0
		for _, n := range nums {
			mean += n.value
		}
		mean /= float64(len(nums))

		variance := 0.0
		for _, n := range nums {
			d := n.value - mean
			variance += d * d
		}
		variance /= float64(len(nums))

		if len(nums) < 2 {
			warnf(res, "series %q: standard deviation of a single reading is 0", name)
		}
		res.Metrics[name] = withUnit(map[string]any{
			"standard_deviation": round(math.Sqrt(variance), prec),
			"average":            round(mean, prec),
			"count":              len(nums),
		}, params)
	})
	return res, nil
}

func rateOfChange(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	res := newResult()
	prec := intParam(params, "precision", defaultPrecision)
	forEachNumericSeries(c, res, func(name string, nums []numericReading) {
		first, last := nums[0], nums[len(nums)-1]
		elapsed := last.ts.Sub(first.ts).Hours()
		if elapsed == 0 {
			warnf(res, "series %q: needs two readings at distinct times for a rate of change", name)
			return
		}
		res.Metrics[name] = withUnit(map[string]any{
			"rate_per_hour": round((last.value-first.value)/elapsed, prec),
			"first":         first.ts.Format(time.RFC3339),
			"last":          last.ts.Format(time.RFC3339),
		}, params)
	})
	return res, nil
}
