package analytics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shisetsu-ai/bunki/internal/payload"
	"github.com/shisetsu-ai/bunki/internal/registry"
)

const (
	defaultPrecision = 2
	maxPrecision     = 12
)

// numericReading is one reading whose value coerced to a float.
type numericReading struct {
	ts    time.Time
	value float64
}

func newResult() *registry.Result {
	return &registry.Result{Metrics: map[string]map[string]any{}}
}

func warnf(res *registry.Result, format string, args ...any) {
	res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
}

// forEachNumericSeries hands each series' numeric readings, in time order,
// to fn. Non-numeric readings are skipped with one warning per series; a
// series with no numeric readings at all is omitted from the metrics with
// a warning, never an error.
func forEachNumericSeries(c *payload.Canonical, res *registry.Result, fn func(name string, nums []numericReading)) {
	for _, name := range c.SeriesNames() {
		readings := c.Series[name]
		nums := make([]numericReading, 0, len(readings))
		skipped := 0
		for _, r := range readings {
			v, ok := toFloat(r.Value)
			if !ok {
				skipped++
				continue
			}
			nums = append(nums, numericReading{ts: r.Timestamp, value: v})
		}
		if skipped > 0 {
			warnf(res, "series %q: skipped %d non-numeric readings", name, skipped)
		}
		if len(nums) == 0 {
			warnf(res, "series %q: no numeric readings, omitted", name)
			continue
		}
		fn(name, nums)
	}
}

// toFloat coerces a decoded JSON value to a float64. Strings are opaque
// here: a numeric-looking string stays a string by contract.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// intParam reads an integer control parameter, tolerating the numeric
// forms JSON decoding produces.
func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// round keeps precision decimal places, clamped to [0, maxPrecision].
func round(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	if precision > maxPrecision {
		precision = maxPrecision
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(v*scale) / scale
}

// withUnit echoes a caller-supplied unit label into the metrics.
func withUnit(metrics map[string]any, params map[string]any) map[string]any {
	if u, ok := params["unit"].(string); ok && u != "" {
		metrics["unit"] = u
	}
	return metrics
}
