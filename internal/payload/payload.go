// Package payload collapses the input shapes callers send to /run into one
// canonical per-series table of timestamped readings plus a separate bag of
// control parameters. Normalization is lossy but never fails on a single bad
// record: unusable readings and series are dropped with recorded warnings so
// the dispatcher can report a partial result instead of rejecting the request.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shisetsu-ai/bunki/internal/model"
)

// DuplicatePolicy selects which reading survives when two readings in the
// same series share a timestamp after merging.
type DuplicatePolicy string

const (
	// KeepLast keeps the reading that arrived later in input order.
	KeepLast DuplicatePolicy = "last"
	// KeepFirst keeps the reading that arrived first in input order.
	KeepFirst DuplicatePolicy = "first"
)

// reservedParams are top-level keys extracted into the parameter bag instead
// of being treated as series. Series names must not collide with these.
var reservedParams = map[string]bool{
	"analysis_type": true,
	"aggregation":   true,
	"window":        true,
	"unit":          true,
	"precision":     true,
	"limit":         true,
	"timezone":      true,
	"start_time":    true,
	"end_time":      true,
}

// Reserved reports whether key names a control parameter rather than a series.
func Reserved(key string) bool { return reservedParams[key] }

// timestampFields are the accepted reading timestamp keys, checked in order.
var timestampFields = [2]string{"timestamp", "time"}

// valueField is the single accepted reading value key.
const valueField = "reading_value"

// Reading is one timestamped observation. Value keeps the decoded JSON type
// untouched: numbers arrive as json.Number, strings as string. Consumers that
// need numerics coerce at point of use and report what they skipped.
type Reading struct {
	Timestamp time.Time
	Value     any
}

// Canonical is the normalized form every registered operation receives:
// series name to time-ordered, duplicate-free readings, plus the control
// parameters extracted from the raw body. Built fresh per dispatch request
// and never mutated afterwards.
type Canonical struct {
	Series   map[string][]Reading
	Params   map[string]any
	Warnings []string
}

// SeriesNames returns the series names sorted ascending so callers iterate
// deterministically.
func (c *Canonical) SeriesNames() []string {
	names := make([]string, 0, len(c.Series))
	for name := range c.Series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options tunes normalization behavior.
type Options struct {
	// DuplicatePolicy resolves duplicate timestamps within a merged series.
	// Empty means KeepLast.
	DuplicatePolicy DuplicatePolicy
}

// Normalize converts a decoded JSON body into the canonical payload. Three
// shapes are accepted:
//
//   - flat: a top-level key maps to an array of reading objects and names
//     one series;
//   - grouped: a top-level key maps to an object whose keys are series
//     names, each holding readings directly as an array or under a
//     "readings" field;
//   - bare: the body is itself an array of readings, adopted as a single
//     series named "default".
//
// Series sharing a name across groups merge by concatenation before the
// sort and duplicate pass. The returned error is always classified
// InvalidInput: body neither object nor array, or nothing normalized into
// at least one usable series.
func Normalize(raw any, opts Options) (*Canonical, error) {
	policy := opts.DuplicatePolicy
	if policy == "" {
		policy = KeepLast
	}

	c := &Canonical{
		Series: make(map[string][]Reading),
		Params: make(map[string]any),
	}

	switch body := raw.(type) {
	case []any:
		c.appendSeries("default", body)
	case map[string]any:
		// Sorted key order keeps warning text and same-name merge order
		// stable for identical inputs.
		for _, key := range sortedKeys(body) {
			value := body[key]
			if reservedParams[key] {
				c.Params[key] = value
				continue
			}
			switch v := value.(type) {
			case []any:
				c.appendSeries(key, v)
			case map[string]any:
				c.appendGroup(key, v)
			default:
				c.warnf("ignored key %q: not a series, group, or control parameter", key)
			}
		}
	default:
		return nil, model.E(model.KindInvalidInput, "payload must be a JSON object or an array of readings")
	}

	for name, readings := range c.Series {
		sort.SliceStable(readings, func(i, j int) bool {
			return readings[i].Timestamp.Before(readings[j].Timestamp)
		})
		c.Series[name] = dedupe(readings, policy)
	}

	if len(c.Series) == 0 {
		return nil, model.E(model.KindInvalidInput, "no usable series in payload")
	}
	return c, nil
}

// appendGroup walks one grouped value: every key is a series name whose
// readings sit either directly in an array or under a "readings" field.
func (c *Canonical) appendGroup(group string, members map[string]any) {
	for _, name := range sortedKeys(members) {
		if reservedParams[name] {
			c.warnf("group %q: series name %q is reserved, ignored", group, name)
			continue
		}
		switch v := members[name].(type) {
		case []any:
			c.appendSeries(name, v)
		case map[string]any:
			nested, ok := v["readings"].([]any)
			if !ok {
				c.warnf("group %q: series %q has no readings array, ignored", group, name)
				continue
			}
			c.appendSeries(name, nested)
		default:
			c.warnf("group %q: series %q is not an array or object, ignored", group, name)
		}
	}
}

// appendSeries parses raw reading objects into the named series, dropping
// unusable records with a warning each. A series whose readings all drop is
// removed entirely rather than left empty.
func (c *Canonical) appendSeries(name string, items []any) {
	kept := 0
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			c.warnf("series %q: reading %d is not an object, dropped", name, i)
			continue
		}
		ts, found, parsed := readTimestamp(obj)
		if !found {
			c.warnf("series %q: reading %d has no timestamp field, dropped", name, i)
			continue
		}
		if !parsed {
			c.warnf("series %q: reading %d has an unparseable timestamp, dropped", name, i)
			continue
		}
		value, ok := obj[valueField]
		if !ok {
			c.warnf("series %q: reading %d has no %s field, dropped", name, i, valueField)
			continue
		}
		c.Series[name] = append(c.Series[name], Reading{Timestamp: ts, Value: value})
		kept++
	}
	if kept == 0 && len(items) > 0 {
		if _, exists := c.Series[name]; !exists {
			c.warnf("series %q: no usable readings, removed", name)
		}
	}
}

func (c *Canonical) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// readTimestamp pulls the timestamp out of a reading object. found reports
// whether either accepted field name was present, parsed whether its value
// decoded into a time.
func readTimestamp(obj map[string]any) (ts time.Time, found, parsed bool) {
	for _, field := range timestampFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		ts, parsed = parseTimestamp(raw)
		return ts, true, parsed
	}
	return time.Time{}, false, false
}

// parseTimestamp accepts RFC3339 (with or without sub-second precision),
// the two dateTime-without-zone layouts interpreted as UTC, and numeric
// epoch seconds. Everything normalizes to UTC so formatting downstream is
// stable regardless of input offset.
func parseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC(), true
		}
		for _, layout := range [2]string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
				return t, true
			}
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return epochToTime(f), true
		}
	case float64:
		return epochToTime(v), true
	}
	return time.Time{}, false
}

func epochToTime(seconds float64) time.Time {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// dedupe collapses runs of equal timestamps in an already-sorted slice.
// The stable sort preserved arrival order inside each run, so "first" and
// "last" refer to input order.
func dedupe(readings []Reading, policy DuplicatePolicy) []Reading {
	if len(readings) < 2 {
		return readings
	}
	out := readings[:1]
	for _, r := range readings[1:] {
		last := &out[len(out)-1]
		if r.Timestamp.Equal(last.Timestamp) {
			if policy != KeepFirst {
				*last = r
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
