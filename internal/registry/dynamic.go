package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/payload"
)

// contractReading is one reading as a dynamic function sees it. Timestamps
// are RFC 3339 strings; values keep their decoded JSON form.
type contractReading struct {
	Timestamp string `json:"timestamp"`
	Value     any    `json:"value"`
}

// contractInput is the JSON document handed to a dynamic function's entry
// point.
type contractInput struct {
	Series map[string][]contractReading `json:"series"`
	Params map[string]any               `json:"params"`
}

// contractOutput is the expected shape of a dynamic function's return
// value. A bare metrics object (no wrapper keys) is also accepted.
type contractOutput struct {
	Metrics  map[string]map[string]any `json:"metrics"`
	Warnings []string                  `json:"warnings"`
}

// Compile verifies that src evaluates in a fresh interpreter and exposes
// the entry point with the contract signature, racing the evaluation
// against ctx so a pathological source cannot stall a submission.
func Compile(ctx context.Context, src string) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- model.Ef(model.KindSyntaxError, "source evaluation panicked: %v", p)
			}
		}()
		_, err := evalEntry(src)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return model.Wrap(model.KindSyntaxError, "source evaluation timed out", ctx.Err())
	}
}

// DynamicHandler wraps stored source into a Handler. Every invocation
// builds a throwaway interpreter: nothing persists between calls, so a
// function cannot accumulate state or observe other requests. The work
// runs on its own goroutine raced against ctx; on expiry the goroutine's
// late result is discarded.
func DynamicHandler(src string) Handler {
	return func(ctx context.Context, c *payload.Canonical, params map[string]any) (*Result, error) {
		input, err := json.Marshal(buildContractInput(c, params))
		if err != nil {
			return nil, fmt.Errorf("encode function input: %w", err)
		}

		type outcome struct {
			raw string
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- outcome{err: fmt.Errorf("function panicked: %v", p)}
				}
			}()
			fn, err := evalEntry(src)
			if err != nil {
				done <- outcome{err: err}
				return
			}
			raw, err := fn(string(input))
			done <- outcome{raw: raw, err: err}
		}()

		select {
		case out := <-done:
			if out.err != nil {
				return nil, out.err
			}
			return parseContractOutput(out.raw)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// evalEntry builds a fresh interpreter with stdlib symbols, evaluates src,
// and extracts the typed entry point.
func evalEntry(src string) (func(string) (string, error), error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load interpreter symbols: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return nil, model.Wrap(model.KindSyntaxError, "source does not evaluate", err)
	}
	v, err := i.Eval("main." + EntryPoint)
	if err != nil {
		return nil, model.Wrap(model.KindSyntaxError, "entry point "+EntryPoint+" not found", err)
	}
	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, model.Ef(model.KindSyntaxError,
			"entry point %s does not have signature func(string) (string, error)", EntryPoint)
	}
	return fn, nil
}

func buildContractInput(c *payload.Canonical, params map[string]any) contractInput {
	in := contractInput{
		Series: make(map[string][]contractReading, len(c.Series)),
		Params: params,
	}
	for name, readings := range c.Series {
		rs := make([]contractReading, len(readings))
		for i, r := range readings {
			rs[i] = contractReading{
				Timestamp: r.Timestamp.Format(time.RFC3339Nano),
				Value:     r.Value,
			}
		}
		in.Series[name] = rs
	}
	return in
}

// parseContractOutput accepts either the full {"metrics", "warnings"}
// wrapper or a bare series-to-metrics object.
func parseContractOutput(raw string) (*Result, error) {
	var out contractOutput
	if err := json.Unmarshal([]byte(raw), &out); err == nil && out.Metrics != nil {
		return &Result{Metrics: out.Metrics, Warnings: out.Warnings}, nil
	}
	var bare map[string]map[string]any
	if err := json.Unmarshal([]byte(raw), &bare); err != nil || len(bare) == 0 {
		return nil, fmt.Errorf("function output is not a metrics document: %.120s", raw)
	}
	return &Result{Metrics: bare}, nil
}
