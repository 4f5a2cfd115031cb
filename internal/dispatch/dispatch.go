// Package dispatch executes a named operation against a raw request body
// and wraps the outcome in a uniform envelope. The dispatcher never
// returns an error and never lets an operation's internal fault escape:
// every failure, including panics and timeouts, is downgraded into an
// error envelope the caller can serialize as-is.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/payload"
	"github.com/shisetsu-ai/bunki/internal/registry"
)

// Envelope statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Envelope error codes.
const (
	CodeUnsupportedOperation = "unsupported_operation"
	CodePayloadInvalid       = "payload_invalid"
	CodeInternalError        = "internal_error"
)

// Envelope is the uniform dispatch result. Warnings and ParametersApplied
// are always present, even empty, so consumers never branch on null.
type Envelope struct {
	Operation         string                    `json:"operation"`
	Status            string                    `json:"status"`
	Metrics           map[string]map[string]any `json:"metrics,omitempty"`
	Warnings          []string                  `json:"warnings"`
	ParametersApplied map[string]any            `json:"parameters_applied"`
	GeneratedAt       string                    `json:"generated_at"`
	ExecutionMS       int64                     `json:"execution_ms"`
	ErrorCode         string                    `json:"error_code,omitempty"`
	Detail            string                    `json:"detail,omitempty"`
}

// Dispatcher routes operations to registered handlers under a wall-clock
// execution budget.
type Dispatcher struct {
	registry *registry.Registry
	timeout  time.Duration
	policy   payload.DuplicatePolicy
	logger   *slog.Logger
}

// New builds a dispatcher. timeout bounds a single operation execution;
// policy resolves duplicate timestamps during normalization.
func New(reg *registry.Registry, timeout time.Duration, policy payload.DuplicatePolicy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		timeout:  timeout,
		policy:   policy,
		logger:   logger,
	}
}

// Dispatch normalizes raw, looks up operation, binds parameters, and
// executes. Normalizer warnings and handler warnings both surface in the
// envelope; any warning downgrades an ok to partial.
func (d *Dispatcher) Dispatch(ctx context.Context, operation string, raw any) Envelope {
	started := time.Now()

	c, err := payload.Normalize(raw, payload.Options{DuplicatePolicy: d.policy})
	if err != nil {
		return d.fail(started, operation, CodePayloadInvalid, model.DetailOf(err), nil, nil)
	}

	entry, ok := d.registry.Lookup(operation)
	if !ok {
		return d.fail(started, operation, CodeUnsupportedOperation,
			fmt.Sprintf("operation %q is not registered", operation), c.Warnings, nil)
	}

	params := bindParams(entry.Descriptor.Parameters, c.Params)

	res, err := d.execute(ctx, entry.Handler, c, params)
	if err != nil {
		detail := model.DetailOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			detail = "timeout"
		}
		return d.fail(started, operation, CodeInternalError, detail, c.Warnings, params)
	}

	warnings := make([]string, 0, len(c.Warnings)+len(res.Warnings))
	warnings = append(warnings, c.Warnings...)
	warnings = append(warnings, res.Warnings...)

	status := StatusOK
	if len(warnings) > 0 {
		status = StatusPartial
	}
	d.logger.Debug("dispatch completed",
		"operation", operation,
		"status", status,
		"series", len(c.Series),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return stamp(started, Envelope{
		Operation:         operation,
		Status:            status,
		Metrics:           res.Metrics,
		Warnings:          warnings,
		ParametersApplied: params,
	})
}

// execute runs the handler on its own goroutine raced against the
// execution budget. A handler that overruns keeps running until it
// notices its context; its late result is discarded.
func (d *Dispatcher) execute(ctx context.Context, h registry.Handler, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		res *registry.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("operation panicked: %v", p)}
			}
		}()
		res, err := h(execCtx, c, params)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil && out.res == nil {
			return nil, errors.New("operation returned no result")
		}
		return out.res, out.err
	case <-execCtx.Done():
		return nil, execCtx.Err()
	}
}

// bindParams intersects the caller's parameter bag with the declared
// parameter names, filling declared defaults for absent keys. Undeclared
// parameters are dropped without complaint: they may target a different
// operation in the same request family.
func bindParams(declared []model.ParameterSpec, bag map[string]any) map[string]any {
	bound := make(map[string]any, len(declared))
	for _, spec := range declared {
		if v, ok := bag[spec.Name]; ok {
			bound[spec.Name] = v
		} else if spec.Default != nil {
			bound[spec.Name] = spec.Default
		}
	}
	return bound
}

func (d *Dispatcher) fail(started time.Time, operation, code, detail string, warnings []string, params map[string]any) Envelope {
	d.logger.Info("dispatch failed",
		"operation", operation,
		"error_code", code,
		"detail", detail,
	)
	if warnings == nil {
		warnings = []string{}
	}
	if params == nil {
		params = map[string]any{}
	}
	return stamp(started, Envelope{
		Operation:         operation,
		Status:            StatusError,
		ErrorCode:         code,
		Detail:            detail,
		Warnings:          warnings,
		ParametersApplied: params,
	})
}

func stamp(started time.Time, env Envelope) Envelope {
	env.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	env.ExecutionMS = time.Since(started).Milliseconds()
	return env
}
