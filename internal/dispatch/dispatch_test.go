package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shisetsu-ai/bunki/internal/analytics"
	"github.com/shisetsu-ai/bunki/internal/dispatch"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/payload"
	"github.com/shisetsu-ai/bunki/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decode(t *testing.T, src string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func newDispatcher(t *testing.T, extra ...func(*registry.Registry)) *dispatch.Dispatcher {
	t.Helper()
	reg := registry.New(nil, discardLogger())
	require.NoError(t, analytics.RegisterBuiltins(reg))
	for _, fn := range extra {
		fn(reg)
	}
	return dispatch.New(reg, 2*time.Second, payload.KeepLast, discardLogger())
}

func registerHandler(t *testing.T, name string, h registry.Handler) func(*registry.Registry) {
	return func(reg *registry.Registry) {
		err := reg.Register(model.FunctionDescriptor{
			Name:        name,
			Description: "Test operation.",
		}, h)
		require.NoError(t, err)
	}
}

const sensorBody = `{
	"analysis_type": "average",
	"SensorA": [
		{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 10},
		{"timestamp": "2025-01-01T01:00:00Z", "reading_value": 20}
	]
}`

func TestDispatch_OK(t *testing.T) {
	d := newDispatcher(t)

	env := d.Dispatch(context.Background(), "average", decode(t, sensorBody))

	assert.Equal(t, "average", env.Operation)
	assert.Equal(t, dispatch.StatusOK, env.Status)
	require.Contains(t, env.Metrics, "SensorA")
	assert.Equal(t, 15.0, env.Metrics["SensorA"]["average"])
	assert.Empty(t, env.Warnings)
	assert.Empty(t, env.ErrorCode)
	assert.NotEmpty(t, env.GeneratedAt)
	assert.GreaterOrEqual(t, env.ExecutionMS, int64(0))

	// Declared defaults surface in parameters_applied.
	assert.Equal(t, float64(2), env.ParametersApplied["precision"])
}

func TestDispatch_UnsupportedOperation(t *testing.T) {
	d := newDispatcher(t)

	env := d.Dispatch(context.Background(), "nonexistent_op", decode(t, sensorBody))

	assert.Equal(t, dispatch.StatusError, env.Status)
	assert.Equal(t, dispatch.CodeUnsupportedOperation, env.ErrorCode)
	assert.Contains(t, env.Detail, "nonexistent_op")
}

func TestDispatch_PayloadInvalid(t *testing.T) {
	d := newDispatcher(t)

	for _, body := range []string{`"just a string"`, `{"analysis_type": "average"}`} {
		env := d.Dispatch(context.Background(), "average", decode(t, body))
		assert.Equal(t, dispatch.StatusError, env.Status)
		assert.Equal(t, dispatch.CodePayloadInvalid, env.ErrorCode)
		assert.NotEmpty(t, env.Detail)
	}
}

func TestDispatch_PartialOnWarnings(t *testing.T) {
	d := newDispatcher(t)

	body := `{
		"SensorA": [
			{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 10},
			{"reading_value": 20}
		]
	}`
	env := d.Dispatch(context.Background(), "average", decode(t, body))

	assert.Equal(t, dispatch.StatusPartial, env.Status)
	assert.Equal(t, 10.0, env.Metrics["SensorA"]["average"])
	require.NotEmpty(t, env.Warnings)
	assert.Contains(t, env.Warnings[0], "timestamp")
}

func TestDispatch_ExtraParametersIgnored(t *testing.T) {
	d := newDispatcher(t)

	body := `{
		"analysis_type": "average",
		"limit": 5,
		"window": "24h",
		"SensorA": [{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 10}]
	}`
	env := d.Dispatch(context.Background(), "average", decode(t, body))

	assert.Equal(t, dispatch.StatusOK, env.Status)
	_, hasLimit := env.ParametersApplied["limit"]
	assert.False(t, hasLimit, "undeclared parameters never bind")
	_, hasWindow := env.ParametersApplied["window"]
	assert.False(t, hasWindow)
}

func TestDispatch_HandlerErrorDowngraded(t *testing.T) {
	d := newDispatcher(t, registerHandler(t, "failing_op",
		func(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
			return nil, errors.New("store unreachable")
		}))

	env := d.Dispatch(context.Background(), "failing_op", decode(t, sensorBody))

	assert.Equal(t, dispatch.StatusError, env.Status)
	assert.Equal(t, dispatch.CodeInternalError, env.ErrorCode)
	assert.Contains(t, env.Detail, "store unreachable")
}

func TestDispatch_PanicDowngraded(t *testing.T) {
	d := newDispatcher(t, registerHandler(t, "panicking_op",
		func(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
			panic("index out of range")
		}))

	env := d.Dispatch(context.Background(), "panicking_op", decode(t, sensorBody))

	assert.Equal(t, dispatch.StatusError, env.Status)
	assert.Equal(t, dispatch.CodeInternalError, env.ErrorCode)
	assert.Contains(t, env.Detail, "panicked")
}

func TestDispatch_Timeout(t *testing.T) {
	reg := registry.New(nil, discardLogger())
	err := reg.Register(model.FunctionDescriptor{
		Name:        "slow_op",
		Description: "Sleeps past the budget.",
	}, func(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
		select {
		case <-time.After(time.Minute):
			return &registry.Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, err)

	d := dispatch.New(reg, 50*time.Millisecond, payload.KeepLast, discardLogger())
	env := d.Dispatch(context.Background(), "slow_op", decode(t, sensorBody))

	assert.Equal(t, dispatch.StatusError, env.Status)
	assert.Equal(t, dispatch.CodeInternalError, env.ErrorCode)
	assert.Equal(t, "timeout", env.Detail)
}

func TestDispatch_NilResultIsInternalError(t *testing.T) {
	d := newDispatcher(t, registerHandler(t, "empty_op",
		func(ctx context.Context, c *payload.Canonical, params map[string]any) (*registry.Result, error) {
			return nil, nil
		}))

	env := d.Dispatch(context.Background(), "empty_op", decode(t, sensorBody))

	assert.Equal(t, dispatch.StatusError, env.Status)
	assert.Equal(t, dispatch.CodeInternalError, env.ErrorCode)
}
