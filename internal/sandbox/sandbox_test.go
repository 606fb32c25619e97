package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner() *Runner {
	return New(Limits{Timeout: 2 * time.Second, MaxOutputSize: 64 * 1024})
}

func TestRunReturnsScalars(t *testing.T) {
	r := testRunner()
	ctx := context.Background()

	v, err := r.Run(ctx, `return 42`, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	v, err = r.Run(ctx, `return "hello"`, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = r.Run(ctx, `return true`, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = r.Run(ctx, `return nil`, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRunBindsGlobals(t *testing.T) {
	r := testRunner()
	globals := map[string]any{
		"payload": map[string]any{"amount": 31.5, "currency": "USD"},
		"context": map[string]any{"eventType": "order.paid", "orgId": "org-1"},
	}
	v, err := r.Run(context.Background(), `
		return {
			total = payload.amount * 2,
			type = context.eventType,
		}
	`, globals, nil)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok, "result should be a map, got %T", v)
	assert.Equal(t, float64(63), m["total"])
	assert.Equal(t, "order.paid", m["type"])
}

func TestRunTableToArray(t *testing.T) {
	r := testRunner()
	v, err := r.Run(context.Background(), `return {10, 20, 30}`, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(10), float64(20), float64(30)}, v)
}

func TestRunScriptErrorIsRuntime(t *testing.T) {
	r := testRunner()
	_, err := r.Run(context.Background(), `error("tenant said no")`, nil, nil)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindRuntime, se.Kind)
	assert.Contains(t, se.Message, "tenant said no")
}

func TestRunCompileErrorIsRuntime(t *testing.T) {
	r := testRunner()
	_, err := r.Run(context.Background(), `return {{{`, nil, nil)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindRuntime, se.Kind)
}

func TestRunTimeout(t *testing.T) {
	r := New(Limits{Timeout: 50 * time.Millisecond, MaxOutputSize: 1024})
	start := time.Now()
	// Bounded so the abandoned interpreter eventually exits on its own.
	_, err := r.Run(context.Background(), `local x = 0; for i = 1, 2000000000 do x = x + 1 end; return x`, nil, nil)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindTimeout, se.Kind)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout should fire near the limit")
}

func TestRunTimeoutAccountsForRunawayScript(t *testing.T) {
	before := AbandonedScripts()
	r := New(Limits{Timeout: time.Millisecond, MaxOutputSize: 1024})
	_, err := r.Run(context.Background(), `local x = 0; for i = 1, 10000000 do x = x + 1 end; return x`, nil, nil)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindTimeout, se.Kind)
	assert.Greater(t, AbandonedScripts(), before, "the runaway interpreter is counted")
	// <= rather than == because earlier timed-out scripts may drain too.
	assert.Eventually(t, func() bool { return AbandonedScripts() <= before },
		15*time.Second, 20*time.Millisecond, "the counter drains once the script returns")
}

func TestRunRefusesWorkPastAbandonedCap(t *testing.T) {
	abandoned.Add(maxAbandoned)
	defer abandoned.Add(-maxAbandoned)

	r := testRunner()
	_, err := r.Run(context.Background(), `return 1`, nil, nil)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindLimitExceeded, se.Kind)
	assert.Contains(t, se.Message, "still running")
}

func TestRunOutputSizeLimit(t *testing.T) {
	r := New(Limits{Timeout: 2 * time.Second, MaxOutputSize: 64})
	_, err := r.Run(context.Background(), `return string.rep("x", 1000)`, nil, nil)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindLimitExceeded, se.Kind)
}

func TestRunNoAmbientCapabilities(t *testing.T) {
	r := testRunner()
	for _, script := range []string{
		`return io ~= nil`,
		`return os ~= nil`,
		`return dofile ~= nil`,
		`return loadfile ~= nil`,
		`return load ~= nil`,
	} {
		v, err := r.Run(context.Background(), script, nil, nil)
		require.NoError(t, err, "script %q", script)
		assert.Equal(t, false, v, "script %q should see no ambient capability", script)
	}
}

func TestRunNoStateLeakBetweenInvocations(t *testing.T) {
	r := testRunner()
	_, err := r.Run(context.Background(), `leak = "secret"; return 1`, nil, nil)
	require.NoError(t, err)

	v, err := r.Run(context.Background(), `return leak == nil`, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRunCapability(t *testing.T) {
	r := testRunner()
	caps := map[string]Capability{
		"lookup": func(args []any) any {
			if len(args) >= 2 && args[0] == "currencies" && args[1] == "USD" {
				return "840"
			}
			return nil
		},
	}
	v, err := r.Run(context.Background(), `return lookup("currencies", "USD")`, nil, caps)
	require.NoError(t, err)
	assert.Equal(t, "840", v)

	// A miss fails closed with nil instead of raising.
	v, err = r.Run(context.Background(), `return lookup("currencies", "XXX") == nil`, nil, caps)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRunPanickingCapabilityYieldsNil(t *testing.T) {
	r := testRunner()
	caps := map[string]Capability{
		"explode": func(args []any) any { panic("capability bug") },
	}
	v, err := r.Run(context.Background(), `return explode() == nil`, nil, caps)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRunConcurrentInvocationsIsolated(t *testing.T) {
	r := testRunner()
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			v, err := r.Run(context.Background(), `return seed * 2`, map[string]any{"seed": n}, nil)
			if err != nil {
				results <- err
				return
			}
			if v != float64(n*2) {
				results <- errors.New("cross-invocation interference")
				return
			}
			results <- nil
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-results)
	}
}
