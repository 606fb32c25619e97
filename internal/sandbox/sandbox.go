package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/calebmorten/eventgate/internal/metrics"
)

// Kind classifies a sandbox failure.
type Kind string

const (
	KindTimeout       Kind = "TIMEOUT"
	KindRuntime       Kind = "RUNTIME"
	KindLimitExceeded Kind = "LIMIT_EXCEEDED"
)

// Error is a typed sandbox failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Message)
}

// Limits bound one script execution.
type Limits struct {
	Timeout       time.Duration
	MaxOutputSize int // bytes of the JSON-serialized result
}

// Capability is a host function exposed to scripts. It must not panic its
// way out of the sandbox; a panicking capability yields nil to the script.
type Capability func(args []any) any

// Runner executes tenant-supplied Lua against a fresh, capability-scoped
// state per call. Nothing leaks between invocations.
type Runner struct {
	defaults Limits
}

func New(defaults Limits) *Runner {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 5 * time.Second
	}
	if defaults.MaxOutputSize <= 0 {
		defaults.MaxOutputSize = 1 << 20
	}
	return &Runner{defaults: defaults}
}

// Globals removed from the base library: everything that reaches the
// filesystem or compiles new chunks at runtime.
var strippedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "print"}

// abandoned counts interpreter goroutines still running past their limit.
// go-lua cannot be preempted, so timed-out scripts keep burning CPU until
// they return on their own; past the cap new runs are refused.
var abandoned atomic.Int64

const maxAbandoned = 64

// AbandonedScripts reports how many timed-out interpreters are still running.
func AbandonedScripts() int64 {
	return abandoned.Load()
}

// Run executes script with the given globals bound and returns the script's
// return value converted to a JSON-serializable Go value.
func (r *Runner) Run(ctx context.Context, script string, globals map[string]any, caps map[string]Capability) (any, error) {
	limits := r.defaults
	start := time.Now()

	if abandoned.Load() >= maxAbandoned {
		metrics.RecordSandboxRun("limit_exceeded", time.Since(start))
		return nil, &Error{Kind: KindLimitExceeded,
			Message: fmt.Sprintf("%d timed-out scripts still running, refusing new work", maxAbandoned)}
	}

	l := lua.NewState()
	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "table", lua.TableOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)
	for _, name := range strippedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}

	for name, v := range globals {
		pushValue(l, v, 0)
		l.SetGlobal(name)
	}
	for name, fn := range caps {
		l.PushGoFunction(wrapCapability(fn))
		l.SetGlobal(name)
	}

	if err := lua.LoadString(l, script); err != nil {
		metrics.RecordSandboxRun("runtime", time.Since(start))
		return nil, &Error{Kind: KindRuntime, Message: err.Error()}
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: &Error{Kind: KindRuntime, Message: fmt.Sprint(rec)}}
			}
		}()
		if err := l.ProtectedCall(0, 1, 0); err != nil {
			done <- outcome{err: &Error{Kind: KindRuntime, Message: err.Error()}}
			return
		}
		v := toValue(l, -1, 0)
		l.Pop(1)
		done <- outcome{value: v}
	}()

	timer := time.NewTimer(limits.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			metrics.RecordSandboxRun("runtime", time.Since(start))
			return nil, out.err
		}
		// Serialization doubles as the JSON-compatibility check.
		data, err := json.Marshal(out.value)
		if err != nil {
			metrics.RecordSandboxRun("runtime", time.Since(start))
			return nil, &Error{Kind: KindRuntime, Message: "script result is not JSON-serializable: " + err.Error()}
		}
		if len(data) > limits.MaxOutputSize {
			metrics.RecordSandboxRun("limit_exceeded", time.Since(start))
			return nil, &Error{Kind: KindLimitExceeded, Message: fmt.Sprintf("script result of %d bytes exceeds the %d byte cap", len(data), limits.MaxOutputSize)}
		}
		metrics.RecordSandboxRun("ok", time.Since(start))
		return out.value, nil
	case <-timer.C:
		abandon(done)
		metrics.RecordSandboxRun("timeout", time.Since(start))
		return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("script exceeded the %s wall-clock limit", limits.Timeout)}
	case <-ctx.Done():
		abandon(done)
		metrics.RecordSandboxRun("timeout", time.Since(start))
		return nil, &Error{Kind: KindTimeout, Message: "script cancelled: " + ctx.Err().Error()}
	}
}

// abandon accounts for a runaway interpreter. The state cannot be preempted;
// a drain goroutine decrements the counter whenever it finally returns.
func abandon[T any](done <-chan T) {
	abandoned.Add(1)
	go func() {
		<-done
		abandoned.Add(-1)
	}()
}

func wrapCapability(fn Capability) lua.Function {
	return func(l *lua.State) int {
		n := l.Top()
		args := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			args = append(args, toValue(l, i, 0))
		}
		var result any
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					result = nil
				}
			}()
			result = fn(args)
		}()
		pushValue(l, result, 0)
		return 1
	}
}

const maxDepth = 32

func pushValue(l *lua.State, v any, depth int) {
	if depth > maxDepth {
		l.PushNil()
		return
	}
	switch t := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(t)
	case int:
		l.PushNumber(float64(t))
	case int32:
		l.PushNumber(float64(t))
	case int64:
		l.PushNumber(float64(t))
	case float32:
		l.PushNumber(float64(t))
	case float64:
		l.PushNumber(t)
	case string:
		l.PushString(t)
	case []any:
		l.CreateTable(len(t), 0)
		for i, e := range t {
			pushValue(l, e, depth+1)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(t))
		for k, e := range t {
			pushValue(l, e, depth+1)
			l.SetField(-2, k)
		}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			l.PushNumber(f)
		} else {
			l.PushString(t.String())
		}
	default:
		// Round-trip anything else through JSON so structs behave like tables.
		data, err := json.Marshal(t)
		if err != nil {
			l.PushNil()
			return
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			l.PushNil()
			return
		}
		pushValue(l, generic, depth+1)
	}
}

func toValue(l *lua.State, index, depth int) any {
	if depth > maxDepth {
		return nil
	}
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return n
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeTable:
		return tableToValue(l, index, depth)
	default:
		return nil
	}
}

func tableToValue(l *lua.State, index, depth int) any {
	abs := l.AbsIndex(index)
	m := make(map[string]any)
	var arrayLen int
	arrayLike := true

	l.PushNil()
	for l.Next(abs) {
		// Copy the key so reading it never disturbs Next's iteration slot.
		l.PushValue(-2)
		var key string
		isInt := false
		var intKey int
		switch l.TypeOf(-1) {
		case lua.TypeNumber:
			n, _ := l.ToNumber(-1)
			if n == float64(int(n)) && n >= 1 {
				isInt = true
				intKey = int(n)
			}
			key = fmt.Sprintf("%v", n)
		case lua.TypeString:
			key, _ = l.ToString(-1)
		default:
			key = fmt.Sprintf("%v", toValue(l, -1, depth+1))
		}
		l.Pop(1)

		val := toValue(l, -1, depth+1)
		if isInt {
			if intKey > arrayLen {
				arrayLen = intKey
			}
		} else {
			arrayLike = false
		}
		m[key] = val
		l.Pop(1)
	}

	if arrayLike && arrayLen > 0 && arrayLen == len(m) {
		arr := make([]any, arrayLen)
		for i := 1; i <= arrayLen; i++ {
			arr[i-1] = m[fmt.Sprintf("%v", float64(i))]
		}
		return arr
	}
	return m
}
