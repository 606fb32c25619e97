package transform

import (
	"context"
	"errors"
	"strings"

	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/sandbox"
)

// Context carries the request surroundings scripts may inspect.
type Context struct {
	EventType string
	OrgID     string
	Query     map[string]string
	Headers   map[string]string
	Body      any
}

func (c Context) globals() map[string]any {
	query := make(map[string]any, len(c.Query))
	for k, v := range c.Query {
		query[k] = v
	}
	headers := make(map[string]any, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}
	return map[string]any{
		"eventType": c.EventType,
		"orgId":     c.OrgID,
		"query":     query,
		"headers":   headers,
		"body":      c.Body,
	}
}

// ResponseContext is what response scripts see about the upstream reply.
type ResponseContext struct {
	StatusCode int
	Headers    map[string]string
	Body       any
}

// Transformer reshapes payloads per integration config. SCRIPT mode runs in
// the sandbox; SIMPLE mode is pure data mapping with no code execution.
type Transformer struct {
	runner *sandbox.Runner
	lookup LookupResolver
}

func New(runner *sandbox.Runner, lookup LookupResolver) *Transformer {
	return &Transformer{runner: runner, lookup: lookup}
}

// Request converts an inbound payload into the shape the target expects.
func (t *Transformer) Request(ctx context.Context, tc integration.TransformConfig, payload any, tctx Context) (any, error) {
	switch tc.Mode {
	case "", integration.TransformNone:
		return payload, nil
	case integration.TransformSimple:
		return applySimple(tc, payload), nil
	case integration.TransformScript:
		globals := map[string]any{
			"payload": payload,
			"context": tctx.globals(),
		}
		return t.runScript(ctx, tc.Script, globals, tctx.OrgID)
	default:
		return nil, fault.New(fault.Validation, "INVALID_CONFIG", "unknown transform mode %q", tc.Mode)
	}
}

// Response converts an upstream reply back into the caller's expected shape.
func (t *Transformer) Response(ctx context.Context, integ *integration.Integration, resp ResponseContext, tctx Context) (any, error) {
	tc := integ.Response
	switch tc.Mode {
	case "", integration.TransformNone:
		return resp.Body, nil
	case integration.TransformSimple:
		return applySimple(tc, resp.Body), nil
	case integration.TransformScript:
		headers := make(map[string]any, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		globals := map[string]any{
			"response": map[string]any{
				"status":  resp.StatusCode,
				"headers": headers,
				"body":    resp.Body,
			},
			"payload": resp.Body,
			"context": tctx.globals(),
		}
		return t.runScript(ctx, tc.Script, globals, tctx.OrgID)
	default:
		return nil, fault.New(fault.Validation, "INVALID_CONFIG", "unknown transform mode %q", tc.Mode)
	}
}

func (t *Transformer) runScript(ctx context.Context, script string, globals map[string]any, orgID string) (any, error) {
	caps := map[string]sandbox.Capability{
		"lookup": t.lookupCapability(ctx, orgID),
	}
	v, err := t.runner.Run(ctx, script, globals, caps)
	if err != nil {
		var se *sandbox.Error
		if errors.As(err, &se) && se.Kind != sandbox.KindRuntime {
			// Resource violations keep their sandbox identity.
			code := "SCRIPT_TIMEOUT"
			if se.Kind == sandbox.KindLimitExceeded {
				code = "SCRIPT_LIMIT_EXCEEDED"
			}
			return nil, fault.Wrap(fault.Sandbox, code, err, "%s", se.Message)
		}
		// Whatever the script threw travels with the error.
		return nil, fault.Wrap(fault.Transformation, "SCRIPT_THREW", err, "%s", err.Error())
	}
	return v, nil
}

// lookupCapability exposes lookup(table, code [, reverse [, scope]]) to
// scripts. Misses return nil; only the script decides whether that is fatal.
func (t *Transformer) lookupCapability(ctx context.Context, orgID string) sandbox.Capability {
	return func(args []any) any {
		if t.lookup == nil || len(args) < 2 {
			return nil
		}
		table, ok1 := args[0].(string)
		code, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil
		}
		reverse := false
		if len(args) >= 3 {
			reverse, _ = args[2].(bool)
		}
		scope := orgID
		if len(args) >= 4 {
			if s, ok := args[3].(string); ok {
				scope = s
			}
		}
		out, found := t.lookup.Resolve(ctx, table, code, reverse, scope)
		if !found {
			return nil
		}
		return out
	}
}

// applySimple builds the target object from a static field mapping plus
// literal values. Missing source paths simply leave the field out.
func applySimple(tc integration.TransformConfig, payload any) map[string]any {
	out := make(map[string]any, len(tc.Mapping)+len(tc.Static))
	for target, path := range tc.Mapping {
		if v, ok := resolvePath(payload, path); ok {
			out[target] = v
		}
	}
	for target, v := range tc.Static {
		out[target] = v
	}
	return out
}

// resolvePath walks a dotted path through nested maps.
func resolvePath(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
