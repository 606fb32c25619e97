package transform

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/sandbox"
)

func newTransformer() *Transformer {
	runner := sandbox.New(sandbox.Limits{Timeout: 2 * time.Second, MaxOutputSize: 64 * 1024})
	lookup := &MapLookup{Forward: map[string]map[string]string{
		"currencies/":      {"USD": "840"},
		"currencies/org-2": {"USD": "999"},
	}}
	return New(runner, lookup)
}

func TestRequestNonePassesThrough(t *testing.T) {
	tr := newTransformer()
	payload := map[string]any{"a": 1}
	v, err := tr.Request(context.Background(), integration.TransformConfig{Mode: integration.TransformNone}, payload, Context{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if m, ok := v.(map[string]any); !ok || m["a"] != 1 {
		t.Errorf("Request() = %v, want passthrough", v)
	}
}

func TestRequestSimpleMapping(t *testing.T) {
	tr := newTransformer()
	tc := integration.TransformConfig{
		Mode: integration.TransformSimple,
		Mapping: map[string]string{
			"email":  "user.contact.email",
			"amount": "order.total",
			"ghost":  "does.not.exist",
		},
		Static: map[string]any{"source": "eventgate"},
	}
	payload := map[string]any{
		"user":  map[string]any{"contact": map[string]any{"email": "a@b.c"}},
		"order": map[string]any{"total": 12.5},
	}
	v, err := tr.Request(context.Background(), tc, payload, Context{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	m := v.(map[string]any)
	if m["email"] != "a@b.c" || m["amount"] != 12.5 || m["source"] != "eventgate" {
		t.Errorf("Request() = %v", m)
	}
	if _, ok := m["ghost"]; ok {
		t.Error("missing source path should leave the field out")
	}
}

func TestRequestScript(t *testing.T) {
	tr := newTransformer()
	tc := integration.TransformConfig{
		Mode:   integration.TransformScript,
		Script: `return { type = context.eventType, doubled = payload.n * 2 }`,
	}
	v, err := tr.Request(context.Background(), tc, map[string]any{"n": 21}, Context{EventType: "order.paid", OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	m := v.(map[string]any)
	if m["type"] != "order.paid" || m["doubled"] != float64(42) {
		t.Errorf("Request() = %v", m)
	}
}

func TestRequestScriptThrowIsTransformationError(t *testing.T) {
	tr := newTransformer()
	tc := integration.TransformConfig{
		Mode:   integration.TransformScript,
		Script: `error("bad payload shape")`,
	}
	_, err := tr.Request(context.Background(), tc, map[string]any{}, Context{})
	if err == nil {
		t.Fatal("Request() should fail when the script throws")
	}
	if fault.CategoryOf(err) != fault.Transformation {
		t.Errorf("category = %q, want transformation", fault.CategoryOf(err))
	}
	if got := err.Error(); !strings.Contains(got, "bad payload shape") {
		t.Errorf("error %q should carry the thrown message", got)
	}
}

func TestRequestScriptTimeoutIsSandboxError(t *testing.T) {
	runner := sandbox.New(sandbox.Limits{Timeout: 50 * time.Millisecond, MaxOutputSize: 1024})
	tr := New(runner, nil)
	tc := integration.TransformConfig{
		Mode:   integration.TransformScript,
		Script: `local x = 0; for i = 1, 2000000000 do x = x + 1 end; return x`,
	}
	_, err := tr.Request(context.Background(), tc, map[string]any{}, Context{})
	if fault.CategoryOf(err) != fault.Sandbox {
		t.Errorf("category = %q, want sandbox", fault.CategoryOf(err))
	}
	if fault.CodeOf(err) != "SCRIPT_TIMEOUT" {
		t.Errorf("code = %q, want SCRIPT_TIMEOUT", fault.CodeOf(err))
	}
}

func TestScriptLookupCapability(t *testing.T) {
	tr := newTransformer()
	tc := integration.TransformConfig{
		Mode:   integration.TransformScript,
		Script: `return { code = lookup("currencies", "USD") }`,
	}

	v, err := tr.Request(context.Background(), tc, map[string]any{}, Context{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if v.(map[string]any)["code"] != "840" {
		t.Errorf("lookup should fall back to the unscoped table, got %v", v)
	}

	// org-2 carries a scoped override
	v, err = tr.Request(context.Background(), tc, map[string]any{}, Context{OrgID: "org-2"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if v.(map[string]any)["code"] != "999" {
		t.Errorf("scoped lookup should win, got %v", v)
	}
}

func TestScriptLookupMissFailsClosed(t *testing.T) {
	tr := newTransformer()
	tc := integration.TransformConfig{
		Mode:   integration.TransformScript,
		Script: `return { missing = lookup("currencies", "XXX") == nil }`,
	}
	v, err := tr.Request(context.Background(), tc, map[string]any{}, Context{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("a lookup miss must not abort the script: %v", err)
	}
	if v.(map[string]any)["missing"] != true {
		t.Errorf("lookup miss should return nil to the script, got %v", v)
	}
}

func TestScriptLookupReverse(t *testing.T) {
	tr := newTransformer()
	tc := integration.TransformConfig{
		Mode:   integration.TransformScript,
		Script: `return lookup("currencies", "840", true)`,
	}
	v, err := tr.Request(context.Background(), tc, map[string]any{}, Context{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if v != "USD" {
		t.Errorf("reverse lookup = %v, want USD", v)
	}
}

func TestResponseScriptSeesUpstreamReply(t *testing.T) {
	tr := newTransformer()
	integ := &integration.Integration{
		Response: integration.TransformConfig{
			Mode:   integration.TransformScript,
			Script: `return { ok = response.status == 200, id = response.body.id }`,
		},
	}
	resp := ResponseContext{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       map[string]any{"id": "abc-1"},
	}
	v, err := tr.Response(context.Background(), integ, resp, Context{})
	if err != nil {
		t.Fatalf("Response() error = %v", err)
	}
	m := v.(map[string]any)
	if m["ok"] != true || m["id"] != "abc-1" {
		t.Errorf("Response() = %v", m)
	}
}

