package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorten/eventgate/internal/authheader"
	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/dlq"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/pipeline"
	"github.com/calebmorten/eventgate/internal/ratelimit"
	"github.com/calebmorten/eventgate/internal/sandbox"
	"github.com/calebmorten/eventgate/internal/schedule"
	"github.com/calebmorten/eventgate/internal/source"
	"github.com/calebmorten/eventgate/internal/transform"
)

type fakeIntegrations struct {
	integs map[string]*integration.Integration
}

func (f *fakeIntegrations) GetByID(_ context.Context, id string) (*integration.Integration, error) {
	integ, ok := f.integs[id]
	if !ok {
		return nil, fault.New(fault.Validation, "INTEGRATION_NOT_FOUND", "integration %s not found", id)
	}
	return integ, nil
}

func (f *fakeIntegrations) ListActiveByEvent(_ context.Context, orgID, eventType string) ([]*integration.Integration, error) {
	var out []*integration.Integration
	for _, integ := range f.integs {
		if integ.OrgID == orgID && integ.EventType == eventType && integ.Active {
			out = append(out, integ)
		}
	}
	return out, nil
}

type testEnv struct {
	engine   *gin.Engine
	dlqSvc   *dlq.Service
	pub      *event.MemPublisher
	logs     *execlog.MemStore
	pending  *schedule.MemStore
	pipeline *pipeline.Pipeline
	integs   *fakeIntegrations
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	runner := sandbox.New(sandbox.Limits{Timeout: 2 * time.Second})
	transformer := transform.New(runner, nil)
	scheduler := schedule.New(runner)
	pending := schedule.NewMemStore()
	logs := execlog.NewMemStore()
	pub := event.NewMemPublisher()
	integs := &fakeIntegrations{integs: map[string]*integration.Integration{}}
	dlqSvc := dlq.NewService(dlq.NewMemStore(), pub, "delivery_tasks")

	p := pipeline.New(pipeline.Deps{
		Transformer: transformer,
		Limiter:     ratelimit.New(ratelimit.NewMemStore()),
		Auth:        authheader.New(),
		Executor:    executor.New(),
		Registry:    executor.NewRegistry(),
		Attempts:    execlog.New(logs),
		LogStore:    logs,
		DLQ:         dlqSvc,
		Publisher:   pub,
		Retry:       config.Retry{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterMax: 0},
		TaskTopic:   "delivery_tasks",
	})
	p.SetSleep(func(context.Context, time.Duration) error { return nil })
	p.SetJitter(func(time.Duration) time.Duration { return 0 })

	srv := New(Deps{
		Config:       config.Gateway{AllowedOrigins: []string{"*"}},
		Router:       source.NewRouter(integs, scheduler, pending, pub, "delivery_tasks"),
		Pipeline:     p,
		Integrations: integs,
		DLQ:          dlqSvc,
		Scheduler:    scheduler,
		Pending:      pending,
		Transformer:  transformer,
		Executor:     executor.New(),
		LogStore:     logs,
	})
	return &testEnv{
		engine:   srv.Engine(),
		dlqSvc:   dlqSvc,
		pub:      pub,
		logs:     logs,
		pending:  pending,
		pipeline: p,
		integs:   integs,
	}
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-org-id", "org-1")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestPushEventRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.integs.integs["int-1"] = &integration.Integration{
		ID: "int-1", OrgID: "org-1", Direction: integration.Outbound,
		EventType: "invoice.created", TargetURL: "http://example.com",
		AuthType: integration.AuthNone, DeliveryMode: integration.Immediate, Active: true,
	}

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/events", gin.H{
		"eventType": "invoice.created",
		"payload":   gin.H{"id": 1},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 1, out["routed"])
	assert.Len(t, env.pub.Tasks["delivery_tasks"], 1)
}

func TestPushEventRequiresOrg(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(gin.H{"eventType": "x", "payload": gin.H{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/events", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTestTransformAlways200(t *testing.T) {
	env := newTestEnv(t)

	// The tested script fails, the HTTP request does not.
	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/test/transform", gin.H{
		"transform": gin.H{"mode": "SCRIPT", "script": `error("broken mapping")`},
		"payload":   gin.H{"id": 1},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "SCRIPT_THREW", out["code"])
	assert.NotEmpty(t, out["error"])

	w, out = doJSON(t, env.engine, http.MethodPost, "/v1/test/transform", gin.H{
		"transform": gin.H{"mode": "SCRIPT", "script": `return {doubled = payload.id * 2}`},
		"payload":   gin.H{"id": 21},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])
	result := out["result"].(map[string]any)
	assert.EqualValues(t, 42, result["doubled"])
}

func TestTestScheduleAlways200(t *testing.T) {
	env := newTestEnv(t)

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/test/schedule", gin.H{
		"mode":   "RECURRING",
		"script": fmt.Sprintf(`return {firstOccurrence = %d, intervalMs = 3600000}`, time.Now().Add(time.Hour).UnixMilli()),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "INVALID_CONFIG", out["code"])

	w, out = doJSON(t, env.engine, http.MethodPost, "/v1/test/schedule", gin.H{
		"mode":   "DELAYED",
		"script": fmt.Sprintf("return %d", time.Now().Add(time.Hour).UnixMilli()),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()
	env := newTestEnv(t)

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/test/connection", gin.H{"url": srv.URL})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])

	// Unreachable target still answers HTTP 200 with success=false.
	w, out = doJSON(t, env.engine, http.MethodPost, "/v1/test/connection", gin.H{"url": "http://127.0.0.1:1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "CONNECTION_FAILED", out["code"])
}

func parkEntries(t *testing.T, env *testEnv, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		evt := event.New("org-1", "invoice.created", json.RawMessage(`{}`))
		evt.ID = fmt.Sprintf("evt-%d", i)
		task := event.Task{Event: evt, IntegrationID: "int-1"}
		e, err := env.dlqSvc.Park(context.Background(), event.NewDeadLetter(task, "att", 4,
			fault.New(fault.Upstream, "UPSTREAM_STATUS", "upstream returned 503")))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

func TestDLQBulkAbandonPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	ids := parkEntries(t, env, 10)
	ids[7] = "missing-id"

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/dlq/bulk/abandon", gin.H{
		"ids":   ids,
		"notes": "cleanup",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])

	result := out["result"].(map[string]any)
	assert.Len(t, result["succeeded"], 9)
	failed := result["failed"].(map[string]any)
	assert.Len(t, failed, 1)
	assert.Contains(t, failed, "missing-id")
}

func TestDLQRetryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ids := parkEntries(t, env, 1)

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/dlq/"+ids[0]+"/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])
	assert.Len(t, env.pub.Tasks["delivery_tasks"], 1)

	// Unknown entry is a 404 with the machine code.
	w, out = doJSON(t, env.engine, http.MethodPost, "/v1/dlq/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "DLQ_NOT_FOUND", out["code"])
}

func TestReplayEndpointDedupe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	integ := &integration.Integration{
		ID: "int-1", OrgID: "org-1", Direction: integration.Outbound,
		EventType: "invoice.created", TargetURL: upstream.URL,
		AuthType: integration.AuthNone, DeliveryMode: integration.Immediate, Active: true,
	}
	env.integs.integs["int-1"] = integ

	task := event.Task{
		Event:         event.New("org-1", "invoice.created", json.RawMessage(`{"id":1}`)),
		IntegrationID: "int-1",
	}
	res := env.pipeline.Deliver(context.Background(), task, integ)
	require.NoError(t, res.Err)

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/logs/"+res.AttemptID+"/replay", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, out["success"])

	// Process the replay, then a second non-forced replay conflicts.
	replayTask := env.pub.Tasks["delivery_tasks"][0]
	replayed := env.pipeline.Deliver(context.Background(), replayTask, integ)
	require.NoError(t, replayed.Err)

	w, out = doJSON(t, env.engine, http.MethodPost, "/v1/logs/"+res.AttemptID+"/replay", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_REPLAY", out["code"])

	w, _ = doJSON(t, env.engine, http.MethodPost, "/v1/logs/"+res.AttemptID+"/replay", gin.H{"force": true})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestProxyBuffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(201)
		_, _ = w.Write([]byte(`{"created":true}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	env.integs.integs["int-1"] = &integration.Integration{
		ID: "int-1", OrgID: "org-1", Direction: integration.Inbound,
		EventType: "proxy.request", TargetURL: upstream.URL, Method: "POST",
		AuthType: integration.AuthNone, DeliveryMode: integration.Immediate, Active: true,
	}

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/proxy/int-1/orders", gin.H{"id": 1})
	assert.Equal(t, 201, w.Code)
	assert.Equal(t, true, out["success"])
	resp := out["response"].(map[string]any)
	assert.Equal(t, true, resp["created"])
}

func TestScheduleCancelEndpoint(t *testing.T) {
	env := newTestEnv(t)
	p := schedule.NewPendingFromDelayed("org-1", "int-1", "evt-1", "x",
		json.RawMessage(`{}`), &schedule.Delayed{RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, env.pending.Insert(context.Background(), p))

	w, out := doJSON(t, env.engine, http.MethodPost, "/v1/schedules/"+p.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])

	got, _ := env.pending.GetByID(context.Background(), p.ID)
	assert.Equal(t, schedule.StatusCancelled, got.Status)
}
