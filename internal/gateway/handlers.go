package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calebmorten/eventgate/internal/authz"
	"github.com/calebmorten/eventgate/internal/dlq"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/schedule"
	"github.com/calebmorten/eventgate/internal/transform"
)

// orgScope resolves the caller's org or aborts with 401.
func orgScope(c *gin.Context) (string, bool) {
	orgID, ok := authz.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false, "code": "MISSING_ORG", "error": "request is not org-scoped",
		})
		return "", false
	}
	return orgID, true
}

type pushEventRequest struct {
	EventType string          `json:"eventType" binding:"required"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
}

func (s *Server) handlePushEvent(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	var req pushEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_REQUEST", err, "malformed event push"))
		return
	}
	evt := event.New(orgID, req.EventType, req.Payload)
	for k := range c.Request.URL.Query() {
		if evt.Query == nil {
			evt.Query = map[string]string{}
		}
		evt.Query[k] = c.Query(k)
	}
	routed, err := s.router.Route(c.Request.Context(), evt, "http")
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"eventId": evt.ID,
		"routed":  routed,
	})
}

func (s *Server) handleGetLog(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	rec, err := s.logStore.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if rec.OrgID != orgID {
		fail(c, fault.New(fault.Validation, "EXECUTION_NOT_FOUND", "execution %s not found", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "execution": rec})
}

type replayRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleReplay(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	logID := c.Param("id")
	rec, err := s.logStore.GetByID(c.Request.Context(), logID)
	if err != nil {
		fail(c, err)
		return
	}
	if rec.OrgID != orgID {
		fail(c, fault.New(fault.Validation, "EXECUTION_NOT_FOUND", "execution %s not found", logID))
		return
	}
	var req replayRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	eventID, err := s.pipeline.Replay(c.Request.Context(), logID, req.Force)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "eventId": eventID, "replayOf": logID})
}

func (s *Server) handleDLQList(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	entries, err := s.dlqSvc.List(c.Request.Context(), dlq.Filter{
		OrgID:         orgID,
		IntegrationID: c.Query("integrationId"),
		Status:        dlq.Status(c.Query("status")),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entries": entries})
}

func (s *Server) handleDLQGet(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	e, err := s.dlqEntryScoped(c, orgID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entry": e})
}

func (s *Server) handleDLQRetry(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	if _, err := s.dlqEntryScoped(c, orgID); err != nil {
		fail(c, err)
		return
	}
	if err := s.dlqSvc.Retry(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type abandonRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleDLQAbandon(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	if _, err := s.dlqEntryScoped(c, orgID); err != nil {
		fail(c, err)
		return
	}
	var req abandonRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.dlqSvc.Abandon(c.Request.Context(), c.Param("id"), req.Notes); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDLQDelete(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	if _, err := s.dlqEntryScoped(c, orgID); err != nil {
		fail(c, err)
		return
	}
	if err := s.dlqSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) dlqEntryScoped(c *gin.Context, orgID string) (*dlq.Entry, error) {
	e, err := s.dlqSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if e.OrgID != orgID {
		return nil, fault.New(fault.Validation, "DLQ_NOT_FOUND", "DLQ entry %s not found", c.Param("id"))
	}
	return e, nil
}

type bulkRequest struct {
	IDs   []string `json:"ids" binding:"required"`
	Notes string   `json:"notes"`
}

func (s *Server) handleDLQBulkRetry(c *gin.Context) {
	s.bulkDLQ(c, func(ids []string, _ string) dlq.BulkResult {
		return s.dlqSvc.BulkRetry(c.Request.Context(), ids)
	})
}

func (s *Server) handleDLQBulkAbandon(c *gin.Context) {
	s.bulkDLQ(c, func(ids []string, notes string) dlq.BulkResult {
		return s.dlqSvc.BulkAbandon(c.Request.Context(), ids, notes)
	})
}

func (s *Server) handleDLQBulkDelete(c *gin.Context) {
	s.bulkDLQ(c, func(ids []string, _ string) dlq.BulkResult {
		return s.dlqSvc.BulkDelete(c.Request.Context(), ids)
	})
}

func (s *Server) bulkDLQ(c *gin.Context, op func(ids []string, notes string) dlq.BulkResult) {
	if _, ok := orgScope(c); !ok {
		return
	}
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_REQUEST", err, "bulk request needs a non-empty ids array"))
		return
	}
	res := op(req.IDs, req.Notes)
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

func (s *Server) handleScheduleCancel(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	if err := s.pendingScoped(c, orgID); err != nil {
		fail(c, err)
		return
	}
	if err := s.pending.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type scheduleEditRequest struct {
	ScheduledFor time.Time `json:"scheduledFor" binding:"required"`
}

func (s *Server) handleScheduleEdit(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	if err := s.pendingScoped(c, orgID); err != nil {
		fail(c, err)
		return
	}
	var req scheduleEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_REQUEST", err, "scheduledFor is required"))
		return
	}
	if err := s.pending.Reschedule(c.Request.Context(), c.Param("id"), req.ScheduledFor.UTC()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) pendingScoped(c *gin.Context, orgID string) error {
	p, err := s.pending.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if p.OrgID != orgID {
		return fault.New(fault.Validation, "SCHEDULE_NOT_FOUND", "pending delivery %s not found", c.Param("id"))
	}
	return nil
}

// Test endpoints always answer HTTP 200: the body's success/code pair tells
// "the tested thing failed" apart from "your request failed".

type testTransformRequest struct {
	Transform integration.TransformConfig `json:"transform"`
	Payload   json.RawMessage             `json:"payload" binding:"required"`
	EventType string                      `json:"eventType"`
}

func (s *Server) handleTestTransform(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	var req testTransformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_REQUEST", err, "malformed transform test"))
		return
	}
	var payload any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_PAYLOAD", err, "payload is not valid JSON"))
		return
	}
	out, err := s.transformer.Request(c.Request.Context(), req.Transform, payload, transform.Context{
		EventType: req.EventType,
		OrgID:     orgID,
	})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "code": fault.CodeOf(err), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": out})
}

type testScheduleRequest struct {
	Mode    string          `json:"mode" binding:"required"`
	Script  string          `json:"script" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleTestSchedule(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	var req testScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_REQUEST", err, "malformed schedule test"))
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			fail(c, fault.Wrap(fault.Validation, "INVALID_PAYLOAD", err, "payload is not valid JSON"))
			return
		}
	}
	preview, err := s.scheduler.DryRun(c.Request.Context(), req.Mode, req.Script, payload, schedule.Context{
		OrgID: orgID,
	})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "code": fault.CodeOf(err), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preview": preview})
}

type testConnectionRequest struct {
	IntegrationID string `json:"integrationId"`
	URL           string `json:"url"`
	Method        string `json:"method"`
}

func (s *Server) handleTestConnection(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	var req testConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_REQUEST", err, "malformed connection test"))
		return
	}

	url, method := req.URL, req.Method
	var headers http.Header
	if req.IntegrationID != "" {
		integ, err := s.integrations.GetByID(c.Request.Context(), req.IntegrationID)
		if err != nil {
			fail(c, err)
			return
		}
		if integ.OrgID != orgID {
			fail(c, fault.New(fault.Validation, "INTEGRATION_NOT_FOUND", "integration %s not found", req.IntegrationID))
			return
		}
		url, method = integ.TargetURL, integ.Method
	}
	if url == "" {
		fail(c, fault.New(fault.Validation, "INVALID_REQUEST", "connection test needs a url or integrationId"))
		return
	}
	if method == "" {
		method = http.MethodGet
	}

	out := s.executor.Execute(c.Request.Context(), executor.Target{
		URL:     url,
		Method:  method,
		Timeout: 10 * time.Second,
	}, nil, headers)
	if !out.Succeeded() {
		ferr := out.Fault()
		c.JSON(http.StatusOK, gin.H{
			"success":    false,
			"code":       fault.CodeOf(ferr),
			"error":      ferr.Error(),
			"statusCode": out.StatusCode,
			"durationMs": out.Duration.Milliseconds(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"statusCode": out.StatusCode,
		"durationMs": out.Duration.Milliseconds(),
	})
}

// handleProxy streams or buffers an inbound request through the integration.
func (s *Server) handleProxy(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	integ, err := s.integrations.GetByID(c.Request.Context(), c.Param("integrationID"))
	if err != nil {
		fail(c, err)
		return
	}
	if integ.OrgID != orgID {
		fail(c, fault.New(fault.Validation, "INTEGRATION_NOT_FOUND", "integration %s not found", c.Param("integrationID")))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, fault.Wrap(fault.Validation, "INVALID_REQUEST", err, "failed to read request body"))
		return
	}
	query := map[string]string{}
	for k := range c.Request.URL.Query() {
		query[k] = c.Query(k)
	}
	headers := map[string]string{}
	for k := range c.Request.Header {
		headers[k] = c.GetHeader(k)
	}
	evt := event.New(orgID, integ.EventType, body)
	evt.Query = query
	evt.Headers = headers

	if integ.Streaming {
		sink := newGinSink(c)
		res := s.pipeline.Stream(c.Request.Context(), evt, integ, body, c.Request.Header, sink)
		if res.Err != nil && !sink.wroteHeader {
			fail(c, res.Err)
		}
		return
	}

	task := event.Task{Event: evt, IntegrationID: integ.ID}
	res := s.pipeline.Deliver(c.Request.Context(), task, integ)
	if res.Err != nil {
		fail(c, res.Err)
		return
	}
	status := http.StatusOK
	var respBody any
	if res.Response != nil {
		status = res.Response.StatusCode
		if len(res.Response.Body) > 0 {
			if err := json.Unmarshal([]byte(res.Response.Body), &respBody); err != nil {
				respBody = res.Response.Body
			}
		}
	}
	c.JSON(status, gin.H{"success": true, "attemptId": res.AttemptID, "response": respBody})
}
