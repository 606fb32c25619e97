package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/calebmorten/eventgate/internal/fault"
)

// MaxLoggedBody caps how much of an upstream response body is retained for
// the execution log.
const MaxLoggedBody = 5000

// Class buckets an outcome for retry decisions.
type Class string

const (
	ClassSuccess     Class = "SUCCESS"
	ClassClientError Class = "CLIENT_ERROR" // 4xx, not retryable within the attempt
	ClassRetryable   Class = "RETRYABLE"    // 408/429/5xx
	ClassTimeout     Class = "TIMEOUT"
	ClassNetwork     Class = "NETWORK"
)

// Target is the destination of one buffered or streamed call.
type Target struct {
	URL     string
	Method  string
	Timeout time.Duration
}

// Outcome captures one outbound call for classification and logging.
type Outcome struct {
	StatusCode int
	Body       string // capped at MaxLoggedBody
	Headers    http.Header
	Duration   time.Duration
	Class      Class
	Err        error
}

// Succeeded reports whether the call landed a 2xx.
func (o Outcome) Succeeded() bool { return o.Class == ClassSuccess }

// Fault converts a non-success outcome into the pipeline error taxonomy.
func (o Outcome) Fault() error {
	switch o.Class {
	case ClassSuccess:
		return nil
	case ClassTimeout:
		return fault.Wrap(fault.UpstreamTimeout, "UPSTREAM_TIMEOUT", o.Err, "request timed out after %s", o.Duration.Round(time.Millisecond))
	case ClassNetwork:
		return fault.Wrap(fault.Network, "CONNECTION_FAILED", o.Err, "%v", o.Err)
	default:
		fe := fault.New(fault.Upstream, "UPSTREAM_STATUS", "upstream returned %d", o.StatusCode)
		fe.Status = o.StatusCode
		return fe
	}
}

// Executor issues outbound calls with per-target timeouts.
type Executor struct {
	client *http.Client
}

// New builds an executor around a shared transport. Per-call timeouts come
// from the target, not the client.
func New() *Executor {
	return &Executor{client: &http.Client{}}
}

// NewWithClient injects a client for tests.
func NewWithClient(c *http.Client) *Executor {
	return &Executor{client: c}
}

// Execute issues a buffered call and classifies the result. It never returns
// a Go error for upstream misbehavior; everything lands in the Outcome.
func (e *Executor) Execute(ctx context.Context, target Target, body []byte, headers http.Header) Outcome {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: ClassNetwork, Err: err, Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, doErr := e.client.Do(req)
	elapsed := time.Since(start)
	if doErr != nil {
		return Outcome{Class: classifyErr(doErr), Err: doErr, Duration: elapsed}
	}
	defer resp.Body.Close()

	// Read at most the log cap plus one byte so truncation is detectable.
	b, _ := io.ReadAll(io.LimitReader(resp.Body, MaxLoggedBody+1))
	logged := string(b)
	if len(logged) > MaxLoggedBody {
		logged = logged[:MaxLoggedBody]
	}

	return Outcome{
		StatusCode: resp.StatusCode,
		Body:       logged,
		Headers:    resp.Header,
		Duration:   elapsed,
		Class:      classifyStatus(resp.StatusCode),
	}
}

func classifyStatus(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == 408 || status == 429 || status >= 500:
		return ClassRetryable
	default:
		return ClassClientError
	}
}

func classifyErr(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ClassTimeout
	}
	return ClassNetwork
}

// RetryReason maps an outcome to the metric label used by the retry counter.
func RetryReason(o Outcome) string {
	switch o.Class {
	case ClassTimeout:
		return "timeout"
	case ClassNetwork:
		return "network"
	case ClassRetryable:
		if o.StatusCode == 429 {
			return "http_429"
		}
		return "http_5xx"
	default:
		return "other"
	}
}
