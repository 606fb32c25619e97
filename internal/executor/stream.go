package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calebmorten/eventgate/internal/fault"
)

// hop-by-hop headers must not be forwarded to the original caller.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// StreamSink is where streamed upstream bytes go. http.ResponseWriter
// satisfies it via a thin adapter in the gateway.
type StreamSink interface {
	WriteHeader(statusCode int, headers http.Header)
	Write(p []byte) (int, error)
	Flush()
}

// StreamResult reports what happened on a streamed delivery.
type StreamResult struct {
	StatusCode  int
	BytesCopied int64
	HeadersSent bool
	Duration    time.Duration
	Err         error
}

// Stream issues the call and pipes the upstream body straight to the sink,
// stripping hop-by-hop headers. Once headers are on the wire a mid-stream
// failure can only terminate the stream; there is no clean error response
// left to give.
func (e *Executor) Stream(ctx context.Context, target Target, body []byte, headers http.Header, sink StreamSink) StreamResult {
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
		return StreamResult{Err: fault.Wrap(fault.Network, "CONNECTION_FAILED", err, "%v", err), Duration: time.Since(start)}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, doErr := e.client.Do(req)
	if doErr != nil {
		out := Outcome{Class: classifyErr(doErr), Err: doErr, Duration: time.Since(start)}
		return StreamResult{Err: out.Fault(), Duration: out.Duration}
	}
	defer resp.Body.Close()

	sink.WriteHeader(resp.StatusCode, FilterHeaders(resp.Header))

	copied, copyErr := copyStream(ctx, sink, resp.Body)
	res := StreamResult{
		StatusCode:  resp.StatusCode,
		BytesCopied: copied,
		HeadersSent: true,
		Duration:    time.Since(start),
	}
	if copyErr != nil {
		// Terminated mid-stream; recorded, not propagated to the caller.
		res.Err = fault.Wrap(fault.Network, "STREAM_INTERRUPTED", copyErr, "stream terminated after %d bytes", copied)
	}
	return res
}

// copyStream pipes in 32KiB chunks, checking cancellation before each write
// so a gone caller stops the copy promptly instead of erroring on a closed sink.
func copyStream(ctx context.Context, sink StreamSink, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := sink.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
			sink.Flush()
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

// FilterHeaders returns a copy of h with hop-by-hop headers removed.
func FilterHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		if _, skip := hopByHop[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
