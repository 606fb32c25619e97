package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ginSink adapts gin's ResponseWriter to the streaming executor's sink.
type ginSink struct {
	c           *gin.Context
	wroteHeader bool
}

func newGinSink(c *gin.Context) *ginSink {
	return &ginSink{c: c}
}

func (s *ginSink) WriteHeader(statusCode int, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			s.c.Writer.Header().Add(k, v)
		}
	}
	s.c.Writer.WriteHeader(statusCode)
	s.wroteHeader = true
}

func (s *ginSink) Write(p []byte) (int, error) {
	return s.c.Writer.Write(p)
}

func (s *ginSink) Flush() {
	s.c.Writer.Flush()
}
