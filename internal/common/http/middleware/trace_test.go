package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"aipilot/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddlewareKeepsIncomingTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TraceContextMiddleware())

	var seen interface{}
	router.GET("/ping", func(c *gin.Context) {
		seen = c.Request.Context().Value(contextkey.TraceID)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(traceIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if seen != "trace-123" {
		t.Fatalf("expected incoming trace id in context, got %v", seen)
	}
	if rec.Header().Get(traceIDHeader) != "trace-123" {
		t.Fatalf("trace header not echoed")
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request id should be generated")
	}
}
