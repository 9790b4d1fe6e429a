package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("client", "GET", "/health", 200, 12*time.Millisecond)
	RecordEvent("server", "managed", 3*time.Millisecond)
	RecordConnectAttempt(false)
	RecordFrame("in", "heartbeat")
}

func TestPendingGaugeTracksDelta(t *testing.T) {
	before := testutil.ToFloat64(pendingRequests)
	AddPending(2)
	AddPending(-1)
	if got := testutil.ToFloat64(pendingRequests) - before; got != 1 {
		t.Fatalf("pending delta got=%v", got)
	}
	AddPending(-1)
}

func TestDroppedReplyCounter(t *testing.T) {
	before := testutil.ToFloat64(droppedReplies)
	RecordDroppedReply()
	if got := testutil.ToFloat64(droppedReplies) - before; got != 1 {
		t.Fatalf("dropped delta got=%v", got)
	}
}

func TestGatewayMiddlewareRecordsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GatewayMiddleware("server", zerolog.Nop()))
	r.GET("/clients/:ip/event/*noun", func(c *gin.Context) {
		c.Header(ReplyCodeHeader, "0")
		c.Status(http.StatusOK)
	})

	counter := httpRequests.WithLabelValues("server", http.MethodGet, "/clients/:ip/event/*noun", "200")
	before := testutil.ToFloat64(counter)
	for _, path := range []string{"/clients/10.0.0.1/event/a", "/clients/10.0.0.2/event/b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Fatalf("route counter delta got=%v", got)
	}

	unmatched := httpRequests.WithLabelValues("server", http.MethodGet, "unmatched", "404")
	before = testutil.ToFloat64(unmatched)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/1", nil))
	if got := testutil.ToFloat64(unmatched) - before; got != 1 {
		t.Fatalf("unmatched counter delta got=%v", got)
	}
}
