package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ReplyCodeHeader is read back from the response to tag relayed events.
const ReplyCodeHeader = "X-Restpipe-Code"

// GatewayMiddleware logs one line per HTTP request and records it under
// role. Relayed events carry the peer's reply code alongside the status.
func GatewayMiddleware(role string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			// unmatched paths collapse into one label
			route = "unmatched"
		}
		status := c.Writer.Status()
		RecordHTTPRequest(role, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		if code := c.Writer.Header().Get(ReplyCodeHeader); code != "" {
			event = event.Str("reply_code", code)
		}
		if ip := c.Param("ip"); ip != "" {
			event = event.Str("target", ip)
		}
		event.
			Str("role", role).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("remote", c.ClientIP()).
			Msg("gateway request")
	}
}
