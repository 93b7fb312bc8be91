package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// route is the registered pattern for c, so /realms/*key is one series no
// matter which realm was asked for.
func route(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// RequestLogger logs admin traffic. Operator actions (anything but GET) and
// stream upgrades log at info, reads at debug, and failures by status class.
// Metrics scrapes are not logged.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := route(c)
		if path == "/metrics" {
			return
		}
		status := c.Writer.Status()
		method := c.Request.Method

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		case status == http.StatusSwitchingProtocols, method != http.MethodGet:
			event = logger.Info()
		default:
			event = logger.Debug()
		}
		if realm := strings.TrimPrefix(c.Param("key"), "/"); realm != "" {
			event = event.Str("realm", realm)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", method).
			Str("route", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin.http request")
	}
}

func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(c.Request.Method, route(c), c.Writer.Status(), time.Since(start))
	}
}
