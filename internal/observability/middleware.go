package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AccessLog logs every admin request and, when m is non-nil, counts it.
// Scrapes of the metrics route log at debug so a Prometheus poller does not
// flood the info stream.
func AccessLog(logger zerolog.Logger, m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		elapsed := time.Since(began)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		if m != nil {
			m.RecordHTTPRequest(c.Request.Method, route, code, elapsed)
		}

		var ev *zerolog.Event
		switch {
		case code >= 500:
			ev = logger.Error()
		case code >= 400:
			ev = logger.Warn()
		case route == "/metrics":
			ev = logger.Debug()
		default:
			ev = logger.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Str("uri", c.Request.URL.RequestURI()).
			Int("status", code).
			Int("bytes", c.Writer.Size()).
			Dur("elapsed", elapsed).
			Str("remote", c.ClientIP()).
			Msg("admin request")
	}
}
