package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from inbound requests and adds security headers to the proxy's own
// responses. Proxied and upgraded responses (/proxy, /ws) are left alone:
// their header set is governed by the relay policy, and the WebSocket
// handshake needs the inbound Connection and Upgrade headers intact.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			relayed := path == "/proxy" || path == "/ws" || strings.HasPrefix(path, "/proxy/") || strings.HasPrefix(path, "/ws/")

			if !relayed {
				for _, h := range hopByHopHeaders {
					c.Request().Header.Del(h)
				}
			}

			err := next(c)

			if !relayed {
				c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			}

			return err
		}
	}
}
