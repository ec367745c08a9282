package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, ws *WSHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/webgate/status", health.Status)

	e.Any("/proxy", proxy.Handle)
	e.GET("/ws", ws.Handle)
}
