package handlers

import (
	"github.com/labstack/echo/v4"

	mw "github.com/mmb-raid/sportiduino/middleware"
)

// Register mounts the API on e.
func (h *Handler) Register(e *echo.Echo) {
	// Public
	e.POST("/api/signin", h.Signin)

	// Protected – require valid JWT in Authorization header
	api := e.Group("/api", mw.JWT(h.JWTKey))
	api.GET("/station", h.Station)
	api.POST("/station/read", h.ReadChip)
	api.POST("/station/init", h.InitChip)
	api.GET("/chips", h.Chips)
	api.POST("/chips/save", h.SaveChips)
	api.GET("/chips/visits", h.Visits)
	api.GET("/distance", h.GetDistance)
	api.PUT("/distance", h.PutDistance)
	api.POST("/site-auth", h.SiteAuth)
}
