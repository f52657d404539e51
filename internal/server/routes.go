package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		st := s.source.Status()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": st.Service,
			"version": Version,
		})
	})

	// 200 only while registered, so it doubles as a readiness probe.
	s.router.GET("/health/session", func(c *gin.Context) {
		st := s.source.Status()
		code := http.StatusOK
		if !st.Registered {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, st)
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
