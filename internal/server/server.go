// Package server is the agent's local status surface: liveness, session
// state, and Prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/xdagent/internal/agent"
	"github.com/danmuck/xdagent/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// StatusSource reports the session. *agent.Agent satisfies it.
type StatusSource interface {
	Status() agent.Status
}

type Server struct {
	addr     string
	source   StatusSource
	router   *gin.Engine
	log      zerolog.Logger
	appeared time.Time
}

func New(addr string, source StatusSource, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:     addr,
		source:   source,
		router:   r,
		log:      logger,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("server.Server.Run listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
