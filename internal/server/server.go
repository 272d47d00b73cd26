// Package server exposes a Registry over HTTP: health, Prometheus metrics,
// engine state and lifecycle signals.
package server

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	consistency "github.com/c0deZ3R0/go-consistency-kit"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

const shutdownTimeout = 10 * time.Second

// Config tunes the HTTP surface.
type Config struct {
	Addr         string
	AllowOrigins []string
	// Gatherer backs /metrics. Nil serves the default Prometheus registry.
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Server serves one Registry.
type Server struct {
	reg     *consistency.Registry
	cfg     Config
	router  *gin.Engine
	logger  *logging.Logger
	started time.Time
}

// New builds the router and registers every route.
func New(reg *consistency.Registry, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent(logging.Component("http"))
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(cfg.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.AllowOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		reg:     reg,
		cfg:     cfg,
		router:  r,
		logger:  cfg.Logger,
		started: reg.Clock.Now(),
	}
	s.routes()
	return s
}

// Handler returns the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.reg.Clock.Now().Sub(s.started).String(),
			"engines": consistency.Engines,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	s.router.GET("/state/:engine", func(c *gin.Context) {
		v, err := s.reg.State(c.Param("engine"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, v)
	})

	s.router.POST("/signals/:signal", func(c *gin.Context) {
		name := c.Param("signal")
		if err := s.reg.Signal(c.Request.Context(), name); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		s.logger.Info("signal dispatched", slog.String("signal", name))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "signal": name})
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
			slog.Int("bytes", c.Writer.Size()),
		)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
