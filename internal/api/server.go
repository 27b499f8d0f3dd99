package api

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mkrell/psumon/internal/errors"
	"codeberg.org/mkrell/psumon/internal/history"
	"codeberg.org/mkrell/psumon/internal/logger"
	"codeberg.org/mkrell/psumon/internal/psu"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 5 * time.Second

// Source is the view of the monitor the API serves
type Source interface {
	AverageHistory() []history.TimedValue
	MaximumHistory() []history.TimedValue
	Status() psu.Status
}

// Server exposes the power history and daemon status over HTTP
type Server struct {
	httpSrv *http.Server
}

func NewServer(addr string, src Source) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	v1 := engine.Group("/api/v1")
	v1.GET("/history/average", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"records": src.AverageHistory()})
	})
	v1.GET("/history/maximum", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"records": src.MaximumHistory()})
	})
	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	logger.Info().Str("addr", s.httpSrv.Addr).Msg("HTTP API listening")

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(errors.ErrUnavailable, err)
	}

	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}
