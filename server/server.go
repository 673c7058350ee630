// Package server exposes the compositing pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/bgstudio/config"
	"github.com/chaos-io/bgstudio/health"
	"github.com/chaos-io/bgstudio/pipeline"
)

type Server struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
	checker  *health.Checker
	logger   *slog.Logger
	engine   *gin.Engine
	http     *http.Server
}

func New(cfg config.Config, p *pipeline.Pipeline, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		checker:  checker,
		logger:   logger,
	}
	s.engine = s.routes()
	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = s.cfg.Server.MaxUploadBytes
	r.Use(gin.Recovery(), requestID(), accessLog(s.logger), cors(s.cfg.Server.CORSOrigins))

	r.GET("/", s.root)
	r.GET("/readyz", s.ready)
	r.POST("/process-image", s.processImage)
	r.POST("/process-image-white", s.processWhite)
	r.POST("/process-image-blur", s.processBlur)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.cfg.Server.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
