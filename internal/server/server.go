// Package server exposes the operational HTTP surface of the risk engine
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/internal/engine"
	"github.com/Aidin1998/pincex_risk/internal/position"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
)

// Server is the ops HTTP server: position intake, state inspection,
// Prometheus metrics and health probes.
type Server struct {
	logger *zap.Logger
	engine *engine.Service
	cfgMgr *config.Manager

	httpServer *http.Server
}

// NewServer creates the ops server around the running engine
func NewServer(logger *zap.Logger, eng *engine.Service, cfgMgr *config.Manager) *Server {
	return &Server{
		logger: logger.Named("server"),
		engine: eng,
		cfgMgr: cfgMgr,
	}
}

// Router builds the gin router with the standard middleware chain
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("riskd"))
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			positions := v1.Group("/positions")
			{
				positions.POST("", s.handleOpenPosition)
				positions.GET("", s.handleGetPositions)
				positions.GET("/:id", s.handleGetPosition)
				positions.DELETE("/:id", s.handleClosePosition)
				positions.GET("/:id/roll", s.handleRollAnalysis)
			}

			v1.GET("/portfolio", s.handlePortfolio)
			v1.GET("/breakers", s.handleBreakers)
			v1.GET("/feed", s.handleFeed)
			v1.GET("/config", s.handleConfig)

			v1.POST("/instruments/:instrument/unfreeze", s.handleUnfreeze)
			v1.DELETE("/volatility/:instrument/cache", s.handleInvalidateVolatility)
		}
	}

	return router
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	cfg := s.cfgMgr.Current().Server

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.logger.Info("Ops server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests within the configured grace period
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(),
		s.cfgMgr.Current().Server.GracefulShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// statusFor maps fault kinds to HTTP statuses
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindEscalationConflict:
		return http.StatusConflict
	case errs.KindData:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) handleReady(c *gin.Context) {
	status := s.engine.FeedStatus()
	c.JSON(http.StatusOK, gin.H{
		"feed_connected": status.Connected,
		"halted":         s.engine.Halted(),
	})
}

func (s *Server) handleOpenPosition(c *gin.Context) {
	var req position.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	pos, err := s.engine.OpenPosition(req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

func (s *Server) handleGetPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.Positions()})
}

func (s *Server) positionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetPosition(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}

	pos, err := s.engine.Position(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}

	pos, err := s.engine.ClosePosition(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handleRollAnalysis(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}

	analysis, err := s.engine.AnalyzeRollFor(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

func (s *Server) handlePortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"halted":   s.engine.Halted(),
		"breakers": s.engine.BreakerStates(),
	})
}

func (s *Server) handleFeed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connection": s.engine.FeedStatus(),
		"quality":    s.engine.FeedQuality(),
	})
}

// handleConfig reports the operationally interesting slice of the live
// configuration. Credentials never leave the process.
func (s *Server) handleConfig(c *gin.Context) {
	cfg := s.cfgMgr.Current()
	c.JSON(http.StatusOK, gin.H{
		"version":     cfg.Version,
		"environment": cfg.Environment,
		"escalation":  cfg.Escalation,
		"volatility":  cfg.Volatility,
		"roll":        cfg.Roll,
		"breakers":    cfg.Breakers,
		"dispatch":    cfg.Dispatch,
	})
}

func (s *Server) handleUnfreeze(c *gin.Context) {
	instrument := c.Param("instrument")
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument is required"})
		return
	}
	s.engine.UnfreezeInstrument(instrument)
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "frozen": false})
}

func (s *Server) handleInvalidateVolatility(c *gin.Context) {
	instrument := c.Param("instrument")
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument is required"})
		return
	}
	if err := s.engine.InvalidateVolatility(c.Request.Context(), instrument); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "invalidated": true})
}
