// internal/api/server.go
// Package api exposes the miner's status and control over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"xleth/internal/miner"
	"xleth/pkg/ethash"
)

// Control is the slice of the miner the API needs.
type Control interface {
	Status() miner.Status
	Verify(header, mixHash [32]byte, nonce uint64, boundary [32]byte) bool
	Stop() bool
}

// Server serves the /api/v1 routes.
type Server struct {
	control   Control
	log       logrus.FieldLogger
	startTime time.Time
	router    *gin.Engine
}

// NewServer builds the router.
func NewServer(control Control, log logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		control:   control,
		log:       log.WithField("component", "api"),
		startTime: time.Now(),
		router:    router,
	}
	router.Use(s.requestLogger)

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/device", s.handleDevice)
		api.GET("/solution", s.handleSolution)
		api.POST("/verify", s.handleVerify)
		api.POST("/stop", s.handleStop)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("API server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.log.Info("API server stopped")
	return nil
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.FullPath(),
		"status":  c.Writer.Status(),
		"latency": time.Since(start),
	}).Debug("api request")
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	st := s.control.Status()

	status := "healthy"
	switch st.Phase {
	case miner.PhaseFailed:
		status = "degraded"
	case miner.PhaseIdle:
		status = "starting"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:  status,
		Phase:   string(st.Phase),
		Backend: st.Backend,
		Loaded:  st.Device != nil,
		Uptime:  time.Since(s.startTime).String(),
	})
}

// handleMetrics handles metrics requests
func (s *Server) handleMetrics(c *gin.Context) {
	st := s.control.Status()
	c.JSON(http.StatusOK, MetricsResponse{
		Phase:          string(st.Phase),
		Platform:       st.Platform,
		Epoch:          st.Epoch,
		HaveEpoch:      st.HaveEpoch,
		DagSize:        st.DagSize,
		DAGChunksDone:  st.DAGChunksDone,
		DAGChunksTotal: st.DAGChunksTotal,
		DAGSeconds:     st.DAGDuration.Seconds(),
		Target:         fmt.Sprintf("0x%016x", st.Target),
		StartNonce:     st.StartNonce,
		CurrentNonce:   st.CurrentNonce,
		GlobalWorkSize: st.GlobalWorkSize,
		LocalWorkSize:  st.Settings.LocalWorkSize,
		Passes:         st.Passes,
		HashRateMHs:    st.HashRate,
		LastError:      st.LastError,
	})
}

func (s *Server) handleDevice(c *gin.Context) {
	st := s.control.Status()
	if st.Device == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "kernel not loaded"})
		return
	}
	c.JSON(http.StatusOK, DeviceResponse{
		Platform: st.Platform,
		Binary:   st.Binary,
		Device:   *st.Device,
	})
}

func (s *Server) handleSolution(c *gin.Context) {
	st := s.control.Status()
	if st.Outcome == nil || !st.Outcome.SolutionFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "no solution found yet"})
		return
	}
	c.JSON(http.StatusOK, SolutionResponse{
		Nonce:    st.Outcome.Nonce,
		NonceHex: fmt.Sprintf("0x%016x", st.Outcome.Nonce),
		MixHash:  ethash.FormatHash(st.Outcome.MixHash),
		FoundAt:  st.FoundAt.Format(time.RFC3339),
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var fields [3][32]byte
	for i, raw := range []string{req.Header, req.MixHash, req.Boundary} {
		h, err := ethash.ParseHash(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fields[i] = h
	}

	valid := s.control.Verify(fields[0], fields[1], req.Nonce, fields[2])
	s.log.WithFields(logrus.Fields{"nonce": req.Nonce, "valid": valid}).Info("Verify requested")
	c.JSON(http.StatusOK, VerifyResponse{Valid: valid})
}

func (s *Server) handleStop(c *gin.Context) {
	stopped := s.control.Stop()
	if stopped {
		s.log.Info("Search stop requested")
	}
	c.JSON(http.StatusOK, StopResponse{Stopped: stopped})
}
