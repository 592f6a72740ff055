// Package api is the HTTP surface: health, incident readback, approval
// decision intake, watcher control, and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/coordinator"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/metrics"
	"github.com/arome3/vigil/pkg/store"
)

// Server wires the HTTP handlers.
type Server struct {
	store   store.Store
	machine *incident.Machine
	audit   *audit.Recorder
	watcher *coordinator.Watcher
	metrics *metrics.Metrics

	// baseCtx is the process-lifetime context a restarted watcher runs
	// under; a request context would cancel the loop when the request ends.
	baseCtx context.Context
}

// NewServer creates the API server. baseCtx governs watcher restarts.
func NewServer(baseCtx context.Context, s store.Store, machine *incident.Machine, rec *audit.Recorder, watcher *coordinator.Watcher, m *metrics.Metrics) *Server {
	return &Server{store: s, machine: machine, audit: rec, watcher: watcher, metrics: m, baseCtx: baseCtx}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/incidents/:id", s.handleGetIncident)
		v1.GET("/incidents/:id/actions", s.handleGetActions)
		v1.POST("/approvals", s.handlePostApproval)
		v1.POST("/watcher/start", s.handleWatcherStart)
		v1.POST("/watcher/stop", s.handleWatcherStop)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	polls, pollErrors := s.watcher.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"watcher": gin.H{
			"running":     s.watcher.Running(),
			"polls":       polls,
			"poll_errors": pollErrors,
		},
	})
}

func (s *Server) handleGetIncident(c *gin.Context) {
	inc, err := s.machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) handleGetActions(c *gin.Context) {
	records, err := s.audit.ForIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident_id": c.Param("id"), "actions": records})
}

// approvalRequest is the decision body a human (or chat integration) posts.
type approvalRequest struct {
	IncidentID string `json:"incident_id" binding:"required"`
	ActionID   string `json:"action_id" binding:"required"`
	Value      string `json:"value" binding:"required"`
	User       string `json:"user" binding:"required"`
}

var approvalValues = map[string]bool{
	"approve": true, "approved": true,
	"reject": true, "rejected": true,
	"more_info": true,
}

func (s *Server) handlePostApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !approvalValues[req.Value] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be one of approve, approved, reject, rejected, more_info"})
		return
	}

	id, err := s.store.Index(c.Request.Context(), store.IndexApprovalResponses, "", map[string]any{
		"incident_id": req.IncidentID,
		"action_id":   req.ActionID,
		"value":       req.Value,
		"user":        req.User,
		"@timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}, store.WithRefreshWait())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleWatcherStart(c *gin.Context) {
	if err := s.watcher.Start(s.baseCtx); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleWatcherStop(c *gin.Context) {
	s.watcher.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}
