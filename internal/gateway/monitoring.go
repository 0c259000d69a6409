package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apix-io/apix/internal/connection"
	"github.com/apix-io/apix/internal/health"
	"github.com/apix-io/apix/internal/router"
	"github.com/apix-io/apix/pkg/queue"
	"github.com/apix-io/apix/pkg/redis"
	"github.com/apix-io/apix/pkg/store"
)

// MonitoringEndpoints exposes the operational HTTP surface: liveness,
// fleet statistics, health alerts, and Prometheus metrics. This is not an
// admin API; nothing here mutates fabric state except alert acknowledgment.
type MonitoringEndpoints struct {
	gateway *Server
	manager *connection.Manager
	router  *router.Router
	monitor *health.Monitor
	queue   *queue.Queue
	broker  *redis.Broker
	store   store.MetaStore
}

// NewMonitoringEndpoints wires the monitoring surface.
func NewMonitoringEndpoints(gw *Server, mgr *connection.Manager, rt *router.Router, mon *health.Monitor, q *queue.Queue, broker *redis.Broker, st store.MetaStore) *MonitoringEndpoints {
	return &MonitoringEndpoints{
		gateway: gw,
		manager: mgr,
		router:  rt,
		monitor: mon,
		queue:   q,
		broker:  broker,
		store:   st,
	}
}

// RegisterRoutes installs the monitoring routes.
func (m *MonitoringEndpoints) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", m.handleHealthz)
	r.GET("/stats", m.handleStats)
	r.GET("/alerts", m.handleAlerts)
	r.POST("/alerts/:id/ack", m.handleAcknowledge)
	r.GET("/presence/:org", m.handlePresence)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (m *MonitoringEndpoints) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{
		"broker": checkStatus(m.broker.Ping(ctx)),
		"store":  checkStatus(m.store.Ping(ctx)),
	}
	status := http.StatusOK
	overall := "healthy"
	for _, v := range checks {
		if v != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
	}
	c.JSON(status, gin.H{
		"status": overall,
		"uptime": m.gateway.Uptime().String(),
		"checks": checks,
	})
}

func checkStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

func (m *MonitoringEndpoints) handleStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	response := gin.H{
		"gateway": gin.H{
			"sockets": m.gateway.SocketCount(),
			"uptime":  m.gateway.Uptime().String(),
		},
		"connections": m.manager.Stats(),
		"routing":     m.router.Stats(),
		"health":      m.monitor.Report(),
	}
	if depths, err := m.queue.Stats(ctx); err == nil {
		response["queues"] = depths
	}
	c.JSON(http.StatusOK, response)
}

func (m *MonitoringEndpoints) handleAlerts(c *gin.Context) {
	alerts := m.monitor.ActiveAlerts()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(alerts),
		"alerts": alerts,
		"trend":  m.monitor.Trend(),
	})
}

// handlePresence lists the live sessions of one organization.
func (m *MonitoringEndpoints) handlePresence(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("org"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization id"})
		return
	}
	sessions := m.manager.GetByOrganization(orgID)
	c.JSON(http.StatusOK, gin.H{
		"organization_id": orgID,
		"count":           len(sessions),
		"sessions":        sessions,
	})
}

func (m *MonitoringEndpoints) handleAcknowledge(c *gin.Context) {
	if err := m.monitor.Acknowledge(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": c.Param("id")})
}
