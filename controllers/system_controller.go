package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketdata_backend/services/advisor"
	"marketdata_backend/services/breaker"
	"marketdata_backend/services/broadcast"
	"marketdata_backend/services/cache"
	"marketdata_backend/services/partition"
)

// SystemController exposes engine introspection: partition health, cache
// statistics, circuit breaker state and query performance percentiles.
type SystemController struct {
	parts *partition.Manager
	store *cache.Store
	brk   *breaker.Breaker
	adv   *advisor.Advisor
	hub   *broadcast.Hub
}

// NewSystemController creates a new system controller.
func NewSystemController(parts *partition.Manager, store *cache.Store,
	brk *breaker.Breaker, adv *advisor.Advisor, hub *broadcast.Hub) *SystemController {
	return &SystemController{parts: parts, store: store, brk: brk, adv: adv, hub: hub}
}

// Partitions handles GET /api/v1/system/partitions
func (sc *SystemController) Partitions(c *gin.Context) {
	health, err := sc.parts.AllHealth()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": health})
}

// PartitionList handles GET /api/v1/system/partitions/:table
func (sc *SystemController) PartitionList(c *gin.Context) {
	table := c.Param("table")
	parts, err := sc.parts.ListPartitions(table)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": parts})
}

// Cache handles GET /api/v1/system/cache
func (sc *SystemController) Cache(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": sc.store.Stats()})
}

// Breaker handles GET /api/v1/system/breaker
func (sc *SystemController) Breaker(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": sc.brk.Stats()})
}

// Performance handles GET /api/v1/system/performance
func (sc *SystemController) Performance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": sc.adv.BuildReport()})
}

// Progress handles GET /ws/progress, upgrading to a websocket subscription
// on the progress event stream.
func (sc *SystemController) Progress(c *gin.Context) {
	sc.hub.HandleWebSocket(c.Writer, c.Request)
}

// Subscribers handles GET /api/v1/system/subscribers
func (sc *SystemController) Subscribers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"subscribers":     sc.hub.SubscriberCount(),
		"max_subscribers": broadcast.MaxClients,
	}})
}
