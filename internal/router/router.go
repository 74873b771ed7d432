package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewEngine assembles the gin engine: global middleware, health probes, the
// admin/metrics surface, and the catch-all proxy route. Mirrors the
// teacher's NewRouter structure (Recovery + request-id + CORS as global
// middleware, probes registered alongside the rest, NoRoute as a JSON 404)
// but without the teacher's path-lowercasing wrapper — collection names and
// ids here are case-sensitive backend identifiers, not Jellyfin's
// case-insensitive route segments, so lowercasing them would corrupt writes.
func NewEngine(rt *Router, admin *AdminHandler, events *EventHub, reg *prometheus.Registry, underPressure MemoryPressureFunc) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	r.GET("/status", admin.Status)
	r.GET("/wal/status", admin.WALStatus)
	r.POST("/wal/cleanup", admin.WALCleanup)
	r.GET("/collection/mappings", admin.ListMappings)
	r.DELETE("/collection/mappings/:name", admin.DeleteMapping)
	r.GET("/transaction/safety/status", admin.TransactionSafetyStatus)
	r.GET("/transaction/safety/transaction/:id", admin.GetTransaction)
	r.POST("/transaction/safety/recovery/trigger", admin.TriggerRecovery)
	r.POST("/transaction/safety/cleanup", admin.TransactionSafetyCleanup)
	r.GET("/admin/events", events.Handler())

	proxy := r.Group("/")
	proxy.Use(backPressure(underPressure))
	proxy.Any("/api/v2/*path", rt.ServeProxy)
	proxy.Any("/collections/*path", rt.ServeProxy)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return r
}
