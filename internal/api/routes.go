package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quarve/tickstream-go/internal/health"
	"github.com/quarve/tickstream-go/internal/ratelimit"
	"github.com/quarve/tickstream-go/internal/services"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Deps carries everything the ops endpoints read. All fields are required
// except Monitor, which may be nil when resource sampling is disabled.
type Deps struct {
	Collector *services.Collector
	Monitor   *services.ResourceMonitor
	Health    *health.Registry
	Limits    *ratelimit.Registry
	DB        Pinger
	Redis     Pinger
	Version   string
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Pipeline string `json:"pipeline"`
}

// StatusResponse is the full operational picture: pipeline topology,
// component health, limiter budgets, and host resource pressure.
type StatusResponse struct {
	Collector  services.Status                   `json:"collector"`
	Components map[string]health.ComponentHealth `json:"components"`
	Limits     map[string]ratelimit.Stats        `json:"limits"`
	Resources  services.ResourceSnapshot         `json:"resources"`
}

// SetupRoutes registers the health probe and the status surface.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", healthCheck(deps))

	status := router.Group("/status")
	{
		status.GET("", getStatus(deps))
		status.GET("/connections", getConnections(deps))
		status.GET("/backfill", getBackfill(deps))
		status.GET("/limits", getLimits(deps))
		status.GET("/components", getComponents(deps))
		status.GET("/storage", getStorage(deps))
	}
}

// healthCheck reports degraded with a 503 when a dependency is unreachable
// or any pipeline component is failed over, so orchestrators can route
// around the instance until the cooldown lifts.
func healthCheck(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Version:   deps.Version,
			Services: Services{
				Database: "ok",
				Redis:    "ok",
				Pipeline: "ok",
			},
		}

		if err := deps.DB.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Database = "error"
			response.Status = "degraded"
		}
		if err := deps.Redis.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Redis = "error"
			response.Status = "degraded"
		}
		if deps.Health.AnyFailedOver() {
			response.Services.Pipeline = "failed_over"
			response.Status = "degraded"
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, response)
	}
}

func getStatus(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := StatusResponse{
			Collector:  deps.Collector.GetStatus(),
			Components: deps.Health.StatusAll(),
			Limits:     deps.Limits.StatsAll(),
		}
		if deps.Monitor != nil {
			response.Resources = deps.Monitor.Snapshot()
		}
		c.JSON(http.StatusOK, response)
	}
}

func getConnections(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": deps.Collector.GetConnectionStats()})
	}
}

func getBackfill(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"backfills": deps.Collector.BackfillStatus()})
	}
}

func getLimits(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"limits": deps.Limits.StatsAll()})
	}
}

func getComponents(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"components": deps.Health.StatusAll()})
	}
}

func getStorage(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"trades": deps.Collector.TradeCounts(c.Request.Context())})
	}
}
