// Package health exposes Fiber health, readiness and liveness endpoints,
// adapted from the teacher's CLI-dependent service probes (ffmpeg, vips,
// LibreOffice, mutool, tesseract) to this pipeline's own collaborators:
// Redis connectivity. Dispatcher workers are not probed.
package health

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"extraction-worker/config"
	"extraction-worker/internal/adapters/secondary/redisrepo"
	"extraction-worker/pkg/metrics"
)

type HealthChecker struct {
	config *config.Config
	redis  *redisrepo.Client
	met    *metrics.Metrics
}

type HealthStatus struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	Redis     RedisInfo  `json:"redis"`
	System    SystemInfo `json:"system"`
}

type RedisInfo struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type SystemInfo struct {
	Environment string `json:"environment"`
	Tier        string `json:"tier"`
}

var startTime = time.Now()

func NewHealthChecker(cfg *config.Config, redis *redisrepo.Client, met *metrics.Metrics) *HealthChecker {
	return &HealthChecker{config: cfg, redis: redis, met: met}
}

func (h *HealthChecker) GetHealthStatus() HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
		System: SystemInfo{
			Environment: h.config.Server.Environment,
			Tier:        string(h.config.Pipeline.Tier),
		},
	}

	h.checkRedis(&status)

	if !status.Redis.Connected {
		status.Status = "unhealthy"
	}
	return status
}

func (h *HealthChecker) checkRedis(status *HealthStatus) {
	if h.redis == nil {
		status.Redis = RedisInfo{Connected: false, Error: "redis client not initialized"}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx); err != nil {
		status.Redis = RedisInfo{Connected: false, Error: err.Error()}
		return
	}
	status.Redis = RedisInfo{Connected: true}
}

func (h *HealthChecker) HealthHandler(c *fiber.Ctx) error {
	health := h.GetHealthStatus()
	statusCode := fiber.StatusOK
	if health.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}
	return c.Status(statusCode).JSON(health)
}

func (h *HealthChecker) ReadinessHandler(c *fiber.Ctx) error {
	health := h.GetHealthStatus()
	if !health.Redis.Connected {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"reason": "redis not available",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ready", "timestamp": time.Now()})
}

func (h *HealthChecker) LivenessHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(startTime).String(),
	})
}
