package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthController reports whether the service dependencies are reachable.
type HealthController struct {
	checks []HealthCheck
}

// NewHealthController creates a controller running checks on every request.
func NewHealthController(checks ...HealthCheck) *HealthController {
	return &HealthController{checks: checks}
}

// RegisterRoutes mounts /healthz under r.
func (h *HealthController) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.Health)
}

func (h *HealthController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			results[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": results})
}
