package controller

import (
	"context"
	"strconv"

	"aipilot/internal/arena/model"
	"aipilot/internal/arena/service"
	"aipilot/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	defaultRecentJobs = 20
	maxRecentJobs     = 200
)

// JobReader reads job lifecycle records.
type JobReader interface {
	Get(ctx context.Context, jobID string) (model.JobState, error)
	Recent(ctx context.Context, limit int) ([]model.JobState, error)
}

// StatsReader computes pilot statistics.
type StatsReader interface {
	PilotStats(ctx context.Context, name string) (*service.PilotStats, error)
}

// ArenaController serves read-only match job and pilot views.
type ArenaController struct {
	jobs  JobReader
	stats StatsReader
}

// NewArenaController creates a new controller.
func NewArenaController(jobs JobReader, stats StatsReader) *ArenaController {
	return &ArenaController{jobs: jobs, stats: stats}
}

// RegisterRoutes mounts the arena endpoints under r.
func (h *ArenaController) RegisterRoutes(r gin.IRouter) {
	group := r.Group("/api/v1/arena")
	group.GET("/jobs", h.RecentJobs)
	group.GET("/jobs/:id", h.GetJob)
	group.GET("/pilots/:name/stats", h.GetPilotStats)
}

// GetJob returns the state of one match job.
func (h *ArenaController) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	state, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, state)
}

// RecentJobs lists the most recently updated jobs.
func (h *ArenaController) RecentJobs(c *gin.Context) {
	limit := defaultRecentJobs
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = min(n, maxRecentJobs)
	}
	states, err := h.jobs.Recent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, states)
}

// GetPilotStats returns win and loss statistics for a pilot.
func (h *ArenaController) GetPilotStats(c *gin.Context) {
	stats, err := h.stats.PilotStats(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}
