package v1

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stagehand/stagehand/database"
	"github.com/stagehand/stagehand/dto"
	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/repositories"
	"github.com/stagehand/stagehand/services"
	"github.com/stagehand/stagehand/utils"
)

// DeploymentController exposes the deployment engine over HTTP.
type DeploymentController struct {
	engine  *services.DeploymentService
	archive *repositories.DeploymentArchive
	presets map[string]models.DeploymentConfig

	// How often the event stream polls for new history events.
	streamInterval time.Duration
}

// NewDeploymentController creates a controller around an engine. The
// archive may be nil when no database is configured; archive-backed
// endpoints then answer 503. Presets may be nil.
func NewDeploymentController(engine *services.DeploymentService, archive *repositories.DeploymentArchive, presets map[string]models.DeploymentConfig) *DeploymentController {
	return &DeploymentController{
		engine:         engine,
		archive:        archive,
		presets:        presets,
		streamInterval: 500 * time.Millisecond,
	}
}

// RegisterRoutes registers deployment routes on the given router group.
func (c *DeploymentController) RegisterRoutes(router *gin.RouterGroup) {
	deployGroup := router.Group("/deployments")
	{
		deployGroup.POST("", c.Deploy)
		deployGroup.GET("", c.ListDeployments)
		deployGroup.GET("/:id", c.GetDeployment)
		deployGroup.GET("/:id/info", c.GetDeploymentInfo)
		deployGroup.GET("/:id/events", c.StreamEvents)
		deployGroup.POST("/:id/scale", c.ScaleDeployment)
		deployGroup.POST("/:id/rollback", c.RollbackDeployment)
	}

	workloadGroup := router.Group("/workloads")
	{
		workloadGroup.GET("/:name/stats", c.GetWorkloadStats)
		workloadGroup.GET("/:name/history", c.GetWorkloadHistory)
	}

	router.GET("/presets", c.ListPresets)
}

// RegisterAdminRoutes registers archive maintenance routes. Callers are
// expected to guard the group with the admin middleware.
func (c *DeploymentController) RegisterAdminRoutes(router *gin.RouterGroup) {
	router.GET("/archive", c.ListArchive)
	router.DELETE("/archive", c.PruneArchive)
}

// Deploy handles POST /deployments. The request optionally names a
// preset to merge under the submitted config, and "wait" switches to
// synchronous execution.
func (c *DeploymentController) Deploy(ctx *gin.Context) {
	var req dto.DeployRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Invalid request body",
			"error":   err.Error(),
		})
		return
	}

	config := req.Config
	if req.Preset != "" {
		preset, ok := c.presets[req.Preset]
		if !ok {
			ctx.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": fmt.Sprintf("Unknown preset: %s", req.Preset),
			})
			return
		}
		config = models.MergePreset(preset, config)
	}

	if req.Wait {
		status, err := c.engine.Deploy(ctx.Request.Context(), config, req.Artifact)
		if status == nil {
			ctx.JSON(statusCodeFor(err), gin.H{
				"status":  "error",
				"message": "Deployment rejected",
				"error":   err.Error(),
			})
			return
		}
		// The attempt ran to a terminal state. A failed rollout still
		// returns the status; the error rides along for the caller.
		resp := gin.H{"status": "success", "data": status}
		if err != nil {
			resp["status"] = "error"
			resp["error"] = err.Error()
		}
		ctx.JSON(http.StatusOK, resp)
		return
	}

	status, err := c.engine.DeployAsync(ctx.Request.Context(), config, req.Artifact)
	if err != nil {
		ctx.JSON(statusCodeFor(err), gin.H{
			"status":  "error",
			"message": "Deployment rejected",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"status": "success", "data": status})
}

// ListDeployments handles GET /deployments, optionally filtered with
// ?provider=.
func (c *DeploymentController) ListDeployments(ctx *gin.Context) {
	records := c.engine.ListDeployments(ctx.Query("provider"))

	summaries := make([]dto.DeploymentSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, dto.NewDeploymentSummary(rec))
	}

	ctx.JSON(http.StatusOK, gin.H{
		"status": "success",
		"count":  len(summaries),
		"data":   summaries,
	})
}

// GetDeployment handles GET /deployments/:id with a full status
// snapshot including the event log. Attempts evicted from the history
// ring are served from the archive when one is configured.
func (c *DeploymentController) GetDeployment(ctx *gin.Context) {
	id := ctx.Param("id")
	status, err := c.engine.GetStatus(id)
	if err == nil {
		ctx.JSON(http.StatusOK, gin.H{"status": "success", "data": status})
		return
	}

	if c.archive != nil && database.Available() {
		if row, archiveErr := c.archive.FindByID(id); archiveErr == nil {
			ctx.JSON(http.StatusOK, gin.H{"status": "success", "data": row, "archived": true})
			return
		}
	}

	ctx.JSON(http.StatusNotFound, gin.H{
		"status":  "error",
		"message": "Deployment not found",
		"error":   err.Error(),
	})
}

// GetDeploymentInfo handles GET /deployments/:id/info with the
// provider's live view of the workload.
func (c *DeploymentController) GetDeploymentInfo(ctx *gin.Context) {
	info, err := c.engine.GetDeploymentInfo(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		ctx.JSON(statusCodeFor(err), gin.H{
			"status":  "error",
			"message": "Failed to fetch deployment info",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "data": dto.NewDeploymentInfoResponse(info)})
}

// ScaleDeployment handles POST /deployments/:id/scale.
func (c *DeploymentController) ScaleDeployment(ctx *gin.Context) {
	var req dto.ScaleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Invalid request body",
			"error":   err.Error(),
		})
		return
	}

	id := ctx.Param("id")
	if err := c.engine.Scale(ctx.Request.Context(), id, *req.Replicas); err != nil {
		ctx.JSON(statusCodeFor(err), gin.H{
			"status":  "error",
			"message": "Scaling failed",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Scaled deployment %s to %d replicas", id, *req.Replicas),
	})
}

// RollbackDeployment handles POST /deployments/:id/rollback. Rollback
// is best effort: the response reports whether it happened, mirroring
// the engine's contract.
func (c *DeploymentController) RollbackDeployment(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, err := c.engine.GetStatus(id); err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{
			"status":  "error",
			"message": "Deployment not found",
			"error":   err.Error(),
		})
		return
	}

	rolledBack := c.engine.Rollback(ctx.Request.Context(), id)
	result := dto.RollbackResponse{DeploymentID: id, RolledBack: rolledBack}
	if !rolledBack {
		ctx.JSON(http.StatusConflict, gin.H{
			"status":  "error",
			"message": "Rollback not possible for this deployment",
			"data":    result,
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "data": result})
}

// StreamEvents handles GET /deployments/:id/events as a server-sent
// event stream. Each frame is one history event; the stream ends when
// the deployment reaches a terminal state or the client hangs up.
func (c *DeploymentController) StreamEvents(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, err := c.engine.GetStatus(id); err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{
			"status":  "error",
			"message": "Deployment not found",
			"error":   err.Error(),
		})
		return
	}

	ctx.Writer.Header().Set("Content-Type", "text/event-stream")
	ctx.Writer.Header().Set("Cache-Control", "no-cache")
	ctx.Writer.Header().Set("Connection", "keep-alive")
	ctx.Writer.Header().Set("Transfer-Encoding", "chunked")

	flusher, ok := ctx.Writer.(http.Flusher)
	if !ok {
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Streaming not supported",
		})
		return
	}

	ticker := time.NewTicker(c.streamInterval)
	defer ticker.Stop()

	sent := 0
	for {
		status, err := c.engine.GetStatus(id)
		if err != nil {
			// Evicted from the ring while streaming.
			utils.WriteSSEMessage(ctx.Writer, "deployment no longer in history")
			flusher.Flush()
			return
		}

		for _, event := range status.EventsSince(sent) {
			utils.WriteSSEJSON(ctx.Writer, event)
		}
		sent = status.EventCount()
		flusher.Flush()

		if status.State.Terminal() {
			utils.WriteSSEJSON(ctx.Writer, gin.H{"state": status.State, "final": true})
			flusher.Flush()
			return
		}

		select {
		case <-ctx.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// ListPresets handles GET /presets with the names of the server-side
// deployment presets.
func (c *DeploymentController) ListPresets(ctx *gin.Context) {
	names := make([]string, 0, len(c.presets))
	for name := range c.presets {
		names = append(names, name)
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "data": names})
}

// GetWorkloadStats handles GET /workloads/:name/stats with the archived
// success rate for one workload.
func (c *DeploymentController) GetWorkloadStats(ctx *gin.Context) {
	if !c.archiveReady(ctx) {
		return
	}

	name := ctx.Param("name")
	rate, err := c.archive.GetSuccessRate(name)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to compute success rate",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   dto.SuccessRateResponse{Name: name, SuccessRate: rate},
	})
}

// GetWorkloadHistory handles GET /workloads/:name/history with the
// archived attempts for one workload, newest first.
func (c *DeploymentController) GetWorkloadHistory(ctx *gin.Context) {
	if !c.archiveReady(ctx) {
		return
	}

	rows, err := c.archive.FindByName(ctx.Param("name"))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to fetch workload history",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "count": len(rows), "data": rows})
}

// ListArchive handles GET /admin/archive across all workloads,
// optionally capped with ?limit=.
func (c *DeploymentController) ListArchive(ctx *gin.Context) {
	if !c.archiveReady(ctx) {
		return
	}

	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Invalid limit parameter",
		})
		return
	}

	rows, err := c.archive.FindAll(limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to fetch archive",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "count": len(rows), "data": rows})
}

// PruneArchive handles DELETE /admin/archive?days=N, deleting archived
// attempts older than N days (default 30).
func (c *DeploymentController) PruneArchive(ctx *gin.Context) {
	if !c.archiveReady(ctx) {
		return
	}

	days, err := strconv.Atoi(ctx.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Invalid days parameter",
		})
		return
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	pruned, err := c.archive.PruneBefore(cutoff)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to prune archive",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Pruned %d archived deployments", pruned),
	})
}

// archiveReady answers 503 and returns false when no archive database
// is wired up.
func (c *DeploymentController) archiveReady(ctx *gin.Context) bool {
	if c.archive == nil || !database.Available() {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "Deployment archive is not configured",
		})
		return false
	}
	return true
}

// statusCodeFor maps engine errors onto HTTP status codes.
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDeploymentConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
