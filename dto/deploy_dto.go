package dto

import (
	"time"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/utils"
)

// DeployRequest is the body of POST /deployments. Config carries the
// declarative deployment; preset optionally names a server-side base to
// merge it over. Wait switches to synchronous execution: the response
// then carries the terminal status instead of the admitted one.
type DeployRequest struct {
	Config   models.DeploymentConfig `json:"config"`
	Artifact string                  `json:"artifact" binding:"required"`
	Preset   string                  `json:"preset"`
	Wait     bool                    `json:"wait"`
}

// ScaleRequest resizes a deployed fleet. Pointer so an explicit zero
// binds.
type ScaleRequest struct {
	Replicas *int `json:"replicas" binding:"required"`
}

// DeploymentSummary is the compact list row for GET /deployments.
type DeploymentSummary struct {
	ID                string                    `json:"id"`
	Name              string                    `json:"name"`
	Version           string                    `json:"version"`
	Strategy          models.DeploymentStrategy `json:"strategy"`
	Provider          string                    `json:"provider"`
	State             models.DeploymentState    `json:"state"`
	StartTime         time.Time                 `json:"startTime"`
	EndTime           *time.Time                `json:"endTime,omitempty"`
	ReplicasReady     int                       `json:"replicasReady"`
	ReplicasTotal     int                       `json:"replicasTotal"`
	Endpoint          string                    `json:"endpoint,omitempty"`
	RollbackAvailable bool                      `json:"rollbackAvailable"`
}

// NewDeploymentSummary flattens a history record for listing.
func NewDeploymentSummary(rec *models.DeploymentRecord) DeploymentSummary {
	st := rec.Status
	return DeploymentSummary{
		ID:                st.ID,
		Name:              st.Name,
		Version:           st.Version,
		Strategy:          st.Strategy,
		Provider:          st.Provider,
		State:             st.State,
		StartTime:         st.StartTime,
		EndTime:           st.EndTime,
		ReplicasReady:     st.ReplicasReady,
		ReplicasTotal:     st.ReplicasTotal,
		Endpoint:          st.Endpoint,
		RollbackAvailable: st.RollbackAvailable,
	}
}

// DeploymentInfoResponse is the flattened provider view served by
// GET /deployments/:id/info.
type DeploymentInfoResponse struct {
	Name              string `json:"name"`
	Namespace         string `json:"namespace,omitempty"`
	Image             string `json:"image,omitempty"`
	Replicas          int    `json:"replicas"`
	ReadyReplicas     int    `json:"readyReplicas"`
	UpdatedReplicas   int    `json:"updatedReplicas"`
	AvailableReplicas int    `json:"availableReplicas"`
	Endpoint          string `json:"endpoint,omitempty"`
}

// NewDeploymentInfoResponse picks the known keys out of a provider info
// map.
func NewDeploymentInfoResponse(info map[string]interface{}) DeploymentInfoResponse {
	return DeploymentInfoResponse{
		Name:              utils.GetString(info, "name"),
		Namespace:         utils.GetString(info, "namespace"),
		Image:             utils.GetString(info, "image"),
		Replicas:          utils.GetInt(info, "replicas"),
		ReadyReplicas:     utils.GetInt(info, "readyReplicas"),
		UpdatedReplicas:   utils.GetInt(info, "updatedReplicas"),
		AvailableReplicas: utils.GetInt(info, "availableReplicas"),
		Endpoint:          utils.GetString(info, "endpoint"),
	}
}

// RollbackResponse reports the outcome of a rollback request.
type RollbackResponse struct {
	DeploymentID string `json:"deploymentId"`
	RolledBack   bool   `json:"rolledBack"`
}

// SuccessRateResponse reports a workload's archived success rate.
type SuccessRateResponse struct {
	Name        string  `json:"name"`
	SuccessRate float64 `json:"successRate"`
}
