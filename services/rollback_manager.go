package services

import (
	"context"
	"fmt"
	"log"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
	"github.com/stagehand/stagehand/repositories"
)

// RollbackManager reverts a deployment to its recorded previous
// version. It makes exactly one attempt and reports plain success or
// failure; it never raises, because rollback runs inside failure paths
// where a second error must not replace the first.
type RollbackManager struct {
	history  *repositories.HistoryStore
	registry *providers.Registry
}

func NewRollbackManager(history *repositories.HistoryStore, registry *providers.Registry) *RollbackManager {
	return &RollbackManager{
		history:  history,
		registry: registry,
	}
}

// Rollback reverts the attempt identified by deploymentID. Returns
// false without touching the provider when no rollback target is
// recorded. A failed attempt that rolls back cleanly moves to
// RolledBack; completed attempts keep their state, the revert only
// changes what the provider runs.
func (m *RollbackManager) Rollback(ctx context.Context, deploymentID string) bool {
	rec, err := m.history.FindByID(deploymentID)
	if err != nil {
		log.Println("Rollback requested for unknown deployment:", deploymentID)
		return false
	}

	status := rec.Status
	snap := status.Clone()
	if !snap.RollbackAvailable || snap.PreviousVersion == "" {
		log.Printf("No rollback target for %s (%s)", rec.Config.Name, deploymentID)
		return false
	}

	provider, err := m.registry.Get(rec.Config.Provider)
	if err != nil {
		log.Println("Rollback cannot resolve provider:", err)
		status.AppendEvent(string(snap.State), models.EventError, "rollback failed: "+err.Error())
		return false
	}

	if err := provider.Rollback(ctx, rec.Config.Name, snap.PreviousVersion); err != nil {
		log.Printf("Error rolling back %s to %s: %v", rec.Config.Name, snap.PreviousVersion, err)
		status.AppendEvent(string(snap.State), models.EventError,
			fmt.Sprintf("rollback to %s failed: %v", snap.PreviousVersion, err))
		return false
	}

	if snap.State == models.StateFailed {
		status.SetState(models.StateRolledBack)
	}
	status.AppendEvent(string(status.CurrentState()), models.EventInfo,
		fmt.Sprintf("rolled back %s to %s", rec.Config.Name, snap.PreviousVersion))
	log.Printf("✅ Rolled back %s to %s", rec.Config.Name, snap.PreviousVersion)
	return true
}
