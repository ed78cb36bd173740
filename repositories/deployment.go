package repositories

import (
	"errors"
	"fmt"
	"time"

	"github.com/stagehand/stagehand/database"
	"github.com/stagehand/stagehand/models"
	"gorm.io/gorm"
)

// DeploymentArchive persists finished deployment attempts to the
// database. The in-memory history store stays authoritative for the
// engine; the archive is the durable trail behind it, so writes happen
// best-effort after state changes.
type DeploymentArchive struct{}

// NewDeploymentArchive creates a new archive repository instance
func NewDeploymentArchive() *DeploymentArchive {
	return &DeploymentArchive{}
}

// Save upserts one attempt. Called when an attempt is admitted and
// again at every terminal transition, so the row converges on the final
// state.
func (r *DeploymentArchive) Save(row models.ArchivedDeployment) error {
	result := database.DB.Model(&models.ArchivedDeployment{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"state":            row.State,
			"end_time":         row.EndTime,
			"replicas_ready":   row.ReplicasReady,
			"replicas_total":   row.ReplicasTotal,
			"endpoint":         row.Endpoint,
			"previous_version": row.PreviousVersion,
			"events":           row.Events,
			"metrics":          row.Metrics,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return database.DB.Create(&row).Error
	}
	return nil
}

// FindAll retrieves archived attempts, newest first.
func (r *DeploymentArchive) FindAll(limit int) ([]models.ArchivedDeployment, error) {
	var rows []models.ArchivedDeployment
	query := database.DB.Order("start_time DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	result := query.Find(&rows)
	return rows, result.Error
}

// FindByID retrieves one archived attempt by deployment ID.
func (r *DeploymentArchive) FindByID(id string) (models.ArchivedDeployment, error) {
	var row models.ArchivedDeployment
	result := database.DB.First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return row, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return row, result.Error
}

// FindByName retrieves all archived attempts for a workload, newest
// first.
func (r *DeploymentArchive) FindByName(name string) ([]models.ArchivedDeployment, error) {
	var rows []models.ArchivedDeployment
	result := database.DB.Where("name = ?", name).Order("start_time DESC").Find(&rows)
	return rows, result.Error
}

// GetSuccessRate calculates the fraction of attempts for a workload
// that completed, over everything the archive has seen.
func (r *DeploymentArchive) GetSuccessRate(name string) (float64, error) {
	type Result struct {
		Total      int64
		Successful int64
	}

	var result Result

	err := database.DB.Raw(`
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) as successful
		FROM
			archived_deployments
		WHERE
			name = ?
	`, string(models.StateCompleted), name).Scan(&result).Error

	if err != nil {
		return 0, err
	}

	if result.Total == 0 {
		return 0, nil
	}

	return float64(result.Successful) / float64(result.Total), nil
}

// PruneBefore removes archived attempts that started before the cutoff.
func (r *DeploymentArchive) PruneBefore(cutoff time.Time) (int64, error) {
	result := database.DB.Where("start_time < ?", cutoff).Delete(&models.ArchivedDeployment{})
	return result.RowsAffected, result.Error
}
