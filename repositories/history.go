package repositories

import (
	"fmt"
	"sync"

	"github.com/stagehand/stagehand/models"
)

// DefaultHistoryCapacity bounds how many deployment records stay
// resident. Older attempts are only available through the archive.
const DefaultHistoryCapacity = 100

// HistoryStore is the bounded in-memory record of deployment attempts,
// newest last. It is the engine's source of truth for conflict scans,
// rollback targets and status lookups; the mutex covers every slice
// operation.
//
// FindByID hands out the live record for engine-internal mutation.
// API-facing readers use Snapshot or List, which return deep copies.
type HistoryStore struct {
	mu       sync.Mutex
	capacity int
	records  []*models.DeploymentRecord
}

// NewHistoryStore creates a store bounded to capacity records.
// Non-positive capacities fall back to DefaultHistoryCapacity.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryStore{
		capacity: capacity,
		records:  make([]*models.DeploymentRecord, 0, capacity),
	}
}

// Append adds a record, evicting the oldest when the store is full.
func (s *HistoryStore) Append(rec *models.DeploymentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if len(s.records) > s.capacity {
		overflow := len(s.records) - s.capacity
		s.records = append(s.records[:0:0], s.records[overflow:]...)
	}
}

// FindByID returns the live record for a deployment ID.
func (s *HistoryStore) FindByID(id string) (*models.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Status.ID == id {
			return s.records[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
}

// ActiveForName returns the newest record for name whose attempt has
// not reached a terminal state, or nil. This is the conflict scan run
// before a new attempt is admitted.
func (s *HistoryStore) ActiveForName(name string) *models.DeploymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.Config.Name == name && !rec.Status.CurrentState().Terminal() {
			return rec
		}
	}
	return nil
}

// LatestCompletedVersion returns the version of the newest completed
// attempt for name. It is the rollback target for the next deployment.
func (s *HistoryStore) LatestCompletedVersion(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.Config.Name == name && rec.Status.CurrentState() == models.StateCompleted {
			return rec.Config.Version, true
		}
	}
	return "", false
}

// Snapshot returns a deep copy of one record, safe to serve to API
// callers while the attempt is still running.
func (s *HistoryStore) Snapshot(id string) (*models.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Status.ID == id {
			return cloneRecord(s.records[i]), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
}

// List returns deep copies of records, newest first, optionally
// filtered by provider name.
func (s *HistoryStore) List(provider string) []*models.DeploymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.DeploymentRecord, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if provider != "" && rec.Config.Provider != provider {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Len reports how many records are currently resident.
func (s *HistoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func cloneRecord(rec *models.DeploymentRecord) *models.DeploymentRecord {
	return &models.DeploymentRecord{
		Config:    rec.Config,
		Status:    rec.Status.Clone(),
		CreatedAt: rec.CreatedAt,
	}
}
