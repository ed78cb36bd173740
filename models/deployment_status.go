package models

import (
	"sync"
	"time"
)

// DeploymentState is the lifecycle position of one deployment attempt.
type DeploymentState string

const (
	StateInitializing DeploymentState = "initializing"
	StateValidating   DeploymentState = "validating"
	StatePreChecking  DeploymentState = "prechecking"
	StateExecuting    DeploymentState = "executing"
	StateVerifying    DeploymentState = "verifying"
	StateCompleted    DeploymentState = "completed"
	StateFailed       DeploymentState = "failed"
	StateRolledBack   DeploymentState = "rolledback"
)

// Terminal reports whether the state ends the lifecycle. Failed is
// terminal for the attempt itself; a later rollback moves it to
// RolledBack, which is the only transition out of a terminal state.
func (s DeploymentState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRolledBack
}

// Event severity levels.
const (
	EventInfo  = "info"
	EventError = "error"
)

// DeploymentEvent is one timestamped entry in a deployment's trail.
type DeploymentEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// DeploymentStatus is the live, observable record of one attempt. The
// engine and the running strategy write it while API readers snapshot
// it, so every mutation goes through the locked setters and readers
// take Clone copies.
type DeploymentStatus struct {
	mu sync.Mutex

	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Version  string             `json:"version"`
	Strategy DeploymentStrategy `json:"strategy"`
	Provider string             `json:"provider"`

	State     DeploymentState `json:"state"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`

	ReplicasReady int `json:"replicasReady"`
	ReplicasTotal int `json:"replicasTotal"`

	Endpoint          string `json:"endpoint,omitempty"`
	PreviousVersion   string `json:"previousVersion,omitempty"`
	RollbackAvailable bool   `json:"rollbackAvailable"`

	Events   []DeploymentEvent  `json:"events"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

// NewDeploymentStatus starts a status in Initializing for the given
// attempt.
func NewDeploymentStatus(id string, config DeploymentConfig) *DeploymentStatus {
	return &DeploymentStatus{
		ID:            id,
		Name:          config.Name,
		Version:       config.Version,
		Strategy:      config.Strategy,
		Provider:      config.Provider,
		State:         StateInitializing,
		StartTime:     time.Now().UTC(),
		ReplicasTotal: config.Replicas,
		Events:        []DeploymentEvent{},
	}
}

// SetState moves the lifecycle forward and records the transition as an
// info event.
func (s *DeploymentStatus) SetState(state DeploymentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	s.appendEventLocked(string(state), EventInfo, "entered "+string(state))
	if state.Terminal() && s.EndTime == nil {
		now := time.Now().UTC()
		s.EndTime = &now
	}
}

// CurrentState reads the state under the lock. Used by history scans
// that race with a running deployment.
func (s *DeploymentStatus) CurrentState() DeploymentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// AppendEvent adds one entry to the ordered trail.
func (s *DeploymentStatus) AppendEvent(phase, level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(phase, level, message)
}

func (s *DeploymentStatus) appendEventLocked(phase, level, message string) {
	s.Events = append(s.Events, DeploymentEvent{
		Timestamp: time.Now().UTC(),
		Phase:     phase,
		Level:     level,
		Message:   message,
	})
}

// SetReady records how many replicas have passed readiness and health
// gates so far.
func (s *DeploymentStatus) SetReady(ready int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReplicasReady = ready
}

// SetEndpoint records where the deployed version is reachable.
func (s *DeploymentStatus) SetEndpoint(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Endpoint = endpoint
}

// SetPreviousVersion records the rollback target and flips
// RollbackAvailable accordingly.
func (s *DeploymentStatus) SetPreviousVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PreviousVersion = version
	s.RollbackAvailable = version != ""
}

// SetMetric stores one free-form measurement, e.g. canary error rates.
func (s *DeploymentStatus) SetMetric(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metrics == nil {
		s.Metrics = make(map[string]float64)
	}
	s.Metrics[name] = value
}

// MergeMetadata copies provider result metadata into the status.
func (s *DeploymentStatus) MergeMetadata(meta map[string]string) {
	if len(meta) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		s.Metadata[k] = v
	}
}

// EventCount returns the current length of the trail. Streaming readers
// use it to pick up only new entries.
func (s *DeploymentStatus) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Events)
}

// EventsSince copies the trail entries starting at offset.
func (s *DeploymentStatus) EventsSince(offset int) []DeploymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset >= len(s.Events) {
		return nil
	}
	out := make([]DeploymentEvent, len(s.Events)-offset)
	copy(out, s.Events[offset:])
	return out
}

// Clone returns a deep copy safe to hand to API callers while the
// original keeps changing.
func (s *DeploymentStatus) Clone() *DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &DeploymentStatus{
		ID:                s.ID,
		Name:              s.Name,
		Version:           s.Version,
		Strategy:          s.Strategy,
		Provider:          s.Provider,
		State:             s.State,
		StartTime:         s.StartTime,
		ReplicasReady:     s.ReplicasReady,
		ReplicasTotal:     s.ReplicasTotal,
		Endpoint:          s.Endpoint,
		PreviousVersion:   s.PreviousVersion,
		RollbackAvailable: s.RollbackAvailable,
		Events:            make([]DeploymentEvent, len(s.Events)),
	}
	copy(out.Events, s.Events)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	if s.Metrics != nil {
		out.Metrics = make(map[string]float64, len(s.Metrics))
		for k, v := range s.Metrics {
			out.Metrics[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
