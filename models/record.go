package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// DeploymentRecord pairs the config an attempt ran with and its status.
// Records live in the bounded in-memory history; the status pointer is
// shared with the running engine until the attempt reaches a terminal
// state.
type DeploymentRecord struct {
	Config    DeploymentConfig  `json:"config"`
	Status    *DeploymentStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ConfigJSON custom type for JSON storage
type ConfigJSON DeploymentConfig

func (c ConfigJSON) Value() (driver.Value, error) {
	return json.Marshal(DeploymentConfig(c))
}

func (c *ConfigJSON) Scan(value interface{}) error {
	if value == nil {
		*c = ConfigJSON{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, c)
}

// EventList custom type for JSON storage
type EventList []DeploymentEvent

func (e EventList) Value() (driver.Value, error) {
	return json.Marshal([]DeploymentEvent(e))
}

func (e *EventList) Scan(value interface{}) error {
	if value == nil {
		*e = EventList{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, e)
}

// MetricMap custom type for JSON storage
type MetricMap map[string]float64

func (m MetricMap) Value() (driver.Value, error) {
	return json.Marshal(map[string]float64(m))
}

func (m *MetricMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(map[string]float64)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, m)
}

// ArchivedDeployment is the persisted form of a finished (or in-flight)
// attempt. The in-memory history stays the source of truth for the
// engine; rows here survive restarts and feed reporting queries, so the
// queryable fields are flat columns and the nested parts are jsonb.
type ArchivedDeployment struct {
	ID       string `json:"id" gorm:"primaryKey"`
	Name     string `json:"name" gorm:"not null;index"`
	Version  string `json:"version" gorm:"not null"`
	Provider string `json:"provider" gorm:"type:varchar(40)"`
	Strategy string `json:"strategy" gorm:"type:varchar(20)"`
	State    string `json:"state" gorm:"type:varchar(20);index"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	ReplicasReady   int    `json:"replicasReady"`
	ReplicasTotal   int    `json:"replicasTotal"`
	Endpoint        string `json:"endpoint,omitempty"`
	PreviousVersion string `json:"previousVersion,omitempty"`

	Config  ConfigJSON `json:"config" gorm:"type:jsonb"`
	Events  EventList  `json:"events" gorm:"type:jsonb;default:'[]'"`
	Metrics MetricMap  `json:"metrics" gorm:"type:jsonb;default:'{}'"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewArchivedDeployment flattens a history record into its row form.
// The caller passes a Clone so no live status is read here.
func NewArchivedDeployment(config DeploymentConfig, status *DeploymentStatus) ArchivedDeployment {
	return ArchivedDeployment{
		ID:              status.ID,
		Name:            status.Name,
		Version:         status.Version,
		Provider:        status.Provider,
		Strategy:        string(status.Strategy),
		State:           string(status.State),
		StartTime:       status.StartTime,
		EndTime:         status.EndTime,
		ReplicasReady:   status.ReplicasReady,
		ReplicasTotal:   status.ReplicasTotal,
		Endpoint:        status.Endpoint,
		PreviousVersion: status.PreviousVersion,
		Config:          ConfigJSON(config),
		Events:          EventList(status.Events),
		Metrics:         MetricMap(status.Metrics),
	}
}
