package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stagehand/stagehand/models"
)

// Redis channels
const (
	// ChannelDeployments carries one message per deployment lifecycle
	// change for dashboards and other services to subscribe to.
	ChannelDeployments = "stagehand:deployments"
)

var (
	client *redis.Client
	once   sync.Once
)

// Initialize sets up the Redis client and tests the connection
func Initialize(redisURL string) error {
	var initErr error
	once.Do(func() {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			initErr = fmt.Errorf("invalid redis URL: %w", err)
			return
		}
		client = redis.NewClient(opts)

		// Test connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client = nil
			initErr = fmt.Errorf("failed to connect to Redis: %w", err)
		}
	})
	return initErr
}

// Enabled reports whether event publishing is wired up. Everything else
// works without Redis; subscribers just see nothing.
func Enabled() bool {
	return client != nil
}

// deploymentMessage is the wire form published on ChannelDeployments.
type deploymentMessage struct {
	DeploymentID string    `json:"deploymentId"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	State        string    `json:"state"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// PublishDeploymentState announces the current state of an attempt.
// Best-effort: failures are logged and swallowed so a flaky broker
// cannot fail a deployment.
func PublishDeploymentState(ctx context.Context, status *models.DeploymentStatus) {
	if client == nil {
		return
	}

	message, err := json.Marshal(deploymentMessage{
		DeploymentID: status.ID,
		Name:         status.Name,
		Version:      status.Version,
		State:        string(status.State),
		Endpoint:     status.Endpoint,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		log.Println("Error encoding deployment message:", err)
		return
	}

	if err := client.Publish(ctx, ChannelDeployments, message).Err(); err != nil {
		log.Println("Error publishing deployment message:", err)
	}
}

// Close releases the client connection.
func Close() {
	if client != nil {
		client.Close()
		client = nil
	}
}
