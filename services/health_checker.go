package services

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/stagehand/stagehand/models"
)

// HealthChecker probes deployed endpoints over HTTP. A replica counts
// as healthy on the first 200 response; anything else burns one attempt
// from the configured retry budget.
type HealthChecker struct {
	client *http.Client
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		// Per-attempt timeouts come from the health check config; the
		// client itself stays unbounded.
		client: &http.Client{},
	}
}

// Check probes endpoint+path until it answers 200 or the retry budget
// runs out. Attempts are spaced by the configured interval. Returns
// false as soon as the context is cancelled.
func (h *HealthChecker) Check(ctx context.Context, endpoint string, spec models.HealthCheckSpec) bool {
	url := endpoint + spec.Path

	for attempt := 1; attempt <= spec.Retries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if h.probe(ctx, url, spec.Timeout()) {
			return true
		}
		if attempt < spec.Retries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(spec.Interval()):
			}
		}
	}
	log.Printf("⚠️ Health check failed for %s after %d attempts", url, spec.Retries)
	return false
}

func (h *HealthChecker) probe(ctx context.Context, url string, timeout time.Duration) bool {
	probeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
