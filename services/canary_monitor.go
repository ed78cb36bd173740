package services

import (
	"context"
	"log"
	"time"

	"github.com/stagehand/stagehand/models"
)

// canaryErrorRateThreshold is the cumulative failure fraction above
// which a canary is declared unhealthy.
const canaryErrorRateThreshold = 0.10

// defaultCanarySampleInterval is how often the canary endpoint is
// probed during observation.
const defaultCanarySampleInterval = 10 * time.Second

// CanaryMonitor watches a canary fleet for the configured duration and
// decides whether it is safe to promote.
type CanaryMonitor struct {
	checker *HealthChecker

	// sampleInterval is overridable so tests can observe in
	// milliseconds instead of tens of seconds.
	sampleInterval time.Duration
}

func NewCanaryMonitor(checker *HealthChecker) *CanaryMonitor {
	return &CanaryMonitor{
		checker:        checker,
		sampleInterval: defaultCanarySampleInterval,
	}
}

// Observe samples the canary endpoint once per interval until duration
// has elapsed. It returns false early the moment the cumulative error
// rate crosses the threshold; waiting out a failing canary only delays
// the rollback. The returned rate is the final cumulative error rate.
func (m *CanaryMonitor) Observe(ctx context.Context, endpoint string, duration time.Duration, spec models.HealthCheckSpec) (bool, float64) {
	deadline := time.Now().Add(duration)

	var samples, failures int
	for {
		if ctx.Err() != nil {
			return false, errorRate(failures, samples)
		}

		samples++
		if !m.checker.Check(ctx, endpoint, spec) {
			failures++
		}

		rate := errorRate(failures, samples)
		if rate > canaryErrorRateThreshold {
			log.Printf("⚠️ Canary error rate %.2f exceeded threshold after %d samples", rate, samples)
			return false, rate
		}

		if !time.Now().Add(m.sampleInterval).Before(deadline) {
			return true, rate
		}
		select {
		case <-ctx.Done():
			return false, rate
		case <-time.After(m.sampleInterval):
		}
	}
}

func errorRate(failures, samples int) float64 {
	if samples == 0 {
		return 0
	}
	return float64(failures) / float64(samples)
}
