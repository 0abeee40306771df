// Package metrics implements the per-agent performance sample recorder.
//
// Samples flow in from the scheduler (execution time, failures) and the
// monitor (queue depth, staleness). Each sample is kept in a bounded
// in-memory ring for the learning loop and persisted to the store with
// a short TTL for real-time inspection. Store failures degrade to
// ring-only recording; they never propagate to the caller's loop.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// Ring bounds: the ring accumulates up to ringCapacity samples and is
// trimmed to ringTrimTo on overflow, so recent history survives trims.
const (
	ringCapacity = 1000
	ringTrimTo   = 500
)

// Recorder accumulates performance samples for one agent.
type Recorder struct {
	agentID string
	store   store.MetricStore

	mu      sync.Mutex
	ring    []models.PerformanceSample
	lastAt  time.Time
}

// NewRecorder creates a recorder for the given agent.
func NewRecorder(agentID string, s store.MetricStore) *Recorder {
	return &Recorder{
		agentID: agentID,
		store:   s,
		ring:    make([]models.PerformanceSample, 0, ringTrimTo),
		lastAt:  time.Now(),
	}
}

// Record appends a sample to the ring and persists it. The context map
// is optional and tags the sample (e.g. task_type).
func (r *Recorder) Record(ctx context.Context, metricName string, value float64, sampleCtx map[string]interface{}) {
	sample := models.PerformanceSample{
		AgentID:    r.agentID,
		MetricName: metricName,
		Value:      value,
		Timestamp:  time.Now(),
		Context:    sampleCtx,
	}

	r.mu.Lock()
	r.ring = append(r.ring, sample)
	if len(r.ring) > ringCapacity {
		// Keep the most recent half; copy so the old backing array is freed.
		trimmed := make([]models.PerformanceSample, ringTrimTo, ringCapacity)
		copy(trimmed, r.ring[len(r.ring)-ringTrimTo:])
		r.ring = trimmed
	}
	r.lastAt = sample.Timestamp
	r.mu.Unlock()

	if err := r.store.PutSample(ctx, &sample); err != nil {
		log.Warn().Err(err).
			Str("agent", r.agentID).
			Str("metric", metricName).
			Msg("Failed to persist performance sample")
	}
}

// Len returns the number of samples currently in the ring.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

// LastUpdate returns when the most recent sample was recorded.
func (r *Recorder) LastUpdate() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAt
}

// Recent returns up to n of the newest samples for the given metric,
// newest last.
func (r *Recorder) Recent(metricName string, n int) []models.PerformanceSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.PerformanceSample
	for i := len(r.ring) - 1; i >= 0 && len(out) < n; i-- {
		if r.ring[i].MetricName == metricName {
			out = append(out, r.ring[i])
		}
	}
	// Reverse back to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Trainable returns a copy of every ring sample whose metric name is in
// the given set, in insertion order.
func (r *Recorder) Trainable(metricNames map[string]bool) []models.PerformanceSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.PerformanceSample
	for _, s := range r.ring {
		if metricNames[s.MetricName] {
			out = append(out, s)
		}
	}
	return out
}

// Mean returns the mean of the last n samples of the metric, and false
// when no samples exist.
func (r *Recorder) Mean(metricName string, n int) (float64, bool) {
	recent := r.Recent(metricName, n)
	if len(recent) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range recent {
		sum += s.Value
	}
	return sum / float64(len(recent)), true
}
