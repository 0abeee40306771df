// Package monitor implements the per-agent performance monitor loop:
// periodic collection of observability metrics, threshold evaluation
// over recent samples, and advisory recovery hooks on breach.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// DefaultInterval is the monitoring cycle period.
const DefaultInterval = 5 * time.Minute

// errBackoff is slept after a failed cycle before retrying. The monitor
// never terminates on error while its context is live.
const errBackoff = time.Minute

// thresholdWindow is how many recent samples feed a threshold mean.
const thresholdWindow = 10

// RecoveryHook is invoked when a metric's recent mean falls below its
// threshold. Hooks are advisory: log, throttle task acceptance, or
// adjust config. A panicking hook is contained and logged.
type RecoveryHook func(metricName string, mean, threshold float64)

// Monitor samples scheduler and recorder state on a fixed interval.
type Monitor struct {
	agentID    string
	recorder   *metrics.Recorder
	queueDepth func() int
	thresholds map[string]float64
	hooks      map[string]RecoveryHook
	interval   time.Duration
}

// New creates a monitor for one agent. queueDepth reports the
// scheduler's current backlog; thresholds maps metric names to the
// minimum acceptable recent mean. interval <= 0 uses DefaultInterval.
func New(agentID string, rec *metrics.Recorder, queueDepth func() int, thresholds map[string]float64, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		agentID:    agentID,
		recorder:   rec,
		queueDepth: queueDepth,
		thresholds: thresholds,
		hooks:      make(map[string]RecoveryHook),
		interval:   interval,
	}
}

// OnBreach registers a recovery hook for a metric. Without a hook, a
// breach is logged only.
func (m *Monitor) OnBreach(metricName string, hook RecoveryHook) {
	m.hooks[metricName] = hook
}

// Run executes monitoring cycles until ctx is canceled. Blocks; callers
// run it in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().
		Str("agent", m.agentID).
		Dur("interval", m.interval).
		Msg("Performance monitor started")

	wait := m.interval
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("agent", m.agentID).Msg("Performance monitor stopped")
			return
		case <-time.After(wait):
		}

		if err := m.Cycle(ctx); err != nil {
			log.Error().Err(err).Str("agent", m.agentID).Msg("Monitor cycle failed")
			wait = errBackoff
			continue
		}
		wait = m.interval
	}
}

// Cycle performs one monitoring pass: collect, persist, evaluate.
func (m *Monitor) Cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor cycle panicked: %v", r)
		}
	}()

	for name, value := range m.collect() {
		m.recorder.Record(ctx, name, value, nil)
	}
	m.checkThresholds()
	return nil
}

// collect gathers the current observability metrics.
func (m *Monitor) collect() map[string]float64 {
	return map[string]float64{
		models.MetricQueueSize:       float64(m.queueDepth()),
		models.MetricSampleCount:     float64(m.recorder.Len()),
		models.MetricTimeSinceUpdate: time.Since(m.recorder.LastUpdate()).Seconds(),
	}
}

// higherIsWorse flips the comparison for metrics where a large value
// signals trouble: their threshold is a ceiling, not a floor.
var higherIsWorse = map[string]bool{
	models.MetricTaskFailureRate:   true,
	models.MetricTaskExecutionTime: true,
	models.MetricQueueSize:         true,
	models.MetricTimeSinceUpdate:   true,
}

// checkThresholds evaluates each configured threshold against the mean
// of the metric's recent samples and fires the recovery hook on breach.
func (m *Monitor) checkThresholds() {
	for metricName, threshold := range m.thresholds {
		mean, ok := m.recorder.Mean(metricName, thresholdWindow)
		if !ok {
			continue
		}
		breached := mean < threshold
		if higherIsWorse[metricName] {
			breached = mean > threshold
		}
		if breached {
			log.Warn().
				Str("agent", m.agentID).
				Str("metric", metricName).
				Float64("mean", mean).
				Float64("threshold", threshold).
				Msg("Performance threshold breach")
			m.fireHook(metricName, mean, threshold)
		}
	}
}

// fireHook invokes the metric's recovery hook, containing panics.
func (m *Monitor) fireHook(metricName string, mean, threshold float64) {
	hook, ok := m.hooks[metricName]
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("agent", m.agentID).
				Str("metric", metricName).
				Interface("panic", r).
				Msg("Recovery hook panicked")
		}
	}()
	hook(metricName, mean, threshold)
}
