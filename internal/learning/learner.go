package learning

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// DefaultInterval is how often the learning loop wakes up.
const DefaultInterval = time.Hour

// errBackoff is slept after a failed cycle before the next attempt.
const errBackoff = 5 * time.Minute

// minTrainableSamples below this, a cycle is skipped silently.
const minTrainableSamples = 10

// trainableMetrics selects which ring samples feed the model.
var trainableMetrics = map[string]bool{
	models.MetricTaskExecutionTime: true,
	models.MetricSuccessRate:       true,
}

// StatusSetter transitions the owning agent between ACTIVE and LEARNING.
type StatusSetter interface {
	SetStatus(status models.AgentStatus)
	Status() models.AgentStatus
}

// DefaultLearningRate is reported when no rate is configured.
const DefaultLearningRate = 0.01

// Learner periodically retrains the agent's predictive model once
// enough samples have accumulated.
type Learner struct {
	agentID   string
	recorder  *metrics.Recorder
	model     *Model
	status    StatusSetter
	interval  time.Duration
	batchSize int
	// rate is the configured optimizer step size. The closed-form fit
	// does not iterate, so the value is reported, not consumed.
	rate float64
}

// NewLearner creates a learning loop for one agent. interval <= 0 uses
// DefaultInterval, rate <= 0 uses DefaultLearningRate.
func NewLearner(agentID string, rec *metrics.Recorder, model *Model, status StatusSetter, interval time.Duration, batchSize int, rate float64) *Learner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if rate <= 0 {
		rate = DefaultLearningRate
	}
	return &Learner{
		agentID:   agentID,
		recorder:  rec,
		model:     model,
		status:    status,
		interval:  interval,
		batchSize: batchSize,
		rate:      rate,
	}
}

// LearningRate returns the configured rate.
func (l *Learner) LearningRate() float64 { return l.rate }

// Run executes learning cycles until ctx is canceled or the agent
// leaves the running states. Blocks; callers run it in a goroutine.
func (l *Learner) Run(ctx context.Context) {
	log.Info().
		Str("agent", l.agentID).
		Dur("interval", l.interval).
		Int("batch_size", l.batchSize).
		Float64("learning_rate", l.rate).
		Msg("Learning loop started")

	wait := l.interval
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("agent", l.agentID).Msg("Learning loop stopped")
			return
		case <-time.After(wait):
		}

		if s := l.status.Status(); s != models.AgentActive {
			if s == models.AgentInactive {
				log.Info().Str("agent", l.agentID).Msg("Learning loop stopped")
				return
			}
			wait = l.interval
			continue
		}

		if err := l.Cycle(ctx); err != nil {
			log.Error().Err(err).Str("agent", l.agentID).Msg("Learning cycle failed")
			wait = errBackoff
			continue
		}
		wait = l.interval
	}
}

// Cycle performs one learning pass: if the accumulated sample count has
// reached the batch size, retrain the model on all trainable samples
// and record the reconstruction error. The agent's status is LEARNING
// for the duration of training and is restored to ACTIVE
// unconditionally, even when training fails.
func (l *Learner) Cycle(ctx context.Context) error {
	if l.recorder.Len() < l.batchSize {
		return nil
	}

	samples := l.recorder.Trainable(trainableMetrics)
	if len(samples) < minTrainableSamples {
		return nil
	}

	l.status.SetStatus(models.AgentLearning)
	defer l.status.SetStatus(models.AgentActive)

	mse, err := l.model.Fit(samples)
	if err != nil {
		log.Error().Err(err).
			Str("agent", l.agentID).
			Int("samples", len(samples)).
			Msg("Model training failed")
		return nil // contained: status restore is all that matters
	}

	l.recorder.Record(ctx, models.MetricModelMSE, mse, nil)
	log.Info().
		Str("agent", l.agentID).
		Int("samples", len(samples)).
		Float64("mse", mse).
		Msg("Model retrained")
	return nil
}
