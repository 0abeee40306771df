// Package learning implements the per-agent learning loop and the
// lightweight predictive model it retrains.
//
// The model regresses metric values on three features derived from each
// sample: hour of day, day of week, and context complexity (length of
// the serialized sample context). Training is single-writer — only the
// owning agent's learning loop calls Fit — and readers always see a
// complete model via an atomic snapshot swap.
package learning

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// DefaultPrediction is returned before any training has happened.
const DefaultPrediction = 0.5

const featureCount = 3

// ErrInsufficientData is returned when a training batch is too small to fit.
var ErrInsufficientData = errors.New("learning: insufficient training data")

// snapshot is one immutable fitted model: weights for the three
// features plus an intercept.
type snapshot struct {
	weights   [featureCount]float64
	intercept float64
	trainedAt time.Time
	samples   int
}

// Model predicts a metric value from time-of-day and context features.
// Fit replaces the active snapshot atomically; Predict never blocks.
type Model struct {
	current atomic.Pointer[snapshot]
}

// NewModel creates an untrained model.
func NewModel() *Model {
	return &Model{}
}

// Features extracts the model's feature vector from a sample.
func Features(s *models.PerformanceSample) [featureCount]float64 {
	return [featureCount]float64{
		float64(s.Timestamp.Hour()),
		float64(s.Timestamp.Weekday()),
		contextComplexity(s.Context),
	}
}

// contextComplexity approximates how rich a sample's context is by the
// length of its rendered form.
func contextComplexity(ctx map[string]interface{}) float64 {
	if len(ctx) == 0 {
		return 0
	}
	return float64(len(fmt.Sprint(ctx)))
}

// Fit trains a least-squares linear fit on the given samples, swaps it
// in as the active snapshot, and returns the mean squared error over
// the training batch. At least featureCount+1 samples are required.
func (m *Model) Fit(samples []models.PerformanceSample) (float64, error) {
	if len(samples) <= featureCount {
		return 0, ErrInsufficientData
	}

	rows := make([][featureCount]float64, len(samples))
	targets := make([]float64, len(samples))
	for i := range samples {
		rows[i] = Features(&samples[i])
		targets[i] = samples[i].Value
	}

	weights, intercept, err := solveLeastSquares(rows, targets)
	if err != nil {
		return 0, err
	}

	snap := &snapshot{
		weights:   weights,
		intercept: intercept,
		trainedAt: time.Now(),
		samples:   len(samples),
	}

	var sumSq float64
	for i := range rows {
		pred := snap.predict(rows[i])
		diff := pred - targets[i]
		sumSq += diff * diff
	}
	mse := sumSq / float64(len(rows))

	m.current.Store(snap)
	return mse, nil
}

// Predict returns the model's estimate for the given sample context at
// the current wall-clock time. Untrained models return DefaultPrediction.
func (m *Model) Predict(ctx map[string]interface{}) float64 {
	snap := m.current.Load()
	if snap == nil {
		return DefaultPrediction
	}
	now := time.Now()
	return snap.predict([featureCount]float64{
		float64(now.Hour()),
		float64(now.Weekday()),
		contextComplexity(ctx),
	})
}

// Trained reports whether at least one Fit has completed.
func (m *Model) Trained() bool {
	return m.current.Load() != nil
}

// TrainedAt returns when the active snapshot was fitted, or the zero
// time for an untrained model.
func (m *Model) TrainedAt() time.Time {
	if snap := m.current.Load(); snap != nil {
		return snap.trainedAt
	}
	return time.Time{}
}

func (s *snapshot) predict(features [featureCount]float64) float64 {
	v := s.intercept
	for i, w := range s.weights {
		v += w * features[i]
	}
	return v
}

// solveLeastSquares solves the normal equations for an ordinary
// least-squares fit with intercept, using Gaussian elimination with
// partial pivoting on the (featureCount+1)-dimensional system. A tiny
// ridge term keeps degenerate batches (e.g. all samples in one hour)
// solvable.
func solveLeastSquares(rows [][featureCount]float64, targets []float64) ([featureCount]float64, float64, error) {
	const dim = featureCount + 1
	const ridge = 1e-6

	var ata [dim][dim]float64
	var atb [dim]float64

	for r, row := range rows {
		var aug [dim]float64
		copy(aug[:featureCount], row[:])
		aug[featureCount] = 1 // intercept column
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				ata[i][j] += aug[i] * aug[j]
			}
			atb[i] += aug[i] * targets[r]
		}
	}
	for i := 0; i < dim; i++ {
		ata[i][i] += ridge
	}

	// Gaussian elimination with partial pivoting.
	for col := 0; col < dim; col++ {
		pivot := col
		for r := col + 1; r < dim; r++ {
			if math.Abs(ata[r][col]) > math.Abs(ata[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(ata[pivot][col]) < 1e-12 {
			return [featureCount]float64{}, 0, errors.New("learning: singular feature matrix")
		}
		ata[col], ata[pivot] = ata[pivot], ata[col]
		atb[col], atb[pivot] = atb[pivot], atb[col]

		for r := col + 1; r < dim; r++ {
			factor := ata[r][col] / ata[col][col]
			for c := col; c < dim; c++ {
				ata[r][c] -= factor * ata[col][c]
			}
			atb[r] -= factor * atb[col]
		}
	}

	var solution [dim]float64
	for i := dim - 1; i >= 0; i-- {
		v := atb[i]
		for j := i + 1; j < dim; j++ {
			v -= ata[i][j] * solution[j]
		}
		solution[i] = v / ata[i][i]
	}

	var weights [featureCount]float64
	copy(weights[:], solution[:featureCount])
	return weights, solution[featureCount], nil
}
