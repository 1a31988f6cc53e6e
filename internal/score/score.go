// Package score maintains the decaying per-user risk score and its discrete
// risk level. Scores combine detection observations through configurable
// weights, decay exponentially with idle time, and always stay in [0,1].
package score

import (
	"time"

	"mirage/internal/detect"
)

// RiskLevel buckets a score into a discrete threat class.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// observationHistoryCap bounds the recent-observation list per user.
const observationHistoryCap = 10

// UserScore is the per-user risk record. One record per user, created lazily
// on first observation.
type UserScore struct {
	UserID             uint32
	CurrentScore       float64
	RiskLevel          RiskLevel
	RecentObservations []detect.Observation
	LastUpdate         time.Time
}

// Weights parameterize the scoring formula:
// newObsWeight = alpha·rateAnomaly + beta·patternAnomaly + gamma·persistence,
// decayed = score·exp(−lambda·Δt), feedback nudges by delta·value.
type Weights struct {
	Alpha  float64
	Beta   float64
	Gamma  float64
	Delta  float64
	Lambda float64
}

// DefaultWeights returns the standard scoring weights.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.3, Beta: 0.3, Gamma: 0.2, Delta: 0.2, Lambda: 0.1}
}

// Thresholds are the upper score bounds of each risk band; anything above
// HighMax is critical.
type Thresholds struct {
	LowMax    float64
	MediumMax float64
	HighMax   float64
}

// DefaultThresholds returns the standard risk bands.
func DefaultThresholds() Thresholds {
	return Thresholds{LowMax: 0.3, MediumMax: 0.6, HighMax: 0.85}
}

// Classify maps a score to its band.
func (t Thresholds) Classify(score float64) RiskLevel {
	switch {
	case score <= t.LowMax:
		return RiskLow
	case score <= t.MediumMax:
		return RiskMedium
	case score <= t.HighMax:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Scorer computes a user's new raw score from an observation; the result is
// clamped to [0,1] by the manager. Installing a Scorer fully replaces the
// default decay-and-accumulate formula.
type Scorer interface {
	Score(userID uint32, obs detect.Observation, current UserScore) float64
}

// Classifier derives the risk level from a score. Installing a Classifier
// makes its result authoritative over the threshold bands.
type Classifier interface {
	Classify(userID uint32, score float64) RiskLevel
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(userID uint32, obs detect.Observation, current UserScore) float64

func (f ScorerFunc) Score(userID uint32, obs detect.Observation, current UserScore) float64 {
	return f(userID, obs, current)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(userID uint32, score float64) RiskLevel

func (f ClassifierFunc) Classify(userID uint32, score float64) RiskLevel {
	return f(userID, score)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
