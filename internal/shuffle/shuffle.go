// Package shuffle reassigns users to proxies within a domain. Shuffles run
// on demand or on a self-adjusting periodic schedule whose cadence shortens
// as the domain's average risk rises.
package shuffle

import (
	"time"
)

// Mode selects the proxy-selection policy for a shuffle run.
type Mode string

const (
	ModeRandom        Mode = "random"
	ModeScoreDriven   Mode = "score_driven"
	ModeRoundRobin    Mode = "round_robin"
	ModeAttackerAvoid Mode = "attacker_avoid"
	ModeCustom        Mode = "custom"
)

// assignmentHistoryCap bounds each user's proxy-assignment audit trail.
const assignmentHistoryCap = 100

// Config tunes shuffle cadence and batching.
type Config struct {
	BaseFrequency   time.Duration
	MinFrequency    time.Duration
	MaxFrequency    time.Duration
	RiskFactor      float64
	SessionAffinity bool
	SessionTimeout  time.Duration
	BatchSize       int
}

// DefaultConfig returns the standard shuffle tuning.
func DefaultConfig() Config {
	return Config{
		BaseFrequency:   30 * time.Second,
		MinFrequency:    5 * time.Second,
		MaxFrequency:    120 * time.Second,
		RiskFactor:      1.5,
		SessionAffinity: true,
		SessionTimeout:  300 * time.Second,
		BatchSize:       50,
	}
}

// ProxyAssignment is one committed proxy switch in a user's audit trail.
// SessionPreserved marks a direct assignment that landed while the user's
// affinity window was open; shuffle commits never carry it because affinity
// users are skipped.
type ProxyAssignment struct {
	UserID           uint32
	OldProxyID       uint32
	NewProxyID       uint32
	AssignedAt       time.Time
	SessionPreserved bool
}

// Event is the audit record of one shuffle run.
type Event struct {
	Timestamp     time.Time
	DomainID      uint32
	Mode          Mode
	UsersAffected int
	Duration      time.Duration
	Success       bool
	Reason        string
}

// Stats aggregates shuffle activity counters.
type Stats struct {
	TotalShuffles      uint64
	SuccessfulShuffles uint64
	FailedShuffles     uint64
	UsersReassigned    uint64
	LastShuffle        time.Time
}

// Strategy is the pluggable proxy selector used by ModeCustom. It receives
// the candidate proxy list and the user's current risk score and returns the
// chosen proxy id.
type Strategy interface {
	SelectProxy(userID uint32, proxies []uint32, score float64) uint32
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(userID uint32, proxies []uint32, score float64) uint32

func (f StrategyFunc) SelectProxy(userID uint32, proxies []uint32, score float64) uint32 {
	return f(userID, proxies, score)
}
