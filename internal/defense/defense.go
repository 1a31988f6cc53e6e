// Package defense is the execution boundary for external defense policies.
// A policy (scripted or learned) submits decisions; the executor dispatches
// them to the owning components and keeps a bounded audit history.
package defense

import (
	"time"

	"mirage/internal/detect"
	"mirage/internal/domains"
	"mirage/internal/events"
	"mirage/internal/score"
	"mirage/internal/shuffle"
)

// Action enumerates the dispatchable decision kinds.
type Action string

const (
	ActionNone            Action = "no_action"
	ActionTriggerShuffle  Action = "trigger_shuffle"
	ActionMigrateUser     Action = "migrate_user"
	ActionSplitDomain     Action = "split_domain"
	ActionMergeDomains    Action = "merge_domains"
	ActionUpdateScore     Action = "update_score"
	ActionChangeFrequency Action = "change_frequency"
	ActionCustom          Action = "custom"
)

// decisionHistoryCap bounds the audit history; on overflow the oldest half
// is dropped.
const decisionHistoryCap = 10000

// Decision is one instruction from an external policy. Only the fields the
// action reads need to be set.
type Decision struct {
	Action            Action
	TargetDomainID    uint32
	TargetUserID      uint32
	TargetProxyID     uint32
	SecondaryDomainID uint32
	NewScore          float64
	NewFrequency      time.Duration
	ShuffleMode       shuffle.Mode
	Reason            string
}

// Record is one audited execution.
type Record struct {
	Timestamp time.Time
	Decision  Decision
	Success   bool
}

// Stats aggregates execution counters.
type Stats struct {
	Executed          uint64
	Succeeded         uint64
	Failed            uint64
	Evaluations       uint64
	AvgEvaluationTime time.Duration
}

// Config tunes the periodic evaluation loop.
type Config struct {
	EvaluationInterval  time.Duration
	MaxDecisionsPerEval int
}

// DefaultConfig returns the standard evaluation tuning.
func DefaultConfig() Config {
	return Config{
		EvaluationInterval:  time.Second,
		MaxDecisionsPerEval: 10,
	}
}

// State is the read-only aggregate snapshot handed to evaluators and the
// export surface. The core never serializes it; transports do.
type State struct {
	Time         time.Time
	Domains      map[uint32]domains.Domain
	UserScores   map[uint32]score.UserScore
	ProxyStats   map[uint32]detect.TrafficStats
	Observations map[uint32]detect.Observation
	RecentEvents []events.Event
	ShuffleStats shuffle.Stats
}

// Evaluator is the external policy contract: inspect a snapshot, return the
// decisions to execute.
type Evaluator interface {
	Evaluate(state State) []Decision
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(state State) []Decision

func (f EvaluatorFunc) Evaluate(state State) []Decision {
	return f(state)
}

// CustomHandler executes ActionCustom decisions.
type CustomHandler func(d Decision) bool
