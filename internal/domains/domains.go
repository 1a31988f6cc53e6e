// Package domains owns the partitioning of users and proxies into shuffle
// domains. A user or proxy belongs to at most one domain at a time; every
// mutation goes through the Manager so the membership invariant holds.
package domains

import (
	"time"
)

// Domain is one shuffle domain. Snapshots returned by the Manager are copies;
// mutating them has no effect on manager state.
type Domain struct {
	ID               uint32
	Name             string
	Users            []uint32
	Proxies          []uint32
	LoadFactor       float64
	ShuffleFrequency time.Duration
	CreatedAt        time.Time
}

// Thresholds bound domain size and drive rebalancing.
type Thresholds struct {
	SplitLoad  float64
	MergeLoad  float64
	MinProxies int
	MaxProxies int
	MinUsers   int
	MaxUsers   int
}

// DefaultThresholds returns the standard domain sizing thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SplitLoad:  0.8,
		MergeLoad:  0.2,
		MinProxies: 2,
		MaxProxies: 20,
		MinUsers:   10,
		MaxUsers:   500,
	}
}

// AssignmentMode selects the built-in user-to-domain placement policy.
type AssignmentMode int

const (
	// AssignHash places users by hash(userID) mod domain count over the
	// sorted domain id list, so placement is deterministic and repeatable.
	AssignHash AssignmentMode = iota
	// AssignLoadAware places users on the domain with the lowest load factor.
	AssignLoadAware
)

// AssignmentStrategy is the pluggable placement policy. It receives a copy of
// the full domain table and returns the target domain id, 0 to refuse.
type AssignmentStrategy interface {
	Assign(userID uint32, domains map[uint32]Domain) uint32
}

// AssignmentStrategyFunc adapts a function to the AssignmentStrategy
// interface.
type AssignmentStrategyFunc func(userID uint32, domains map[uint32]Domain) uint32

func (f AssignmentStrategyFunc) Assign(userID uint32, domains map[uint32]Domain) uint32 {
	return f(userID, domains)
}
