// Package events implements the typed notification bus the five MTD
// subsystems coordinate through. Delivery is fully synchronous: Publish
// returns only after every subscriber callback has returned, so ordering
// between a score update and the shuffle decision it triggers is strictly
// sequenced by call order.
package events

import (
	"time"
)

// Type enumerates the control-plane event kinds.
type Type string

const (
	TypeShuffleTriggered  Type = "shuffle_triggered"
	TypeShuffleCompleted  Type = "shuffle_completed"
	TypeDomainSplit       Type = "domain_split"
	TypeDomainMerge       Type = "domain_merge"
	TypeUserMigrated      Type = "user_migrated"
	TypeAttackDetected    Type = "attack_detected"
	TypeAttackStarted     Type = "attack_started"
	TypeAttackStopped     Type = "attack_stopped"
	TypeProxySwitched     Type = "proxy_switched"
	TypeThresholdExceeded Type = "threshold_exceeded"
	TypeScoreUpdated      Type = "score_updated"
)

// Event is the transient notification record carried by the bus. Metadata is
// a flat string map so subscribers stay decoupled from producer types.
//
// SourceNodeID identifies the emitting network node for events injected by
// external publishers such as attack tooling. The control plane's own
// producers leave it zero and name their subject in Metadata instead.
type Event struct {
	Type         Type
	Timestamp    time.Time
	SourceNodeID uint32
	Metadata     map[string]string
}

// New builds an event with an initialized metadata map.
func New(t Type, ts time.Time) Event {
	return Event{Type: t, Timestamp: ts, Metadata: make(map[string]string)}
}

// With adds a metadata entry and returns the event for chaining.
func (e Event) With(key, value string) Event {
	e.Metadata[key] = value
	return e
}
