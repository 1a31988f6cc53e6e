// Package detect turns externally supplied traffic counters into normalized
// anomaly observations. Three escalating detectors share one data contract:
// the local detector watches a single agent's history, the cross-agent
// detector compares agents against each other, and the global detector
// classifies observations against trained attack centroids.
package detect

import "time"

// AttackType classifies the suspected attack behind an observation.
type AttackType string

const (
	AttackNone         AttackType = "none"
	AttackDOS          AttackType = "dos"
	AttackProbe        AttackType = "probe"
	AttackPortScan     AttackType = "port_scan"
	AttackRouteMonitor AttackType = "route_monitor"
	AttackSYNFlood     AttackType = "syn_flood"
	AttackUDPFlood     AttackType = "udp_flood"
	AttackHTTPFlood    AttackType = "http_flood"
)

// attackTypeOrder maps the numeric labels used in training datasets to types.
var attackTypeOrder = []AttackType{
	AttackNone, AttackDOS, AttackProbe, AttackPortScan,
	AttackRouteMonitor, AttackSYNFlood, AttackUDPFlood, AttackHTTPFlood,
}

// attackTypeFromLabel resolves a dataset label; out-of-range labels map to
// none.
func attackTypeFromLabel(label int) AttackType {
	if label < 0 || label >= len(attackTypeOrder) {
		return AttackNone
	}
	return attackTypeOrder[label]
}

// TrafficStats is the aggregate counter snapshot pushed in by the traffic
// collaborator. The core never reads packets directly.
type TrafficStats struct {
	PacketsIn         uint64
	PacketsOut        uint64
	BytesIn           uint64
	BytesOut          uint64
	PacketRate        float64
	ByteRate          float64
	ActiveConnections uint32
	AvgLatency        float64
}

// Observation is an immutable normalized anomaly record. All anomaly fields
// are in [0,1].
type Observation struct {
	RateAnomaly       float64
	ConnectionAnomaly float64
	PatternAnomaly    float64
	PersistenceFactor float64
	SuspectedType     AttackType
	Confidence        float64
	Timestamp         time.Time
}

// Thresholds configure local detection. Values are accepted as given;
// results are clamped, not the configuration.
type Thresholds struct {
	PacketRate   float64
	ByteRate     float64
	Connections  float64
	AnomalyScore float64
}

// DefaultThresholds returns the standard detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PacketRate:   10000.0,
		ByteRate:     10000000.0,
		Connections:  1000.0,
		AnomalyScore: 0.7,
	}
}
