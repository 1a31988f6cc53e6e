package detect

import (
	"log/slog"
	"math"
	"sync"

	"mirage/internal/clock"
)

// DefaultWindowSize is the rolling stats window kept per agent.
const DefaultWindowSize = 60

// LocalDetector is the per-agent detector. It keeps a bounded rolling window
// of traffic snapshots per agent and derives z-score based anomalies from it.
// Unknown agents yield zero-valued results, never errors.
type LocalDetector struct {
	mu          sync.RWMutex
	thresholds  Thresholds
	windowSize  int
	latest      map[uint32]TrafficStats
	history     map[uint32][]TrafficStats
	underAttack map[uint32]bool

	clk    clock.Clock
	logger *slog.Logger
}

// LocalOption configures a LocalDetector.
type LocalOption func(*LocalDetector)

func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(d *LocalDetector) { d.logger = logger }
}

func WithWindowSize(n int) LocalOption {
	return func(d *LocalDetector) {
		if n > 0 {
			d.windowSize = n
		}
	}
}

func WithLocalThresholds(t Thresholds) LocalOption {
	return func(d *LocalDetector) { d.thresholds = t }
}

func NewLocalDetector(clk clock.Clock, opts ...LocalOption) *LocalDetector {
	d := &LocalDetector{
		thresholds:  DefaultThresholds(),
		windowSize:  DefaultWindowSize,
		latest:      make(map[uint32]TrafficStats),
		history:     make(map[uint32][]TrafficStats),
		underAttack: make(map[uint32]bool),
		clk:         clk,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// UpdateStats records a traffic snapshot for an agent and appends it to the
// agent's rolling window, evicting the oldest sample at capacity.
func (d *LocalDetector) UpdateStats(agentID uint32, stats TrafficStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest[agentID] = stats
	window := append(d.history[agentID], stats)
	if len(window) > d.windowSize {
		window = window[1:]
	}
	d.history[agentID] = window
}

// Stats returns the latest snapshot for an agent, zero-valued when unknown.
func (d *LocalDetector) Stats(agentID uint32) TrafficStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest[agentID]
}

// Analyze derives an anomaly observation from the agent's current stats and
// rolling window. It also refreshes the agent's under-attack flag.
func (d *LocalDetector) Analyze(agentID uint32) Observation {
	d.mu.Lock()
	defer d.mu.Unlock()

	obs := Observation{Timestamp: d.clk.Now(), SuspectedType: AttackNone}

	stats, ok := d.latest[agentID]
	if !ok {
		return obs
	}

	window := d.history[agentID]
	obs.RateAnomaly = windowZScore(window, stats.PacketRate, func(s TrafficStats) float64 { return s.PacketRate })
	obs.ConnectionAnomaly = windowZScore(window, float64(stats.ActiveConnections), func(s TrafficStats) float64 { return float64(s.ActiveConnections) })

	// Weighted threshold-overshoot score; a term only contributes once its
	// counter exceeds the configured threshold.
	score := 0.0
	if stats.PacketRate > d.thresholds.PacketRate {
		score += 0.4 * (stats.PacketRate / d.thresholds.PacketRate)
	}
	if stats.ByteRate > d.thresholds.ByteRate {
		score += 0.3 * (stats.ByteRate / d.thresholds.ByteRate)
	}
	if float64(stats.ActiveConnections) > d.thresholds.Connections {
		score += 0.3 * (float64(stats.ActiveConnections) / d.thresholds.Connections)
	}
	obs.PatternAnomaly = math.Min(1.0, score)
	// Confidence mirrors the pattern anomaly. Kept as-is from the reference
	// behavior; worth revisiting as an independent metric.
	obs.Confidence = obs.PatternAnomaly

	switch {
	case obs.PatternAnomaly > 0.8 && obs.ConnectionAnomaly > obs.RateAnomaly:
		obs.SuspectedType = AttackSYNFlood
	case obs.PatternAnomaly > 0.8:
		obs.SuspectedType = AttackUDPFlood
	case obs.PatternAnomaly > 0.5:
		obs.SuspectedType = AttackDOS
	}

	d.underAttack[agentID] = obs.PatternAnomaly > d.thresholds.AnomalyScore
	return obs
}

// IsUnderAttack reports the flag recorded by the most recent Analyze call.
func (d *LocalDetector) IsUnderAttack(agentID uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.underAttack[agentID]
}

// ResetStats forgets everything known about an agent.
func (d *LocalDetector) ResetStats(agentID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.latest, agentID)
	delete(d.history, agentID)
	delete(d.underAttack, agentID)
}

// MonitoredAgents lists every agent with recorded stats.
func (d *LocalDetector) MonitoredAgents() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agents := make([]uint32, 0, len(d.latest))
	for id := range d.latest {
		agents = append(agents, id)
	}
	return agents
}

// SetThresholds replaces the detection thresholds.
func (d *LocalDetector) SetThresholds(t Thresholds) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = t
}

// Thresholds returns the active detection thresholds.
func (d *LocalDetector) Thresholds() Thresholds {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thresholds
}

// windowZScore computes |current-mean|/stddev over the window for one
// feature, normalized by 3 and capped to [0,1]. Windows with fewer than two
// samples or zero variance score 0.
func windowZScore(window []TrafficStats, current float64, feature func(TrafficStats) float64) float64 {
	if len(window) < 2 {
		return 0.0
	}
	sum := 0.0
	for _, s := range window {
		sum += feature(s)
	}
	mean := sum / float64(len(window))

	sqSum := 0.0
	for _, s := range window {
		d := feature(s) - mean
		sqSum += d * d
	}
	stddev := math.Sqrt(sqSum / float64(len(window)))
	if stddev == 0 {
		return 0.0
	}
	z := math.Abs(current-mean) / stddev
	return math.Min(1.0, z/3.0)
}
