package detect

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"mirage/internal/clock"
)

// DefaultOutlierThreshold is the z-score beyond which an agent is an outlier.
const DefaultOutlierThreshold = 2.0

// CrossAgentDetector compares the same feature across all registered agents'
// latest stats to spot agents that deviate from the population.
type CrossAgentDetector struct {
	mu     sync.RWMutex
	agents map[uint32]*LocalDetector

	clk    clock.Clock
	logger *slog.Logger
}

// CrossAgentOption configures a CrossAgentDetector.
type CrossAgentOption func(*CrossAgentDetector)

func WithCrossAgentLogger(logger *slog.Logger) CrossAgentOption {
	return func(d *CrossAgentDetector) { d.logger = logger }
}

func NewCrossAgentDetector(clk clock.Clock, opts ...CrossAgentOption) *CrossAgentDetector {
	d := &CrossAgentDetector{
		agents: make(map[uint32]*LocalDetector),
		clk:    clk,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddAgent registers an agent and the local detector holding its stats.
func (d *CrossAgentDetector) AddAgent(agentID uint32, local *LocalDetector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agentID] = local
}

// RemoveAgent unregisters an agent.
func (d *CrossAgentDetector) RemoveAgent(agentID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
}

// Distribution returns each agent's share of total packet rate.
func (d *CrossAgentDetector) Distribution() map[uint32]float64 {
	ids, rates := d.collectRates()

	distribution := make(map[uint32]float64)
	total := 0.0
	for _, r := range rates {
		total += r
	}
	if total <= 0 {
		return distribution
	}
	for i, id := range ids {
		distribution[id] = rates[i] / total
	}
	return distribution
}

// AnalyzePatterns computes a normalized population anomaly score per agent:
// |z|/3 on packet rate, capped at 1.
func (d *CrossAgentDetector) AnalyzePatterns() map[uint32]float64 {
	ids, rates := d.collectRates()

	scores := make(map[uint32]float64)
	if len(ids) == 0 {
		return scores
	}
	mean, stddev := meanStdDev(rates)
	for i, id := range ids {
		scores[id] = math.Min(1.0, math.Abs(zScore(rates[i], mean, stddev))/3.0)
	}
	return scores
}

// IdentifyOutliers returns the agents whose packet rate z-score exceeds the
// threshold, sorted by id.
func (d *CrossAgentDetector) IdentifyOutliers(threshold float64) []uint32 {
	ids, rates := d.collectRates()

	var outliers []uint32
	if len(ids) == 0 {
		return outliers
	}
	mean, stddev := meanStdDev(rates)
	for i, id := range ids {
		if math.Abs(zScore(rates[i], mean, stddev)) > threshold {
			outliers = append(outliers, id)
		}
	}
	return outliers
}

// AnomalyReport returns synthetic observations for agents scoring above 0.5:
// DOS-typed above 0.8, probe-typed otherwise.
func (d *CrossAgentDetector) AnomalyReport() []Observation {
	scores := d.AnalyzePatterns()
	now := d.clk.Now()

	ids := make([]uint32, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var report []Observation
	for _, id := range ids {
		score := scores[id]
		if score <= 0.5 {
			continue
		}
		obs := Observation{
			PatternAnomaly: score,
			Confidence:     score,
			SuspectedType:  AttackProbe,
			Timestamp:      now,
		}
		if score > 0.8 {
			obs.SuspectedType = AttackDOS
		}
		report = append(report, obs)
	}
	return report
}

// collectRates snapshots the registered agents' packet rates in stable id
// order.
func (d *CrossAgentDetector) collectRates() ([]uint32, []float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]uint32, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rates := make([]float64, len(ids))
	for i, id := range ids {
		rates[i] = d.agents[id].Stats(id).PacketRate
	}
	return ids, rates
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0.0, 0.0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	sqSum := 0.0
	for _, v := range values {
		d := v - mean
		sqSum += d * d
	}
	return mean, math.Sqrt(sqSum / float64(len(values)))
}

func zScore(value, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0.0
	}
	return (value - mean) / stddev
}
