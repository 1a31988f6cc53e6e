package score

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"mirage/internal/clock"
	"mirage/internal/detect"
	"mirage/internal/events"
	"mirage/internal/platform/metrics"
)

// Manager owns the user score table. Consumers only ever call
// UpdateScore/GetScore/GetRiskLevel and must not assume the default formula:
// both the scoring step and the classification step are pluggable.
type Manager struct {
	mu         sync.Mutex
	users      map[uint32]*UserScore
	weights    Weights
	thresholds Thresholds
	scorer     Scorer
	classifier Classifier

	bus    *events.Bus
	clk    clock.Clock
	logger *slog.Logger
	mtx    *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mtx *metrics.Metrics) Option {
	return func(m *Manager) { m.mtx = mtx }
}

func WithWeights(w Weights) Option {
	return func(m *Manager) { m.weights = w }
}

func WithThresholds(t Thresholds) Option {
	return func(m *Manager) { m.thresholds = t }
}

func NewManager(bus *events.Bus, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		users:      make(map[uint32]*UserScore),
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		bus:        bus,
		clk:        clk,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpdateScore folds an observation into the user's score: decay the current
// score by idle time, add the weighted observation, clamp to [0,1],
// reclassify, append the observation to the bounded history and publish
// SCORE_UPDATED. The record is created lazily on first observation.
func (m *Manager) UpdateScore(userID uint32, obs detect.Observation) {
	m.mu.Lock()
	user, ok := m.users[userID]
	if !ok {
		user = &UserScore{UserID: userID, RiskLevel: RiskLow}
		m.users[userID] = user
	}

	now := m.clk.Now()
	var newScore float64
	if m.scorer != nil {
		newScore = m.scorer.Score(userID, obs, *user)
	} else {
		newScore = m.defaultScoreLocked(user, obs, now)
	}
	user.CurrentScore = clampScore(newScore)
	user.RiskLevel = m.classifyLocked(userID, user.CurrentScore)
	user.LastUpdate = now

	user.RecentObservations = append(user.RecentObservations, obs)
	if len(user.RecentObservations) > observationHistoryCap {
		user.RecentObservations = user.RecentObservations[1:]
	}

	score, level := user.CurrentScore, user.RiskLevel
	m.mu.Unlock()

	m.mtx.IncScoreUpdate()
	if level == RiskCritical {
		m.logger.Warn("user reached critical risk", "userId", userID, "score", score)
	}
	m.publishScoreUpdated(userID, score, level, now)
}

// ApplyTimeDecay decays every tracked user's score by the given idle
// duration and reclassifies. Used for idle-time decay sweeps; publishes
// nothing.
func (m *Manager) ApplyTimeDecay(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	factor := math.Exp(-m.weights.Lambda * dt.Seconds())
	for userID, user := range m.users {
		user.CurrentScore = clampScore(user.CurrentScore * factor)
		user.RiskLevel = m.classifyLocked(userID, user.CurrentScore)
	}
}

// ApplyFeedback nudges an existing user's score by delta*value, the
// correction channel for false positives and negatives. Untracked users are
// a no-op.
func (m *Manager) ApplyFeedback(userID uint32, value float64) {
	m.mu.Lock()
	user, ok := m.users[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	user.CurrentScore = clampScore(user.CurrentScore + m.weights.Delta*value)
	user.RiskLevel = m.classifyLocked(userID, user.CurrentScore)
	now := m.clk.Now()
	score, level := user.CurrentScore, user.RiskLevel
	m.mu.Unlock()

	m.publishScoreUpdated(userID, score, level, now)
}

// GetScore returns the user's current score, 0 when untracked.
func (m *Manager) GetScore(userID uint32) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		return user.CurrentScore
	}
	return 0.0
}

// GetRiskLevel returns the user's risk level, low when untracked.
func (m *Manager) GetRiskLevel(userID uint32) RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		return user.RiskLevel
	}
	return RiskLow
}

// GetUserScore returns a copy of the full record; untracked users yield a
// zero-score low-risk record.
func (m *Manager) GetUserScore(userID uint32) UserScore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		out := *user
		out.RecentObservations = append([]detect.Observation(nil), user.RecentObservations...)
		return out
	}
	return UserScore{UserID: userID, RiskLevel: RiskLow}
}

// UsersByRiskLevel lists tracked users currently in the given band, sorted.
func (m *Manager) UsersByRiskLevel(level RiskLevel) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []uint32
	for id, user := range m.users {
		if user.RiskLevel == level {
			users = append(users, id)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Distribution counts tracked users per risk band; all bands are present.
func (m *Manager) Distribution() map[RiskLevel]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dist := map[RiskLevel]int{RiskLow: 0, RiskMedium: 0, RiskHigh: 0, RiskCritical: 0}
	for _, user := range m.users {
		dist[user.RiskLevel]++
	}
	return dist
}

// TrackedUsers lists every user with a score record, sorted.
func (m *Manager) TrackedUsers() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]uint32, 0, len(m.users))
	for id := range m.users {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ResetScore drops a user's record entirely.
func (m *Manager) ResetScore(userID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}

// ClearAll drops every record.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[uint32]*UserScore)
}

// SetWeights replaces the scoring weights.
func (m *Manager) SetWeights(w Weights) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weights = w
}

// Weights returns the active scoring weights.
func (m *Manager) Weights() Weights {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights
}

// SetThresholds replaces the risk bands.
func (m *Manager) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// SetScorer installs (or with nil clears) the custom scoring strategy.
func (m *Manager) SetScorer(s Scorer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scorer = s
}

// SetClassifier installs (or with nil clears) the custom risk classifier.
func (m *Manager) SetClassifier(c Classifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifier = c
}

func (m *Manager) defaultScoreLocked(user *UserScore, obs detect.Observation, now time.Time) float64 {
	obsWeight := m.weights.Alpha*obs.RateAnomaly +
		m.weights.Beta*obs.PatternAnomaly +
		m.weights.Gamma*obs.PersistenceFactor

	decayed := user.CurrentScore
	if !user.LastUpdate.IsZero() {
		dt := now.Sub(user.LastUpdate).Seconds()
		decayed *= math.Exp(-m.weights.Lambda * dt)
	}
	return decayed + obsWeight
}

func (m *Manager) classifyLocked(userID uint32, score float64) RiskLevel {
	if m.classifier != nil {
		return m.classifier.Classify(userID, score)
	}
	return m.thresholds.Classify(score)
}

func (m *Manager) publishScoreUpdated(userID uint32, score float64, level RiskLevel, ts time.Time) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(events.TypeScoreUpdated, ts).
		With("userId", strconv.FormatUint(uint64(userID), 10)).
		With("score", strconv.FormatFloat(score, 'f', -1, 64)).
		With("riskLevel", string(level)))
}
