package shuffle

import (
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"mirage/internal/clock"
	"mirage/internal/domains"
	"mirage/internal/events"
	"mirage/internal/platform/metrics"
	"mirage/internal/score"
)

// Controller owns the user-to-proxy map, the session affinity table and the
// per-domain shuffle schedule. Domain membership and user scores are read
// through the owning managers, never mutated here.
type Controller struct {
	mu          sync.Mutex
	cfg         Config
	assignments map[uint32]uint32
	history     map[uint32][]ProxyAssignment
	shuffleLog  map[uint32][]Event
	sessions    map[uint32]time.Time
	timers      map[uint32]*periodicState
	strategy    Strategy
	stats       Stats
	rng         *rand.Rand

	domains *domains.Manager
	scores  *score.Manager
	bus     *events.Bus
	clk     clock.Clock
	logger  *slog.Logger
	mtx     *metrics.Metrics
}

// periodicState tracks one domain's recurring shuffle so a late timer fire
// after StopPeriodicShuffle is a no-op.
type periodicState struct {
	timer   clock.Timer
	stopped bool
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithMetrics(mtx *metrics.Metrics) Option {
	return func(c *Controller) { c.mtx = mtx }
}

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithRand injects the random source, fixed-seed in tests.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

func NewController(dm *domains.Manager, sm *score.Manager, bus *events.Bus, clk clock.Clock, opts ...Option) *Controller {
	c := &Controller{
		cfg:         DefaultConfig(),
		assignments: make(map[uint32]uint32),
		history:     make(map[uint32][]ProxyAssignment),
		shuffleLog:  make(map[uint32][]Event),
		sessions:    make(map[uint32]time.Time),
		timers:      make(map[uint32]*periodicState),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		domains:     dm,
		scores:      sm,
		bus:         bus,
		clk:         clk,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TriggerShuffle reassigns (a batch of) the domain's users to new proxies
// according to mode and returns the audit record. A domain without users or
// proxies fails immediately with a reason; every run ends with one
// SHUFFLE_COMPLETED event.
func (c *Controller) TriggerShuffle(domainID uint32, mode Mode) Event {
	start := c.clk.Now()
	ev := Event{Timestamp: start, DomainID: domainID, Mode: mode}

	domain, ok := c.domains.Domain(domainID)
	switch {
	case !ok:
		ev.Reason = "domain not found"
	case len(domain.Proxies) == 0:
		ev.Reason = "no proxies in domain"
	case len(domain.Users) == 0:
		ev.Reason = "no users in domain"
	}
	if ev.Reason != "" {
		c.finishShuffle(&ev, start, nil)
		return ev
	}

	c.mu.Lock()
	batch := c.sampleLocked(domain.Users)
	now := c.clk.Now()

	var pending []events.Event
	for _, userID := range batch {
		if c.cfg.SessionAffinity && c.inSessionLocked(userID, now) {
			continue
		}
		current := c.assignments[userID]
		next := c.selectProxyLocked(userID, current, domain.Proxies, mode)
		if next == current || next == 0 {
			continue
		}
		c.commitLocked(userID, current, next, false, now)
		pending = append(pending, c.proxySwitchedEvent(userID, current, next, domainID, now))
		ev.UsersAffected++
	}
	c.mu.Unlock()

	ev.Success = true
	c.finishShuffle(&ev, start, pending)
	return ev
}

// AssignUserToProxy binds a user to a proxy directly, bypassing mode
// selection. Records and publishes only when the proxy actually changes.
func (c *Controller) AssignUserToProxy(userID, proxyID uint32) {
	c.mu.Lock()
	current := c.assignments[userID]
	if current == proxyID {
		c.mu.Unlock()
		return
	}
	now := c.clk.Now()
	domainID := c.domains.DomainOf(userID)
	c.commitLocked(userID, current, proxyID, c.inSessionLocked(userID, now), now)
	ev := c.proxySwitchedEvent(userID, current, proxyID, domainID, now)
	c.mu.Unlock()

	c.mtx.AddUsersReassigned(1)
	c.publish([]events.Event{ev})
}

// CurrentProxy returns the user's assigned proxy, 0 when unassigned.
func (c *Controller) CurrentProxy(userID uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignments[userID]
}

// UserProxyHistory returns a copy of the user's bounded proxy-switch audit
// trail, oldest first. Unknown users have an empty trail.
func (c *Controller) UserProxyHistory(userID uint32) []ProxyAssignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProxyAssignment, len(c.history[userID]))
	copy(out, c.history[userID])
	return out
}

// ShuffleHistory returns the audit records of a domain's past shuffles.
func (c *Controller) ShuffleHistory(domainID uint32) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.shuffleLog[domainID]))
	copy(out, c.shuffleLog[domainID])
	return out
}

// CalculateAdaptiveFrequency derives a domain's shuffle interval from its
// users' mean risk score: base/(1+k·avgRisk), clamped to [min,max]. Higher
// risk shortens the interval.
func (c *Controller) CalculateAdaptiveFrequency(domainID uint32) time.Duration {
	domain, ok := c.domains.Domain(domainID)
	if !ok {
		return c.clampFrequency(c.cfg.BaseFrequency)
	}

	avgRisk := 0.0
	if len(domain.Users) > 0 {
		sum := 0.0
		for _, userID := range domain.Users {
			sum += c.scores.GetScore(userID)
		}
		avgRisk = sum / float64(len(domain.Users))
	}

	f := time.Duration(float64(c.cfg.BaseFrequency) / (1.0 + c.cfg.RiskFactor*avgRisk))
	return c.clampFrequency(f)
}

// SetFrequency clamps and stores a domain's shuffle interval, mirroring it
// into the domain record.
func (c *Controller) SetFrequency(domainID uint32, freq time.Duration) time.Duration {
	clamped := c.clampFrequency(freq)
	c.domains.SetShuffleFrequency(domainID, clamped)
	return clamped
}

// StartPeriodicShuffle schedules a recurring score-driven shuffle at the
// domain's current frequency. After every run the adaptive frequency is
// recomputed and stored, so the cadence tracks the domain's risk. Starting
// an already-scheduled domain restarts its schedule.
func (c *Controller) StartPeriodicShuffle(domainID uint32) {
	freq := c.domains.ShuffleFrequency(domainID)
	if freq <= 0 {
		freq = c.cfg.BaseFrequency
	}

	c.mu.Lock()
	if prev, ok := c.timers[domainID]; ok {
		prev.stopped = true
		prev.timer.Cancel()
	}
	state := &periodicState{}
	c.timers[domainID] = state
	state.timer = c.clk.ScheduleAfter(freq, func() { c.periodicRun(domainID, state) })
	c.mu.Unlock()

	c.logger.Info("periodic shuffle started", "domainId", domainID, "frequency", freq)
}

// StopPeriodicShuffle cancels a domain's recurring shuffle.
func (c *Controller) StopPeriodicShuffle(domainID uint32) {
	c.mu.Lock()
	state, ok := c.timers[domainID]
	if ok {
		state.stopped = true
		state.timer.Cancel()
		delete(c.timers, domainID)
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info("periodic shuffle stopped", "domainId", domainID)
	}
}

// StartSession opens a user's affinity window: while it is younger than the
// session timeout, shuffles skip the user.
func (c *Controller) StartSession(userID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[userID] = c.clk.Now()
}

// EndSession closes a user's affinity window.
func (c *Controller) EndSession(userID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, userID)
}

// IsInActiveSession reports whether the user's affinity window is open.
func (c *Controller) IsInActiveSession(userID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSessionLocked(userID, c.clk.Now())
}

// SetStrategy installs (or with nil clears) the ModeCustom proxy selector.
func (c *Controller) SetStrategy(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategy = s
}

// Stats returns a copy of the activity counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Config returns the active tuning.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) periodicRun(domainID uint32, state *periodicState) {
	c.mu.Lock()
	if state.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.TriggerShuffle(domainID, ModeScoreDriven)
	next := c.SetFrequency(domainID, c.CalculateAdaptiveFrequency(domainID))

	c.mu.Lock()
	if !state.stopped {
		state.timer = c.clk.ScheduleAfter(next, func() { c.periodicRun(domainID, state) })
	}
	c.mu.Unlock()
}

// sampleLocked draws up to batchSize users uniformly via a partial
// Fisher-Yates pass. Smaller sets are returned whole.
func (c *Controller) sampleLocked(users []uint32) []uint32 {
	if len(users) <= c.cfg.BatchSize {
		return users
	}
	pool := append([]uint32(nil), users...)
	for i := 0; i < c.cfg.BatchSize; i++ {
		j := i + c.rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:c.cfg.BatchSize]
}

func (c *Controller) selectProxyLocked(userID, current uint32, proxies []uint32, mode Mode) uint32 {
	switch mode {
	case ModeRandom:
		return proxies[c.rng.Intn(len(proxies))]
	case ModeScoreDriven:
		level := c.scores.GetRiskLevel(userID)
		if level == score.RiskHigh || level == score.RiskCritical {
			return c.pickExcludingLocked(proxies, current)
		}
		return proxies[c.rng.Intn(len(proxies))]
	case ModeRoundRobin:
		for i, p := range proxies {
			if p == current {
				return proxies[(i+1)%len(proxies)]
			}
		}
		return proxies[0]
	case ModeAttackerAvoid:
		return c.pickExcludingLocked(proxies, current)
	case ModeCustom:
		if c.strategy != nil {
			return c.strategy.SelectProxy(userID, proxies, c.scores.GetScore(userID))
		}
		return proxies[c.rng.Intn(len(proxies))]
	default:
		return proxies[c.rng.Intn(len(proxies))]
	}
}

// pickExcludingLocked picks uniformly among proxies other than current; when
// current is the only proxy it is kept.
func (c *Controller) pickExcludingLocked(proxies []uint32, current uint32) uint32 {
	candidates := make([]uint32, 0, len(proxies))
	for _, p := range proxies {
		if p != current {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return current
	}
	return candidates[c.rng.Intn(len(candidates))]
}

func (c *Controller) commitLocked(userID, oldProxy, newProxy uint32, sessionPreserved bool, now time.Time) {
	c.assignments[userID] = newProxy
	c.history[userID] = append(c.history[userID], ProxyAssignment{
		UserID:           userID,
		OldProxyID:       oldProxy,
		NewProxyID:       newProxy,
		AssignedAt:       now,
		SessionPreserved: sessionPreserved,
	})
	if len(c.history[userID]) > assignmentHistoryCap {
		c.history[userID] = c.history[userID][1:]
	}
}

func (c *Controller) clampFrequency(f time.Duration) time.Duration {
	if f < c.cfg.MinFrequency {
		return c.cfg.MinFrequency
	}
	if f > c.cfg.MaxFrequency {
		return c.cfg.MaxFrequency
	}
	return f
}

func (c *Controller) inSessionLocked(userID uint32, now time.Time) bool {
	start, ok := c.sessions[userID]
	return ok && now.Sub(start) < c.cfg.SessionTimeout
}

func (c *Controller) finishShuffle(ev *Event, start time.Time, pending []events.Event) {
	ev.Duration = c.clk.Now().Sub(start)

	c.mu.Lock()
	c.stats.TotalShuffles++
	if ev.Success {
		c.stats.SuccessfulShuffles++
		c.stats.UsersReassigned += uint64(ev.UsersAffected)
	} else {
		c.stats.FailedShuffles++
	}
	c.stats.LastShuffle = ev.Timestamp
	c.shuffleLog[ev.DomainID] = append(c.shuffleLog[ev.DomainID], *ev)
	c.mu.Unlock()

	if !ev.Success {
		c.logger.Warn("shuffle failed", "domainId", ev.DomainID, "reason", ev.Reason)
	}
	c.mtx.IncShuffle(ev.Success)
	c.mtx.AddUsersReassigned(ev.UsersAffected)
	c.mtx.ObserveShuffleDuration(ev.Duration)

	c.publish(pending)
	if c.bus != nil {
		summary := events.New(events.TypeShuffleCompleted, ev.Timestamp).
			With("domainId", formatID(ev.DomainID)).
			With("mode", string(ev.Mode)).
			With("usersAffected", strconv.Itoa(ev.UsersAffected)).
			With("durationMs", strconv.FormatInt(ev.Duration.Milliseconds(), 10)).
			With("success", strconv.FormatBool(ev.Success))
		if ev.Reason != "" {
			summary = summary.With("reason", ev.Reason)
		}
		c.bus.Publish(summary)
	}
}

func (c *Controller) proxySwitchedEvent(userID, oldProxy, newProxy, domainID uint32, now time.Time) events.Event {
	return events.New(events.TypeProxySwitched, now).
		With("userId", formatID(userID)).
		With("oldProxyId", formatID(oldProxy)).
		With("newProxyId", formatID(newProxy)).
		With("domainId", formatID(domainID))
}

func (c *Controller) publish(pending []events.Event) {
	if c.bus == nil {
		return
	}
	for _, ev := range pending {
		c.bus.Publish(ev)
	}
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
