package defense

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mirage/internal/clock"
	"mirage/internal/detect"
	"mirage/internal/domains"
	"mirage/internal/events"
	"mirage/internal/platform/metrics"
	"mirage/internal/score"
	"mirage/internal/shuffle"
)

// recentEventWindow is how much bus history a snapshot carries.
const recentEventWindow = 100

// Executor dispatches policy decisions to the owning components. Component
// refusals become recorded failures, never propagated errors, so a policy
// can keep issuing decisions against a moving target.
type Executor struct {
	mu        sync.Mutex
	cfg       Config
	history   []Record
	stats     Stats
	evalTotal time.Duration
	custom    CustomHandler
	evaluator Evaluator
	periodic  *periodicEval

	scores   *score.Manager
	domains  *domains.Manager
	shuffler *shuffle.Controller
	detector *detect.LocalDetector
	bus      *events.Bus
	clk      clock.Clock
	logger   *slog.Logger
	mtx      *metrics.Metrics
	tracer   trace.Tracer
}

type periodicEval struct {
	timer   clock.Timer
	stopped bool
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithMetrics(mtx *metrics.Metrics) Option {
	return func(e *Executor) { e.mtx = mtx }
}

func WithConfig(cfg Config) Option {
	return func(e *Executor) { e.cfg = cfg }
}

func WithEvaluator(ev Evaluator) Option {
	return func(e *Executor) { e.evaluator = ev }
}

func NewExecutor(
	sm *score.Manager,
	dm *domains.Manager,
	sc *shuffle.Controller,
	ld *detect.LocalDetector,
	bus *events.Bus,
	clk clock.Clock,
	opts ...Option,
) *Executor {
	e := &Executor{
		cfg:      DefaultConfig(),
		scores:   sm,
		domains:  dm,
		shuffler: sc,
		detector: ld,
		bus:      bus,
		clk:      clk,
		logger:   slog.Default(),
		tracer:   otel.Tracer("mirage/defense"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute dispatches one decision and records the outcome.
func (e *Executor) Execute(ctx context.Context, d Decision) bool {
	_, span := e.tracer.Start(ctx, "defense.execute",
		trace.WithAttributes(attribute.String("action", string(d.Action))))
	defer span.End()

	success := e.dispatch(d)
	span.SetAttributes(attribute.Bool("success", success))

	now := e.clk.Now()
	e.mu.Lock()
	e.history = append(e.history, Record{Timestamp: now, Decision: d, Success: success})
	if len(e.history) > decisionHistoryCap {
		e.history = e.history[len(e.history)/2:]
	}
	e.stats.Executed++
	if success {
		e.stats.Succeeded++
	} else {
		e.stats.Failed++
	}
	e.mu.Unlock()

	e.mtx.IncDecision(success)
	if !success {
		e.logger.Warn("decision failed", "action", d.Action, "reason", d.Reason)
	}
	return success
}

// ExecuteBatch dispatches up to MaxDecisionsPerEval decisions in order and
// returns the number that succeeded.
func (e *Executor) ExecuteBatch(ctx context.Context, decisions []Decision) int {
	e.mu.Lock()
	limit := e.cfg.MaxDecisionsPerEval
	e.mu.Unlock()
	if limit > 0 && len(decisions) > limit {
		decisions = decisions[:limit]
	}

	succeeded := 0
	for _, d := range decisions {
		if e.Execute(ctx, d) {
			succeeded++
		}
	}
	return succeeded
}

func (e *Executor) dispatch(d Decision) bool {
	switch d.Action {
	case ActionNone:
		return true
	case ActionTriggerShuffle:
		mode := d.ShuffleMode
		if mode == "" {
			mode = shuffle.ModeScoreDriven
		}
		return e.shuffler.TriggerShuffle(d.TargetDomainID, mode).Success
	case ActionMigrateUser:
		return e.domains.MoveUser(d.TargetUserID, d.TargetDomainID)
	case ActionSplitDomain:
		return e.domains.SplitDomain(d.TargetDomainID) != 0
	case ActionMergeDomains:
		return e.domains.MergeDomain(d.TargetDomainID, d.SecondaryDomainID) != 0
	case ActionUpdateScore:
		// Policy-set scores ride the normal update path as a synthetic
		// observation carrying the target score in its rate anomaly.
		e.scores.UpdateScore(d.TargetUserID, detect.Observation{
			RateAnomaly: d.NewScore,
			Timestamp:   e.clk.Now(),
		})
		return true
	case ActionChangeFrequency:
		if _, ok := e.domains.Domain(d.TargetDomainID); !ok {
			return false
		}
		e.shuffler.SetFrequency(d.TargetDomainID, d.NewFrequency)
		return true
	case ActionCustom:
		e.mu.Lock()
		handler := e.custom
		e.mu.Unlock()
		return handler != nil && handler(d)
	default:
		return false
	}
}

// Snapshot assembles the read-only aggregate state used by evaluators and
// the export surface.
func (e *Executor) Snapshot() State {
	state := State{
		Time:         e.clk.Now(),
		Domains:      e.domains.Domains(),
		UserScores:   make(map[uint32]score.UserScore),
		ProxyStats:   make(map[uint32]detect.TrafficStats),
		Observations: make(map[uint32]detect.Observation),
		ShuffleStats: e.shuffler.Stats(),
	}
	for _, userID := range e.scores.TrackedUsers() {
		state.UserScores[userID] = e.scores.GetUserScore(userID)
	}
	for _, agentID := range e.detector.MonitoredAgents() {
		state.ProxyStats[agentID] = e.detector.Stats(agentID)
		state.Observations[agentID] = e.detector.Analyze(agentID)
	}
	if e.bus != nil {
		state.RecentEvents = e.bus.RecentHistory(recentEventWindow)
	}
	return state
}

// TriggerEvaluation snapshots the state, runs the evaluator and executes its
// decisions. Returns the number of successful decisions; without an
// evaluator it is a no-op.
func (e *Executor) TriggerEvaluation(ctx context.Context) int {
	e.mu.Lock()
	evaluator := e.evaluator
	e.mu.Unlock()
	if evaluator == nil {
		return 0
	}

	ctx, span := e.tracer.Start(ctx, "defense.evaluate")
	defer span.End()

	start := time.Now()
	decisions := evaluator.Evaluate(e.Snapshot())
	succeeded := e.ExecuteBatch(ctx, decisions)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.stats.Evaluations++
	e.evalTotal += elapsed
	e.stats.AvgEvaluationTime = e.evalTotal / time.Duration(e.stats.Evaluations)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Int("decisions", len(decisions)),
		attribute.Int("succeeded", succeeded),
	)
	return succeeded
}

// StartPeriodicEvaluation schedules recurring evaluations at the configured
// interval. Starting again restarts the schedule.
func (e *Executor) StartPeriodicEvaluation(ctx context.Context) {
	e.mu.Lock()
	if e.periodic != nil {
		e.periodic.stopped = true
		e.periodic.timer.Cancel()
	}
	state := &periodicEval{}
	e.periodic = state
	interval := e.cfg.EvaluationInterval
	state.timer = e.clk.ScheduleAfter(interval, func() { e.periodicRun(ctx, state) })
	e.mu.Unlock()

	e.logger.Info("periodic evaluation started", "interval", interval)
}

// StopPeriodicEvaluation cancels the recurring evaluation.
func (e *Executor) StopPeriodicEvaluation() {
	e.mu.Lock()
	if e.periodic != nil {
		e.periodic.stopped = true
		e.periodic.timer.Cancel()
		e.periodic = nil
	}
	e.mu.Unlock()
}

func (e *Executor) periodicRun(ctx context.Context, state *periodicEval) {
	e.mu.Lock()
	if state.stopped {
		e.mu.Unlock()
		return
	}
	interval := e.cfg.EvaluationInterval
	e.mu.Unlock()

	e.TriggerEvaluation(ctx)

	e.mu.Lock()
	if !state.stopped {
		state.timer = e.clk.ScheduleAfter(interval, func() { e.periodicRun(ctx, state) })
	}
	e.mu.Unlock()
}

// SetEvaluator installs (or with nil clears) the external policy.
func (e *Executor) SetEvaluator(ev Evaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluator = ev
}

// SetCustomHandler installs (or with nil clears) the ActionCustom handler.
func (e *Executor) SetCustomHandler(h CustomHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom = h
}

// InstallPolicies pushes the pluggable strategies onto their owning
// components; nil fields are skipped.
func (e *Executor) InstallPolicies(p Policies) {
	if p.Scorer != nil {
		e.scores.SetScorer(p.Scorer)
	}
	if p.Classifier != nil {
		e.scores.SetClassifier(p.Classifier)
	}
	if p.ShuffleStrategy != nil {
		e.shuffler.SetStrategy(p.ShuffleStrategy)
	}
	if p.Assignment != nil {
		e.domains.SetAssignmentStrategy(p.Assignment)
	}
}

// ClearPolicies restores every component default.
func (e *Executor) ClearPolicies() {
	e.scores.SetScorer(nil)
	e.scores.SetClassifier(nil)
	e.shuffler.SetStrategy(nil)
	e.domains.SetAssignmentStrategy(nil)
	e.SetCustomHandler(nil)
}

// Policies bundles the pluggable strategies an external policy may install.
type Policies struct {
	Scorer          score.Scorer
	Classifier      score.Classifier
	ShuffleStrategy shuffle.Strategy
	Assignment      domains.AssignmentStrategy
}

// History returns a copy of the audit records, oldest first.
func (e *Executor) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.history))
	copy(out, e.history)
	return out
}

// Stats returns a copy of the execution counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
