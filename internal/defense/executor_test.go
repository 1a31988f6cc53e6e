package defense

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mirage/internal/clock"
	"mirage/internal/detect"
	"mirage/internal/domains"
	"mirage/internal/events"
	"mirage/internal/score"
	"mirage/internal/shuffle"
)

type ExecutorSuite struct {
	suite.Suite
	ctx      context.Context
	clk      *clock.Manual
	bus      *events.Bus
	scores   *score.Manager
	doms     *domains.Manager
	shuffler *shuffle.Controller
	detector *detect.LocalDetector
	exec     *Executor
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(ExecutorSuite))
}

func (s *ExecutorSuite) SetupTest() {
	s.ctx = context.Background()
	s.clk = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.bus = events.NewBus()
	s.scores = score.NewManager(s.bus, s.clk)
	s.doms = domains.NewManager(s.bus, s.clk)
	s.detector = detect.NewLocalDetector(s.clk)
	s.shuffler = shuffle.NewController(s.doms, s.scores, s.bus, s.clk)
	s.exec = NewExecutor(s.scores, s.doms, s.shuffler, s.detector, s.bus, s.clk)
}

// seedDomain builds a shuffleable domain with users 1..n and proxies 100,200.
func (s *ExecutorSuite) seedDomain(n int) uint32 {
	id := s.doms.CreateDomain("seed")
	for i := 1; i <= n; i++ {
		s.doms.AddUser(id, uint32(i))
	}
	s.doms.AddProxy(id, 100)
	s.doms.AddProxy(id, 200)
	return id
}

func (s *ExecutorSuite) TestExecute() {
	s.Run("no action always succeeds", func() {
		s.True(s.exec.Execute(s.ctx, Decision{Action: ActionNone}))
	})

	s.Run("trigger shuffle succeeds on a populated domain", func() {
		id := s.seedDomain(2)
		s.True(s.exec.Execute(s.ctx, Decision{Action: ActionTriggerShuffle, TargetDomainID: id}))
	})

	s.Run("trigger shuffle on a missing domain is a recorded failure", func() {
		s.False(s.exec.Execute(s.ctx, Decision{Action: ActionTriggerShuffle, TargetDomainID: 404}))
	})

	s.Run("migrate user moves across domains", func() {
		other := s.doms.CreateDomain("other")
		s.True(s.exec.Execute(s.ctx, Decision{Action: ActionMigrateUser, TargetUserID: 1, TargetDomainID: other}))
		s.Equal(other, s.doms.DomainOf(1))
	})

	s.Run("split refusal is a failure without a panic", func() {
		small := s.doms.CreateDomain("small")
		s.False(s.exec.Execute(s.ctx, Decision{Action: ActionSplitDomain, TargetDomainID: small}))
	})

	s.Run("merge folds the secondary domain", func() {
		a := s.doms.CreateDomain("a")
		b := s.doms.CreateDomain("b")
		s.True(s.exec.Execute(s.ctx, Decision{Action: ActionMergeDomains, TargetDomainID: a, SecondaryDomainID: b}))
		_, ok := s.doms.Domain(b)
		s.False(ok)
	})

	s.Run("update score applies the target as a synthetic observation", func() {
		s.True(s.exec.Execute(s.ctx, Decision{Action: ActionUpdateScore, TargetUserID: 9, NewScore: 1.0}))
		// one synthetic observation contributes alpha * newScore
		s.InDelta(0.3, s.scores.GetScore(9), 1e-9)
	})

	s.Run("change frequency requires an existing domain", func() {
		id := s.doms.CreateDomain("freq")
		s.True(s.exec.Execute(s.ctx, Decision{Action: ActionChangeFrequency, TargetDomainID: id, NewFrequency: 60 * time.Second}))
		s.Equal(60*time.Second, s.doms.ShuffleFrequency(id))
		s.False(s.exec.Execute(s.ctx, Decision{Action: ActionChangeFrequency, TargetDomainID: 404}))
	})

	s.Run("custom without a handler fails", func() {
		s.False(s.exec.Execute(s.ctx, Decision{Action: ActionCustom}))
	})

	s.Run("custom dispatches to the installed handler", func() {
		var got Decision
		s.exec.SetCustomHandler(func(d Decision) bool {
			got = d
			return true
		})
		s.True(s.exec.Execute(s.ctx, Decision{Action: ActionCustom, Reason: "drill"}))
		s.Equal("drill", got.Reason)
	})

	s.Run("unknown action fails", func() {
		s.False(s.exec.Execute(s.ctx, Decision{Action: Action("bogus")}))
	})
}

func (s *ExecutorSuite) TestHistoryAndStats() {
	s.Run("every execution is recorded with its outcome", func() {
		s.exec.Execute(s.ctx, Decision{Action: ActionNone})
		s.exec.Execute(s.ctx, Decision{Action: ActionTriggerShuffle, TargetDomainID: 404})

		history := s.exec.History()
		s.Require().Len(history, 2)
		s.True(history[0].Success)
		s.False(history[1].Success)

		stats := s.exec.Stats()
		s.Equal(uint64(2), stats.Executed)
		s.Equal(uint64(1), stats.Succeeded)
		s.Equal(uint64(1), stats.Failed)
	})

	s.Run("history is halved when it overflows", func() {
		for i := 0; i < decisionHistoryCap+1; i++ {
			s.exec.Execute(s.ctx, Decision{Action: ActionNone})
		}
		got := len(s.exec.History())
		s.Greater(got, 0)
		s.Less(got, decisionHistoryCap)
	})
}

func (s *ExecutorSuite) TestExecuteBatch() {
	exec := NewExecutor(s.scores, s.doms, s.shuffler, s.detector, s.bus, s.clk,
		WithConfig(Config{EvaluationInterval: time.Second, MaxDecisionsPerEval: 2}))

	decisions := []Decision{
		{Action: ActionNone},
		{Action: ActionNone},
		{Action: ActionNone},
	}
	s.Equal(2, exec.ExecuteBatch(s.ctx, decisions))
	s.Equal(uint64(2), exec.Stats().Executed)
}

func (s *ExecutorSuite) TestSnapshot() {
	id := s.seedDomain(2)
	s.detector.UpdateStats(7, detect.TrafficStats{PacketRate: 500})
	s.scores.UpdateScore(1, detect.Observation{RateAnomaly: 1})
	s.bus.SetRecording(true)
	s.bus.Publish(events.New(events.TypeAttackDetected, s.clk.Now()))

	state := s.exec.Snapshot()
	s.Equal(s.clk.Now(), state.Time)
	s.Contains(state.Domains, id)
	s.Contains(state.UserScores, uint32(1))
	s.Equal(500.0, state.ProxyStats[7].PacketRate)
	s.Contains(state.Observations, uint32(7))
	s.NotEmpty(state.RecentEvents)
}

func (s *ExecutorSuite) TestTriggerEvaluation() {
	s.Run("without an evaluator nothing runs", func() {
		s.Zero(s.exec.TriggerEvaluation(s.ctx))
		s.Zero(s.exec.Stats().Executed)
	})

	s.Run("evaluator decisions are executed against the snapshot", func() {
		id := s.seedDomain(2)
		s.exec.SetEvaluator(EvaluatorFunc(func(state State) []Decision {
			if len(state.Domains) == 0 {
				return nil
			}
			return []Decision{{Action: ActionTriggerShuffle, TargetDomainID: id}}
		}))
		s.Equal(1, s.exec.TriggerEvaluation(s.ctx))
		s.Equal(uint64(1), s.exec.Stats().Evaluations)
		s.Equal(uint64(1), s.shuffler.Stats().TotalShuffles)
	})
}

func (s *ExecutorSuite) TestPeriodicEvaluation() {
	count := 0
	s.exec.SetEvaluator(EvaluatorFunc(func(State) []Decision {
		count++
		return nil
	}))

	s.Run("fires on the configured interval", func() {
		s.exec.StartPeriodicEvaluation(s.ctx)
		s.clk.Advance(time.Second)
		s.Equal(1, count)
		s.clk.Advance(time.Second)
		s.Equal(2, count)
	})

	s.Run("stop cancels future evaluations", func() {
		s.exec.StopPeriodicEvaluation()
		s.clk.Advance(time.Minute)
		s.Equal(2, count)
	})
}

func (s *ExecutorSuite) TestPolicies() {
	s.exec.InstallPolicies(Policies{
		Scorer: score.ScorerFunc(func(uint32, detect.Observation, score.UserScore) float64 {
			return 0.99
		}),
		Classifier: score.ClassifierFunc(func(uint32, float64) score.RiskLevel {
			return score.RiskCritical
		}),
	})
	s.scores.UpdateScore(1, detect.Observation{})
	s.Equal(0.99, s.scores.GetScore(1))
	s.Equal(score.RiskCritical, s.scores.GetRiskLevel(1))

	s.exec.ClearPolicies()
	s.scores.UpdateScore(2, detect.Observation{})
	s.Equal(score.RiskLow, s.scores.GetRiskLevel(2))
}
