package score

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mirage/internal/clock"
	"mirage/internal/detect"
	"mirage/internal/events"
)

type ScoreManagerSuite struct {
	suite.Suite
	clk *clock.Manual
	bus *events.Bus
	mgr *Manager
}

func TestScoreManagerSuite(t *testing.T) {
	suite.Run(t, new(ScoreManagerSuite))
}

func (s *ScoreManagerSuite) SetupTest() {
	s.clk = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.bus = events.NewBus()
	s.mgr = NewManager(s.bus, s.clk)
}

func strongObs() detect.Observation {
	return detect.Observation{RateAnomaly: 1, PatternAnomaly: 1, PersistenceFactor: 1}
}

func (s *ScoreManagerSuite) TestUpdateScore() {
	s.Run("unknown user starts from zero", func() {
		s.Zero(s.mgr.GetScore(1))
		s.Equal(RiskLow, s.mgr.GetRiskLevel(1))
	})

	s.Run("a strong observation escalates a fresh user to high", func() {
		s.mgr.UpdateScore(1, strongObs())
		s.InDelta(0.8, s.mgr.GetScore(1), 1e-9)
		s.Equal(RiskHigh, s.mgr.GetRiskLevel(1))
	})

	s.Run("repeated observations clamp at one and reach critical", func() {
		s.mgr.UpdateScore(2, strongObs())
		s.mgr.UpdateScore(2, strongObs())
		s.Equal(1.0, s.mgr.GetScore(2))
		s.Equal(RiskCritical, s.mgr.GetRiskLevel(2))
	})

	s.Run("idle time decays the prior score before accumulating", func() {
		s.mgr.UpdateScore(3, strongObs())
		s.clk.Advance(10 * time.Second)
		s.mgr.UpdateScore(3, detect.Observation{})
		s.InDelta(0.8*math.Exp(-1), s.mgr.GetScore(3), 1e-9)
	})

	s.Run("publishes score updated with user score and level", func() {
		var got events.Event
		s.bus.Subscribe(events.TypeScoreUpdated, func(ev events.Event) { got = ev })
		s.mgr.UpdateScore(4, strongObs())
		s.Equal("4", got.Metadata["userId"])
		s.Equal("0.8", got.Metadata["score"])
		s.Equal("high", got.Metadata["riskLevel"])
	})

	s.Run("observation history is bounded", func() {
		for i := 0; i < 15; i++ {
			s.mgr.UpdateScore(5, detect.Observation{RateAnomaly: float64(i)})
		}
		record := s.mgr.GetUserScore(5)
		s.Len(record.RecentObservations, observationHistoryCap)
		s.Equal(14.0, record.RecentObservations[len(record.RecentObservations)-1].RateAnomaly)
	})
}

func (s *ScoreManagerSuite) TestApplyTimeDecay() {
	s.mgr.UpdateScore(1, strongObs())

	s.Run("decays every tracked user and reclassifies", func() {
		s.mgr.ApplyTimeDecay(10 * time.Second)
		s.InDelta(0.8*math.Exp(-1), s.mgr.GetScore(1), 1e-9)
		s.Equal(RiskLow, s.mgr.GetRiskLevel(1))
	})

	s.Run("publishes nothing", func() {
		published := false
		s.bus.SubscribeAll(func(events.Event) { published = true })
		s.mgr.ApplyTimeDecay(time.Second)
		s.False(published)
	})
}

func (s *ScoreManagerSuite) TestApplyFeedback() {
	s.Run("untracked user is a no-op", func() {
		s.mgr.ApplyFeedback(9, 1.0)
		s.Zero(s.mgr.GetScore(9))
		s.Empty(s.mgr.TrackedUsers())
	})

	s.Run("positive feedback nudges by delta", func() {
		s.mgr.UpdateScore(1, strongObs())
		s.mgr.ApplyFeedback(1, 1.0)
		s.Equal(1.0, s.mgr.GetScore(1))
	})

	s.Run("negative feedback lowers and reclassifies", func() {
		s.mgr.UpdateScore(2, strongObs())
		s.mgr.ApplyFeedback(2, -2.0)
		s.InDelta(0.4, s.mgr.GetScore(2), 1e-9)
		s.Equal(RiskMedium, s.mgr.GetRiskLevel(2))
	})
}

func (s *ScoreManagerSuite) TestPluggableStrategies() {
	s.Run("custom scorer replaces the default formula", func() {
		s.mgr.SetScorer(ScorerFunc(func(uint32, detect.Observation, UserScore) float64 {
			return 0.5
		}))
		s.mgr.UpdateScore(1, strongObs())
		s.Equal(0.5, s.mgr.GetScore(1))
	})

	s.Run("custom classifier is authoritative", func() {
		s.mgr.SetClassifier(ClassifierFunc(func(uint32, float64) RiskLevel {
			return RiskCritical
		}))
		s.mgr.UpdateScore(2, detect.Observation{})
		s.Equal(RiskCritical, s.mgr.GetRiskLevel(2))
	})

	s.Run("clearing strategies restores defaults", func() {
		s.mgr.SetScorer(nil)
		s.mgr.SetClassifier(nil)
		s.mgr.UpdateScore(3, strongObs())
		s.InDelta(0.8, s.mgr.GetScore(3), 1e-9)
		s.Equal(RiskHigh, s.mgr.GetRiskLevel(3))
	})
}

func (s *ScoreManagerSuite) TestDistribution() {
	s.mgr.UpdateScore(1, detect.Observation{})
	s.mgr.UpdateScore(2, strongObs())
	s.mgr.UpdateScore(3, strongObs())
	s.mgr.UpdateScore(3, strongObs())

	dist := s.mgr.Distribution()
	s.Equal(1, dist[RiskLow])
	s.Equal(0, dist[RiskMedium])
	s.Equal(1, dist[RiskHigh])
	s.Equal(1, dist[RiskCritical])

	s.Equal([]uint32{2}, s.mgr.UsersByRiskLevel(RiskHigh))
	s.Equal([]uint32{1, 2, 3}, s.mgr.TrackedUsers())
}

func (s *ScoreManagerSuite) TestReset() {
	s.mgr.UpdateScore(1, strongObs())
	s.mgr.UpdateScore(2, strongObs())

	s.Run("reset forgets one user", func() {
		s.mgr.ResetScore(1)
		s.Zero(s.mgr.GetScore(1))
		s.Equal([]uint32{2}, s.mgr.TrackedUsers())
	})

	s.Run("clear all forgets everyone", func() {
		s.mgr.ClearAll()
		s.Empty(s.mgr.TrackedUsers())
	})
}

func (s *ScoreManagerSuite) TestThresholdClassify() {
	t := DefaultThresholds()
	s.Equal(RiskLow, t.Classify(0.3))
	s.Equal(RiskMedium, t.Classify(0.6))
	s.Equal(RiskHigh, t.Classify(0.85))
	s.Equal(RiskCritical, t.Classify(0.86))
}
