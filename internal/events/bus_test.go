package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BusSuite struct {
	suite.Suite
	bus *Bus
	ts  time.Time
}

func TestBusSuite(t *testing.T) {
	suite.Run(t, new(BusSuite))
}

func (s *BusSuite) SetupTest() {
	s.bus = NewBus()
	s.ts = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *BusSuite) TestPublish() {
	s.Run("typed subscribers fire in registration order before wildcard", func() {
		var order []string
		s.bus.Subscribe(TypeScoreUpdated, func(Event) { order = append(order, "first") })
		s.bus.Subscribe(TypeScoreUpdated, func(Event) { order = append(order, "second") })
		s.bus.SubscribeAll(func(Event) { order = append(order, "wildcard") })

		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.Equal([]string{"first", "second", "wildcard"}, order)
	})

	s.Run("subscribers of other types are not invoked", func() {
		called := false
		s.bus.Subscribe(TypeDomainSplit, func(Event) { called = true })
		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.False(called)
	})

	s.Run("metadata reaches subscribers", func() {
		var got Event
		s.bus.Subscribe(TypeUserMigrated, func(ev Event) { got = ev })
		s.bus.Publish(New(TypeUserMigrated, s.ts).With("userId", "7"))
		s.Equal("7", got.Metadata["userId"])
	})

	s.Run("subscribing from inside a handler is safe", func() {
		nested := false
		s.bus.Subscribe(TypeAttackDetected, func(Event) {
			s.bus.Subscribe(TypeAttackDetected, func(Event) { nested = true })
		})
		s.bus.Publish(New(TypeAttackDetected, s.ts))
		s.False(nested)
		s.bus.Publish(New(TypeAttackDetected, s.ts))
		s.True(nested)
	})
}

func (s *BusSuite) TestUnsubscribe() {
	s.Run("removes a typed subscription", func() {
		count := 0
		id := s.bus.Subscribe(TypeScoreUpdated, func(Event) { count++ })
		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.bus.Unsubscribe(id)
		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.Equal(1, count)
	})

	s.Run("removes a wildcard subscription", func() {
		count := 0
		id := s.bus.SubscribeAll(func(Event) { count++ })
		s.bus.Unsubscribe(id)
		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.Equal(0, count)
	})

	s.Run("unknown id is a no-op", func() {
		s.NotPanics(func() { s.bus.Unsubscribe("missing") })
	})
}

func (s *BusSuite) TestHistory() {
	s.Run("no retention while recording is off", func() {
		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.Empty(s.bus.History())
	})

	s.Run("records events in publish order", func() {
		s.bus.SetRecording(true)
		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.bus.Publish(New(TypeDomainSplit, s.ts))
		history := s.bus.History()
		s.Require().Len(history, 2)
		s.Equal(TypeScoreUpdated, history[0].Type)
		s.Equal(TypeDomainSplit, history[1].Type)
	})

	s.Run("evicts oldest at capacity", func() {
		bus := NewBus(WithHistorySize(3))
		bus.SetRecording(true)
		for i := 0; i < 5; i++ {
			bus.Publish(New(TypeScoreUpdated, s.ts.Add(time.Duration(i)*time.Second)))
		}
		history := bus.History()
		s.Require().Len(history, 3)
		s.Equal(s.ts.Add(2*time.Second), history[0].Timestamp)
		s.Equal(s.ts.Add(4*time.Second), history[2].Timestamp)
	})

	s.Run("recent history returns the newest n", func() {
		s.bus.SetRecording(true)
		for i := 0; i < 4; i++ {
			s.bus.Publish(New(TypeScoreUpdated, s.ts.Add(time.Duration(i)*time.Second)))
		}
		recent := s.bus.RecentHistory(2)
		s.Require().Len(recent, 2)
		s.Equal(s.ts.Add(2*time.Second), recent[0].Timestamp)
		s.Equal(s.ts.Add(3*time.Second), recent[1].Timestamp)
	})

	s.Run("clear history discards retained events", func() {
		s.bus.SetRecording(true)
		s.bus.Publish(New(TypeScoreUpdated, s.ts))
		s.bus.ClearHistory()
		s.Empty(s.bus.History())
	})
}

func (s *BusSuite) TestClearSubscriptions() {
	count := 0
	s.bus.Subscribe(TypeScoreUpdated, func(Event) { count++ })
	s.bus.SubscribeAll(func(Event) { count++ })
	s.bus.ClearSubscriptions()
	s.bus.Publish(New(TypeScoreUpdated, s.ts))
	s.Equal(0, count)
}
