package engine

import (
	"maps"
	"time"
)

func NewState(competitionID int64) State {
	return State{
		CompetitionID: competitionID,
		Phase:         PhaseCreated,
		CurrentRound:  1,
		ShotCounts:    map[int64]int{},
		Entrants:      map[int64]bool{},
	}
}

// Clone returns a deep copy of s so reducers and readers never share maps.
func (s State) Clone() State {
	c := s
	c.ShotCounts = maps.Clone(s.ShotCounts)
	if c.ShotCounts == nil {
		c.ShotCounts = map[int64]int{}
	}
	c.Entrants = maps.Clone(s.Entrants)
	if c.Entrants == nil {
		c.Entrants = map[int64]bool{}
	}
	return c
}

// Elapsed is the counted competition time at now: wall time since start
// minus every pause, including one that is still open.
func (s State) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	paused := s.TotalPaused
	if s.Phase == PhasePaused && !s.PausedAt.IsZero() {
		paused += nonNegative(now.Sub(s.PausedAt))
	}
	return nonNegative(now.Sub(s.StartedAt) - paused)
}

// IsLive reports whether the state still belongs in memory.
func (s State) IsLive() bool {
	return s.Phase == PhaseCreated || s.Phase == PhaseRunning || s.Phase == PhasePaused
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
