// Package memstore is an in-process store.Store used for local development
// and tests.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/DoyleJ11/shootlive-backend/internal/store"
)

type shotKey struct {
	competitionID, athleteID int64
	round, shot              int
}

type Store struct {
	mu           sync.RWMutex
	competitions map[int64]store.Competition
	entrants     map[int64][]store.Entrant
	shots        map[int64][]store.ShotRecord
	seen         map[shotKey]bool
	nextShotID   int64
}

func New() *Store {
	return &Store{
		competitions: make(map[int64]store.Competition),
		entrants:     make(map[int64][]store.Entrant),
		shots:        make(map[int64][]store.ShotRecord),
		seen:         make(map[shotKey]bool),
	}
}

// PutCompetition inserts or replaces a competition record. A missing status
// defaults to CREATED.
func (s *Store) PutCompetition(c store.Competition) {
	if c.Status == "" {
		c.Status = store.StatusCreated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitions[c.ID] = c
}

// Enroll adds an accepted entrant to a competition's roster.
func (s *Store) Enroll(e store.Entrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.entrants[e.CompetitionID]
	for i := range roster {
		if roster[i].AthleteID == e.AthleteID {
			roster[i] = e
			return
		}
	}
	roster = append(roster, e)
	slices.SortFunc(roster, func(a, b store.Entrant) int { return cmp.Compare(a.AthleteID, b.AthleteID) })
	s.entrants[e.CompetitionID] = roster
}

func (s *Store) Competition(ctx context.Context, id int64) (store.Competition, error) {
	if err := ctx.Err(); err != nil {
		return store.Competition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.competitions[id]
	if !ok {
		return store.Competition{}, fmt.Errorf("competition %d: %w", id, store.ErrCompetitionNotFound)
	}
	return c, nil
}

func (s *Store) Entrants(ctx context.Context, competitionID int64) ([]store.Entrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entrants[competitionID]), nil
}

func (s *Store) SaveShot(ctx context.Context, shot *store.ShotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := shotKey{shot.CompetitionID, shot.AthleteID, shot.RoundNumber, shot.ShotNumber}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[key] {
		return fmt.Errorf("athlete %d round %d shot %d: %w", shot.AthleteID, shot.RoundNumber, shot.ShotNumber, store.ErrDuplicateShot)
	}
	s.nextShotID++
	shot.ID = s.nextShotID
	s.seen[key] = true
	s.shots[shot.CompetitionID] = append(s.shots[shot.CompetitionID], *shot)
	return nil
}

func (s *Store) Shots(ctx context.Context, competitionID int64) ([]store.ShotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.shots[competitionID]), nil
}

func (s *Store) SaveLifecycle(ctx context.Context, c store.Competition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.competitions[c.ID]
	if !ok {
		return fmt.Errorf("competition %d: %w", c.ID, store.ErrCompetitionNotFound)
	}
	cur.Status = c.Status
	cur.CurrentRound = c.CurrentRound
	cur.StartedAt = c.StartedAt
	cur.PausedAt = c.PausedAt
	cur.TotalPaused = c.TotalPaused
	cur.EndedAt = c.EndedAt
	cur.DurationSeconds = c.DurationSeconds
	s.competitions[c.ID] = cur
	return nil
}
