package memstore

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/DoyleJ11/shootlive-backend/internal/store"
)

// Seed is the fixture format read by Load:
//
//	{"competitions":[{"id":1,"name":"10m Air Rifle","entrants":[{"athleteId":7,"athleteName":"Kim"}]}]}
type Seed struct {
	Competitions []struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Entrants []struct {
			AthleteID   int64  `json:"athleteId"`
			AthleteName string `json:"athleteName"`
		} `json:"entrants"`
	} `json:"competitions"`
}

// Load adds the competitions and rosters in r. Every loaded competition
// starts CREATED.
func (s *Store) Load(r io.Reader) (int, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	for _, c := range seed.Competitions {
		if c.ID <= 0 {
			return 0, fmt.Errorf("seed competition %q: id must be positive", c.Name)
		}
	}
	for _, c := range seed.Competitions {
		s.PutCompetition(store.Competition{ID: c.ID, Name: c.Name})
		for _, e := range c.Entrants {
			s.Enroll(store.Entrant{CompetitionID: c.ID, AthleteID: e.AthleteID, AthleteName: e.AthleteName})
		}
	}
	return len(seed.Competitions), nil
}
