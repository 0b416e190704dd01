// Package ranking derives live standings from shot records. Standings are
// rebuilt from scratch on every call; nothing is cached between calls.
package ranking

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/DoyleJ11/shootlive-backend/internal/store"
)

type Entry struct {
	AthleteID    int64           `json:"athleteId"`
	AthleteName  string          `json:"athleteName"`
	TotalScore   decimal.Decimal `json:"totalScore"`
	TotalShots   int             `json:"totalShots"`
	LastShotTime time.Time       `json:"lastShotTime"`
	Rank         int             `json:"rank"`
}

// Calculate returns one entry per entrant ordered by standing. Shots from
// athletes outside the roster are ignored.
//
// Order: higher total score; on equal score an athlete who has shot comes
// before one who has not, then fewer shots, then earlier last shot, then
// lower athlete ID. Ranks are the 1-based positions in that order.
func Calculate(roster []store.Entrant, shots []store.ShotRecord) []Entry {
	byAthlete := make(map[int64]*Entry, len(roster))
	entries := make([]*Entry, 0, len(roster))
	for _, e := range roster {
		if _, dup := byAthlete[e.AthleteID]; dup {
			continue
		}
		entry := &Entry{AthleteID: e.AthleteID, AthleteName: e.AthleteName, TotalScore: decimal.Zero}
		byAthlete[e.AthleteID] = entry
		entries = append(entries, entry)
	}

	for _, shot := range shots {
		entry, ok := byAthlete[shot.AthleteID]
		if !ok {
			continue
		}
		entry.TotalScore = entry.TotalScore.Add(shot.Score)
		entry.TotalShots++
		if shot.RecordedAt.After(entry.LastShotTime) {
			entry.LastShotTime = shot.RecordedAt
		}
	}

	slices.SortFunc(entries, compare)

	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
		out[i].Rank = i + 1
	}
	return out
}

func compare(a, b *Entry) int {
	if c := b.TotalScore.Cmp(a.TotalScore); c != 0 {
		return c
	}
	if c := compareShotCount(a.TotalShots, b.TotalShots); c != 0 {
		return c
	}
	if c := a.LastShotTime.Compare(b.LastShotTime); c != 0 {
		return c
	}
	return cmp.Compare(a.AthleteID, b.AthleteID)
}

// compareShotCount orders fewer shots first, except that no shots at all
// always sorts last.
func compareShotCount(a, b int) int {
	switch {
	case a == 0 && b == 0:
		return 0
	case a == 0:
		return 1
	case b == 0:
		return -1
	default:
		return cmp.Compare(a, b)
	}
}

// Source is the slice of the store that standings are computed from.
type Source interface {
	Entrants(ctx context.Context, competitionID int64) ([]store.Entrant, error)
	Shots(ctx context.Context, competitionID int64) ([]store.ShotRecord, error)
}

// Standings loads the roster and every shot of a competition and ranks them.
func Standings(ctx context.Context, src Source, competitionID int64) ([]Entry, error) {
	roster, err := src.Entrants(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("standings: %w", err)
	}
	shots, err := src.Shots(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("standings: %w", err)
	}
	return Calculate(roster, shots), nil
}
