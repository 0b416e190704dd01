// Package store describes the durable records the live coordinator reads and
// writes. Competitions, rosters and shots are owned by the wider system; the
// coordinator only appends shots and updates lifecycle columns.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrCompetitionNotFound = errors.New("competition not found")
var ErrDuplicateShot = errors.New("shot already recorded")

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
)

// Competition is the durable lifecycle record. Zero times mean "not set".
type Competition struct {
	ID              int64
	Name            string
	Status          Status
	CurrentRound    int
	StartedAt       time.Time
	PausedAt        time.Time
	TotalPaused     time.Duration
	EndedAt         time.Time
	DurationSeconds int64
}

type Entrant struct {
	CompetitionID int64
	AthleteID     int64
	AthleteName   string
}

// ShotRecord is immutable once persisted.
type ShotRecord struct {
	ID            int64           `json:"id"`
	CompetitionID int64           `json:"competitionId"`
	AthleteID     int64           `json:"athleteId"`
	RoundNumber   int             `json:"roundNumber"`
	ShotNumber    int             `json:"shotNumber"`
	X             float64         `json:"x"`
	Y             float64         `json:"y"`
	Score         decimal.Decimal `json:"score"`
	RecordedAt    time.Time       `json:"timestamp"`
}

type Store interface {
	Competition(ctx context.Context, id int64) (Competition, error)
	// Entrants returns the accepted roster ordered by athlete ID.
	Entrants(ctx context.Context, competitionID int64) ([]Entrant, error)
	// SaveShot persists shot and assigns its ID.
	SaveShot(ctx context.Context, shot *ShotRecord) error
	Shots(ctx context.Context, competitionID int64) ([]ShotRecord, error)
	// SaveLifecycle writes the lifecycle columns of c (status, round, times).
	SaveLifecycle(ctx context.Context, c Competition) error
}
