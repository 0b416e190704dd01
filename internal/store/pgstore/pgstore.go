// Package pgstore implements store.Store on PostgreSQL through gorm.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/shootlive-backend/internal/store"
)

const uniqueViolation = "23505"

type competitionRow struct {
	ID              int64 `gorm:"primaryKey"`
	Name            string
	Status          string `gorm:"size:16;not null;default:CREATED"`
	CurrentRound    int    `gorm:"not null;default:1"`
	StartedAt       *time.Time
	PausedAt        *time.Time
	TotalPausedMs   int64 `gorm:"not null;default:0"`
	EndedAt         *time.Time
	DurationSeconds *int64
}

func (competitionRow) TableName() string { return "competitions" }

type entrantRow struct {
	CompetitionID int64  `gorm:"primaryKey"`
	AthleteID     int64  `gorm:"primaryKey"`
	AthleteName   string `gorm:"not null"`
	Status        string `gorm:"size:16;not null;default:PENDING"`
}

func (entrantRow) TableName() string { return "competition_entrants" }

type shotRow struct {
	ID            int64           `gorm:"primaryKey"`
	CompetitionID int64           `gorm:"not null;uniqueIndex:ux_shot_slot;index"`
	AthleteID     int64           `gorm:"not null;uniqueIndex:ux_shot_slot"`
	RoundNumber   int             `gorm:"not null;uniqueIndex:ux_shot_slot"`
	ShotNumber    int             `gorm:"not null;uniqueIndex:ux_shot_slot"`
	X             float64         `gorm:"not null"`
	Y             float64         `gorm:"not null"`
	Score         decimal.Decimal `gorm:"type:numeric(4,1);not null"`
	RecordedAt    time.Time       `gorm:"not null"`
}

func (shotRow) TableName() string { return "shooting_records" }

const entrantAccepted = "ACCEPTED"

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to dsn. The returned store does not create tables; call
// Migrate for local databases.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db, log: log.Named("pgstore")}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&competitionRow{}, &entrantRow{}, &shotRow{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Competition(ctx context.Context, id int64) (store.Competition, error) {
	var row competitionRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Competition{}, fmt.Errorf("competition %d: %w", id, store.ErrCompetitionNotFound)
	}
	if err != nil {
		return store.Competition{}, fmt.Errorf("load competition %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func (s *Store) Entrants(ctx context.Context, competitionID int64) ([]store.Entrant, error) {
	var rows []entrantRow
	err := s.db.WithContext(ctx).
		Where("competition_id = ? AND status = ?", competitionID, entrantAccepted).
		Order("athlete_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load entrants of competition %d: %w", competitionID, err)
	}
	out := make([]store.Entrant, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.Entrant{CompetitionID: r.CompetitionID, AthleteID: r.AthleteID, AthleteName: r.AthleteName})
	}
	return out, nil
}

func (s *Store) SaveShot(ctx context.Context, shot *store.ShotRecord) error {
	row := shotRow{
		CompetitionID: shot.CompetitionID,
		AthleteID:     shot.AthleteID,
		RoundNumber:   shot.RoundNumber,
		ShotNumber:    shot.ShotNumber,
		X:             shot.X,
		Y:             shot.Y,
		Score:         shot.Score,
		RecordedAt:    shot.RecordedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("athlete %d round %d shot %d: %w", shot.AthleteID, shot.RoundNumber, shot.ShotNumber, store.ErrDuplicateShot)
		}
		return fmt.Errorf("save shot: %w", err)
	}
	shot.ID = row.ID
	return nil
}

func (s *Store) Shots(ctx context.Context, competitionID int64) ([]store.ShotRecord, error) {
	var rows []shotRow
	err := s.db.WithContext(ctx).
		Where("competition_id = ?", competitionID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load shots of competition %d: %w", competitionID, err)
	}
	out := make([]store.ShotRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.ShotRecord{
			ID:            r.ID,
			CompetitionID: r.CompetitionID,
			AthleteID:     r.AthleteID,
			RoundNumber:   r.RoundNumber,
			ShotNumber:    r.ShotNumber,
			X:             r.X,
			Y:             r.Y,
			Score:         r.Score,
			RecordedAt:    r.RecordedAt,
		})
	}
	return out, nil
}

func (s *Store) SaveLifecycle(ctx context.Context, c store.Competition) error {
	res := s.db.WithContext(ctx).Model(&competitionRow{}).Where("id = ?", c.ID).Updates(map[string]any{
		"status":           string(c.Status),
		"current_round":    c.CurrentRound,
		"started_at":       timePtr(c.StartedAt),
		"paused_at":        timePtr(c.PausedAt),
		"total_paused_ms":  c.TotalPaused.Milliseconds(),
		"ended_at":         timePtr(c.EndedAt),
		"duration_seconds": durationPtr(c),
	})
	if res.Error != nil {
		return fmt.Errorf("save lifecycle of competition %d: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("competition %d: %w", c.ID, store.ErrCompetitionNotFound)
	}
	s.log.Debug("lifecycle saved", zap.Int64("competition_id", c.ID), zap.String("status", string(c.Status)))
	return nil
}

func (r competitionRow) toDomain() store.Competition {
	c := store.Competition{
		ID:           r.ID,
		Name:         r.Name,
		Status:       store.Status(r.Status),
		CurrentRound: r.CurrentRound,
		TotalPaused:  time.Duration(r.TotalPausedMs) * time.Millisecond,
	}
	if r.StartedAt != nil {
		c.StartedAt = *r.StartedAt
	}
	if r.PausedAt != nil {
		c.PausedAt = *r.PausedAt
	}
	if r.EndedAt != nil {
		c.EndedAt = *r.EndedAt
	}
	if r.DurationSeconds != nil {
		c.DurationSeconds = *r.DurationSeconds
	}
	return c
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func durationPtr(c store.Competition) *int64 {
	if c.Status != store.StatusCompleted {
		return nil
	}
	d := c.DurationSeconds
	return &d
}
