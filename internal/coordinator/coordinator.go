// Package coordinator is the entry point of the live competition core. It
// maps competition IDs to rooms, restores live state from the durable record
// when a room is missing, validates shots, and serves status and standings.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/hub"
	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/internal/ranking"
	"github.com/DoyleJ11/shootlive-backend/internal/room"
	"github.com/DoyleJ11/shootlive-backend/internal/store"
	"github.com/DoyleJ11/shootlive-backend/pkg/types"
)

var ErrInvalidShot = errors.New("invalid shot")
var ErrEmptyNotice = errors.New("notice message is empty")

// DefaultMaxScore is the best single shot under decimal scoring.
var DefaultMaxScore = decimal.RequireFromString("10.9")

type Options struct {
	MaxScore decimal.Decimal
	Now      func() time.Time
}

type Coordinator struct {
	hub      *hub.Hub
	store    store.Store
	broker   *broadcast.Broker
	log      *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	maxScore decimal.Decimal
	now      func() time.Time
}

func New(h *hub.Hub, st store.Store, b *broadcast.Broker, log *zap.Logger, m *metrics.Metrics, opts Options) *Coordinator {
	if opts.MaxScore.IsZero() {
		opts.MaxScore = DefaultMaxScore
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	return &Coordinator{
		hub:      h,
		store:    st,
		broker:   b,
		log:      log.Named("coordinator"),
		metrics:  m,
		validate: v,
		maxScore: opts.MaxScore,
		now:      opts.Now,
	}
}

// Status is the lifecycle view returned by every controller operation.
type Status struct {
	CompetitionID      int64         `json:"competitionId"`
	Phase              engine.Phase  `json:"phase"`
	Live               bool          `json:"live"`
	StartedAt          *time.Time    `json:"startedAt,omitempty"`
	PausedAt           *time.Time    `json:"pausedAt,omitempty"`
	TotalPausedSeconds float64       `json:"totalPausedSeconds"`
	ElapsedSeconds     float64       `json:"elapsedSeconds"`
	CurrentRound       int           `json:"currentRound"`
	ShotCounts         map[int64]int `json:"shotCounts,omitempty"`
	DurationSeconds    *int64        `json:"durationSeconds,omitempty"`
}

func (c *Coordinator) Start(ctx context.Context, id int64) (Status, error) {
	return c.transition(ctx, id, func(ctx context.Context) (engine.Command, error) {
		roster, err := c.store.Entrants(ctx, id)
		if err != nil {
			return engine.Command{}, err
		}
		ids := make([]int64, 0, len(roster))
		for _, e := range roster {
			ids = append(ids, e.AthleteID)
		}
		return engine.Command{Type: engine.CmdStart, Entrants: ids}, nil
	})
}

func (c *Coordinator) Pause(ctx context.Context, id int64) (Status, error) {
	return c.transition(ctx, id, command(engine.Command{Type: engine.CmdPause}))
}

func (c *Coordinator) Resume(ctx context.Context, id int64) (Status, error) {
	return c.transition(ctx, id, command(engine.Command{Type: engine.CmdResume}))
}

func (c *Coordinator) Complete(ctx context.Context, id int64) (Status, error) {
	return c.transition(ctx, id, command(engine.Command{Type: engine.CmdComplete}))
}

func (c *Coordinator) Cancel(ctx context.Context, id int64) (Status, error) {
	return c.transition(ctx, id, command(engine.Command{Type: engine.CmdCancel}))
}

// StartRound clears the per-round shot counters and makes round current.
func (c *Coordinator) StartRound(ctx context.Context, id int64, round int) (Status, error) {
	return c.transition(ctx, id, command(engine.Command{Type: engine.CmdStartRound, Round: round}))
}

func command(cmd engine.Command) func(context.Context) (engine.Command, error) {
	return func(context.Context) (engine.Command, error) { return cmd, nil }
}

func (c *Coordinator) transition(ctx context.Context, id int64, build func(context.Context) (engine.Command, error)) (Status, error) {
	// A room can close between lookup and use when another caller completes
	// or cancels the competition; the second attempt sees the durable status.
	for attempt := 0; ; attempt++ {
		r, rec, err := c.openRoom(ctx, id)
		if err != nil {
			return Status{}, err
		}
		cmd, err := build(ctx)
		if err != nil {
			return Status{}, err
		}
		if r == nil {
			c.metrics.ObserveTransition(string(cmd.Type), engine.ErrInvalidTransition)
			return statusFromRecord(rec), &engine.TransitionError{Command: cmd.Type, From: engine.Phase(rec.Status), To: engine.Target(cmd.Type)}
		}

		res, err := r.Apply(ctx, cmd)
		if errors.Is(err, room.ErrClosed) && attempt == 0 {
			continue
		}
		if err != nil {
			return c.statusFromView(id, res.View), err
		}

		if !res.View.State.IsLive() {
			if err := c.hub.Remove(ctx, r); err != nil {
				c.log.Warn("failed to release room", zap.Int64("competition_id", id), zap.Error(err))
			}
		}
		return c.statusFromResult(id, res), nil
	}
}

// openRoom returns the live room of id, restoring it from the durable record
// when needed. A nil room means the competition has ended; rec then holds the
// durable record.
func (c *Coordinator) openRoom(ctx context.Context, id int64) (*room.Room, store.Competition, error) {
	r, err := c.hub.Get(ctx, id)
	if err != nil || r != nil {
		return r, store.Competition{}, err
	}

	rec, err := c.store.Competition(ctx, id)
	if err != nil {
		return nil, store.Competition{}, err
	}

	var state engine.State
	switch rec.Status {
	case store.StatusCreated:
		state = engine.NewState(id)
	case store.StatusRunning, store.StatusPaused:
		state, err = c.restore(ctx, rec)
		if err != nil {
			return nil, rec, err
		}
	default:
		return nil, rec, nil
	}

	r, err = c.hub.Ensure(ctx, state)
	return r, rec, err
}

// restore rebuilds live state for a competition that was running when the
// process last stopped. Counters are derived from persisted shots.
func (c *Coordinator) restore(ctx context.Context, rec store.Competition) (engine.State, error) {
	roster, err := c.store.Entrants(ctx, rec.ID)
	if err != nil {
		return engine.State{}, fmt.Errorf("restore competition %d: %w", rec.ID, err)
	}
	shots, err := c.store.Shots(ctx, rec.ID)
	if err != nil {
		return engine.State{}, fmt.Errorf("restore competition %d: %w", rec.ID, err)
	}

	s := engine.NewState(rec.ID)
	s.Phase = engine.Phase(rec.Status)
	s.StartedAt = rec.StartedAt
	s.TotalPaused = rec.TotalPaused
	if rec.CurrentRound > 0 {
		s.CurrentRound = rec.CurrentRound
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = c.now()
	}
	if s.Phase == engine.PhasePaused {
		s.PausedAt = rec.PausedAt
		if s.PausedAt.IsZero() {
			s.PausedAt = c.now()
		}
	}
	for _, e := range roster {
		s.Entrants[e.AthleteID] = true
	}
	for _, shot := range shots {
		if shot.RoundNumber == s.CurrentRound {
			s.ShotCounts[shot.AthleteID]++
		}
	}

	c.log.Info("restored live competition state",
		zap.Int64("competition_id", rec.ID),
		zap.String("phase", string(s.Phase)),
		zap.Int("round", s.CurrentRound),
		zap.Int("shots", len(shots)))
	return s, nil
}

// SubmitShot validates and ingests one shot. Rejections are also published
// as an error envelope on the competition channel.
func (c *Coordinator) SubmitShot(ctx context.Context, sub types.ShotSubmission) (store.ShotRecord, error) {
	rec, err := c.submit(ctx, sub)
	c.metrics.ObserveShot(err)
	if err != nil {
		c.log.Info("shot rejected",
			zap.Int64("competition_id", sub.CompetitionID),
			zap.Int64("athlete_id", sub.AthleteID),
			zap.Int("round", sub.RoundNumber),
			zap.Int("shot", sub.ShotNumber),
			zap.Error(err))
		if sub.CompetitionID > 0 {
			c.broker.Publish(broadcast.CompetitionTopic(sub.CompetitionID), types.Envelope{
				Type: types.TypeError,
				Data: fmt.Sprintf("shot %d of athlete %d in round %d rejected: %v", sub.ShotNumber, sub.AthleteID, sub.RoundNumber, err),
			})
		}
		return store.ShotRecord{}, err
	}
	return rec, nil
}

func (c *Coordinator) submit(ctx context.Context, sub types.ShotSubmission) (store.ShotRecord, error) {
	if err := c.validateShot(sub); err != nil {
		return store.ShotRecord{}, err
	}
	shot := store.ShotRecord{
		AthleteID:   sub.AthleteID,
		RoundNumber: sub.RoundNumber,
		ShotNumber:  sub.ShotNumber,
		X:           sub.X,
		Y:           sub.Y,
		Score:       sub.Score,
	}

	for attempt := 0; ; attempt++ {
		r, _, err := c.openRoom(ctx, sub.CompetitionID)
		if err != nil {
			return store.ShotRecord{}, err
		}
		if r == nil {
			return store.ShotRecord{}, engine.ErrCompetitionNotRunning
		}
		rec, err := r.SubmitShot(ctx, shot)
		if errors.Is(err, room.ErrClosed) && attempt == 0 {
			continue
		}
		return rec, err
	}
}

func (c *Coordinator) validateShot(sub types.ShotSubmission) error {
	if err := c.validate.Struct(sub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShot, err)
	}
	if sub.Score.GreaterThan(c.maxScore) {
		return fmt.Errorf("%w: score %s above maximum %s", ErrInvalidShot, sub.Score, c.maxScore)
	}
	if !sub.Score.Equal(sub.Score.Round(1)) {
		return fmt.Errorf("%w: score %s has more than one decimal place", ErrInvalidShot, sub.Score)
	}
	return nil
}

// Status returns the live lifecycle state, or the durable record once the
// competition is no longer live.
func (c *Coordinator) Status(ctx context.Context, id int64) (Status, error) {
	r, err := c.hub.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if r == nil {
		rec, err := c.store.Competition(ctx, id)
		if err != nil {
			return Status{}, err
		}
		switch rec.Status {
		case store.StatusCreated:
			// Reads do not spawn rooms for competitions nobody has started.
			st := statusFromRecord(rec)
			st.Live = true
			if st.CurrentRound < 1 {
				st.CurrentRound = 1
			}
			return st, nil
		case store.StatusRunning, store.StatusPaused:
			if r, rec, err = c.openRoom(ctx, id); err != nil {
				return Status{}, err
			}
			if r == nil {
				return statusFromRecord(rec), nil
			}
		default:
			return statusFromRecord(rec), nil
		}
	}
	view, err := r.View(ctx)
	if errors.Is(err, room.ErrClosed) {
		rec, err := c.store.Competition(ctx, id)
		if err != nil {
			return Status{}, err
		}
		return statusFromRecord(rec), nil
	}
	if err != nil {
		return Status{}, err
	}
	return c.statusFromView(id, view), nil
}

// Ranking recomputes standings from the store.
func (c *Coordinator) Ranking(ctx context.Context, id int64) ([]ranking.Entry, error) {
	if _, err := c.store.Competition(ctx, id); err != nil {
		return nil, err
	}
	return ranking.Standings(ctx, c.store, id)
}

// Notice publishes an operator message to everyone watching the competition.
func (c *Coordinator) Notice(ctx context.Context, id int64, message string) error {
	if message == "" {
		return ErrEmptyNotice
	}
	if _, err := c.store.Competition(ctx, id); err != nil {
		return err
	}
	n := c.broker.Publish(broadcast.CompetitionTopic(id), types.Envelope{Type: types.TypeNotice, Data: message})
	c.log.Debug("notice published", zap.Int64("competition_id", id), zap.Int("receivers", n))
	return nil
}

func (c *Coordinator) statusFromResult(id int64, res room.Result) Status {
	for _, ev := range res.Events {
		switch ev.Type {
		case engine.EvtCanceled:
			return Status{CompetitionID: id, Phase: engine.PhaseCanceled, CurrentRound: ev.Round}
		case engine.EvtCompleted:
			st := c.statusFromView(id, res.View)
			st.Live = false
			d := int64(ev.Elapsed / time.Second)
			st.DurationSeconds = &d
			st.ElapsedSeconds = ev.Elapsed.Seconds()
			return st
		}
	}
	return c.statusFromView(id, res.View)
}

func (c *Coordinator) statusFromView(id int64, v room.View) Status {
	s := v.State
	if s.CompetitionID == 0 {
		return Status{CompetitionID: id}
	}
	return Status{
		CompetitionID:      s.CompetitionID,
		Phase:              s.Phase,
		Live:               s.IsLive(),
		StartedAt:          timePtr(s.StartedAt),
		PausedAt:           timePtr(s.PausedAt),
		TotalPausedSeconds: s.TotalPaused.Seconds(),
		ElapsedSeconds:     v.Elapsed.Seconds(),
		CurrentRound:       s.CurrentRound,
		ShotCounts:         s.ShotCounts,
	}
}

func statusFromRecord(rec store.Competition) Status {
	st := Status{
		CompetitionID:      rec.ID,
		Phase:              engine.Phase(rec.Status),
		StartedAt:          timePtr(rec.StartedAt),
		PausedAt:           timePtr(rec.PausedAt),
		TotalPausedSeconds: rec.TotalPaused.Seconds(),
		CurrentRound:       rec.CurrentRound,
	}
	if rec.Status == store.StatusCompleted {
		d := rec.DurationSeconds
		st.DurationSeconds = &d
		st.ElapsedSeconds = float64(d)
	}
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
