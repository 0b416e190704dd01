// Package room runs one goroutine per live competition. Every read and write
// of a competition's lifecycle state goes through that goroutine's inbox, so
// competitions never contend with each other and the fields of one
// competition always change together.
package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/internal/ranking"
	"github.com/DoyleJ11/shootlive-backend/internal/store"
	"github.com/DoyleJ11/shootlive-backend/pkg/types"
)

var ErrClosed = errors.New("competition room closed")

type Msg interface{ isRoomMsg() }

type Transition struct {
	Ctx   context.Context
	Cmd   engine.Command
	Reply chan Result
}

func (Transition) isRoomMsg() {}

type Submit struct {
	Ctx   context.Context
	Shot  store.ShotRecord
	Reply chan SubmitResult
}

func (Submit) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type View struct {
	State   engine.State
	Elapsed time.Duration
	At      time.Time
}

type Result struct {
	View   View
	Events []engine.Event
	Err    error
}

type SubmitResult struct {
	Shot store.ShotRecord
	Err  error
}

type Deps struct {
	Store            store.Store
	Broker           *broadcast.Broker
	Log              *zap.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
	PersistTimeout   time.Duration
	RecomputeTimeout time.Duration
}

type Room struct {
	id        int64
	inbox     chan Msg
	state     engine.State
	recompute chan struct{}
	deps      Deps
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	workerEnd chan struct{}
}

func NewRoom(parent context.Context, initial engine.State, deps Deps) *Room {
	ctx, cancel := context.WithCancel(parent)
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = 5 * time.Second
	}
	if deps.RecomputeTimeout <= 0 {
		deps.RecomputeTimeout = 5 * time.Second
	}

	r := &Room{
		id:        initial.CompetitionID,
		inbox:     make(chan Msg, 64),
		state:     initial.Clone(),
		recompute: make(chan struct{}, 1),
		deps:      deps,
		log:       deps.Log.With(zap.Int64("competition_id", initial.CompetitionID)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		workerEnd: make(chan struct{}),
	}

	go r.recomputeLoop()
	go r.loop()
	return r
}

func (r *Room) ID() int64 { return r.id }

// Done is closed once the room has stopped.
func (r *Room) Done() <-chan struct{} { return r.done }

// Expose the inbox so tests or the hub can send messages directly.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Transition:
				r.handleTransition(msg)

			case Submit:
				r.handleSubmit(msg)

			case GetState:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) shutdown() {
	r.cancel()
	<-r.workerEnd
}

// handleTransition is guard, persist, then commit: a failed durable write
// leaves the in-memory state as it was.
func (r *Room) handleTransition(msg Transition) {
	cmd := msg.Cmd
	cmd.At = r.deps.Now()

	events, next, err := engine.Apply(r.state, cmd)
	if err == nil {
		err = r.persistLifecycle(msg.Ctx, cmd, next, events)
	}
	r.deps.Metrics.ObserveTransition(string(cmd.Type), err)
	if err != nil {
		msg.Reply <- Result{View: r.view(), Err: err}
		return
	}

	r.state = next
	for _, ev := range events {
		r.logEvent(ev)
		r.publishLifecycle(ev)
	}
	if engine.ContainsEvent(events, engine.EvtStarted) {
		r.requestRecompute()
	}
	msg.Reply <- Result{View: r.view(), Events: events}
}

func (r *Room) persistLifecycle(ctx context.Context, cmd engine.Command, next engine.State, events []engine.Event) error {
	rec := store.Competition{
		ID:           r.id,
		Status:       store.Status(next.Phase),
		CurrentRound: next.CurrentRound,
		StartedAt:    next.StartedAt,
		PausedAt:     next.PausedAt,
		TotalPaused:  next.TotalPaused,
	}
	for _, ev := range events {
		switch ev.Type {
		case engine.EvtCompleted:
			rec.EndedAt = cmd.At
			rec.DurationSeconds = int64(ev.Elapsed / time.Second)
		case engine.EvtCanceled:
			// The engine drops a canceled state; keep the last known timings.
			rec = store.Competition{
				ID:           r.id,
				Status:       store.StatusCanceled,
				CurrentRound: r.state.CurrentRound,
				StartedAt:    r.state.StartedAt,
				PausedAt:     r.state.PausedAt,
				TotalPaused:  r.state.TotalPaused,
				EndedAt:      cmd.At,
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.deps.PersistTimeout)
	defer cancel()
	if err := r.deps.Store.SaveLifecycle(ctx, rec); err != nil {
		return fmt.Errorf("persist %s: %w", cmd.Type, err)
	}
	return nil
}

func (r *Room) logEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EvtElapsedClamped:
		r.log.Warn("negative competition duration clamped to zero",
			zap.Duration("raw_elapsed", ev.Elapsed),
			zap.Time("started_at", r.state.StartedAt))
	case engine.EvtCompleted:
		r.log.Info("competition completed", zap.Duration("elapsed", ev.Elapsed), zap.Duration("paused", r.state.TotalPaused))
	default:
		r.log.Info("lifecycle changed", zap.String("event", string(ev.Type)), zap.String("phase", string(ev.Phase)), zap.Int("round", ev.Round))
	}
}

func (r *Room) publishLifecycle(ev engine.Event) {
	var msg string
	switch ev.Type {
	case engine.EvtStarted:
		msg = "competition started"
	case engine.EvtPaused:
		msg = "competition paused"
	case engine.EvtResumed:
		msg = "competition resumed"
	case engine.EvtCompleted:
		msg = fmt.Sprintf("competition completed after %s", ev.Elapsed.Round(time.Second))
	case engine.EvtCanceled:
		msg = "competition canceled"
	case engine.EvtRoundStarted:
		msg = fmt.Sprintf("round %d started", ev.Round)
	default:
		return
	}
	r.deps.Broker.Publish(broadcast.StatusTopic(r.id), types.Envelope{
		Type: types.TypeCompetitionStatus,
		Data: types.StatusPayload{Status: string(ev.Phase), Message: msg, Round: ev.Round},
	})
}

// handleSubmit persists before counting and counts before broadcasting, so a
// client reacting to SHOOTING_RECORD can always re-read the shot.
func (r *Room) handleSubmit(msg Submit) {
	shot := msg.Shot
	if err := engine.CheckShot(r.state, shot.AthleteID, shot.RoundNumber); err != nil {
		msg.Reply <- SubmitResult{Err: err}
		return
	}
	shot.CompetitionID = r.id
	shot.RecordedAt = r.deps.Now()

	ctx, cancel := context.WithTimeout(msg.Ctx, r.deps.PersistTimeout)
	err := r.deps.Store.SaveShot(ctx, &shot)
	cancel()
	if err != nil {
		msg.Reply <- SubmitResult{Err: fmt.Errorf("persist shot: %w", err)}
		return
	}

	_, next, err := engine.Apply(r.state, engine.Command{Type: engine.CmdRecordShot, AthleteID: shot.AthleteID, Round: shot.RoundNumber, At: shot.RecordedAt})
	if err != nil {
		// CheckShot passed above and nothing ran in between.
		r.log.Error("shot persisted but not counted", zap.Int64("shot_id", shot.ID), zap.Error(err))
	} else {
		r.state = next
	}

	r.deps.Broker.Publish(broadcast.CompetitionTopic(r.id), types.Envelope{Type: types.TypeShootingRecord, Data: shot})
	r.requestRecompute()
	msg.Reply <- SubmitResult{Shot: shot}
}

func (r *Room) requestRecompute() {
	select {
	case r.recompute <- struct{}{}:
	default:
		// A recompute is already pending and will read this shot.
	}
}

func (r *Room) recomputeLoop() {
	defer close(r.workerEnd)
	for {
		select {
		case <-r.ctx.Done():
			select {
			case <-r.recompute:
				r.recomputeOnce(context.Background())
			default:
			}
			return
		case <-r.recompute:
			r.recomputeOnce(r.ctx)
		}
	}
}

func (r *Room) recomputeOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, r.deps.RecomputeTimeout)
	defer cancel()

	start := time.Now()
	entries, err := ranking.Standings(ctx, r.deps.Store, r.id)
	r.deps.Metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.deps.Metrics.RecomputeErrors.Inc()
		r.log.Error("ranking recompute failed", zap.Error(err))
		return
	}
	r.deps.Broker.Publish(broadcast.CompetitionTopic(r.id), types.Envelope{Type: types.TypeRankingUpdate, Data: entries})
}

func (r *Room) view() View {
	now := r.deps.Now()
	return View{State: r.state.Clone(), Elapsed: r.state.Elapsed(now), At: now}
}

// Apply runs a lifecycle command in the room and waits for its outcome.
func (r *Room) Apply(ctx context.Context, cmd engine.Command) (Result, error) {
	reply := make(chan Result, 1)
	if err := r.send(ctx, Transition{Ctx: ctx, Cmd: cmd, Reply: reply}); err != nil {
		return Result{}, err
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-r.done:
		select {
		case res := <-reply:
			return res, res.Err
		default:
			return Result{}, ErrClosed
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SubmitShot ingests one shot and returns it as persisted.
func (r *Room) SubmitShot(ctx context.Context, shot store.ShotRecord) (store.ShotRecord, error) {
	reply := make(chan SubmitResult, 1)
	if err := r.send(ctx, Submit{Ctx: ctx, Shot: shot, Reply: reply}); err != nil {
		return store.ShotRecord{}, err
	}
	select {
	case res := <-reply:
		return res.Shot, res.Err
	case <-r.done:
		select {
		case res := <-reply:
			return res.Shot, res.Err
		default:
			return store.ShotRecord{}, ErrClosed
		}
	case <-ctx.Done():
		return store.ShotRecord{}, ctx.Err()
	}
}

func (r *Room) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Close stops the room and waits for its goroutines. Pending standings are
// still published.
func (r *Room) Close() {
	select {
	case r.inbox <- Shutdown{}:
	case <-r.done:
	}
	<-r.done
}

func (r *Room) send(ctx context.Context, m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
