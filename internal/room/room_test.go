package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/internal/ranking"
	"github.com/DoyleJ11/shootlive-backend/internal/store"
	"github.com/DoyleJ11/shootlive-backend/internal/store/memstore"
	"github.com/DoyleJ11/shootlive-backend/pkg/types"
)

const compID = 11

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyStore fails the selected writes.
type flakyStore struct {
	*memstore.Store
	failShots     atomic.Bool
	failLifecycle atomic.Bool
}

var errDown = errors.New("database down")

func (f *flakyStore) SaveShot(ctx context.Context, s *store.ShotRecord) error {
	if f.failShots.Load() {
		return errDown
	}
	return f.Store.SaveShot(ctx, s)
}

func (f *flakyStore) SaveLifecycle(ctx context.Context, c store.Competition) error {
	if f.failLifecycle.Load() {
		return errDown
	}
	return f.Store.SaveLifecycle(ctx, c)
}

type fixture struct {
	store  *flakyStore
	broker *broadcast.Broker
	clock  *fakeClock
	room   *Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := memstore.New()
	ms.PutCompetition(store.Competition{ID: compID, Name: "Spring 10m Air Rifle"})
	ms.Enroll(store.Entrant{CompetitionID: compID, AthleteID: 1, AthleteName: "Anna"})
	ms.Enroll(store.Entrant{CompetitionID: compID, AthleteID: 2, AthleteName: "Ben"})

	m := metrics.New(prometheus.NewRegistry())
	f := &fixture{
		store:  &flakyStore{Store: ms},
		broker: broadcast.NewBroker(256, zap.NewNop(), m),
		clock:  &fakeClock{t: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.room = NewRoom(ctx, engine.NewState(compID), Deps{
		Store:   f.store,
		Broker:  f.broker,
		Log:     zap.NewNop(),
		Metrics: m,
		Now:     f.clock.Now,
	})
	t.Cleanup(f.room.Close)
	return f
}

// helper: receive one envelope with a timeout so tests never hang
func recvEnvelope(t *testing.T, ch <-chan types.Envelope, within time.Duration) types.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for envelope")
		return types.Envelope{} // unreachable
	}
}

func recvType(t *testing.T, ch <-chan types.Envelope, typ string) types.Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed unexpectedly")
			}
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return types.Envelope{}
		}
	}
}

// waitRanking returns the first RANKING_UPDATE for which ok holds.
func waitRanking(t *testing.T, ch <-chan types.Envelope, ok func([]ranking.Entry) bool) []ranking.Entry {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, open := <-ch:
			if !open {
				t.Fatalf("subscription closed unexpectedly")
			}
			if env.Type != types.TypeRankingUpdate {
				continue
			}
			if entries := env.Data.([]ranking.Entry); ok(entries) {
				return entries
			}
		case <-deadline:
			t.Fatalf("no matching ranking update")
			return nil
		}
	}
}

func (f *fixture) apply(t *testing.T, cmd engine.Command) Result {
	t.Helper()
	res, err := f.room.Apply(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s: unexpected err %v", cmd.Type, err)
	}
	return res
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.apply(t, engine.Command{Type: engine.CmdStart, Entrants: []int64{1, 2}})
}

func shot(athlete int64, n int, score string) store.ShotRecord {
	return store.ShotRecord{AthleteID: athlete, RoundNumber: 1, ShotNumber: n, Score: decimal.RequireFromString(score)}
}

func TestRoom_Start_PublishesStatusAndInitialRanking(t *testing.T) {
	f := newFixture(t)
	status := f.broker.Subscribe(broadcast.StatusTopic(compID))
	live := f.broker.Subscribe(broadcast.CompetitionTopic(compID))

	f.start(t)

	env := recvEnvelope(t, status.C, time.Second)
	payload, ok := env.Data.(types.StatusPayload)
	if env.Type != types.TypeCompetitionStatus || !ok || payload.Status != "RUNNING" {
		t.Fatalf("unexpected status envelope %+v", env)
	}

	rank := recvType(t, live.C, types.TypeRankingUpdate)
	entries := rank.Data.([]ranking.Entry)
	if len(entries) != 2 || entries[0].TotalShots != 0 {
		t.Fatalf("expected two empty entries, got %+v", entries)
	}

	c, _ := f.store.Competition(context.Background(), compID)
	if c.Status != store.StatusRunning || c.StartedAt.IsZero() {
		t.Fatalf("durable record not updated: %+v", c)
	}
}

func TestRoom_SubmitShot_NotRunningPersistsNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.room.SubmitShot(context.Background(), shot(1, 1, "10.0"))
	if !errors.Is(err, engine.ErrCompetitionNotRunning) {
		t.Fatalf("created: want ErrCompetitionNotRunning, got %v", err)
	}

	f.start(t)
	f.apply(t, engine.Command{Type: engine.CmdPause})
	_, err = f.room.SubmitShot(context.Background(), shot(1, 1, "10.0"))
	if !errors.Is(err, engine.ErrCompetitionNotRunning) {
		t.Fatalf("paused: want ErrCompetitionNotRunning, got %v", err)
	}

	shots, _ := f.store.Shots(context.Background(), compID)
	if len(shots) != 0 {
		t.Fatalf("expected no persisted shots, got %d", len(shots))
	}
}

func TestRoom_SubmitShot_RejectsNonEntrant(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.room.SubmitShot(context.Background(), shot(42, 1, "10.0"))
	if !errors.Is(err, engine.ErrAthleteNotEnrolled) {
		t.Fatalf("want ErrAthleteNotEnrolled, got %v", err)
	}
}

func TestRoom_SubmitShot_PersistsThenBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	live := f.broker.Subscribe(broadcast.CompetitionTopic(compID))

	in := shot(1, 1, "9.5")
	in.RecordedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC) // client clock is ignored
	f.clock.Advance(time.Minute)

	got, err := f.room.SubmitShot(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.ID == 0 || got.CompetitionID != compID || !got.RecordedAt.Equal(f.clock.Now()) {
		t.Fatalf("unexpected persisted shot %+v", got)
	}

	env := recvType(t, live.C, types.TypeShootingRecord)
	rec := env.Data.(store.ShotRecord)
	if rec.ID != got.ID {
		t.Fatalf("broadcast shot %d, persisted %d", rec.ID, got.ID)
	}
	shots, _ := f.store.Shots(context.Background(), compID)
	if len(shots) != 1 || shots[0].ID != rec.ID {
		t.Fatalf("broadcast shot not re-readable from store: %+v", shots)
	}

	entries := waitRanking(t, live.C, func(e []ranking.Entry) bool { return e[0].TotalShots == 1 })
	if entries[0].AthleteID != 1 {
		t.Fatalf("ranking leader = %d, want 1", entries[0].AthleteID)
	}

	view, _ := f.room.View(context.Background())
	if view.State.ShotCounts[1] != 1 {
		t.Fatalf("ShotCounts[1] = %d, want 1", view.State.ShotCounts[1])
	}
}

func TestRoom_PersistFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.store.failShots.Store(true)
	_, err := f.room.SubmitShot(context.Background(), shot(1, 1, "9.5"))
	if !errors.Is(err, errDown) {
		t.Fatalf("want store error, got %v", err)
	}
	f.store.failShots.Store(false)

	f.store.failLifecycle.Store(true)
	_, err = f.room.Apply(context.Background(), engine.Command{Type: engine.CmdPause})
	if !errors.Is(err, errDown) {
		t.Fatalf("want store error, got %v", err)
	}
	f.store.failLifecycle.Store(false)

	view, _ := f.room.View(context.Background())
	if view.State.Phase != engine.PhaseRunning || view.State.ShotCounts[1] != 0 {
		t.Fatalf("state changed after failed writes: %+v", view.State)
	}
}

func TestRoom_InvalidTransitionHasNoSideEffect(t *testing.T) {
	f := newFixture(t)
	status := f.broker.Subscribe(broadcast.StatusTopic(compID))

	_, err := f.room.Apply(context.Background(), engine.Command{Type: engine.CmdPause})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}

	select {
	case env := <-status.C:
		t.Fatalf("unexpected broadcast %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
	c, _ := f.store.Competition(context.Background(), compID)
	if c.Status != store.StatusCreated {
		t.Fatalf("durable status changed to %s", c.Status)
	}
}

func TestRoom_PauseThenCompleteExcludesOpenPause(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.clock.Advance(30 * time.Minute)
	f.apply(t, engine.Command{Type: engine.CmdPause})
	f.clock.Advance(15 * time.Minute)
	res := f.apply(t, engine.Command{Type: engine.CmdComplete})

	if res.Events[0].Elapsed != 30*time.Minute {
		t.Fatalf("elapsed = %v, want 30m", res.Events[0].Elapsed)
	}
	c, _ := f.store.Competition(context.Background(), compID)
	if c.Status != store.StatusCompleted || c.DurationSeconds != 1800 {
		t.Fatalf("durable record = %+v", c)
	}
	if c.TotalPaused != 15*time.Minute {
		t.Fatalf("TotalPaused = %v, want 15m", c.TotalPaused)
	}
}

func TestRoom_ConcurrentShots_NoneLostOrDoubleCounted(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	live := f.broker.Subscribe(broadcast.CompetitionTopic(compID))

	const perAthlete = 20
	var wg sync.WaitGroup
	for _, athlete := range []int64{1, 2} {
		wg.Add(1)
		go func(athlete int64) {
			defer wg.Done()
			for n := 1; n <= perAthlete; n++ {
				if _, err := f.room.SubmitShot(context.Background(), shot(athlete, n, "10.0")); err != nil {
					t.Errorf("athlete %d shot %d: %v", athlete, n, err)
				}
			}
		}(athlete)
	}
	wg.Wait()

	shots, _ := f.store.Shots(context.Background(), compID)
	if len(shots) != 2*perAthlete {
		t.Fatalf("persisted %d shots, want %d", len(shots), 2*perAthlete)
	}
	view, _ := f.room.View(context.Background())
	if view.State.ShotCounts[1] != perAthlete || view.State.ShotCounts[2] != perAthlete {
		t.Fatalf("ShotCounts = %+v", view.State.ShotCounts)
	}

	// Some ranking update must eventually include every shot.
	waitRanking(t, live.C, func(e []ranking.Entry) bool {
		return e[0].TotalShots+e[1].TotalShots == 2*perAthlete
	})
}

func TestRoom_Close_RejectsLaterMessages(t *testing.T) {
	f := newFixture(t)
	f.room.Close()

	_, err := f.room.Apply(context.Background(), engine.Command{Type: engine.CmdStart, Entrants: []int64{1}})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
