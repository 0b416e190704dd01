package hub

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/internal/room"
	"github.com/DoyleJ11/shootlive-backend/internal/store/memstore"
)

func newHub(t *testing.T) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	deps := room.Deps{
		Store:   memstore.New(),
		Broker:  broadcast.NewBroker(8, zap.NewNop(), m),
		Log:     zap.NewNop(),
		Metrics: m,
	}
	h := NewHub(context.Background(), func(ctx context.Context, s engine.State) *room.Room {
		return room.NewRoom(ctx, s, deps)
	}, m)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h, m
}

func TestHub_Ensure_Get_SamePointer(t *testing.T) {
	h, m := newHub(t)
	ctx := context.Background()

	r1, err := h.Ensure(ctx, engine.NewState(5))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	r2, _ := h.Ensure(ctx, engine.NewState(5))
	r3, _ := h.Get(ctx, 5)

	if r1 == nil || r1 != r2 || r1 != r3 {
		t.Fatalf("expected same room pointer")
	}
	if got := testutil.ToFloat64(m.ActiveCompetitions); got != 1 {
		t.Fatalf("active competitions = %v, want 1", got)
	}
}

func TestHub_Get_Unknown(t *testing.T) {
	h, _ := newHub(t)
	r, err := h.Get(context.Background(), 99)
	if err != nil || r != nil {
		t.Fatalf("want nil room, got %v %v", r, err)
	}
}

func TestHub_Remove_StopsRoomAndIgnoresStaleRemoval(t *testing.T) {
	h, _ := newHub(t)
	ctx := context.Background()

	old, _ := h.Ensure(ctx, engine.NewState(5))
	if err := h.Remove(ctx, old); err != nil {
		t.Fatalf("remove: %v", err)
	}
	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatalf("removed room did not stop")
	}

	fresh, _ := h.Ensure(ctx, engine.NewState(5))
	if fresh == old {
		t.Fatalf("expected a new room after removal")
	}
	_ = h.Remove(ctx, old) // stale handle
	got, _ := h.Get(ctx, 5)
	if got != fresh {
		t.Fatalf("stale removal unregistered the new room")
	}
}

func TestHub_Shutdown_StopsAllRooms(t *testing.T) {
	h, _ := newHub(t)
	ctx := context.Background()
	a, _ := h.Ensure(ctx, engine.NewState(1))
	b, _ := h.Ensure(ctx, engine.NewState(2))

	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, r := range []*room.Room{a, b} {
		select {
		case <-r.Done():
		default:
			t.Fatalf("room %d still running after shutdown", r.ID())
		}
	}
	if _, err := h.Get(ctx, 1); err != ErrHubClosed {
		t.Fatalf("want ErrHubClosed, got %v", err)
	}
}
