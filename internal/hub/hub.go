// Package hub owns the registry of live competition rooms. The registry is a
// single goroutine holding a map; it only ever does map work, so lookups for
// one competition never wait on another competition's persistence calls.
package hub

import (
	"context"
	"errors"

	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/internal/room"
)

var ErrHubClosed = errors.New("hub closed")

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	ID    int64
	Reply chan *room.Room
}

// EnsureRoom returns the live room for State.CompetitionID, creating it from
// State if there is none.
type EnsureRoom struct {
	State engine.State // only used if creation happens
	Reply chan *room.Room
}

// RemoveRoom unregisters Room and stops it. A newer room registered under the
// same ID is left alone.
type RemoveRoom struct {
	Room *room.Room
}

type ShutdownHub struct {
	Done chan struct{}
}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

// Factory builds a room bound to the hub's context.
type Factory func(ctx context.Context, initial engine.State) *room.Room

type Hub struct {
	inbox   chan HubMsg
	rooms   map[int64]*room.Room
	factory Factory
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, factory Factory, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[int64]*room.Room),
		factory: factory,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				msg.Reply <- h.rooms[msg.ID] // May be nil

			case EnsureRoom:
				id := msg.State.CompetitionID
				if r := h.rooms[id]; r != nil {
					msg.Reply <- r
					break
				}
				r := h.factory(h.ctx, msg.State)
				h.rooms[id] = r
				h.metrics.ActiveCompetitions.Set(float64(len(h.rooms)))
				msg.Reply <- r

			case RemoveRoom:
				id := msg.Room.ID()
				if h.rooms[id] == msg.Room {
					delete(h.rooms, id)
					h.metrics.ActiveCompetitions.Set(float64(len(h.rooms)))
				}
				// Closing waits for the room's in-flight message; keep the registry free.
				go msg.Room.Close()

			case ShutdownHub:
				h.shutdown()
				close(msg.Done)
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, r := range h.rooms {
		r.Close()
	}
	clear(h.rooms)
	h.metrics.ActiveCompetitions.Set(0)
	h.cancel()
}

func (h *Hub) Get(ctx context.Context, id int64) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	return h.ask(ctx, GetRoom{ID: id, Reply: reply}, reply)
}

func (h *Hub) Ensure(ctx context.Context, initial engine.State) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	return h.ask(ctx, EnsureRoom{State: initial, Reply: reply}, reply)
}

func (h *Hub) Remove(ctx context.Context, r *room.Room) error {
	select {
	case h.inbox <- RemoveRoom{Room: r}:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every room and the hub itself.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case h.inbox <- ShutdownHub{Done: done}:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) ask(ctx context.Context, msg HubMsg, reply chan *room.Room) (*room.Room, error) {
	select {
	case h.inbox <- msg:
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
