package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/auth"
	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/coordinator"
	"github.com/DoyleJ11/shootlive-backend/internal/store"
	"github.com/DoyleJ11/shootlive-backend/pkg/types"
)

const writeTimeout = 3 * time.Second

type Handler struct {
	coord  *coordinator.Coordinator
	broker *broadcast.Broker
	log    *zap.Logger
}

func NewHandler(c *coordinator.Coordinator, b *broadcast.Broker, log *zap.Logger) *Handler {
	return &Handler{coord: c, broker: b, log: log.Named("ws")}
}

// Competition streams competition/{id} and accepts SHOT frames.
func (h *Handler) Competition(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, broadcast.CompetitionTopic, true)
}

// Status streams competition/{id}/status. Inbound frames are ignored.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, broadcast.StatusTopic, false)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, topicFor func(int64) string, acceptShots bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "bad competition id", http.StatusBadRequest)
		return
	}
	if _, err := h.coord.Status(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrCompetitionNotFound) {
			http.Error(w, "competition not found", http.StatusNotFound)
			return
		}
		h.log.Error("lookup competition", zap.Int64("competition_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := h.broker.Subscribe(topicFor(id))
	defer h.broker.Unsubscribe(sub)

	log := h.log.With(zap.Int64("competition_id", id), zap.String("client_id", sub.ID), zap.String("topic", sub.Topic))
	log.Debug("client connected")
	defer log.Debug("client disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !acceptShots {
		ctx = conn.CloseRead(ctx)
	}

	// Writer goroutine
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			select {
			case env, ok := <-sub.C:
				if !ok {
					// dropped by the broker; the client must reconnect
					conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
					return
				}
				if err := writeEnvelope(ctx, conn, env); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if acceptShots {
		h.readShots(ctx, conn, r, id, log)
		cancel()
	}
	<-writerDone
}

// readShots submits inbound SHOT frames until the connection ends. Rejected
// shots are announced on the competition channel by the coordinator; frames
// that never reach it are answered on this connection only.
func (h *Handler) readShots(ctx context.Context, conn *websocket.Conn, r *http.Request, id int64, log *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					log.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			_ = writeEnvelope(ctx, conn, types.Envelope{Type: types.TypeError, Data: "bad json"})
			continue
		}
		if cm.Type != types.TypeShot {
			_ = writeEnvelope(ctx, conn, types.Envelope{Type: types.TypeError, Data: "unknown type " + cm.Type})
			continue
		}

		var sub types.ShotSubmission
		if err := json.Unmarshal(cm.Data, &sub); err != nil {
			_ = writeEnvelope(ctx, conn, types.Envelope{Type: types.TypeError, Data: "bad shot: " + err.Error()})
			continue
		}
		if sub.CompetitionID != 0 && sub.CompetitionID != id {
			_ = writeEnvelope(ctx, conn, types.Envelope{Type: types.TypeError, Data: "shot is for another competition"})
			continue
		}
		sub.CompetitionID = id
		if err := auth.RequireSubmitter(r.Context(), sub.AthleteID); err != nil {
			_ = writeEnvelope(ctx, conn, types.Envelope{Type: types.TypeError, Data: err.Error()})
			continue
		}

		// Rejections are published to the channel, which includes this client.
		_, _ = h.coord.SubmitShot(ctx, sub)
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env types.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
