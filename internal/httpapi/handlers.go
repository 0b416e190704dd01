package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/auth"
	"github.com/DoyleJ11/shootlive-backend/internal/coordinator"
	"github.com/DoyleJ11/shootlive-backend/pkg/types"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

type API struct {
	coord *coordinator.Coordinator
	log   *zap.Logger
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Lifecycle wraps a coordinator transition as an officials-only endpoint.
func (a *API) Lifecycle(op func(context.Context, int64) (coordinator.Status, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := competitionID(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if err := auth.RequireOfficial(r.Context()); err != nil {
			a.writeError(w, r, err)
			return
		}
		st, err := op(r.Context(), id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (a *API) StartRound(w http.ResponseWriter, r *http.Request) {
	id, err := competitionID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := auth.RequireOfficial(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	var body struct {
		Round int `json:"round"`
	}
	if err := decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	st, err := a.coord.StartRound(r.Context(), id, body.Round)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := competitionID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	st, err := a.coord.Status(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) GetRanking(w http.ResponseWriter, r *http.Request) {
	id, err := competitionID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	entries, err := a.coord.Ranking(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) PostShot(w http.ResponseWriter, r *http.Request) {
	id, err := competitionID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var sub types.ShotSubmission
	if err := decode(w, r, &sub); err != nil {
		a.writeError(w, r, err)
		return
	}
	if sub.CompetitionID != 0 && sub.CompetitionID != id {
		a.writeError(w, r, fmt.Errorf("%w: body competitionId %d does not match path", errBadRequest, sub.CompetitionID))
		return
	}
	sub.CompetitionID = id
	if err := auth.RequireSubmitter(r.Context(), sub.AthleteID); err != nil {
		a.writeError(w, r, err)
		return
	}

	rec, err := a.coord.SubmitShot(r.Context(), sub)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (a *API) PostNotice(w http.ResponseWriter, r *http.Request) {
	id, err := competitionID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := auth.RequireOfficial(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.coord.Notice(r.Context(), id, body.Message); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	a.writeError(w, r, err)
}

func competitionID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: competition id %q", errBadRequest, raw)
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
