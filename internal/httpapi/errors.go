package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/auth"
	"github.com/DoyleJ11/shootlive-backend/internal/coordinator"
	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/store"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorMap = []struct {
	target error
	status int
	code   string
}{
	{engine.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{engine.ErrCompetitionNotRunning, http.StatusConflict, "COMPETITION_NOT_RUNNING"},
	{engine.ErrNoEntrants, http.StatusUnprocessableEntity, "NO_ENTRANTS"},
	{engine.ErrAthleteNotEnrolled, http.StatusForbidden, "ATHLETE_NOT_ENROLLED"},
	{engine.ErrInvalidRound, http.StatusBadRequest, "INVALID_ROUND"},
	{engine.ErrWrongRound, http.StatusConflict, "WRONG_ROUND"},
	{coordinator.ErrInvalidShot, http.StatusBadRequest, "INVALID_SHOT"},
	{coordinator.ErrEmptyNotice, http.StatusBadRequest, "EMPTY_NOTICE"},
	{store.ErrDuplicateShot, http.StatusConflict, "DUPLICATE_SHOT"},
	{store.ErrCompetitionNotFound, http.StatusNotFound, "COMPETITION_NOT_FOUND"},
	{auth.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{auth.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{errBadRequest, http.StatusBadRequest, "BAD_REQUEST"},
}

func classify(err error) (int, string) {
	for _, m := range errorMap {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}
