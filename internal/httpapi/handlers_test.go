package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/auth"
	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/coordinator"
	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/hub"
	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/internal/ranking"
	"github.com/DoyleJ11/shootlive-backend/internal/room"
	"github.com/DoyleJ11/shootlive-backend/internal/store"
	"github.com/DoyleJ11/shootlive-backend/internal/store/memstore"
)

const secret = "http-test-secret"

type server struct {
	*httptest.Server
	store    *memstore.Store
	verifier *auth.Verifier
}

func newServer(t *testing.T, authSecret string) *server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ms := memstore.New()
	b := broadcast.NewBroker(64, zap.NewNop(), m)
	deps := room.Deps{Store: ms, Broker: b, Log: zap.NewNop(), Metrics: m}
	h := hub.NewHub(context.Background(), func(ctx context.Context, s engine.State) *room.Room {
		return room.NewRoom(ctx, s, deps)
	}, m)
	v := auth.NewVerifier(authSecret)

	srv := httptest.NewServer(SetupRoutes(Deps{
		Coordinator: coordinator.New(h, ms, b, zap.NewNop(), m, coordinator.Options{}),
		Broker:      b,
		Verifier:    v,
		Gatherer:    reg,
		Log:         zap.NewNop(),
	}))
	t.Cleanup(func() {
		srv.Close()
		_ = h.Shutdown(context.Background())
		b.Close()
	})

	ms.PutCompetition(store.Competition{ID: 1, Name: "Club 10m Air Rifle"})
	ms.Enroll(store.Entrant{CompetitionID: 1, AthleteID: 7, AthleteName: "Kim"})
	ms.Enroll(store.Entrant{CompetitionID: 1, AthleteID: 8, AthleteName: "Lee"})
	ms.PutCompetition(store.Competition{ID: 2, Name: "Empty"})

	return &server{Server: srv, store: ms, verifier: v}
}

func (s *server) token(t *testing.T, id int64, role auth.Role) string {
	t.Helper()
	tok, err := s.verifier.Sign(auth.Identity{UserID: id, Role: role}, time.Minute)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Code
}

func TestHealthz(t *testing.T) {
	s := newServer(t, "")
	code, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestLifecycleAndShots(t *testing.T) {
	s := newServer(t, secret)
	judge := s.token(t, 1, auth.RoleJudge)

	code, raw := s.do(t, http.MethodPost, "/competitions/1/start", judge, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	var st coordinator.Status
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, engine.PhaseRunning, st.Phase)
	assert.True(t, st.Live)

	athlete := s.token(t, 7, auth.RoleAthlete)
	code, raw = s.do(t, http.MethodPost, "/competitions/1/shots", athlete,
		map[string]any{"athleteId": 7, "roundNumber": 1, "shotNumber": 1, "score": "10.4", "x": 0.5, "y": -0.25})
	require.Equal(t, http.StatusAccepted, code, string(raw))
	var rec store.ShotRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, int64(1), rec.CompetitionID)
	assert.Equal(t, "10.4", rec.Score.String())
	assert.False(t, rec.RecordedAt.IsZero())

	// same slot again
	code, raw = s.do(t, http.MethodPost, "/competitions/1/shots", athlete,
		map[string]any{"athleteId": 7, "roundNumber": 1, "shotNumber": 1, "score": "9.0"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "DUPLICATE_SHOT", errorCode(t, raw))

	// athlete submitting for someone else
	code, raw = s.do(t, http.MethodPost, "/competitions/1/shots", athlete,
		map[string]any{"athleteId": 8, "roundNumber": 1, "shotNumber": 1, "score": "9.0"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, raw))

	code, raw = s.do(t, http.MethodGet, "/competitions/1/ranking", "", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []ranking.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(7), entries[0].AthleteID)
	assert.Equal(t, 1, entries[0].Rank)

	code, _ = s.do(t, http.MethodPost, "/competitions/1/pause", judge, nil)
	assert.Equal(t, http.StatusOK, code)

	code, raw = s.do(t, http.MethodPost, "/competitions/1/pause", judge, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, raw))

	code, raw = s.do(t, http.MethodPost, "/competitions/1/shots", judge,
		map[string]any{"athleteId": 8, "roundNumber": 1, "shotNumber": 1, "score": "9.0"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "COMPETITION_NOT_RUNNING", errorCode(t, raw))

	code, _ = s.do(t, http.MethodPost, "/competitions/1/complete", judge, nil)
	require.Equal(t, http.StatusOK, code)

	code, raw = s.do(t, http.MethodGet, "/competitions/1/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, engine.PhaseCompleted, st.Phase)
	assert.False(t, st.Live)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t, secret)
	admin := s.token(t, 1, auth.RoleAdmin)
	athlete := s.token(t, 7, auth.RoleAthlete)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no entrants", http.MethodPost, "/competitions/2/start", admin, nil, http.StatusUnprocessableEntity, "NO_ENTRANTS"},
		{"unknown competition", http.MethodGet, "/competitions/99/status", "", nil, http.StatusNotFound, "COMPETITION_NOT_FOUND"},
		{"bad id", http.MethodGet, "/competitions/abc/status", "", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"anonymous start", http.MethodPost, "/competitions/1/start", "", nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"athlete start", http.MethodPost, "/competitions/1/start", athlete, nil, http.StatusForbidden, "FORBIDDEN"},
		{"bad token", http.MethodGet, "/competitions/1/status", "garbage", nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"resume created", http.MethodPost, "/competitions/1/resume", admin, nil, http.StatusConflict, "INVALID_TRANSITION"},
		{"empty notice", http.MethodPost, "/competitions/1/notices", admin, map[string]string{"message": ""}, http.StatusBadRequest, "EMPTY_NOTICE"},
		{"shot path mismatch", http.MethodPost, "/competitions/1/shots", admin,
			map[string]any{"competitionId": 2, "athleteId": 7, "roundNumber": 1, "shotNumber": 1, "score": "9"}, http.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, raw := s.do(t, tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.status, code, string(raw))
			assert.Equal(t, tc.code, errorCode(t, raw))
		})
	}
}

func TestShotValidationAndEnrollment(t *testing.T) {
	s := newServer(t, "")
	code, _ := s.do(t, http.MethodPost, "/competitions/1/start", "", nil)
	require.Equal(t, http.StatusOK, code)

	code, raw := s.do(t, http.MethodPost, "/competitions/1/shots", "",
		map[string]any{"athleteId": 7, "roundNumber": 1, "shotNumber": 1, "score": "11.5"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_SHOT", errorCode(t, raw))

	code, raw = s.do(t, http.MethodPost, "/competitions/1/shots", "",
		map[string]any{"athleteId": 555, "roundNumber": 1, "shotNumber": 1, "score": "9.1"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ATHLETE_NOT_ENROLLED", errorCode(t, raw))
}

func TestRoundsAndNotices(t *testing.T) {
	s := newServer(t, "")
	code, _ := s.do(t, http.MethodPost, "/competitions/1/start", "", nil)
	require.Equal(t, http.StatusOK, code)

	code, raw := s.do(t, http.MethodPost, "/competitions/1/rounds", "", map[string]int{"round": 2})
	require.Equal(t, http.StatusOK, code, string(raw))
	var st coordinator.Status
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, 2, st.CurrentRound)

	code, raw = s.do(t, http.MethodPost, "/competitions/1/rounds", "", map[string]int{"round": 0})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ROUND", errorCode(t, raw))

	// round 1 is closed once round 2 starts
	code, raw = s.do(t, http.MethodPost, "/competitions/1/shots", "",
		map[string]any{"athleteId": 7, "roundNumber": 1, "shotNumber": 1, "score": "9.1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "WRONG_ROUND", errorCode(t, raw))

	code, raw = s.do(t, http.MethodPost, "/competitions/1/shots", "",
		map[string]any{"athleteId": 7, "roundNumber": 2, "shotNumber": 1, "score": "9.1"})
	assert.Equal(t, http.StatusAccepted, code, string(raw))

	code, _ = s.do(t, http.MethodPost, "/competitions/1/notices", "", map[string]string{"message": "Cease fire"})
	assert.Equal(t, http.StatusAccepted, code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, "")
	_, _ = s.do(t, http.MethodPost, "/competitions/1/start", "", nil)

	code, raw := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "shootlive_lifecycle_transitions_total")
}
