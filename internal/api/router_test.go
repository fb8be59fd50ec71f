package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/teamvote/internal/api/graph"
	"github.com/lvdashuaibi/teamvote/internal/auth"
	"github.com/lvdashuaibi/teamvote/internal/lock"
	"github.com/lvdashuaibi/teamvote/internal/model"
	"github.com/lvdashuaibi/teamvote/internal/repository"
	"github.com/lvdashuaibi/teamvote/internal/service"
	"github.com/lvdashuaibi/teamvote/internal/table"
)

type testEnv struct {
	router   *gin.Engine
	svc      *service.VotingService
	sessions *auth.SessionManager
}

func newTestEnv(t *testing.T, burst int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := table.NewMemoryStore()
	topics := repository.NewTopicStore(mem, repository.Options{})
	votes := repository.NewVoteStore(mem, repository.Options{})
	svc := service.NewVotingService(topics, votes, lock.NewGate())
	sessions := auth.NewSessionManager("test-secret", "teamvote", time.Hour)

	logger := logrus.New()
	r := NewRouter(Deps{
		Service:  svc,
		GraphQL:  graph.NewGraphQLServer(svc, time.UTC, logger, graph.WithMutationRateLimit(1, burst)),
		Sessions: sessions,
		Logger:   logger,
	})
	return &testEnv{router: r, svc: svc, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func graphqlRequest(t *testing.T, query string, vars map[string]interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"query": query, "variables": vars})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 5)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestGraphQLUsesSessionCookie(t *testing.T) {
	env := newTestEnv(t, 5)
	token, err := env.sessions.Generate("alice@x.com")
	require.NoError(t, err)

	req := graphqlRequest(t, `{ me }`, nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: token})
	w := env.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice@x.com")
}

func TestGraphQLUsesBearerToken(t *testing.T) {
	env := newTestEnv(t, 5)
	token, err := env.sessions.Generate("bob@x.com")
	require.NoError(t, err)

	req := graphqlRequest(t, `mutation($input: TopicInput!) { createTopic(input: $input) { id owner } }`,
		map[string]interface{}{"input": map[string]interface{}{"title": "Lunch?", "options": []interface{}{"Sushi", "Ramen"}}})
	req.Header.Set("Authorization", "Bearer "+token)
	w := env.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"owner":"bob@x.com"`)
}

func TestGraphQLInvalidTokenIsAnonymous(t *testing.T) {
	env := newTestEnv(t, 5)
	req := graphqlRequest(t, `mutation { castVote(topicId: "x", choice: "a") { choice } }`, nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := env.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), graph.CodeUnauthenticated)
}

func TestGraphQLRateLimitAppliesToMutationsOnly(t *testing.T) {
	env := newTestEnv(t, 2)
	token, err := env.sessions.Generate("carol@x.com")
	require.NoError(t, err)

	authed := func(query string, vars map[string]interface{}) *http.Request {
		req := graphqlRequest(t, query, vars)
		req.Header.Set("Authorization", "Bearer "+token)
		return req
	}

	// 查询不计入限额
	for i := 0; i < 5; i++ {
		w := env.do(t, authed(`{ topics { id } }`, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), graph.CodeRateLimited)
	}

	create := `mutation($input: TopicInput!) { createTopic(input: $input) { id } }`
	input := map[string]interface{}{"input": map[string]interface{}{"title": "Lunch?", "options": []interface{}{"Sushi", "Ramen"}}}
	for i := 0; i < 2; i++ {
		w := env.do(t, authed(create, input))
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), graph.CodeRateLimited)
	}

	w := env.do(t, authed(create, input))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), graph.CodeRateLimited)

	// 其他身份有独立的限额
	other, err := env.sessions.Generate("dave@x.com")
	require.NoError(t, err)
	req := graphqlRequest(t, create, input)
	req.Header.Set("Authorization", "Bearer "+other)
	w = env.do(t, req)
	assert.NotContains(t, w.Body.String(), graph.CodeRateLimited)
}

func TestTallyEndpoint(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()
	topic, err := env.svc.CreateTopic(ctx, "owner@x.com", model.TopicInput{
		Title:   "Lunch?",
		Options: []string{"Sushi", "Ramen"},
	})
	require.NoError(t, err)
	_, err = env.svc.CastVote(ctx, topic.ID, "a@x.com", "Ramen")
	require.NoError(t, err)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/topics/"+topic.ID+"/tally", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var tally model.Tally
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tally))
	assert.Equal(t, 1, tally.Total)
}

func TestTopicNotFound(t *testing.T) {
	env := newTestEnv(t, 5)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/topics/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), graph.CodeNotFound)
}

func TestLoginWithoutOAuth(t *testing.T) {
	env := newTestEnv(t, 5)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	env := newTestEnv(t, 5)
	w := env.do(t, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, strings.Contains(w.Header().Get("Set-Cookie"), auth.SessionCookie+"="))
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		model.ErrValidation:       http.StatusBadRequest,
		model.ErrInvalidChoice:    http.StatusBadRequest,
		model.ErrNotFound:         http.StatusNotFound,
		model.ErrForbidden:        http.StatusForbidden,
		model.ErrAlreadyVoted:     http.StatusConflict,
		model.ErrTopicClosed:      http.StatusGone,
		model.ErrDeadlinePassed:   http.StatusGone,
		model.ErrStoreUnavailable: http.StatusServiceUnavailable,
		auth.ErrUnauthenticated:   http.StatusUnauthorized,
		graph.ErrRateLimited:      http.StatusTooManyRequests,
		errors.New("boom"):        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(errors.WithStack(err)), err.Error())
	}
}
