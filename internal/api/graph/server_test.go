package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/teamvote/internal/auth"
	"github.com/lvdashuaibi/teamvote/internal/lock"
	"github.com/lvdashuaibi/teamvote/internal/repository"
	"github.com/lvdashuaibi/teamvote/internal/service"
	"github.com/lvdashuaibi/teamvote/internal/table"
)

func newTestServer(t *testing.T) *GraphQLServer {
	t.Helper()
	mem := table.NewMemoryStore()
	topics := repository.NewTopicStore(mem, repository.Options{})
	votes := repository.NewVoteStore(mem, repository.Options{})
	svc := service.NewVotingService(topics, votes, lock.NewGate())
	return NewGraphQLServer(svc, time.UTC, logrus.New())
}

type gqlResult struct {
	Data   map[string]json.RawMessage
	Errors []struct {
		Message    string
		Extensions map[string]interface{}
	}
}

func exec(t *testing.T, s *GraphQLServer, identity, query string, vars map[string]interface{}) gqlResult {
	t.Helper()
	ctx := context.Background()
	if identity != "" {
		ctx = auth.WithIdentity(ctx, identity)
	}
	resp := s.Schema().Exec(ctx, query, "", vars)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var out gqlResult
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

const createLunch = `mutation($input: TopicInput!) { createTopic(input: $input) { id status options open } }`

func createTopic(t *testing.T, s *GraphQLServer) string {
	t.Helper()
	res := exec(t, s, "owner@x.com", createLunch, map[string]interface{}{
		"input": map[string]interface{}{"title": "Lunch?", "options": []interface{}{"Sushi", "Ramen"}},
	})
	require.Empty(t, res.Errors)

	var topic struct {
		ID      string
		Status  string
		Options []string
		Open    bool
	}
	require.NoError(t, json.Unmarshal(res.Data["createTopic"], &topic))
	assert.Equal(t, "active", topic.Status)
	assert.True(t, topic.Open)
	return topic.ID
}

func TestCastVoteAlreadyVotedCode(t *testing.T) {
	s := newTestServer(t)
	id := createTopic(t, s)

	const cast = `mutation($id: ID!, $choice: String!) { castVote(topicId: $id, choice: $choice) { voter choice } }`
	res := exec(t, s, "a@x.com", cast, map[string]interface{}{"id": id, "choice": "Sushi"})
	require.Empty(t, res.Errors)

	res = exec(t, s, "a@x.com", cast, map[string]interface{}{"id": id, "choice": "Ramen"})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeAlreadyVoted, res.Errors[0].Extensions["code"])

	res = exec(t, s, "", cast, map[string]interface{}{"id": id, "choice": "Ramen"})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeUnauthenticated, res.Errors[0].Extensions["code"])

	res = exec(t, s, "", `query($id: ID!) { tally(topicId: $id, summarize: true) { total summary counts { option count } } }`,
		map[string]interface{}{"id": id})
	require.Empty(t, res.Errors)

	var tally struct {
		Total   int
		Summary *string
		Counts  []struct {
			Option string
			Count  int
		}
	}
	require.NoError(t, json.Unmarshal(res.Data["tally"], &tally))
	assert.Equal(t, 1, tally.Total)
	require.NotNil(t, tally.Summary)
	assert.Equal(t, service.SummaryUnavailable, *tally.Summary)
	require.Len(t, tally.Counts, 2)
	assert.Equal(t, "Sushi", tally.Counts[0].Option)
	assert.Equal(t, 1, tally.Counts[0].Count)
	assert.Equal(t, 0, tally.Counts[1].Count)
}

func TestCloseTopicCodes(t *testing.T) {
	s := newTestServer(t)
	id := createTopic(t, s)

	const closeTopic = `mutation($id: ID!) { closeTopic(topicId: $id) { status open } }`
	res := exec(t, s, "mallory@x.com", closeTopic, map[string]interface{}{"id": id})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeForbidden, res.Errors[0].Extensions["code"])

	res = exec(t, s, "owner@x.com", closeTopic, map[string]interface{}{"id": id})
	require.Empty(t, res.Errors)
	assert.JSONEq(t, `{"status":"closed","open":false}`, string(res.Data["closeTopic"]))

	res = exec(t, s, "a@x.com", `mutation($id: ID!) { castVote(topicId: $id, choice: "Sushi") { voter } }`,
		map[string]interface{}{"id": id})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeTopicClosed, res.Errors[0].Extensions["code"])

	res = exec(t, s, "", `{ topics(openOnly: true) { id } }`, nil)
	require.Empty(t, res.Errors)
	assert.JSONEq(t, `[]`, string(res.Data["topics"]))
}

func TestCreateTopicValidationCode(t *testing.T) {
	s := newTestServer(t)
	res := exec(t, s, "owner@x.com", createLunch, map[string]interface{}{
		"input": map[string]interface{}{"title": "Lunch?", "options": []interface{}{"Sushi"}},
	})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeValidation, res.Errors[0].Extensions["code"])

	res = exec(t, s, "owner@x.com", createLunch, map[string]interface{}{
		"input": map[string]interface{}{"title": "Lunch?", "options": []interface{}{"a", "b"}, "deadline": "someday"},
	})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeValidation, res.Errors[0].Extensions["code"])
}

func TestParseDeadline(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	d, err := parseDeadline("2030-01-02 18:00", jst)
	require.NoError(t, err)
	assert.True(t, time.Date(2030, 1, 2, 9, 0, 0, 0, time.UTC).Equal(d))

	d, err = parseDeadline("2030-01-02T18:00:00Z", jst)
	require.NoError(t, err)
	assert.Equal(t, 18, d.Hour())
}

func TestMe(t *testing.T) {
	s := newTestServer(t)
	res := exec(t, s, "a@x.com", `{ me }`, nil)
	require.Empty(t, res.Errors)
	assert.JSONEq(t, `"a@x.com"`, string(res.Data["me"]))
}
