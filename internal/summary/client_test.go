package summary

import (
	"context"
	"net/http"
	"testing"

	"emperror.dev/errors"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/teamvote/internal/model"
)

const testURL = "https://gemini.test/v1beta/models/gemini-test:generateContent"

func newMockedClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	t.Cleanup(mock.Reset)

	c, err := NewClient(context.Background(), Options{
		Endpoint:   "https://gemini.test",
		Model:      "gemini-test",
		APIKey:     "k",
		HTTPClient: &http.Client{Transport: mock},
	})
	require.NoError(t, err)
	return c, mock
}

func lunchTally() (*model.Topic, *model.Tally) {
	topic := &model.Topic{ID: "t1", Title: "Lunch?", Options: []string{"Sushi", "Ramen"}}
	tally := &model.Tally{
		TopicID: "t1",
		Counts:  []model.OptionCount{{Option: "Sushi", Count: 2}, {Option: "Ramen", Count: 1}},
		Total:   3,
	}
	return topic, tally
}

func TestSummarizeReturnsCandidateText(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodPost, testURL, func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("x-goog-api-key") != "k" {
			return httpmock.NewStringResponse(401, `{"error":{"code":401,"message":"missing key"}}`), nil
		}
		return httpmock.NewStringResponse(200,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Sushi won "},{"text":"narrowly."}]}}]}`), nil
	})

	topic, tally := lunchTally()
	text, err := c.Summarize(context.Background(), topic, tally)
	require.NoError(t, err)
	assert.Equal(t, "Sushi won narrowly.", text)
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestSummarizeErrorStatus(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodPost, testURL,
		httpmock.NewStringResponder(429, `{"error":{"code":429,"message":"quota exceeded"}}`))

	topic, tally := lunchTally()
	_, err := c.Summarize(context.Background(), topic, tally)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Contains(t, errors.GetDetails(err), 429)
}

func TestNewClientRequiresModel(t *testing.T) {
	_, err := NewClient(context.Background(), Options{APIKey: "k"})
	assert.Error(t, err)
}

func TestSummarizeEmptyCandidates(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodPost, testURL, httpmock.NewStringResponder(200, `{"candidates":[]}`))

	topic, tally := lunchTally()
	_, err := c.Summarize(context.Background(), topic, tally)
	assert.Error(t, err)
}

func TestBuildPromptFreeText(t *testing.T) {
	prompt := buildPrompt(&model.Topic{Title: "Colours"}, &model.Tally{FreeText: true, Answers: []string{"blue", "red"}})
	assert.Contains(t, prompt, "- blue\n")
	assert.Contains(t, prompt, "Colours")
}
