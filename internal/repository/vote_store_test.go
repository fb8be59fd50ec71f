package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/teamvote/internal/model"
	"github.com/lvdashuaibi/teamvote/internal/table"
)

func newVoteStore(t *testing.T) (*VoteStore, *table.MemoryStore) {
	t.Helper()
	mem := table.NewMemoryStore()
	store := NewVoteStore(mem, Options{Now: func() time.Time { return fixedNow }})
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store, mem
}

func TestVoteAppendAndList(t *testing.T) {
	ctx := context.Background()
	store, _ := newVoteStore(t)

	require.NoError(t, store.Append(ctx, &model.Vote{TopicID: "t1", Voter: "alice", Choice: "Ramen"}))
	require.NoError(t, store.Append(ctx, &model.Vote{TopicID: "t2", Voter: "alice", Choice: "Yes"}))
	require.NoError(t, store.Append(ctx, &model.Vote{TopicID: "t1", Voter: "bob", Choice: "Sushi"}))

	votes, err := store.ListForTopic(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "alice", votes[0].Voter)
	assert.Equal(t, 0, votes[0].Ref)
	assert.Equal(t, 2, votes[1].Ref)
	assert.True(t, fixedNow.Equal(votes[0].VotedAt))
	assert.Equal(t, model.VoteCounted, votes[1].State)

	voted, err := store.HasVoted(ctx, "t1", "bob")
	require.NoError(t, err)
	assert.True(t, voted)

	voted, err = store.HasVoted(ctx, "t2", "bob")
	require.NoError(t, err)
	assert.False(t, voted)
}

func TestVoteMarkSuperseded(t *testing.T) {
	ctx := context.Background()
	store, _ := newVoteStore(t)

	require.NoError(t, store.Append(ctx, &model.Vote{TopicID: "t1", Voter: "alice", Choice: "A"}))
	require.NoError(t, store.Append(ctx, &model.Vote{TopicID: "t1", Voter: "alice", Choice: "B"}))

	votes, err := store.ListForTopic(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, store.MarkSuperseded(ctx, votes[1]))

	votes, err = store.ListForTopic(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.VoteCounted, votes[0].State)
	assert.Equal(t, model.VoteSuperseded, votes[1].State)
}

func TestVoteListSkipsIncompleteRows(t *testing.T) {
	ctx := context.Background()
	store, mem := newVoteStore(t)

	require.NoError(t, mem.AppendRow(ctx, "votes", table.Row{"t1", "", "A"}))
	require.NoError(t, mem.AppendRow(ctx, "votes", table.Row{"t1", "carol", "B", "2024-05-31 12:00"}))

	votes, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, 1, votes[0].Ref)
	assert.Equal(t, model.VoteCounted, votes[0].State)
	assert.False(t, votes[0].VotedAt.IsZero())
}

type unavailableStore struct{ table.Store }

func (unavailableStore) ReadAll(ctx context.Context, name string) ([]table.Row, error) {
	return nil, context.DeadlineExceeded
}

func TestVoteListStoreUnavailable(t *testing.T) {
	store := NewVoteStore(unavailableStore{}, Options{ReadRetries: 2, RetryDelay: time.Millisecond})
	_, err := store.ListAll(context.Background())
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
