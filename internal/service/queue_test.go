package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-im-client/internal/model"
	"go-im-client/internal/repository"
)

type failingStore struct {
	repository.SnapshotStore
	err error
}

func (f failingStore) Save(ctx context.Context, key string, blob []byte) error {
	return f.err
}

func queuedMsg(id, from, to, body string) model.Message {
	return model.Message{ID: id, From: from, To: to, Body: body, Kind: model.KindDirect, CreatedAt: time.UnixMilli(1700000000000)}
}

func TestDurableQueuePersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	q := NewDurableQueue(store, 0)
	require.NoError(t, q.Restore(ctx))

	require.NoError(t, q.Enqueue(ctx, queuedMsg("a", "u1", "u2", "one")))
	require.NoError(t, q.Enqueue(ctx, queuedMsg("b", "u1", "u2", "two")))
	assert.Equal(t, 2, store.Saves())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", head.ID)

	// 队头 ID 不匹配时 Pop 不做任何事
	require.NoError(t, q.Pop(ctx, "b"))
	assert.Equal(t, 2, q.Len())

	require.NoError(t, q.Pop(ctx, "a"))
	assert.Equal(t, 3, store.Saves())

	require.NoError(t, q.Replace(ctx, []model.Message{queuedMsg("c", "u1", "u3", "three")}))
	assert.Equal(t, 4, store.Saves())
	assert.True(t, q.Contains("c"))
	assert.False(t, q.Contains("b"))
}

func TestDurableQueueRoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	q := NewDurableQueue(store, 0)
	require.NoError(t, q.Restore(ctx))
	in := []model.Message{queuedMsg("a", "u1", "u2", "one"), queuedMsg("b", "u1", "group1", "two")}
	for _, m := range in {
		require.NoError(t, q.Enqueue(ctx, m))
	}

	restarted := NewDurableQueue(store, 0)
	require.NoError(t, restarted.Restore(ctx))
	out := restarted.Snapshot()
	require.Len(t, out, 2)
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].From, out[i].From)
		assert.Equal(t, in[i].To, out[i].To)
		assert.Equal(t, in[i].Body, out[i].Body)
		assert.True(t, in[i].CreatedAt.Equal(out[i].CreatedAt))
	}
}

func TestDurableQueueMaxSize(t *testing.T) {
	ctx := context.Background()
	q := NewDurableQueue(repository.NewMemoryStore(), 1)
	require.NoError(t, q.Enqueue(ctx, queuedMsg("a", "u1", "u2", "one")))
	err := q.Enqueue(ctx, queuedMsg("b", "u1", "u2", "two"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsQueueFull(err))
	assert.Equal(t, 1, q.Len())
}

func TestDurableQueueRollsBackOnStoreError(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("disk full")
	q := NewDurableQueue(failingStore{SnapshotStore: repository.NewMemoryStore(), err: storeErr}, 0)
	err := q.Enqueue(ctx, queuedMsg("a", "u1", "u2", "one"))
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, 0, q.Len())
}

func TestDurableQueueRemoveMiddle(t *testing.T) {
	ctx := context.Background()
	q := NewDurableQueue(repository.NewMemoryStore(), 0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, queuedMsg(id, "u1", "u2", id)))
	}
	require.NoError(t, q.Remove(ctx, "b"))
	ids := []string{}
	for _, m := range q.Snapshot() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestDurableQueueRestoreRejectsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Save(ctx, QueueKey, []byte("{not json")))
	assert.Error(t, NewDurableQueue(store, 0).Restore(ctx))
}

func TestParseHeadPolicy(t *testing.T) {
	assert.Equal(t, HeadSkip, ParseHeadPolicy("skip"))
	assert.Equal(t, HeadBlock, ParseHeadPolicy("block"))
	assert.Equal(t, HeadBlock, ParseHeadPolicy("whatever"))
}
