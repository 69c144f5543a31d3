package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/record"
)

func TestPut_CreateRequiresAbsent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := voteKey("p1", "u1")

	rev, err := s.Put(ctx, record.CollectionVotes, key, voteBody("p1", "u1", record.Up), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	// a second create for the same pair must not produce a duplicate
	_, err = s.Put(ctx, record.CollectionVotes, key, voteBody("p1", "u1", record.Up), 0)
	assert.ErrorIs(t, err, ErrConflict)

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM documents WHERE collection = ?`, record.CollectionVotes))
	assert.Equal(t, 1, count)
}

func TestPut_UpdateWithRevision(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := voteKey("p1", "u1")

	rev1, err := s.Put(ctx, record.CollectionVotes, key, voteBody("p1", "u1", record.Up), 0)
	require.NoError(t, err)

	rev2, err := s.Put(ctx, record.CollectionVotes, key, voteBody("p1", "u1", record.Down), rev1)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	// stale revision
	_, err = s.Put(ctx, record.CollectionVotes, key, voteBody("p1", "u1", record.Up), rev1)
	assert.ErrorIs(t, err, ErrConflict)

	doc, ok, err := s.ReadOnce(ctx, record.CollectionVotes, key)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := record.VoteRecordFromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, record.Down, got.Value)
	assert.Equal(t, rev2, got.Revision)
}

func TestPut_AnyRevision(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "things", "a", record.NewObject(record.F("n", record.Int(1))), AnyRevision)
	require.NoError(t, err)
	_, err = s.Put(ctx, "things", "a", record.NewObject(record.F("n", record.Int(2))), AnyRevision)
	require.NoError(t, err)
}

func TestDelete_Tombstone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := voteKey("p1", "u1")

	rev1, err := s.Put(ctx, record.CollectionVotes, key, voteBody("p1", "u1", record.Up), 0)
	require.NoError(t, err)

	rev2, err := s.Delete(ctx, record.CollectionVotes, key, rev1)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	doc, ok, err := s.ReadOnce(ctx, record.CollectionVotes, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, doc.Deleted)
	assert.Equal(t, rev2, doc.Revision)

	// tombstones count as absent for a create
	rev3, err := s.Put(ctx, record.CollectionVotes, key, voteBody("p1", "u1", record.Down), 0)
	require.NoError(t, err)
	assert.Greater(t, rev3, rev2)
}

func TestDelete_Missing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Delete(ctx, record.CollectionItems, "nope", AnyRevision)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Delete(ctx, record.CollectionItems, "nope", 5)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestIncrement(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, record.CollectionItems, "p1", itemBody("general", 1, ptr(0)), 0)
	require.NoError(t, err)

	for _, d := range []int64{1, 1, -2, -1} {
		_, err := s.Increment(ctx, record.CollectionItems, "p1", record.FieldVoteCount, d)
		require.NoError(t, err)
	}

	doc, ok, err := s.ReadOnce(ctx, record.CollectionItems, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	item := record.ItemFromDocument(doc)
	require.NotNil(t, item.VoteCount)
	assert.Equal(t, int64(-1), *item.VoteCount)
	assert.Equal(t, "general", item.ParentScope)
}

func TestIncrement_MissingFieldStartsAtZero(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, record.CollectionItems, "p1", itemBody("general", 1, nil), 0)
	require.NoError(t, err)
	_, err = s.Increment(ctx, record.CollectionItems, "p1", record.FieldVoteCount, -1)
	require.NoError(t, err)

	doc, _, err := s.ReadOnce(ctx, record.CollectionItems, "p1")
	require.NoError(t, err)
	n, ok := doc.Body.Int(record.FieldVoteCount)
	require.True(t, ok)
	assert.Equal(t, int64(-1), n)
}

func TestIncrement_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Increment(context.Background(), record.CollectionItems, "gone", record.FieldVoteCount, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadOnly_RejectsWrites(t *testing.T) {
	s := createTestStore(t, ReadOnly())
	ctx := context.Background()

	_, err := s.Put(ctx, record.CollectionItems, "p1", itemBody("general", 1, nil), 0)
	assert.ErrorIs(t, err, ErrPermission)
	_, err = s.Delete(ctx, record.CollectionItems, "p1", AnyRevision)
	assert.ErrorIs(t, err, ErrPermission)
	_, err = s.Increment(ctx, record.CollectionItems, "p1", record.FieldVoteCount, 1)
	assert.ErrorIs(t, err, ErrPermission)
}

func TestRevisions_UniqueAcrossCollections(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seen := map[int64]bool{}
	for i, coll := range []string{record.CollectionItems, record.CollectionVotes, record.CollectionItems} {
		rev, err := s.Put(ctx, coll, string(rune('a'+i)), record.Object{}, AnyRevision)
		require.NoError(t, err)
		assert.False(t, seen[rev], "revision %d reused", rev)
		seen[rev] = true
	}

	rev, err := s.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rev)
}

func TestCastErr_PassesSentinels(t *testing.T) {
	err := castErr("op", ErrConflict)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "op")
}
