package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/record"
)

func TestRecount_ReportsAndFixes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, record.CollectionItems, "p1", itemBody("general", 1, ptr(5)), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, record.CollectionItems, "p2", itemBody("general", 2, ptr(1)), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, record.CollectionItems, "p3", itemBody("general", 3, nil), 0)
	require.NoError(t, err)

	for _, v := range []struct {
		item, voter string
		value       record.Vote
	}{
		{"p1", "u1", record.Up},
		{"p1", "u2", record.Down},
		{"p1", "u3", record.Up},
		{"p2", "u1", record.Up},
	} {
		_, err := s.Put(ctx, record.CollectionVotes, voteKey(v.item, v.voter), voteBody(v.item, v.voter, v.value), 0)
		require.NoError(t, err)
	}
	// removed votes do not count
	_, err = s.Delete(ctx, record.CollectionVotes, voteKey("p1", "u3"), AnyRevision)
	require.NoError(t, err)

	found, err := s.Recount(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []Discrepancy{
		{ItemID: "p1", Stored: 5, Computed: 0},
		{ItemID: "p3", Stored: 0, Computed: 0, Missing: true},
	}, found)

	fixed, err := s.Recount(ctx, true)
	require.NoError(t, err)
	assert.Len(t, fixed, 2)

	again, err := s.Recount(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, again)

	doc, _, err := s.ReadOnce(ctx, record.CollectionItems, "p3")
	require.NoError(t, err)
	n, ok := doc.Body.Int(record.FieldVoteCount)
	require.True(t, ok)
	assert.Equal(t, int64(0), n)
}

func TestRecount_ReadOnlyFix(t *testing.T) {
	s := createTestStore(t, ReadOnly())
	_, err := s.Recount(context.Background(), true)
	assert.ErrorIs(t, err, ErrPermission)
}
