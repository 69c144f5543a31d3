package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/tally"
	"github.com/roach88/tally/internal/testutil"
)

func newItems(f *fixture, strategy Strategy) *Items {
	return NewItems(f.s, strategy,
		WithItemIDs(testutil.NewSequenceIDs("item").Generate),
		WithNow(testutil.NewStepClock(time.UnixMilli(1_700_000_000_000), time.Second).Now),
	)
}

func (f *fixture) voteCount(t *testing.T, itemID string) int64 {
	t.Helper()
	doc, ok, err := f.s.ReadOnce(context.Background(), record.CollectionItems, itemID)
	require.NoError(t, err)
	require.True(t, ok)
	n, ok := doc.Body.Int(record.FieldVoteCount)
	require.True(t, ok)
	return n
}

func TestIncremental_ToggleMaintainsCounter(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	it, err := newItems(f, StrategyIncremental).Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)

	_, err = f.e.ItemCreated(it.ID)
	require.NoError(t, err)
	f.settle()

	f.cast(t, it.ID, "u1", record.Up)
	f.settle()
	assert.Equal(t, int64(1), f.voteCount(t, it.ID))

	f.cast(t, it.ID, "u2", record.Down)
	f.settle()
	assert.Equal(t, int64(0), f.voteCount(t, it.ID))

	f.cast(t, it.ID, "u1", record.Down)
	f.settle()
	assert.Equal(t, int64(-2), f.voteCount(t, it.ID))

	f.cast(t, it.ID, "u1", record.Down)
	f.settle()
	assert.Equal(t, int64(-1), f.voteCount(t, it.ID))

	assert.Equal(t, []int64{0, 1, 0, -2, -1}, f.rec.emitted(it.ID))
	assert.Empty(t, f.rec.failures)
}

func TestIncremental_NoFlickerWhileCounterLags(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	it, err := newItems(f, StrategyIncremental).Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)
	_, err = f.e.ItemCreated(it.ID)
	require.NoError(t, err)
	f.settle()

	f.s.Hold()
	f.cast(t, it.ID, "u1", record.Up)
	f.settle()
	assert.Equal(t, []int64{0, 1}, f.rec.emitted(it.ID))

	f.s.Flush()
	f.settle()
	assert.Equal(t, []int64{0, 1}, f.rec.emitted(it.ID))
	assert.Equal(t, int64(1), f.voteCount(t, it.ID))
}

func TestIncremental_CoalescedTapsAdjustCounterOnce(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	it, err := newItems(f, StrategyIncremental).Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)
	_, err = f.e.ItemCreated(it.ID)
	require.NoError(t, err)
	f.settle()

	f.cast(t, it.ID, "u1", record.Up)
	f.cast(t, it.ID, "u1", record.Down)
	f.settle()

	assert.Equal(t, int64(-1), f.voteCount(t, it.ID))
	assert.Equal(t, []int64{0, 1, -1}, f.rec.emitted(it.ID))
	assert.Equal(t, 2, f.s.Calls("increment"))
}

// recordTotal sums the stored vote records of itemID.
func (f *fixture) recordTotal(t *testing.T, itemID string) int64 {
	t.Helper()
	docs, err := f.s.Query(context.Background(), record.VotesFor(itemID))
	require.NoError(t, err)
	recs := make([]record.VoteRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := record.VoteRecordFromDocument(doc)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return tally.Compute(recs)
}

func TestIncremental_CounterFailureReported(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	it, err := newItems(f, StrategyIncremental).Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)
	_, err = f.e.ItemCreated(it.ID)
	require.NoError(t, err)
	f.settle()

	f.s.FailNext("increment", store.ErrUnavailable)
	f.cast(t, it.ID, "u1", record.Up)
	f.settle()

	require.Len(t, f.rec.failures, 1)
	assert.True(t, IsTransient(f.rec.failures[0].err))
	// the uncounted record is put back, so the vote rolls back
	assert.Equal(t, record.NoVote, f.storedVote(t, it.ID, "u1"))
	assert.Equal(t, int64(0), f.voteCount(t, it.ID))
	assert.Equal(t, []int64{0, 1, 0}, f.rec.emitted(it.ID))
	assert.Equal(t, 2, f.s.Calls("put")+f.s.Calls("delete"))
}

func TestIncremental_CounterFailureKeepsCounterInStep(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	it, err := newItems(f, StrategyIncremental).Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)
	_, err = f.e.ItemCreated(it.ID)
	require.NoError(t, err)
	f.settle()

	f.s.FailNext("increment", store.ErrUnavailable)
	f.cast(t, it.ID, "u1", record.Up)
	f.settle()
	assert.Equal(t, f.recordTotal(t, it.ID), f.voteCount(t, it.ID))

	// tapping again must count the vote, not delete an uncounted record
	f.cast(t, it.ID, "u1", record.Up)
	f.settle()
	assert.Equal(t, record.Up, f.storedVote(t, it.ID, "u1"))
	assert.Equal(t, int64(1), f.voteCount(t, it.ID))
	assert.Equal(t, f.recordTotal(t, it.ID), f.voteCount(t, it.ID))
	assert.Equal(t, []int64{0, 1, 0, 1}, f.rec.emitted(it.ID))
	require.Len(t, f.rec.failures, 1)
}

func TestIncremental_CounterFailureOnChangeRestoresPreviousVote(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	it, err := newItems(f, StrategyIncremental).Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)
	_, err = f.e.ItemCreated(it.ID)
	require.NoError(t, err)
	f.settle()

	f.cast(t, it.ID, "u1", record.Up)
	f.settle()

	f.s.FailNext("increment", store.ErrUnavailable)
	f.cast(t, it.ID, "u1", record.Down)
	f.settle()

	require.Len(t, f.rec.failures, 1)
	assert.Equal(t, record.Up, f.storedVote(t, it.ID, "u1"))
	assert.Equal(t, int64(1), f.voteCount(t, it.ID))
	assert.Equal(t, f.recordTotal(t, it.ID), f.voteCount(t, it.ID))
	assert.Equal(t, []int64{0, 1, -1, 1}, f.rec.emitted(it.ID))
	tv, ok := f.e.Tally(it.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), tv)
}

func TestIncremental_FailedRevertFollowsCounter(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	it, err := newItems(f, StrategyIncremental).Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)
	_, err = f.e.ItemCreated(it.ID)
	require.NoError(t, err)
	f.settle()

	f.s.FailNext("increment", store.ErrUnavailable)
	f.s.FailNext("delete", store.ErrUnavailable)
	f.cast(t, it.ID, "u1", record.Up)
	f.settle()

	require.Len(t, f.rec.failures, 2)
	// the record stays but the tally shows what the counter holds
	assert.Equal(t, record.Up, f.storedVote(t, it.ID, "u1"))
	assert.Equal(t, int64(0), f.voteCount(t, it.ID))
	tv, ok := f.e.Tally(it.ID)
	require.True(t, ok)
	assert.Equal(t, int64(0), tv)
}

func TestIncremental_ItemDocumentRemovedDropsWatch(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	items := newItems(f, StrategyIncremental)
	it, err := items.Create(context.Background(), "general", "author", record.Content{})
	require.NoError(t, err)
	_, err = f.e.Watch(it.ID)
	require.NoError(t, err)
	f.settle()
	assert.Equal(t, []int64{0}, f.rec.emitted(it.ID))

	require.NoError(t, items.Delete(context.Background(), it.ID))
	f.settle()

	_, ok := f.e.Tally(it.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, f.s.Subscriptions())
}

func TestIncremental_WatchMissingItem(t *testing.T) {
	f := newFixture(t, WithStrategy(StrategyIncremental))
	_, err := f.e.Watch("ghost")
	require.NoError(t, err)
	f.settle()

	assert.Empty(t, f.rec.emitted("ghost"))
	assert.Equal(t, 0, f.s.Subscriptions())
}
