package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/testutil"
)

type hubFixture struct {
	hub   *Hub
	e     *engine.Engine
	s     *testutil.MemStore
	x     *testutil.ManualExecutor
	items *engine.Items
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	f := &hubFixture{
		hub: NewHub(),
		s:   testutil.NewMemStore(),
		x:   testutil.NewManualExecutor(),
	}
	f.e = engine.New(f.s,
		engine.WithExecutor(f.x),
		engine.WithListener(f.hub),
		engine.WithCorrelation(testutil.NewSequenceIDs("corr")),
	)
	f.hub.Bind(f.e)
	f.items = engine.NewItems(f.s, engine.StrategyComputed,
		engine.WithItemIDs(testutil.NewSequenceIDs("item").Generate),
		engine.WithNow(testutil.NewStepClock(time.UnixMilli(1_700_000_000_000), time.Second).Now),
	)
	t.Cleanup(f.e.Stop)
	return f
}

func (f *hubFixture) settle() {
	for f.e.Drain()+f.x.RunPending() > 0 {
	}
}

func (f *hubFixture) create(t *testing.T, scope string) string {
	t.Helper()
	it, err := f.items.Create(context.Background(), scope, "author", record.Content{})
	require.NoError(t, err)
	return it.ID
}

// queued empties c's send buffer without blocking.
func queued(c *client) []Message {
	var out []Message
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHub_NewClientGetsScopeState(t *testing.T) {
	f := newHubFixture(t)
	a := f.create(t, "golang")
	b := f.create(t, "golang")
	f.create(t, "rust")

	c1, err := f.hub.join("u1", "golang", record.NewestFirst)
	require.NoError(t, err)
	f.settle()

	got := queued(c1)
	assert.Contains(t, got, itemMessage("golang", mustItem(t, f, a)))
	assert.Contains(t, got, tallyMessage(a, 0))
	assert.Contains(t, got, tallyMessage(b, 0))
	assert.Len(t, got, 4)

	c2, err := f.hub.join("u2", "golang", record.NewestFirst)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		itemMessage("golang", mustItem(t, f, b)),
		itemMessage("golang", mustItem(t, f, a)),
		tallyMessage(b, 0),
		tallyMessage(a, 0),
	}, queued(c2))
	assert.Equal(t, []string{"golang"}, f.hub.Scopes())
	assert.Equal(t, 2, f.hub.Clients())
}

func TestHub_SnapshotFollowsClientOrder(t *testing.T) {
	f := newHubFixture(t)
	post := f.create(t, "golang")
	first := f.create(t, post)
	second := f.create(t, post)

	c1, err := f.hub.join("u1", post, record.OldestFirst)
	require.NoError(t, err)
	f.settle()
	queued(c1)

	c2, err := f.hub.join("u2", post, record.OldestFirst)
	require.NoError(t, err)
	c3, err := f.hub.join("u3", post, record.NewestFirst)
	require.NoError(t, err)

	assert.Equal(t, []Message{
		itemMessage(post, mustItem(t, f, first)),
		itemMessage(post, mustItem(t, f, second)),
		tallyMessage(first, 0),
		tallyMessage(second, 0),
	}, queued(c2))
	assert.Equal(t, []Message{
		itemMessage(post, mustItem(t, f, second)),
		itemMessage(post, mustItem(t, f, first)),
		tallyMessage(second, 0),
		tallyMessage(first, 0),
	}, queued(c3))
}

func TestHub_BroadcastsTallies(t *testing.T) {
	f := newHubFixture(t)
	a := f.create(t, "golang")

	c1, err := f.hub.join("u1", "golang", record.NewestFirst)
	require.NoError(t, err)
	c2, err := f.hub.join("u2", "golang", record.NewestFirst)
	require.NoError(t, err)
	other, err := f.hub.join("u3", "rust", record.NewestFirst)
	require.NoError(t, err)
	f.settle()
	queued(c1)
	queued(c2)

	require.NoError(t, f.e.CastVote(a, "u1", record.Up))
	f.settle()

	assert.Equal(t, []Message{tallyMessage(a, 1)}, queued(c1))
	assert.Equal(t, []Message{tallyMessage(a, 1)}, queued(c2))
	assert.Empty(t, queued(other))
}

func TestHub_FailuresGoToTheVoterOnly(t *testing.T) {
	f := newHubFixture(t)
	c1, err := f.hub.join("u1", "golang", record.NewestFirst)
	require.NoError(t, err)
	c2, err := f.hub.join("u2", "golang", record.NewestFirst)
	require.NoError(t, err)
	f.settle()

	require.NoError(t, f.e.CastVote("ghost", "u2", record.Up))
	f.settle()

	assert.Empty(t, queued(c1))
	got := queued(c2)
	require.Len(t, got, 1)
	assert.Equal(t, TypeError, got[0].Type)
	assert.Equal(t, "ghost", got[0].ItemID)
	assert.Equal(t, string(engine.ErrCodeNotFound), got[0].Code)
}

func TestHub_ItemLifecycle(t *testing.T) {
	f := newHubFixture(t)
	c, err := f.hub.join("u1", "golang", record.NewestFirst)
	require.NoError(t, err)
	f.settle()

	a := f.create(t, "golang")
	f.settle()
	assert.Equal(t, []Message{
		itemMessage("golang", mustItem(t, f, a)),
		tallyMessage(a, 0),
	}, queued(c))

	require.NoError(t, f.items.Delete(context.Background(), a))
	f.settle()
	assert.Equal(t, []Message{removedMessage("golang", a)}, queued(c))
}

func TestHub_LastClientReleasesScope(t *testing.T) {
	f := newHubFixture(t)
	f.create(t, "golang")

	c1, err := f.hub.join("u1", "golang", record.NewestFirst)
	require.NoError(t, err)
	c2, err := f.hub.join("u2", "golang", record.NewestFirst)
	require.NoError(t, err)
	f.settle()
	assert.Equal(t, 2, f.s.Subscriptions())

	f.hub.leave(c1)
	f.hub.leave(c1)
	f.settle()
	assert.Equal(t, 2, f.s.Subscriptions())

	f.hub.leave(c2)
	f.settle()
	assert.Equal(t, 0, f.s.Subscriptions())
	assert.Empty(t, f.hub.Scopes())
	assert.Equal(t, 0, f.hub.Clients())

	queued(c2)
	_, open := <-c2.send
	assert.False(t, open)
}

func TestHub_DropsSlowClient(t *testing.T) {
	f := newHubFixture(t)
	f.hub.buffer = 2
	f.create(t, "golang")
	f.create(t, "golang")

	c, err := f.hub.join("u1", "golang", record.NewestFirst)
	require.NoError(t, err)
	f.settle()

	assert.Equal(t, 0, f.hub.Clients())
	assert.Len(t, queued(c), 2)
	_, open := <-c.send
	assert.False(t, open)
	assert.Equal(t, 0, f.s.Subscriptions())
}

func mustItem(t *testing.T, f *hubFixture, id string) record.Item {
	t.Helper()
	it, err := f.items.Get(context.Background(), id)
	require.NoError(t, err)
	return it
}
