package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/store"
)

// VoteResult is the outcome of a vote command.
type VoteResult struct {
	ItemID  string `json:"item_id"`
	VoterID string `json:"voter_id"`
	Vote    string `json:"vote"`  // the voter's stored stance after the tap
	Tally   int64  `json:"tally"` // the visible tally after reconciliation
}

// NewVoteCommand creates the vote command.
func NewVoteCommand(rootOpts *RootOptions) *cobra.Command {
	var voterID string

	cmd := &cobra.Command{
		Use:   "vote <item-id> <up|down>",
		Short: "Tap a vote on an item",
		Long: `Tap a vote on an item as a voter, exactly as a client would.

Tapping the stance the voter already holds clears it; tapping the
opposite stance switches it. The command waits for the write to land and
prints the voter's stored vote and the item's tally.

Example:
  tally vote 01J8Z4 up --voter alice`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVote(cmd, rootOpts, args[0], voterID, args[1])
		},
	}

	cmd.Flags().StringVar(&voterID, "voter", "", "voter id (required)")
	_ = cmd.MarkFlagRequired("voter")

	return cmd
}

func runVote(cmd *cobra.Command, rootOpts *RootOptions, itemID, voterID, stance string) error {
	out := newFormatter(cmd, rootOpts)
	cfg := rootOpts.config()

	value, err := record.ParseVote(stance)
	if err != nil || !value.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid vote %q: must be up or down", stance))
	}
	strategy, err := engine.ParseStrategy(cfg.Strategy)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid strategy", err)
	}

	st, err := openStore(rootOpts)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := engine.NewItems(st, strategy).Get(ctx, itemID); err != nil {
		out.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "vote failed", err)
	}

	res, err := castOnce(ctx, st, strategy, cfg.WriteTimeout, itemID, voterID, value)
	if err != nil {
		out.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "vote failed", err)
	}

	doc, ok, err := st.ReadOnce(ctx, record.CollectionVotes, record.VoteKey{ItemID: itemID, VoterID: voterID}.DocKey())
	if err != nil {
		return WrapExitError(ExitFailure, "read vote", err)
	}
	stored := record.NoVote
	if ok {
		rec, err := record.VoteRecordFromDocument(doc)
		if err != nil {
			return WrapExitError(ExitFailure, "read vote", err)
		}
		stored = rec.Value
	}
	res.Vote = stored.String()

	text := fmt.Sprintf("%s on %s: %s (tally %d)", voterID, itemID, res.Vote, res.Tally)
	return out.Success(text, res)
}

// castOnce runs an engine just long enough to tap one vote and reconcile it.
func castOnce(ctx context.Context, st *store.Store, strategy engine.Strategy, timeout time.Duration, itemID, voterID string, value record.Vote) (*VoteResult, error) {
	if timeout <= 0 {
		timeout = engine.DefaultWriteTimeout
	}
	landed := make(chan struct{}, 1)
	tracked := &landingStore{Store: st, increment: strategy == engine.StrategyIncremental, landed: landed}
	exec := &trackingExecutor{}

	var (
		mu      sync.Mutex
		tally   int64
		failure error
	)
	eng := engine.New(tracked,
		engine.WithStrategy(strategy),
		engine.WithExecutor(exec),
		engine.WithWriteTimeout(timeout),
		engine.WithListener(engine.ListenerFuncs{
			OnTally: func(id string, v int64) {
				mu.Lock()
				defer mu.Unlock()
				if id == itemID {
					tally = v
				}
			},
			OnFailed: func(id, voter string, err error) {
				mu.Lock()
				defer mu.Unlock()
				if id == itemID && voter == voterID {
					failure = err
				}
			},
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(runCtx)
	}()

	h, err := eng.Watch(itemID)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	if err := eng.CastVote(itemID, voterID, value); err != nil {
		return nil, err
	}

	select {
	case <-landed:
	case <-time.After(timeout):
		return nil, fmt.Errorf("vote on %s did not land within %s", itemID, timeout)
	}
	// The write's outcome is queued once its task returns; stopping
	// afterwards lets Run handle it before exiting.
	exec.Wait()
	eng.Stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	return &VoteResult{ItemID: itemID, VoterID: voterID, Tally: tally}, nil
}

// landingStore signals once a vote write has fully landed: the record
// write, plus the counter adjustment under the incremental strategy.
type landingStore struct {
	*store.Store
	increment bool
	landed    chan<- struct{}
}

func (s *landingStore) signal() {
	select {
	case s.landed <- struct{}{}:
	default:
	}
}

func (s *landingStore) Put(ctx context.Context, collection, key string, body record.Object, ifRevision int64) (int64, error) {
	rev, err := s.Store.Put(ctx, collection, key, body, ifRevision)
	if err != nil || !s.increment {
		s.signal()
	}
	return rev, err
}

func (s *landingStore) Delete(ctx context.Context, collection, key string, ifRevision int64) (int64, error) {
	rev, err := s.Store.Delete(ctx, collection, key, ifRevision)
	if err != nil || !s.increment {
		s.signal()
	}
	return rev, err
}

func (s *landingStore) Increment(ctx context.Context, collection, key, field string, delta int64) (int64, error) {
	rev, err := s.Store.Increment(ctx, collection, key, field, delta)
	s.signal()
	return rev, err
}

// trackingExecutor runs tasks on goroutines and can wait for them.
type trackingExecutor struct {
	wg sync.WaitGroup
}

func (x *trackingExecutor) Go(task func()) {
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		task()
	}()
}

func (x *trackingExecutor) After(d time.Duration, task func()) {
	time.AfterFunc(d, task)
}

// Wait blocks until every task started with Go has returned.
func (x *trackingExecutor) Wait() {
	x.wg.Wait()
}
