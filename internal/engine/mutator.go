package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/tally"
)

// EntryState is the lifecycle state of an optimistic entry.
type EntryState int

const (
	// PendingLocal: applied locally, not yet observed on the live query.
	PendingLocal EntryState = iota + 1

	// Confirmed: the live query reflects the write; the entry is retired.
	Confirmed

	// Rejected: the write failed and the entry was rolled back.
	Rejected
)

func (s EntryState) String() string {
	switch s {
	case PendingLocal:
		return "pending_local"
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("EntryState(%d)", int(s))
}

// optimisticEntry is the local, not yet confirmed intent of one voter on
// one item. At most one write per entry is in flight; taps made meanwhile
// only move desired, and a follow-up write is issued when the ack lands.
type optimisticEntry struct {
	voterID     string
	desired     record.Vote
	correlation string
	appliedAt   time.Time
	state       EntryState

	inFlight bool

	// acked is set once a write of this entry succeeded; ackValue and
	// ackRev describe the last successful write.
	acked    bool
	ackValue record.Vote
	ackRev   int64

	// counted is the value the observed voteCount includes for this voter.
	// marks are counter revisions at which later writes become visible.
	counted record.Vote
	marks   []countMark
}

type countMark struct {
	revision int64
	value    record.Vote
}

func (ent *optimisticEntry) transition(itemID string, to EntryState) {
	slog.Debug("optimistic entry",
		"item_id", itemID,
		"voter_id", ent.voterID,
		"from", ent.state.String(),
		"to", to.String(),
		"desired", ent.desired.String(),
		"applied_at", ent.appliedAt,
	)
	ent.state = to
}

// observeCount consumes the marks a counter observation at revision covers.
func (ent *optimisticEntry) observeCount(revision int64) {
	n := 0
	for _, m := range ent.marks {
		if m.revision > revision {
			break
		}
		ent.counted = m.value
		n++
	}
	ent.marks = ent.marks[n:]
}

// toggle returns the vote that results from tapping tap while current is shown.
func toggle(current, tap record.Vote) record.Vote {
	if current == tap {
		return record.NoVote
	}
	return tap
}

type writeRequest struct {
	key         record.VoteKey
	from, to    record.Vote
	ifRevision  int64
	correlation string
	increment   bool

	// revert undoes a record whose voteCount increment failed
	revert bool
}

type writeResult struct {
	req      writeRequest
	revision int64
	err      error

	// set when req.increment
	counterRevision int64
	counterErr      error
}

type readResult struct {
	doc record.Document
	ok  bool
	err error
}

func (e *Engine) onCast(ev event) {
	w := e.watches[ev.ItemID]
	if w == nil {
		e.fail(ev.ItemID, ev.VoterID, NewNotFoundError("cast", ev.ItemID))
		return
	}
	if err := e.authorize(ev.VoterID); err != nil {
		e.fail(ev.ItemID, ev.VoterID, NewPermissionError(ev.ItemID, ev.VoterID, err))
		return
	}
	if !e.ready(w) {
		slog.Debug("deferring vote until snapshot", "item_id", ev.ItemID, "voter_id", ev.VoterID)
		w.deferred = append(w.deferred, ev)
		return
	}

	ent := w.pending[ev.VoterID]
	if ent == nil {
		own, _ := w.ledger.Own(ev.VoterID)
		ent = &optimisticEntry{
			voterID:   ev.VoterID,
			desired:   own,
			appliedAt: e.now(),
			state:     PendingLocal,
			counted:   own,
		}
		w.pending[ev.VoterID] = ent
	} else if ent.inFlight {
		coalescedTaps.Inc()
	}
	ent.desired = toggle(ent.desired, ev.Value)
	slog.Debug("optimistic vote applied",
		"item_id", w.itemID,
		"voter_id", ev.VoterID,
		"desired", ent.desired.String(),
		"in_flight", ent.inFlight,
	)
	e.publish(w)

	if !ent.inFlight {
		e.issueWrite(w, ent)
	}
	e.reconcile(w)
	e.publish(w)
}

// base is the record state the next write of ent must build on.
func (e *Engine) base(w *watch, ent *optimisticEntry) (record.Vote, int64) {
	if ent.acked && ent.ackRev > w.ledger.Seen(ent.voterID) {
		return ent.ackValue, ent.ackRev
	}
	return w.ledger.Own(ent.voterID)
}

// issueWrite sends ent's desired value to the store unless it already holds it.
func (e *Engine) issueWrite(w *watch, ent *optimisticEntry) {
	from, rev := e.base(w, ent)
	if ent.desired == from {
		return
	}
	req := writeRequest{
		key:         record.VoteKey{ItemID: w.itemID, VoterID: ent.voterID},
		from:        from,
		to:          ent.desired,
		correlation: e.corrGen.Generate(),
		increment:   e.strategy == StrategyIncremental,
	}
	if from != record.NoVote {
		req.ifRevision = rev
	}
	e.dispatchWrite(w, ent, req)
}

// dispatchWrite runs req on the executor and marks ent in flight until the
// result event arrives.
func (e *Engine) dispatchWrite(w *watch, ent *optimisticEntry, req writeRequest) {
	ent.correlation = req.correlation
	ent.inFlight = true
	w.inflight++

	slog.Debug("issuing vote write",
		"item_id", w.itemID,
		"voter_id", ent.voterID,
		"from", req.from.String(),
		"to", req.to.String(),
		"if_revision", req.ifRevision,
		"correlation", req.correlation,
		"revert", req.revert,
	)

	ctx := e.ctx
	watchID := w.id
	e.exec.Go(func() {
		res := e.performWrite(ctx, req)
		e.queue.Enqueue(event{
			Type:    eventWriteDone,
			ItemID:  req.key.ItemID,
			VoterID: req.key.VoterID,
			Watch:   watchID,
			Write:   &res,
		})
	})
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.writeTimeout > 0 {
		return context.WithTimeout(ctx, e.writeTimeout)
	}
	return context.WithCancel(ctx)
}

// performWrite runs on the executor, off the event loop.
func (e *Engine) performWrite(ctx context.Context, req writeRequest) writeResult {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	res := writeResult{req: req}
	docKey := req.key.DocKey()
	if req.to == record.NoVote {
		writesIssued.WithLabelValues("delete").Inc()
		timer := prometheus.NewTimer(storeCallDuration.WithLabelValues("delete"))
		res.revision, res.err = e.store.Delete(ctx, record.CollectionVotes, docKey, req.ifRevision)
		timer.ObserveDuration()
	} else {
		rec := record.VoteRecord{ItemID: req.key.ItemID, VoterID: req.key.VoterID, Value: req.to}
		writesIssued.WithLabelValues("put").Inc()
		timer := prometheus.NewTimer(storeCallDuration.WithLabelValues("put"))
		res.revision, res.err = e.store.Put(ctx, record.CollectionVotes, docKey, rec.Body(req.correlation), req.ifRevision)
		timer.ObserveDuration()
	}
	if res.err != nil || !req.increment {
		return res
	}

	writesIssued.WithLabelValues("increment").Inc()
	timer := prometheus.NewTimer(storeCallDuration.WithLabelValues("increment"))
	res.counterRevision, res.counterErr = e.store.Increment(ctx,
		record.CollectionItems, req.key.ItemID, record.FieldVoteCount, tally.Delta(req.from, req.to))
	timer.ObserveDuration()
	return res
}

func (e *Engine) onWriteDone(ev event) {
	res := ev.Write
	w := e.watches[ev.ItemID]
	if w == nil || w.id != ev.Watch {
		slog.Debug("ignoring write result for unwatched item",
			"item_id", ev.ItemID,
			"voter_id", ev.VoterID,
			"error", res.err,
		)
		return
	}
	w.inflight--
	ent := w.pending[ev.VoterID]
	if ent == nil || !ent.inFlight {
		return
	}
	ent.inFlight = false

	var failure *Error
	switch {
	case res.req.revert:
		failure = e.reverted(w, ent, res)
	case res.err != nil:
		failure = e.rollback(w, ent, classify("write", w.itemID, ent.voterID, res.err))
	default:
		ent.acked = true
		ent.ackValue = res.req.to
		ent.ackRev = res.revision
		slog.Debug("vote write acknowledged",
			"item_id", w.itemID,
			"voter_id", ent.voterID,
			"value", res.req.to.String(),
			"revision", res.revision,
			"correlation", res.req.correlation,
		)
		if res.req.increment && res.counterErr != nil {
			failure = e.revert(w, ent, res)
			break
		}
		if res.req.increment {
			ent.marks = append(ent.marks, countMark{revision: res.counterRevision, value: res.req.to})
		}
		// taps made while the write was in flight
		if ent.desired != res.req.to {
			e.issueWrite(w, ent)
		}
	}

	if w.inflight == 0 {
		e.flushHeld(w)
	}
	e.reconcile(w)
	e.publish(w)
	if failure != nil {
		e.fail(w.itemID, ent.voterID, failure)
	}
}

// revert handles a record that landed while its voteCount increment
// failed. The record is put back to its previous value so voteCount keeps
// matching the records, and the entry rolls back to that value meanwhile.
// A missing item has no counter left to match, so nothing is undone.
func (e *Engine) revert(w *watch, ent *optimisticEntry, res *writeResult) *Error {
	err := classify("increment", w.itemID, ent.voterID, res.counterErr)
	slog.Warn("vote counter update failed", "item_id", w.itemID, "voter_id", ent.voterID, "error", res.counterErr)
	if err.Code == ErrCodeNotFound {
		ent.counted = res.req.to
		ent.marks = nil
		return nil
	}

	rollbacks.WithLabelValues(string(err.Code)).Inc()
	ent.transition(w.itemID, Rejected)
	ent.desired = res.req.from
	ent.transition(w.itemID, PendingLocal)

	req := writeRequest{
		key:         res.req.key,
		from:        res.req.to,
		to:          res.req.from,
		correlation: e.corrGen.Generate(),
		revert:      true,
	}
	// a tombstone only accepts a fresh put
	if res.req.to != record.NoVote {
		req.ifRevision = res.revision
	}
	e.dispatchWrite(w, ent, req)
	return err
}

// reverted applies the result of a revert write. If the revert itself
// failed the record stays uncounted; the entry is dropped so the view
// follows the counter, and recount repairs the drift.
func (e *Engine) reverted(w *watch, ent *optimisticEntry, res *writeResult) *Error {
	if res.err != nil {
		slog.Error("vote record left uncounted",
			"item_id", w.itemID,
			"voter_id", ent.voterID,
			"value", res.req.from.String(),
			"error", res.err,
		)
		ent.transition(w.itemID, Rejected)
		delete(w.pending, ent.voterID)
		return classify("revert", w.itemID, ent.voterID, res.err)
	}

	ent.acked = true
	ent.ackValue = res.req.to
	ent.ackRev = res.revision
	slog.Debug("vote write reverted",
		"item_id", w.itemID,
		"voter_id", ent.voterID,
		"value", res.req.to.String(),
		"revision", res.revision,
	)
	if ent.desired != res.req.to {
		e.issueWrite(w, ent)
	}
	return nil
}

// rollback undoes ent after a failed write. An entry with an earlier
// successful write falls back to that value; otherwise it is discarded.
// Returns the error to report, or nil to stay silent.
func (e *Engine) rollback(w *watch, ent *optimisticEntry, err *Error) *Error {
	rollbacks.WithLabelValues(string(err.Code)).Inc()
	if err.Code == ErrCodeNotFound {
		slog.Debug("discarding vote for missing item", "item_id", w.itemID, "voter_id", ent.voterID)
		delete(w.pending, ent.voterID)
		return nil
	}

	ent.transition(w.itemID, Rejected)
	if ent.acked {
		ent.desired = ent.ackValue
		ent.transition(w.itemID, PendingLocal)
	} else {
		delete(w.pending, ent.voterID)
	}
	if err.Code == ErrCodeConflict {
		e.readBack(w, ent.voterID)
	}
	return err
}

// readBack fetches a voter's record after a conflict so the ledger catches
// up even if the live query is lagging.
func (e *Engine) readBack(w *watch, voterID string) {
	key := record.VoteKey{ItemID: w.itemID, VoterID: voterID}
	ctx := e.ctx
	watchID := w.id
	e.exec.Go(func() {
		ctx, cancel := e.callContext(ctx)
		defer cancel()
		timer := prometheus.NewTimer(storeCallDuration.WithLabelValues("read"))
		doc, ok, err := e.store.ReadOnce(ctx, record.CollectionVotes, key.DocKey())
		timer.ObserveDuration()
		e.queue.Enqueue(event{
			Type:    eventReadDone,
			ItemID:  key.ItemID,
			VoterID: key.VoterID,
			Watch:   watchID,
			Read:    &readResult{doc: doc, ok: ok, err: err},
		})
	})
}

func (e *Engine) onReadDone(ev event) {
	w := e.watches[ev.ItemID]
	if w == nil || w.id != ev.Watch {
		return
	}
	r := ev.Read
	if r.err != nil {
		slog.Warn("re-read after conflict failed", "item_id", ev.ItemID, "voter_id", ev.VoterID, "error", r.err)
		return
	}
	if r.doc.Revision == 0 {
		return
	}
	rec := record.VoteRecord{ItemID: ev.ItemID, VoterID: ev.VoterID, Revision: r.doc.Revision}
	if r.ok {
		decoded, err := record.VoteRecordFromDocument(r.doc)
		if err != nil {
			slog.Warn("re-read returned malformed vote record", "item_id", ev.ItemID, "voter_id", ev.VoterID, "error", err)
			return
		}
		rec = decoded
	}
	if _, ok := w.ledger.Apply(rec); ok {
		slog.Debug("conflict re-read applied", "item_id", ev.ItemID, "voter_id", ev.VoterID, "revision", rec.Revision)
	}
	e.reconcile(w)
	e.publish(w)
}

// reconcile retires entries whose effect the authoritative state now shows.
func (e *Engine) reconcile(w *watch) {
	for voter, ent := range w.pending {
		if ent.inFlight || len(ent.marks) > 0 {
			continue
		}
		if ent.acked && w.ledger.Seen(voter) < ent.ackRev {
			continue
		}
		ent.transition(w.itemID, Confirmed)
		delete(w.pending, voter)
	}
}
