// Package tally folds vote records into signed per-item counts.
//
// Compute and Delta are pure. Ledger is the stateful fold used against a
// change feed: it remembers, per voter, the value and revision it last
// applied, so replayed or reordered notifications converge on the same total.
package tally

import "github.com/roach88/tally/internal/record"

// Compute returns the sum of the records' values.
// Order of records does not matter; NoVote contributes nothing.
func Compute(records []record.VoteRecord) int64 {
	var sum int64
	for _, r := range records {
		sum += int64(r.Value)
	}
	return sum
}

// Delta returns the tally change for a record moving from old to new.
// NoVote stands for "no record".
func Delta(old, new record.Vote) int64 {
	return int64(new) - int64(old)
}

type entry struct {
	value    record.Vote
	revision int64
}

// Ledger is the per-item fold of vote records keyed by voter.
//
// A change is applied only if its revision is newer than both the last
// revision applied for that voter and the ledger's floor (the revision of the
// last snapshot). Deltas are computed from the ledger's own view of the
// previous value, never from the notification, so replaying the same
// revision is a no-op.
//
// Ledger is not safe for concurrent use; the engine owns it from its event loop.
type Ledger struct {
	entries map[string]entry
	total   int64
	floor   int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]entry)}
}

// Apply folds one record state into the ledger.
// rec.Value == NoVote records a removal. Returns the tally delta and whether
// the change was applied.
func (l *Ledger) Apply(rec record.VoteRecord) (int64, bool) {
	prev := l.entries[rec.VoterID]
	if rec.Revision <= prev.revision || rec.Revision <= l.floor {
		return 0, false
	}
	d := Delta(prev.value, rec.Value)
	l.entries[rec.VoterID] = entry{value: rec.Value, revision: rec.Revision}
	l.total += d
	return d, true
}

// Reset replaces the ledger contents with an authoritative snapshot taken at
// store revision asOf and returns the new total. Changes at or below asOf
// are ignored afterwards.
func (l *Ledger) Reset(records []record.VoteRecord, asOf int64) int64 {
	l.entries = make(map[string]entry, len(records))
	for _, r := range records {
		if r.Value == record.NoVote {
			continue
		}
		if e, ok := l.entries[r.VoterID]; ok && e.revision >= r.Revision {
			continue
		}
		l.entries[r.VoterID] = entry{value: r.Value, revision: r.Revision}
	}
	l.total = 0
	for _, e := range l.entries {
		l.total += int64(e.value)
	}
	if asOf > l.floor {
		l.floor = asOf
	}
	return l.total
}

// Total returns the current signed count.
func (l *Ledger) Total() int64 {
	return l.total
}

// Own returns the confirmed value and revision for voter.
func (l *Ledger) Own(voterID string) (record.Vote, int64) {
	e := l.entries[voterID]
	return e.value, e.revision
}

// Seen returns the revision through which the ledger knows voter's state:
// the last applied revision for voter, or the snapshot floor if that is newer.
func (l *Ledger) Seen(voterID string) int64 {
	return max(l.entries[voterID].revision, l.floor)
}

// Counter tracks an incrementally maintained tally field observed on the
// item document. Observations at or below the last revision are dropped.
type Counter struct {
	value    int64
	revision int64
}

// Observe records the counter value seen at revision. Reports whether it was newer.
func (c *Counter) Observe(value, revision int64) bool {
	if revision <= c.revision {
		return false
	}
	c.value = value
	c.revision = revision
	return true
}

// Value returns the last observed counter value.
func (c *Counter) Value() int64 {
	return c.value
}

// Revision returns the revision of the last observation.
func (c *Counter) Revision() int64 {
	return c.revision
}
