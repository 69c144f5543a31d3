// Package engine keeps per-item vote tallies in step with a document store
// while letting local votes show up immediately.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every piece of watch state is owned by one goroutine. CastVote, Watch and
// friends enqueue events; live query deliveries and store acknowledgements
// are enqueued too. Run (or Drain, in tests) handles them one at a time, so
// no lock guards a ledger or an optimistic entry.
//
// Event Processing Flow:
//  1. A tap becomes an optimistic entry and the visible tally is emitted.
//  2. The write is handed to the Executor; at most one per (item, voter).
//  3. The acknowledgement comes back as an event. Taps made meanwhile are
//     sent as one follow-up write.
//  4. The live query delivers the change; the entry retires once the
//     authoritative state covers it. The visible value does not move.
//
// Tally strategies:
//   - computed: sum the item's vote records (tally.Ledger)
//   - incremental: read the item's voteCount, adjusted by atomic increments
//
// CRITICAL PATTERNS:
//
// Revision guards:
// Every change is applied only if its revision is newer than what the
// ledger holds for the voter and newer than the last snapshot, so
// duplicate and reordered deliveries converge.
//
// Incarnations:
// Each live query carries a generation number and each watch an id.
// Deliveries and acknowledgements for a released or resubscribed
// incarnation are dropped.
package engine
