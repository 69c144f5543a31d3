// Package store provides a SQLite-backed document store with live queries.
//
// Documents live in collections and are addressed by key. Every write takes
// the next value of a single store-wide revision counter, so each document
// version carries a unique, totally ordered revision.
//
// # Write semantics
//
//   - Put and Delete accept a revision precondition. AnyRevision skips the
//     check; 0 requires the document to be absent; any other value must
//     equal the current revision. A failed check returns ErrConflict.
//   - Delete leaves a tombstone: the row keeps its last body and gains the
//     deletion revision, so removals can be delivered as changes.
//   - Increment adds to an integer field inside one transaction.
//
// # Live queries
//
// Subscribe delivers an initial snapshot of the matching documents, then
// batches of changes ordered by revision. Subscribers are woken after each
// committed write and read the changes back from the table, so a slow
// subscriber never blocks writers and never misses a revision.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Document bodies are stored as RFC 8785 canonical JSON via
// record.MarshalCanonical.
package store
