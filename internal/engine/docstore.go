package engine

import (
	"context"
	"io"
	"time"

	"github.com/roach88/tally/internal/record"
)

// LiveQuery is a running subscription. Close stops delivery.
type LiveQuery = io.Closer

// DocumentStore is the document store the engine reads and writes.
// *store.Store implements it.
type DocumentStore interface {
	// Subscribe starts a live query. fn receives a snapshot batch first,
	// then change batches; a non-nil error means the query ended.
	Subscribe(ctx context.Context, q record.Query, fn func(record.Batch, error)) (io.Closer, error)

	// Put writes a document if its current revision equals ifRevision
	// (0 = absent) and returns the new revision.
	Put(ctx context.Context, collection, key string, body record.Object, ifRevision int64) (int64, error)

	// Delete removes a document if its current revision equals ifRevision.
	Delete(ctx context.Context, collection, key string, ifRevision int64) (int64, error)

	// Increment atomically adds delta to an integer field.
	Increment(ctx context.Context, collection, key, field string, delta int64) (int64, error)

	// ReadOnce returns the current document; ok is false if absent or deleted.
	ReadOnce(ctx context.Context, collection, key string) (record.Document, bool, error)
}

// Executor runs store calls off the event loop.
//
// The engine never blocks its loop on the store: each call is handed to the
// executor and its outcome comes back as an event.
type Executor interface {
	// Go runs task asynchronously.
	Go(task func())

	// After runs task once d has elapsed.
	After(d time.Duration, task func())
}

// goExecutor runs each task on its own goroutine.
type goExecutor struct{}

func (goExecutor) Go(task func()) {
	go task()
}

func (goExecutor) After(d time.Duration, task func()) {
	time.AfterFunc(d, task)
}
