package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/tally/internal/record"
)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func voteBody(item, voter string, v record.Vote) record.Object {
	return record.VoteRecord{ItemID: item, VoterID: voter, Value: v}.Body("")
}

func voteKey(item, voter string) string {
	return record.VoteKey{ItemID: item, VoterID: voter}.DocKey()
}

func itemBody(scope string, createdAt int64, count *int64) record.Object {
	return record.Item{ParentScope: scope, AuthorID: "author", CreatedAt: createdAt, VoteCount: count}.Body()
}

func ptr(n int64) *int64 {
	return &n
}
