package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/tally/internal/record"
)

// Put writes body under (collection, key) and returns the new revision.
//
// ifRevision is the caller's view of the current document: AnyRevision
// skips the check, 0 requires the document to be absent (or deleted), any
// other value must equal the current revision. A failed check returns
// ErrConflict and writes nothing.
func (s *Store) Put(ctx context.Context, collection, key string, body record.Object, ifRevision int64) (int64, error) {
	bodyJSON, err := marshalBody(body)
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", collection, key, err)
	}

	var rev int64
	err = s.inTx(ctx, collection, func(tx *sqlx.Tx) error {
		cur, _, err := currentRevision(ctx, tx, collection, key)
		if err != nil {
			return err
		}
		if ifRevision != AnyRevision && cur != ifRevision {
			return fmt.Errorf("%w: have %d, want %d", ErrConflict, cur, ifRevision)
		}

		rev, err = nextRevision(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, key, body, revision, deleted)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(collection, key) DO UPDATE SET
				body = excluded.body,
				revision = excluded.revision,
				deleted = 0
		`, collection, key, bodyJSON, rev)
		return err
	})
	if err != nil {
		return 0, castErr(fmt.Sprintf("put %s/%s", collection, key), err)
	}
	return rev, nil
}

// Delete tombstones (collection, key) and returns the deletion revision.
//
// ifRevision follows Put, except that 0 is never satisfiable: a missing
// document returns ErrNotFound under AnyRevision and ErrConflict otherwise.
func (s *Store) Delete(ctx context.Context, collection, key string, ifRevision int64) (int64, error) {
	var rev int64
	err := s.inTx(ctx, collection, func(tx *sqlx.Tx) error {
		cur, exists, err := currentRevision(ctx, tx, collection, key)
		if err != nil {
			return err
		}
		if ifRevision != AnyRevision && cur != ifRevision {
			return fmt.Errorf("%w: have %d, want %d", ErrConflict, cur, ifRevision)
		}
		if !exists {
			return ErrNotFound
		}

		rev, err = nextRevision(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET revision = ?, deleted = 1
			WHERE collection = ? AND key = ?
		`, rev, collection, key)
		return err
	})
	if err != nil {
		return 0, castErr(fmt.Sprintf("delete %s/%s", collection, key), err)
	}
	return rev, nil
}

// Increment adds delta to the integer field of a live document and returns
// the new revision. A missing field counts as 0.
func (s *Store) Increment(ctx context.Context, collection, key, field string, delta int64) (int64, error) {
	var rev int64
	err := s.inTx(ctx, collection, func(tx *sqlx.Tx) error {
		var row documentRow
		err := tx.GetContext(ctx, &row, `
			SELECT `+documentColumns+` FROM documents
			WHERE collection = ? AND key = ? AND deleted = 0
		`, collection, key)
		if err != nil {
			return err
		}
		doc, err := row.document()
		if err != nil {
			return err
		}

		n, ok := doc.Body.Int(field)
		if !ok && doc.Body[field] != nil {
			return fmt.Errorf("field %q is not an integer", field)
		}
		body := doc.Body.Clone()
		body[field] = record.Int(n + delta)
		bodyJSON, err := marshalBody(body)
		if err != nil {
			return err
		}

		rev, err = nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET body = ?, revision = ?
			WHERE collection = ? AND key = ?
		`, bodyJSON, rev, collection, key)
		return err
	})
	if err != nil {
		return 0, castErr(fmt.Sprintf("increment %s/%s.%s", collection, key, field), err)
	}
	return rev, nil
}

// inTx runs fn in a write transaction and wakes the collection's live
// queries after a successful commit.
func (s *Store) inTx(ctx context.Context, collection string, fn func(*sqlx.Tx) error) error {
	if s.readOnly {
		return ErrPermission
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.notify(collection)
	return nil
}

// currentRevision returns the revision of a live document, or 0 when the
// document is absent or deleted. exists reports a live document.
func currentRevision(ctx context.Context, tx *sqlx.Tx, collection, key string) (rev int64, exists bool, err error) {
	var row struct {
		Revision int64 `db:"revision"`
		Deleted  bool  `db:"deleted"`
	}
	err = tx.GetContext(ctx, &row, `
		SELECT revision, deleted FROM documents
		WHERE collection = ? AND key = ?
	`, collection, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read current revision: %w", err)
	}
	if row.Deleted {
		return 0, false, nil
	}
	return row.Revision, true, nil
}

func nextRevision(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var rev int64
	if err := tx.GetContext(ctx, &rev, `
		UPDATE revisions SET value = value + 1 WHERE id = 1
		RETURNING value
	`); err != nil {
		return 0, fmt.Errorf("next revision: %w", err)
	}
	return rev, nil
}
