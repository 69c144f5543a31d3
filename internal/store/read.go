package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tally/internal/record"
)

// ReadOnce returns the current state of (collection, key).
//
// ok reports whether a live document exists. For a tombstone, ok is false
// and doc still carries the deletion revision and last body.
func (s *Store) ReadOnce(ctx context.Context, collection, key string) (record.Document, bool, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+documentColumns+` FROM documents
		WHERE collection = ? AND key = ?
	`, collection, key)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Document{Collection: collection, Key: key}, false, nil
	}
	if err != nil {
		return record.Document{}, false, castErr(fmt.Sprintf("read %s/%s", collection, key), err)
	}
	doc, err := row.document()
	if err != nil {
		return record.Document{}, false, err
	}
	return doc, !doc.Deleted, nil
}

// Query returns the live documents matching q in q's order.
func (s *Store) Query(ctx context.Context, q record.Query) ([]record.Document, error) {
	docs, _, err := s.snapshot(ctx, q)
	return docs, err
}

// Changes returns every version of a document matching q written after
// revision since, tombstones included, ordered by revision.
func (s *Store) Changes(ctx context.Context, q record.Query, since int64) ([]record.Document, error) {
	where, args, err := whereClause(q)
	if err != nil {
		return nil, err
	}

	var rows []documentRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT `+documentColumns+` FROM documents
		WHERE `+where+` AND revision > ?
		ORDER BY revision ASC
	`, append(args, since)...)
	if err != nil {
		return nil, castErr("query changes "+q.String(), err)
	}
	return documents(rows)
}

// snapshot reads the live documents matching q together with the store
// revision they are consistent with.
func (s *Store) snapshot(ctx context.Context, q record.Query) ([]record.Document, int64, error) {
	where, args, err := whereClause(q)
	if err != nil {
		return nil, 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, castErr("snapshot "+q.String(), err)
	}
	defer tx.Rollback()

	var rev int64
	if err := tx.GetContext(ctx, &rev, `SELECT value FROM revisions WHERE id = 1`); err != nil {
		return nil, 0, castErr("snapshot "+q.String(), err)
	}

	var rows []documentRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+documentColumns+` FROM documents
		WHERE `+where+` AND deleted = 0
		ORDER BY `+orderClause(q), args...)
	if err != nil {
		return nil, 0, castErr("snapshot "+q.String(), err)
	}

	docs, err := documents(rows)
	if err != nil {
		return nil, 0, err
	}
	return docs, rev, nil
}

// whereClause renders q's filters. Field names are validated identifiers and
// inlined so the json_extract expressions match the expression indexes.
func whereClause(q record.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	clauses := []string{"collection = ?"}
	args := []any{q.Collection}
	if q.Key != "" {
		clauses = append(clauses, "key = ?")
		args = append(args, q.Key)
	}
	for _, c := range q.Where {
		clauses = append(clauses, fmt.Sprintf("json_extract(body, '$.%s') = ?", c.Field))
		switch v := c.Value.(type) {
		case record.String:
			args = append(args, string(v))
		case record.Int:
			args = append(args, int64(v))
		case record.Bool:
			// json_extract yields 1 or 0 for JSON booleans
			if v {
				args = append(args, 1)
			} else {
				args = append(args, 0)
			}
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func orderClause(q record.Query) string {
	if q.OrderBy == "" {
		return "key COLLATE BINARY ASC"
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	return fmt.Sprintf("json_extract(body, '$.%s') %s, key COLLATE BINARY ASC", q.OrderBy, dir)
}
