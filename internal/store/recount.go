package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/tally/internal/record"
)

// Discrepancy is an item whose stored voteCount differs from the sum of its
// vote records.
type Discrepancy struct {
	ItemID   string `db:"item_id" json:"item_id"`
	Stored   int64  `db:"stored" json:"stored"`
	Computed int64  `db:"computed" json:"computed"`
	Missing  bool   `db:"missing" json:"missing"` // item has no voteCount field
}

// Recount recomputes the signed sum of vote records for every live item and
// compares it with the item's voteCount field. With fix set, each
// discrepancy is repaired in the same transaction, one new revision per item.
//
// Results are ordered by item id.
func (s *Store) Recount(ctx context.Context, fix bool) ([]Discrepancy, error) {
	if fix && s.readOnly {
		return nil, fmt.Errorf("recount: %w", ErrPermission)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, castErr("recount", err)
	}
	defer tx.Rollback() // No-op if committed

	var found []Discrepancy
	err = tx.SelectContext(ctx, &found, `
		WITH sums AS (
			SELECT json_extract(body, '$.itemId') AS item_id,
				SUM(json_extract(body, '$.value')) AS computed
			FROM documents
			WHERE collection = ? AND deleted = 0
			GROUP BY item_id
		)
		SELECT i.key AS item_id,
			COALESCE(json_extract(i.body, '$.voteCount'), 0) AS stored,
			COALESCE(s.computed, 0) AS computed,
			json_type(i.body, '$.voteCount') IS NULL AS missing
		FROM documents i
		LEFT JOIN sums s ON s.item_id = i.key
		WHERE i.collection = ? AND i.deleted = 0
			AND (json_type(i.body, '$.voteCount') IS NULL
				OR json_extract(i.body, '$.voteCount') != COALESCE(s.computed, 0))
		ORDER BY i.key COLLATE BINARY ASC
	`, record.CollectionVotes, record.CollectionItems)
	if err != nil {
		return nil, castErr("recount", err)
	}
	if found == nil {
		found = []Discrepancy{}
	}

	if !fix || len(found) == 0 {
		return found, nil
	}

	for _, d := range found {
		if err := repairCount(ctx, tx, d); err != nil {
			return nil, castErr("recount", err)
		}
		slog.Info("repaired vote count",
			"item_id", d.ItemID,
			"stored", d.Stored,
			"computed", d.Computed,
		)
	}
	if err := tx.Commit(); err != nil {
		return nil, castErr("recount: commit", err)
	}
	s.notify(record.CollectionItems)
	return found, nil
}

func repairCount(ctx context.Context, tx *sqlx.Tx, d Discrepancy) error {
	var row documentRow
	if err := tx.GetContext(ctx, &row, `
		SELECT `+documentColumns+` FROM documents
		WHERE collection = ? AND key = ?
	`, record.CollectionItems, d.ItemID); err != nil {
		return fmt.Errorf("read item %s: %w", d.ItemID, err)
	}
	doc, err := row.document()
	if err != nil {
		return err
	}
	body := doc.Body.Clone()
	body[record.FieldVoteCount] = record.Int(d.Computed)
	bodyJSON, err := marshalBody(body)
	if err != nil {
		return err
	}

	rev, err := nextRevision(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET body = ?, revision = ?
		WHERE collection = ? AND key = ?
	`, bodyJSON, rev, record.CollectionItems, d.ItemID); err != nil {
		return fmt.Errorf("update item %s: %w", d.ItemID, err)
	}
	return nil
}
