package store

import (
	"fmt"

	"github.com/roach88/tally/internal/record"
)

// documentRow is the scan target for the documents table.
type documentRow struct {
	Collection string `db:"collection"`
	Key        string `db:"key"`
	Body       string `db:"body"`
	Revision   int64  `db:"revision"`
	Deleted    bool   `db:"deleted"`
}

const documentColumns = `collection, key, body, revision, deleted`

func (r documentRow) document() (record.Document, error) {
	body, err := unmarshalBody(r.Body)
	if err != nil {
		return record.Document{}, fmt.Errorf("document %s/%s: %w", r.Collection, r.Key, err)
	}
	return record.Document{
		Collection: r.Collection,
		Key:        r.Key,
		Body:       body,
		Revision:   r.Revision,
		Deleted:    r.Deleted,
	}, nil
}

func documents(rows []documentRow) ([]record.Document, error) {
	docs := make([]record.Document, 0, len(rows))
	for _, r := range rows {
		doc, err := r.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// marshalBody converts a body to canonical JSON TEXT for storage.
func marshalBody(body record.Object) (string, error) {
	if body == nil {
		body = record.Object{}
	}
	data, err := record.MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(data), nil
}

// unmarshalBody parses stored JSON TEXT back into an Object.
func unmarshalBody(data string) (record.Object, error) {
	if data == "" || data == "{}" {
		return record.Object{}, nil
	}
	v, err := record.ParseValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	obj, ok := v.(record.Object)
	if !ok {
		return nil, fmt.Errorf("unmarshal body: expected object, got %T", v)
	}
	return obj, nil
}
