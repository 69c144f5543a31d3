package record

import (
	"fmt"
	"regexp"
)

var fieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Condition is an equality filter on a top-level body field.
type Condition struct {
	Field string
	Value Value
}

// Eq builds a Condition.
func Eq(field string, v Value) Condition {
	return Condition{Field: field, Value: v}
}

// Query selects documents of one collection.
//
// Where conditions are conjunctive. Fields used in Where are expected to be
// immutable for the life of a document; a document never moves in or out of
// a query's result set except by being created or deleted.
type Query struct {
	Collection string
	Key        string // optional; restricts the query to one document
	Where      []Condition
	OrderBy    string
	Descending bool
}

// Validate checks that field names are plain identifiers and values are scalars.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("query: collection is required")
	}
	for _, c := range q.Where {
		if !fieldName.MatchString(c.Field) {
			return fmt.Errorf("query: invalid field name %q", c.Field)
		}
		switch c.Value.(type) {
		case String, Int, Bool:
		default:
			return fmt.Errorf("query: field %q: unsupported value type %T", c.Field, c.Value)
		}
	}
	if q.OrderBy != "" && !fieldName.MatchString(q.OrderBy) {
		return fmt.Errorf("query: invalid order field %q", q.OrderBy)
	}
	return nil
}

// Matches reports whether doc belongs to the query, ignoring its deleted flag.
func (q Query) Matches(doc Document) bool {
	if doc.Collection != q.Collection {
		return false
	}
	if q.Key != "" && doc.Key != q.Key {
		return false
	}
	for _, c := range q.Where {
		if doc.Body[c.Field] != c.Value {
			return false
		}
	}
	return true
}

func (q Query) String() string {
	s := q.Collection
	if q.Key != "" {
		s += "/" + q.Key
	}
	for _, c := range q.Where {
		s += fmt.Sprintf(" %s=%v", c.Field, c.Value)
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		s += fmt.Sprintf(" order by %s %s", q.OrderBy, dir)
	}
	return s
}

// VotesFor returns the live query over an item's vote records.
func VotesFor(itemID string) Query {
	return Query{
		Collection: CollectionVotes,
		Where:      []Condition{Eq(FieldItemID, String(itemID))},
	}
}

// ItemDocument returns the live query over a single item document.
func ItemDocument(itemID string) Query {
	return Query{Collection: CollectionItems, Key: itemID}
}

// Order is the listing order of a scope.
type Order int

const (
	// NewestFirst lists the latest items first, as for posts.
	NewestFirst Order = iota
	// OldestFirst lists items in creation order, as for a comment thread.
	OldestFirst
)

func (o Order) String() string {
	if o == OldestFirst {
		return "oldest"
	}
	return "newest"
}

// ParseOrder parses "newest" or "oldest". The empty string is NewestFirst.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "newest":
		return NewestFirst, nil
	case "oldest":
		return OldestFirst, nil
	}
	return NewestFirst, fmt.Errorf("invalid order %q (expected newest or oldest)", s)
}

// ItemsIn returns the scope feed query: items of a scope by creation time.
func ItemsIn(scope string, order Order) Query {
	return Query{
		Collection: CollectionItems,
		Where:      []Condition{Eq(FieldParentScope, String(scope))},
		OrderBy:    FieldCreatedAt,
		Descending: order == NewestFirst,
	}
}
