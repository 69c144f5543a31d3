package record

import "fmt"

// Collection names.
const (
	CollectionItems = "items"
	CollectionVotes = "voteRecords"
)

// Document field names. They match the persisted schema of the web client.
const (
	FieldItemID      = "itemId"
	FieldVoterID     = "voterId"
	FieldValue       = "value"
	FieldParentScope = "parentScope"
	FieldAuthorID    = "authorId"
	FieldAuthorName  = "authorName"
	FieldText        = "text"
	FieldCreatedAt   = "createdAt"
	FieldVoteCount   = "voteCount"
	FieldCorrelation = "correlation"
)

// DefaultScope is the scope items land in when none is given.
const DefaultScope = "general"

// Vote is a voter's stance on an item. The zero value means "no vote".
type Vote int8

const (
	NoVote Vote = 0
	Up     Vote = 1
	Down   Vote = -1
)

// Valid reports whether v is a castable value (+1 or -1).
func (v Vote) Valid() bool {
	return v == Up || v == Down
}

func (v Vote) String() string {
	switch v {
	case Up:
		return "up"
	case Down:
		return "down"
	case NoVote:
		return "none"
	}
	return fmt.Sprintf("Vote(%d)", int8(v))
}

// ParseVote parses "up", "down", "+1", "-1", "1" or "none".
func ParseVote(s string) (Vote, error) {
	switch s {
	case "up", "+1", "1":
		return Up, nil
	case "down", "-1":
		return Down, nil
	case "none", "0", "":
		return NoVote, nil
	}
	return NoVote, fmt.Errorf("invalid vote %q", s)
}

// VoteKey identifies the single VoteRecord a voter may hold on an item.
type VoteKey struct {
	ItemID  string
	VoterID string
}

func (k VoteKey) String() string {
	return k.ItemID + "/" + k.VoterID
}

// VoteRecord is one voter's current stance on one item.
type VoteRecord struct {
	ItemID   string
	VoterID  string
	Value    Vote
	Revision int64
}

// Key returns the record's (item, voter) key.
func (r VoteRecord) Key() VoteKey {
	return VoteKey{ItemID: r.ItemID, VoterID: r.VoterID}
}

// Body returns the document body for the record. A non-empty correlation id
// tags the write so the author can recognize it on the change feed.
func (r VoteRecord) Body(correlation string) Object {
	obj := NewObject(
		F(FieldItemID, String(r.ItemID)),
		F(FieldVoterID, String(r.VoterID)),
		F(FieldValue, Int(r.Value)),
	)
	if correlation != "" {
		obj[FieldCorrelation] = String(correlation)
	}
	return obj
}

// VoteRecordFromDocument decodes a voteRecords document.
// Tombstones decode with Value NoVote.
func VoteRecordFromDocument(doc Document) (VoteRecord, error) {
	item, ok := doc.Body.Str(FieldItemID)
	if !ok {
		return VoteRecord{}, fmt.Errorf("vote document %s: missing %s", doc.Key, FieldItemID)
	}
	voter, ok := doc.Body.Str(FieldVoterID)
	if !ok {
		return VoteRecord{}, fmt.Errorf("vote document %s: missing %s", doc.Key, FieldVoterID)
	}
	rec := VoteRecord{ItemID: item, VoterID: voter, Revision: doc.Revision}
	if doc.Deleted {
		return rec, nil
	}
	n, ok := doc.Body.Int(FieldValue)
	if !ok {
		return VoteRecord{}, fmt.Errorf("vote document %s: missing %s", doc.Key, FieldValue)
	}
	rec.Value = Vote(n)
	if !rec.Value.Valid() {
		return VoteRecord{}, fmt.Errorf("vote document %s: invalid value %d", doc.Key, n)
	}
	return rec, nil
}

// Content is what an author writes: the item text and the name shown
// next to it.
type Content struct {
	Text       string
	AuthorName string
}

// Item is a votable unit (post or comment).
type Item struct {
	ID          string
	ParentScope string
	AuthorID    string
	AuthorName  string
	Text        string
	CreatedAt   int64 // unix milliseconds
	Revision    int64

	// VoteCount is the incremental counter; nil under the computed strategy.
	VoteCount *int64
}

// Body returns the document body for the item.
func (it Item) Body() Object {
	obj := NewObject(
		F(FieldParentScope, String(it.ParentScope)),
		F(FieldAuthorID, String(it.AuthorID)),
		F(FieldAuthorName, String(it.AuthorName)),
		F(FieldText, String(it.Text)),
		F(FieldCreatedAt, Int(it.CreatedAt)),
	)
	if it.VoteCount != nil {
		obj[FieldVoteCount] = Int(*it.VoteCount)
	}
	return obj
}

// ItemFromDocument decodes an items document.
func ItemFromDocument(doc Document) Item {
	it := Item{ID: doc.Key, Revision: doc.Revision}
	it.ParentScope, _ = doc.Body.Str(FieldParentScope)
	it.AuthorID, _ = doc.Body.Str(FieldAuthorID)
	it.AuthorName, _ = doc.Body.Str(FieldAuthorName)
	it.Text, _ = doc.Body.Str(FieldText)
	it.CreatedAt, _ = doc.Body.Int(FieldCreatedAt)
	if n, ok := doc.Body.Int(FieldVoteCount); ok {
		it.VoteCount = &n
	}
	return it
}

// Document is a stored document at a revision.
// Deleted documents are tombstones: they keep their last body so a removal
// can still be attributed to a key.
type Document struct {
	Collection string
	Key        string
	Body       Object
	Revision   int64
	Deleted    bool
}

// ChangeKind is the kind of a change notification.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is one document change delivered by a live query.
type Change struct {
	Kind     ChangeKind
	Document Document
}

// Batch is one delivery from a live query.
//
// The first batch of every subscription has Snapshot set and lists every
// document matching the query as Added; it is the full authoritative state.
// Later batches carry incremental changes. Delivery is at-least-once, so the
// same revision may arrive more than once.
type Batch struct {
	Snapshot bool
	Changes  []Change

	// Revision is the store revision the batch is consistent with. For a
	// snapshot, no change at or below it is missing from Changes.
	Revision int64
}
