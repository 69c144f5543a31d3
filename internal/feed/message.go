package feed

import (
	"errors"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
)

// Message types sent by the server.
const (
	TypeItem    = "item"
	TypeRemoved = "removed"
	TypeTally   = "tally"
	TypeError   = "error"
)

// Request types sent by clients.
const (
	RequestVote   = "vote"
	RequestCreate = "create"
)

// Message is a server to client frame.
type Message struct {
	Type   string    `json:"type"`
	Scope  string    `json:"scope,omitempty"`
	ItemID string    `json:"itemId,omitempty"`
	Item   *ItemView `json:"item,omitempty"`
	Value  *int64    `json:"value,omitempty"`
	Code   string    `json:"code,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// ItemView is the wire form of an item.
type ItemView struct {
	ID        string `json:"id"`
	Scope     string `json:"scope"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName,omitempty"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"createdAt"`
}

// Request is a client to server frame. Text and AuthorName describe the
// item of a create request.
type Request struct {
	Type       string `json:"type"`
	ItemID     string `json:"itemId,omitempty"`
	Value      string `json:"value,omitempty"`
	Text       string `json:"text,omitempty"`
	AuthorName string `json:"authorName,omitempty"`
}

func itemMessage(scope string, it record.Item) Message {
	return Message{Type: TypeItem, Scope: scope, ItemID: it.ID, Item: &ItemView{
		ID:         it.ID,
		Scope:      it.ParentScope,
		AuthorID:   it.AuthorID,
		AuthorName: it.AuthorName,
		Text:       it.Text,
		CreatedAt:  it.CreatedAt,
	}}
}

func removedMessage(scope, itemID string) Message {
	return Message{Type: TypeRemoved, Scope: scope, ItemID: itemID}
}

func tallyMessage(itemID string, value int64) Message {
	return Message{Type: TypeTally, ItemID: itemID, Value: &value}
}

// errorMessage describes err; engine errors carry their code.
func errorMessage(itemID string, err error) Message {
	m := Message{Type: TypeError, ItemID: itemID, Code: "BAD_REQUEST", Error: err.Error()}
	var ee *engine.Error
	if errors.As(err, &ee) {
		m.Code = string(ee.Code)
	}
	return m
}
