package feed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/testutil"
)

const testSecret = "feed-test-secret"

type serverFixture struct {
	srv  *httptest.Server
	auth *Authenticator
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	hub := NewHub()
	s := testutil.NewMemStore()
	e := engine.New(s, engine.WithListener(hub))
	items := engine.NewItems(s, engine.StrategyComputed)
	auth := NewAuthenticator(testSecret)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	srv := httptest.NewServer(NewServer(e, items, auth, hub, nil))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &serverFixture{srv: srv, auth: auth}
}

func (f *serverFixture) token(t *testing.T, voterID string) string {
	t.Helper()
	tok, err := f.auth.Issue(voterID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *serverFixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *serverFixture) createItem(t *testing.T, token, scope string) ItemView {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/items", token, `{"scope":"`+scope+`","text":"hello","authorName":"Ada"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var it ItemView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&it))
	return it
}

func (f *serverFixture) dial(t *testing.T, scope, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed?scope=" + scope
	if token != "" {
		url += "&token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, ws *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var m Message
		require.NoError(t, ws.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}

func isTally(itemID string, value int64) func(Message) bool {
	return func(m Message) bool {
		return m.Type == TypeTally && m.ItemID == itemID && m.Value != nil && *m.Value == value
	}
}

func TestServer_FeedFlow(t *testing.T) {
	f := newServerFixture(t)
	author := f.token(t, "author")
	voter := f.token(t, "u1")

	it := f.createItem(t, author, "golang")
	assert.Equal(t, "golang", it.Scope)
	assert.Equal(t, "author", it.AuthorID)
	assert.Equal(t, "hello", it.Text)
	assert.Equal(t, "Ada", it.AuthorName)

	ws := f.dial(t, "golang", voter)
	m := readUntil(t, ws, func(m Message) bool { return m.Type == TypeItem })
	assert.Equal(t, it.ID, m.ItemID)
	readUntil(t, ws, isTally(it.ID, 0))

	require.NoError(t, ws.WriteJSON(Request{Type: RequestVote, ItemID: it.ID, Value: "up"}))
	readUntil(t, ws, isTally(it.ID, 1))

	resp := f.do(t, http.MethodGet, "/items/"+it.ID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got itemResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NotNil(t, got.Tally)
	assert.Equal(t, int64(1), *got.Tally)

	resp = f.do(t, http.MethodDelete, "/items/"+it.ID, voter, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/items/"+it.ID, author, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	m = readUntil(t, ws, func(m Message) bool { return m.Type == TypeRemoved })
	assert.Equal(t, it.ID, m.ItemID)

	resp = f.do(t, http.MethodGet, "/items/"+it.ID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CreateOverFeed(t *testing.T) {
	f := newServerFixture(t)
	ws := f.dial(t, "", f.token(t, "u1"))

	require.NoError(t, ws.WriteJSON(Request{Type: RequestCreate, Text: "first!", AuthorName: "Bo"}))
	m := readUntil(t, ws, func(m Message) bool { return m.Type == TypeItem })
	require.NotNil(t, m.Item)
	assert.Equal(t, "general", m.Item.Scope)
	assert.Equal(t, "u1", m.Item.AuthorID)
	assert.Equal(t, "first!", m.Item.Text)
	assert.Equal(t, "Bo", m.Item.AuthorName)
	readUntil(t, ws, isTally(m.ItemID, 0))
}

func TestServer_AnonymousCannotVote(t *testing.T) {
	f := newServerFixture(t)
	it := f.createItem(t, f.token(t, "author"), "golang")

	ws := f.dial(t, "golang", "")
	readUntil(t, ws, isTally(it.ID, 0))

	require.NoError(t, ws.WriteJSON(Request{Type: RequestVote, ItemID: it.ID, Value: "up"}))
	m := readUntil(t, ws, func(m Message) bool { return m.Type == TypeError })
	assert.Equal(t, string(engine.ErrCodePermission), m.Code)

	require.NoError(t, ws.WriteJSON(Request{Type: RequestVote, ItemID: it.ID, Value: "sideways"}))
	m = readUntil(t, ws, func(m Message) bool { return m.Type == TypeError })
	assert.Equal(t, "BAD_REQUEST", m.Code)

	resp := f.do(t, http.MethodPost, "/items", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_CommentThreadOldestFirst(t *testing.T) {
	f := newServerFixture(t)
	author := f.token(t, "author")
	post := f.createItem(t, author, "golang")
	first := f.createItem(t, author, post.ID)
	second := f.createItem(t, author, post.ID)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed?order=oldest&scope=" + post.ID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	isItem := func(m Message) bool { return m.Type == TypeItem }
	// ULIDs of one millisecond still sort in creation order
	got := []string{readUntil(t, ws, isItem).ItemID, readUntil(t, ws, isItem).ItemID}
	assert.Equal(t, []string{first.ID, second.ID}, got)
}

func TestServer_RejectsBadOrder(t *testing.T) {
	f := newServerFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed?order=random"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_RejectsBadToken(t *testing.T) {
	f := newServerFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	r := f.do(t, http.MethodPost, "/items", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.dial(t, "golang", "")
	resp = f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tally_feed_connections")
	assert.Contains(t, string(body), "tally_watched_items")
}
