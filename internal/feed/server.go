package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
)

// Settings tunes the feed transport.
type Settings struct {
	// PingTimeout is how long a connection may stay idle before a ping is sent.
	PingTimeout time.Duration
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// ReadTimeout is how long the server waits for any frame, pongs included.
	ReadTimeout time.Duration
	// RequestTimeout bounds item store calls made on behalf of a client.
	RequestTimeout time.Duration
	// DefaultScope is used when a client names none.
	DefaultScope string
	// MaxMessageSize limits client frames.
	MaxMessageSize int64
}

// DefaultSettings returns the production transport settings.
func DefaultSettings() *Settings {
	return &Settings{
		PingTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		RequestTimeout: 10 * time.Second,
		DefaultScope:   record.DefaultScope,
		MaxMessageSize: 4 << 10,
	}
}

// Server serves the realtime feed and the item endpoints:
//
//	GET    /feed?scope=S&order=O  websocket feed of a scope (order: newest or oldest)
//	POST   /items                 create an item in the requested scope
//	GET    /items/{id}            read an item and its cached tally
//	DELETE /items/{id}            delete an item (author only)
//	GET    /metrics               prometheus metrics
//	GET    /healthz               liveness
type Server struct {
	engine   *engine.Engine
	items    *engine.Items
	auth     *Authenticator
	hub      *Hub
	settings *Settings
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer wires a server. hub must be e's listener; it is bound to e here.
func NewServer(e *engine.Engine, items *engine.Items, auth *Authenticator, hub *Hub, settings *Settings) *Server {
	if settings == nil {
		settings = DefaultSettings()
	}
	hub.Bind(e)
	s := &Server{
		engine:   e,
		items:    items,
		auth:     auth,
		hub:      hub,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /feed", s.serveFeed)
	s.mux.HandleFunc("POST /items", s.createItem)
	s.mux.HandleFunc("GET /items/{id}", s.getItem)
	s.mux.HandleFunc("DELETE /items/{id}", s.deleteItem)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request) {
	voterID, err := s.auth.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = s.settings.DefaultScope
	}
	order, err := record.ParseOrder(r.URL.Query().Get("order"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		slog.Debug("feed upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	c, err := s.hub.join(voterID, scope, order)
	if err != nil {
		slog.Error("feed join failed", "scope", scope, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unavailable"),
			time.Now().Add(s.settings.WriteTimeout))
		return
	}
	defer s.hub.leave(c)
	slog.Info("feed connected", "voter_id", voterID, "scope", scope)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		s.writeLoop(ctx, ws, c)
	}()
	s.readLoop(ctx, ws, c)
	slog.Info("feed disconnected", "voter_id", voterID, "scope", scope)
}

// writeLoop sends queued frames, and a ping whenever the connection has
// been idle for PingTimeout. It returns when the send channel closes, the
// context ends or a write fails.
func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-c.send:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(s.settings.WriteTimeout))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := ws.WriteJSON(m); err != nil {
				slog.Debug("feed write failed", "voter_id", c.voterID, "error", err)
				return
			}
		case <-time.After(s.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("feed ping failed", "voter_id", c.voterID, "error", err)
				return
			}
		}
	}
}

// readLoop handles client requests until the connection fails.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *client) {
	ws.SetReadLimit(s.settings.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	})

	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("feed read failed", "voter_id", c.voterID, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		requestsReceived.WithLabelValues(req.Type).Inc()
		s.handle(ctx, c, req)
	}
}

func (s *Server) handle(ctx context.Context, c *client, req Request) {
	switch req.Type {
	case RequestVote:
		v, err := record.ParseVote(req.Value)
		if err == nil {
			err = s.engine.CastVote(req.ItemID, c.voterID, v)
		}
		if err != nil {
			s.hub.reply(c, errorMessage(req.ItemID, err))
		}

	case RequestCreate:
		ctx, cancel := context.WithTimeout(ctx, s.settings.RequestTimeout)
		defer cancel()
		it, err := s.items.Create(ctx, c.scope, c.voterID, record.Content{Text: req.Text, AuthorName: req.AuthorName})
		if err != nil {
			s.hub.reply(c, errorMessage("", err))
			return
		}
		// The scope feed reports the item; announce its zero tally now.
		h, err := s.engine.ItemCreated(it.ID)
		if err != nil {
			s.hub.reply(c, errorMessage(it.ID, err))
			return
		}
		h.Release()

	default:
		s.hub.reply(c, errorMessage(req.ItemID, errors.New("unknown request type "+req.Type)))
	}
}

var errNotAuthor = errors.New("only the author may delete an item")

type createRequest struct {
	Scope      string `json:"scope"`
	Text       string `json:"text"`
	AuthorName string `json:"authorName"`
}

type itemResponse struct {
	ItemView
	Tally *int64 `json:"tally,omitempty"`
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	voterID, err := s.auth.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Scope == "" {
		req.Scope = s.settings.DefaultScope
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.settings.RequestTimeout)
	defer cancel()
	it, err := s.items.Create(ctx, req.Scope, voterID, record.Content{Text: req.Text, AuthorName: req.AuthorName})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemResponse{ItemView: *itemMessage(it.ParentScope, it).Item})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.settings.RequestTimeout)
	defer cancel()
	it, err := s.items.Get(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := itemResponse{ItemView: *itemMessage(it.ParentScope, it).Item}
	if v, ok := s.engine.Tally(it.ID); ok {
		resp.Tally = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	voterID, err := s.auth.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.settings.RequestTimeout)
	defer cancel()

	id := r.PathValue("id")
	it, err := s.items.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if voterID == "" || voterID != it.AuthorID {
		writeError(w, &engine.Error{Code: engine.ErrCodePermission, Op: "delete", ItemID: id, VoterID: voterID, Err: errNotAuthor})
		return
	}
	if err := s.items.Delete(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.ItemDeleted(id); err != nil {
		slog.Warn("engine did not hear about deletion", "item_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// writeError maps engine error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case engine.IsPermission(err):
		status = http.StatusForbidden
	case engine.IsConflict(err):
		status = http.StatusConflict
	case engine.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorMessage("", err))
}
