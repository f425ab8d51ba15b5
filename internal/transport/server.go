package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/lockstep/internal/dist"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
)

const (
	// maxMessageBytes caps a peer message body.
	maxMessageBytes = 1 << 20

	// writeWait bounds one websocket write.
	writeWait = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// PollTimeout bounds long polls; zero means DefaultPollTimeout.
	PollTimeout time.Duration
	// Archive journals every new session.
	Archive bool
	// SuppressStacks strips stack traces from error events.
	SuppressStacks bool
	// NewID generates session IDs; the default is a UUIDv7.
	NewID func() string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server exposes a Host over HTTP.
//
//	POST   /sessions               create and start a session
//	POST   /sessions/{id}/messages deliver a peer message, then long-poll
//	GET    /sessions/{id}/ws       exchange messages over a websocket
//	POST   /sessions/{id}/suspend  archive and stop a session
//	POST   /sessions/{id}/resume   restart a suspended session
//	DELETE /sessions/{id}          destroy a session
type Server struct {
	host     dist.Host
	opts     Options
	log      *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	outboxes map[string]*Outbox
}

// NewServer creates a server for host.
func NewServer(host dist.Host, opts Options) *Server {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		host:     host,
		opts:     opts,
		log:      opts.Logger,
		router:   mux.NewRouter(),
		outboxes: make(map[string]*Outbox),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/messages", s.handleMessages).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/ws", s.handleSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}/suspend", s.handleSuspend).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}", s.handleDestroy).Methods(http.MethodDelete)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createRequest struct {
	App       string `json:"app"`
	Prerender bool   `json:"prerender,omitempty"`
}

type createResponse struct {
	SessionID string           `json:"sessionID"`
	Events    []protocol.Event `json:"events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := s.opts.NewID()
	ob := NewOutbox(baseURL(r), r.Header.Get("Cookie"))
	spec := dist.Spec{
		ID:             id,
		App:            req.App,
		Archive:        s.opts.Archive,
		SuppressStacks: s.opts.SuppressStacks,
		Prerender:      req.Prerender,
	}
	h, err := s.host.Open(r.Context(), spec, ob)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.track(id, ob, h)

	if err := h.Start(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	events := []protocol.Event{}
	if req.Prerender {
		evs, err := h.PrerenderEvents(r.Context())
		if err != nil && !session.IsDisconnected(err) {
			writeError(w, statusFor(err), err)
			return
		}
		events = append(events, evs...)
	}

	s.log.Info("session created", "session_id", id, "app", req.App)
	writeJSON(w, http.StatusCreated, createResponse{SessionID: id, Events: events})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ob, ok := s.outbox(id)
	if !ok {
		writeError(w, http.StatusNotFound, dist.ErrSessionNotFound)
		return
	}
	ob.SetRequest(baseURL(r), r.Header.Get("Cookie"))

	q := r.URL.Query()
	if ack := q.Get("ack"); ack != "" {
		n, err := strconv.ParseInt(ack, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ob.Ack(n)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		msg, err := protocol.ParseMessage(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		msg.NoJavaScript = q.Get("noscript") == "1"
		if h, ok := s.host.Lookup(id); ok {
			if err := h.Receive(r.Context(), msg); err != nil && !session.IsDisconnected(err) {
				writeError(w, statusFor(err), err)
				return
			}
		}
	}

	msgs, err := ob.Next(r.Context(), s.opts.PollTimeout)
	switch {
	case session.IsDisconnected(err):
		s.forget(id)
		writeError(w, http.StatusGone, err)
		return
	case err != nil:
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	if ob.Finished() {
		s.forget(id)
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ob, ok := s.outbox(id)
	if !ok {
		writeError(w, http.StatusNotFound, dist.ErrSessionNotFound)
		return
	}
	h, ok := s.host.Lookup(id)
	if !ok {
		writeError(w, http.StatusGone, session.ErrDisconnected)
		return
	}
	ob.SetRequest(baseURL(r), r.Header.Get("Cookie"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump(ctx, conn, ob)
	}()

	s.readPump(ctx, conn, h)
	cancel()
	<-written
	if ob.Finished() {
		s.forget(id)
	}
}

// readPump feeds peer messages to the session until the socket closes.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, h dist.Handle) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket closed", "session_id", h.ID(), "error", err)
			}
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			s.log.Warn("dropping malformed peer message", "session_id", h.ID(), "error", err)
			continue
		}
		if err := h.Receive(ctx, msg); err != nil {
			return
		}
	}
}

// writePump sends sealed messages as they appear. Messages written to the
// socket count as acknowledged.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, ob *Outbox) {
	for {
		msgs, err := ob.Next(ctx, s.opts.PollTimeout)
		if err != nil {
			if session.IsDisconnected(err) {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session destroyed"))
			}
			return
		}
		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				s.log.Error("failed to encode message", "message_id", m.MessageID, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			ob.Ack(m.MessageID)
		}
	}
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h, ok := s.host.Lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, dist.ErrSessionNotFound)
		return
	}
	if err := h.Suspend(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ob := NewOutbox(baseURL(r), r.Header.Get("Cookie"))
	spec := dist.Spec{ID: id, App: req.App, Archive: true, SuppressStacks: s.opts.SuppressStacks}
	h, err := s.host.Open(r.Context(), spec, ob)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := h.Unarchive(r.Context()); err != nil {
		// A session that cannot be resumed is discarded with its archive.
		if derr := h.Destroy(r.Context()); derr != nil {
			s.log.Warn("failed to discard session", "session_id", id, "error", derr)
		}
		writeError(w, statusFor(err), err)
		return
	}
	s.track(id, ob, h)

	s.log.Info("session resumed", "session_id", id, "app", req.App)
	writeJSON(w, http.StatusOK, createResponse{SessionID: id, Events: []protocol.Event{}})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	h, ok := s.host.Lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, dist.ErrSessionNotFound)
		return
	}
	if err := h.Destroy(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// track registers ob and drops it some time after the session ends, in
// case the peer never collects the final message.
func (s *Server) track(id string, ob *Outbox, h dist.Handle) {
	s.mu.Lock()
	s.outboxes[id] = ob
	s.mu.Unlock()

	go func() {
		<-h.Done()
		time.AfterFunc(2*s.opts.PollTimeout, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.outboxes[id] == ob {
				delete(s.outboxes, id)
			}
		})
	}()
}

func (s *Server) outbox(id string) (*Outbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.outboxes[id]
	return ob, ok
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outboxes, id)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func statusFor(err error) int {
	switch {
	case dist.IsSessionNotFound(err), errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound
	case session.IsUnknownApp(err):
		return http.StatusBadRequest
	case errors.Is(err, dist.ErrSessionExists):
		return http.StatusConflict
	case session.IsDisconnected(err):
		return http.StatusGone
	case dist.IsWorkerGone(err), errors.Is(err, dist.ErrHostClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
