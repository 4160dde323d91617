package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsession/pkg/session"
)

// Server serves the sessions of a registry over HTTP, WebSocket and SSE.
type Server struct {
	registry    *session.Registry
	transcripts chatstore.TranscriptStore
	upgrader    websocket.Upgrader
	publisher   WSPublisher
	heartbeat   time.Duration
	sseBuffer   int

	mu          sync.Mutex
	attachments map[string]*attachment
	idempotency map[string]*idempotencyRecords
}

type Option func(*Server)

// WithTranscriptStore lists persisted sessions alongside live ones.
func WithTranscriptStore(ts chatstore.TranscriptStore) Option {
	return func(s *Server) { s.transcripts = ts }
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

func NewServer(registry *session.Registry, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		heartbeat:   15 * time.Second,
		sseBuffer:   64,
		attachments: map[string]*attachment{},
		idempotency: map[string]*idempotencyRecords{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.publisher = NewWSPublisher(s)
	registry.SetEvictionHooks(s.inUse, s.onEvict)
	return s
}

func (s *Server) Publisher() WSPublisher { return s.publisher }

// Handler returns the full router: middleware, /api routes and /healthz.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.registry.Len()})
	})
	r.Route("/api", s.RegisterRoutes)
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions", s.handleListSessions)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Delete("/", s.handleDeleteSession)
		r.Post("/messages", s.handleSendMessage)
		r.Post("/cancel", s.handleCancel)
		r.Get("/history", s.handleHistory)
		r.Get("/ws", s.handleWS)
		r.Get("/events", s.handleEvents)
	})
}

// Close drops every attached client and closes all live sessions.
func (s *Server) Close() {
	s.mu.Lock()
	atts := s.attachments
	s.attachments = map[string]*attachment{}
	s.idempotency = map[string]*idempotencyRecords{}
	s.mu.Unlock()
	for _, a := range atts {
		a.close()
	}
	s.registry.CloseAll()
}

// attachment fans the updates of one live session out to its clients.
type attachment struct {
	sess        *session.Session
	pool        *ConnectionPool
	unsubscribe func()

	mu     sync.Mutex
	events map[*eventQueue]struct{}
}

func (s *Server) attach(sess *session.Session) *attachment {
	id := sess.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attachments[id]; ok {
		if a.sess == sess {
			return a
		}
		a.close()
	}
	a := &attachment{
		sess:   sess,
		pool:   NewConnectionPool(id),
		events: map[*eventQueue]struct{}{},
	}
	a.unsubscribe = sess.OnUpdate(func(u session.Update) {
		frame := Frame{Type: FrameUpdate, SessionID: id, Update: &u, TS: time.Now().UnixMilli()}
		if err := s.publisher.PublishJSON(context.Background(), id, frame); err != nil {
			log.Debug().Err(err).Str("component", "webchat").Str("session_id", id).Msg("publish update")
		}
	})
	s.attachments[id] = a
	return a
}

func (s *Server) attachment(id string) (*attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	return a, ok
}

func (s *Server) detach(sess *session.Session) {
	id := sess.ID()
	s.mu.Lock()
	a, ok := s.attachments[id]
	if ok && a.sess == sess {
		delete(s.attachments, id)
	} else {
		a = nil
	}
	delete(s.idempotency, id)
	s.mu.Unlock()
	if a != nil {
		a.close()
	}
}

func (s *Server) records(id string) *idempotencyRecords {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idempotency[id]
	if !ok {
		r = newIdempotencyRecords(0)
		s.idempotency[id] = r
	}
	return r
}

// inUse keeps sessions with attached clients from being evicted.
func (s *Server) inUse(sess *session.Session) bool {
	a, ok := s.attachment(sess.ID())
	return ok && a.sess == sess && a.clients() > 0
}

func (s *Server) onEvict(sess *session.Session) {
	s.detach(sess)
	log.Info().Str("component", "webchat").Str("session_id", sess.ID()).Msg("detached evicted session")
}

func (s *Server) snapshot(sess *session.Session) Frame {
	return Frame{
		Type:      FrameSnapshot,
		SessionID: sess.ID(),
		State:     sess.State(),
		TS:        time.Now().UnixMilli(),
	}
}

func (a *attachment) broadcast(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pool.Broadcast(b)
	for q := range a.events {
		if !q.enqueue(b) {
			delete(a.events, q)
			q.stop()
		}
	}
}

// fill completes a snapshot from the store under the attachment lock, so
// that every update broadcast afterwards is newer than the snapshot.
func (a *attachment) fill(f Frame) []byte {
	store := a.sess.Store()
	f.Version = store.Version()
	f.Messages = store.Messages()
	b, err := json.Marshal(f)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("marshal snapshot")
		return nil
	}
	return b
}

func (a *attachment) addConn(conn wsConn, snapshot Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pool.Add(conn)
	a.pool.SendToOne(conn, a.fill(snapshot))
}

func (a *attachment) addEventQueue(q *eventQueue, snapshot Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[q] = struct{}{}
	q.enqueue(a.fill(snapshot))
}

func (a *attachment) removeEventQueue(q *eventQueue) {
	a.mu.Lock()
	delete(a.events, q)
	a.mu.Unlock()
	q.stop()
}

func (a *attachment) clients() int {
	a.mu.Lock()
	n := len(a.events)
	a.mu.Unlock()
	return n + a.pool.Count()
}

func (a *attachment) close() {
	a.unsubscribe()
	a.mu.Lock()
	for q := range a.events {
		q.stop()
	}
	a.events = map[*eventQueue]struct{}{}
	a.mu.Unlock()
	a.pool.CloseAll()
}
