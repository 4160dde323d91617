// Package session is the entry point a presentation layer talks to: send a
// message, cancel the reply in flight, read the history and follow updates.
package session

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrSessionClosed = errors.New("session closed")
)

type UpdateKind string

const (
	UpdateMessageAppended UpdateKind = "message.appended"
	UpdateMessageUpdated  UpdateKind = "message.updated"
	UpdateState           UpdateKind = "state"
)

// Update is delivered to OnUpdate listeners after every store mutation and
// lifecycle transition.
type Update struct {
	Kind      UpdateKind         `json:"kind"`
	SessionID string             `json:"session_id"`
	Message   *messages.Message  `json:"message,omitempty"`
	State     lifecycle.State    `json:"state,omitempty"`
	TurnID    string             `json:"turn_id,omitempty"`
	History   []messages.Message `json:"history,omitempty"`
	Version   uint64             `json:"version,omitempty"`
}

type Option func(*Session)

// WithStore uses store instead of a fresh one, e.g. after restoring a
// persisted transcript into it.
func WithStore(store *messages.Store) Option {
	return func(s *Session) {
		if store != nil {
			s.store = store
		}
	}
}

func WithConfig(cfg lifecycle.Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

func WithControllerOptions(opts ...lifecycle.Option) Option {
	return func(s *Session) { s.ctrlOpts = append(s.ctrlOpts, opts...) }
}

// WithFullHistory attaches the complete message list to every Update.
func WithFullHistory() Option {
	return func(s *Session) { s.fullHistory = true }
}

// WithOnClose registers fn to run once the session has been closed.
func WithOnClose(fn func()) Option {
	return func(s *Session) {
		if fn != nil {
			s.onClose = append(s.onClose, fn)
		}
	}
}

type listenerEntry struct {
	id uint64
	fn func(Update)
}

// Session owns one message store and the controller driving it. All state
// transitions are delegated to the controller.
type Session struct {
	id          string
	store       *messages.Store
	ctrl        *lifecycle.Controller
	cfg         lifecycle.Config
	ctrlOpts    []lifecycle.Option
	fullHistory bool
	onClose     []func()
	createdAt   time.Time

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    uint64
	pending   []Update

	// deliverMu is held by the goroutine currently draining pending.
	deliverMu sync.Mutex

	lastActivity atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
	unsubscribe  func()
}

// New creates a session bound to tr. An empty id gets a fresh UUIDv7.
func New(id string, tr transport.Transport, opts ...Option) *Session {
	if strings.TrimSpace(id) == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	s := &Session{
		id:        id,
		cfg:       lifecycle.DefaultConfig(),
		createdAt: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.store = messages.NewStore()
	}
	ctrlOpts := append(slices.Clone(s.ctrlOpts),
		lifecycle.WithStateListener(s.onTransition),
		lifecycle.WithAfterUnlock(s.flush),
	)
	s.ctrl = lifecycle.NewController(s.store, tr, s.cfg, ctrlOpts...)
	s.unsubscribe = s.store.Subscribe(s.onChange)
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

// Store exposes the underlying message store for read access and for
// observers such as persistence.
func (s *Session) Store() *messages.Store { return s.store }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// SendMessage submits text as a new turn. Failures of the turn itself are
// reported through the assistant message, not as an error.
func (s *Session) SendMessage(ctx context.Context, text string) (*lifecycle.Turn, error) {
	if s == nil {
		return nil, errors.New("session is not initialized")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.touch()
	turn, err := s.ctrl.Submit(ctx, text)
	if errors.Is(err, lifecycle.ErrClosed) {
		return nil, ErrSessionClosed
	}
	return turn, err
}

// CancelActive cancels the turn in flight. It is safe to call at any time.
func (s *Session) CancelActive() lifecycle.CancelResult {
	if s == nil {
		return lifecycle.CancelResult{Err: lifecycle.ErrNoActiveTurn}
	}
	s.touch()
	return s.ctrl.Cancel()
}

// History yields the messages present at call time in display order.
func (s *Session) History() iter.Seq[messages.Message] {
	return s.store.List()
}

func (s *Session) Messages() []messages.Message {
	return s.store.Messages()
}

func (s *Session) State() lifecycle.State {
	return s.ctrl.State()
}

func (s *Session) ActiveTurn() (*lifecycle.Turn, bool) {
	return s.ctrl.Active()
}

// LastActivity is the time of the last send, cancel or store change.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Closed() bool { return s.closed.Load() }

// OnUpdate registers fn and returns a function removing it. Updates are
// delivered in mutation order, one at a time, after the session lock has been
// released, usually on the goroutine that caused them. fn may send, cancel
// and read the session, but must not Close it.
func (s *Session) OnUpdate(fn func(Update)) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listeners = slices.DeleteFunc(s.listeners, func(e listenerEntry) bool { return e.id == id })
		})
	}
}

// Close cancels the active turn, waits for it to finish and drops all
// listeners. It is idempotent.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ctrl.Close()
		s.unsubscribe()
		s.mu.Lock()
		s.listeners = nil
		s.pending = nil
		s.mu.Unlock()
		for _, fn := range s.onClose {
			fn()
		}
	})
}

func (s *Session) onChange(c messages.Change) {
	s.touch()
	m := c.Message
	kind := UpdateMessageUpdated
	if c.Kind == messages.ChangeAppended {
		kind = UpdateMessageAppended
	}
	s.emit(Update{Kind: kind, Message: &m, TurnID: m.TurnID, Version: c.Version})
}

func (s *Session) onTransition(t lifecycle.Transition) {
	s.emit(Update{Kind: UpdateState, State: t.To, TurnID: t.TurnID})
}

// emit queues u. It runs under the controller lock; flush delivers.
func (s *Session) emit(u Update) {
	u.SessionID = s.id
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return
	}
	if s.fullHistory {
		u.History = s.store.Messages()
	}
	s.pending = append(s.pending, u)
}

// flush delivers queued updates. A goroutine that finds another one
// delivering leaves its updates to it; the deliverer checks the queue again
// after letting go of deliverMu.
func (s *Session) flush() {
	for {
		if !s.deliverMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			listeners := slices.Clone(s.listeners)
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, u := range batch {
				for _, l := range listeners {
					l.fn(u)
				}
			}
		}
		s.deliverMu.Unlock()

		s.mu.Lock()
		empty := len(s.pending) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
