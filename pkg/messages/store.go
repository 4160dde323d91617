package messages

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid message transition")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrReentrantMutation = errors.New("store mutated from an observer")
	ErrNotEmpty          = errors.New("store is not empty")
)

type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeUpdated  ChangeKind = "updated"
)

// Change describes one store mutation as seen by observers.
type Change struct {
	Kind     ChangeKind
	Message  Message
	Previous Status
	// Version increases by one with every mutation of the store.
	Version uint64
}

// Observer receives store changes synchronously, in mutation order.
type Observer func(Change)

type observerEntry struct {
	id uint64
	fn Observer
}

// Store is an in-memory, append-only message log.
//
// The store expects a single writer per session. Mutations are serialized and
// observers are invoked on the mutating goroutine before the mutating call
// returns; an observer that mutates the store gets ErrReentrantMutation.
type Store struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	messages  []Message
	index     map[string]int
	seq       uint64
	version   uint64
	observers []observerEntry
	nextObsID uint64

	dispatching atomic.Bool
	now         func() time.Time
}

func NewStore() *Store {
	return &Store{
		index: map[string]int{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Append stores msg and returns its newly assigned id.
func (s *Store) Append(msg Message) (string, error) {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return "", errors.Wrapf(ErrInvalidMessage, "unknown role %q", msg.Role)
	}
	if msg.Status == "" {
		return "", errors.Wrap(ErrInvalidMessage, "missing status")
	}
	var id string
	err := s.mutate(func() (Change, error) {
		s.seq++
		now := s.now()
		msg.ID = uuid.Must(uuid.NewV7()).String()
		msg.Seq = s.seq
		msg.CreatedAt = now
		msg.UpdatedAt = now
		s.index[msg.ID] = len(s.messages)
		s.messages = append(s.messages, msg)
		id = msg.ID
		return Change{Kind: ChangeAppended, Message: msg}, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return s.messages[i], nil
}

// UpdateContent replaces the content of a pending or streaming message and
// moves it to status.
func (s *Store) UpdateContent(id string, content string, status Status) error {
	return s.transition(id, status, func(m *Message) error {
		if content != m.Content && !contentMutable(m.Status, status) {
			return errors.Wrapf(ErrInvalidTransition, "content of %s message cannot change", m.Status)
		}
		m.Content = content
		return nil
	})
}

// Fail moves a pending or streaming message to failed, keeping its content.
func (s *Store) Fail(id string, reason Reason, cause error) error {
	return s.transition(id, StatusFailed, func(m *Message) error {
		m.Reason = reason
		if cause != nil {
			m.Error = cause.Error()
		}
		return nil
	})
}

func (s *Store) transition(id string, status Status, apply func(*Message) error) error {
	return s.mutate(func() (Change, error) {
		i, ok := s.index[id]
		if !ok {
			return Change{}, errors.Wrapf(ErrNotFound, "id %s", id)
		}
		m := s.messages[i]
		if !CanTransition(m.Status, status) {
			return Change{}, errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.Status, status)
		}
		prev := m.Status
		if err := apply(&m); err != nil {
			return Change{}, err
		}
		m.Status = status
		m.UpdatedAt = s.now()
		s.messages[i] = m
		return Change{Kind: ChangeUpdated, Message: m, Previous: prev}, nil
	})
}

func contentMutable(from, to Status) bool {
	return from == StatusStreaming || (from == StatusPending && to == StatusStreaming)
}

func (s *Store) mutate(fn func() (Change, error)) error {
	if s.dispatching.Load() {
		return ErrReentrantMutation
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	change, err := fn()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.version++
	change.Version = s.version
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	s.dispatching.Store(true)
	defer s.dispatching.Store(false)
	for _, o := range observers {
		o.fn(change)
	}
	return nil
}

// List returns a lazy sequence over the messages present at call time.
// Ranging over it more than once yields the same snapshot.
func (s *Store) List() iter.Seq[Message] {
	snapshot := s.Messages()
	return func(yield func(Message) bool) {
		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

// Messages returns a copy of the log in insertion order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers o and returns a function that removes it.
func (s *Store) Subscribe(o Observer) func() {
	if o == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, observerEntry{id: id, fn: o})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.observers = slices.DeleteFunc(s.observers, func(e observerEntry) bool { return e.id == id })
		})
	}
}

// Restore seeds an empty store with previously persisted messages, keeping
// their ids. Messages that were still in flight are restored as failed.
// Observers are not notified.
func (s *Store) Restore(msgs []Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) != 0 {
		return ErrNotEmpty
	}
	restored := make([]Message, 0, len(msgs))
	index := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			return errors.Wrap(ErrInvalidMessage, "restored message without id")
		}
		if _, dup := index[m.ID]; dup {
			return errors.Wrapf(ErrInvalidMessage, "duplicate id %s", m.ID)
		}
		if !m.Status.Terminal() {
			m.Status = StatusFailed
			m.Reason = ReasonStreamClosed
		}
		s.seq++
		m.Seq = s.seq
		index[m.ID] = len(restored)
		restored = append(restored, m)
	}
	s.messages = restored
	s.index = index
	return nil
}
