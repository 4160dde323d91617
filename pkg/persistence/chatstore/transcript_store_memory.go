package chatstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/pkg/errors"
)

// InMemoryTranscriptStore is a size-limited, in-memory TranscriptStore.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryTranscriptStore struct {
	mu                    sync.Mutex
	maxMessagesPerSession int
	transcripts           map[string]*inMemTranscript
	sessions              map[string]SessionRecord
}

type inMemTranscript struct {
	order []string
	byID  map[string]messages.Message
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxMessagesPerSession int) *InMemoryTranscriptStore {
	if maxMessagesPerSession <= 0 {
		maxMessagesPerSession = 5000
	}
	return &InMemoryTranscriptStore{
		maxMessagesPerSession: maxMessagesPerSession,
		transcripts:           map[string]*inMemTranscript{},
		sessions:              map[string]SessionRecord{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) SaveMessage(_ context.Context, sessionID string, m messages.Message) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("in-memory transcript store: sessionID is empty")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("in-memory transcript store: message id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[sessionID]
	if !ok {
		t = &inMemTranscript{byID: map[string]messages.Message{}}
		s.transcripts[sessionID] = t
	}
	if _, exists := t.byID[m.ID]; !exists {
		t.order = append(t.order, m.ID)
	}
	t.byID[m.ID] = m

	if over := len(t.order) - s.maxMessagesPerSession; over > 0 {
		for _, id := range t.order[:over] {
			delete(t.byID, id)
		}
		t.order = slices.Clone(t.order[over:])
	}
	return nil
}

func (s *InMemoryTranscriptStore) LoadTranscript(_ context.Context, sessionID string) ([]messages.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[sessionID]
	if !ok {
		return []messages.Message{}, nil
	}
	out := make([]messages.Message, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemoryTranscriptStore) UpsertSession(_ context.Context, record SessionRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	now := time.Now().UnixMilli()
	record = normalizeSessionRecord(record, now)
	if record.SessionID == "" {
		return errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.SessionID] = mergeSessionRecord(s.sessions[record.SessionID], record, now)
	return nil
}

func (s *InMemoryTranscriptStore) GetSession(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil {
		return SessionRecord{}, false, errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	return r, ok, nil
}

func (s *InMemoryTranscriptStore) ListSessions(_ context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, r := range s.sessions {
		if r.LastActivityMs >= sinceMs {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityMs != out[j].LastActivityMs {
			return out[i].LastActivityMs > out[j].LastActivityMs
		}
		return out[i].SessionID < out[j].SessionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
