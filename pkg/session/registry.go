package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrSessionNotFound = errors.New("session not found")

// Factory builds the session for id, restoring any persisted state.
type Factory func(ctx context.Context, id string) (*Session, error)

// Registry keeps live sessions by id and evicts idle ones.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]*Session

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
	// inUse, when set, keeps a session alive regardless of its idle time,
	// e.g. while clients are attached to it.
	inUse   func(*Session) bool
	onEvict func(*Session)
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: map[string]*Session{},
	}
}

// SetEvictionHooks installs the guard consulted before evicting a session and
// the callback run after one was evicted.
func (r *Registry) SetEvictionHooks(inUse func(*Session) bool, onEvict func(*Session)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.inUse = inUse
	r.onEvict = onEvict
	r.mu.Unlock()
}

// GetOrCreate returns the live session for id, building it on first use.
// created reports whether the factory ran.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (s *Session, created bool, err error) {
	if r == nil || r.factory == nil {
		return nil, false, errors.New("session registry is not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && !s.Closed() {
		return s, false, nil
	}
	s, err = r.factory(ctx, id)
	if err != nil {
		return nil, false, errors.Wrapf(err, "create session %s", id)
	}
	r.sessions[id] = s
	log.Info().Str("component", "session").Str("session_id", id).Msg("session created")
	return s, true, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// Close closes and forgets the session with id.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

// IDs returns the ids of live sessions, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every live session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (r *Registry) SetEvictionConfig(idle, interval time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.evictIdle = idle
	r.evictInterval = interval
	r.mu.Unlock()
}

// RunEviction evicts idle sessions every interval until ctx is done. It
// returns immediately when eviction is not configured or already running.
func (r *Registry) RunEviction(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		panic("session: RunEviction requires non-nil ctx")
	}
	r.mu.Lock()
	if r.evictRunning {
		r.mu.Unlock()
		return nil
	}
	idle := r.evictIdle
	interval := r.evictInterval
	if idle <= 0 || interval <= 0 {
		r.mu.Unlock()
		return nil
	}
	r.evictRunning = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.evictRunning = false
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.evictIdleOnce(now); n > 0 {
				log.Info().Str("component", "session").Int("evicted", n).Msg("evicted idle sessions")
			}
		}
	}
}

func (r *Registry) evictIdleOnce(now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	idle := r.evictIdle
	inUse := r.inUse
	onEvict := r.onEvict
	if idle <= 0 {
		r.mu.Unlock()
		return 0
	}
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	evicted := 0
	for _, s := range sessions {
		if !shouldEvict(now, idle, s, inUse) {
			continue
		}
		r.mu.Lock()
		current, ok := r.sessions[s.ID()]
		if !ok || current != s {
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, s.ID())
		r.mu.Unlock()

		s.Close()
		if onEvict != nil {
			onEvict(s)
		}
		evicted++
	}
	return evicted
}

func shouldEvict(now time.Time, idle time.Duration, s *Session, inUse func(*Session) bool) bool {
	if s == nil {
		return false
	}
	if _, busy := s.ActiveTurn(); busy {
		return false
	}
	if inUse != nil && inUse(s) {
		return false
	}
	last := s.LastActivity()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
