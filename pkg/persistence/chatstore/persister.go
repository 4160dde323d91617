package chatstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const saveTimeout = 5 * time.Second

// Bind restores the persisted transcript of sessionID into store and keeps
// persisting it from then on. Messages are saved when appended and assistant
// messages again once they reach a final status; streaming updates are not
// written. Writes happen in change order on a background goroutine so store
// observers never wait on the database. The returned function stops
// persisting and blocks until queued writes are done.
func Bind(ctx context.Context, ts TranscriptStore, sessionID string, store *messages.Store) (func(), error) {
	if ts == nil || store == nil {
		return func() {}, nil
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("chatstore: sessionID is empty")
	}

	msgs, err := ts.LoadTranscript(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: load transcript")
	}
	if len(msgs) > 0 {
		if err := store.Restore(msgs); err != nil {
			return nil, errors.Wrap(err, "chatstore: restore transcript")
		}
		if err := saveRepaired(ctx, ts, sessionID, msgs, store.Messages()); err != nil {
			return nil, err
		}
		log.Info().Str("component", "chatstore").Str("session_id", sessionID).Int("messages", len(msgs)).Msg("restored transcript")
	}
	if err := ts.UpsertSession(ctx, SessionRecord{
		SessionID:      sessionID,
		LastActivityMs: time.Now().UnixMilli(),
		MessageCount:   store.Len(),
	}); err != nil {
		return nil, errors.Wrap(err, "chatstore: upsert session")
	}

	p := &persister{ts: ts, sessionID: sessionID, store: store, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go p.run()
	unsubscribe := store.Subscribe(p.onChange)
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			p.close()
		})
	}, nil
}

// saveRepaired writes back messages that Restore moved out of an in-flight
// status, so the database agrees with the restored store.
func saveRepaired(ctx context.Context, ts TranscriptStore, sessionID string, loaded, restored []messages.Message) error {
	before := make(map[string]messages.Status, len(loaded))
	for _, m := range loaded {
		before[m.ID] = m.Status
	}
	for _, m := range restored {
		if before[m.ID] == m.Status {
			continue
		}
		if err := ts.SaveMessage(ctx, sessionID, m); err != nil {
			return errors.Wrapf(err, "chatstore: save repaired message %s", m.ID)
		}
		log.Debug().Str("component", "chatstore").Str("session_id", sessionID).Str("message_id", m.ID).Msg("marked interrupted message as failed")
	}
	return nil
}

type pendingWrite struct {
	msg   messages.Message
	count int
}

type persister struct {
	ts        TranscriptStore
	sessionID string
	store     *messages.Store

	mu      sync.Mutex
	queue   []pendingWrite
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func (p *persister) onChange(c messages.Change) {
	if !shouldPersist(c) {
		return
	}
	w := pendingWrite{msg: c.Message, count: p.store.Len()}
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, w)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) close() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)
	for range p.wake {
		for {
			p.mu.Lock()
			batch := p.queue
			p.queue = nil
			closing := p.closing
			p.mu.Unlock()
			if len(batch) == 0 {
				if closing {
					return
				}
				break
			}
			for _, w := range batch {
				p.write(w)
			}
		}
	}
}

func (p *persister) write(w pendingWrite) {
	m := w.msg
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := p.ts.SaveMessage(ctx, p.sessionID, m); err != nil {
		log.Warn().Err(err).Str("component", "chatstore").Str("session_id", p.sessionID).Str("message_id", m.ID).Msg("failed to persist message")
		return
	}
	record := SessionRecord{
		SessionID:      p.sessionID,
		LastActivityMs: m.UpdatedAt.UnixMilli(),
		MessageCount:   w.count,
	}
	if m.Status == messages.StatusFailed {
		record.LastError = string(m.Reason)
	}
	if err := p.ts.UpsertSession(ctx, record); err != nil {
		log.Warn().Err(err).Str("component", "chatstore").Str("session_id", p.sessionID).Msg("failed to update session record")
	}
}

func shouldPersist(c messages.Change) bool {
	switch c.Message.Role {
	case messages.RoleUser:
		return c.Kind == messages.ChangeAppended
	case messages.RoleAssistant:
		return c.Kind == messages.ChangeAppended || c.Message.Status.Terminal()
	default:
		return false
	}
}
