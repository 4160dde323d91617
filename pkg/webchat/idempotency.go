package webchat

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-go-golems/chatsession/pkg/lifecycle"
)

func idempotencyKeyFromRequest(r *http.Request, body *SendMessageRequest) string {
	var key string
	if r != nil {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		}
	}
	if key == "" && body != nil {
		key = strings.TrimSpace(body.IdempotencyKey)
	}
	return key
}

// idempotencyRecords remembers which turn a key started, per session. The
// record is claimed before submitting so a concurrent retry with the same key
// waits for the first attempt instead of racing it.
type idempotencyRecords struct {
	mu      sync.Mutex
	max     int
	order   []string
	records map[string]*turnRecord
}

type turnRecord struct {
	ready chan struct{}
	resp  TurnResponse
	err   error
}

func newIdempotencyRecords(max int) *idempotencyRecords {
	if max <= 0 {
		max = 256
	}
	return &idempotencyRecords{max: max, records: map[string]*turnRecord{}}
}

// claim returns the existing record for key, or registers a new one and
// reports owner=true. The owner must call finish.
func (r *idempotencyRecords) claim(key string) (rec *turnRecord, owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		return rec, false
	}
	rec = &turnRecord{ready: make(chan struct{})}
	r.records[key] = rec
	r.order = append(r.order, key)
	for len(r.order) > r.max {
		delete(r.records, r.order[0])
		r.order = r.order[1:]
	}
	return rec, true
}

// finish publishes the outcome of a claimed key. Failed submissions release
// the key so the client may retry it.
func (r *idempotencyRecords) finish(key string, rec *turnRecord, resp TurnResponse, err error) {
	rec.resp = resp
	rec.err = err
	if err != nil {
		r.mu.Lock()
		if r.records[key] == rec {
			delete(r.records, key)
		}
		r.mu.Unlock()
	}
	close(rec.ready)
}

func turnResponse(sessionID string, t *lifecycle.Turn, key string) TurnResponse {
	return TurnResponse{
		SessionID:          sessionID,
		TurnID:             t.ID,
		UserMessageID:      t.UserMessageID,
		AssistantMessageID: t.AssistantMessageID,
		IdempotencyKey:     key,
	}
}
