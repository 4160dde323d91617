package webchat

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/session"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body CreateSessionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := strings.TrimSpace(body.ID)
	if id != "" && !validSessionID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, created, err := s.registry.GetOrCreate(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("session_id", id).Msg("create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sessionInfo(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	out := []SessionInfo{}
	live := map[string]bool{}
	for _, id := range s.registry.IDs() {
		if sess, ok := s.registry.Get(id); ok {
			out = append(out, sessionInfo(sess))
			live[id] = true
		}
	}
	if s.transcripts != nil {
		records, err := s.transcripts.ListSessions(r.Context(), 200, 0)
		if err != nil {
			log.Warn().Err(err).Str("component", "webchat").Msg("list persisted sessions")
		}
		for _, rec := range records {
			if live[rec.SessionID] {
				continue
			}
			out = append(out, SessionInfo{
				SessionID:    rec.SessionID,
				CreatedAt:    time.UnixMilli(rec.CreatedAtMs).UTC(),
				LastActivity: time.UnixMilli(rec.LastActivityMs).UTC(),
				MessageCount: rec.MessageCount,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, found := s.registry.Get(id)
	if err := s.registry.Close(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if found {
		s.detach(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var body SendMessageRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, session.ErrEmptyMessage.Error())
		return
	}
	sess, ok := s.resolve(w, r, id)
	if !ok {
		return
	}

	resp, err := s.submit(r.Context(), sess, body.Text, idempotencyKeyFromRequest(r, &body))
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	status := http.StatusAccepted
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, found := s.registry.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	res := sess.CancelActive()
	resp := CancelResponse{SessionID: id, TurnID: res.TurnID, Cancelled: res.Cancelled}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, ok := s.resolve(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		SessionID: id,
		State:     sess.State(),
		Messages:  slices.Collect(sess.History()),
	})
}

// submit sends text on sess. With a non-empty key a repeated submission
// returns the turn the first one started instead of a new turn.
func (s *Server) submit(ctx context.Context, sess *session.Session, text, key string) (TurnResponse, error) {
	if key == "" {
		t, err := sess.SendMessage(ctx, text)
		if err != nil {
			return TurnResponse{}, err
		}
		return turnResponse(sess.ID(), t, ""), nil
	}

	recs := s.records(sess.ID())
	rec, owner := recs.claim(key)
	if !owner {
		select {
		case <-rec.ready:
		case <-ctx.Done():
			return TurnResponse{}, ctx.Err()
		}
		if rec.err != nil {
			return TurnResponse{}, rec.err
		}
		resp := rec.resp
		resp.Replayed = true
		return resp, nil
	}

	var resp TurnResponse
	t, err := sess.SendMessage(ctx, text)
	if err == nil {
		resp = turnResponse(sess.ID(), t, key)
	}
	recs.finish(key, rec, resp, err)
	return resp, err
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// resolve returns the live session for id, restoring or creating it.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, id string) (*session.Session, bool) {
	sess, _, err := s.registry.GetOrCreate(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("session_id", id).Msg("resolve session")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return sess, true
}

func sessionIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if !validSessionID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

func sessionInfo(sess *session.Session) SessionInfo {
	return SessionInfo{
		SessionID:    sess.ID(),
		State:        sess.State(),
		CreatedAt:    sess.CreatedAt().UTC(),
		LastActivity: sess.LastActivity().UTC(),
		MessageCount: sess.Store().Len(),
		Live:         true,
	}
}
