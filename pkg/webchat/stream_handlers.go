package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxClientFrameBytes = 64 << 10

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, ok := s.resolve(w, r, id)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "webchat").Str("session_id", id).Msg("ws upgrade failed")
		return
	}
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", id).
		Logger()

	att := s.attach(sess)
	att.addConn(conn, s.snapshot(sess))
	wsLog.Info().Msg("ws connected")
	defer wsLog.Info().Msg("ws disconnected")
	defer att.pool.Remove(conn)

	conn.SetReadLimit(maxClientFrameBytes)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		if reply := s.handleClientFrame(r.Context(), att, data); reply != nil {
			if b, err := json.Marshal(reply); err == nil {
				att.pool.SendToOne(conn, b)
			}
		}
	}
}

// handleClientFrame executes one client frame and returns the frame to send
// back to that client, if any.
func (s *Server) handleClientFrame(ctx context.Context, att *attachment, data []byte) *Frame {
	id := att.sess.ID()
	if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
		return &Frame{Type: FramePong, SessionID: id, TS: time.Now().UnixMilli()}
	}
	var in ClientFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return &Frame{Type: FrameError, SessionID: id, Error: "malformed frame"}
	}
	switch strings.ToLower(in.Type) {
	case "ping":
		return &Frame{Type: FramePong, SessionID: id, TS: time.Now().UnixMilli()}
	case "send":
		if _, err := s.submit(ctx, att.sess, in.Text, strings.TrimSpace(in.IdempotencyKey)); err != nil {
			return &Frame{Type: FrameError, SessionID: id, Error: err.Error()}
		}
		return nil
	case "cancel":
		if res := att.sess.CancelActive(); res.Err != nil {
			return &Frame{Type: FrameError, SessionID: id, Error: res.Err.Error()}
		}
		return nil
	default:
		return &Frame{Type: FrameError, SessionID: id, Error: fmt.Sprintf("unknown frame type %q", in.Type)}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sess, ok := s.resolve(w, r, id)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	att := s.attach(sess)
	q := newEventQueue(s.sseBuffer)
	att.addEventQueue(q, s.snapshot(sess))
	defer att.removeEventQueue(q)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-q.frames:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-q.done:
			// dropped: queue overflowed or the session went away
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
