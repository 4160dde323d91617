package webchat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrSessionNotAttached   = errors.New("session has no attached clients")
	ErrConnectionPoolAbsent = errors.New("connection pool not available")
)

// WSPublisher pushes frames to every client attached to a session.
type WSPublisher interface {
	PublishJSON(ctx context.Context, sessionID string, frame any) error
}

type attachmentPublisher struct {
	srv *Server
}

func NewWSPublisher(srv *Server) WSPublisher {
	return &attachmentPublisher{srv: srv}
}

func (p *attachmentPublisher) PublishJSON(_ context.Context, sessionID string, frame any) error {
	if p == nil || p.srv == nil {
		return ErrSessionNotAttached
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionNotAttached
	}
	att, ok := p.srv.attachment(sessionID)
	if !ok || att == nil {
		return ErrSessionNotAttached
	}
	if att.pool == nil {
		return ErrConnectionPoolAbsent
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	att.broadcast(b)
	return nil
}
