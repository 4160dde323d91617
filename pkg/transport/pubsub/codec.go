package pubsub

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/transport"
)

const (
	metaKind    = "kind"
	metaReplyTo = "reply_to"
	metaTurnID  = "turn_id"
	metaReason  = "reason"
	metaAttempt = "attempt"
)

// Frame kinds carried in the "kind" metadata of event messages.
const (
	frameEvent     = "event"
	frameClosed    = "closed"
	frameOpenError = "open_error"
	frameRecvError = "recv_error"
	// frameCancel travels on the control topic when a consumer gives up on
	// an attempt before its terminal frame.
	frameCancel = "cancel"
)

type Topics struct {
	Requests string `yaml:"requests"`
	// EventsPrefix is joined with the turn id and attempt to name the topic
	// carrying one attempt's events.
	EventsPrefix string `yaml:"events_prefix"`
	// Control is fanned out to every responder.
	Control string `yaml:"control"`
}

func DefaultTopics() Topics {
	return Topics{Requests: "chat.requests", EventsPrefix: "chat.events", Control: "chat.control"}
}

func (t Topics) control() string {
	if t.Control == "" {
		return DefaultTopics().Control
	}
	return t.Control
}

func (t Topics) events(req transport.Request) string {
	return fmt.Sprintf("%s.%s.%d", t.EventsPrefix, req.TurnID, req.Attempt)
}

func encodeRequest(req transport.Request, replyTo string) (*message.Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaReplyTo, replyTo)
	msg.Metadata.Set(metaTurnID, req.TurnID)
	return msg, nil
}

func decodeRequest(msg *message.Message) (transport.Request, string, error) {
	var req transport.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return transport.Request{}, "", errors.Wrap(err, "unmarshal request")
	}
	replyTo := msg.Metadata.Get(metaReplyTo)
	if replyTo == "" {
		return transport.Request{}, "", errors.New("request without reply_to")
	}
	return req, replyTo, nil
}

func encodeEvent(ev transport.Event) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaKind, frameEvent)
	return msg, nil
}

func controlFrame(kind, reason string) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), nil)
	msg.Metadata.Set(metaKind, kind)
	if reason != "" {
		msg.Metadata.Set(metaReason, reason)
	}
	return msg
}

func attemptKey(turnID string, attempt int) string {
	return turnID + "/" + strconv.Itoa(attempt)
}

func encodeCancel(req transport.Request) *message.Message {
	msg := controlFrame(frameCancel, "")
	msg.Metadata.Set(metaTurnID, req.TurnID)
	msg.Metadata.Set(metaAttempt, strconv.Itoa(req.Attempt))
	return msg
}

func decodeCancel(msg *message.Message) (string, error) {
	if kind := msg.Metadata.Get(metaKind); kind != frameCancel {
		return "", errors.Errorf("unexpected control frame %q", kind)
	}
	turnID := msg.Metadata.Get(metaTurnID)
	attempt, err := strconv.Atoi(msg.Metadata.Get(metaAttempt))
	if turnID == "" || err != nil {
		return "", errors.New("cancel frame without turn_id or attempt")
	}
	return attemptKey(turnID, attempt), nil
}
