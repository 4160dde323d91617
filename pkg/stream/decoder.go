// Package stream folds transport events into an assistant message.
package stream

import (
	"context"
	"io"
	"strings"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrOutOfOrderChunk = errors.New("out of order chunk")
	ErrBackend         = errors.New("backend reported an error")
	ErrStreamClosed    = errors.New("stream closed without terminal marker")
	// ErrGateClosed is returned by a Gate once the turn it guards is over.
	ErrGateClosed = errors.New("turn is no longer active")
)

// Gate runs fn only while the owning turn is still live and returns
// ErrGateClosed otherwise. Implementations serialize fn with cancellation so
// that nothing is applied once a turn has been cancelled.
type Gate func(fn func() error) error

// OpenGate is a Gate that never closes.
func OpenGate(fn func() error) error { return fn() }

// Result describes how a decoder run ended.
type Result struct {
	// Status is complete or failed when the decoder finalized the message,
	// empty when it stopped without touching the final state.
	Status   messages.Status
	Reason   messages.Reason
	Err      error
	Accepted int
	Content  string
}

func (r Result) Finalized() bool { return r.Status.Terminal() }

type Option func(*Decoder)

// WithOnChunk registers a callback invoked under the gate after every
// accepted chunk with the number of chunks accepted so far.
func WithOnChunk(fn func(accepted int)) Option {
	return func(d *Decoder) { d.onChunk = fn }
}

// WithOnFinish registers a callback invoked under the gate right after the
// message reached its final status.
func WithOnFinish(fn func(Result)) Option {
	return func(d *Decoder) { d.onFinish = fn }
}

// Decoder applies the events of one stream to one assistant message.
// A Decoder is used once, from a single goroutine.
type Decoder struct {
	store     *messages.Store
	messageID string
	gate      Gate
	onChunk   func(int)
	onFinish  func(Result)

	content  strings.Builder
	accepted int
	lastSeq  uint64
}

func NewDecoder(store *messages.Store, messageID string, gate Gate, opts ...Option) *Decoder {
	if gate == nil {
		gate = OpenGate
	}
	d := &Decoder{store: store, messageID: messageID, gate: gate}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Decoder) Accepted() int { return d.accepted }

// Run reads s until a terminal event, the end of the stream or an error.
//
// A receive error other than io.EOF is returned in Result.Err without
// finalizing the message, so the caller can retry or fail the turn.
func (d *Decoder) Run(ctx context.Context, s transport.Stream) Result {
	for {
		ev, err := s.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return d.finish(messages.StatusFailed, messages.ReasonStreamClosed, ErrStreamClosed)
			}
			return d.result(err)
		}

		switch ev.Kind {
		case transport.EventChunk:
			if ev.Text == "" {
				continue
			}
			if ev.Seq != 0 {
				if ev.Seq <= d.lastSeq {
					return d.finish(messages.StatusFailed, messages.ReasonOutOfOrder,
						errors.Wrapf(ErrOutOfOrderChunk, "seq %d after %d", ev.Seq, d.lastSeq))
				}
				d.lastSeq = ev.Seq
			}
			if err := d.apply(ev.Text); err != nil {
				return d.result(err)
			}
		case transport.EventDone:
			return d.finish(messages.StatusComplete, messages.ReasonNone, nil)
		case transport.EventError:
			return d.finish(messages.StatusFailed, messages.ReasonBackendError,
				errors.Wrap(ErrBackend, ev.Reason))
		default:
			log.Warn().Str("component", "stream").Str("message_id", d.messageID).Str("kind", string(ev.Kind)).Msg("ignoring unknown event")
		}
	}
}

func (d *Decoder) apply(text string) error {
	next := d.content.String() + text
	return d.gate(func() error {
		if err := d.store.UpdateContent(d.messageID, next, messages.StatusStreaming); err != nil {
			return err
		}
		d.content.WriteString(text)
		d.accepted++
		if d.onChunk != nil {
			d.onChunk(d.accepted)
		}
		return nil
	})
}

func (d *Decoder) finish(status messages.Status, reason messages.Reason, cause error) Result {
	res := Result{Status: status, Reason: reason, Err: cause}
	err := d.gate(func() error {
		var err error
		if status == messages.StatusComplete {
			// pending cannot move straight to complete
			if d.accepted == 0 {
				if err = d.store.UpdateContent(d.messageID, "", messages.StatusStreaming); err != nil {
					return err
				}
			}
			err = d.store.UpdateContent(d.messageID, d.content.String(), messages.StatusComplete)
		} else {
			err = d.store.Fail(d.messageID, reason, cause)
		}
		if err != nil {
			return err
		}
		res.Accepted = d.accepted
		res.Content = d.content.String()
		if d.onFinish != nil {
			d.onFinish(res)
		}
		return nil
	})
	if err != nil {
		return d.result(err)
	}
	return res
}

func (d *Decoder) result(err error) Result {
	return Result{Err: err, Accepted: d.accepted, Content: d.content.String()}
}
