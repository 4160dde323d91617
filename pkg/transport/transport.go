// Package transport defines the contract between a chat session and the
// backend that produces assistant replies.
//
// A Transport opens one Stream per request attempt. The Stream yields Events:
// ordered text chunks followed by a terminal done or error marker. A producer
// that goes away without a terminal marker surfaces as io.EOF from Recv.
package transport

import (
	"context"

	"github.com/go-go-golems/chatsession/pkg/messages"
)

type EventKind string

const (
	EventChunk EventKind = "chunk"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// Event is one item read from a Stream.
//
// Seq is optional; zero means the producer does not number its chunks.
type Event struct {
	Kind   EventKind `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Seq    uint64    `json:"seq,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

func Chunk(text string, seq uint64) Event { return Event{Kind: EventChunk, Text: text, Seq: seq} }

func Done() Event { return Event{Kind: EventDone} }

func Failure(reason string) Event { return Event{Kind: EventError, Reason: reason} }

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Request is what a backend receives for one attempt of a turn.
type Request struct {
	TurnID string `json:"turn_id"`
	// History holds completed messages preceding Prompt, possibly windowed.
	History []messages.Message `json:"history,omitempty"`
	Prompt  string             `json:"prompt"`
	// Attempt starts at 1 and increases on every retry of the same turn.
	Attempt int `json:"attempt"`
}

// Stream is a single in-flight response.
type Stream interface {
	// Recv blocks until the next event, ctx is done, or the stream ends.
	// It returns io.EOF once the producer closed without a terminal marker.
	Recv(ctx context.Context) (Event, error)
	// Close releases the stream; pending and later Recv calls return io.EOF.
	Close() error
}

type Transport interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req Request) (Stream, error)

func (f Func) Open(ctx context.Context, req Request) (Stream, error) { return f(ctx, req) }
