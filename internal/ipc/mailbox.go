// Package ipc implements the orchestrator's publish hop: a latest-wins
// single-slot mailbox (spec §5 "Publish hop"), generalized from the
// teacher's JSON-over-socket PushMessage shape to an in-process
// atomic-pointer handoff, plus a thin JSON encoder for a UI client that
// still wants the teacher's push-message envelope.
package ipc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// PushMessage is a server-initiated, typed JSON envelope (carried over from
// the teacher's socket protocol, narrowed to the one shape this daemon
// still needs: a tagged push of arbitrary data, with no corresponding
// request/response pair).
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Mailbox is a bounded single-slot, latest-wins handoff between the
// analysis thread (single writer) and any number of readers (spec §5:
// "readers never block the analysis thread").
type Mailbox[T any] struct {
	slot atomic.Pointer[T]
}

// NewMailbox returns an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{}
}

// Publish overwrites the mailbox's contents. Never blocks.
func (m *Mailbox[T]) Publish(v T) {
	m.slot.Store(&v)
}

// Peek returns the most recently published value, or ok=false if nothing
// has been published yet. Never blocks, never mutates the mailbox.
func (m *Mailbox[T]) Peek() (v T, ok bool) {
	p := m.slot.Load()
	if p == nil {
		return v, false
	}
	return *p, true
}

// ResultSink is the exposed push interface of spec §6: "publish(frame)
// with latest-wins semantics. Consumers poll the mailbox at their own
// rate."
type ResultSink[T any] interface {
	Publish(frame T)
}

var _ ResultSink[int] = (*Mailbox[int])(nil)

// EncodeFrame wraps any JSON-marshalable value in a PushMessage envelope
// tagged msgType, the way the teacher's server pushes "nowPlaying" /
// "queueUpdated" messages to subscribed clients — reused here for UI
// clients that want frames over that channel shape instead of polling the
// mailbox in-process.
func EncodeFrame(msgType string, payload any) (PushMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PushMessage{}, fmt.Errorf("ipc: encoding %s push message: %w", msgType, err)
	}
	return PushMessage{Type: msgType, Data: data}, nil
}
