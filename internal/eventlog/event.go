// Package eventlog is Eryx's structured, auditable event stream: secret
// injection/scrub decisions, policy denials, VFS escape attempts,
// callback dispatch, and tool-server lifecycle transitions. An Emitter
// stamps session metadata onto each Event and fans out to Sinks.
package eventlog

import (
	"encoding/json"
	"time"
)

// Event is the canonical structured record.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event type constants.
const (
	EventSecretInjected  = "secret_injected"
	EventSecretSkipped   = "secret_skipped"
	EventSecretLeak      = "secret_leak_blocked"
	EventPolicyDenied    = "policy_denied"
	EventVFSDenied       = "vfs_denied"
	EventCallbackStart   = "callback_start"
	EventCallbackEnd     = "callback_end"
	EventCallbackTimeout = "callback_timeout"
	EventToolServerState = "tool_server_state"
	EventExecutionDone   = "execution_done"
)

// Sink consumes events; implementations must be concurrency-safe.
type Sink interface {
	Write(event *Event) error
	Close() error
}

// Emitter stamps static metadata onto every event and fans out to sinks.
// A nil *Emitter is safe to call Emit on; it does nothing.
type Emitter struct {
	sessionID string
	sinks     []Sink
}

func NewEmitter(sessionID string, sinks ...Sink) *Emitter {
	return &Emitter{sessionID: sessionID, sinks: sinks}
}

func (e *Emitter) Emit(eventType, summary string, data any) error {
	if e == nil {
		return nil
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	ev := &Event{Timestamp: time.Now().UTC(), SessionID: e.sessionID, Type: eventType, Summary: summary, Data: raw}
	var firstErr error
	for _, s := range e.sinks {
		if err := s.Write(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	for _, s := range e.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
