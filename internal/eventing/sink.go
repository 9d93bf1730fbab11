// Package eventing holds the observers the completion loop reports to. Sinks
// are a side channel: the loop ignores their errors and never waits on them
// for longer than a publish call takes.
package eventing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/iuriikogan/rlm-repl/internal/types"
)

type Sink interface {
	Publish(ctx context.Context, event types.Event) error
}

type noopSink struct{}

func (noopSink) Publish(context.Context, types.Event) error { return nil }

// Noop discards every event.
var Noop Sink = noopSink{}

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Publish(ctx context.Context, event types.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.RWMutex
	events []types.Event
}

var _ Sink = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a snapshot in publish order.
func (r *Recorder) Events() []types.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t types.EventType) []types.Event {
	var out []types.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes events to a slog.Logger.
type LogSink struct {
	Logger *slog.Logger
	// MaxPayload truncates payloads in log lines; zero keeps them whole.
	MaxPayload int
}

func (s LogSink) Publish(ctx context.Context, event types.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	payload := event.Payload
	if s.MaxPayload > 0 && len(payload) > s.MaxPayload {
		payload = payload[:s.MaxPayload] + "..."
	}

	attrs := []any{"session_id", event.SessionID, "turn", event.Turn}
	if event.Status != "" {
		attrs = append(attrs, "status", event.Status)
	}
	if event.Fault != "" {
		attrs = append(attrs, "fault", event.Fault)
	}
	attrs = append(attrs, "payload", payload)

	level := slog.LevelInfo
	if event.Type == types.EventModelResponse {
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, string(event.Type), attrs...)
	return nil
}
