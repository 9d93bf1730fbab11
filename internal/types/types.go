package types

import (
	"fmt"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInit      Status = "init"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further turns can run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExhausted || s == StatusFailed
}

// Fragment is one executable ```repl block and the commentary preceding it.
type Fragment struct {
	Index      int    `json:"index"`
	Code       string `json:"code"`
	Commentary string `json:"commentary,omitempty"`
}

// ParseWarning records a malformed code marker. It is never fatal.
type ParseWarning struct {
	Offset  int    `json:"offset"`
	Message string `json:"message"`
}

func (w ParseWarning) Error() string {
	return fmt.Sprintf("parse warning at offset %d: %s", w.Offset, w.Message)
}

// FragmentFault is a fault raised by executed code, reduced to kind and message.
type FragmentFault struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (f *FragmentFault) Error() string {
	if f.Message == "" {
		return f.Kind
	}
	return f.Kind + ": " + f.Message
}

type ExecutionResult struct {
	Output        string         `json:"output"`
	Value         string         `json:"value,omitempty"`
	HasValue      bool           `json:"has_value"`
	Fault         *FragmentFault `json:"fault,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
}

// Primary returns the signal surfaced to the next prompt: the fault when
// present, otherwise output followed by the value.
func (r ExecutionResult) Primary() string {
	if r.Fault != nil {
		return r.Fault.Error()
	}
	switch {
	case r.HasValue && r.Output != "":
		return r.Output + "\n" + r.Value
	case r.HasValue:
		return r.Value
	default:
		return r.Output
	}
}

type CodeBlock struct {
	Fragment Fragment        `json:"fragment"`
	Result   ExecutionResult `json:"result"`
}

type Turn struct {
	Index         int            `json:"index"`
	Response      string         `json:"response"`
	CodeBlocks    []CodeBlock    `json:"code_blocks"`
	Warnings      []ParseWarning `json:"warnings,omitempty"`
	Observation   string         `json:"observation"`
	IterationTime float64        `json:"iteration_time"`
	FinalAnswer   string         `json:"final_answer,omitempty"`
}

// RLMChatCompletion is what a terminated session hands back to its caller.
type RLMChatCompletion struct {
	SessionID     string  `json:"session_id"`
	RootModel     string  `json:"root_model"`
	Prompt        string  `json:"prompt"`
	Status        Status  `json:"status"`
	Response      string  `json:"response"`
	Terminal      bool    `json:"terminal"`
	Iterations    int     `json:"iterations"`
	Turns         []Turn  `json:"turns,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time"`

	// Cause is the typed error behind a failed session.
	Cause error `json:"-"`
}

// Err returns the typed failure cause, nil unless the session failed.
func (c *RLMChatCompletion) Err() error {
	if c == nil || c.Status != StatusFailed {
		return nil
	}
	return c.Cause
}

type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventTurnStarted       EventType = "turn_started"
	EventModelResponse     EventType = "model_response"
	EventFragmentExecuted  EventType = "fragment_executed"
	EventSubCallInvoked    EventType = "sub_call_invoked"
	EventSessionTerminated EventType = "session_terminated"
)

// Event is a lifecycle notification emitted by the completion loop.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status,omitempty"`
	Code      string    `json:"code,omitempty"`
	Output    string    `json:"output,omitempty"`
	Fault     string    `json:"fault,omitempty"`
}
