package rlm

import (
	"context"
	"log/slog"

	"github.com/iuriikogan/rlm-repl/internal/client"
	"github.com/iuriikogan/rlm-repl/internal/env"
	"github.com/iuriikogan/rlm-repl/internal/eventing"
	"github.com/iuriikogan/rlm-repl/internal/types"
)

const (
	defaultMaxIterations       = 10
	defaultSubMaxIterations    = 3
	defaultMaxObservationChars = 2000
	defaultSubCallConcurrency  = 4
)

// Config controls one RLM engine. Zero values select the defaults; a
// negative MaxObservationChars disables truncation.
type Config struct {
	MaxIterations    int
	SubMaxIterations int

	// RootModel and SubModel are passed to the client per request. Empty
	// means the client's default; an empty SubModel falls back to RootModel.
	RootModel string
	SubModel  string

	MaxObservationChars int
	// MaxHistoryTurns > 0 keeps only the most recent turns in the prompt.
	MaxHistoryTurns    int
	SubCallConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.SubMaxIterations <= 0 {
		c.SubMaxIterations = defaultSubMaxIterations
	}
	if c.MaxObservationChars == 0 {
		c.MaxObservationChars = defaultMaxObservationChars
	}
	if c.SubCallConcurrency <= 0 {
		c.SubCallConcurrency = defaultSubCallConcurrency
	}
	if c.SubModel == "" {
		c.SubModel = c.RootModel
	}
	return c
}

// RLM represents the Recursive Language Model engine.
// It orchestrates the interaction between the LLM and the code execution environment (REPL).
// An RLM is safe for concurrent use; every Completion runs its own session
// with its own interpreter.
type RLM struct {
	client    client.Client
	cfg       Config
	sink      eventing.Sink
	newInterp env.Factory
	logger    *slog.Logger
}

type Option func(*RLM)

// WithEventSink sets the observer notified of root-session events.
func WithEventSink(sink eventing.Sink) Option {
	return func(r *RLM) {
		if sink == nil {
			sink = eventing.Noop
		}
		r.sink = sink
	}
}

func WithInterpreterFactory(f env.Factory) Option {
	return func(r *RLM) { r.newInterp = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *RLM) { r.logger = l }
}

// WithMaxIterations overrides the root iteration budget.
func WithMaxIterations(n int) Option {
	return func(r *RLM) {
		if n > 0 {
			r.cfg.MaxIterations = n
		}
	}
}

// WithModels overrides the root and sub models; empty arguments keep the
// current values.
func WithModels(root, sub string) Option {
	return func(r *RLM) {
		if root != "" {
			r.cfg.RootModel = root
		}
		if sub != "" {
			r.cfg.SubModel = sub
		}
	}
}

// NewRLM creates a new RLM instance. Without WithInterpreterFactory sessions
// run against a python3 subprocess found on PATH.
func NewRLM(c client.Client, cfg Config, opts ...Option) *RLM {
	r := &RLM{
		client:    c,
		cfg:       cfg,
		sink:      eventing.Noop,
		newInterp: env.NewPythonFactory(env.PythonConfig{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg = r.cfg.withDefaults()
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// With returns a copy of r with opts applied. The copy shares the client and
// interpreter factory.
func (r *RLM) With(opts ...Option) *RLM {
	cp := *r
	for _, opt := range opts {
		opt(&cp)
	}
	cp.cfg = cp.cfg.withDefaults()
	return &cp
}

func (r *RLM) Config() Config {
	return r.cfg
}

// Completion runs a root session for query over contextData until it
// produces a final answer, exhausts its iteration budget, or fails. It
// always returns a result in a terminal state; use Err for the typed cause
// of a failure.
func (r *RLM) Completion(ctx context.Context, query string, contextData any) *types.RLMChatCompletion {
	return r.run(ctx, sessionParams{
		query:        query,
		contextData:  contextData,
		model:        r.cfg.RootModel,
		maxIter:      r.cfg.MaxIterations,
		allowSubCall: true,
		sink:         r.sink,
		depth:        0,
	})
}
