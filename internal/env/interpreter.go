package env

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/iuriikogan/rlm-repl/internal/types"
)

var (
	// ErrExecTimeout is returned when a fragment outlives the configured
	// execution timeout. The interpreter is unusable afterwards.
	ErrExecTimeout = errors.New("execution timed out")

	// ErrUnavailable is returned once the interpreter process has gone away.
	ErrUnavailable = errors.New("interpreter is not running")
)

// SubCaller runs sub-sessions on behalf of code executing in the REPL. It is
// what llm_query and llm_query_batched are bound to.
type SubCaller interface {
	Query(ctx context.Context, prompt, contextText string) (string, error)
	QueryBatched(ctx context.Context, prompts, contexts []string) ([]string, error)
}

// Interpreter executes code against one persistent namespace. The namespace
// itself never leaves the implementation; callers only see text.
type Interpreter interface {
	Execute(ctx context.Context, code string) (types.ExecutionResult, error)
	// SetVariable binds name to value. Strings are stored verbatim, anything
	// else is JSON-encoded and decoded on the interpreter side.
	SetVariable(ctx context.Context, name string, value any) error
	GetVariable(ctx context.Context, name string) (string, bool, error)
	Close() error
}

// Options configure a new interpreter. A nil SubCaller means the namespace
// gets no sub-call primitive at all.
type Options struct {
	SubCaller SubCaller
}

// Factory creates a fresh interpreter with an empty namespace.
type Factory func(ctx context.Context, opts Options) (Interpreter, error)

// Executor runs fragments against an interpreter and never fails: every
// problem comes back as a fault on the result.
type Executor struct {
	interp Interpreter
}

func NewExecutor(interp Interpreter) *Executor {
	return &Executor{interp: interp}
}

func (e *Executor) Execute(ctx context.Context, f types.Fragment) types.ExecutionResult {
	if strings.TrimSpace(f.Code) == "" {
		return types.ExecutionResult{}
	}

	start := time.Now()
	res, err := e.interp.Execute(ctx, f.Code)
	if err != nil {
		slog.Debug("Fragment execution failed", "fragment", f.Index, "error", err)
		res = types.ExecutionResult{Fault: faultFor(err)}
	}
	res.ExecutionTime = time.Since(start).Seconds()
	return res
}

func faultFor(err error) *types.FragmentFault {
	switch {
	case errors.Is(err, ErrExecTimeout):
		return &types.FragmentFault{Kind: "ExecutionTimeout", Message: err.Error()}
	case errors.Is(err, ErrUnavailable):
		return &types.FragmentFault{Kind: "InterpreterUnavailable", Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &types.FragmentFault{Kind: "Cancelled", Message: err.Error()}
	default:
		return &types.FragmentFault{Kind: "InterpreterError", Message: err.Error()}
	}
}
