package rlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/iuriikogan/rlm-repl/internal/client"
	"github.com/iuriikogan/rlm-repl/internal/env"
	"github.com/iuriikogan/rlm-repl/internal/eventing"
	"github.com/iuriikogan/rlm-repl/internal/observability"
	"github.com/iuriikogan/rlm-repl/internal/types"
	"github.com/iuriikogan/rlm-repl/internal/utils"
)

type sessionParams struct {
	query        string
	contextData  any
	model        string
	maxIter      int
	allowSubCall bool
	sink         eventing.Sink
	depth        int
}

// session is the state of one run of the loop. Root sessions and
// sub-sessions share it; they differ only in their params.
type session struct {
	r      *RLM
	p      sessionParams
	id     string
	logger *slog.Logger

	interp env.Interpreter
	exec   *env.Executor
	system types.Message
	turns  []types.Turn
	turn   int
}

func (r *RLM) run(ctx context.Context, p sessionParams) *types.RLMChatCompletion {
	s := &session{
		r:  r,
		p:  p,
		id: uuid.NewString(),
	}
	s.logger = r.logger.With("session_id", s.id, "depth", p.depth)

	start := time.Now()
	result := s.loop(ctx)
	result.ExecutionTime = time.Since(start).Seconds()

	observability.SessionsTotal.WithLabelValues(string(result.Status), strconv.Itoa(p.depth)).Inc()
	if p.depth == 0 {
		observability.RlmIterations.Observe(float64(result.Iterations))
		observability.RlmDuration.Observe(result.ExecutionTime)
	}

	s.turn = max(len(s.turns)-1, 0)
	s.emit(ctx, types.Event{
		Type:    types.EventSessionTerminated,
		Payload: result.Response,
		Status:  result.Status,
	})
	if result.Status == types.StatusFailed {
		s.logger.Error("RLM session failed", "iterations", result.Iterations, "error", result.Error)
	} else {
		s.logger.Info("RLM session finished", "status", result.Status, "iterations", result.Iterations, "duration", result.ExecutionTime)
	}
	return result
}

func (s *session) loop(ctx context.Context) *types.RLMChatCompletion {
	res := &types.RLMChatCompletion{
		SessionID: s.id,
		RootModel: s.p.model,
		Prompt:    s.p.query,
		Status:    types.StatusInit,
	}
	if res.RootModel == "" {
		res.RootModel = s.r.client.ModelName()
	}

	s.logger.Info("Starting RLM session", "query_len", len(s.p.query), "max_iterations", s.p.maxIter, "sub_calls", s.p.allowSubCall)
	s.emit(ctx, types.Event{Type: types.EventSessionStarted, Payload: s.p.query})

	if err := s.start(ctx); err != nil {
		if ctx.Err() != nil {
			return s.fail(res, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		}
		return s.fail(res, err)
	}
	defer s.interp.Close()

	res.Status = types.StatusRunning
	for s.turn = 0; s.turn < s.p.maxIter; s.turn++ {
		if err := ctx.Err(); err != nil {
			return s.fail(res, fmt.Errorf("%w: %v", ErrCancelled, err))
		}

		turn, done, err := s.step(ctx)
		if err != nil {
			return s.fail(res, err)
		}
		s.turns = append(s.turns, turn)
		res.Iterations = len(s.turns)
		res.Turns = s.turns

		if done {
			res.Status = types.StatusCompleted
			res.Response = turn.FinalAnswer
			res.Terminal = true
			return res
		}
	}
	if err := ctx.Err(); err != nil {
		return s.fail(res, fmt.Errorf("%w: %v", ErrCancelled, err))
	}

	res.Status = types.StatusExhausted
	res.Response = s.exhaustedAnswer()
	s.logger.Warn("RLM reached max iterations", "max_iterations", s.p.maxIter)
	return res
}

// start creates the interpreter and binds the context variable.
func (s *session) start(ctx context.Context) error {
	opts := env.Options{}
	if s.p.allowSubCall {
		opts.SubCaller = &subInvoker{r: s.r, parent: s}
	}
	interp, err := s.r.newInterp(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInterpreter, err)
	}

	contextData := s.p.contextData
	if contextData == nil {
		contextData = ""
	}
	if err := interp.SetVariable(ctx, "context", contextData); err != nil {
		interp.Close()
		return fmt.Errorf("%w: set context: %v", ErrInterpreter, err)
	}

	s.interp = interp
	s.exec = env.NewExecutor(interp)
	s.system = types.Message{Role: "system", Content: systemPrompt(contextData, s.p.allowSubCall)}
	return nil
}

// step runs one turn and reports whether it produced a final answer. Only
// LM failures are returned as errors.
func (s *session) step(ctx context.Context) (types.Turn, bool, error) {
	start := time.Now()
	turn := types.Turn{Index: s.turn}
	s.emit(ctx, types.Event{Type: types.EventTurnStarted})
	s.logger.Debug("RLM Iteration", "iteration", s.turn)

	resp, err := s.r.client.Completion(ctx, client.Request{
		Model:    s.p.model,
		Messages: s.messages(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return turn, false, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return turn, false, err
	}
	turn.Response = resp
	s.emit(ctx, types.Event{Type: types.EventModelResponse, Payload: resp})

	ex := utils.ExtractFragments(resp)
	turn.Warnings = ex.Warnings
	if n := len(ex.Warnings); n > 0 {
		observability.ParseWarnings.Add(float64(n))
		s.logger.Debug("Malformed code markers in model output", "iteration", s.turn, "warnings", n)
	}

	for _, f := range ex.Fragments {
		result := s.exec.Execute(ctx, f)
		turn.CodeBlocks = append(turn.CodeBlocks, types.CodeBlock{Fragment: f, Result: result})

		ev := types.Event{
			Type:    types.EventFragmentExecuted,
			Payload: result.Primary(),
			Code:    f.Code,
			Output:  result.Output,
		}
		if result.Fault != nil {
			observability.FragmentsTotal.WithLabelValues("fault").Inc()
			ev.Fault = result.Fault.Error()
			s.logger.Debug("Fragment raised a fault", "iteration", s.turn, "fragment", f.Index, "fault", ev.Fault)
		} else {
			observability.FragmentsTotal.WithLabelValues("ok").Inc()
		}
		s.emit(ctx, ev)
	}

	answer, done, notes := s.finalAnswer(ctx, ex.Commentary, turn.CodeBlocks)
	turn.FinalAnswer = answer
	turn.Observation = observe(turn, s.r.cfg.MaxObservationChars, notes)
	turn.IterationTime = time.Since(start).Seconds()
	return turn, done, nil
}

// finalAnswer looks for a marker in the commentary first, then in each
// execution result in order. FINAL takes precedence over FINAL_VAR within
// the same text. A FINAL_VAR naming a missing variable is reported as a note
// and does not end the session.
func (s *session) finalAnswer(ctx context.Context, commentary string, blocks []types.CodeBlock) (string, bool, []string) {
	candidates := []string{commentary}
	for _, cb := range blocks {
		if cb.Result.Fault == nil {
			candidates = append(candidates, cb.Result.Output, cb.Result.Value)
		}
	}

	var notes []string
	for _, text := range candidates {
		if answer, ok := utils.FindFinalAnswer(text); ok {
			return answer, true, notes
		}
		name, ok := utils.FindFinalVar(text)
		if !ok {
			continue
		}
		value, found, err := s.interp.GetVariable(ctx, name)
		switch {
		case err != nil:
			notes = append(notes, fmt.Sprintf("FINAL_VAR(%s) could not be read: %v", name, err))
		case !found:
			notes = append(notes, fmt.Sprintf("FINAL_VAR(%s) does not name a variable in the REPL environment", name))
		default:
			return value, true, notes
		}
	}
	return "", false, notes
}

func (s *session) messages() []types.Message {
	msgs := make([]types.Message, 0, len(s.turns)*2+3)
	msgs = append(msgs, s.system, types.Message{Role: "user", Content: "Query: " + s.p.query})
	msgs = append(msgs, historyMessages(s.turns, s.r.cfg.MaxHistoryTurns)...)
	return append(msgs, nextActionPrompt(s.p.query, s.turn))
}

func (s *session) exhaustedAnswer() string {
	last := ""
	if n := len(s.turns); n > 0 {
		last = s.turns[n-1].Observation
	}
	if last == "" {
		last = "(no observation)"
	}
	return fmt.Sprintf("[unterminated: no final answer after %d iterations]\n%s", s.p.maxIter, last)
}

func (s *session) fail(res *types.RLMChatCompletion, err error) *types.RLMChatCompletion {
	res.Status = types.StatusFailed
	res.Cause = err
	res.Error = err.Error()
	res.Response = err.Error()
	res.Iterations = len(s.turns)
	res.Turns = s.turns

	var perr *client.ProviderError
	if errors.As(err, &perr) {
		s.logger.Error("Client completion failed", "provider", perr.Provider, "attempts", perr.Attempts, "error", perr.Err)
	}
	return res
}

func (s *session) emit(ctx context.Context, e types.Event) {
	e.SessionID = s.id
	e.Turn = s.turn
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := s.p.sink.Publish(ctx, e); err != nil {
		s.logger.Debug("Event sink rejected event", "type", e.Type, "error", err)
	}
}
