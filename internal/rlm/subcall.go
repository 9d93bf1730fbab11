package rlm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/iuriikogan/rlm-repl/internal/env"
	"github.com/iuriikogan/rlm-repl/internal/eventing"
	"github.com/iuriikogan/rlm-repl/internal/observability"
	"github.com/iuriikogan/rlm-repl/internal/types"
)

// subInvoker is bound to llm_query in a root session's namespace. Each call
// runs a sub-session with sub-calls disabled, so recursion stops at depth 1.
type subInvoker struct {
	r      *RLM
	parent *session
}

var _ env.SubCaller = (*subInvoker)(nil)

func (si *subInvoker) Query(ctx context.Context, prompt, contextText string) (string, error) {
	res := si.r.run(ctx, sessionParams{
		query:        prompt,
		contextData:  contextText,
		model:        si.r.cfg.SubModel,
		maxIter:      si.r.cfg.SubMaxIterations,
		allowSubCall: false,
		sink:         eventing.Noop,
		depth:        si.parent.p.depth + 1,
	})
	observability.SubCallsTotal.WithLabelValues(string(res.Status)).Inc()

	ev := types.Event{
		Type:    types.EventSubCallInvoked,
		Payload: prompt,
		Output:  res.Response,
		Status:  res.Status,
	}
	if err := res.Err(); err != nil {
		ev.Fault = err.Error()
		si.parent.emit(ctx, ev)
		return "", fmt.Errorf("sub-call failed: %w", err)
	}
	si.parent.emit(ctx, ev)
	return res.Response, nil
}

// QueryBatched runs one sub-session per prompt, at most SubCallConcurrency
// at a time. The first failure cancels the rest.
func (si *subInvoker) QueryBatched(ctx context.Context, prompts, contexts []string) ([]string, error) {
	if len(contexts) > 0 && len(contexts) != len(prompts) {
		return nil, fmt.Errorf("got %d prompts but %d contexts", len(prompts), len(contexts))
	}

	results := make([]string, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(si.r.cfg.SubCallConcurrency)
	for i, prompt := range prompts {
		contextText := ""
		if len(contexts) > 0 {
			contextText = contexts[i]
		}
		g.Go(func() error {
			out, err := si.Query(gctx, prompt, contextText)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
