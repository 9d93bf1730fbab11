package rlm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/iuriikogan/rlm-repl/internal/client"
	"github.com/iuriikogan/rlm-repl/internal/env"
	"github.com/iuriikogan/rlm-repl/internal/types"
)

const (
	rootModel = "root-model"
	subModel  = "sub-model"
)

type MockClient struct {
	mu        sync.Mutex
	responses []string
	callCount int
	requests  []client.Request

	// sub answers requests for the sub model, given the sub-session query.
	sub func(query string) (string, error)
	err error
	// onCall runs before every root request.
	onCall func()
}

func (m *MockClient) Completion(ctx context.Context, req client.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if req.Model == subModel && m.sub != nil {
		m.mu.Unlock()
		return m.sub(strings.TrimPrefix(req.Messages[1].Content, "Query: "))
	}
	defer m.mu.Unlock()

	if m.onCall != nil {
		m.onCall()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	if m.callCount >= len(m.responses) {
		return "FINAL(Mocked Limit Reached)", nil
	}
	resp := m.responses[m.callCount]
	m.callCount++
	return resp, nil
}

func (m *MockClient) ModelName() string {
	return "mock-model"
}

func (m *MockClient) rootRequests() []client.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []client.Request
	for _, r := range m.requests {
		if r.Model != subModel {
			out = append(out, r)
		}
	}
	return out
}

// fakeInterp runs a line-oriented script language:
//
//	set NAME = VALUE   bind a variable
//	get NAME           value of a variable, NameError if unbound
//	print TEXT         append TEXT to the output
//	raise KIND MSG     fault
//	scan               value of the first all-digit token in context
//	query PROMPT       value of llm_query(PROMPT)
//	batch A|B|C        llm_query_batched, values joined with ","
//	has_llm_query      "True" or "False"
//
// A fault stops the fragment; earlier lines keep their effects.
type fakeInterp struct {
	mu     sync.Mutex
	vars   map[string]string
	sub    env.SubCaller
	closed bool
}

func (f *fakeInterp) Execute(ctx context.Context, code string) (types.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return types.ExecutionResult{}, env.ErrUnavailable
	}

	var res types.ExecutionResult
	setValue := func(v string) {
		res.Value = v
		res.HasValue = true
	}
	for _, line := range strings.Split(strings.TrimSpace(code), "\n") {
		res.Value, res.HasValue = "", false
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case "set":
			name, value, _ := strings.Cut(arg, " = ")
			f.vars[name] = value
		case "get":
			v, ok := f.vars[arg]
			if !ok {
				res.Fault = &types.FragmentFault{Kind: "NameError", Message: fmt.Sprintf("name '%s' is not defined", arg)}
				return res, nil
			}
			setValue(v)
		case "print":
			res.Output += arg + "\n"
		case "raise":
			kind, msg, _ := strings.Cut(arg, " ")
			res.Fault = &types.FragmentFault{Kind: kind, Message: msg}
			return res, nil
		case "scan":
			for _, tok := range strings.Fields(f.vars["context"]) {
				if strings.IndexFunc(tok, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
					setValue(tok)
					break
				}
			}
		case "query", "batch":
			if f.sub == nil {
				res.Fault = &types.FragmentFault{Kind: "NameError", Message: "name 'llm_query' is not defined"}
				return res, nil
			}
			var (
				out string
				err error
			)
			if cmd == "query" {
				out, err = f.sub.Query(ctx, arg, "")
			} else {
				var outs []string
				outs, err = f.sub.QueryBatched(ctx, strings.Split(arg, "|"), nil)
				out = strings.Join(outs, ",")
			}
			if err != nil {
				res.Fault = &types.FragmentFault{Kind: "RuntimeError", Message: err.Error()}
				return res, nil
			}
			setValue(out)
		case "has_llm_query":
			if f.sub != nil {
				setValue("True")
			} else {
				setValue("False")
			}
		}
	}
	return res, nil
}

func (f *fakeInterp) SetVariable(_ context.Context, name string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := value.(string); ok {
		f.vars[name] = s
	} else {
		f.vars[name] = fmt.Sprint(value)
	}
	return nil
}

func (f *fakeInterp) GetVariable(_ context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vars[name]
	return v, ok, nil
}

func (f *fakeInterp) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeInterp
	err     error
}

func (ff *fakeFactory) New(_ context.Context, opts env.Options) (env.Interpreter, error) {
	if ff.err != nil {
		return nil, ff.err
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	f := &fakeInterp{vars: map[string]string{}, sub: opts.SubCaller}
	ff.created = append(ff.created, f)
	return f, nil
}

func (ff *fakeFactory) interps() []*fakeInterp {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakeInterp(nil), ff.created...)
}
