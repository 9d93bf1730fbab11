package env

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/iuriikogan/rlm-repl/internal/types"
)

//go:embed bootstrap.py
var bootstrap []byte

const readyTimeout = 10 * time.Second

// PythonConfig configures the python3 subprocess backing a PythonREPL.
type PythonConfig struct {
	PythonPath string
	// ExecTimeout bounds a single fragment, sub-calls included. Zero means
	// no limit.
	ExecTimeout time.Duration
	WorkDir     string
}

// PythonREPL keeps one python3 process alive for the lifetime of a session.
// Requests and callbacks travel as JSON lines over stdin/stdout.
type PythonREPL struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	lines     chan []byte
	readErr   error
	subCaller SubCaller
	timeout   time.Duration
	tempDir   string

	mu     sync.Mutex
	nextID int64
	dead   error

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// NewPythonFactory returns a Factory that starts a PythonREPL per call.
func NewPythonFactory(cfg PythonConfig) Factory {
	return func(ctx context.Context, opts Options) (Interpreter, error) {
		return NewPythonREPL(ctx, cfg, opts)
	}
}

func NewPythonREPL(ctx context.Context, cfg PythonConfig, opts Options) (*PythonREPL, error) {
	pythonPath := cfg.PythonPath
	if pythonPath == "" {
		pythonPath = "python3"
	}
	resolved, err := exec.LookPath(pythonPath)
	if err != nil {
		return nil, fmt.Errorf("locate python: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "rlm-repl-*")
	if err != nil {
		return nil, err
	}
	scriptPath := filepath.Join(tempDir, "bootstrap.py")
	if err := os.WriteFile(scriptPath, bootstrap, 0o644); err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}

	args := []string{"-u", scriptPath}
	if opts.SubCaller != nil {
		args = append(args, "--sub-call")
	}
	// Not CommandContext: the process belongs to the session, not to ctx.
	cmd := exec.Command(resolved, args...)
	cmd.Dir = cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		os.RemoveAll(tempDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("start python: %w", err)
	}

	r := &PythonREPL{
		cmd:       cmd,
		stdin:     stdin,
		lines:     make(chan []byte, 16),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		subCaller: opts.SubCaller,
		timeout:   cfg.ExecTimeout,
		tempDir:   tempDir,
	}
	go r.readLoop(bufio.NewReader(stdoutPipe))

	if err := r.waitReady(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("wait ready: %w", err)
	}
	return r, nil
}

func (r *PythonREPL) readLoop(rd *bufio.Reader) {
	defer close(r.readDone)
	defer close(r.lines)
	for {
		b, err := rd.ReadBytes('\n')
		if len(b) > 0 {
			select {
			case r.lines <- b:
			case <-r.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.readErr = err
			}
			return
		}
	}
}

func (r *PythonREPL) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeoutCause(ctx, readyTimeout, ErrExecTimeout)
	defer cancel()

	b, err := r.next(ctx)
	if err != nil {
		return err
	}
	l, err := decodeLine(b)
	if err != nil {
		return err
	}
	if l.resp == nil {
		return fmt.Errorf("unexpected first line from repl")
	}
	if l.resp.Error != nil {
		return l.resp.Error
	}
	return nil
}

// next waits for one line from the process. A deadline set with
// ErrExecTimeout as its cause surfaces as ErrExecTimeout.
func (r *PythonREPL) next(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-r.lines:
		if !ok {
			if r.readErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, r.readErr)
			}
			return nil, ErrUnavailable
		}
		return b, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (r *PythonREPL) Execute(ctx context.Context, code string) (types.ExecutionResult, error) {
	raw, err := r.roundTrip(ctx, "execute", executeParams{Code: code}, r.timeout)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	var res executeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return types.ExecutionResult{}, fmt.Errorf("decode execute result: %w", err)
	}

	out := types.ExecutionResult{
		Output:   res.Output,
		Value:    res.Value,
		HasValue: res.HasValue,
	}
	if res.Fault != nil {
		out.Fault = &types.FragmentFault{Kind: res.Fault.Kind, Message: res.Fault.Message}
	}
	return out, nil
}

func (r *PythonREPL) SetVariable(ctx context.Context, name string, value any) error {
	params := setVarParams{Name: name}
	if s, ok := value.(string); ok {
		params.Value = s
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		params.Value = string(data)
		params.JSON = true
	}
	_, err := r.roundTrip(ctx, "set_var", params, 0)
	return err
}

func (r *PythonREPL) GetVariable(ctx context.Context, name string) (string, bool, error) {
	raw, err := r.roundTrip(ctx, "get_var", getVarParams{Name: name}, 0)
	if err != nil {
		return "", false, err
	}
	var res getVarResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", false, fmt.Errorf("decode get_var result: %w", err)
	}
	return res.Value, res.Found, nil
}

// roundTrip sends one request and serves callbacks until its response
// arrives. timeout covers the whole exchange, callbacks included. A timeout
// or cancellation kills the process, since its namespace is no longer in a
// known state.
func (r *PythonREPL) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead != nil {
		return nil, r.dead
	}

	r.nextID++
	id := r.nextID
	if err := r.write(request{ID: id, Method: method, Params: params}); err != nil {
		r.dead = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return nil, r.dead
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrExecTimeout)
		defer cancel()
	}

	for {
		b, err := r.next(ctx)
		if err != nil {
			r.kill(err)
			return nil, err
		}
		l, err := decodeLine(b)
		if err != nil {
			slog.Debug("Skipping undecodable repl line", "error", err)
			continue
		}
		if l.callback != nil {
			resp := r.serveCallback(ctx, l.callback)
			if ctx.Err() != nil {
				err := context.Cause(ctx)
				r.kill(err)
				return nil, err
			}
			if err := r.write(resp); err != nil {
				r.kill(err)
				return nil, r.dead
			}
			continue
		}
		if l.resp.ID != id {
			continue
		}
		if l.resp.Error != nil {
			return nil, l.resp.Error
		}
		return l.resp.Result, nil
	}
}

func (r *PythonREPL) serveCallback(ctx context.Context, cb *callbackRequest) callbackResponse {
	resp := callbackResponse{CallbackID: cb.CallbackID}
	if r.subCaller == nil {
		resp.Error = "sub-calls are not available in this session"
		return resp
	}

	switch cb.Callback {
	case "llm_query":
		result, err := r.subCaller.Query(ctx, cb.Params.Prompt, cb.Params.Context)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	case "llm_query_batched":
		results, err := r.subCaller.QueryBatched(ctx, cb.Params.Prompts, cb.Params.Contexts)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Results = results
		}
	default:
		resp.Error = fmt.Sprintf("unknown callback %q", cb.Callback)
	}
	return resp
}

func (r *PythonREPL) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.stdin.Write(append(data, '\n'))
	return err
}

// kill must be called with r.mu held.
func (r *PythonREPL) kill(cause error) {
	if r.dead == nil {
		r.dead = fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
}

func (r *PythonREPL) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	if r.stdin != nil {
		r.stdin.Close()
	}
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
		r.cmd.Wait()
		<-r.readDone
	}
	return os.RemoveAll(r.tempDir)
}
